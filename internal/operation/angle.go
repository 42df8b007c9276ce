package operation

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/ProbeCore/internal/domain"
	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
	"github.com/Strob0t/ProbeCore/internal/port/device"
)

// AngleDevice is what AngleAdjust needs from the controller.
type AngleDevice interface {
	device.AngleAdjuster
	device.Inputs
}

// AngleAdjust runs the contact angle-adjustment routine for one stage side.
type AngleAdjust struct {
	dev    AngleDevice
	params stage.AngleParams
	timing Timing
}

// NewAngleAdjust returns an AngleAdjust operation.
func NewAngleAdjust(dev AngleDevice, params stage.AngleParams, timing Timing) *AngleAdjust {
	return &AngleAdjust{dev: dev, params: params, timing: timing}
}

// Kind implements Operation.
func (a *AngleAdjust) Kind() task.Kind { return task.KindAngleAdjustment }

// Execute implements Operation.
func (a *AngleAdjust) Execute(ctx context.Context, token *Token, sink Sink) (any, error) {
	side := a.params.Side
	wiring := side.Wiring()
	r := newRunner("angle adjustment "+string(side), a.timing, token, sink)

	locked, err := a.dev.DigitalOutput(ctx, wiring.LockOutput)
	if err != nil {
		return nil, fmt.Errorf("read contact sensor lock: %w", err)
	}
	if locked {
		return nil, fmt.Errorf("%w: contact sensor on %s stage is locked", domain.ErrDeviceFault, side)
	}

	initial, err := a.dev.AnalogInput(ctx, wiring.SignalChannel)
	if err != nil {
		return nil, fmt.Errorf("read initial signal: %w", err)
	}
	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	if err := a.dev.StartAngleAdjustment(ctx, a.params); err != nil {
		return nil, fmt.Errorf("start angle adjustment: %w", err)
	}
	r.publish(reading{
		Active:  true,
		Message: "angle adjustment started",
		Detail:  map[string]any{"stage": string(side), "phase": string(stage.PhaseInitializing), "initial_signal": initial},
	})

	var state stage.AngleState
	read := func(ctx context.Context) (reading, error) {
		st, err := a.dev.AngleAdjustmentStatus(ctx, side)
		if err != nil {
			return reading{}, fmt.Errorf("read angle adjustment status: %w", err)
		}
		state = st.State
		rd := reading{
			Percent: st.Phase.Percent(),
			Message: "phase " + string(st.Phase),
			Detail:  map[string]any{"stage": string(side), "phase": string(st.Phase), "initial_signal": initial},
		}
		switch st.State {
		case stage.AngleAdjusting:
			rd.Active = true
			return rd, nil
		case stage.AngleSuccess, stage.AngleStopping:
			return rd, nil
		}
		return reading{}, fmt.Errorf("%w: angle adjustment failed: %s", domain.ErrDeviceFault, st.State)
	}
	stop := func(ctx context.Context) error { return a.dev.StopAngleAdjustment(ctx, side) }

	if _, err := r.poll(ctx, read, stop); err != nil {
		return nil, err
	}
	if state != stage.AngleSuccess {
		return nil, fmt.Errorf("%w: angle adjustment stopped without success", domain.ErrDeviceFault)
	}

	final, err := a.dev.AnalogInput(ctx, wiring.SignalChannel)
	if err != nil {
		return nil, fmt.Errorf("read final signal: %w", err)
	}
	res := stage.AngleResult{
		Side:              side,
		InitialSignal:     initial,
		FinalSignal:       final,
		SignalImprovement: final - initial,
		ExecutionSeconds:  r.elapsed().Round(time.Millisecond).Seconds(),
	}
	r.complete("angle adjustment complete", map[string]any{
		"stage":        string(side),
		"phase":        string(stage.PhaseNotAdjusting),
		"final_signal": final,
	})
	return res, nil
}
