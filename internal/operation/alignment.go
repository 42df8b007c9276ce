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

// AlignDevice is what Alignment needs from the controller.
type AlignDevice interface {
	device.Aligner
	device.Inputs
}

// Alignment runs a flat or focus optical alignment.
type Alignment struct {
	dev    AlignDevice
	params stage.AlignParams
	timing Timing
}

// NewAlignment returns an Alignment operation.
func NewAlignment(dev AlignDevice, params stage.AlignParams, timing Timing) *Alignment {
	return &Alignment{dev: dev, params: params, timing: timing}
}

// Kind implements Operation.
func (a *Alignment) Kind() task.Kind {
	if a.params.Mode == stage.AlignFocus {
		return task.KindFocusAlignment
	}
	return task.KindFlatAlignment
}

// Execute implements Operation.
func (a *Alignment) Execute(ctx context.Context, token *Token, sink Sink) (any, error) {
	mode := a.params.Mode
	r := newRunner(string(mode)+" alignment", a.timing, token, sink)

	initial, err := a.dev.AnalogInput(ctx, a.params.AnalogChannel)
	if err != nil {
		return nil, fmt.Errorf("read initial signal: %w", err)
	}
	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	if err := a.dev.StartAlignment(ctx, a.params); err != nil {
		return nil, fmt.Errorf("start %s alignment: %w", mode, err)
	}
	r.publish(reading{
		Active:  true,
		Message: string(mode) + " alignment started",
		Detail:  map[string]any{"mode": string(mode), "phase": string(stage.PhaseAlignInit), "initial_signal": initial},
	})

	var state stage.AlignState
	read := func(ctx context.Context) (reading, error) {
		st, err := a.dev.AlignmentStatus(ctx)
		if err != nil {
			return reading{}, fmt.Errorf("read alignment status: %w", err)
		}
		state = st.State
		rd := reading{
			Percent: st.Phase.Percent(mode),
			Message: "phase " + string(st.Phase),
			Detail:  map[string]any{"mode": string(mode), "phase": string(st.Phase), "initial_signal": initial},
		}
		switch st.State {
		case stage.AlignAligning:
			rd.Active = true
			return rd, nil
		case stage.AlignSuccess, stage.AlignStopping:
			return rd, nil
		}
		return reading{}, fmt.Errorf("%w: %s alignment failed: %s", domain.ErrDeviceFault, mode, st.State)
	}

	if _, err := r.poll(ctx, read, a.dev.StopAlignment); err != nil {
		return nil, err
	}
	if state != stage.AlignSuccess {
		return nil, fmt.Errorf("%w: %s alignment stopped without success", domain.ErrDeviceFault, mode)
	}

	res, err := a.dev.AlignmentResult(ctx)
	if err != nil {
		return nil, fmt.Errorf("read alignment result: %w", err)
	}
	res.Mode = mode
	res.InitialSignal = initial
	res.ExecutionSeconds = r.elapsed().Round(time.Millisecond).Seconds()

	r.complete(string(mode)+" alignment complete", map[string]any{
		"mode":        string(mode),
		"peak_x":      res.PeakX,
		"peak_y":      res.PeakY,
		"peak_signal": res.PeakSignal,
	})
	return res, nil
}
