package operation

import (
	"context"
	"fmt"

	"github.com/Strob0t/ProbeCore/internal/domain"
	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
	"github.com/Strob0t/ProbeCore/internal/port/device"
)

// ProfileDevice is what ProfileScan needs from the controller.
type ProfileDevice interface {
	device.Motion
	device.Inputs
}

// ProfileScan steps one axis across a range centred on its current position,
// samples a signal channel at every step and finally returns the axis to the
// highest-signal point.
type ProfileScan struct {
	dev    ProfileDevice
	params stage.ProfileParams
	timing Timing
}

// NewProfileScan returns a ProfileScan operation.
func NewProfileScan(dev ProfileDevice, params stage.ProfileParams, timing Timing) *ProfileScan {
	return &ProfileScan{dev: dev, params: params, timing: timing}
}

// Kind implements Operation.
func (p *ProfileScan) Kind() task.Kind { return task.KindProfileMeasurement }

// Execute implements Operation.
func (p *ProfileScan) Execute(ctx context.Context, token *Token, sink Sink) (any, error) {
	axis := p.params.MainAxis
	r := newRunner("profile "+axis.String(), p.timing, token, sink)

	if msg := p.params.CheckPoints(); msg != "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, msg)
	}
	n := p.params.Points()

	st, err := p.dev.AxisStatus(ctx, axis)
	if err != nil {
		return nil, fmt.Errorf("read %s status: %w", axis, err)
	}
	if !st.ServoOn {
		return nil, fmt.Errorf("%w: servo is off on %s", domain.ErrDeviceFault, axis)
	}

	center := st.Position
	start := center - p.params.Range/2
	end := start + float64(n-1)*p.params.Step
	if limits := axis.Limits(); !limits.Contains(start) || !limits.Contains(end) {
		return nil, fmt.Errorf("%w: scan [%.3f, %.3f] exceeds %s limits", domain.ErrValidation, start, end, axis)
	}

	var points []stage.ProfilePoint
	// n sample moves plus the return to the peak
	moves := float64(n + 1)

	for i := 0; i < n; i++ {
		target := start + float64(i)*p.params.Step
		if err := p.moveTo(ctx, r, target, float64(i)/moves*100, fmt.Sprintf("point %d/%d", i+1, n), len(points)); err != nil {
			return nil, err
		}

		sig, err := p.dev.AnalogInput(ctx, p.params.SignalChannel)
		if err != nil {
			return nil, fmt.Errorf("sample channel %d: %w", p.params.SignalChannel, err)
		}
		points = append(points, stage.ProfilePoint{Position: target, Signal: sig})
	}

	peak := stage.Peak(points)
	if err := p.moveTo(ctx, r, points[peak].Position, float64(n)/moves*100, "returning to peak", len(points)); err != nil {
		return nil, err
	}

	final, err := p.dev.AxisStatus(ctx, axis)
	if err != nil {
		return nil, fmt.Errorf("read %s final position: %w", axis, err)
	}

	res := stage.ProfileResult{
		MainAxis:        axis,
		SignalChannel:   p.params.SignalChannel,
		Points:          points,
		PeakIndex:       peak,
		PeakPosition:    points[peak].Position,
		PeakSignal:      points[peak].Signal,
		InitialPosition: center,
		FinalPosition:   final.Position,
	}
	r.complete(fmt.Sprintf("profile complete: %d points", len(points)), map[string]any{
		"axis":          int(axis),
		"peak_position": res.PeakPosition,
		"peak_signal":   res.PeakSignal,
	})
	return res, nil
}

// moveTo issues one move of the scan axis and waits for it through the
// runner, so the token is checked before the command and during the wait.
func (p *ProfileScan) moveTo(ctx context.Context, r *runner, target, pct float64, msg string, sampled int) error {
	axis := p.params.MainAxis
	if err := r.checkpoint(); err != nil {
		return err
	}
	if err := p.dev.MoveAbsolute(ctx, axis, target, p.params.Speed); err != nil {
		return fmt.Errorf("move %s to %.3f: %w", axis, target, err)
	}

	read := func(ctx context.Context) (reading, error) {
		s, err := p.dev.AxisStatus(ctx, axis)
		if err != nil {
			return reading{}, fmt.Errorf("read %s status: %w", axis, err)
		}
		if s.Error {
			return reading{}, fmt.Errorf("%w: %s reported error code %d", domain.ErrDeviceFault, axis, s.ErrorCode)
		}
		return reading{
			Active:  s.IsMoving,
			Percent: pct,
			Message: msg,
			Detail:  map[string]any{"axis": int(axis), "current_position": s.Position, "points": sampled},
		}, nil
	}
	stop := func(ctx context.Context) error { return p.dev.StopAxis(ctx, axis) }
	_, err := r.poll(ctx, read, stop)
	return err
}
