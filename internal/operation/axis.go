package operation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Strob0t/ProbeCore/internal/domain"
	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
	"github.com/Strob0t/ProbeCore/internal/port/device"
)

// AxisMove moves one axis to an absolute target.
type AxisMove struct {
	dev    device.Motion
	params stage.MoveParams
	timing Timing
}

// NewAxisMove returns an AxisMove operation.
func NewAxisMove(dev device.Motion, params stage.MoveParams, timing Timing) *AxisMove {
	return &AxisMove{dev: dev, params: params, timing: timing}
}

// Kind implements Operation.
func (m *AxisMove) Kind() task.Kind { return task.KindAxisMovement }

// Execute implements Operation.
func (m *AxisMove) Execute(ctx context.Context, token *Token, sink Sink) (any, error) {
	axis, target, speed := m.params.Axis, m.params.Target, m.params.Speed
	r := newRunner("move "+axis.String(), m.timing, token, sink)

	if limits := axis.Limits(); !limits.Contains(target) {
		return nil, fmt.Errorf("%w: target %.3f outside %s limits [%.0f, %.0f]",
			domain.ErrValidation, target, axis, limits.Min, limits.Max)
	}

	st, err := m.dev.AxisStatus(ctx, axis)
	if err != nil {
		return nil, fmt.Errorf("read %s status: %w", axis, err)
	}
	if !st.ServoOn {
		return nil, fmt.Errorf("%w: servo is off on %s", domain.ErrDeviceFault, axis)
	}
	if st.Error {
		return nil, fmt.Errorf("%w: %s is in error state (code %d)", domain.ErrDeviceFault, axis, st.ErrorCode)
	}
	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	initial := st.Position
	total := math.Abs(target - initial)
	detail := func(pos float64) map[string]any {
		return map[string]any{
			"axis":             int(axis),
			"axis_name":        axis.String(),
			"initial_position": initial,
			"current_position": pos,
			"target_position":  target,
		}
	}

	if err := m.dev.MoveAbsolute(ctx, axis, target, speed); err != nil {
		return nil, fmt.Errorf("start move on %s: %w", axis, err)
	}
	r.publish(reading{Active: true, Message: fmt.Sprintf("moving %s to %.3f", axis, target), Detail: detail(initial)})

	read := func(ctx context.Context) (reading, error) {
		s, err := m.dev.AxisStatus(ctx, axis)
		if err != nil {
			return reading{}, fmt.Errorf("read %s status: %w", axis, err)
		}
		if s.Error {
			return reading{}, fmt.Errorf("%w: %s reported error code %d", domain.ErrDeviceFault, axis, s.ErrorCode)
		}
		pct := 100.0
		if total > 0 {
			pct = math.Abs(s.Position-initial) / total * 100
		}
		return reading{
			Active:  s.IsMoving,
			Percent: pct,
			Message: fmt.Sprintf("moving %s: %.3f / %.3f", axis, s.Position, target),
			Detail:  detail(s.Position),
		}, nil
	}
	stop := func(ctx context.Context) error { return m.dev.StopAxis(ctx, axis) }

	if _, err := r.poll(ctx, read, stop); err != nil {
		return nil, err
	}

	// A cancel that arrives while settling cuts the delay short; the move
	// itself has already finished.
	r.wait(m.timing.SettleDelay)

	final, err := m.dev.AxisStatus(ctx, axis)
	if err != nil {
		return nil, fmt.Errorf("read %s final position: %w", axis, err)
	}

	res := stage.MoveResult{
		Axis:             axis,
		AxisName:         axis.String(),
		InitialPosition:  initial,
		TargetPosition:   target,
		FinalPosition:    final.Position,
		Distance:         final.Position - initial,
		ExecutionSeconds: r.elapsed().Round(time.Millisecond).Seconds(),
	}
	r.complete(fmt.Sprintf("%s reached %.3f", axis, final.Position), detail(final.Position))
	return res, nil
}
