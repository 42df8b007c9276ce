package simstage

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/ProbeCore/internal/domain/stage"
)

var (
	anglePhases = []stage.AnglePhase{stage.PhaseInitializing, stage.PhaseContactingZ, stage.PhaseAdjustingTx, stage.PhaseAdjustingTy}
	flatPhases  = []stage.AlignPhase{stage.PhaseAlignInit, stage.PhaseFieldSearching, stage.PhasePeakSearchX, stage.PhasePeakSearchY}
	focusPhases = []stage.AlignPhase{stage.PhaseAlignInit, stage.PhaseFieldSearching, stage.PhasePeakSearchX, stage.PhasePeakSearchY, stage.PhasePeakSearchZ}
)

func (r *routine) stop() {
	if r.active {
		r.active = false
		r.stopped = true
	}
}

// phase returns the index of the current phase, or -1 once all have elapsed.
func (r *routine) phase(now time.Time, d time.Duration) int {
	i := int(now.Sub(r.started) / d)
	if i >= r.phases {
		return -1
	}
	return i
}

// SetAngleOutcome makes the next angle adjustment on side finish with state
// instead of success.
func (c *Controller) SetAngleOutcome(side stage.Side, state stage.AngleState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.angleNext[side] = state
}

// StartAngleAdjustment implements device.AngleAdjuster.
func (c *Controller) StartAngleAdjustment(_ context.Context, params stage.AngleParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDisconnected
	}
	if r, ok := c.angle[params.Side]; ok && r.active {
		return fmt.Errorf("angle adjustment on %s: %w", params.Side, ErrBusy)
	}
	outcome := stage.AngleSuccess
	if next, ok := c.angleNext[params.Side]; ok {
		outcome = next
		delete(c.angleNext, params.Side)
	}
	if !c.axes[params.Side.Wiring().ContactAxis-1].servo {
		outcome = stage.AngleServoNotReady
	}
	c.angle[params.Side] = &routine{started: c.now(), phases: len(anglePhases), active: true, outcome: string(outcome)}
	return nil
}

// AngleAdjustmentStatus implements device.AngleAdjuster.
func (c *Controller) AngleAdjustmentStatus(_ context.Context, side stage.Side) (stage.AngleStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stage.AngleStatus{}, ErrDisconnected
	}
	r, ok := c.angle[side]
	if !ok {
		return stage.AngleStatus{State: stage.AngleStopping, Phase: stage.PhaseNotAdjusting}, nil
	}
	if r.stopped {
		return stage.AngleStatus{State: stage.AngleStopping, Phase: stage.PhaseNotAdjusting}, nil
	}
	if r.outcome == string(stage.AngleServoNotReady) {
		r.active = false
		return stage.AngleStatus{State: stage.AngleServoNotReady, Phase: stage.PhaseInitializing}, nil
	}
	if i := r.phase(c.now(), c.cfg.PhaseDuration); i >= 0 {
		return stage.AngleStatus{State: stage.AngleAdjusting, Phase: anglePhases[i]}, nil
	}
	if r.active {
		r.active = false
		if r.outcome == string(stage.AngleSuccess) {
			c.boost[side.Wiring().SignalChannel] += 0.4
		}
	}
	return stage.AngleStatus{State: stage.AngleState(r.outcome), Phase: stage.PhaseNotAdjusting}, nil
}

// StopAngleAdjustment implements device.AngleAdjuster.
func (c *Controller) StopAngleAdjustment(_ context.Context, side stage.Side) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDisconnected
	}
	if r, ok := c.angle[side]; ok {
		r.stop()
	}
	return nil
}

// StartAlignment implements device.Aligner. A successful run leaves X2/Y2 at
// the coupling optimum.
func (c *Controller) StartAlignment(_ context.Context, params stage.AlignParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDisconnected
	}
	if c.align != nil && c.align.active {
		return fmt.Errorf("alignment: %w", ErrBusy)
	}
	outcome := stage.AlignSuccess
	for _, id := range []stage.AxisID{params.AxisX, params.AxisY} {
		if !id.Valid() || !c.axes[id-1].servo {
			outcome = stage.AlignServoNotReady
		}
	}
	phases := len(flatPhases)
	if params.Mode == stage.AlignFocus {
		phases = len(focusPhases)
	}
	c.align = &routine{started: c.now(), phases: phases, active: true, outcome: string(outcome)}
	c.alignMode = params.Mode
	c.alignArgs = params
	c.alignPeak = stage.AlignResult{}
	return nil
}

// AlignmentStatus implements device.Aligner.
func (c *Controller) AlignmentStatus(_ context.Context) (stage.AlignStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stage.AlignStatus{}, ErrDisconnected
	}
	r := c.align
	if r == nil || r.stopped {
		return stage.AlignStatus{State: stage.AlignStopping, Phase: stage.PhaseNotAligning}, nil
	}
	if r.outcome != string(stage.AlignSuccess) {
		r.active = false
		return stage.AlignStatus{State: stage.AlignState(r.outcome), Phase: stage.PhaseAlignInit}, nil
	}
	if i := r.phase(c.now(), c.cfg.PhaseDuration); i >= 0 {
		phases := flatPhases
		if c.alignMode == stage.AlignFocus {
			phases = focusPhases
		}
		return stage.AlignStatus{State: stage.AlignAligning, Phase: phases[i]}, nil
	}
	if r.active {
		r.active = false
		c.advance()
		x, y := c.alignArgs.AxisX, c.alignArgs.AxisY
		c.axes[x-1].pos, c.axes[x-1].target, c.axes[x-1].moving = c.optimum[0], c.optimum[0], false
		c.axes[y-1].pos, c.axes[y-1].target, c.axes[y-1].moving = c.optimum[1], c.optimum[1], false
		c.alignPeak = stage.AlignResult{PeakX: c.optimum[0], PeakY: c.optimum[1], PeakSignal: 5}
		if z := c.alignArgs.AxisZ; c.alignMode == stage.AlignFocus && z.Valid() {
			c.alignPeak.PeakZ = c.axes[z-1].pos
		}
	}
	return stage.AlignStatus{State: stage.AlignSuccess, Phase: stage.PhaseNotAligning}, nil
}

// AlignmentResult implements device.Aligner.
func (c *Controller) AlignmentResult(_ context.Context) (stage.AlignResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.align == nil || c.align.active || c.align.outcome != string(stage.AlignSuccess) || c.align.stopped {
		return stage.AlignResult{}, fmt.Errorf("no alignment result available")
	}
	return c.alignPeak, nil
}

// StopAlignment implements device.Aligner.
func (c *Controller) StopAlignment(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDisconnected
	}
	if c.align != nil {
		c.align.stop()
	}
	return nil
}
