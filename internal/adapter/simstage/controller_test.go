package simstage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/port/device"
)

var _ device.Controller = (*Controller)(nil)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestController() (*Controller, *clock) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(Config{PhaseDuration: time.Second})
	c.now = clk.now
	for i := range c.axes {
		c.axes[i].updated = clk.t
	}
	return c, clk
}

func TestMoveIntegratesSpeed(t *testing.T) {
	c, clk := newTestController()
	ctx := context.Background()

	if err := c.MoveAbsolute(ctx, stage.AxisX1, 100, 50); err != nil {
		t.Fatalf("MoveAbsolute: %v", err)
	}
	clk.advance(time.Second)
	st, _ := c.AxisStatus(ctx, stage.AxisX1)
	if math.Abs(st.Position-50) > 1e-9 || !st.IsMoving {
		t.Fatalf("after 1s: pos=%v moving=%v, want 50 moving", st.Position, st.IsMoving)
	}
	clk.advance(5 * time.Second)
	st, _ = c.AxisStatus(ctx, stage.AxisX1)
	if st.Position != 100 || st.IsMoving {
		t.Fatalf("after 6s: pos=%v moving=%v, want 100 idle", st.Position, st.IsMoving)
	}
}

func TestStopAxisFreezesPosition(t *testing.T) {
	c, clk := newTestController()
	ctx := context.Background()

	_ = c.MoveAbsolute(ctx, stage.AxisY1, -100, 50)
	clk.advance(300 * time.Millisecond)
	if err := c.StopAxis(ctx, stage.AxisY1); err != nil {
		t.Fatalf("StopAxis: %v", err)
	}
	clk.advance(time.Second)
	st, _ := c.AxisStatus(ctx, stage.AxisY1)
	if st.IsMoving || math.Abs(st.Position+15) > 1e-9 {
		t.Fatalf("pos=%v moving=%v, want -15 idle", st.Position, st.IsMoving)
	}
}

func TestMoveRejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Controller)
		axis  stage.AxisID
		pos   float64
		speed float64
		want  error
	}{
		{"servo off", func(c *Controller) { _ = c.SetServo(context.Background(), stage.AxisZ1, false) }, stage.AxisZ1, 10, 100, ErrServoOff},
		{"out of limits", func(*Controller) {}, stage.AxisZ1, 20000, 100, ErrOutOfLimits},
		{"bad speed", func(*Controller) {}, stage.AxisX1, 10, 0, ErrInvalidSpeed},
		{"fault", func(c *Controller) { c.InjectFault(stage.AxisX1, 7) }, stage.AxisX1, 10, 100, ErrAxisFault},
		{"disconnected", func(c *Controller) { _ = c.Close() }, stage.AxisX1, 10, 100, ErrDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController()
			tt.setup(c)
			err := c.MoveAbsolute(context.Background(), tt.axis, tt.pos, tt.speed)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInjectFaultReported(t *testing.T) {
	c, _ := newTestController()
	c.InjectFault(stage.AxisTX1, 3)
	st, _ := c.AxisStatus(context.Background(), stage.AxisTX1)
	if !st.Error || st.ErrorCode != 3 || st.Unit != stage.UnitDegree {
		t.Fatalf("status = %+v", st)
	}
}

func TestAngleAdjustmentPhases(t *testing.T) {
	c, clk := newTestController()
	ctx := context.Background()
	p := stage.DefaultAngleParams(stage.SideLeft)

	before, _ := c.AnalogInput(ctx, p.Side.Wiring().SignalChannel)
	if err := c.StartAngleAdjustment(ctx, p); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.StartAngleAdjustment(ctx, p); !errors.Is(err, ErrBusy) {
		t.Fatalf("second start err = %v, want ErrBusy", err)
	}

	want := []stage.AnglePhase{stage.PhaseInitializing, stage.PhaseContactingZ, stage.PhaseAdjustingTx, stage.PhaseAdjustingTy}
	for i, ph := range want {
		st, _ := c.AngleAdjustmentStatus(ctx, p.Side)
		if st.State != stage.AngleAdjusting || st.Phase != ph {
			t.Fatalf("step %d: %+v, want adjusting/%s", i, st, ph)
		}
		clk.advance(time.Second)
	}
	st, _ := c.AngleAdjustmentStatus(ctx, p.Side)
	if st.State != stage.AngleSuccess {
		t.Fatalf("final state = %s, want success", st.State)
	}
	after, _ := c.AnalogInput(ctx, p.Side.Wiring().SignalChannel)
	if after <= before {
		t.Fatalf("signal did not improve: %v -> %v", before, after)
	}
}

func TestAngleAdjustmentStopAndOutcome(t *testing.T) {
	c, _ := newTestController()
	ctx := context.Background()
	p := stage.DefaultAngleParams(stage.SideRight)

	_ = c.StartAngleAdjustment(ctx, p)
	_ = c.StopAngleAdjustment(ctx, p.Side)
	st, _ := c.AngleAdjustmentStatus(ctx, p.Side)
	if st.State != stage.AngleStopping {
		t.Fatalf("state after stop = %s", st.State)
	}

	c.SetAngleOutcome(p.Side, stage.AngleCouldNotContact)
	if err := c.StartAngleAdjustment(ctx, p); err != nil {
		t.Fatalf("restart: %v", err)
	}
	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	st, _ = c.AngleAdjustmentStatus(ctx, p.Side)
	if st.State != stage.AngleCouldNotContact {
		t.Fatalf("state = %s, want %s", st.State, stage.AngleCouldNotContact)
	}
}

func TestAlignmentMovesToOptimum(t *testing.T) {
	c, clk := newTestController()
	ctx := context.Background()
	p := stage.DefaultAlignParams(stage.AlignFocus)

	if _, err := c.AlignmentResult(ctx); err == nil {
		t.Fatal("expected no result before alignment")
	}
	if err := c.StartAlignment(ctx, p); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, _ := c.AlignmentStatus(ctx)
	if st.State != stage.AlignAligning {
		t.Fatalf("state = %s", st.State)
	}
	clk.advance(10 * time.Second)
	st, _ = c.AlignmentStatus(ctx)
	if st.State != stage.AlignSuccess {
		t.Fatalf("final state = %s", st.State)
	}
	res, err := c.AlignmentResult(ctx)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	x, _ := c.AxisStatus(ctx, p.AxisX)
	if x.Position != res.PeakX {
		t.Fatalf("X at %v, peak %v", x.Position, res.PeakX)
	}
}

func TestStopAllHaltsEverything(t *testing.T) {
	c, clk := newTestController()
	ctx := context.Background()
	_ = c.MoveAbsolute(ctx, stage.AxisX1, 1000, 100)
	_ = c.MoveAbsolute(ctx, stage.AxisX2, -1000, 100)
	_ = c.StartAlignment(ctx, stage.DefaultAlignParams(stage.AlignFlat))
	clk.advance(100 * time.Millisecond)

	if err := c.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, id := range []stage.AxisID{stage.AxisX1, stage.AxisX2} {
		st, _ := c.AxisStatus(ctx, id)
		if st.IsMoving {
			t.Fatalf("%s still moving", id)
		}
	}
	st, _ := c.AlignmentStatus(ctx)
	if st.State != stage.AlignStopping {
		t.Fatalf("alignment state = %s", st.State)
	}
}

func TestCouplingPeaksAtOptimum(t *testing.T) {
	c, _ := newTestController()
	ctx := context.Background()
	c.axes[stage.AxisX2-1].pos = c.optimum[0]
	c.axes[stage.AxisY2-1].pos = c.optimum[1]
	peak, _ := c.AnalogInput(ctx, 1)
	c.axes[stage.AxisX2-1].pos = c.optimum[0] + 100
	off, _ := c.AnalogInput(ctx, 1)
	if peak <= off {
		t.Fatalf("peak %v <= off-peak %v", peak, off)
	}
}

func TestContactSensorsStartUnlocked(t *testing.T) {
	c, _ := newTestController()
	ctx := context.Background()
	for _, out := range []int{1, 2} {
		locked, err := c.DigitalOutput(ctx, out)
		if err != nil {
			t.Fatalf("DigitalOutput(%d): %v", out, err)
		}
		if locked {
			t.Fatalf("output %d starts locked", out)
		}
	}
	if err := c.SetDigitalOutput(ctx, 2, true); err != nil {
		t.Fatalf("SetDigitalOutput: %v", err)
	}
	if locked, _ := c.DigitalOutput(ctx, 2); !locked {
		t.Fatal("output 2 not locked after set")
	}
	if err := c.SetDigitalOutput(ctx, 0, true); err == nil {
		t.Fatal("expected an error for output 0")
	}
}
