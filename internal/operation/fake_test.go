package operation

import (
	"context"
	"errors"
	"sync"

	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
)

var errBus = errors.New("bus timeout")

// fakeStage is a scripted controller. Each AxisStatus read advances a moving
// axis by stepPerRead toward its target.
type fakeStage struct {
	mu sync.Mutex

	pos         float64
	target      float64
	moving      bool
	servoOn     bool
	stepPerRead float64
	ignoreStop  bool
	faultAfter  int // reads before the error flag is raised; 0 disables
	reads       int
	calls       []string

	locked       bool
	angleScript  []stage.AngleStatus
	angleIdx     int
	angleStopped bool

	alignScript  []stage.AlignStatus
	alignIdx     int
	alignStopped bool

	signal func(pos float64) float64
}

func newFakeStage() *fakeStage {
	return &fakeStage{servoOn: true, stepPerRead: 10}
}

func (f *fakeStage) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeStage) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStage) count(call string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeStage) AxisStatus(_ context.Context, axis stage.AxisID) (stage.AxisStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("status")
	f.reads++
	if f.moving {
		d := f.target - f.pos
		switch {
		case d > f.stepPerRead:
			f.pos += f.stepPerRead
		case d < -f.stepPerRead:
			f.pos -= f.stepPerRead
		default:
			f.pos = f.target
			f.moving = false
		}
	}
	st := stage.AxisStatus{Axis: axis, Position: f.pos, IsMoving: f.moving, ServoOn: f.servoOn}
	if f.faultAfter > 0 && f.reads > f.faultAfter {
		st.Error = true
		st.ErrorCode = 42
	}
	return st, nil
}

func (f *fakeStage) MoveAbsolute(_ context.Context, _ stage.AxisID, target, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("move")
	f.target = target
	f.moving = target != f.pos
	return nil
}

func (f *fakeStage) StopAxis(context.Context, stage.AxisID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	if !f.ignoreStop {
		f.moving = false
	}
	return nil
}

func (f *fakeStage) StopAll(ctx context.Context) error { return f.StopAxis(ctx, 0) }

func (f *fakeStage) SetServo(_ context.Context, _ stage.AxisID, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servoOn = on
	return nil
}

func (f *fakeStage) StartAngleAdjustment(context.Context, stage.AngleParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("angle_start")
	return nil
}

func (f *fakeStage) AngleAdjustmentStatus(context.Context, stage.Side) (stage.AngleStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("angle_status")
	if f.angleStopped {
		return stage.AngleStatus{State: stage.AngleStopping, Phase: stage.PhaseNotAdjusting}, nil
	}
	if len(f.angleScript) == 0 {
		return stage.AngleStatus{}, errBus
	}
	st := f.angleScript[f.angleIdx]
	if f.angleIdx < len(f.angleScript)-1 {
		f.angleIdx++
	}
	return st, nil
}

func (f *fakeStage) StopAngleAdjustment(context.Context, stage.Side) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("angle_stop")
	f.angleStopped = true
	return nil
}

func (f *fakeStage) StartAlignment(context.Context, stage.AlignParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("align_start")
	return nil
}

func (f *fakeStage) AlignmentStatus(context.Context) (stage.AlignStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alignStopped {
		return stage.AlignStatus{State: stage.AlignStopping, Phase: stage.PhaseNotAligning}, nil
	}
	st := f.alignScript[f.alignIdx]
	if f.alignIdx < len(f.alignScript)-1 {
		f.alignIdx++
	}
	return st, nil
}

func (f *fakeStage) AlignmentResult(context.Context) (stage.AlignResult, error) {
	return stage.AlignResult{PeakX: 1.5, PeakY: -2.5, PeakSignal: 3.2}, nil
}

func (f *fakeStage) StopAlignment(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alignStopped = true
	return nil
}

func (f *fakeStage) AnalogInput(context.Context, int) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signal != nil {
		return f.signal(f.pos), nil
	}
	return 1.0, nil
}

func (f *fakeStage) DigitalOutput(context.Context, int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked, nil
}

func (f *fakeStage) SetDigitalOutput(_ context.Context, _ int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = on
	return nil
}

// recordingSink collects every snapshot and can run a hook per publish.
type recordingSink struct {
	mu       sync.Mutex
	progress []task.Progress
	hook     func(p task.Progress)
}

func (s *recordingSink) Publish(p task.Progress) {
	s.mu.Lock()
	s.progress = append(s.progress, p)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(p)
	}
}

func (s *recordingSink) all() []task.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.Progress(nil), s.progress...)
}

func (s *recordingSink) last() task.Progress {
	all := s.all()
	if len(all) == 0 {
		return task.Progress{}
	}
	return all[len(all)-1]
}
