package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/ProbeCore/internal/adapter/simstage"
	"github.com/Strob0t/ProbeCore/internal/config"
	"github.com/Strob0t/ProbeCore/internal/domain"
	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
	"github.com/Strob0t/ProbeCore/internal/port/messagequeue"
)

type taskEnv struct {
	dev   *simstage.Controller
	tasks *TaskManager
	exec  *Executor
	svc   *TaskService
	pub   *recordingPublisher
}

func newTaskEnv(t *testing.T) *taskEnv {
	t.Helper()
	dev := simstage.New(simstage.Config{PhaseDuration: 20 * time.Millisecond})
	pub := &recordingPublisher{}
	tasks := NewTaskManager(20, pub)
	exec := NewExecutor(tasks)
	cfg := config.Tasks{
		PollInterval:      10 * time.Millisecond,
		AnglePollInterval: 10 * time.Millisecond,
		StopAckTimeout:    200 * time.Millisecond,
		MoveTimeout:       10 * time.Second,
		AdjustTimeout:     10 * time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		exec.Wait()
	})
	return &taskEnv{
		dev:   dev,
		tasks: tasks,
		exec:  exec,
		svc:   NewTaskService(ctx, tasks, exec, dev, cfg),
		pub:   pub,
	}
}

func (e *taskEnv) wait(t *testing.T, id string) task.Task {
	t.Helper()
	return waitTerminal(t, e.svc.Get, id)
}

// Cancelling a long move part way leaves the axis short of its target.
func TestScenario_CancelMidMove(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	tk, err := env.svc.StartMove(ctx, stage.MoveParams{Axis: stage.AxisX1, Target: 100, Speed: 50})
	if err != nil {
		t.Fatalf("StartMove: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if _, err := env.svc.Cancel(ctx, tk.ID, "operator abort"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := env.wait(t, tk.ID)
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.Error == "" || got.CancelReason != "operator abort" {
		t.Fatalf("error=%q reason=%q", got.Error, got.CancelReason)
	}
	if got.Progress == nil || !got.Progress.Halted {
		t.Fatalf("final progress not marked halted: %+v", got.Progress)
	}
	st, _ := env.dev.AxisStatus(ctx, stage.AxisX1)
	if st.IsMoving || st.Position >= 90 {
		t.Fatalf("axis at %.2f moving=%v, want stopped short of 90", st.Position, st.IsMoving)
	}
	statuses := env.pub.statuses(tk.ID)
	if statuses[len(statuses)-2] != task.StatusStopping {
		t.Fatalf("statuses = %v, want stopping before cancelled", statuses)
	}
}

// An uninterrupted move completes at its target.
func TestScenario_MoveCompletes(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	tk, err := env.svc.StartMove(ctx, stage.MoveParams{Axis: stage.AxisX1, Target: 100, Speed: 500})
	if err != nil {
		t.Fatalf("StartMove: %v", err)
	}
	got := env.wait(t, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s (error %q), want completed", got.Status, got.Error)
	}
	if got.Progress == nil || got.Progress.Percent != 100 {
		t.Fatalf("progress = %+v, want 100%%", got.Progress)
	}

	var res stage.MoveResult
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.FinalPosition != res.InitialPosition+100 {
		t.Fatalf("final %.3f, want %.3f", res.FinalPosition, res.InitialPosition+100)
	}

	want := []task.Status{task.StatusPending, task.StatusRunning, task.StatusCompleted}
	if got := env.pub.statuses(tk.ID); len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
}

// A second submission while one task runs is refused and leaves the first alone.
func TestScenario_SecondTaskConflicts(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	first, err := env.svc.StartMove(ctx, stage.MoveParams{Axis: stage.AxisX1, Target: 1000, Speed: 100})
	if err != nil {
		t.Fatalf("StartMove: %v", err)
	}
	waitStatus(t, env.tasks, first.ID, task.StatusRunning)

	_, err = env.svc.StartAlignment(ctx, stage.DefaultAlignParams(stage.AlignFlat))
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	_, err = env.svc.StartRelativeMove(ctx, stage.RelativeMoveParams{Axis: stage.AxisY1, Distance: 5})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("relative move err = %v, want ErrConflict", err)
	}

	cur, ok := env.svc.Current()
	if !ok || cur.ID != first.ID || cur.Status != task.StatusRunning {
		t.Fatalf("current = %+v, %v", cur, ok)
	}
	_, _ = env.svc.Cancel(ctx, first.ID, "")
	env.wait(t, first.ID)
}

// Cancelling an unknown task changes nothing.
func TestScenario_CancelUnknownTask(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()
	before := env.svc.History(task.HistoryFilter{})

	if _, err := env.svc.Cancel(ctx, "0b6c4a6e-0000-4000-8000-000000000000", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if after := env.svc.History(task.HistoryFilter{}); len(after) != len(before) {
		t.Fatalf("history changed: %d -> %d", len(before), len(after))
	}
	if _, busy := env.svc.Current(); busy {
		t.Fatal("unexpected active task")
	}
}

// A fault raised mid-poll fails the task and frees the slot.
func TestScenario_DeviceFaultMidMove(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	tk, err := env.svc.StartMove(ctx, stage.MoveParams{Axis: stage.AxisX1, Target: 1000, Speed: 100})
	if err != nil {
		t.Fatalf("StartMove: %v", err)
	}
	waitStatus(t, env.tasks, tk.ID, task.StatusRunning)
	time.Sleep(50 * time.Millisecond)
	env.dev.InjectFault(stage.AxisX1, 42)

	got := env.wait(t, tk.ID)
	if got.Status != task.StatusFailed || got.Error == "" {
		t.Fatalf("task = %+v", got)
	}
	if !strings.Contains(got.Error, "42") {
		t.Fatalf("error %q does not carry the fault code", got.Error)
	}
	if _, busy := env.svc.Current(); busy {
		t.Fatal("slot still held after fault")
	}

	next, err := env.svc.StartMove(ctx, stage.MoveParams{Axis: stage.AxisX2, Target: 10, Speed: 500})
	if err != nil {
		t.Fatalf("StartMove after fault: %v", err)
	}
	env.wait(t, next.ID)
}

func TestStartMove_Validation(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		p    stage.MoveParams
	}{
		{"axis zero", stage.MoveParams{Axis: 0, Target: 1, Speed: 10}},
		{"axis too high", stage.MoveParams{Axis: 13, Target: 1, Speed: 10}},
		{"negative speed", stage.MoveParams{Axis: stage.AxisX1, Target: 1, Speed: -1}},
		{"beyond limits", stage.MoveParams{Axis: stage.AxisTX1, Target: 45, Speed: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.StartMove(ctx, tt.p); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
	if hist := env.svc.History(task.HistoryFilter{}); len(hist) != 0 {
		t.Fatalf("rejected requests created %d tasks", len(hist))
	}
}

func TestStartMove_DefaultSpeed(t *testing.T) {
	env := newTaskEnv(t)
	tk, err := env.svc.StartMove(context.Background(), stage.MoveParams{Axis: stage.AxisY1, Target: 20})
	if err != nil {
		t.Fatalf("StartMove: %v", err)
	}
	var p stage.MoveParams
	_ = json.Unmarshal(tk.Params, &p)
	if p.Speed != stage.DefaultSpeed {
		t.Fatalf("speed = %v, want %v", p.Speed, stage.DefaultSpeed)
	}
	env.wait(t, tk.ID)
}

func TestStartRelativeMove_ResolvesAgainstPosition(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	first, _ := env.svc.StartMove(ctx, stage.MoveParams{Axis: stage.AxisZ1, Target: 30, Speed: 1000})
	env.wait(t, first.ID)

	tk, err := env.svc.StartRelativeMove(ctx, stage.RelativeMoveParams{Axis: stage.AxisZ1, Distance: -10, Speed: 1000})
	if err != nil {
		t.Fatalf("StartRelativeMove: %v", err)
	}
	got := env.wait(t, tk.ID)
	var res stage.MoveResult
	_ = json.Unmarshal(got.Result, &res)
	if res.TargetPosition != 20 || res.FinalPosition != 20 {
		t.Fatalf("result = %+v, want target and final 20", res)
	}
}

func TestStartAngleAdjustment_Completes(t *testing.T) {
	env := newTaskEnv(t)
	tk, err := env.svc.StartAngleAdjustment(context.Background(), stage.DefaultAngleParams(stage.SideLeft))
	if err != nil {
		t.Fatalf("StartAngleAdjustment: %v", err)
	}
	got := env.wait(t, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s (error %q)", got.Status, got.Error)
	}
	var res stage.AngleResult
	_ = json.Unmarshal(got.Result, &res)
	if res.SignalImprovement <= 0 {
		t.Fatalf("result = %+v, want a signal improvement", res)
	}
}

func TestStartAngleAdjustment_LockedSensorRefused(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	// true on the lock output means LOCKED
	if err := env.dev.SetDigitalOutput(ctx, 1, true); err != nil {
		t.Fatalf("SetDigitalOutput: %v", err)
	}
	tk, err := env.svc.StartAngleAdjustment(ctx, stage.DefaultAngleParams(stage.SideLeft))
	if err != nil {
		t.Fatalf("StartAngleAdjustment: %v", err)
	}
	got := env.wait(t, tk.ID)
	if got.Status != task.StatusFailed || !strings.Contains(got.Error, "locked") {
		t.Fatalf("task = %+v, want failed on a locked sensor", got)
	}

	if err := env.dev.SetDigitalOutput(ctx, 1, false); err != nil {
		t.Fatalf("SetDigitalOutput: %v", err)
	}
	tk, err = env.svc.StartAngleAdjustment(ctx, stage.DefaultAngleParams(stage.SideLeft))
	if err != nil {
		t.Fatalf("StartAngleAdjustment: %v", err)
	}
	if got := env.wait(t, tk.ID); got.Status != task.StatusCompleted {
		t.Fatalf("status = %s (error %q), want completed once unlocked", got.Status, got.Error)
	}
}

func TestStartAngleAdjustment_DeviceOutcomeFails(t *testing.T) {
	env := newTaskEnv(t)
	env.dev.SetAngleOutcome(stage.SideRight, stage.AngleCouldNotContact)

	tk, err := env.svc.StartAngleAdjustment(context.Background(), stage.DefaultAngleParams(stage.SideRight))
	if err != nil {
		t.Fatalf("StartAngleAdjustment: %v", err)
	}
	got := env.wait(t, tk.ID)
	if got.Status != task.StatusFailed || !strings.Contains(got.Error, string(stage.AngleCouldNotContact)) {
		t.Fatalf("task = %+v", got)
	}
}

func TestStartAlignment(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	bad := stage.DefaultAlignParams(stage.AlignFocus)
	bad.AxisZ = 0
	if _, err := env.svc.StartAlignment(ctx, bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("focus without Z err = %v, want ErrValidation", err)
	}

	tk, err := env.svc.StartAlignment(ctx, stage.DefaultAlignParams(stage.AlignFocus))
	if err != nil {
		t.Fatalf("StartAlignment: %v", err)
	}
	if tk.Kind != task.KindFocusAlignment {
		t.Fatalf("kind = %s", tk.Kind)
	}
	got := env.wait(t, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s (error %q)", got.Status, got.Error)
	}
}

func TestStartProfile(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	if _, err := env.svc.StartProfile(ctx, stage.ProfileParams{MainAxis: stage.AxisX2, SignalChannel: 1, Range: 1, Step: 5, Speed: 100}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("single-point scan err = %v, want ErrValidation", err)
	}
	huge := stage.ProfileParams{MainAxis: stage.AxisX1, SignalChannel: 1, Range: 40000, Step: 1e-6, Speed: 100}
	if _, err := env.svc.StartProfile(ctx, huge); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("oversized scan err = %v, want ErrValidation", err)
	}
	if _, busy := env.tasks.CurrentTask(); busy {
		t.Fatal("rejected scan left a task behind")
	}

	tk, err := env.svc.StartProfile(ctx, stage.ProfileParams{MainAxis: stage.AxisX2, SignalChannel: 1, Range: 40, Step: 10, Speed: 1000})
	if err != nil {
		t.Fatalf("StartProfile: %v", err)
	}
	got := env.wait(t, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s (error %q)", got.Status, got.Error)
	}
	var res stage.ProfileResult
	_ = json.Unmarshal(got.Result, &res)
	if len(res.Points) != 5 {
		t.Fatalf("points = %d, want 5", len(res.Points))
	}
	if res.FinalPosition != res.PeakPosition {
		t.Fatalf("final position %.3f, want the peak %.3f", res.FinalPosition, res.PeakPosition)
	}
}

func TestEmergencyStop(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	if cancelled, err := env.svc.EmergencyStop(ctx); err != nil || cancelled != nil {
		t.Fatalf("idle emergency stop: %v, %v", cancelled, err)
	}

	tk, _ := env.svc.StartMove(ctx, stage.MoveParams{Axis: stage.AxisY2, Target: 2000, Speed: 100})
	waitStatus(t, env.tasks, tk.ID, task.StatusRunning)

	cancelled, err := env.svc.EmergencyStop(ctx)
	if err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	if cancelled == nil || cancelled.ID != tk.ID {
		t.Fatalf("cancelled = %+v", cancelled)
	}
	got := env.wait(t, tk.ID)
	if got.Status != task.StatusCancelled || got.CancelReason != ReasonEmergencyStop {
		t.Fatalf("task = %+v", got)
	}
	st, _ := env.dev.AxisStatus(ctx, stage.AxisY2)
	if st.IsMoving {
		t.Fatal("axis still moving after emergency stop")
	}
}

// stubQueue captures subscriptions and publishes in memory.
type stubQueue struct {
	mu        sync.Mutex
	handlers  map[string]messagequeue.Handler
	published map[string][][]byte
	fail      error
}

func newStubQueue() *stubQueue {
	return &stubQueue{handlers: map[string]messagequeue.Handler{}, published: map[string][][]byte{}}
}

func (q *stubQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.published[subject] = append(q.published[subject], data)
	return nil
}

func (q *stubQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = h
	return func() {}, nil
}

func (q *stubQueue) Drain() error      { return nil }
func (q *stubQueue) Close() error      { return nil }
func (q *stubQueue) IsConnected() bool { return true }

func TestCancelSubscriber(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()
	q := newStubQueue()

	if _, err := env.svc.StartCancelSubscriber(ctx, q); err != nil {
		t.Fatalf("StartCancelSubscriber: %v", err)
	}
	h := q.handlers[messagequeue.SubjectTaskCancel]
	if h == nil {
		t.Fatal("no handler registered for cancel subject")
	}

	if err := h(ctx, messagequeue.SubjectTaskCancel, []byte(`{"task_id":"unknown"}`)); err != nil {
		t.Fatalf("unknown task should be acknowledged, got %v", err)
	}
	if err := h(ctx, messagequeue.SubjectTaskCancel, []byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}

	tk, _ := env.svc.StartMove(ctx, stage.MoveParams{Axis: stage.AxisX1, Target: 2000, Speed: 100})
	waitStatus(t, env.tasks, tk.ID, task.StatusRunning)
	if err := h(ctx, messagequeue.SubjectTaskCancel, []byte(`{"task_id":"`+tk.ID+`"}`)); err != nil {
		t.Fatalf("cancel handler: %v", err)
	}
	got := env.wait(t, tk.ID)
	if got.Status != task.StatusCancelled || got.CancelReason != "cancelled via message queue" {
		t.Fatalf("task = %+v", got)
	}
}
