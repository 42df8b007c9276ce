package service

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/Strob0t/ProbeCore/internal/domain"
	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
)

// recordingPublisher captures every event the manager emits.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) statuses(id string) []task.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []task.Status
	for _, ev := range p.events {
		if ev.Type == EventStatus && ev.Task.ID == id {
			out = append(out, ev.Task.Status)
		}
	}
	return out
}

var moveParams = stage.MoveParams{Axis: stage.AxisX1, Target: 100, Speed: 50}

func TestCreateTask_OnlyOneInFlight(t *testing.T) {
	m := NewTaskManager(10, nil)

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateTask(task.KindAxisMovement, moveParams)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || conflicts != n-1 {
		t.Fatalf("created=%d conflicts=%d, want 1 and %d", created, conflicts, n-1)
	}
}

func TestCreateTask_ConflictNamesActiveTask(t *testing.T) {
	m := NewTaskManager(10, nil)
	first, err := m.CreateTask(task.KindAxisMovement, moveParams)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	_, err = m.CreateTask(task.KindAngleAdjustment, nil)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if got := err.Error(); !strings.Contains(got, first.ID) {
		t.Fatalf("conflict error %q does not name %s", got, first.ID)
	}
}

func TestCreateTask_RejectsUnknownKind(t *testing.T) {
	m := NewTaskManager(10, nil)
	if _, err := m.CreateTask("teleport", nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if _, busy := m.CurrentTask(); busy {
		t.Fatal("rejected create must not occupy the slot")
	}
}

func TestLifecycle_CompletedFreesSlot(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewTaskManager(10, pub)

	tk, _ := m.CreateTask(task.KindAxisMovement, moveParams)
	if tk.Status != task.StatusPending || tk.EndedAt != nil {
		t.Fatalf("new task = %+v", tk)
	}
	if _, err := m.markRunning(tk.ID); err != nil {
		t.Fatalf("markRunning: %v", err)
	}
	done, err := m.finish(tk.ID, task.StatusCompleted, []byte(`{"ok":true}`), "")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.EndedAt == nil || done.StartedAt == nil {
		t.Fatalf("terminal task missing timestamps: %+v", done)
	}
	if string(done.Result) != `{"ok":true}` || done.Error != "" {
		t.Fatalf("result=%s error=%q", done.Result, done.Error)
	}
	if _, busy := m.CurrentTask(); busy {
		t.Fatal("slot still held after completion")
	}
	if _, err := m.CreateTask(task.KindAxisMovement, moveParams); err != nil {
		t.Fatalf("CreateTask after completion: %v", err)
	}

	want := []task.Status{task.StatusPending, task.StatusRunning, task.StatusCompleted}
	got := pub.statuses(tk.ID)
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}
}

func TestFinish_OnlyOnce(t *testing.T) {
	m := NewTaskManager(10, nil)
	tk, _ := m.CreateTask(task.KindAxisMovement, moveParams)
	_, _ = m.markRunning(tk.ID)
	if _, err := m.finish(tk.ID, task.StatusFailed, nil, "boom"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := m.finish(tk.ID, task.StatusCompleted, nil, ""); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second finish err = %v, want ErrInvalidState", err)
	}
	got, _ := m.GetTask(tk.ID)
	if got.Status != task.StatusFailed || got.Error != "boom" {
		t.Fatalf("task = %+v", got)
	}
}

func TestCancelTask_RunningGoesToStopping(t *testing.T) {
	m := NewTaskManager(10, nil)
	tk, _ := m.CreateTask(task.KindAxisMovement, moveParams)
	_, _ = m.markRunning(tk.ID)

	got, err := m.CancelTask(tk.ID, "operator")
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if got.Status != task.StatusStopping || got.CancelReason != "operator" {
		t.Fatalf("task = %+v", got)
	}

	again, err := m.CancelTask(tk.ID, "second")
	if err != nil {
		t.Fatalf("repeat CancelTask: %v", err)
	}
	if again.CancelReason != "operator" {
		t.Fatalf("reason overwritten: %q", again.CancelReason)
	}

	done, err := m.finish(tk.ID, task.StatusCancelled, nil, "operator")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.Status != task.StatusCancelled || done.EndedAt == nil {
		t.Fatalf("done = %+v", done)
	}
	if _, err := m.CancelTask(tk.ID, "late"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("cancel after finish err = %v, want ErrInvalidState", err)
	}
}

func TestCancelTask_PendingCannotStart(t *testing.T) {
	m := NewTaskManager(10, nil)
	tk, _ := m.CreateTask(task.KindAxisMovement, moveParams)

	got, err := m.CancelTask(tk.ID, "")
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("status = %s, want pending until the executor finalizes it", got.Status)
	}
	if _, err := m.markRunning(tk.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("markRunning err = %v, want ErrInvalidState", err)
	}
}

func TestCancelTask_UnknownID(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewTaskManager(10, pub)
	tk, _ := m.CreateTask(task.KindAxisMovement, moveParams)
	before := len(pub.events)

	if _, err := m.CancelTask("does-not-exist", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	got, _ := m.GetTask(tk.ID)
	if got.Status != task.StatusPending || got.CancelReason != "" {
		t.Fatalf("unrelated task mutated: %+v", got)
	}
	if len(pub.events) != before {
		t.Fatal("event emitted for unknown task")
	}
}

func TestPublishProgress_ClampedAndMonotonic(t *testing.T) {
	m := NewTaskManager(10, nil)
	tk, _ := m.CreateTask(task.KindAxisMovement, moveParams)

	if m.publishProgress(tk.ID, task.Progress{Percent: 10}) {
		t.Fatal("progress accepted for a pending task")
	}
	_, _ = m.markRunning(tk.ID)

	steps := []struct {
		in, want float64
	}{
		{40, 40},
		{25, 40},
		{-5, 40},
		{180, 100},
	}
	for _, s := range steps {
		m.publishProgress(tk.ID, task.Progress{Percent: s.in})
		got, _ := m.GetTask(tk.ID)
		if got.Progress.Percent != s.want {
			t.Fatalf("publish %v: percent = %v, want %v", s.in, got.Progress.Percent, s.want)
		}
	}

	_, _ = m.finish(tk.ID, task.StatusCompleted, nil, "")
	if m.publishProgress(tk.ID, task.Progress{Percent: 100}) {
		t.Fatal("progress accepted after the task finished")
	}
}

func TestEviction_KeepsActiveAndNewest(t *testing.T) {
	m := NewTaskManager(3, nil)
	var ids []string
	for range 5 {
		tk, err := m.CreateTask(task.KindAxisMovement, moveParams)
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		_, _ = m.markRunning(tk.ID)
		_, _ = m.finish(tk.ID, task.StatusCompleted, nil, "")
		ids = append(ids, tk.ID)
	}
	active, _ := m.CreateTask(task.KindAngleAdjustment, nil)

	hist := m.ListHistory(task.HistoryFilter{})
	if len(hist) != 4 {
		t.Fatalf("history len = %d, want 3 finished + 1 active", len(hist))
	}
	if hist[0].ID != active.ID {
		t.Fatalf("newest entry = %s, want active task %s", hist[0].ID, active.ID)
	}
	for _, gone := range ids[:2] {
		if _, err := m.GetTask(gone); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("task %s should have been evicted", gone)
		}
	}
}

func TestListHistory_Filter(t *testing.T) {
	m := NewTaskManager(10, nil)
	kinds := []task.Kind{task.KindAxisMovement, task.KindFlatAlignment, task.KindAxisMovement}
	for _, k := range kinds {
		tk, _ := m.CreateTask(k, nil)
		_, _ = m.markRunning(tk.ID)
		_, _ = m.finish(tk.ID, task.StatusCompleted, nil, "")
	}

	tests := []struct {
		name   string
		filter task.HistoryFilter
		want   int
	}{
		{"all", task.HistoryFilter{}, 3},
		{"by kind", task.HistoryFilter{Kind: task.KindAxisMovement}, 2},
		{"limit", task.HistoryFilter{Limit: 1}, 1},
		{"kind and limit", task.HistoryFilter{Kind: task.KindAxisMovement, Limit: 1}, 1},
		{"no match", task.HistoryFilter{Kind: task.KindProfileMeasurement}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.ListHistory(tt.filter); len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestGetTask_ReturnsCopy(t *testing.T) {
	m := NewTaskManager(10, nil)
	tk, _ := m.CreateTask(task.KindAxisMovement, moveParams)
	_, _ = m.markRunning(tk.ID)
	m.publishProgress(tk.ID, task.Progress{Percent: 10, Detail: map[string]any{"axis": 1}})

	snap, _ := m.GetTask(tk.ID)
	snap.Progress.Detail["axis"] = 99
	snap.Status = task.StatusFailed

	again, _ := m.GetTask(tk.ID)
	if again.Status != task.StatusRunning || again.Progress.Detail["axis"] != 1 {
		t.Fatalf("snapshot shares state with the registry: %+v", again)
	}
}

func TestWithIdle(t *testing.T) {
	m := NewTaskManager(10, nil)

	ran := false
	if err := m.withIdle(func() error { ran = true; return nil }); err != nil || !ran {
		t.Fatalf("idle manager: err=%v ran=%v", err, ran)
	}

	tk, _ := m.CreateTask(task.KindAxisMovement, moveParams)
	ran = false
	err := m.withIdle(func() error { ran = true; return nil })
	if !errors.Is(err, domain.ErrConflict) || !strings.Contains(err.Error(), tk.ID) {
		t.Fatalf("err = %v, want ErrConflict naming %s", err, tk.ID)
	}
	if ran {
		t.Fatal("fn ran while a task was active")
	}
}
