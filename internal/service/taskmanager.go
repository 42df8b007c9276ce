package service

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/ProbeCore/internal/domain"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
	"github.com/Strob0t/ProbeCore/internal/operation"
)

// DefaultHistorySize is the number of finished tasks kept when no size is given.
const DefaultHistorySize = 100

// EventPublisher receives task events. Publish is called with the manager's
// lock held, so it must not block or call back into the manager.
type EventPublisher interface {
	Publish(ev Event)
}

type record struct {
	task  task.Task
	token *operation.Token
}

// TaskManager is the registry of tasks. It owns every task record, enforces
// that at most one task is active at a time and serializes all state changes
// behind a single mutex.
type TaskManager struct {
	mu       sync.Mutex
	tasks    map[string]*record
	order    []string // creation order, oldest first
	activeID string
	limit    int
	events   EventPublisher
	now      func() time.Time
}

// NewTaskManager creates a TaskManager that retains up to historySize
// finished tasks. Events are published to events when it is non-nil.
func NewTaskManager(historySize int, events EventPublisher) *TaskManager {
	if historySize < 1 {
		historySize = DefaultHistorySize
	}
	return &TaskManager{
		tasks:  make(map[string]*record),
		limit:  historySize,
		events: events,
		now:    time.Now,
	}
}

// CreateTask registers a new pending task. It fails with ErrConflict while
// another task is pending, running or stopping.
func (m *TaskManager) CreateTask(kind task.Kind, params any) (task.Task, error) {
	if !kind.Valid() {
		return task.Task{}, fmt.Errorf("%w: unknown operation type %q", domain.ErrValidation, kind)
	}
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return task.Task{}, fmt.Errorf("%w: encode params: %v", domain.ErrValidation, err)
		}
		raw = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID != "" {
		active := m.tasks[m.activeID].task
		return task.Task{}, fmt.Errorf("%w: task %s (%s) is %s", domain.ErrConflict, active.ID, active.Kind, active.Status)
	}

	rec := &record{
		task: task.Task{
			ID:        uuid.NewString(),
			Kind:      kind,
			Status:    task.StatusPending,
			Params:    raw,
			CreatedAt: m.now(),
		},
		token: operation.NewToken(),
	}
	m.tasks[rec.task.ID] = rec
	m.order = append(m.order, rec.task.ID)
	m.activeID = rec.task.ID
	m.evictLocked()
	m.emitLocked(EventStatus, rec)

	return rec.task.Clone(), nil
}

// GetTask returns a snapshot of the task.
func (m *TaskManager) GetTask(id string) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return rec.task.Clone(), nil
}

// CancelTask sets the task's cancellation token. A running task moves to
// stopping; a pending task keeps its status and is finalized by the executor
// without touching the device. Repeated calls are no-ops that return the
// current snapshot. Terminal tasks yield ErrInvalidState.
func (m *TaskManager) CancelTask(id, reason string) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if rec.task.Status.IsTerminal() {
		return task.Task{}, fmt.Errorf("%w: task %s is already %s", domain.ErrInvalidState, id, rec.task.Status)
	}
	if !rec.token.Cancel(reason) {
		return rec.task.Clone(), nil
	}

	rec.task.CancelReason = rec.token.Reason()
	if rec.task.Status == task.StatusRunning {
		rec.task.Status = task.StatusStopping
	}
	m.emitLocked(EventStatus, rec)
	return rec.task.Clone(), nil
}

// ListHistory returns tasks most recent first, optionally narrowed by filter.
func (m *TaskManager) ListHistory(filter task.HistoryFilter) []task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]task.Task, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.tasks[m.order[i]]
		if filter.Kind != "" && rec.task.Kind != filter.Kind {
			continue
		}
		out = append(out, rec.task.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// CurrentTask returns the active task, if any.
func (m *TaskManager) CurrentTask() (task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID == "" {
		return task.Task{}, false
	}
	return m.tasks[m.activeID].task.Clone(), true
}

// withIdle runs fn under the manager lock if no task is active, so no task
// can be created until fn returns. fn must not call back into the manager.
func (m *TaskManager) withIdle(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID != "" {
		active := m.tasks[m.activeID].task
		return fmt.Errorf("%w: task %s (%s) is %s", domain.ErrConflict, active.ID, active.Kind, active.Status)
	}
	return fn()
}

// token returns the cancellation token of a task.
func (m *TaskManager) token(id string) (*operation.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return rec.token, nil
}

// markRunning moves a pending task to running. A pending task whose token
// is already set cannot start.
func (m *TaskManager) markRunning(id string) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if rec.task.Status != task.StatusPending || rec.token.IsSet() {
		return task.Task{}, fmt.Errorf("%w: task %s cannot start from %s", domain.ErrInvalidState, id, rec.task.Status)
	}

	now := m.now()
	rec.task.Status = task.StatusRunning
	rec.task.StartedAt = &now
	m.emitLocked(EventStatus, rec)
	return rec.task.Clone(), nil
}

// publishProgress stores a progress snapshot. The percent is clamped and
// never decreases. Snapshots for finished tasks are dropped and false is
// returned.
func (m *TaskManager) publishProgress(id string, p task.Progress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok || rec.task.Status.IsTerminal() || rec.task.Status == task.StatusPending {
		return false
	}

	p.Percent = task.ClampPercent(p.Percent)
	if prev := rec.task.Progress; prev != nil && p.Percent < prev.Percent {
		p.Percent = prev.Percent
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = m.now()
	}
	rec.task.Progress = p.Clone()
	m.emitLocked(EventProgress, rec)
	return true
}

// finish records the terminal outcome of a task exactly once. result and
// errMsg are mutually exclusive; result is only kept for completed tasks.
func (m *TaskManager) finish(id string, status task.Status, result json.RawMessage, errMsg string) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if !status.IsTerminal() {
		return task.Task{}, fmt.Errorf("%w: %s is not a terminal status", domain.ErrInvalidState, status)
	}

	from := rec.task.Status
	// A cancel always passes through stopping, even when the token was set
	// and observed between two manager calls.
	if status == task.StatusCancelled && from == task.StatusRunning {
		from = task.StatusStopping
	}
	if !task.CanTransition(from, status) {
		return task.Task{}, fmt.Errorf("%w: task %s cannot go from %s to %s", domain.ErrInvalidState, id, rec.task.Status, status)
	}

	now := m.now()
	rec.task.Status = status
	rec.task.EndedAt = &now
	switch status {
	case task.StatusCompleted:
		rec.task.Result = result
	default:
		rec.task.Error = errMsg
	}
	if status == task.StatusCancelled && rec.task.CancelReason == "" {
		rec.task.CancelReason = rec.token.Reason()
	}
	if m.activeID == id {
		m.activeID = ""
	}
	m.emitLocked(EventStatus, rec)
	m.evictLocked()
	return rec.task.Clone(), nil
}

// evictLocked drops the oldest finished tasks beyond the history limit.
// Active tasks are never evicted.
func (m *TaskManager) evictLocked() {
	finished := 0
	for _, id := range m.order {
		if m.tasks[id].task.Status.IsTerminal() {
			finished++
		}
	}
	if finished <= m.limit {
		return
	}

	kept := m.order[:0]
	for _, id := range m.order {
		if finished > m.limit && m.tasks[id].task.Status.IsTerminal() {
			delete(m.tasks, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (m *TaskManager) emitLocked(typ EventType, rec *record) {
	if m.events == nil {
		return
	}
	m.events.Publish(Event{Type: typ, Task: rec.task.Clone()})
}
