package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/ProbeCore/internal/adapter/otel"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
	"github.com/Strob0t/ProbeCore/internal/logger"
	"github.com/Strob0t/ProbeCore/internal/operation"
)

// ReasonShutdown is recorded on tasks cancelled because the service stopped.
const ReasonShutdown = "service shutting down"

// Executor runs one operation per task on its own goroutine and records the
// outcome in the TaskManager. Every run ends in a terminal status, whatever
// the operation does, including panicking.
type Executor struct {
	tasks   *TaskManager
	metrics *cfotel.Metrics
	wg      sync.WaitGroup
}

// NewExecutor creates an Executor bound to tasks.
func NewExecutor(tasks *TaskManager) *Executor {
	return &Executor{tasks: tasks}
}

// SetMetrics enables task counters and the duration histogram.
func (e *Executor) SetMetrics(m *cfotel.Metrics) { e.metrics = m }

// Start launches Run in a new goroutine.
func (e *Executor) Start(ctx context.Context, id string, op operation.Operation) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Run(ctx, id, op)
	}()
}

// Wait blocks until every started run has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Run executes op for task id. Cancelling ctx cancels the task with
// ReasonShutdown; device commands themselves are never aborted mid-call.
func (e *Executor) Run(ctx context.Context, id string, op operation.Operation) {
	ctx = logger.WithTaskID(ctx, id)

	token, err := e.tasks.token(id)
	if err != nil {
		slog.ErrorContext(ctx, "executor: unknown task", "error", err)
		return
	}

	if _, err := e.tasks.markRunning(id); err != nil {
		if token.IsSet() {
			e.finish(ctx, id, task.StatusCancelled, nil, token.Reason())
			return
		}
		slog.ErrorContext(ctx, "executor: cannot start task", "error", err)
		return
	}

	ctx, span := cfotel.StartTaskSpan(ctx, id, string(op.Kind()))
	defer span.End()
	if e.metrics != nil {
		e.metrics.TasksStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task.operation_type", string(op.Kind())),
		))
	}
	slog.InfoContext(ctx, "task started", "operation_type", op.Kind())

	stopBridge := context.AfterFunc(ctx, func() {
		if _, err := e.tasks.CancelTask(id, ReasonShutdown); err == nil {
			slog.Warn("task cancelled for shutdown", "task_id", id)
		}
	})
	defer stopBridge()

	sink := operation.SinkFunc(func(p task.Progress) {
		e.tasks.publishProgress(id, p)
	})

	result, err := e.execute(context.WithoutCancel(ctx), op, token, sink)

	var ce *operation.CancelledError
	switch {
	case err == nil:
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			e.finish(ctx, id, task.StatusFailed, nil, fmt.Sprintf("encode result: %v", mErr))
			span.SetStatus(codes.Error, mErr.Error())
			return
		}
		e.finish(ctx, id, task.StatusCompleted, raw, "")
	case errors.As(err, &ce), errors.Is(err, operation.ErrCancelled):
		span.SetAttributes(attribute.String("cancel.reason", token.Reason()))
		e.finish(ctx, id, task.StatusCancelled, nil, err.Error())
	default:
		span.SetStatus(codes.Error, err.Error())
		e.finish(ctx, id, task.StatusFailed, nil, err.Error())
	}
}

// execute calls op.Execute and turns a panic into an error.
func (e *Executor) execute(ctx context.Context, op operation.Operation, token *operation.Token, sink operation.Sink) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "operation panicked", "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op.Execute(ctx, token, sink)
}

func (e *Executor) finish(ctx context.Context, id string, status task.Status, result json.RawMessage, errMsg string) {
	t, err := e.tasks.finish(id, status, result, errMsg)
	if err != nil {
		slog.ErrorContext(ctx, "executor: cannot finalize task", "status", status, "error", err)
		return
	}

	level := slog.LevelInfo
	if status == task.StatusFailed {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "task finished", "status", status, "error", errMsg, "duration", t.Duration(time.Now()))

	if e.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("task.operation_type", string(t.Kind)),
		attribute.String("status", string(status)),
	)
	switch status {
	case task.StatusCompleted:
		e.metrics.TasksCompleted.Add(ctx, 1, attrs)
	case task.StatusCancelled:
		e.metrics.TasksCancelled.Add(ctx, 1, attrs)
	default:
		e.metrics.TasksFailed.Add(ctx, 1, attrs)
	}
	if t.StartedAt != nil {
		e.metrics.TaskDuration.Record(ctx, t.Duration(time.Now()).Seconds(), attrs)
	}
}
