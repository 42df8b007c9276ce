package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/ProbeCore/internal/adapter/otel"
	"github.com/Strob0t/ProbeCore/internal/config"
	"github.com/Strob0t/ProbeCore/internal/domain"
	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
	"github.com/Strob0t/ProbeCore/internal/logger"
	"github.com/Strob0t/ProbeCore/internal/operation"
	"github.com/Strob0t/ProbeCore/internal/port/device"
	"github.com/Strob0t/ProbeCore/internal/port/messagequeue"
)

// ReasonEmergencyStop is recorded on a task cancelled by an emergency stop.
const ReasonEmergencyStop = "emergency stop"

// TaskService is the entry point for transports. It validates requests,
// builds the matching operation, registers the task and launches it.
type TaskService struct {
	tasks   *TaskManager
	exec    *Executor
	dev     device.Controller
	cfg     config.Tasks
	baseCtx context.Context
	metrics *cfotel.Metrics
}

// NewTaskService creates a TaskService. Runs it launches are cancelled with
// ReasonShutdown when ctx is done.
func NewTaskService(ctx context.Context, tasks *TaskManager, exec *Executor, dev device.Controller, cfg config.Tasks) *TaskService {
	return &TaskService{tasks: tasks, exec: exec, dev: dev, cfg: cfg, baseCtx: ctx}
}

// SetMetrics enables the rejected-submission counter.
func (s *TaskService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

func (s *TaskService) timing(interval, timeout time.Duration, settle bool) operation.Timing {
	t := operation.Timing{
		Interval:       interval,
		StopAckTimeout: s.cfg.StopAckTimeout,
		Timeout:        timeout,
	}
	if settle {
		t.SettleDelay = s.cfg.SettleDelay
	}
	return t
}

// StartMove submits an absolute single-axis move.
func (s *TaskService) StartMove(ctx context.Context, p stage.MoveParams) (task.Task, error) {
	if p.Speed == 0 {
		p.Speed = stage.DefaultSpeed
	}
	if err := validateParams(p); err != nil {
		return task.Task{}, err
	}
	if err := checkLimits(p.Axis, p.Target); err != nil {
		return task.Task{}, err
	}
	op := operation.NewAxisMove(s.dev, p, s.timing(s.cfg.PollInterval, s.cfg.MoveTimeout, true))
	return s.launch(ctx, op, p)
}

// StartRelativeMove resolves a relative move against the axis's current
// position and submits it as an absolute move.
func (s *TaskService) StartRelativeMove(ctx context.Context, p stage.RelativeMoveParams) (task.Task, error) {
	if p.Speed == 0 {
		p.Speed = stage.DefaultSpeed
	}
	if err := validateParams(p); err != nil {
		return task.Task{}, err
	}
	if cur, busy := s.tasks.CurrentTask(); busy {
		return task.Task{}, s.rejected(ctx, fmt.Errorf("%w: task %s (%s) is %s", domain.ErrConflict, cur.ID, cur.Kind, cur.Status))
	}
	st, err := s.dev.AxisStatus(ctx, p.Axis)
	if err != nil {
		return task.Task{}, fmt.Errorf("%w: read %s position: %v", domain.ErrDeviceFault, p.Axis, err)
	}
	return s.StartMove(ctx, stage.MoveParams{Axis: p.Axis, Target: st.Position + p.Distance, Speed: p.Speed})
}

// StartAngleAdjustment submits an automatic angle adjustment.
func (s *TaskService) StartAngleAdjustment(ctx context.Context, p stage.AngleParams) (task.Task, error) {
	if err := validateParams(p); err != nil {
		return task.Task{}, err
	}
	op := operation.NewAngleAdjust(s.dev, p, s.timing(s.cfg.AnglePollInterval, s.cfg.AdjustTimeout, false))
	return s.launch(ctx, op, p)
}

// StartAlignment submits a flat or focus alignment.
func (s *TaskService) StartAlignment(ctx context.Context, p stage.AlignParams) (task.Task, error) {
	if err := validateParams(p); err != nil {
		return task.Task{}, err
	}
	if p.Mode == stage.AlignFocus && !p.AxisZ.Valid() {
		return task.Task{}, fmt.Errorf("%w: focus alignment needs main_axis_z", domain.ErrValidation)
	}
	op := operation.NewAlignment(s.dev, p, s.timing(s.cfg.PollInterval, s.cfg.AdjustTimeout, false))
	return s.launch(ctx, op, p)
}

// StartProfile submits a profile measurement.
func (s *TaskService) StartProfile(ctx context.Context, p stage.ProfileParams) (task.Task, error) {
	if err := validateParams(p); err != nil {
		return task.Task{}, err
	}
	if msg := p.CheckPoints(); msg != "" {
		return task.Task{}, fmt.Errorf("%w: %s", domain.ErrValidation, msg)
	}
	op := operation.NewProfileScan(s.dev, p, s.timing(s.cfg.PollInterval, s.cfg.MoveTimeout, false))
	return s.launch(ctx, op, p)
}

func (s *TaskService) launch(ctx context.Context, op operation.Operation, params any) (task.Task, error) {
	t, err := s.tasks.CreateTask(op.Kind(), params)
	if err != nil {
		return task.Task{}, s.rejected(ctx, err)
	}
	runCtx := s.baseCtx
	if id := logger.RequestID(ctx); id != "" {
		runCtx = logger.WithRequestID(runCtx, id)
	}
	s.exec.Start(runCtx, t.ID, op)
	slog.InfoContext(ctx, "task submitted", "task_id", t.ID, "operation_type", t.Kind)
	return t, nil
}

func (s *TaskService) rejected(ctx context.Context, err error) error {
	if errors.Is(err, domain.ErrConflict) {
		slog.InfoContext(ctx, "task rejected", "error", err)
		if s.metrics != nil {
			s.metrics.TasksRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "conflict")))
		}
	}
	return err
}

// Get returns a task by ID.
func (s *TaskService) Get(id string) (task.Task, error) {
	return s.tasks.GetTask(id)
}

// Cancel requests cancellation of a task.
func (s *TaskService) Cancel(ctx context.Context, id, reason string) (task.Task, error) {
	t, err := s.tasks.CancelTask(id, reason)
	if err != nil {
		return task.Task{}, err
	}
	slog.InfoContext(ctx, "task cancel requested", "task_id", id, "reason", t.CancelReason)
	return t, nil
}

// History lists tasks most recent first.
func (s *TaskService) History(filter task.HistoryFilter) []task.Task {
	return s.tasks.ListHistory(filter)
}

// Current returns the active task, if any.
func (s *TaskService) Current() (task.Task, bool) {
	return s.tasks.CurrentTask()
}

// EmergencyStop cancels the active task, if any, and halts every axis. The
// stop command is sent even when the caller's context is already done.
func (s *TaskService) EmergencyStop(ctx context.Context) (*task.Task, error) {
	var cancelled *task.Task
	if cur, ok := s.tasks.CurrentTask(); ok {
		t, err := s.tasks.CancelTask(cur.ID, ReasonEmergencyStop)
		if err == nil {
			cancelled = &t
		} else if !errors.Is(err, domain.ErrInvalidState) {
			return nil, err
		}
	}

	ctx, span := cfotel.StartDeviceSpan(context.WithoutCancel(ctx), "stop_all", 0)
	defer span.End()
	if err := s.dev.StopAll(ctx); err != nil {
		return cancelled, fmt.Errorf("%w: stop all axes: %v", domain.ErrDeviceFault, err)
	}
	slog.WarnContext(ctx, "emergency stop executed")
	return cancelled, nil
}

// StartCancelSubscriber consumes remote cancel requests from the queue.
// Requests for unknown or finished tasks are acknowledged and logged.
func (s *TaskService) StartCancelSubscriber(ctx context.Context, q messagequeue.Queue) (func(), error) {
	return q.Subscribe(ctx, messagequeue.SubjectTaskCancel, func(ctx context.Context, _ string, data []byte) error {
		var p messagequeue.TaskCancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode cancel request: %w", err)
		}
		reason := p.Reason
		if reason == "" {
			reason = "cancelled via message queue"
		}
		if _, err := s.Cancel(ctx, p.TaskID, reason); err != nil {
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidState) {
				slog.InfoContext(ctx, "ignoring remote cancel", "task_id", p.TaskID, "error", err)
				return nil
			}
			return err
		}
		return nil
	})
}

func checkLimits(axis stage.AxisID, target float64) error {
	if l := axis.Limits(); !l.Contains(target) {
		return fmt.Errorf("%w: position %.3f outside %s limits [%.0f, %.0f]", domain.ErrValidation, target, axis, l.Min, l.Max)
	}
	return nil
}
