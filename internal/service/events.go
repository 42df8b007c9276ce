package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/ProbeCore/internal/adapter/ws"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
	"github.com/Strob0t/ProbeCore/internal/port/broadcast"
	"github.com/Strob0t/ProbeCore/internal/port/messagequeue"
)

// BroadcastForwarder pushes bus events to WebSocket clients.
func BroadcastForwarder(hub broadcast.Broadcaster) Subscriber {
	return func(ctx context.Context, ev Event) {
		t := ev.Task
		switch ev.Type {
		case EventProgress:
			if t.Progress == nil {
				return
			}
			hub.BroadcastEvent(ctx, ws.EventTaskProgress, ws.TaskProgressEvent{
				TaskID:        t.ID,
				OperationType: t.Kind,
				Progress:      *t.Progress,
			})
		case EventStatus:
			hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
				TaskID:        t.ID,
				OperationType: t.Kind,
				Status:        t.Status,
				Result:        t.Result,
				Error:         t.Error,
				CancelReason:  t.CancelReason,
			})
		}
	}
}

// QueueForwarder publishes bus events to the message queue. Publish failures
// are logged; the in-memory task record stays authoritative.
func QueueForwarder(q messagequeue.Queue) Subscriber {
	return func(ctx context.Context, ev Event) {
		subject, payload := queuePayload(ev)
		if payload == nil {
			return
		}
		data, err := json.Marshal(payload)
		if err != nil {
			slog.ErrorContext(ctx, "marshal queue event", "task_id", ev.Task.ID, "error", err)
			return
		}
		if err := q.Publish(ctx, subject, data); err != nil {
			slog.WarnContext(ctx, "failed to publish task event", "task_id", ev.Task.ID, "subject", subject, "error", err)
		}
	}
}

func queuePayload(ev Event) (string, any) {
	t := ev.Task
	switch ev.Type {
	case EventProgress:
		if t.Progress == nil {
			return "", nil
		}
		return messagequeue.SubjectTaskProgress, messagequeue.TaskProgressPayload{
			TaskID:         t.ID,
			OperationType:  string(t.Kind),
			Percent:        t.Progress.Percent,
			Message:        t.Progress.Message,
			ElapsedSeconds: t.Progress.ElapsedSeconds,
			Halted:         t.Progress.Halted,
			Detail:         t.Progress.Detail,
			Timestamp:      t.Progress.UpdatedAt,
		}
	case EventStatus:
		ts := t.CreatedAt
		switch {
		case t.EndedAt != nil:
			ts = *t.EndedAt
		case t.Status == task.StatusRunning && t.StartedAt != nil:
			ts = *t.StartedAt
		case t.Status == task.StatusStopping:
			ts = time.Now()
		}
		return messagequeue.SubjectTaskStatus, messagequeue.TaskStatusPayload{
			TaskID:        t.ID,
			OperationType: string(t.Kind),
			Status:        string(t.Status),
			Result:        t.Result,
			Error:         t.Error,
			CancelReason:  t.CancelReason,
			Timestamp:     ts,
		}
	}
	return "", nil
}
