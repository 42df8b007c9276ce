package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
)

// Event type constants for WebSocket messages.
const (
	EventTaskProgress   = "task.progress"
	EventTaskStatus     = "task.status"
	EventPositionUpdate = "position.update"
)

// TaskProgressEvent is broadcast for every progress snapshot of a running task.
type TaskProgressEvent struct {
	TaskID        string        `json:"task_id"`
	OperationType task.Kind     `json:"operation_type"`
	Progress      task.Progress `json:"progress"`
}

// TaskStatusEvent is broadcast when a task's status changes.
type TaskStatusEvent struct {
	TaskID        string          `json:"task_id"`
	OperationType task.Kind       `json:"operation_type"`
	Status        task.Status     `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
}

// PositionUpdateEvent carries a periodic sample of every axis.
type PositionUpdateEvent struct {
	Axes      []stage.AxisStatus `json:"axes"`
	Timestamp time.Time          `json:"timestamp"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
