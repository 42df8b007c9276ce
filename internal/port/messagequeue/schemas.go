package messagequeue

import (
	"encoding/json"
	"time"
)

// TaskProgressPayload is the schema for tasks.progress messages.
type TaskProgressPayload struct {
	TaskID         string         `json:"task_id"`
	OperationType  string         `json:"operation_type"`
	Percent        float64        `json:"progress_percent"`
	Message        string         `json:"message"`
	ElapsedSeconds float64        `json:"elapsed_time"`
	Halted         bool           `json:"halted,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// TaskStatusPayload is the schema for tasks.status messages.
type TaskStatusPayload struct {
	TaskID        string          `json:"task_id"`
	OperationType string          `json:"operation_type"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// TaskCancelPayload is the schema for tasks.cancel messages.
type TaskCancelPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}
