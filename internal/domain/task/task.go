// Package task defines the Task domain entity and its lifecycle.
package task

import (
	"encoding/json"
	"math"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the task holds the device slot.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusRunning, StatusStopping:
		return true
	}
	return false
}

// transitions lists the allowed successors of each state.
var transitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusStopping, StatusCompleted, StatusFailed},
	StatusStopping: {StatusCancelled, StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a forward edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Kind identifies which device operation produced a task.
type Kind string

const (
	KindAxisMovement       Kind = "axis_movement"
	KindAngleAdjustment    Kind = "angle_adjustment"
	KindFlatAlignment      Kind = "flat_alignment"
	KindFocusAlignment     Kind = "focus_alignment"
	KindProfileMeasurement Kind = "profile_measurement"
)

// Valid reports whether k is a known operation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAxisMovement, KindAngleAdjustment, KindFlatAlignment, KindFocusAlignment, KindProfileMeasurement:
		return true
	}
	return false
}

// Progress is a point-in-time snapshot published by a running operation.
type Progress struct {
	Percent        float64        `json:"percent"`
	Message        string         `json:"message,omitempty"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
	Halted         bool           `json:"halted,omitempty"`
	StopConfirmed  *bool          `json:"stop_confirmed,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with p.
func (p *Progress) Clone() *Progress {
	if p == nil {
		return nil
	}
	c := *p
	if p.StopConfirmed != nil {
		v := *p.StopConfirmed
		c.StopConfirmed = &v
	}
	if p.Detail != nil {
		c.Detail = make(map[string]any, len(p.Detail))
		for k, v := range p.Detail {
			c.Detail[k] = v
		}
	}
	return &c
}

// ClampPercent bounds v to [0,100].
func ClampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// Task is one tracked invocation of a long-running device operation.
type Task struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"operation_type"`
	Status       Status          `json:"status"`
	Params       json.RawMessage `json:"params,omitempty"`
	Progress     *Progress       `json:"progress,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
}

// Duration returns the run time of a started task. For tasks still running
// it is measured against now.
func (t *Task) Duration(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := now
	if t.EndedAt != nil {
		end = *t.EndedAt
	}
	return end.Sub(*t.StartedAt)
}

// Clone returns a defensive deep copy suitable for handing to readers.
func (t *Task) Clone() Task {
	c := *t
	c.Progress = t.Progress.Clone()
	if t.Params != nil {
		c.Params = append(json.RawMessage(nil), t.Params...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		c.EndedAt = &v
	}
	return c
}

// HistoryFilter narrows a history listing.
type HistoryFilter struct {
	Kind  Kind
	Limit int // <= 0 means no limit
}
