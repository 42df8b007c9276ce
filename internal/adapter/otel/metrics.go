package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "probecore"

// Metrics holds all ProbeCore metric instruments.
type Metrics struct {
	TasksStarted    metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksCancelled  metric.Int64Counter
	TasksRejected   metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	ProgressDropped metric.Int64Counter
	DeviceErrors    metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("probecore.tasks.started",
		metric.WithDescription("Number of tasks that began executing"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("probecore.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("probecore.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("probecore.tasks.cancelled",
		metric.WithDescription("Number of tasks cancelled"))
	if err != nil {
		return nil, err
	}

	m.TasksRejected, err = meter.Int64Counter("probecore.tasks.rejected",
		metric.WithDescription("Number of submissions rejected because a task was in flight"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("probecore.task.duration_seconds",
		metric.WithDescription("Task duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ProgressDropped, err = meter.Int64Counter("probecore.progress.dropped",
		metric.WithDescription("Progress events evicted from a full event buffer"))
	if err != nil {
		return nil, err
	}

	m.DeviceErrors, err = meter.Int64Counter("probecore.device.errors",
		metric.WithDescription("Failed controller reads"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
