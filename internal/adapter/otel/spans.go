package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "probecore"

// StartTaskSpan starts a span covering one task execution.
func StartTaskSpan(ctx context.Context, taskID, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.operation_type", kind),
		),
	)
}

// StartDeviceSpan starts a span for a direct controller command issued
// outside a task (stop, emergency stop, servo switching).
func StartDeviceSpan(ctx context.Context, command string, axis int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "device."+command,
		trace.WithAttributes(
			attribute.Int("device.axis", axis),
		),
	)
}
