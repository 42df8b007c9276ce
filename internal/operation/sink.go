package operation

import "github.com/Strob0t/ProbeCore/internal/domain/task"

// Sink receives progress snapshots from a worker. Implementations must not
// block the caller.
type Sink interface {
	Publish(p task.Progress)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(p task.Progress)

// Publish calls f(p).
func (f SinkFunc) Publish(p task.Progress) { f(p) }

// Discard drops every snapshot.
var Discard Sink = SinkFunc(func(task.Progress) {})
