package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/ProbeCore/internal/adapter/otel"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
)

// EventType distinguishes progress snapshots from lifecycle changes.
type EventType string

const (
	EventProgress EventType = "task.progress"
	EventStatus   EventType = "task.status"
)

// Event is a snapshot of a task at the moment something changed.
type Event struct {
	Type EventType
	Task task.Task
}

// Terminal reports whether the event records a task's final status.
func (e Event) Terminal() bool {
	return e.Type == EventStatus && e.Task.Status.IsTerminal()
}

// Subscriber consumes bus events on the drainer goroutine.
type Subscriber func(ctx context.Context, ev Event)

// DefaultEventBuffer is the bus capacity used when none is configured.
const DefaultEventBuffer = 256

// ProgressBus decouples workers from slow consumers. Publish never blocks:
// when the queue is full the oldest non-terminal event is evicted. Terminal
// events are never evicted, so the queue may briefly exceed its capacity
// when it holds nothing else.
type ProgressBus struct {
	mu       sync.Mutex
	queue    []Event
	capacity int
	notify   chan struct{}
	subs     []Subscriber
	dropped  atomic.Int64
	metrics  *cfotel.Metrics
}

// NewProgressBus creates a bus holding up to capacity undelivered events.
func NewProgressBus(capacity int) *ProgressBus {
	if capacity < 1 {
		capacity = DefaultEventBuffer
	}
	return &ProgressBus{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// SetMetrics enables the dropped-event counter.
func (b *ProgressBus) SetMetrics(m *cfotel.Metrics) { b.metrics = m }

// Subscribe adds a consumer. Call before Run.
func (b *ProgressBus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Publish enqueues ev and wakes the drainer.
func (b *ProgressBus) Publish(ev Event) {
	b.mu.Lock()
	if len(b.queue) >= b.capacity {
		for i, queued := range b.queue {
			if !queued.Terminal() {
				b.queue = append(b.queue[:i], b.queue[i+1:]...)
				b.dropped.Add(1)
				if b.metrics != nil {
					b.metrics.ProgressDropped.Add(context.Background(), 1, metric.WithAttributes(
						attribute.String("event.type", string(queued.Type)),
					))
				}
				break
			}
		}
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Dropped returns how many events were evicted so far.
func (b *ProgressBus) Dropped() int64 {
	return b.dropped.Load()
}

// Run delivers queued events to subscribers until ctx is cancelled, then
// flushes what is left and returns.
func (b *ProgressBus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.drain(context.WithoutCancel(ctx))
			return nil
		case <-b.notify:
			b.drain(ctx)
		}
	}
}

func (b *ProgressBus) drain(ctx context.Context) {
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		subs := b.subs
		b.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			for _, s := range subs {
				deliver(ctx, s, ev)
			}
		}
	}
}

// deliver isolates the drainer from a panicking subscriber.
func deliver(ctx context.Context, s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "task_id", ev.Task.ID, "type", ev.Type, "panic", r)
		}
	}()
	s(ctx, ev)
}
