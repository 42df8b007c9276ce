package operation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/ProbeCore/internal/domain"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
)

// maxAckPoll caps the status-read cadence while waiting for a stop to land.
const maxAckPoll = 20 * time.Millisecond

// reading is one device status read expressed in progress terms.
type reading struct {
	Active  bool
	Percent float64
	Message string
	Detail  map[string]any
}

type (
	readFunc func(ctx context.Context) (reading, error)
	stopFunc func(ctx context.Context) error
)

// runner holds the state shared by one operation's poll loops.
type runner struct {
	name    string
	timing  Timing
	token   *Token
	sink    Sink
	started time.Time
	last    reading
	sent    bool
	peak    float64 // highest percent published so far
}

func newRunner(name string, timing Timing, token *Token, sink Sink) *runner {
	if sink == nil {
		sink = Discard
	}
	if timing.Interval <= 0 {
		timing.Interval = DefaultTiming().Interval
	}
	if timing.StopAckTimeout <= 0 {
		timing.StopAckTimeout = DefaultTiming().StopAckTimeout
	}
	return &runner{name: name, timing: timing, token: token, sink: sink, started: time.Now()}
}

func (r *runner) elapsed() time.Duration { return time.Since(r.started) }

// monotonic clamps pct to [0,100] and never lets it fall below what has
// already been published.
func (r *runner) monotonic(pct float64) float64 {
	pct = task.ClampPercent(pct)
	if pct < r.peak {
		return r.peak
	}
	r.peak = pct
	return pct
}

// publish forwards rd unless it repeats the previous snapshot.
func (r *runner) publish(rd reading) {
	rd.Percent = r.monotonic(rd.Percent)
	if r.sent && rd.Percent == r.last.Percent && rd.Message == r.last.Message {
		r.last = rd
		return
	}
	r.last = rd
	r.sent = true
	r.sink.Publish(task.Progress{
		Percent:        rd.Percent,
		Message:        rd.Message,
		ElapsedSeconds: r.elapsed().Seconds(),
		Detail:         rd.Detail,
		UpdatedAt:      time.Now(),
	})
}

// complete publishes the final 100% snapshot.
func (r *runner) complete(message string, detail map[string]any) {
	r.peak = 100
	r.last = reading{Percent: 100, Message: message, Detail: detail}
	r.sink.Publish(task.Progress{
		Percent:        100,
		Message:        message,
		ElapsedSeconds: r.elapsed().Seconds(),
		Detail:         detail,
		UpdatedAt:      time.Now(),
	})
}

func (r *runner) halted(confirmed bool, message string) {
	c := confirmed
	r.sink.Publish(task.Progress{
		Percent:        r.monotonic(r.last.Percent),
		Message:        message,
		ElapsedSeconds: r.elapsed().Seconds(),
		Halted:         true,
		StopConfirmed:  &c,
		Detail:         r.last.Detail,
		UpdatedAt:      time.Now(),
	})
}

// checkpoint returns a cancellation outcome if the token is set while the
// device is idle, i.e. before a start command or between steps.
func (r *runner) checkpoint() error {
	if !r.token.IsSet() {
		return nil
	}
	r.halted(true, "stopped between device commands: "+r.token.Reason())
	return &CancelledError{Reason: r.token.Reason(), StopConfirmed: true}
}

// poll drives the device until read reports it inactive, the token is set,
// the safety timeout elapses or a read fails. The timeout runs from the start
// of each call, so it bounds one device wait, not a multi-step operation.
func (r *runner) poll(ctx context.Context, read readFunc, stop stopFunc) (reading, error) {
	begin := time.Now()
	for {
		if r.token.IsSet() {
			return reading{}, r.abort(ctx, read, stop)
		}

		rd, err := read(ctx)
		if err != nil {
			return reading{}, err
		}
		r.publish(rd)
		if !rd.Active {
			return rd, nil
		}

		if r.timing.Timeout > 0 && time.Since(begin) >= r.timing.Timeout {
			if stopErr := stop(ctx); stopErr != nil {
				slog.Error("stop after timeout failed", "operation", r.name, "error", stopErr)
			}
			return reading{}, fmt.Errorf("%w: %s did not finish within %s", domain.ErrDeviceFault, r.name, r.timing.Timeout)
		}

		r.wait(r.timing.Interval)
	}
}

// wait sleeps for d or until the token is set, whichever comes first.
func (r *runner) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.token.Done():
	case <-t.C:
	}
}

// abort issues the stop command, waits a bounded time for the device to go
// idle and reports the halted state. It always returns a CancelledError,
// whether or not the halt was confirmed.
func (r *runner) abort(ctx context.Context, read readFunc, stop stopFunc) error {
	reason := r.token.Reason()
	stopErr := stop(ctx)
	if stopErr != nil {
		slog.Error("stop command failed", "operation", r.name, "error", stopErr)
	}

	step := r.timing.Interval
	if step > maxAckPoll {
		step = maxAckPoll
	}
	deadline := time.Now().Add(r.timing.StopAckTimeout)
	confirmed := false
	for {
		if rd, err := read(ctx); err == nil {
			r.last = rd
			if !rd.Active {
				confirmed = true
				break
			}
		}
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(step)
	}

	msg := "stopped: " + reason
	switch {
	case stopErr != nil:
		msg = fmt.Sprintf("stop command failed (%v): %s", stopErr, reason)
	case !confirmed:
		msg = fmt.Sprintf("stop not acknowledged within %s: %s", r.timing.StopAckTimeout, reason)
	}
	if !confirmed {
		slog.Warn("device did not confirm stop", "operation", r.name, "timeout", r.timing.StopAckTimeout)
	}
	r.halted(confirmed, msg)
	return &CancelledError{Reason: reason, StopConfirmed: confirmed}
}
