// Package operation wraps long-running stage controller routines as
// cancellable, progress-reporting units of work.
//
// Every operation follows the same shape: issue the controller's start
// command, then poll at a fixed interval. Each iteration checks the
// cancellation token before it reads device status, so a cancel that lands
// between two polls is never overtaken by a stale "still moving" read.
package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/ProbeCore/internal/domain/task"
)

// Operation is one blocking device routine. Execute runs on its own
// goroutine and returns only when the device is done, has faulted, or has
// been stopped after the token was set.
type Operation interface {
	Kind() task.Kind
	Execute(ctx context.Context, token *Token, sink Sink) (any, error)
}

// ErrCancelled marks the expected outcome of a requested cancel.
var ErrCancelled = errors.New("operation cancelled")

// CancelledError carries the token's reason and whether the device confirmed
// the halt before the acknowledgement window closed.
type CancelledError struct {
	Reason        string
	StopConfirmed bool
}

func (e *CancelledError) Error() string {
	if e.StopConfirmed {
		return e.Reason
	}
	return fmt.Sprintf("%s (stop not confirmed by device)", e.Reason)
}

// Is makes errors.Is(err, ErrCancelled) hold.
func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

// Timing controls the poll loop.
type Timing struct {
	Interval       time.Duration // between status reads
	StopAckTimeout time.Duration // max wait for the device to confirm a stop
	Timeout        time.Duration // safety limit for one device wait; 0 disables
	SettleDelay    time.Duration // pause after motion before the final read
}

// DefaultTiming mirrors the controller vendor's recommendations for moves.
func DefaultTiming() Timing {
	return Timing{
		Interval:       50 * time.Millisecond,
		StopAckTimeout: 200 * time.Millisecond,
		Timeout:        60 * time.Second,
		SettleDelay:    500 * time.Millisecond,
	}
}
