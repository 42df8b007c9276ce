package operation

import (
	"sync"
	"sync/atomic"
)

// Token is a one-shot cancellation signal shared between the goroutine that
// requests a cancel and the worker that observes it. Readers never block.
type Token struct {
	set    atomic.Bool
	once   sync.Once
	done   chan struct{}
	reason string
}

// NewToken returns an unset token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the token. Only the first call takes effect; it reports whether
// this call was the one that set it.
func (t *Token) Cancel(reason string) bool {
	first := false
	t.once.Do(func() {
		if reason == "" {
			reason = "cancelled by request"
		}
		t.reason = reason
		t.set.Store(true)
		close(t.done)
		first = true
	})
	return first
}

// IsSet reports whether Cancel has been called.
func (t *Token) IsSet() bool {
	return t.set.Load()
}

// Reason returns the reason given to the first Cancel call, or "" if unset.
func (t *Token) Reason() string {
	if !t.set.Load() {
		return ""
	}
	return t.reason
}

// Done is closed when the token is set.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
