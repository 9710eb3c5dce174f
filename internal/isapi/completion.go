package isapi

import (
	"context"
	"sync"
	"time"
)

// completion is a one-shot signal raised by DONE_WITH_SESSION. Signals that
// arrive before anyone waits are latched.
type completion struct {
	once sync.Once
	ch   chan struct{}
}

func newCompletion() *completion {
	return &completion{ch: make(chan struct{})}
}

// Signal raises the completion. Repeated calls are no-ops.
func (c *completion) Signal() {
	c.once.Do(func() { close(c.ch) })
}

// Done is closed once Signal has been called.
func (c *completion) Done() <-chan struct{} {
	return c.ch
}

// Wait blocks until the completion is signalled, the timeout expires or ctx
// is done. A non-positive timeout waits without bound.
func (c *completion) Wait(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-c.ch:
		return nil
	case <-expired:
		return ErrCompletionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
