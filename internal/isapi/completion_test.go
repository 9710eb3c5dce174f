package isapi

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCompletionLatchesEarlySignal(t *testing.T) {
	t.Parallel()
	c := newCompletion()
	c.Signal()
	c.Signal()
	if err := c.Wait(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("wait = %v", err)
	}
}

func TestCompletionWait(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		timeout time.Duration
		signal  bool
		cancel  bool
		want    error
	}{
		{name: "signalled", timeout: time.Second, signal: true},
		{name: "timeout", timeout: 10 * time.Millisecond, want: ErrCompletionTimeout},
		{name: "cancelled", timeout: time.Second, cancel: true, want: context.Canceled},
		{name: "unbounded", timeout: 0, signal: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newCompletion()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				time.Sleep(5 * time.Millisecond)
				if tt.signal {
					c.Signal()
				}
				if tt.cancel {
					cancel()
				}
			}()
			if err := c.Wait(ctx, tt.timeout); !errors.Is(err, tt.want) {
				t.Errorf("wait = %v, want %v", err, tt.want)
			}
		})
	}
}
