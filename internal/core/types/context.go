// Provides helper functions for working with contexts.
package types

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// NewTimeoutSubContext creates a new cancellable sub-context that is cancelled when the provided timeout is reached.
// A non-positive timeout only makes the context cancellable.
func NewTimeoutSubContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// NewCauseSubContext creates a sub-context whose cancellation carries a cause.
func NewCauseSubContext(ctx context.Context) (context.Context, context.CancelCauseFunc) {
	return context.WithCancelCause(ctx)
}

// NewSignalNotifySubContext creates a new cancellable sub-context that is cancelled when the provided signals are received.
func NewSignalNotifySubContext(ctx context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, signals...)
}

// DefaultContext creates a new background context.
func DefaultContext() context.Context {
	return context.Background()
}

// DefaultSignalNotifySubContext creates a new cancellable sub-context that is cancelled when the default signals (SIGINT and SIGTERM) are received.
func DefaultSignalNotifySubContext() (context.Context, context.CancelFunc) {
	return NewSignalNotifySubContext(DefaultContext(), os.Interrupt, syscall.SIGTERM)
}
