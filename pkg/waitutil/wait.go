// Package waitutil blocks until a readiness predicate holds.
package waitutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const logPrefix = "waitutil:wait"

const (
	defaultInterval = time.Second
	defaultTimeout  = 10 * time.Second
)

// ErrConditionTimeout is returned when the predicate never held within the waiter's timeout.
var ErrConditionTimeout = errors.New("condition not met before timeout")

var errNotReady = errors.New("not ready")

// Condition describes what to wait for.
type Condition struct {
	// Fn is polled until it returns true.
	Fn func() bool
	// Context labels the wait in logs (e.g. "deeplink_init").
	Context string
	// WaitTime overrides the waiter's poll interval when positive.
	WaitTime time.Duration
}

// Waiter polls conditions on a constant interval, bounded by Timeout.
type Waiter struct {
	Interval time.Duration
	Timeout  time.Duration
}

// NewWaiter creates a Waiter. Zero values fall back to 1s polling and a 10s timeout.
func NewWaiter(interval, timeout time.Duration) *Waiter {
	if interval <= 0 {
		interval = defaultInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Waiter{Interval: interval, Timeout: timeout}
}

// WaitForCondition returns nil as soon as cond.Fn reports true.
func (w *Waiter) WaitForCondition(ctx context.Context, cond Condition) error {
	if cond.Fn == nil {
		return fmt.Errorf("%s - condition %q has no predicate", logPrefix, cond.Context)
	}

	interval := w.Interval
	if cond.WaitTime > 0 {
		interval = cond.WaitTime
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := uint64(timeout / interval)

	// backoff stops early when ctx's deadline falls before the next poll, while ctx.Err() is
	// still nil. Hand it a deadline-free context cancelled once ctx is done instead.
	pollCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if cond.Fn() {
			return nil
		}
		return errNotReady
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), retries), pollCtx))

	switch {
	case err == nil:
		slog.Debug(fmt.Sprintf("%s - %s ready after %d attempts", logPrefix, cond.Context, attempts))
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s - waiting for %s: %w", logPrefix, cond.Context, ctx.Err())
	default:
		return fmt.Errorf("%s - waiting for %s after %d attempts: %w", logPrefix, cond.Context, attempts, ErrConditionTimeout)
	}
}
