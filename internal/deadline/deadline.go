// Package deadline bounds blocking operations and makes the
// degradation policy explicit at each call site: fail, go empty, use a
// fallback, or swallow.
package deadline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aussielabs/aussie/internal/logging"
)

// WithTimeout runs fn under a deadline and fails on expiry with the
// context error.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(tctx)
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.v, res.err
	case <-tctx.Done():
		var zero T
		return zero, tctx.Err()
	}
}

// WithTimeoutGraceful runs fn under a deadline; expiry or error yields
// the zero value with ok=false.
func WithTimeoutGraceful[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, bool) {
	v, err := WithTimeout(ctx, d, fn)
	if err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

// WithTimeoutFallback runs fn under a deadline; expiry or error yields
// the supplier's value instead.
func WithTimeoutFallback[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error), fallback func() T) T {
	v, err := WithTimeout(ctx, d, fn)
	if err != nil {
		return fallback()
	}
	return v
}

// WithTimeoutSilent runs fn under a deadline for its side effects;
// expiry and errors are logged at debug and otherwise dropped.
func WithTimeoutSilent(ctx context.Context, d time.Duration, fn func(context.Context) error) {
	_, err := WithTimeout(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if err != nil {
		logging.Debug("silenced operation failed", zap.Error(err))
	}
}
