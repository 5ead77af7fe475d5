package ratelimit

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/aussielabs/aussie/internal/logging"
)

// Select picks the admission provider. preference "memory" or "redis"
// forces a provider by name; "auto" (or empty) sorts by priority
// descending and probes availability, falling back to the lowest
// priority provider when nothing answers.
func Select(ctx context.Context, preference string, providers ...Provider) Provider {
	if len(providers) == 0 {
		return nil
	}
	sorted := append([]Provider(nil), providers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() > sorted[j].Priority() })

	if preference != "" && preference != "auto" {
		for _, p := range sorted {
			if p.Name() == preference {
				return p
			}
		}
	}
	for _, p := range sorted {
		if p.Available(ctx) {
			return p
		}
	}
	return sorted[len(sorted)-1]
}

// LimiterOptions configures the admission facade.
type LimiterOptions struct {
	Primary Provider
	// Fallback takes over while the primary's breaker is open. Required;
	// in practice the memory provider.
	Fallback Provider

	// FailuresBeforeFallback is the consecutive-error count that opens
	// the breaker.
	FailuresBeforeFallback int

	// CoolDown is how long the breaker stays open before re-probing the
	// primary.
	CoolDown time.Duration

	// Timeout bounds one provider check.
	Timeout time.Duration

	// OnProviderError observes provider failures for metrics and
	// security events. Optional.
	OnProviderError func(provider string, err error)
}

// Limiter wraps the selected provider with the degradation policy: a
// provider error admits the request (fail open); enough consecutive
// errors open a breaker that routes checks to the in-memory fallback
// until the cool-down elapses.
type Limiter struct {
	primary  Provider
	fallback Provider
	breaker  *gobreaker.CircuitBreaker[Decision]
	timeout  time.Duration
	onError  func(provider string, err error)
}

// NewLimiter builds the admission facade.
func NewLimiter(opts LimiterOptions) *Limiter {
	failures := opts.FailuresBeforeFallback
	if failures <= 0 {
		failures = 3
	}
	coolDown := opts.CoolDown
	if coolDown == 0 {
		coolDown = 30 * time.Second
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	l := &Limiter{
		primary:  opts.Primary,
		fallback: opts.Fallback,
		timeout:  timeout,
		onError:  opts.OnProviderError,
	}
	l.breaker = gobreaker.NewCircuitBreaker[Decision](gobreaker.Settings{
		Name:        "ratelimit-provider",
		MaxRequests: 1,
		Timeout:     coolDown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("rate-limit provider breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return l
}

// ProviderName reports the primary provider.
func (l *Limiter) ProviderName() string { return l.primary.Name() }

// Check admits or rejects one request. Unlimited effective limits admit
// without touching the provider; cancellation mid-check does not refund
// a consumed token.
func (l *Limiter) Check(ctx context.Context, key Key, eff Effective) Decision {
	if eff.IsZero() {
		return Allow()
	}
	if l.primary == l.fallback {
		d, err := l.check(ctx, l.primary, key, eff)
		if err != nil {
			l.reportError(l.primary.Name(), err)
			return Allow()
		}
		return d
	}

	d, err := l.breaker.Execute(func() (Decision, error) {
		return l.check(ctx, l.primary, key, eff)
	})
	if err == nil {
		return d
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Degraded: per-instance buckets until the primary recovers.
		d, ferr := l.check(ctx, l.fallback, key, eff)
		if ferr == nil {
			return d
		}
		err = ferr
	}
	l.reportError(l.primary.Name(), err)
	return Allow()
}

func (l *Limiter) check(ctx context.Context, p Provider, key Key, eff Effective) (Decision, error) {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return p.Check(cctx, key, eff)
}

func (l *Limiter) reportError(provider string, err error) {
	logging.Warn("rate-limit provider failed, admitting request",
		zap.String("provider", provider), zap.Error(err))
	if l.onError != nil {
		l.onError(provider, err)
	}
}
