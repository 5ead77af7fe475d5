// Package ratelimit admits or rejects requests against hierarchical
// token-bucket limits. Providers hold the bucket state; the in-memory
// provider is always available, the redis provider coordinates limits
// across gateway instances.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
)

// Scope constructors. The scope names the protected resource; together
// with the client identity it forms the bucket key.
func ScopeHTTP(serviceID string) string { return "http:" + serviceID }

func ScopeWSConnection(serviceID string) string { return "ws-conn:" + serviceID }

func ScopeWSMessage(serviceID, sessionID string) string {
	return "ws-msg:" + serviceID + ":" + sessionID
}

func ScopeAuth(ipOrUser string) string { return "auth:" + ipOrUser }

// Key identifies one bucket: a client identity within a scope.
type Key struct {
	ClientID string
	Scope    string
}

// String returns the provider storage key.
func (k Key) String() string { return k.Scope + "|" + k.ClientID }

// Effective is a fully resolved limit. A zero RequestsPerWindow means
// unlimited; callers skip the provider entirely.
type Effective struct {
	RequestsPerWindow int
	WindowSeconds     int
	BurstCapacity     int
}

// IsZero reports whether no limit applies.
func (e Effective) IsZero() bool { return e.RequestsPerWindow <= 0 }

// Burst returns the burst capacity, defaulting to RequestsPerWindow.
func (e Effective) Burst() int {
	if e.BurstCapacity > 0 {
		return e.BurstCapacity
	}
	return e.RequestsPerWindow
}

// Decision is the outcome of one admission check. It carries everything
// needed to emit the rate-limit response headers and the 429 problem
// extensions.
type Decision struct {
	Allowed bool

	// Limit is the window request budget; 0 means no limit applied.
	Limit     int64
	Remaining int64
	// ResetAt is the epoch second at which a full window has elapsed
	// since the last refill.
	ResetAt int64
	// RetryAfter is seconds until a token becomes available; >= 1 on
	// deny, 0 on allow.
	RetryAfter int64

	// RequestCount counts requests in the current window. Telemetry
	// only; admission is decided by the bucket.
	RequestCount int64
	Window       int64
}

// Allow is the decision used when no limit applies or the provider is
// unavailable.
func Allow() Decision { return Decision{Allowed: true} }

// ApplyHeaders writes the rate-limit response headers. Decisions without
// a limit write nothing.
func (d Decision) ApplyHeaders(h http.Header) {
	if d.Limit == 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(d.RetryAfter, 10))
	}
}

// Provider is the admission SPI. Check must serialize concurrent
// consumption on the same key.
type Provider interface {
	Name() string
	// Priority orders provider selection; higher wins when available.
	Priority() int
	Available(ctx context.Context) bool
	Check(ctx context.Context, key Key, eff Effective) (Decision, error)
	Close() error
}
