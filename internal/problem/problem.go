// Package problem produces RFC 7807 application/problem+json responses.
package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ContentType is the media type for problem-details bodies.
const ContentType = "application/problem+json"

// typePrefix namespaces the stable problem type URIs.
const typePrefix = "urn:aussie:problem:"

// Problem is an RFC 7807 problem-details document. The rate-limit
// extension members are populated only on 429 responses.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`

	RequestID string `json:"requestId,omitempty"`

	RetryAfter int64  `json:"retryAfter,omitempty"`
	Limit      int64  `json:"limit,omitempty"`
	Remaining  *int64 `json:"remaining,omitempty"`
	ResetAt    int64  `json:"resetAt,omitempty"`

	underlying error
}

func (p *Problem) Error() string {
	if p.underlying != nil {
		return fmt.Sprintf("%s: %v", p.Title, p.underlying)
	}
	return p.Title
}

func (p *Problem) Unwrap() error {
	return p.underlying
}

// WriteJSON writes the problem to the response.
// Base problems (no detail/extensions) use pre-serialized JSON to avoid allocations.
func (p *Problem) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	if pre, ok := preSerialized[p]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(p)
}

// Taxonomy. Each base carries a stable type URI, title, and status.
var (
	RouteNotFound   = base("route-not-found", "Route Not Found", http.StatusNotFound)
	ServiceNotFound = base("service-not-found", "Service Not Found", http.StatusNotFound)
	ValidationError = base("validation-error", "Validation Error", http.StatusBadRequest)
	Unauthorized    = base("unauthorized", "Unauthorized", http.StatusUnauthorized)
	Forbidden       = base("forbidden", "Forbidden", http.StatusForbidden)
	Conflict        = base("conflict", "Conflict", http.StatusConflict)
	PayloadTooLarge = base("payload-too-large", "Payload Too Large", http.StatusRequestEntityTooLarge)
	HeaderTooLarge  = base("header-too-large", "Header Too Large", http.StatusRequestHeaderFieldsTooLarge)
	TooManyRequests = base("too-many-requests", "Too Many Requests", http.StatusTooManyRequests)
	BadGateway      = base("bad-gateway", "Bad Gateway", http.StatusBadGateway)
	GatewayTimeout  = base("gateway-timeout", "Gateway Timeout", http.StatusGatewayTimeout)
	Unavailable     = base("service-unavailable", "Service Unavailable", http.StatusServiceUnavailable)
	InternalError   = base("internal-error", "Internal Error", http.StatusInternalServerError)
)

func base(kind, title string, status int) *Problem {
	return &Problem{
		Type:   typePrefix + kind,
		Title:  title,
		Status: status,
	}
}

// preSerialized holds JSON-encoded bytes for the base singletons.
var preSerialized map[*Problem][]byte

func init() {
	bases := []*Problem{
		RouteNotFound, ServiceNotFound, ValidationError, Unauthorized,
		Forbidden, Conflict, PayloadTooLarge, HeaderTooLarge,
		TooManyRequests, BadGateway, GatewayTimeout, Unavailable,
		InternalError,
	}
	preSerialized = make(map[*Problem][]byte, len(bases))
	for _, p := range bases {
		b, _ := json.Marshal(p)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[p] = b
	}
}

// New creates a problem outside the fixed taxonomy.
func New(status int, kind, title string) *Problem {
	return base(kind, title, status)
}

// Wrap attaches an underlying cause to a copy of the base problem.
func Wrap(err error, p *Problem) *Problem {
	c := *p
	c.underlying = err
	return &c
}

// WithDetail returns a copy with a human-readable detail.
func (p *Problem) WithDetail(detail string) *Problem {
	c := *p
	c.Detail = detail
	return &c
}

// WithDetailf returns a copy with a formatted detail.
func (p *Problem) WithDetailf(format string, args ...any) *Problem {
	return p.WithDetail(fmt.Sprintf(format, args...))
}

// WithRequestID returns a copy carrying the correlation id.
func (p *Problem) WithRequestID(requestID string) *Problem {
	c := *p
	c.RequestID = requestID
	return &c
}

// WithRateLimit returns a copy carrying the rate-limit extension members.
func (p *Problem) WithRateLimit(limit, remaining, resetAt, retryAfter int64) *Problem {
	c := *p
	c.Limit = limit
	c.Remaining = &remaining
	c.ResetAt = resetAt
	c.RetryAfter = retryAfter
	return &c
}

// From extracts a *Problem from an error chain, or wraps the error as an
// InternalError when none is present.
func From(err error) *Problem {
	var p *Problem
	if errors.As(err, &p) {
		return p
	}
	return Wrap(err, InternalError)
}
