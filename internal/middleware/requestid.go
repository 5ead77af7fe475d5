package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader is the header carrying the correlation id end to end.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestIDConfig configures the request ID middleware.
type RequestIDConfig struct {
	// Header is the header name to read and echo.
	Header string
	// Generator produces a new id when the request carries none.
	Generator func() string
	// TrustHeader accepts an id supplied by the caller. Leave off when
	// the gateway is internet-facing without a trusted LB in front.
	TrustHeader bool
}

// DefaultRequestIDConfig is the gateway default.
var DefaultRequestIDConfig = RequestIDConfig{
	Header:      RequestIDHeader,
	Generator:   func() string { return uuid.New().String() },
	TrustHeader: true,
}

// RequestID tags every request with a correlation id, echoed on the
// response and stored in the context.
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig creates the middleware with custom settings.
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = RequestIDHeader
	}
	if cfg.Generator == nil {
		cfg.Generator = DefaultRequestIDConfig.Generator
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if cfg.TrustHeader {
				id = r.Header.Get(cfg.Header)
			}
			if id == "" {
				id = cfg.Generator()
			}

			r.Header.Set(cfg.Header, id)
			w.Header().Set(cfg.Header, id)

			ctx := WithRequestID(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithRequestID stores a request id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "" before the
// middleware has run.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GetRequestID extracts the request id from a request.
func GetRequestID(r *http.Request) string {
	return RequestIDFromContext(r.Context())
}
