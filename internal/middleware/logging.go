package middleware

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aussielabs/aussie/internal/logging"
)

var recorderPool = sync.Pool{
	New: func() any { return &ResponseRecorder{} },
}

// RouteInfo annotates a request with the route the gateway resolved;
// the access log and metrics read it back after the handler ran.
type RouteInfo struct {
	ServiceID string
	Endpoint  string
	Backend   string
	Principal string
}

type routeInfoKey struct{}

// WithRouteInfo stores a mutable route annotation in the context. The
// handler fills it in as resolution progresses.
func WithRouteInfo(ctx context.Context, info *RouteInfo) context.Context {
	return context.WithValue(ctx, routeInfoKey{}, info)
}

// RouteInfoFromContext returns the annotation, or nil outside the
// pipeline.
func RouteInfoFromContext(ctx context.Context) *RouteInfo {
	info, _ := ctx.Value(routeInfoKey{}).(*RouteInfo)
	return info
}

// AccessLogConfig configures the access log middleware.
type AccessLogConfig struct {
	// SkipPaths are exact paths that are never logged, typically health
	// and metrics endpoints.
	SkipPaths []string
}

// AccessLog emits one structured line per completed request.
func AccessLog(cfg AccessLogConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := recorderPool.Get().(*ResponseRecorder)
			rec.Reset(w)

			info := &RouteInfo{}
			r = r.WithContext(WithRouteInfo(r.Context(), info))

			next.ServeHTTP(rec, r)

			duration := time.Since(start)

			// Hijacked connections (WebSocket relays) log their own
			// lifecycle; the recorder never saw a status.
			if rec.hijacked {
				rec.Reset(nil)
				recorderPool.Put(rec)
				return
			}

			var fields [12]zap.Field
			n := 0
			fields[n] = zap.String("request_id", GetRequestID(r))
			n++
			fields[n] = zap.String("remote_addr", r.RemoteAddr)
			n++
			fields[n] = zap.String("method", r.Method)
			n++
			fields[n] = zap.String("path", r.URL.Path)
			n++
			fields[n] = zap.Int("status", rec.Status())
			n++
			fields[n] = zap.Int64("body_bytes", rec.BytesWritten())
			n++
			fields[n] = zap.Duration("duration", duration)
			n++
			if r.URL.RawQuery != "" {
				fields[n] = zap.String("query", r.URL.RawQuery)
				n++
			}
			if info.ServiceID != "" {
				fields[n] = zap.String("service", info.ServiceID)
				n++
			}
			if info.Backend != "" {
				fields[n] = zap.String("backend", info.Backend)
				n++
			}
			if info.Principal != "" {
				fields[n] = zap.String("principal", info.Principal)
				n++
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua)
				n++
			}
			logging.Info("http request", fields[:n]...)

			rec.Reset(nil)
			recorderPool.Put(rec)
		})
	}
}

// ResponseRecorder wraps an http.ResponseWriter capturing status and
// byte count, passing Flush and Hijack through.
type ResponseRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

// Reset prepares the recorder for reuse against a new writer.
func (rec *ResponseRecorder) Reset(w http.ResponseWriter) {
	rec.ResponseWriter = w
	rec.status = http.StatusOK
	rec.bytes = 0
	rec.hijacked = false
}

func (rec *ResponseRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *ResponseRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rec *ResponseRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for the WebSocket relay.
func (rec *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		rec.hijacked = true
	}
	return conn, rw, err
}

// Status returns the recorded status code.
func (rec *ResponseRecorder) Status() int { return rec.status }

// BytesWritten returns the number of body bytes written.
func (rec *ResponseRecorder) BytesWritten() int64 { return rec.bytes }
