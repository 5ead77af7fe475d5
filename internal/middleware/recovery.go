package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/aussielabs/aussie/internal/logging"
	"github.com/aussielabs/aussie/internal/problem"
)

// RecoveryConfig configures the panic recovery middleware.
type RecoveryConfig struct {
	// PrintStack captures the stack trace for logging.
	PrintStack bool
	// LogFunc observes the panic. Defaults to the global logger.
	LogFunc func(err any, stack []byte)
}

// DefaultRecoveryConfig is the gateway default.
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
	LogFunc: func(err any, stack []byte) {
		logging.Error("panic recovered",
			zap.Any("error", err),
			zap.ByteString("stack", stack),
		)
	},
}

// Recovery converts handler panics into a 500 problem response. The
// panic value never reaches the client.
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig creates the middleware with custom settings.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					var stack []byte
					if cfg.PrintStack {
						stack = debug.Stack()
					}
					if cfg.LogFunc != nil {
						cfg.LogFunc(err, stack)
					}
					p := problem.InternalError
					if id := GetRequestID(r); id != "" {
						p = p.WithRequestID(id)
					}
					p.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
