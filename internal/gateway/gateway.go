// Package gateway composes the admission pipeline: middleware chain,
// route resolution, auth, rate limiting, and dispatch to the HTTP
// forwarder or the WebSocket relay.
package gateway

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/apikey"
	"github.com/aussielabs/aussie/internal/auth"
	"github.com/aussielabs/aussie/internal/bulkhead"
	"github.com/aussielabs/aussie/internal/logging"
	"github.com/aussielabs/aussie/internal/metrics"
	"github.com/aussielabs/aussie/internal/middleware"
	"github.com/aussielabs/aussie/internal/middleware/cors"
	"github.com/aussielabs/aussie/internal/middleware/realip"
	"github.com/aussielabs/aussie/internal/problem"
	"github.com/aussielabs/aussie/internal/proxy"
	"github.com/aussielabs/aussie/internal/ratelimit"
	"github.com/aussielabs/aussie/internal/registry"
	"github.com/aussielabs/aussie/internal/safeurl"
	"github.com/aussielabs/aussie/internal/securityevent"
	"github.com/aussielabs/aussie/internal/session"
	"github.com/aussielabs/aussie/internal/tracing"
	"github.com/aussielabs/aussie/internal/websocket"
)

// Options carries the gateway's collaborators; the caller owns their
// lifecycles.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry
	Sessions session.Store
	APIKeys  apikey.Store
	Issuer   *auth.Issuer
	// Bearer is nil when no identity provider is configured.
	Bearer   *auth.BearerValidator
	Limiter  *ratelimit.Limiter
	Resolver *ratelimit.Resolver
	Metrics  *metrics.Metrics
	Tracer   *tracing.Tracer
	Events   *securityevent.Dispatcher
	// Guard vets backend dials. Nil disables dial-time SSRF checks
	// (tests only).
	Guard *safeurl.Guard
}

// Gateway is the request admission and dispatch pipeline.
type Gateway struct {
	mu  sync.RWMutex
	cfg *config.Config

	registry   *registry.Registry
	sessions   session.Store
	apikeys    apikey.Store
	issuer     *auth.Issuer
	authorizer *auth.Authorizer
	limiter    *ratelimit.Limiter
	resolver   *ratelimit.Resolver
	spike      *ratelimit.SpikeArrest
	httpProxy  *proxy.Proxy
	wsFilter   *websocket.Filter
	wsProxy    *websocket.Proxy
	hub        *websocket.Hub
	metrics    *metrics.Metrics
	tracer     *tracing.Tracer
	events     *securityevent.Dispatcher
	pools      bulkhead.Set

	// realip swaps atomically on config reload.
	realip atomic.Pointer[realip.Extractor]

	corsBase atomic.Pointer[cors.Policy]
	corsRule config.CORSRule
}

// New wires the pipeline. The registry must already be started.
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config

	g := &Gateway{
		cfg:      cfg,
		registry: opts.Registry,
		sessions: opts.Sessions,
		apikeys:  opts.APIKeys,
		issuer:   opts.Issuer,
		limiter:  opts.Limiter,
		resolver: opts.Resolver,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		events:   opts.Events,
		hub:      websocket.NewHub(),
		corsRule: cfg.CORS,
	}
	g.corsBase.Store(cors.New(cfg.CORS))

	extractor, err := realip.New(cfg.TrustedProxies, nil, 0)
	if err != nil {
		return nil, err
	}
	g.realip.Store(extractor)

	if cfg.RateLimit.SpikeArrest.Enabled {
		g.spike = ratelimit.NewSpikeArrest(cfg.RateLimit.SpikeArrest)
	}

	g.pools = bulkhead.Set{
		Backend:   bulkhead.NewPool("backend", cfg.Bulkheads.Backend),
		RateLimit: bulkhead.NewPool("ratelimit", cfg.Bulkheads.RateLimit),
		Sessions:  bulkhead.NewPool("sessions", cfg.Bulkheads.Sessions),
		JWKS:      bulkhead.NewPool("jwks", cfg.Bulkheads.JWKS),
	}
	for _, p := range g.pools.All() {
		p.OnChange(g.metrics.SetBulkheadInUse)
	}

	g.authorizer = auth.New(auth.Options{
		Sessions:    opts.Sessions,
		APIKeys:     opts.APIKeys,
		Bearer:      opts.Bearer,
		Issuer:      opts.Issuer,
		CookieName:  cfg.Sessions.CookieName,
		IdleTimeout: cfg.Sessions.IdleTimeout,
		Limiter:     opts.Limiter,
		Resolver:    opts.Resolver,
		OnAuthFailure: func(clientID, credential, reason string) {
			g.events.Dispatch(securityevent.Event{
				Kind:     securityevent.KindAuthFailure,
				ClientID: clientID,
				Detail:   credential + ": " + reason,
			})
		},
	})

	g.httpProxy = proxy.New(proxy.Options{
		Transport:  proxy.NewTransport(cfg.Timeouts, opts.Guard),
		Limits:     cfg.Limits,
		Timeouts:   cfg.Timeouts,
		CookieName: cfg.Sessions.CookieName,
		OnBackendError: func(serviceID, kind string, err error) {
			g.metrics.ObserveBackendError(serviceID, kind)
			if kind == proxy.ErrKindBlocked {
				g.events.Dispatch(securityevent.Event{
					Kind:      securityevent.KindSSRFBlocked,
					ServiceID: serviceID,
					Detail:    err.Error(),
				})
			}
		},
	})

	wsOpts := websocket.Options{
		Limiter:    opts.Limiter,
		Resolver:   opts.Resolver,
		Hub:        g.hub,
		CookieName: cfg.Sessions.CookieName,
		OnOpen:     g.metrics.WSOpened,
		OnClose:    g.metrics.WSClosed,
		OnThrottle: func(clientID, serviceID, sessionID string, d ratelimit.Decision) {
			g.metrics.ObserveRateLimit(ratelimit.ScopeWSMessage(serviceID, sessionID), d)
			g.events.Dispatch(securityevent.Event{
				Kind:      securityevent.KindRateLimitExceeded,
				ClientID:  clientID,
				ServiceID: serviceID,
				Detail:    "websocket message rate exceeded",
			})
		},
	}
	if opts.Guard != nil {
		wsOpts.Dial = opts.Guard.DialContext
	}
	g.wsProxy = websocket.New(wsOpts)

	g.wsFilter = &websocket.Filter{
		Registry: opts.Registry,
		Limiter:  opts.Limiter,
		Resolver: opts.Resolver,
		OnDeny: func(clientID, serviceID string, d ratelimit.Decision) {
			g.metrics.ObserveRateLimit(ratelimit.ScopeWSConnection(serviceID), d)
			g.events.Dispatch(securityevent.Event{
				Kind:      securityevent.KindRateLimitExceeded,
				ClientID:  clientID,
				ServiceID: serviceID,
				Detail:    "websocket connection rate exceeded",
			})
		},
	}

	// Registration changes must not serve stale limit merges.
	opts.Registry.OnChange(func(ev registry.Event) {
		if ev.Type == registry.EventResync {
			opts.Resolver.InvalidateAll()
			return
		}
		opts.Resolver.Invalidate(ev.ServiceID)
	})

	return g, nil
}

// Hub exposes the live-connection index for session invalidation.
func (g *Gateway) Hub() *websocket.Hub { return g.hub }

// Pools exposes the bulkheads for readiness reporting.
func (g *Gateway) Pools() bulkhead.Set { return g.pools }

// Handler builds the public-listener handler.
func (g *Gateway) Handler() http.Handler {
	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(middleware.AccessLog(middleware.AccessLogConfig{
			SkipPaths: []string{"/q/health", "/q/health/ready"},
		})).
		Use(g.corsMiddleware()).
		Use(g.realipMiddleware()).
		Use(g.wsFilterMiddleware()).
		Handler(http.HandlerFunc(g.serveHTTP))
}

// corsMiddleware applies the platform policy, merged with the matched
// service's override when one is registered.
func (g *Gateway) corsMiddleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy := g.policyFor(r)
			if policy.IsPreflight(r) {
				policy.HandlePreflight(w, r)
				return
			}
			policy.ApplyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Gateway) policyFor(r *http.Request) *cors.Policy {
	base := g.corsBase.Load()
	seg := firstSegment(r.URL.Path)
	if seg == "" || registry.IsReservedSegment(seg) {
		return base
	}
	res := g.registry.MatchRoute(r.URL.Path, r.Method)
	if res.Service == nil || res.Service.CORSConfig == nil {
		return base
	}
	g.mu.RLock()
	rule := g.corsRule
	g.mu.RUnlock()
	return cors.New(cors.Merge(rule, res.Service.CORSConfig))
}

func (g *Gateway) realipMiddleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.realip.Load().Middleware(next).ServeHTTP(w, r)
		})
	}
}

func (g *Gateway) wsFilterMiddleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.wsFilter.Admit(w, r, realip.FromContext(r.Context())) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the downstream status for metrics and span
// completion.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientID := realip.FromContext(r.Context())

	info := &middleware.RouteInfo{}
	r = r.WithContext(middleware.WithRouteInfo(r.Context(), info))

	if g.spike != nil && !g.spike.Allow() {
		g.metrics.ObserveRequest("", r.Method, http.StatusTooManyRequests, time.Since(start).Seconds())
		problem.TooManyRequests.WithDetail("platform capacity exceeded").WriteJSON(w)
		return
	}

	switch firstSegment(r.URL.Path) {
	case "q":
		g.serveOps(w, r)
		return
	case "admin":
		// The admin API is served only on the admin listener.
		problem.RouteNotFound.WriteJSON(w)
		return
	case "gateway":
		problem.RouteNotFound.WriteJSON(w)
		return
	}

	route := g.registry.MatchRoute(r.URL.Path, r.Method)
	if route.Kind == registry.KindNoMatch {
		g.metrics.ObserveRequest("", r.Method, http.StatusNotFound, time.Since(start).Seconds())
		if route.Reason == registry.NoMatchServiceNotFound {
			problem.ServiceNotFound.WriteJSON(w)
		} else {
			problem.RouteNotFound.WriteJSON(w)
		}
		return
	}
	serviceID := route.Service.ServiceID
	info.ServiceID = serviceID
	if route.Endpoint != nil {
		info.Endpoint = route.Endpoint.Path
	}

	r, span := g.tracer.StartRequestSpan(r, r.Method+" "+routeName(route), route.SamplingRate)
	tracing.AnnotateRoute(r.Context(), serviceID, info.Endpoint, clientID)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		tracing.FinishRequestSpan(span, rec.status)
		g.metrics.ObserveRequest(serviceID, r.Method, rec.status, time.Since(start).Seconds())
	}()

	// External callers never see private routes; hiding them as 404
	// avoids confirming they exist.
	if route.Visibility == registry.VisibilityPrivate {
		problem.RouteNotFound.WriteJSON(rec)
		return
	}

	authRes := g.authorizer.Authorize(r.Context(), r, route, clientID)
	switch authRes.Kind {
	case auth.ResultNotRequired, auth.ResultAuthenticated:
	case auth.ResultUnauthorized:
		problem.Unauthorized.WithDetail(authRes.Reason).WithRequestID(middleware.GetRequestID(r)).WriteJSON(rec)
		return
	case auth.ResultForbidden:
		problem.Forbidden.WithDetail(authRes.Reason).WriteJSON(rec)
		return
	case auth.ResultBadRequest:
		problem.ValidationError.WithDetail(authRes.Reason).WriteJSON(rec)
		return
	case auth.ResultRateLimited:
		d := authRes.Decision
		d.ApplyHeaders(rec.Header())
		g.metrics.ObserveRateLimit(ratelimit.ScopeAuth(clientID), d)
		problem.TooManyRequests.
			WithDetail("too many authentication attempts").
			WithRateLimit(d.Limit, d.Remaining, d.ResetAt, d.RetryAfter).
			WriteJSON(rec)
		return
	}
	if authRes.Principal != nil {
		info.Principal = authRes.Principal.ID
	}

	scope := ratelimit.ScopeHTTP(serviceID)
	d := g.checkHTTPLimit(r, route, clientID, scope)
	d.ApplyHeaders(rec.Header())
	if d.Limit > 0 {
		g.metrics.ObserveRateLimit(scope, d)
		tracing.AnnotateRateLimit(r.Context(), scope, d)
	}
	if !d.Allowed {
		g.events.Dispatch(securityevent.Event{
			Kind:      securityevent.KindRateLimitExceeded,
			ClientID:  clientID,
			ServiceID: serviceID,
			RequestID: middleware.GetRequestID(r),
		})
		problem.TooManyRequests.
			WithRateLimit(d.Limit, d.Remaining, d.ResetAt, d.RetryAfter).
			WriteJSON(rec)
		return
	}

	if websocket.IsUpgradeRequest(r) {
		// The relay hijacks; the recorder would misreport, so hand it
		// the original writer.
		rec.status = http.StatusSwitchingProtocols
		g.wsProxy.Upgrade(w, r, route, authRes, clientID)
		return
	}

	release, err := g.pools.Backend.Acquire(r.Context())
	if err != nil {
		g.metrics.ObserveBulkheadRejected("backend")
		problem.Unavailable.WithDetail("backend capacity exhausted").WriteJSON(rec)
		return
	}
	defer release()

	peerTrusted := g.realip.Load().PeerTrusted(r)
	g.httpProxy.Forward(rec, r, route, authRes, clientID, peerTrusted)
}

// checkHTTPLimit consumes one token from the http:{service} bucket
// under the rate-limit bulkhead.
func (g *Gateway) checkHTTPLimit(r *http.Request, route registry.RouteLookupResult, clientID, scope string) ratelimit.Decision {
	eff := g.resolver.ResolveHTTP(route)
	if eff.IsZero() {
		return ratelimit.Allow()
	}
	release, err := g.pools.RateLimit.TryAcquire()
	if err != nil {
		// Saturated limiter fails open; shedding real traffic over a
		// bookkeeping pool would invert the failure budget.
		g.metrics.ObserveBulkheadRejected("ratelimit")
		return ratelimit.Allow()
	}
	defer release()
	return g.limiter.Check(r.Context(), ratelimit.Key{ClientID: clientID, Scope: scope}, eff)
}

// serveOps answers the gateway-owned /q endpoints on the public
// listener.
func (g *Gateway) serveOps(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/q/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/q/health/ready":
		g.serveReady(w)
	case "/q/jwks.json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Write(g.issuer.JWKS())
	default:
		problem.RouteNotFound.WriteJSON(w)
	}
}

type poolStatus struct {
	Capacity int   `json:"capacity"`
	InUse    int64 `json:"inUse"`
	Rejected int64 `json:"rejected"`
}

func (g *Gateway) serveReady(w http.ResponseWriter) {
	pools := make(map[string]poolStatus)
	for _, p := range g.pools.All() {
		pools[p.Name()] = poolStatus{Capacity: p.Capacity(), InUse: p.InUse(), Rejected: p.Rejected()}
	}
	// Bulkhead exhaustion is load shedding, not ill health: readiness
	// stays true so the instance keeps taking traffic.
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":     true,
		"services":  g.registry.Len(),
		"provider":  g.limiter.ProviderName(),
		"bulkheads": pools,
	})
}

// ApplyConfig applies the reloadable subset of a new configuration:
// platform rate limits, trusted proxies, CORS, and log level.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.resolver.SetPlatform(cfg.RateLimit)

	if extractor, err := realip.New(cfg.TrustedProxies, nil, 0); err == nil {
		g.realip.Store(extractor)
	} else {
		logging.Warn("trusted proxies not reloaded", zap.Error(err))
	}

	g.corsBase.Store(cors.New(cfg.CORS))

	g.mu.Lock()
	oldLevel := g.cfg.Logging.Level
	g.cfg = cfg
	g.corsRule = cfg.CORS
	g.mu.Unlock()

	if cfg.Logging.Level != oldLevel {
		if l, err := logging.New(cfg.Logging.Level); err == nil {
			logging.SetGlobal(l)
		}
	}

	logging.Info("configuration applied",
		zap.Int("platformRequestsPerWindow", cfg.RateLimit.Platform.RequestsPerWindow),
		zap.Int("trustedProxies", len(cfg.TrustedProxies)))
}

func routeName(route registry.RouteLookupResult) string {
	if route.Endpoint != nil {
		return "/" + route.Service.PrefixSegment() + route.Endpoint.Path
	}
	return "/" + route.Service.PrefixSegment()
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
