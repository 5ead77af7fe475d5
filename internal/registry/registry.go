package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aussielabs/aussie/internal/localcache"
	"github.com/aussielabs/aussie/internal/logging"
	"github.com/aussielabs/aussie/internal/safeurl"
)

// Options configures the registry facade.
type Options struct {
	Store Store

	// Guard validates registration baseUrls. Required.
	Guard *safeurl.Guard

	// Defaults are the platform-level visibility and sampling fallbacks.
	Defaults Defaults

	// PublicDefaultEnabled gates registrations whose defaultVisibility
	// is PUBLIC.
	PublicDefaultEnabled bool

	// Route cache tuning; zero values fall back to 4096 entries / 30s.
	RouteCacheMaxEntries int
	RouteCacheTTL        time.Duration
	RouteCacheJitter     float64
}

// Registry keeps a compiled in-memory view of all registrations, kept
// fresh by the store's watch stream, and resolves inbound paths against
// it. Writes go through the store first so every instance converges.
type Registry struct {
	store Store
	guard *safeurl.Guard
	defs  Defaults

	publicDefaultEnabled bool

	mu       sync.RWMutex
	services map[string]*compiledService
	prefixes map[string]string // first path segment -> serviceID

	routes *localcache.Cache[string, RouteLookupResult]

	hooksMu sync.RWMutex
	hooks   []func(Event)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a registry facade over the given store.
func New(opts Options) *Registry {
	ttl := opts.RouteCacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		store:                opts.Store,
		guard:                opts.Guard,
		defs:                 opts.Defaults,
		publicDefaultEnabled: opts.PublicDefaultEnabled,
		services:             make(map[string]*compiledService),
		prefixes:             make(map[string]string),
		routes:               localcache.New[string, RouteLookupResult](opts.RouteCacheMaxEntries, ttl, opts.RouteCacheJitter),
	}
}

// Start loads the current registrations and begins following the store's
// watch stream. The view stays fresh until Close.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.resync(ctx); err != nil {
		return fmt.Errorf("registry: initial load: %w", err)
	}
	wctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.watchLoop(wctx)
	return nil
}

// Close stops the watch loop and releases the store.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return r.store.Close()
}

// OnChange registers a callback fired for every applied event, including
// resyncs. Callbacks run synchronously on the watch goroutine.
func (r *Registry) OnChange(fn func(Event)) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

func (r *Registry) fire(ev Event) {
	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

// Register validates and persists a new registration at version 1.
func (r *Registry) Register(ctx context.Context, reg *ServiceRegistration) RegistrationResult {
	c, fail := r.validateAndNormalize(ctx, reg)
	if fail != nil {
		return *fail
	}
	if c.Version != 0 {
		return failed(http.StatusBadRequest, "version must be omitted when registering; got %d", c.Version)
	}
	if fail := r.checkPrefix(c); fail != nil {
		return *fail
	}
	c.Version = 1
	if err := r.store.Put(ctx, c, 0); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return failed(http.StatusConflict, "service %q is already registered", c.ServiceID)
		}
		return storeFailure(err)
	}
	r.applyPut(c)
	return created(c.Clone())
}

// Update replaces an existing registration, comparing the supplied
// version against the stored one. The stored version advances by one on
// success.
func (r *Registry) Update(ctx context.Context, reg *ServiceRegistration) RegistrationResult {
	c, fail := r.validateAndNormalize(ctx, reg)
	if fail != nil {
		return *fail
	}
	if c.Version <= 0 {
		return failed(http.StatusBadRequest, "version is required when updating")
	}
	if fail := r.checkPrefix(c); fail != nil {
		return *fail
	}
	expected := c.Version
	c.Version = expected + 1
	if err := r.store.Put(ctx, c, expected); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return failed(http.StatusNotFound, "service %q is not registered", c.ServiceID)
		case errors.Is(err, ErrVersionConflict):
			return failed(http.StatusConflict, "version conflict for service %q", c.ServiceID)
		}
		return storeFailure(err)
	}
	r.applyPut(c)
	return updated(c.Clone())
}

// Unregister removes a registration. Removing an absent id is a no-op
// returning false.
func (r *Registry) Unregister(ctx context.Context, serviceID string) (bool, error) {
	ok, err := r.store.Delete(ctx, serviceID)
	if err != nil {
		return false, err
	}
	if ok {
		r.applyDelete(serviceID)
	}
	return ok, nil
}

// Get returns a copy of the registration, if present.
func (r *Registry) Get(serviceID string) (*ServiceRegistration, bool) {
	r.mu.RLock()
	cs, ok := r.services[serviceID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cs.service.Clone(), true
}

// List returns copies of all registrations ordered by service id.
func (r *Registry) List() []*ServiceRegistration {
	r.mu.RLock()
	out := make([]*ServiceRegistration, 0, len(r.services))
	for _, cs := range r.services {
		out = append(out, cs.service.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// Len reports the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// MatchRoute resolves an inbound path and method. Results are cached;
// callers must treat the returned registration and variables as
// read-only.
func (r *Registry) MatchRoute(path, method string) RouteLookupResult {
	seg, remainder := splitPath(path)
	if seg == "" {
		return RouteLookupResult{Kind: KindNoMatch, Reason: NoMatchServiceNotFound}
	}
	if IsReservedSegment(seg) {
		return RouteLookupResult{Kind: KindNoMatch, Reason: NoMatchReserved}
	}
	key := method + " " + path
	if res, ok := r.routes.Get(key); ok {
		return res
	}
	r.mu.RLock()
	var cs *compiledService
	if id, ok := r.prefixes[seg]; ok {
		cs = r.services[id]
	}
	r.mu.RUnlock()
	var res RouteLookupResult
	if cs == nil {
		res = RouteLookupResult{Kind: KindNoMatch, Reason: NoMatchServiceNotFound}
	} else {
		res = cs.resolve(remainder, method, r.defs)
	}
	r.routes.Put(key, res)
	return res
}

// splitPath returns the first path segment and the remainder. The
// remainder always begins with /; trailing slashes are preserved.
func splitPath(path string) (string, string) {
	p := strings.TrimPrefix(path, "/")
	if p == "" {
		return "", "/"
	}
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i:]
	}
	return p, "/"
}

func (r *Registry) applyPut(reg *ServiceRegistration) {
	cs, err := compileService(reg)
	if err != nil {
		logging.Error("ignoring stored service with invalid endpoints",
			zap.String("service_id", reg.ServiceID), zap.Error(err))
		return
	}
	r.mu.Lock()
	if old, ok := r.services[reg.ServiceID]; ok {
		oldSeg := old.service.PrefixSegment()
		if r.prefixes[oldSeg] == reg.ServiceID {
			delete(r.prefixes, oldSeg)
		}
	}
	r.services[reg.ServiceID] = cs
	r.prefixes[cs.service.PrefixSegment()] = reg.ServiceID
	r.mu.Unlock()
	r.routes.Purge()
	r.fire(Event{Type: EventPut, ServiceID: reg.ServiceID, Service: reg})
}

func (r *Registry) applyDelete(serviceID string) {
	r.mu.Lock()
	if cs, ok := r.services[serviceID]; ok {
		seg := cs.service.PrefixSegment()
		if r.prefixes[seg] == serviceID {
			delete(r.prefixes, seg)
		}
		delete(r.services, serviceID)
	}
	r.mu.Unlock()
	r.routes.Purge()
	r.fire(Event{Type: EventDelete, ServiceID: serviceID})
}

func (r *Registry) applyEvent(ev Event) {
	switch ev.Type {
	case EventPut:
		if ev.Service != nil {
			r.applyPut(ev.Service)
		}
	case EventDelete:
		r.applyDelete(ev.ServiceID)
	}
}

// resync replaces the whole view from a fresh List. Used at startup and
// after watch gaps so missed events cannot leave the view stale.
func (r *Registry) resync(ctx context.Context) error {
	regs, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	services := make(map[string]*compiledService, len(regs))
	prefixes := make(map[string]string, len(regs))
	for _, reg := range regs {
		cs, err := compileService(reg)
		if err != nil {
			logging.Error("ignoring stored service with invalid endpoints",
				zap.String("service_id", reg.ServiceID), zap.Error(err))
			continue
		}
		services[reg.ServiceID] = cs
		prefixes[cs.service.PrefixSegment()] = reg.ServiceID
	}
	r.mu.Lock()
	r.services = services
	r.prefixes = prefixes
	r.mu.Unlock()
	r.routes.Purge()
	r.fire(Event{Type: EventResync})
	return nil
}

func (r *Registry) watchLoop(ctx context.Context) {
	defer close(r.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // never give up

	first := true
	for {
		if !first {
			if err := r.resync(ctx); err != nil {
				logging.Warn("registry resync failed", zap.Error(err))
			}
		}
		first = false

		ch, err := r.store.Watch(ctx)
		if err == nil {
			bo.Reset()
			for ev := range ch {
				r.applyEvent(ev)
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.Warn("registry watch failed, retrying", zap.Error(err))
		} else {
			logging.Warn("registry watch closed, reconnecting")
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) checkPrefix(c *ServiceRegistration) *RegistrationResult {
	seg := c.PrefixSegment()
	r.mu.RLock()
	owner, ok := r.prefixes[seg]
	r.mu.RUnlock()
	if ok && owner != c.ServiceID {
		f := failed(http.StatusConflict, "route prefix %q is already owned by service %q", "/"+seg, owner)
		return &f
	}
	return nil
}

func storeFailure(err error) RegistrationResult {
	return failed(http.StatusServiceUnavailable, "registry store unavailable: %v", err)
}

// validateAndNormalize checks every field group of a registration and
// returns a normalized deep copy safe to persist: methods upper-cased,
// baseUrl and routePrefix stripped of trailing slashes.
func (r *Registry) validateAndNormalize(ctx context.Context, reg *ServiceRegistration) (*ServiceRegistration, *RegistrationResult) {
	if reg == nil {
		return nil, failPtr(http.StatusBadRequest, "registration body is required")
	}
	c := reg.Clone()

	if c.ServiceID == "" {
		return nil, failPtr(http.StatusBadRequest, "serviceId is required")
	}
	if !serviceIDPattern.MatchString(c.ServiceID) {
		return nil, failPtr(http.StatusBadRequest, "serviceId %q must contain only URL-safe characters", c.ServiceID)
	}
	if IsReservedSegment(c.ServiceID) {
		return nil, failPtr(http.StatusBadRequest, "serviceId %q is reserved", c.ServiceID)
	}

	if c.BaseURL == "" {
		return nil, failPtr(http.StatusBadRequest, "baseUrl is required")
	}
	if err := r.guard.ValidateBaseURL(ctx, c.BaseURL); err != nil {
		return nil, failPtr(http.StatusBadRequest, "baseUrl rejected: %v", err)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	if c.RoutePrefix != "" {
		p := strings.TrimRight(c.RoutePrefix, "/")
		if !strings.HasPrefix(p, "/") || strings.Count(p, "/") != 1 || len(p) < 2 {
			return nil, failPtr(http.StatusBadRequest, "routePrefix %q must be a single path segment like /name", c.RoutePrefix)
		}
		seg := p[1:]
		if !serviceIDPattern.MatchString(seg) {
			return nil, failPtr(http.StatusBadRequest, "routePrefix %q must contain only URL-safe characters", c.RoutePrefix)
		}
		if IsReservedSegment(seg) {
			return nil, failPtr(http.StatusBadRequest, "routePrefix %q is reserved", c.RoutePrefix)
		}
		c.RoutePrefix = p
	}

	if !validVisibility(c.DefaultVisibility) {
		return nil, failPtr(http.StatusBadRequest, "defaultVisibility must be PUBLIC or PRIVATE")
	}
	if c.DefaultVisibility == VisibilityPublic && !r.publicDefaultEnabled {
		return nil, failPtr(http.StatusForbidden, "PUBLIC default visibility is not enabled on this platform")
	}

	for i, vr := range c.VisibilityRules {
		if err := validateVisibilityPattern(vr.PathPattern); err != nil {
			return nil, failPtr(http.StatusBadRequest, "visibilityRules[%d]: %v", i, err)
		}
		if vr.Visibility != VisibilityPublic && vr.Visibility != VisibilityPrivate {
			return nil, failPtr(http.StatusBadRequest, "visibilityRules[%d]: visibility must be PUBLIC or PRIVATE", i)
		}
	}

	if fail := validateEndpoints(c); fail != nil {
		return nil, fail
	}

	if c.AccessConfig != nil {
		for _, ip := range c.AccessConfig.AllowedIPs {
			if err := validateIPOrCIDR(ip); err != nil {
				return nil, failPtr(http.StatusBadRequest, "accessConfig.allowedIps: %v", err)
			}
		}
	}

	for op, rule := range c.PermissionPolicy {
		if op == "" {
			return nil, failPtr(http.StatusBadRequest, "permissionPolicy: operation name must not be empty")
		}
		if len(rule.AnyOfPermissions) == 0 {
			return nil, failPtr(http.StatusBadRequest, "permissionPolicy[%s]: anyOfPermissions must not be empty", op)
		}
	}

	if c.RateLimitConfig != nil {
		if fail := validateRateLimit(c.RateLimitConfig, "rateLimitConfig"); fail != nil {
			return nil, fail
		}
	}
	if c.SamplingConfig != nil {
		if c.SamplingConfig.Rate < 0 || c.SamplingConfig.Rate > 1 {
			return nil, failPtr(http.StatusBadRequest, "samplingConfig.rate must be within [0, 1]")
		}
	}

	return c, nil
}

func validateEndpoints(c *ServiceRegistration) *RegistrationResult {
	seen := make(map[string]bool)
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		where := fmt.Sprintf("endpoints[%d]", i)

		switch ep.Type {
		case "", EndpointHTTP, EndpointWebSocket:
		default:
			return failPtr(http.StatusBadRequest, "%s: type must be HTTP or WEBSOCKET", where)
		}

		ct, err := compiledFor(ep.Path)
		if err != nil {
			return failPtr(http.StatusBadRequest, "%s: %v", where, err)
		}
		if err := validateRewrite(ep.PathRewrite, ct.vars); err != nil {
			return failPtr(http.StatusBadRequest, "%s: %v", where, err)
		}

		if ep.Type != EndpointWebSocket && len(ep.Methods) == 0 {
			return failPtr(http.StatusBadRequest, "%s: methods is required for HTTP endpoints", where)
		}
		for j, m := range ep.Methods {
			if m == "*" {
				continue
			}
			if !isMethodToken(m) {
				return failPtr(http.StatusBadRequest, "%s: invalid method %q", where, m)
			}
			ep.Methods[j] = strings.ToUpper(m)
		}

		if !validVisibility(ep.Visibility) {
			return failPtr(http.StatusBadRequest, "%s: visibility must be PUBLIC or PRIVATE", where)
		}

		if ep.RateLimitConfig != nil {
			if fail := validateRateLimit(ep.RateLimitConfig, where+".rateLimitConfig"); fail != nil {
				return fail
			}
		}
		if ep.SamplingConfig != nil && (ep.SamplingConfig.Rate < 0 || ep.SamplingConfig.Rate > 1) {
			return failPtr(http.StatusBadRequest, "%s: samplingConfig.rate must be within [0, 1]", where)
		}

		for _, m := range ep.effectiveMethods() {
			key := ep.Path + " " + m
			if seen[key] {
				return failPtr(http.StatusBadRequest, "%s: duplicate endpoint %s %s", where, m, ep.Path)
			}
			seen[key] = true
		}
	}
	return nil
}

func validateRateLimit(rl *RateLimitConfig, where string) *RegistrationResult {
	if err := rl.RateLimitRule.Validate(where); err != nil {
		return failPtr(http.StatusBadRequest, "%v", err)
	}
	if rl.WebSocket != nil {
		if err := rl.WebSocket.Connection.Validate(where + ".websocket.connection"); err != nil {
			return failPtr(http.StatusBadRequest, "%v", err)
		}
		if err := rl.WebSocket.Message.Validate(where + ".websocket.message"); err != nil {
			return failPtr(http.StatusBadRequest, "%v", err)
		}
	}
	return nil
}

func validVisibility(v Visibility) bool {
	return v == "" || v == VisibilityPublic || v == VisibilityPrivate
}

func isMethodToken(m string) bool {
	if m == "" {
		return false
	}
	for _, r := range m {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func validateIPOrCIDR(s string) error {
	if net.ParseIP(s) != nil {
		return nil
	}
	if _, _, err := net.ParseCIDR(s); err != nil {
		return fmt.Errorf("%q is neither an IP nor a CIDR", s)
	}
	return nil
}

func failPtr(status int, format string, args ...any) *RegistrationResult {
	f := failed(status, format, args...)
	return &f
}
