package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/localcache"
	"github.com/aussielabs/aussie/internal/registry"
)

// serviceLimits is the cached platform+service merge for one service;
// endpoint overrides are applied on top at resolve time.
type serviceLimits struct {
	http   Effective
	wsConn Effective
	wsMsg  Effective
}

// Resolver computes effective limits through the endpoint → service →
// platform hierarchy. The per-service merge is cached behind the
// jittered local cache; registration changes invalidate explicitly.
type Resolver struct {
	mu       sync.RWMutex
	platform config.RateLimitConfig

	cache *localcache.Cache[string, serviceLimits]
	sf    singleflight.Group
}

// NewResolver creates a resolver over the platform rate-limit tree.
func NewResolver(platform config.RateLimitConfig, cacheCfg config.LocalCacheConfig) *Resolver {
	ttl := cacheCfg.TTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{
		platform: platform,
		cache:    localcache.New[string, serviceLimits](cacheCfg.MaxEntries, ttl, cacheCfg.Jitter),
	}
}

// SetPlatform swaps the platform tree on config reload and drops all
// cached merges.
func (r *Resolver) SetPlatform(platform config.RateLimitConfig) {
	r.mu.Lock()
	r.platform = platform
	r.mu.Unlock()
	r.cache.Purge()
}

// Invalidate drops the cached merge for one service. Idempotent.
func (r *Resolver) Invalidate(serviceID string) { r.cache.Invalidate(serviceID) }

// InvalidateAll drops every cached merge; used on registry resyncs.
func (r *Resolver) InvalidateAll() { r.cache.Purge() }

// ResolveHTTP returns the limit for the http:{service} scope of a
// matched route.
func (r *Resolver) ResolveHTTP(res registry.RouteLookupResult) Effective {
	if res.Service == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.cap(fromRule(r.platform.Platform))
	}
	eff := r.serviceLimitsFor(res.Service).http
	if res.Endpoint != nil && res.Endpoint.RateLimitConfig != nil {
		eff = merge(eff, res.Endpoint.RateLimitConfig.RateLimitRule)
	}
	return r.cap(eff)
}

// ResolveWSConnection returns the ws-conn:{service} admission limit.
func (r *Resolver) ResolveWSConnection(svc *registry.ServiceRegistration) Effective {
	if svc == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.cap(fromRule(r.platform.WebSocket.Connection))
	}
	return r.cap(r.serviceLimitsFor(svc).wsConn)
}

// ResolveWSMessage returns the ws-msg:{service}:{session} throttle,
// including any endpoint-level override.
func (r *Resolver) ResolveWSMessage(svc *registry.ServiceRegistration, ep *registry.EndpointConfig) Effective {
	if svc == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.cap(fromRule(r.platform.WebSocket.Message))
	}
	eff := r.serviceLimitsFor(svc).wsMsg
	if ep != nil && ep.RateLimitConfig != nil && ep.RateLimitConfig.WebSocket != nil {
		eff = merge(eff, ep.RateLimitConfig.WebSocket.Message)
	}
	return r.cap(eff)
}

// ResolveAuth returns the credential-validation attempt limit.
func (r *Resolver) ResolveAuth() Effective {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cap(fromRule(r.platform.Auth))
}

func (r *Resolver) serviceLimitsFor(svc *registry.ServiceRegistration) serviceLimits {
	if sl, ok := r.cache.Get(svc.ServiceID); ok {
		return sl
	}
	v, _, _ := r.sf.Do(svc.ServiceID, func() (any, error) {
		sl := r.mergeService(svc)
		r.cache.Put(svc.ServiceID, sl)
		return sl, nil
	})
	return v.(serviceLimits)
}

func (r *Resolver) mergeService(svc *registry.ServiceRegistration) serviceLimits {
	r.mu.RLock()
	platform := r.platform
	r.mu.RUnlock()

	sl := serviceLimits{
		http:   fromRule(platform.Platform),
		wsConn: fromRule(platform.WebSocket.Connection),
		wsMsg:  fromRule(platform.WebSocket.Message),
	}
	if rl := svc.RateLimitConfig; rl != nil {
		sl.http = merge(sl.http, rl.RateLimitRule)
		if rl.WebSocket != nil {
			sl.wsConn = merge(sl.wsConn, rl.WebSocket.Connection)
			sl.wsMsg = merge(sl.wsMsg, rl.WebSocket.Message)
		}
	}
	return sl
}

// cap bounds every resolved limit at the platform ceiling.
func (r *Resolver) cap(eff Effective) Effective {
	r.mu.RLock()
	max := r.platform.MaxRequestsPerWindow
	r.mu.RUnlock()
	if max > 0 {
		if eff.RequestsPerWindow > max {
			eff.RequestsPerWindow = max
		}
		if eff.BurstCapacity > max {
			eff.BurstCapacity = max
		}
	}
	return eff
}

func fromRule(rule config.RateLimitRule) Effective {
	return Effective{
		RequestsPerWindow: rule.RequestsPerWindow,
		WindowSeconds:     rule.WindowSeconds,
		BurstCapacity:     rule.BurstCapacity,
	}
}

// merge applies the non-zero fields of rule over base; each field
// overrides independently.
func merge(base Effective, rule config.RateLimitRule) Effective {
	if rule.RequestsPerWindow > 0 {
		base.RequestsPerWindow = rule.RequestsPerWindow
	}
	if rule.WindowSeconds > 0 {
		base.WindowSeconds = rule.WindowSeconds
	}
	if rule.BurstCapacity > 0 {
		base.BurstCapacity = rule.BurstCapacity
	}
	return base
}
