package ratelimit

import (
	"testing"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/registry"
)

func testPlatform() config.RateLimitConfig {
	return config.RateLimitConfig{
		Platform:             config.RateLimitRule{RequestsPerWindow: 1000, WindowSeconds: 60},
		MaxRequestsPerWindow: 5000,
		Auth:                 config.RateLimitRule{RequestsPerWindow: 30, WindowSeconds: 60},
		WebSocket: config.WebSocketLimits{
			Connection: config.RateLimitRule{RequestsPerWindow: 60, WindowSeconds: 60},
			Message:    config.RateLimitRule{RequestsPerWindow: 600, WindowSeconds: 60},
		},
	}
}

func TestResolveHierarchy(t *testing.T) {
	r := NewResolver(testPlatform(), config.LocalCacheConfig{})

	svc := &registry.ServiceRegistration{
		ServiceID: "svc-a",
		RateLimitConfig: &registry.RateLimitConfig{
			RateLimitRule: config.RateLimitRule{RequestsPerWindow: 100},
		},
	}
	ep := &registry.EndpointConfig{
		Path: "/users/{id}",
		RateLimitConfig: &registry.RateLimitConfig{
			RateLimitRule: config.RateLimitRule{BurstCapacity: 20},
		},
	}

	got := r.ResolveHTTP(registry.RouteLookupResult{
		Kind: registry.KindRouteMatch, Service: svc, Endpoint: ep,
	})
	// Service overrides the request budget, endpoint the burst, and the
	// untouched window inherits from the platform.
	want := Effective{RequestsPerWindow: 100, WindowSeconds: 60, BurstCapacity: 20}
	if got != want {
		t.Fatalf("ResolveHTTP = %+v, want %+v", got, want)
	}
}

func TestResolvePlatformOnly(t *testing.T) {
	r := NewResolver(testPlatform(), config.LocalCacheConfig{})
	svc := &registry.ServiceRegistration{ServiceID: "svc-a"}

	got := r.ResolveHTTP(registry.RouteLookupResult{Kind: registry.KindServiceOnly, Service: svc})
	want := Effective{RequestsPerWindow: 1000, WindowSeconds: 60}
	if got != want {
		t.Fatalf("ResolveHTTP = %+v, want %+v", got, want)
	}
}

func TestResolveCapsAtPlatformMax(t *testing.T) {
	r := NewResolver(testPlatform(), config.LocalCacheConfig{})
	svc := &registry.ServiceRegistration{
		ServiceID: "svc-a",
		RateLimitConfig: &registry.RateLimitConfig{
			RateLimitRule: config.RateLimitRule{RequestsPerWindow: 999999, WindowSeconds: 60, BurstCapacity: 999999},
		},
	}
	got := r.ResolveHTTP(registry.RouteLookupResult{Kind: registry.KindServiceOnly, Service: svc})
	if got.RequestsPerWindow != 5000 || got.BurstCapacity != 5000 {
		t.Fatalf("ResolveHTTP = %+v, want capped at 5000", got)
	}
}

func TestResolveWebSocketSubtrees(t *testing.T) {
	r := NewResolver(testPlatform(), config.LocalCacheConfig{})
	svc := &registry.ServiceRegistration{
		ServiceID: "svc-a",
		RateLimitConfig: &registry.RateLimitConfig{
			WebSocket: &config.WebSocketLimits{
				Connection: config.RateLimitRule{RequestsPerWindow: 5, WindowSeconds: 60},
			},
		},
	}

	conn := r.ResolveWSConnection(svc)
	if conn.RequestsPerWindow != 5 {
		t.Errorf("ws connection limit = %+v, want service override 5", conn)
	}
	msg := r.ResolveWSMessage(svc, nil)
	if msg.RequestsPerWindow != 600 {
		t.Errorf("ws message limit = %+v, want platform 600", msg)
	}
}

func TestResolveAuth(t *testing.T) {
	r := NewResolver(testPlatform(), config.LocalCacheConfig{})
	got := r.ResolveAuth()
	if got.RequestsPerWindow != 30 || got.WindowSeconds != 60 {
		t.Fatalf("ResolveAuth = %+v, want 30/60", got)
	}
}

func TestResolverInvalidate(t *testing.T) {
	r := NewResolver(testPlatform(), config.LocalCacheConfig{})
	svc := &registry.ServiceRegistration{
		ServiceID: "svc-a",
		RateLimitConfig: &registry.RateLimitConfig{
			RateLimitRule: config.RateLimitRule{RequestsPerWindow: 100},
		},
	}
	res := registry.RouteLookupResult{Kind: registry.KindServiceOnly, Service: svc}
	if got := r.ResolveHTTP(res); got.RequestsPerWindow != 100 {
		t.Fatalf("ResolveHTTP = %+v", got)
	}

	// The stale cached merge survives a config change until invalidated.
	svc2 := svc.Clone()
	svc2.RateLimitConfig.RateLimitRule.RequestsPerWindow = 200
	res2 := registry.RouteLookupResult{Kind: registry.KindServiceOnly, Service: svc2}
	if got := r.ResolveHTTP(res2); got.RequestsPerWindow != 100 {
		t.Fatalf("expected cached merge, got %+v", got)
	}
	r.Invalidate("svc-a")
	if got := r.ResolveHTTP(res2); got.RequestsPerWindow != 200 {
		t.Fatalf("after invalidate got %+v, want 200", got)
	}

	// Invalidating an absent service is a no-op.
	r.Invalidate("missing")
}

func TestSetPlatformPurges(t *testing.T) {
	r := NewResolver(testPlatform(), config.LocalCacheConfig{})
	svc := &registry.ServiceRegistration{ServiceID: "svc-a"}
	res := registry.RouteLookupResult{Kind: registry.KindServiceOnly, Service: svc}
	if got := r.ResolveHTTP(res); got.RequestsPerWindow != 1000 {
		t.Fatalf("ResolveHTTP = %+v", got)
	}

	p := testPlatform()
	p.Platform.RequestsPerWindow = 50
	r.SetPlatform(p)
	if got := r.ResolveHTTP(res); got.RequestsPerWindow != 50 {
		t.Fatalf("after SetPlatform got %+v, want 50", got)
	}
}
