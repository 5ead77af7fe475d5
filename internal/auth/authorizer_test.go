package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/apikey"
	"github.com/aussielabs/aussie/internal/ratelimit"
	"github.com/aussielabs/aussie/internal/registry"
	"github.com/aussielabs/aussie/internal/session"
)

type authFixture struct {
	authorizer *Authorizer
	sessions   *session.MemoryStore
	keys       *apikey.MemoryStore
	issuer     *Issuer
}

func newAuthFixture(t *testing.T, mutate ...func(*Options)) *authFixture {
	t.Helper()
	sessions := session.NewMemoryStore()
	t.Cleanup(func() { sessions.Close() })
	keys := apikey.NewMemoryStore(config.APIKeysConfig{HashBytes: 16})
	iss := newTestIssuer(t)

	opts := Options{
		Sessions:    sessions,
		APIKeys:     keys,
		Issuer:      iss,
		IdleTimeout: 30 * time.Minute,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return &authFixture{
		authorizer: New(opts),
		sessions:   sessions,
		keys:       keys,
		issuer:     iss,
	}
}

func protectedRoute() registry.RouteLookupResult {
	return registry.RouteLookupResult{
		Kind:         registry.KindRouteMatch,
		Service:      &registry.ServiceRegistration{ServiceID: "svc-a"},
		Endpoint:     &registry.EndpointConfig{Path: "/things"},
		AuthRequired: true,
	}
}

func putSession(t *testing.T, f *authFixture, id, userID string, perms ...string) {
	t.Helper()
	now := time.Now()
	err := f.sessions.Put(context.Background(), &session.Session{
		ID:             id,
		UserID:         userID,
		Permissions:    perms,
		Claims:         map[string]any{"email": userID + "@example.com"},
		CreatedAt:      now,
		ExpiresAt:      now.Add(24 * time.Hour),
		LastAccessedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAuthorizeSessionHappyPath(t *testing.T) {
	f := newAuthFixture(t)
	putSession(t, f, "sess-1", "u1")

	r := httptest.NewRequest(http.MethodGet, "/svc-a/things", nil)
	r.AddCookie(&http.Cookie{Name: "aussie_session", Value: "sess-1"})

	res := f.authorizer.Authorize(context.Background(), r, protectedRoute(), "203.0.113.9")
	if res.Kind != ResultAuthenticated {
		t.Fatalf("Kind = %v (%s)", res.Kind, res.Reason)
	}
	if res.Principal.ID != "u1" || res.Principal.Type != PrincipalUser {
		t.Fatalf("Principal = %+v", res.Principal)
	}
	if res.SessionID != "sess-1" {
		t.Fatalf("SessionID = %q", res.SessionID)
	}
	claims := parseIssued(t, f.issuer, res.Token.Token)
	if claims["sub"] != "u1" || claims["aud"] != "svc-a" {
		t.Fatalf("token claims = %v", claims)
	}
	if claims["email"] != "u1@example.com" {
		t.Fatal("session claim not forwarded")
	}
}

func TestAuthorizeMissingCredentials(t *testing.T) {
	f := newAuthFixture(t)
	r := httptest.NewRequest(http.MethodGet, "/svc-a/things", nil)

	res := f.authorizer.Authorize(context.Background(), r, protectedRoute(), "203.0.113.9")
	if res.Kind != ResultUnauthorized {
		t.Fatalf("Kind = %v, want Unauthorized", res.Kind)
	}

	public := protectedRoute()
	public.AuthRequired = false
	res = f.authorizer.Authorize(context.Background(), r, public, "203.0.113.9")
	if res.Kind != ResultNotRequired {
		t.Fatalf("Kind = %v, want NotRequired", res.Kind)
	}
}

func TestAuthorizeAmbiguousCredentials(t *testing.T) {
	f := newAuthFixture(t)
	r := httptest.NewRequest(http.MethodGet, "/svc-a/things", nil)
	r.AddCookie(&http.Cookie{Name: "aussie_session", Value: "sess-1"})
	r.Header.Set("Authorization", "Bearer tok")

	res := f.authorizer.Authorize(context.Background(), r, protectedRoute(), "203.0.113.9")
	if res.Kind != ResultBadRequest {
		t.Fatalf("Kind = %v, want BadRequest", res.Kind)
	}
}

func TestAuthorizeExpiredAndIdleSessions(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	now := time.Now()

	f.sessions.Put(ctx, &session.Session{
		ID: "expired", UserID: "u1",
		ExpiresAt: now.Add(-time.Hour), LastAccessedAt: now,
	})
	f.sessions.Put(ctx, &session.Session{
		ID: "idle", UserID: "u1",
		ExpiresAt: now.Add(time.Hour), LastAccessedAt: now.Add(-2 * time.Hour),
	})

	for _, id := range []string{"expired", "idle", "unknown"} {
		r := httptest.NewRequest(http.MethodGet, "/svc-a/things", nil)
		r.AddCookie(&http.Cookie{Name: "aussie_session", Value: id})
		res := f.authorizer.Authorize(ctx, r, protectedRoute(), "203.0.113.9")
		if res.Kind != ResultUnauthorized {
			t.Errorf("session %q: Kind = %v, want Unauthorized", id, res.Kind)
		}
	}
}

func TestAuthorizeSessionTouchesLastAccessed(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	now := time.Now()
	f.sessions.Put(ctx, &session.Session{
		ID: "sess-1", UserID: "u1",
		ExpiresAt: now.Add(24 * time.Hour), LastAccessedAt: now.Add(-10 * time.Minute),
	})

	r := httptest.NewRequest(http.MethodGet, "/svc-a/things", nil)
	r.AddCookie(&http.Cookie{Name: "aussie_session", Value: "sess-1"})
	if res := f.authorizer.Authorize(ctx, r, protectedRoute(), "203.0.113.9"); res.Kind != ResultAuthenticated {
		t.Fatalf("Kind = %v", res.Kind)
	}

	got, _ := f.sessions.Get(ctx, "sess-1")
	if !got.LastAccessedAt.After(now.Add(-time.Minute)) {
		t.Fatalf("LastAccessedAt not updated: %v", got.LastAccessedAt)
	}
}

func TestAuthorizePermissionPolicy(t *testing.T) {
	f := newAuthFixture(t)
	route := protectedRoute()
	route.Service.PermissionPolicy = map[string]registry.PermissionRule{
		"cfg.write": {AnyOfPermissions: []string{"svc-a.admin"}},
	}
	route.Endpoint.Operation = "cfg.write"

	tests := []struct {
		name  string
		perms []string
		want  ResultKind
	}{
		{"insufficient", []string{"svc-a.readonly"}, ResultForbidden},
		{"exact", []string{"svc-a.admin"}, ResultAuthenticated},
		{"principal wildcard", []string{"*"}, ResultAuthenticated},
		{"none", nil, ResultForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			putSession(t, f, "sess-"+tt.name, "u1", tt.perms...)
			r := httptest.NewRequest(http.MethodGet, "/svc-a/things", nil)
			r.AddCookie(&http.Cookie{Name: "aussie_session", Value: "sess-" + tt.name})
			res := f.authorizer.Authorize(context.Background(), r, route, "203.0.113.9")
			if res.Kind != tt.want {
				t.Fatalf("Kind = %v, want %v (%s)", res.Kind, tt.want, res.Reason)
			}
			if tt.want == ResultForbidden && res.Reason != "insufficient permissions" {
				t.Fatalf("Reason = %q", res.Reason)
			}
		})
	}

	// A wildcard in the policy admits any authenticated principal.
	route.Service.PermissionPolicy["cfg.write"] = registry.PermissionRule{AnyOfPermissions: []string{"*"}}
	putSession(t, f, "sess-w", "u1", "anything.at.all")
	r := httptest.NewRequest(http.MethodGet, "/svc-a/things", nil)
	r.AddCookie(&http.Cookie{Name: "aussie_session", Value: "sess-w"})
	if res := f.authorizer.Authorize(context.Background(), r, route, "203.0.113.9"); res.Kind != ResultAuthenticated {
		t.Fatalf("policy wildcard: Kind = %v", res.Kind)
	}
}

func TestAuthorizeAPIKey(t *testing.T) {
	f := newAuthFixture(t)
	key, secret, err := f.keys.Create(context.Background(), "ci", []string{"svc-a.deploy"})
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodGet, "/svc-a/things", nil)
	r.Header.Set("X-API-Key-ID", key.ID+"."+secret)
	res := f.authorizer.Authorize(context.Background(), r, protectedRoute(), "203.0.113.9")
	if res.Kind != ResultAuthenticated {
		t.Fatalf("Kind = %v (%s)", res.Kind, res.Reason)
	}
	if res.Principal.Type != PrincipalService {
		t.Fatalf("Type = %v", res.Principal.Type)
	}
	if res.KeyID != key.ID || res.KeyName != "ci" {
		t.Fatalf("key meta = %q/%q", res.KeyID, res.KeyName)
	}

	r = httptest.NewRequest(http.MethodGet, "/svc-a/things", nil)
	r.Header.Set("X-API-Key-ID", key.ID+".wrong-secret")
	if res := f.authorizer.Authorize(context.Background(), r, protectedRoute(), "203.0.113.9"); res.Kind != ResultUnauthorized {
		t.Fatalf("wrong secret: Kind = %v", res.Kind)
	}
}

func TestAuthorizeAttemptThrottle(t *testing.T) {
	mem := ratelimit.NewMemoryProvider()
	t.Cleanup(func() { mem.Close() })
	limiter := ratelimit.NewLimiter(ratelimit.LimiterOptions{Primary: mem, Fallback: mem})
	resolver := ratelimit.NewResolver(config.RateLimitConfig{
		Auth: config.RateLimitRule{RequestsPerWindow: 2, WindowSeconds: 60},
	}, config.LocalCacheConfig{})

	f := newAuthFixture(t, func(o *Options) {
		o.Limiter = limiter
		o.Resolver = resolver
	})

	var res RouteAuthResult
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/svc-a/things", nil)
		r.AddCookie(&http.Cookie{Name: "aussie_session", Value: "nope"})
		res = f.authorizer.Authorize(context.Background(), r, protectedRoute(), "198.51.100.7")
	}
	if res.Kind != ResultRateLimited {
		t.Fatalf("Kind = %v, want RateLimited", res.Kind)
	}
	if res.Decision.RetryAfter < 1 {
		t.Fatalf("Decision.RetryAfter = %d", res.Decision.RetryAfter)
	}
}
