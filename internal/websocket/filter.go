// Package websocket admits, upgrades, and relays WebSocket traffic
// between clients and registered backends. Admission runs before the
// upgrade so a denied connection gets an ordinary HTTP 429; after the
// upgrade the client leg is parsed at frame boundaries so the message
// throttle and session invalidation can close with application codes.
package websocket

import (
	"net/http"
	"strings"

	"github.com/aussielabs/aussie/internal/problem"
	"github.com/aussielabs/aussie/internal/ratelimit"
	"github.com/aussielabs/aussie/internal/registry"
)

// GatewayServiceID is the reserved service id for gateway-owned
// WebSocket endpoints under /gateway.
const GatewayServiceID = "gateway"

// IsUpgradeRequest reports whether the request asks for a WebSocket
// upgrade: Upgrade: websocket with Connection naming upgrade, both
// case-insensitive.
func IsUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, line := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(line, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

// Filter is the pre-upgrade admission check. It runs after CORS and
// before auth so a denied connection is rejected with rate-limit
// headers while the response is still plain HTTP.
type Filter struct {
	Registry *registry.Registry
	Limiter  *ratelimit.Limiter
	Resolver *ratelimit.Resolver

	// OnDeny observes denied upgrades for security events. Optional.
	OnDeny func(clientID, serviceID string, d ratelimit.Decision)
}

// Admit returns true when the request may proceed down the pipeline.
// Non-upgrade requests and reserved gateway paths pass untouched; a
// denied upgrade is answered with 429 and false.
func (f *Filter) Admit(w http.ResponseWriter, r *http.Request, clientID string) bool {
	if !IsUpgradeRequest(r) {
		return true
	}
	seg := firstSegment(r.URL.Path)
	if seg == "" || seg == "admin" || seg == "q" {
		return true
	}

	var svc *registry.ServiceRegistration
	serviceID := GatewayServiceID
	if seg != GatewayServiceID {
		res := f.Registry.MatchRoute(r.URL.Path, r.Method)
		if res.Service == nil {
			// Unknown service: let the HTTP path produce the 404.
			return true
		}
		svc, serviceID = res.Service, res.Service.ServiceID
	}

	eff := f.Resolver.ResolveWSConnection(svc)
	if eff.IsZero() {
		return true
	}
	d := f.Limiter.Check(r.Context(), ratelimit.Key{
		ClientID: clientID,
		Scope:    ratelimit.ScopeWSConnection(serviceID),
	}, eff)
	if d.Allowed {
		return true
	}

	d.ApplyHeaders(w.Header())
	problem.TooManyRequests.
		WithDetail("websocket connection rate exceeded").
		WithRateLimit(d.Limit, d.Remaining, d.ResetAt, d.RetryAfter).
		WriteJSON(w)
	if f.OnDeny != nil {
		f.OnDeny(clientID, serviceID, d)
	}
	return false
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
