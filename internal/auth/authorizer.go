package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aussielabs/aussie/internal/apikey"
	"github.com/aussielabs/aussie/internal/deadline"
	"github.com/aussielabs/aussie/internal/logging"
	"github.com/aussielabs/aussie/internal/ratelimit"
	"github.com/aussielabs/aussie/internal/registry"
	"github.com/aussielabs/aussie/internal/session"
)

// ResultKind discriminates RouteAuthResult.
type ResultKind int

const (
	// ResultNotRequired: public route, request proceeds unauthenticated.
	ResultNotRequired ResultKind = iota
	// ResultAuthenticated: a gateway token was issued for forwarding.
	ResultAuthenticated
	// ResultUnauthorized: missing or invalid credentials on a protected
	// route.
	ResultUnauthorized
	// ResultForbidden: valid identity, permission policy denies the
	// operation.
	ResultForbidden
	// ResultBadRequest: contradictory credentials on one request.
	ResultBadRequest
	// ResultRateLimited: too many validation attempts from this client.
	ResultRateLimited
)

// RouteAuthResult is the outcome of authorizing one request against a
// resolved route.
type RouteAuthResult struct {
	Kind ResultKind

	Token     SessionToken
	Principal *Principal
	SessionID string

	// KeyID and KeyName are set when the caller authenticated with an
	// API key; the proxy forwards them as X-Aussie-Key-* headers.
	KeyID   string
	KeyName string

	// Reason is set for Unauthorized, Forbidden, and BadRequest.
	Reason string

	// Decision carries the limiter verdict for ResultRateLimited.
	Decision ratelimit.Decision
}

// Options wires the authorizer's collaborators.
type Options struct {
	Sessions session.Store
	APIKeys  apikey.Store
	// Bearer is nil when no IdP is configured; bearer credentials are
	// then rejected.
	Bearer *BearerValidator
	Issuer *Issuer

	CookieName  string
	IdleTimeout time.Duration

	// StoreTimeout bounds one session or key store lookup. Zero means
	// 2 seconds.
	StoreTimeout time.Duration

	// Limiter and Resolver throttle credential-validation attempts
	// under the auth:{client} scope. Both optional.
	Limiter  *ratelimit.Limiter
	Resolver *ratelimit.Resolver

	// OnAuthFailure observes failed validation attempts for security
	// events. Optional.
	OnAuthFailure func(clientID, credential, reason string)
}

// Authorizer runs the identity pipeline: extract, throttle, validate,
// check permissions, issue.
type Authorizer struct {
	opts Options
	now  func() time.Time
}

// New creates an authorizer.
func New(opts Options) *Authorizer {
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	return &Authorizer{opts: opts, now: time.Now}
}

// SetClock replaces the time source for tests.
func (a *Authorizer) SetClock(now func() time.Time) { a.now = now }

// Authorize resolves the request's identity against the matched route.
// clientID is the trusted-proxy-aware caller identity used for the
// attempt throttle.
func (a *Authorizer) Authorize(ctx context.Context, r *http.Request, route registry.RouteLookupResult, clientID string) RouteAuthResult {
	creds, err := ExtractCredentials(r, a.opts.CookieName)
	if err != nil {
		return RouteAuthResult{Kind: ResultBadRequest, Reason: "both bearer token and session cookie present"}
	}

	if creds.Kind == CredentialNone {
		if route.AuthRequired {
			a.failure(clientID, creds, "missing credentials")
			return RouteAuthResult{Kind: ResultUnauthorized, Reason: "missing credentials"}
		}
		return RouteAuthResult{Kind: ResultNotRequired}
	}

	if a.opts.Limiter != nil && a.opts.Resolver != nil {
		key := ratelimit.Key{ClientID: clientID, Scope: ratelimit.ScopeAuth(clientID)}
		d := a.opts.Limiter.Check(ctx, key, a.opts.Resolver.ResolveAuth())
		if !d.Allowed {
			return RouteAuthResult{Kind: ResultRateLimited, Decision: d}
		}
	}

	principal, source, sessionID, keyMeta, verr := a.validate(ctx, creds)
	if verr != nil {
		a.failure(clientID, creds, verr.Error())
		if route.AuthRequired {
			return RouteAuthResult{Kind: ResultUnauthorized, Reason: verr.Error()}
		}
		// Public route: a bad credential downgrades to anonymous.
		logging.Debug("ignoring invalid credential on public route",
			zap.String("credential", creds.Kind.String()), zap.String("reason", verr.Error()))
		return RouteAuthResult{Kind: ResultNotRequired}
	}

	if res, denied := a.checkPermissions(principal, route); denied {
		return res
	}

	audience := ""
	if route.Endpoint != nil {
		audience = route.Endpoint.Audience
	}
	if audience == "" && route.Service != nil {
		audience = route.Service.ServiceID
	}

	token, err := a.opts.Issuer.Issue(principal.ID, source, audience, 0, sessionID)
	if err != nil {
		logging.Error("token issuance failed", zap.Error(err))
		return RouteAuthResult{Kind: ResultUnauthorized, Reason: "token issuance failed"}
	}

	return RouteAuthResult{
		Kind:      ResultAuthenticated,
		Token:     token,
		Principal: principal,
		SessionID: sessionID,
		KeyID:     keyMeta[0],
		KeyName:   keyMeta[1],
	}
}

// checkPermissions applies the service's permission policy when the
// endpoint names an operation.
func (a *Authorizer) checkPermissions(p *Principal, route registry.RouteLookupResult) (RouteAuthResult, bool) {
	if route.Endpoint == nil || route.Endpoint.Operation == "" || route.Service == nil {
		return RouteAuthResult{}, false
	}
	rule, ok := route.Service.PermissionPolicy[route.Endpoint.Operation]
	if !ok {
		return RouteAuthResult{}, false
	}
	if !p.HasPermission(rule.AnyOfPermissions) {
		return RouteAuthResult{Kind: ResultForbidden, Reason: "insufficient permissions"}, true
	}
	return RouteAuthResult{}, false
}

// validate turns a credential into a principal plus the claim source
// for token issuance. keyMeta is {keyID, keyName} for API keys.
func (a *Authorizer) validate(ctx context.Context, creds Credentials) (*Principal, map[string]any, string, [2]string, error) {
	var none [2]string
	switch creds.Kind {
	case CredentialSession:
		p, source, err := a.validateSession(ctx, creds.SessionID)
		return p, source, creds.SessionID, none, err
	case CredentialBearer:
		p, source, err := a.validateBearer(ctx, creds.Bearer)
		return p, source, "", none, err
	case CredentialAPIKey:
		p, source, meta, err := a.validateAPIKey(ctx, creds)
		return p, source, "", meta, err
	}
	return nil, nil, "", none, fmt.Errorf("no credential")
}

func (a *Authorizer) validateSession(ctx context.Context, sessionID string) (*Principal, map[string]any, error) {
	sess, err := deadline.WithTimeout(ctx, a.opts.StoreTimeout, func(ctx context.Context) (*session.Session, error) {
		return a.opts.Sessions.Get(ctx, sessionID)
	})
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil, fmt.Errorf("unknown session")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("session lookup failed: %w", err)
	}
	now := a.now()
	if sess.Expired(now) {
		return nil, nil, fmt.Errorf("session expired")
	}
	if sess.Idle(now, a.opts.IdleTimeout) {
		return nil, nil, fmt.Errorf("session idle timeout")
	}
	deadline.WithTimeoutSilent(ctx, a.opts.StoreTimeout, func(ctx context.Context) error {
		return a.opts.Sessions.UpdateLastAccessed(ctx, sessionID, now)
	})

	source := make(map[string]any, len(sess.Claims)+3)
	for k, v := range sess.Claims {
		source[k] = v
	}
	source["sub"] = sess.UserID
	if sess.UserName != "" {
		source["name"] = sess.UserName
	}
	if len(sess.Permissions) > 0 {
		source["effective_permissions"] = sess.Permissions
	}

	return &Principal{
		ID:          sess.UserID,
		Name:        sess.UserName,
		Type:        PrincipalUser,
		Attributes:  sess.Claims,
		Permissions: sess.Permissions,
	}, source, nil
}

func (a *Authorizer) validateBearer(ctx context.Context, raw string) (*Principal, map[string]any, error) {
	if a.opts.Bearer == nil {
		return nil, nil, fmt.Errorf("bearer tokens not accepted: no identity provider configured")
	}
	claims, err := a.opts.Bearer.Validate(ctx, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid bearer token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, nil, fmt.Errorf("bearer token has no subject")
	}
	name, _ := claims["name"].(string)
	return &Principal{
		ID:          sub,
		Name:        name,
		Type:        PrincipalUser,
		Attributes:  claims,
		Permissions: stringSlice(claims["effective_permissions"]),
	}, claims, nil
}

func (a *Authorizer) validateAPIKey(ctx context.Context, creds Credentials) (*Principal, map[string]any, [2]string, error) {
	var none [2]string
	if creds.APIKeySecret == "" {
		return nil, nil, none, fmt.Errorf("malformed api key credential")
	}
	key, err := deadline.WithTimeout(ctx, a.opts.StoreTimeout, func(ctx context.Context) (*apikey.Key, error) {
		return a.opts.APIKeys.Verify(ctx, creds.APIKeyID, creds.APIKeySecret)
	})
	if err != nil {
		return nil, nil, none, fmt.Errorf("invalid api key")
	}

	// Usage tracking is best-effort and off the request path.
	go deadline.WithTimeoutSilent(context.Background(), a.opts.StoreTimeout, func(ctx context.Context) error {
		return a.opts.APIKeys.RecordUse(ctx, key.ID, time.Now())
	})

	source := map[string]any{"sub": key.ID}
	if key.Name != "" {
		source["name"] = key.Name
	}
	if len(key.Permissions) > 0 {
		source["effective_permissions"] = key.Permissions
	}
	return &Principal{
		ID:          key.ID,
		Name:        key.Name,
		Type:        PrincipalService,
		Permissions: key.Permissions,
	}, source, [2]string{key.ID, key.Name}, nil
}

func (a *Authorizer) failure(clientID string, creds Credentials, reason string) {
	if a.opts.OnAuthFailure != nil {
		a.opts.OnAuthFailure(clientID, creds.Kind.String(), reason)
	}
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
