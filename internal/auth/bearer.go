package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/logging"
)

// BearerValidator verifies IdP-issued bearer tokens against the
// provider's JWKS, cached with TTL and background refresh.
type BearerValidator struct {
	cache  *jwk.Cache
	url    string
	parser *jwt.Parser
	cancel context.CancelFunc
}

// NewBearerValidator registers the IdP JWKS endpoint with a refreshing
// cache. An unreachable IdP at startup is logged, not fatal; validation
// fails until the first successful refresh.
func NewBearerValidator(cfg config.IDPConfig) (*BearerValidator, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("auth: idp jwks_url is required")
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = 15 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		cancel()
		return nil, fmt.Errorf("auth: register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		logging.Warn("initial JWKS fetch failed; bearer validation degraded until refresh",
			zap.String("url", cfg.JWKSURL), zap.Error(err))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.RequireAudience && cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &BearerValidator{
		cache:  cache,
		url:    cfg.JWKSURL,
		parser: jwt.NewParser(opts...),
		cancel: cancel,
	}, nil
}

// Close stops the background refresh.
func (v *BearerValidator) Close() { v.cancel() }

// Validate parses and verifies a bearer token, returning its claims.
// exp and nbf are enforced by the parser.
func (v *BearerValidator) Validate(ctx context.Context, raw string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, v.keyFor(ctx))
	if err != nil {
		return nil, fmt.Errorf("auth: bearer validation: %w", err)
	}
	return claims, nil
}

// keyFor resolves the verification key by kid from the cached JWKS.
func (v *BearerValidator) keyFor(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		set, err := v.cache.Get(kctx, v.url)
		if err != nil {
			return nil, fmt.Errorf("jwks unavailable: %w", err)
		}

		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			if set.Len() == 0 {
				return nil, fmt.Errorf("no kid in token and empty jwks")
			}
			key, _ := set.Key(0)
			var raw any
			if err := key.Raw(&raw); err != nil {
				return nil, fmt.Errorf("extract key: %w", err)
			}
			return raw, nil
		}

		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("key %q not in jwks", kid)
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("extract key %q: %w", kid, err)
		}
		return raw, nil
	}
}
