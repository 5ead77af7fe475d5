package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/hashutil"
	"github.com/aussielabs/aussie/internal/logging"
)

// minTokenTTL is the floor on issued-token lifetime.
const minTokenTTL = time.Second

// Issuer mints the gateway's short-lived JWS for downstream
// consumption. Backends verify against the JWKS document the gateway
// serves.
type Issuer struct {
	key *rsa.PrivateKey
	kid string

	issuer          string
	maxTTL          time.Duration
	defaultTTL      time.Duration
	defaultAudience string
	forwardedClaims []string

	jwksJSON []byte

	now func() time.Time
}

// NewIssuer loads the signing key from config. Without a key file a
// fresh key is generated; fine for a single instance, useless for a
// fleet, hence the warning.
func NewIssuer(cfg config.JWSConfig) (*Issuer, error) {
	var key *rsa.PrivateKey
	var err error
	if cfg.SigningKeyFile != "" {
		key, err = loadRSAPrivateKey(cfg.SigningKeyFile)
		if err != nil {
			return nil, err
		}
	} else {
		logging.Warn("jws.signing_key_file not set; generating an ephemeral signing key")
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("auth: generate signing key: %w", err)
		}
	}

	kid := cfg.KeyID
	if kid == "" {
		kid = hashutil.TruncatedSHA256(key.PublicKey.N.String(), 8)
	}

	maxTTL := cfg.MaxTokenTTL
	if maxTTL <= 0 {
		maxTTL = 5 * time.Minute
	}
	defaultTTL := cfg.DefaultTokenTTL
	if defaultTTL <= 0 || defaultTTL > maxTTL {
		defaultTTL = maxTTL
	}
	forwarded := cfg.ForwardedClaims
	if len(forwarded) == 0 {
		forwarded = []string{"sub", "email", "name", "groups", "roles", "effective_permissions"}
	}

	iss := &Issuer{
		key:             key,
		kid:             kid,
		issuer:          cfg.Issuer,
		maxTTL:          maxTTL,
		defaultTTL:      defaultTTL,
		defaultAudience: cfg.DefaultAudience,
		forwardedClaims: forwarded,
		now:             time.Now,
	}
	if iss.issuer == "" {
		iss.issuer = "aussie-gateway"
	}
	if err := iss.buildJWKS(); err != nil {
		return nil, err
	}
	return iss, nil
}

// SetClock replaces the time source for tests.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// KeyID returns the active signing key id.
func (i *Issuer) KeyID() string { return i.kid }

// PublicKey exposes the verification key; tests use it to check issued
// tokens.
func (i *Issuer) PublicKey() *rsa.PublicKey { return &i.key.PublicKey }

// JWKS returns the serialized public key set served at the well-known
// endpoint.
func (i *Issuer) JWKS() []byte { return i.jwksJSON }

// Issue signs a token for the principal, forwarding the configured
// claim subset. audience falls back to the configured default; the TTL
// is clamped to [1s, maxTokenTTL].
func (i *Issuer) Issue(sub string, source map[string]any, audience string, requestedTTL time.Duration, sessionID string) (SessionToken, error) {
	now := i.now()

	ttl := requestedTTL
	if ttl <= 0 {
		ttl = i.defaultTTL
	}
	if ttl > i.maxTTL {
		ttl = i.maxTTL
	}
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}
	if audience == "" {
		audience = i.defaultAudience
	}

	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"iss": i.issuer,
		"sub": sub,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}

	var names []string
	for _, name := range i.forwardedClaims {
		if _, taken := claims[name]; taken {
			continue
		}
		if v, ok := source[name]; ok {
			claims[name] = v
			names = append(names, name)
		}
	}
	sort.Strings(names)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.kid
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return SessionToken{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return SessionToken{
		Token:      signed,
		ExpiresAt:  exp,
		SessionID:  sessionID,
		ClaimNames: names,
	}, nil
}

func (i *Issuer) buildJWKS() error {
	pub, err := jwk.FromRaw(&i.key.PublicKey)
	if err != nil {
		return fmt.Errorf("auth: export public key: %w", err)
	}
	pub.Set(jwk.KeyIDKey, i.kid)
	pub.Set(jwk.AlgorithmKey, "RS256")
	pub.Set(jwk.KeyUsageKey, "sig")

	set := jwk.NewSet()
	set.AddKey(pub)
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("auth: marshal jwks: %w", err)
	}
	i.jwksJSON = raw
	return nil
}

// loadRSAPrivateKey reads a PEM-encoded PKCS8 or PKCS1 private key.
func loadRSAPrivateKey(file string) (*rsa.PrivateKey, error) {
	pemData, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("auth: read signing key: %w", err)
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("auth: signing key file %s has no PEM block", file)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("auth: signing key is %T, want RSA", key)
		}
		return rsaKey, nil
	}
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse signing key: %w", err)
	}
	return rsaKey, nil
}
