package auth

import (
	"errors"
	"net/http"
	"strings"
)

// DefaultCookieName is the session cookie the gateway reads.
const DefaultCookieName = "aussie_session"

// Credential headers.
const (
	HeaderSessionID = "X-Session-ID"
	HeaderAPIKeyID  = "X-API-Key-ID"
)

// CredentialKind discriminates extracted credentials.
type CredentialKind int

const (
	CredentialNone CredentialKind = iota
	CredentialSession
	CredentialBearer
	CredentialAPIKey
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialSession:
		return "session"
	case CredentialBearer:
		return "bearer"
	case CredentialAPIKey:
		return "api_key"
	default:
		return "none"
	}
}

// ErrAmbiguousCredentials is returned when a bearer token and a session
// cookie arrive on the same request; the caller maps it to 400.
var ErrAmbiguousCredentials = errors.New("auth: both bearer token and session cookie present")

// Credentials is the raw credential material found on a request.
type Credentials struct {
	Kind CredentialKind

	SessionID    string
	Bearer       string
	APIKeyID     string
	APIKeySecret string
}

// ExtractCredentials reads the request's credential, stopping at the
// first hit: session cookie, X-Session-ID header, Authorization bearer,
// X-API-Key-ID. cookieName defaults to aussie_session.
func ExtractCredentials(r *http.Request, cookieName string) (Credentials, error) {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}

	var cookieSession string
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		cookieSession = c.Value
	}
	bearer := bearerToken(r.Header.Get("Authorization"))

	if cookieSession != "" && bearer != "" {
		return Credentials{}, ErrAmbiguousCredentials
	}
	if cookieSession != "" {
		return Credentials{Kind: CredentialSession, SessionID: cookieSession}, nil
	}
	if sid := strings.TrimSpace(r.Header.Get(HeaderSessionID)); sid != "" {
		return Credentials{Kind: CredentialSession, SessionID: sid}, nil
	}
	if bearer != "" {
		return Credentials{Kind: CredentialBearer, Bearer: bearer}, nil
	}
	if v := strings.TrimSpace(r.Header.Get(HeaderAPIKeyID)); v != "" {
		c := Credentials{Kind: CredentialAPIKey}
		if id, secret, ok := splitAPIKey(v); ok {
			c.APIKeyID, c.APIKeySecret = id, secret
		} else {
			c.APIKeyID = v
		}
		return c, nil
	}
	return Credentials{Kind: CredentialNone}, nil
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func splitAPIKey(v string) (string, string, bool) {
	i := strings.IndexByte(v, '.')
	if i <= 0 || i == len(v)-1 {
		return "", "", false
	}
	return v[:i], v[i+1:], true
}
