// Package apikey manages gateway API keys: creation, lookup by key id,
// constant-time secret verification, and revocation.
//
// A credential on the wire is "{keyId}.{secret}". Only the truncated
// SHA-256 of the secret is stored.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aussielabs/aussie/internal/hashutil"
)

// Errors returned by Verify and the store.
var (
	ErrNotFound = errors.New("apikey: not found")
	ErrRevoked  = errors.New("apikey: revoked")
	ErrMismatch = errors.New("apikey: secret mismatch")
)

// Key is one stored API key. The secret itself never persists.
type Key struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	SecretHash  string    `json:"-"`
	Permissions []string  `json:"permissions,omitempty"`
	Revoked     bool      `json:"revoked"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt,omitempty"`
}

func (k *Key) clone() *Key {
	c := *k
	c.Permissions = append([]string(nil), k.Permissions...)
	return &c
}

// SplitCredential separates "{keyId}.{secret}". ok is false when the
// value has no separator.
func SplitCredential(v string) (keyID, secret string, ok bool) {
	i := strings.IndexByte(v, '.')
	if i <= 0 || i == len(v)-1 {
		return "", "", false
	}
	return v[:i], v[i+1:], true
}

// Store is the key persistence port.
type Store interface {
	// Create mints a key and returns it together with the one-time
	// plaintext secret.
	Create(ctx context.Context, name string, permissions []string) (*Key, string, error)
	Get(ctx context.Context, keyID string) (*Key, error)
	List(ctx context.Context) ([]*Key, error)
	// Verify checks the secret against the stored hash in constant time.
	Verify(ctx context.Context, keyID, secret string) (*Key, error)
	Revoke(ctx context.Context, keyID string) error
	Delete(ctx context.Context, keyID string) (bool, error)
	// RecordUse notes a successful authentication; callers fire and
	// forget.
	RecordUse(ctx context.Context, keyID string, t time.Time) error
	Close() error
}

// hashSecret is the shared stored-hash derivation.
func hashSecret(secret string, hashBytes int) string {
	return hashutil.TruncatedSHA256(secret, hashBytes)
}

// verifyHash compares in constant time regardless of where the strings
// differ.
func verifyHash(stored, secret string, hashBytes int) bool {
	computed := hashSecret(secret, hashBytes)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(computed)) == 1
}

// newSecret returns a fresh random secret.
func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// newKeyID returns a URL-safe key id.
func newKeyID() string {
	return "ak-" + uuid.NewString()
}
