// Package session holds validated login sessions and the store port the
// auth pipeline reads them through.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown or already-invalidated sessions.
var ErrNotFound = errors.New("session: not found")

// Session is one authenticated login. Claims carry the identity
// attributes forwarded into issued tokens.
type Session struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName,omitempty"`
	Claims      map[string]any `json:"claims,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`

	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Expired reports whether the session's absolute lifetime has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Idle reports whether the session has been unused longer than the idle
// timeout.
func (s *Session) Idle(now time.Time, idleTimeout time.Duration) bool {
	if idleTimeout <= 0 || s.LastAccessedAt.IsZero() {
		return false
	}
	return now.Sub(s.LastAccessedAt) > idleTimeout
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.Claims != nil {
		c.Claims = make(map[string]any, len(s.Claims))
		for k, v := range s.Claims {
			c.Claims[k] = v
		}
	}
	c.Permissions = append([]string(nil), s.Permissions...)
	return &c
}

// Store is the persistence port for sessions. Writes to one session id
// are serialized by the implementation.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	UpdateLastAccessed(ctx context.Context, id string, t time.Time) error
	Invalidate(ctx context.Context, id string) error
	// InvalidateUser drops every session belonging to the user.
	InvalidateUser(ctx context.Context, userID string) error
	// WatchInvalidations streams ids of invalidated sessions; the
	// WebSocket pipeline closes connections bound to them.
	WatchInvalidations(ctx context.Context) (<-chan string, error)
	Close() error
}
