package apikey

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aussielabs/aussie/config"
)

// MemoryStore keeps keys in a mutex-guarded map. Bootstrap keys from
// config are seeded at construction so a fresh install can reach the
// admin API.
type MemoryStore struct {
	mu        sync.RWMutex
	keys      map[string]*Key
	hashBytes int
}

// NewMemoryStore creates the store and seeds the bootstrap keys.
func NewMemoryStore(cfg config.APIKeysConfig) *MemoryStore {
	hashBytes := cfg.HashBytes
	if hashBytes <= 0 {
		hashBytes = 16
	}
	s := &MemoryStore{
		keys:      make(map[string]*Key),
		hashBytes: hashBytes,
	}
	for _, b := range cfg.Bootstrap {
		if b.ID == "" || b.Secret == "" {
			continue
		}
		s.keys[b.ID] = &Key{
			ID:         b.ID,
			Name:       b.Name,
			SecretHash: hashSecret(b.Secret, hashBytes),
			// Bootstrap keys carry the admin wildcard.
			Permissions: []string{"*"},
			CreatedAt:   time.Now(),
		}
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, name string, permissions []string) (*Key, string, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, "", err
	}
	k := &Key{
		ID:          newKeyID(),
		Name:        name,
		SecretHash:  hashSecret(secret, s.hashBytes),
		Permissions: append([]string(nil), permissions...),
		CreatedAt:   time.Now(),
	}
	s.mu.Lock()
	s.keys[k.ID] = k
	s.mu.Unlock()
	return k.clone(), secret, nil
}

func (s *MemoryStore) Get(ctx context.Context, keyID string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	return k.clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Key, error) {
	s.mu.RLock()
	out := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Verify checks the secret in constant time. The comparison runs even
// for revoked keys so revocation is not observable through timing.
func (s *MemoryStore) Verify(ctx context.Context, keyID, secret string) (*Key, error) {
	s.mu.RLock()
	k, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	match := verifyHash(k.SecretHash, secret, s.hashBytes)
	if k.Revoked {
		return nil, ErrRevoked
	}
	if !match {
		return nil, ErrMismatch
	}
	return k.clone(), nil
}

func (s *MemoryStore) Revoke(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	k.Revoked = true
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, keyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[keyID]; !ok {
		return false, nil
	}
	delete(s.keys, keyID)
	return true, nil
}

func (s *MemoryStore) RecordUse(ctx context.Context, keyID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[keyID]; ok && t.After(k.LastUsedAt) {
		k.LastUsedAt = t
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
