package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in a mutex-guarded map with a janitor that
// sweeps expired entries. It is the default single-instance store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]bool
	watchers []chan string
	closed   bool

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// NewMemoryStore creates the store and starts its janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]bool),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go s.janitor(time.Minute)
	return s
}

// SetClock replaces the time source for tests. Call before use.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

// Get returns a copy of the session, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Put stores a session, replacing any previous state for the id.
func (s *MemoryStore) Put(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := sess.Clone()
	if old, ok := s.sessions[sess.ID]; ok && old.UserID != stored.UserID {
		s.unindex(old)
	}
	s.sessions[sess.ID] = stored
	if stored.UserID != "" {
		ids, ok := s.byUser[stored.UserID]
		if !ok {
			ids = make(map[string]bool)
			s.byUser[stored.UserID] = ids
		}
		ids[stored.ID] = true
	}
	return nil
}

// UpdateLastAccessed bumps the idle clock for a live session.
func (s *MemoryStore) UpdateLastAccessed(ctx context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastAccessedAt = t
	return nil
}

// Invalidate drops the session and notifies watchers. Idempotent.
func (s *MemoryStore) Invalidate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop(id)
	return nil
}

// InvalidateUser drops every session of the user.
func (s *MemoryStore) InvalidateUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.byUser[userID] {
		s.drop(id)
	}
	return nil
}

// WatchInvalidations subscribes to invalidated session ids. The channel
// closes when ctx ends or the store closes.
func (s *MemoryStore) WatchInvalidations(ctx context.Context) (<-chan string, error) {
	s.mu.Lock()
	ch := make(chan string, 16)
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.removeWatcher(ch)
	}()
	return ch, nil
}

// Close stops the janitor and closes watcher channels.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	return nil
}

// drop removes one session and fans out the invalidation. Caller holds
// the lock.
func (s *MemoryStore) drop(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	s.unindex(sess)
	for _, ch := range s.watchers {
		select {
		case ch <- id:
		default:
		}
	}
}

// removeWatcher unsubscribes a watcher channel and closes it.
func (s *MemoryStore) removeWatcher(ch chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watchers {
		if w == ch {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (s *MemoryStore) unindex(sess *Session) {
	if sess.UserID == "" {
		return
	}
	ids := s.byUser[sess.UserID]
	delete(ids, sess.ID)
	if len(ids) == 0 {
		delete(s.byUser, sess.UserID)
	}
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			for id, sess := range s.sessions {
				if sess.Expired(now) {
					s.drop(id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Len reports the live session count.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
