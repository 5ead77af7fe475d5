// Package memory provides the in-process registration store.
package memory

import (
	"context"
	"sync"

	"github.com/aussielabs/aussie/internal/registry"
)

// Store keeps registrations in a mutex-guarded map. Version semantics
// match the etcd store so the facade behaves identically on both.
type Store struct {
	mu       sync.RWMutex
	services map[string]*registry.ServiceRegistration
	watchers []chan registry.Event
	closed   bool
}

// New creates an empty store.
func New() *Store {
	return &Store{services: make(map[string]*registry.ServiceRegistration)}
}

// List returns copies of all stored registrations.
func (s *Store) List(ctx context.Context) ([]*registry.ServiceRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*registry.ServiceRegistration, 0, len(s.services))
	for _, reg := range s.services {
		out = append(out, reg.Clone())
	}
	return out, nil
}

// Get returns a copy of one registration.
func (s *Store) Get(ctx context.Context, serviceID string) (*registry.ServiceRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.services[serviceID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return reg.Clone(), nil
}

// Put stores a registration. expectedVersion 0 creates; a non-zero value
// replaces only while the stored version still matches.
func (s *Store) Put(ctx context.Context, reg *registry.ServiceRegistration, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.services[reg.ServiceID]
	if expectedVersion == 0 {
		if exists {
			return registry.ErrVersionConflict
		}
	} else {
		if !exists {
			return registry.ErrNotFound
		}
		if current.Version != expectedVersion {
			return registry.ErrVersionConflict
		}
	}

	stored := reg.Clone()
	s.services[reg.ServiceID] = stored
	s.notify(registry.Event{Type: registry.EventPut, ServiceID: reg.ServiceID, Service: stored.Clone()})
	return nil
}

// Delete removes a registration, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, serviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[serviceID]; !ok {
		return false, nil
	}
	delete(s.services, serviceID)
	s.notify(registry.Event{Type: registry.EventDelete, ServiceID: serviceID})
	return true, nil
}

// Watch subscribes to store changes. The channel closes when ctx ends or
// the store closes.
func (s *Store) Watch(ctx context.Context) (<-chan registry.Event, error) {
	s.mu.Lock()
	ch := make(chan registry.Event, 16)
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.removeWatcher(ch)
	}()

	return ch, nil
}

func (s *Store) removeWatcher(ch chan registry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.watchers {
		if w == ch {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			close(ch)
			break
		}
	}
}

// notify fans out without blocking; a slow consumer misses events and
// recovers on its next resync. Caller must hold the lock.
func (s *Store) notify(ev registry.Event) {
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all watcher channels.
func (s *Store) Close() error {
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
