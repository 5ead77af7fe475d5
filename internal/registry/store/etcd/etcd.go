// Package etcd provides the shared registration store used when several
// gateway instances must agree on the service catalog.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/logging"
	"github.com/aussielabs/aussie/internal/registry"
)

const defaultPrefix = "/aussie/services/"

// Store persists registrations as JSON values under a key prefix.
// Optimistic versioning maps to etcd transactions: creates compare the
// key's create revision against zero, updates compare the mod revision
// seen while reading back the current value.
type Store struct {
	client *clientv3.Client
	prefix string
}

// New connects to etcd and verifies the first endpoint responds.
func New(cfg config.EtcdConfig) (*Store, error) {
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	}
	if etcdCfg.DialTimeout == 0 {
		etcdCfg.DialTimeout = 5 * time.Second
	}
	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), etcdCfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) key(serviceID string) string {
	return s.prefix + serviceID
}

// List returns all stored registrations. Entries that no longer parse are
// skipped so one corrupt value cannot take the catalog down.
func (s *Store) List(ctx context.Context) ([]*registry.ServiceRegistration, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	out := make([]*registry.ServiceRegistration, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var reg registry.ServiceRegistration
		if err := json.Unmarshal(kv.Value, &reg); err != nil {
			logging.Warn("skipping malformed registration",
				zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		out = append(out, &reg)
	}
	return out, nil
}

// Get returns one registration by service id.
func (s *Store) Get(ctx context.Context, serviceID string) (*registry.ServiceRegistration, error) {
	resp, err := s.client.Get(ctx, s.key(serviceID))
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, registry.ErrNotFound
	}
	var reg registry.ServiceRegistration
	if err := json.Unmarshal(resp.Kvs[0].Value, &reg); err != nil {
		return nil, fmt.Errorf("malformed registration for %q: %w", serviceID, err)
	}
	return &reg, nil
}

// Put stores a registration under optimistic concurrency.
func (s *Store) Put(ctx context.Context, reg *registry.ServiceRegistration, expectedVersion int64) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal service: %w", err)
	}
	key := s.key(reg.ServiceID)

	if expectedVersion == 0 {
		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to register service: %w", err)
		}
		if !resp.Succeeded {
			return registry.ErrVersionConflict
		}
		return nil
	}

	get, err := s.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read service: %w", err)
	}
	if len(get.Kvs) == 0 {
		return registry.ErrNotFound
	}
	var current registry.ServiceRegistration
	if err := json.Unmarshal(get.Kvs[0].Value, &current); err != nil {
		return fmt.Errorf("malformed registration for %q: %w", reg.ServiceID, err)
	}
	if current.Version != expectedVersion {
		return registry.ErrVersionConflict
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", get.Kvs[0].ModRevision)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	if !resp.Succeeded {
		return registry.ErrVersionConflict
	}
	return nil
}

// Delete removes a registration, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, serviceID string) (bool, error) {
	resp, err := s.client.Delete(ctx, s.key(serviceID))
	if err != nil {
		return false, fmt.Errorf("failed to delete service: %w", err)
	}
	return resp.Deleted > 0, nil
}

// Watch streams changes under the prefix. The channel closes on context
// cancellation or watch failure; callers resync and watch again.
func (s *Store) Watch(ctx context.Context) (<-chan registry.Event, error) {
	out := make(chan registry.Event, 16)
	wch := s.client.Watch(ctx, s.prefix, clientv3.WithPrefix())

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-wch:
				if !ok {
					return
				}
				if resp.Err() != nil {
					// Compacted away or cancelled; force a resync.
					logging.Warn("etcd watch error", zap.Error(resp.Err()))
					return
				}
				for _, ev := range resp.Events {
					e, ok := s.translate(ev)
					if !ok {
						continue
					}
					select {
					case out <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

func (s *Store) translate(ev *clientv3.Event) (registry.Event, bool) {
	id := strings.TrimPrefix(string(ev.Kv.Key), s.prefix)
	switch ev.Type {
	case mvccpb.PUT:
		var reg registry.ServiceRegistration
		if err := json.Unmarshal(ev.Kv.Value, &reg); err != nil {
			logging.Warn("discarding malformed registration event",
				zap.String("key", string(ev.Kv.Key)), zap.Error(err))
			return registry.Event{}, false
		}
		return registry.Event{Type: registry.EventPut, ServiceID: id, Service: &reg}, true
	case mvccpb.DELETE:
		return registry.Event{Type: registry.EventDelete, ServiceID: id}, true
	}
	return registry.Event{}, false
}

// Close closes the etcd client.
func (s *Store) Close() error {
	return s.client.Close()
}
