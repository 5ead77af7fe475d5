package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/logging"
)

const (
	redisKeyPrefix     = "aussie:sess:"
	redisUserPrefix    = "aussie:sess:user:"
	invalidatedChannel = "aussie:sess:invalidated"
)

// RedisStore shares sessions across gateway instances. Invalidations
// propagate through pub/sub so every instance can close bound
// WebSockets.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates the store from platform config.
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}))
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: corrupt session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKeyPrefix+sess.ID, raw, ttl)
	if sess.UserID != "" {
		pipe.SAdd(ctx, redisUserPrefix+sess.UserID, sess.ID)
		pipe.ExpireAt(ctx, redisUserPrefix+sess.UserID, sess.ExpiresAt.Add(time.Hour))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: redis put: %w", err)
	}
	return nil
}

// UpdateLastAccessed rewrites the stored document keeping its TTL. The
// read-modify-write is not transactional; last-accessed only moves
// forward, so a lost update costs nothing but idle-timeout slack.
func (s *RedisStore) UpdateLastAccessed(ctx context.Context, id string, t time.Time) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Before(sess.LastAccessedAt) {
		return nil
	}
	sess.LastAccessedAt = t
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+id, raw, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("session: redis update: %w", err)
	}
	return nil
}

func (s *RedisStore) Invalidate(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisKeyPrefix+id)
	if sess.UserID != "" {
		pipe.SRem(ctx, redisUserPrefix+sess.UserID, id)
	}
	pipe.Publish(ctx, invalidatedChannel, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: redis invalidate: %w", err)
	}
	return nil
}

func (s *RedisStore) InvalidateUser(ctx context.Context, userID string) error {
	ids, err := s.client.SMembers(ctx, redisUserPrefix+userID).Result()
	if err != nil {
		return fmt.Errorf("session: redis user lookup: %w", err)
	}
	for _, id := range ids {
		if err := s.Invalidate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// WatchInvalidations subscribes to the invalidation channel, resubscribing
// with backoff after connection loss. Events published during a gap are
// lost; affected WebSockets then close on their next session check.
func (s *RedisStore) WatchInvalidations(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0
		for {
			sub := s.client.Subscribe(ctx, invalidatedChannel)
			ch := sub.Channel()
			for msg := range ch {
				bo.Reset()
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					sub.Close()
					return
				}
			}
			sub.Close()
			if ctx.Err() != nil {
				return
			}
			logging.Warn("session invalidation subscription lost, reconnecting",
				zap.String("channel", invalidatedChannel))
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
