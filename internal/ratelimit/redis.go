package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aussielabs/aussie/config"
)

// tokenBucketScript runs the refill-and-consume step atomically in
// redis. State lives in a hash per key so every gateway instance sees
// the same bucket. Returns {allowed, remaining, resetEpochSeconds,
// retryAfterMs, requestCount}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local window_ms = tonumber(ARGV[3])
local burst = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_ms', 'win_ms', 'count')
local tokens = tonumber(state[1])
local last_ms = tonumber(state[2])
local win_ms = tonumber(state[3])
local count = tonumber(state[4])
if tokens == nil then
    tokens = burst
    last_ms = now_ms
    win_ms = now_ms
    count = 0
end

local elapsed = now_ms - last_ms
if elapsed > 0 then
    tokens = tokens + (elapsed / window_ms) * rate
    if tokens > burst then
        tokens = burst
    end
    last_ms = now_ms
end
if now_ms - win_ms >= window_ms then
    win_ms = now_ms
    count = 0
end
count = count + 1

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    retry_ms = math.ceil((1 - tokens) * window_ms / rate)
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', last_ms, 'win_ms', win_ms, 'count', count)
redis.call('PEXPIRE', key, window_ms * 2)

return {allowed, math.floor(tokens), math.floor((last_ms + window_ms) / 1000), retry_ms, count}
`)

// RedisProvider coordinates buckets across instances through a shared
// redis. Priority 10: selected over memory whenever reachable.
type RedisProvider struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisProvider creates the distributed provider from platform
// config.
func NewRedisProvider(cfg config.RedisConfig) *RedisProvider {
	return NewRedisProviderWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}))
}

// NewRedisProviderWithClient wraps an existing client; used by tests and
// by setups sharing one client with the session store.
func NewRedisProviderWithClient(client *redis.Client) *RedisProvider {
	return &RedisProvider{
		client: client,
		prefix: "aussie:rl:",
		now:    time.Now,
	}
}

func (p *RedisProvider) Name() string { return "redis" }

func (p *RedisProvider) Priority() int { return 10 }

// Available probes the server with a short ping; the loader calls this
// at selection time only.
func (p *RedisProvider) Available(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return p.client.Ping(pctx).Err() == nil
}

func (p *RedisProvider) Close() error { return p.client.Close() }

// Check runs the bucket script. Errors propagate to the caller, which
// fails open; admission never turns a redis outage into a 5xx.
func (p *RedisProvider) Check(ctx context.Context, key Key, eff Effective) (Decision, error) {
	res, err := tokenBucketScript.Run(ctx, p.client,
		[]string{p.prefix + key.String()},
		p.now().UnixMilli(),
		eff.RequestsPerWindow,
		int64(eff.WindowSeconds)*1000,
		eff.Burst(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis check: %w", err)
	}
	if len(res) != 5 {
		return Decision{}, fmt.Errorf("ratelimit: redis script returned %d values", len(res))
	}

	d := Decision{
		Allowed:      res[0] == 1,
		Limit:        int64(eff.RequestsPerWindow),
		Remaining:    res[1],
		ResetAt:      res[2],
		Window:       int64(eff.WindowSeconds),
		RequestCount: res[4],
	}
	if !d.Allowed {
		d.RetryAfter = (res[3] + 999) / 1000
		if d.RetryAfter < 1 {
			d.RetryAfter = 1
		}
		d.Remaining = 0
	}
	return d, nil
}
