// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisConfig configures the client built by NewRedisClient.
	RedisConfig struct {
		// Addrs lists the nodes to connect to. More than one
		// address selects a cluster client.
		Addrs    []string
		Password string
		DB       int
		PoolSize int

		MaxRetries  int
		DialTimeout time.Duration
	}

	// RedisBackend stores counters as plain keys and marker sets as
	// sorted sets scored by acceptance time.
	RedisBackend struct {
		client redis.UniversalClient

		closeOnce sync.Once
		closeErr  error
	}
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 1
	defaultRedisDialTimeout = 2 * time.Second
)

var (
	_ AtomicBackend = (*RedisBackend)(nil)

	// The expiry is set by the increment creating the counter only.
	incrWithExpiryScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

	// Markers scored strictly before now-window are removed, the
	// window is inclusive of its lower bound.
	slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
local count = redis.call('ZCARD', key)

local inserted = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  count = count + 1
  inserted = 1
end

local oldest = 0
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first ~= nil and #first >= 2 then
  oldest = tonumber(first[2])
end

return {inserted, count, oldest}
`)
)

// NewRedisClient returns a single node client, or a cluster client
// when more than one address is configured. Commands are bounded by
// the deadline of their context.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("at least one redis address is required")
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultRedisPoolSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultRedisMaxRetries
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultRedisDialTimeout
	}

	if len(cfg.Addrs) > 1 {
		return redis.NewClusterClient(
			&redis.ClusterOptions{
				Addrs:       cfg.Addrs,
				Password:    cfg.Password,
				PoolSize:    cfg.PoolSize,
				MaxRetries:  cfg.MaxRetries,
				DialTimeout: cfg.DialTimeout,

				ContextTimeoutEnabled: true,
			},
		), nil
	}

	return redis.NewClient(
		&redis.Options{
			Addr:        cfg.Addrs[0],
			Password:    cfg.Password,
			DB:          cfg.DB,
			PoolSize:    cfg.PoolSize,
			MaxRetries:  cfg.MaxRetries,
			DialTimeout: cfg.DialTimeout,

			ContextTimeoutEnabled: true,
		},
	), nil
}

// NewRedisBackend returns a backend using client. The backend owns
// the client and closes it on Close.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Name() string {
	return "redis"
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the client. It is idempotent.
func (b *RedisBackend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.client.Close()
	})

	return b.closeErr
}

func (b *RedisBackend) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrWithExpiryScript.Run(ctx, b.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("cannot increment %q: %w", key, err)
	}

	return n, nil
}

func (b *RedisBackend) Trim(ctx context.Context, key string, cutoff int64) (MarkerSet, error) {
	var (
		card  *redis.IntCmd
		first *redis.ZSliceCmd
	)

	_, err := b.client.Pipelined(
		ctx,
		func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
			card = pipe.ZCard(ctx, key)
			first = pipe.ZRangeWithScores(ctx, key, 0, 0)
			return nil
		},
	)
	if err != nil {
		return MarkerSet{}, fmt.Errorf("cannot trim %q: %w", key, err)
	}

	return markerSet(card, first), nil
}

func (b *RedisBackend) Insert(ctx context.Context, key string, m Marker, ttl time.Duration) (MarkerSet, error) {
	var (
		card  *redis.IntCmd
		first *redis.ZSliceCmd
	)

	_, err := b.client.Pipelined(
		ctx,
		func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(m.Score), Member: m.Member})
			pipe.PExpire(ctx, key, ttl)
			card = pipe.ZCard(ctx, key)
			first = pipe.ZRangeWithScores(ctx, key, 0, 0)
			return nil
		},
	)
	if err != nil {
		return MarkerSet{}, fmt.Errorf("cannot insert marker in %q: %w", key, err)
	}

	return markerSet(card, first), nil
}

func (b *RedisBackend) CheckAndInsert(
	ctx context.Context,
	key string,
	m Marker,
	window time.Duration,
	limit int64,
) (bool, MarkerSet, error) {
	res, err := slidingWindowScript.Run(
		ctx,
		b.client,
		[]string{key},
		m.Score,
		window.Milliseconds(),
		limit,
		m.Member,
	).Result()
	if err != nil {
		return false, MarkerSet{}, fmt.Errorf("cannot run sliding window script on %q: %w", key, err)
	}

	values, ok := res.([]any)
	if !ok || len(values) != 3 {
		return false, MarkerSet{}, fmt.Errorf("unexpected sliding window script result: %T", res)
	}

	var ints [3]int64
	for i, v := range values {
		n, err := asInt64(v)
		if err != nil {
			return false, MarkerSet{}, fmt.Errorf("cannot parse sliding window script result: %w", err)
		}
		ints[i] = n
	}

	return ints[0] == 1, MarkerSet{Count: ints[1], Oldest: ints[2]}, nil
}

func markerSet(card *redis.IntCmd, first *redis.ZSliceCmd) MarkerSet {
	set := MarkerSet{Count: card.Val()}
	if z := first.Val(); len(z) > 0 {
		set.Oldest = int64(z[0].Score)
	}

	return set
}

func asInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse int64 from %q: %w", x, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}
