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

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/admission/clock"
	"go.gearno.de/admission/identity"
	"go.gearno.de/admission/policy"
	"go.gearno.de/admission/store"
)

var epoch = time.UnixMilli(1_700_000_000_000)

type (
	variant struct {
		backend func(t *testing.T) store.Backend
		options []Option
	}

	// barrierBackend holds every Trim until n of them are in flight,
	// forcing concurrent pipelined checks to interleave.
	barrierBackend struct {
		*store.MemoryBackend
		barrier sync.WaitGroup
	}

	// cancellingBackend cancels the request context once the trim
	// step completed.
	cancellingBackend struct {
		*store.MemoryBackend
		cancel context.CancelFunc
	}
)

func (b *barrierBackend) Trim(ctx context.Context, key string, cutoff int64) (store.MarkerSet, error) {
	set, err := b.MemoryBackend.Trim(ctx, key, cutoff)
	b.barrier.Done()
	b.barrier.Wait()

	return set, err
}

func (b *cancellingBackend) Trim(ctx context.Context, key string, cutoff int64) (store.MarkerSet, error) {
	set, err := b.MemoryBackend.Trim(ctx, key, cutoff)
	b.cancel()

	return set, err
}

func memoryBackend(t *testing.T) store.Backend {
	return store.NewMemoryBackend()
}

func redisBackend(t *testing.T) store.Backend {
	mr := miniredis.RunT(t)
	client, err := store.NewRedisClient(store.RedisConfig{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)

	return store.NewRedisBackend(client)
}

func newManager(t *testing.T, b store.Backend) *store.Manager {
	t.Helper()

	m := store.NewManager(
		b,
		store.WithRegisterer(prometheus.NewRegistry()),
		store.WithTimeout(time.Second),
	)
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func newPolicy(window time.Duration, maxRequests int) policy.Policy {
	return policy.Policy{
		Name:        "test",
		Route:       "/*",
		Window:      window,
		MaxRequests: maxRequests,
		Identity:    policy.PerAddress,
		Degrade:     policy.Open,
		Algorithm:   policy.Sliding,
		Namespace:   "ratelimit:test",
	}
}

func addr(ip string) identity.Identity {
	return identity.Identity{Scope: identity.ScopeAddress, Subject: ip}
}

func slidingVariants() map[string]variant {
	return map[string]variant{
		"memory/atomic":    {backend: memoryBackend},
		"memory/pipelined": {backend: memoryBackend, options: []Option{WithPipelined()}},
		"redis/atomic":     {backend: redisBackend},
		"redis/pipelined":  {backend: redisBackend, options: []Option{WithPipelined()}},
	}
}

func newSliding(t *testing.T, v variant, c clock.Clock) *SlidingWindow {
	t.Helper()

	options := append(
		[]Option{WithClock(c), WithRegisterer(prometheus.NewRegistry())},
		v.options...,
	)

	return NewSlidingWindow(newManager(t, v.backend(t)), options...)
}

func TestSlidingWindow_Scenario(t *testing.T) {
	for name, v := range slidingVariants() {
		t.Run(name, func(t *testing.T) {
			var (
				ctx = context.Background()
				c   = clock.NewVirtual(epoch)
				s   = newSliding(t, v, c)
				p   = newPolicy(time.Second, 5)
				id  = addr("192.0.2.1")
			)

			for i := range 5 {
				res, err := s.Check(ctx, id, p)
				require.NoError(t, err)
				assert.True(t, res.Allowed)
				assert.Equal(t, 5, res.Limit)
				assert.Equal(t, 4-i, res.Remaining)
				assert.Equal(t, epoch.Add(time.Second), res.ResetAt)
			}

			c.Advance(10 * time.Millisecond)
			res, err := s.Check(ctx, id, p)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)
			assert.Equal(t, epoch.Add(time.Second), res.ResetAt)

			c.Set(epoch.Add(1001 * time.Millisecond))
			res, err = s.Check(ctx, id, p)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, 4, res.Remaining)
		})
	}
}

func TestSlidingWindow_LowerBoundInclusive(t *testing.T) {
	c := clock.NewVirtual(epoch)
	s := newSliding(t, variant{backend: memoryBackend}, c)
	p := newPolicy(time.Second, 1)
	id := addr("192.0.2.1")

	res, err := s.Check(context.Background(), id, p)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	c.Advance(time.Second)
	res, err = s.Check(context.Background(), id, p)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	c.Advance(time.Millisecond)
	res, err = s.Check(context.Background(), id, p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindow_DenialsAreIdempotent(t *testing.T) {
	for name, v := range slidingVariants() {
		t.Run(name, func(t *testing.T) {
			var (
				ctx = context.Background()
				c   = clock.NewVirtual(epoch)
				s   = newSliding(t, v, c)
				p   = newPolicy(time.Minute, 3)
				id  = addr("192.0.2.1")
			)

			for range 3 {
				_, err := s.Check(ctx, id, p)
				require.NoError(t, err)
			}

			for range 10 {
				c.Advance(time.Second)

				res, err := s.Check(ctx, id, p)
				require.NoError(t, err)
				assert.False(t, res.Allowed)
				assert.Equal(t, 0, res.Remaining)
				assert.Equal(t, 3, res.Count)
				assert.Equal(t, epoch.Add(time.Minute), res.ResetAt)
			}

			set, err := s.manager.Namespace(p.Namespace).Trim(ctx, id.String(), 0)
			require.NoError(t, err)
			assert.Equal(t, int64(3), set.Count)
		})
	}
}

func TestSlidingWindow_IdentityIsolation(t *testing.T) {
	for name, v := range slidingVariants() {
		t.Run(name, func(t *testing.T) {
			var (
				ctx = context.Background()
				s   = newSliding(t, v, clock.NewVirtual(epoch))
				p   = newPolicy(time.Minute, 2)
			)

			for range 5 {
				_, err := s.Check(ctx, addr("192.0.2.1"), p)
				require.NoError(t, err)
			}

			res, err := s.Check(ctx, addr("192.0.2.2"), p)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, 1, res.Remaining)
		})
	}
}

func TestSlidingWindow_Tiers(t *testing.T) {
	s := newSliding(t, variant{backend: memoryBackend}, clock.NewVirtual(epoch))
	p := newPolicy(time.Minute, 1)
	p.Tiers = map[policy.Role]int{"admin": 3}

	admin := identity.Identity{Scope: identity.ScopeUser, Subject: "1", Role: "admin"}
	member := identity.Identity{Scope: identity.ScopeUser, Subject: "2", Role: "member"}

	for i := range 4 {
		res, err := s.Check(context.Background(), admin, p)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, i < 3, res.Allowed)
	}

	res, err := s.Check(context.Background(), member, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Limit)
}

func TestSlidingWindow_AtomicNeverOvershoots(t *testing.T) {
	for _, name := range []string{"memory/atomic", "redis/atomic"} {
		t.Run(name, func(t *testing.T) {
			var (
				s        = newSliding(t, slidingVariants()[name], clock.NewVirtual(epoch))
				p        = newPolicy(time.Minute, 5)
				accepted atomic.Int64
				wg       sync.WaitGroup
			)

			for range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()

					res, err := s.Check(context.Background(), addr("192.0.2.1"), p)
					if assert.NoError(t, err) && res.Allowed {
						accepted.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(5), accepted.Load())
			assert.Equal(t, float64(0), counterValue(t, s.overshootTotal, p.Name))
		})
	}
}

func TestSlidingWindow_PipelinedOvershootIsBounded(t *testing.T) {
	const racers = 4

	var (
		b        = &barrierBackend{MemoryBackend: store.NewMemoryBackend()}
		s        = NewSlidingWindow(
			newManager(t, b),
			WithPipelined(),
			WithClock(clock.NewVirtual(epoch)),
			WithRegisterer(prometheus.NewRegistry()),
		)
		p        = newPolicy(time.Minute, 1)
		accepted atomic.Int64
		wg       sync.WaitGroup
	)

	require.NoError(t, s.manager.Connect(context.Background()))
	b.barrier.Add(racers)

	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			res, err := s.Check(context.Background(), addr("192.0.2.1"), p)
			if assert.NoError(t, err) && res.Allowed {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	// Every racer saw an empty window: the overshoot reaches its
	// bound of racers-1 and is fully reported.
	assert.Equal(t, int64(p.MaxRequests+racers-1), accepted.Load())
	assert.Equal(t, float64(racers-1), counterValue(t, s.overshootTotal, p.Name))

	// Once the race is over the window is closed again.
	b.barrier.Add(1)
	res, err := s.Check(context.Background(), addr("192.0.2.1"), p)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestSlidingWindow_CancelledRequestIsNotAccounted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &cancellingBackend{MemoryBackend: store.NewMemoryBackend(), cancel: cancel}
	m := newManager(t, b)
	require.NoError(t, m.Connect(context.Background()))

	s := NewSlidingWindow(m, WithPipelined(), WithClock(clock.NewVirtual(epoch)), WithRegisterer(prometheus.NewRegistry()))
	p := newPolicy(time.Minute, 5)

	_, err := s.Check(ctx, addr("192.0.2.1"), p)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, store.IsUnavailable(err))
	assert.Equal(t, store.Connected, m.State())

	set, err := m.Namespace(p.Namespace).Trim(context.Background(), "addr:192.0.2.1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), set.Count)
}

func TestSlidingWindow_StoreUnavailable(t *testing.T) {
	b := store.NewMemoryBackend()
	require.NoError(t, b.Close())

	s := NewSlidingWindow(newManager(t, b), WithRegisterer(prometheus.NewRegistry()))

	_, err := s.Check(context.Background(), addr("192.0.2.1"), newPolicy(time.Minute, 5))
	require.Error(t, err)
	assert.True(t, store.IsUnavailable(err))
}

func TestFixedWindow_ExactlyMaxPerBucket(t *testing.T) {
	for name, backend := range map[string]func(*testing.T) store.Backend{"memory": memoryBackend, "redis": redisBackend} {
		t.Run(name, func(t *testing.T) {
			var (
				ctx = context.Background()
				c   = clock.NewVirtual(epoch)
				f   = NewFixedWindow(newManager(t, backend(t)), WithClock(c), WithRegisterer(prometheus.NewRegistry()))
				p   = newPolicy(time.Minute, 3)
				id  = addr("192.0.2.1")
			)

			bucketEnd := time.UnixMilli((epoch.UnixMilli()/60_000 + 1) * 60_000)

			for i := range 5 {
				res, err := f.Increment(ctx, id, p)
				require.NoError(t, err)
				assert.Equal(t, i < 3, res.Allowed, "request %d", i)
				assert.Equal(t, max(2-i, 0), res.Remaining)
				assert.Equal(t, bucketEnd, res.ResetAt)
			}

			res, err := f.Increment(ctx, addr("192.0.2.2"), p)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		})
	}
}

func TestFixedWindow_BoundaryBurst(t *testing.T) {
	var (
		ctx = context.Background()
		p   = newPolicy(time.Minute, 5)
		id  = addr("192.0.2.1")
	)

	bucketEnd := time.UnixMilli((epoch.UnixMilli()/60_000 + 1) * 60_000)
	c := clock.NewVirtual(bucketEnd.Add(-time.Millisecond))
	f := NewFixedWindow(newManager(t, store.NewMemoryBackend()), WithClock(c), WithRegisterer(prometheus.NewRegistry()))

	accepted := 0
	for range p.MaxRequests {
		res, err := f.Increment(ctx, id, p)
		require.NoError(t, err)
		if res.Allowed {
			accepted++
		}
	}

	c.Advance(time.Millisecond)
	for range p.MaxRequests {
		res, err := f.Increment(ctx, id, p)
		require.NoError(t, err)
		if res.Allowed {
			accepted++
		}
	}

	// Twice the quota within two milliseconds: fixed windows only
	// bound each bucket.
	assert.Equal(t, 2*p.MaxRequests, accepted)

	res, err := f.Increment(ctx, id, p)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestFixedWindow_BucketKey(t *testing.T) {
	b := store.NewMemoryBackend()
	c := clock.NewVirtual(epoch)
	f := NewFixedWindow(newManager(t, b), WithClock(c), WithRegisterer(prometheus.NewRegistry()))
	p := newPolicy(time.Minute, 3)

	_, err := f.Increment(context.Background(), addr("192.0.2.1"), p)
	require.NoError(t, err)

	key := fmt.Sprintf("addr:192.0.2.1:%d", epoch.UnixMilli()/60_000)
	n, err := b.IncrWithExpiry(context.Background(), "ratelimit:test:"+key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, c.WithLabelValues(labels...).Write(metric))

	return metric.GetCounter().GetValue()
}
