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
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.gearno.de/admission/clock"
	"go.gearno.de/admission/log"
)

type (
	// MemoryOption configures a MemoryBackend.
	MemoryOption func(b *MemoryBackend)

	// MemoryBackend is a process local backend. It does not share
	// state between processes and is meant as a fallback when no
	// shared store is configured.
	MemoryBackend struct {
		mu       sync.Mutex
		counters map[string]*memoryCounter
		sets     map[string]*memorySet

		clock  clock.Clock
		logger *log.Logger
		closed atomic.Bool

		sweepInterval time.Duration
		sweepOnce     sync.Once
	}

	memoryCounter struct {
		value     int64
		expiresAt time.Time
	}

	memorySet struct {
		markers   []Marker
		expiresAt time.Time
	}
)

var (
	_ AtomicBackend = (*MemoryBackend)(nil)
)

// WithMemoryClock sets the clock used to expire entries.
func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(b *MemoryBackend) {
		b.clock = c
	}
}

// WithMemoryLogger sets a custom logger for the sweep loop.
func WithMemoryLogger(l *log.Logger) MemoryOption {
	return func(b *MemoryBackend) {
		b.logger = l.Named("store.memory")
	}
}

// WithSweepInterval sets the interval of the background sweep.
// Default is 1 minute.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(b *MemoryBackend) {
		b.sweepInterval = d
	}
}

// NewMemoryBackend returns an empty memory backend.
func NewMemoryBackend(options ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		counters:      make(map[string]*memoryCounter),
		sets:          make(map[string]*memorySet),
		clock:         clock.Real{},
		logger:        log.NewLogger(log.WithOutput(io.Discard)),
		sweepInterval: time.Minute,
	}

	for _, o := range options {
		o(b)
	}

	return b
}

func (b *MemoryBackend) Name() string {
	return "memory"
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}

	return ctx.Err()
}

func (b *MemoryBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *MemoryBackend) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := b.usable(ctx); err != nil {
		return 0, err
	}

	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &memoryCounter{expiresAt: now.Add(ttl)}
		b.counters[key] = c
	}

	c.value++

	return c.value, nil
}

func (b *MemoryBackend) Trim(ctx context.Context, key string, cutoff int64) (MarkerSet, error) {
	if err := b.usable(ctx); err != nil {
		return MarkerSet{}, err
	}

	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.set(key, now)
	if s == nil {
		return MarkerSet{}, nil
	}

	s.trim(cutoff)

	return s.summary(), nil
}

func (b *MemoryBackend) Insert(ctx context.Context, key string, m Marker, ttl time.Duration) (MarkerSet, error) {
	if err := b.usable(ctx); err != nil {
		return MarkerSet{}, err
	}

	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.set(key, now)
	if s == nil {
		s = &memorySet{}
		b.sets[key] = s
	}

	s.insert(m)
	s.expiresAt = now.Add(ttl)

	return s.summary(), nil
}

func (b *MemoryBackend) CheckAndInsert(
	ctx context.Context,
	key string,
	m Marker,
	window time.Duration,
	limit int64,
) (bool, MarkerSet, error) {
	if err := b.usable(ctx); err != nil {
		return false, MarkerSet{}, err
	}

	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.set(key, now)
	if s != nil {
		s.trim(m.Score - window.Milliseconds())
		if int64(len(s.markers)) >= limit {
			return false, s.summary(), nil
		}
	} else {
		s = &memorySet{}
		b.sets[key] = s
	}

	s.insert(m)
	s.expiresAt = now.Add(window)

	return true, s.summary(), nil
}

// StartSweep starts a background goroutine evicting expired entries.
// The goroutine stops when ctx is cancelled. Only the first call
// starts the goroutine.
func (b *MemoryBackend) StartSweep(ctx context.Context) {
	b.sweepOnce.Do(func() {
		go runSweepLoop(ctx, b.logger, b.sweepInterval, b.Sweep)
	})
}

// Sweep evicts expired entries and returns how many were removed. The
// lock is released between the counters and the marker sets so that
// requests are never stalled for a whole pass.
func (b *MemoryBackend) Sweep(ctx context.Context) (int64, error) {
	now := b.clock.Now()
	var n int64

	b.mu.Lock()
	for k, c := range b.counters {
		if !now.Before(c.expiresAt) {
			delete(b.counters, k)
			n++
		}
	}
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return n, err
	}

	b.mu.Lock()
	for k, s := range b.sets {
		if !now.Before(s.expiresAt) {
			delete(b.sets, k)
			n++
		}
	}
	b.mu.Unlock()

	return n, nil
}

// Len returns the number of live and expired entries held in memory.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.counters) + len(b.sets)
}

func (b *MemoryBackend) usable(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}

	return ctx.Err()
}

// set returns the live marker set at key, dropping it if expired. The
// caller must hold b.mu.
func (b *MemoryBackend) set(key string, now time.Time) *memorySet {
	s, ok := b.sets[key]
	if !ok {
		return nil
	}

	if !now.Before(s.expiresAt) {
		delete(b.sets, key)
		return nil
	}

	return s
}

func (s *memorySet) trim(cutoff int64) {
	i := sort.Search(
		len(s.markers),
		func(i int) bool { return s.markers[i].Score >= cutoff },
	)
	s.markers = s.markers[i:]
}

func (s *memorySet) insert(m Marker) {
	for _, existing := range s.markers {
		if existing.Member == m.Member {
			return
		}
	}

	i := sort.Search(
		len(s.markers),
		func(i int) bool { return s.markers[i].Score > m.Score },
	)
	s.markers = append(s.markers, Marker{})
	copy(s.markers[i+1:], s.markers[i:])
	s.markers[i] = m
}

func (s *memorySet) summary() MarkerSet {
	if len(s.markers) == 0 {
		return MarkerSet{}
	}

	return MarkerSet{Count: int64(len(s.markers)), Oldest: s.markers[0].Score}
}
