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

// Package store owns the connection to the shared counting store used
// by the rate limit counters.
//
// A Manager wraps a Backend and drives its lifecycle:
//
//	Uninitialized -> Connecting -> Connected <-> Degraded -> Closed
//
// The first use of a Handle connects lazily. When the backend cannot
// be reached the manager enters the Degraded state and a single
// background goroutine retries with an exponential backoff until the
// backend answers again. Operations issued while the manager is not
// Connected fail immediately with an *UnavailableError; callers are
// expected to treat that as a normal condition and never wait for a
// reconnection.
//
// Three backends are provided: Redis (go-redis, single node or
// cluster), PostgreSQL (UNLOGGED tables through the pg package) and an
// in-process memory backend used when no shared store is configured.
package store

import (
	"context"
	"time"
)

type (
	// Marker is one accepted request in a sliding window marker set.
	Marker struct {
		// Score is the acceptance time in unix milliseconds.
		Score int64

		// Member disambiguates markers sharing the same score.
		Member string
	}

	// MarkerSet summarizes a marker set after an operation.
	MarkerSet struct {
		// Count is the cardinality of the set.
		Count int64

		// Oldest is the score of the oldest marker, zero when
		// the set is empty.
		Oldest int64
	}

	// Backend is the store protocol required by the counters. Keys
	// are fully qualified: namespacing is done by Handle.
	Backend interface {
		// Name identifies the backend in logs and metrics.
		Name() string

		Ping(context.Context) error

		// IncrWithExpiry increments the counter at key and sets
		// its expiry to ttl when the counter is created. It
		// returns the value after the increment.
		IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

		// Trim removes the markers scored strictly before cutoff
		// (unix milliseconds) and returns what remains.
		Trim(ctx context.Context, key string, cutoff int64) (MarkerSet, error)

		// Insert adds m, refreshes the expiry of the set to ttl
		// and returns the set after the insertion.
		Insert(ctx context.Context, key string, m Marker, ttl time.Duration) (MarkerSet, error)

		Close() error
	}

	// AtomicBackend is implemented by backends able to run a whole
	// sliding window check as a single atomic operation.
	AtomicBackend interface {
		Backend

		// CheckAndInsert trims the markers scored before
		// m.Score-window and inserts m when fewer than limit
		// markers remain. It reports whether m was inserted and
		// the set after the operation.
		CheckAndInsert(
			ctx context.Context,
			key string,
			m Marker,
			window time.Duration,
			limit int64,
		) (bool, MarkerSet, error)
	}
)
