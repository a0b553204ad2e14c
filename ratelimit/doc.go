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

// Package ratelimit provides the counters evaluating admission
// policies against the shared counting store.
//
// # Algorithms
//
// FixedWindow increments one counter per identity and aligned bucket
// of Window length. It costs a single round trip but lets a client
// burst up to twice its quota across a bucket boundary.
//
// SlidingWindow keeps the acceptance times of the trailing window in
// a sorted set per identity. On each check markers older than
// now-Window are trimmed, the remaining ones are counted and, if fewer
// than the limit remain, a marker is inserted for the request. Denied
// checks never insert a marker, so a client hammering a closed window
// does not extend its own penalty.
//
// # Atomicity
//
// The sliding window runs as a single atomic operation when the
// backend implements store.AtomicBackend (a Lua script on Redis, an
// advisory locked transaction on PostgreSQL, the map lock in memory).
// WithPipelined selects separate round trips instead: C concurrent
// checks racing on the same identity may accept up to C-1 requests
// above the limit within a window. Detected overshoot is exported as
// admission_ratelimit_overshoot_total{policy}.
//
// # Usage
//
//	manager := store.NewManager(store.NewRedisBackend(client))
//	defer manager.Close()
//
//	sliding := ratelimit.NewSlidingWindow(manager,
//	    ratelimit.WithLogger(logger),
//	    ratelimit.WithTracerProvider(tp),
//	    ratelimit.WithRegisterer(registry),
//	)
//
//	result, err := sliding.Check(ctx, id, p)
//	if err != nil {
//	    // store unavailable or request cancelled
//	}
//
//	if !result.Allowed {
//	    // retry after result.ResetAt
//	}
//
// # Metrics
//
// The following Prometheus metrics are exposed:
//
//   - admission_ratelimit_requests_total{algorithm,allowed}
//   - admission_ratelimit_check_duration_seconds{algorithm,allowed}
//   - admission_ratelimit_overshoot_total{policy}
package ratelimit
