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
	"errors"
	"time"

	"go.gearno.de/admission/internal/otelutils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handle issues store operations under a key namespace. Handles are
// cheap and share the connection of their Manager.
type Handle struct {
	manager   *Manager
	namespace string
}

// ErrNotAtomic is returned by CheckAndInsert when the backend does not
// implement AtomicBackend.
var ErrNotAtomic = errors.New("backend does not support atomic sliding window checks")

// Namespace returns the key prefix of h.
func (h *Handle) Namespace() string {
	return h.namespace
}

// Manager returns the manager h belongs to.
func (h *Handle) Manager() *Manager {
	return h.manager
}

// Atomic reports whether CheckAndInsert is supported.
func (h *Handle) Atomic() bool {
	_, ok := h.manager.backend.(AtomicBackend)
	return ok
}

// Key returns the fully qualified store key of k.
func (h *Handle) Key(k string) string {
	return h.namespace + ":" + k
}

// IncrWithExpiry increments the counter at k. See Backend.
func (h *Handle) IncrWithExpiry(ctx context.Context, k string, ttl time.Duration) (int64, error) {
	var n int64

	err := h.do(
		ctx,
		"incr",
		k,
		func(ctx context.Context, key string) (err error) {
			n, err = h.manager.backend.IncrWithExpiry(ctx, key, ttl)
			return
		},
	)

	return n, err
}

// Trim removes the markers of k scored before cutoff. See Backend.
func (h *Handle) Trim(ctx context.Context, k string, cutoff int64) (MarkerSet, error) {
	var set MarkerSet

	err := h.do(
		ctx,
		"trim",
		k,
		func(ctx context.Context, key string) (err error) {
			set, err = h.manager.backend.Trim(ctx, key, cutoff)
			return
		},
	)

	return set, err
}

// Insert adds m to the marker set of k. See Backend.
func (h *Handle) Insert(ctx context.Context, k string, m Marker, ttl time.Duration) (MarkerSet, error) {
	var set MarkerSet

	err := h.do(
		ctx,
		"insert",
		k,
		func(ctx context.Context, key string) (err error) {
			set, err = h.manager.backend.Insert(ctx, key, m, ttl)
			return
		},
	)

	return set, err
}

// CheckAndInsert runs an atomic sliding window check on the marker
// set of k. See AtomicBackend.
func (h *Handle) CheckAndInsert(
	ctx context.Context,
	k string,
	m Marker,
	window time.Duration,
	limit int64,
) (bool, MarkerSet, error) {
	ab, ok := h.manager.backend.(AtomicBackend)
	if !ok {
		return false, MarkerSet{}, ErrNotAtomic
	}

	var (
		inserted bool
		set      MarkerSet
	)

	err := h.do(
		ctx,
		"check_and_insert",
		k,
		func(ctx context.Context, key string) (err error) {
			inserted, set, err = ab.CheckAndInsert(ctx, key, m, window, limit)
			return
		},
	)

	return inserted, set, err
}

func (h *Handle) do(
	ctx context.Context,
	op string,
	k string,
	f func(context.Context, string) error,
) error {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
		key      = h.Key(k)
	)

	if rootSpan.IsRecording() {
		ctx, span = h.manager.tracer.Start(
			ctx,
			"store."+op,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("store.backend", h.manager.backend.Name()),
				attribute.String("store.key", key),
			),
		)
		defer span.End()
	}

	if err := h.manager.acquire(ctx); err != nil {
		otelutils.RecordError(span, err)
		return err
	}

	if err := f(ctx, key); err != nil {
		err = h.manager.fail(ctx, op, err)
		otelutils.RecordError(span, err)
		return err
	}

	return nil
}
