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
	"time"

	"go.gearno.de/admission/identity"
	"go.gearno.de/admission/internal/otelutils"
	"go.gearno.de/admission/log"
	"go.gearno.de/admission/policy"
	"go.gearno.de/admission/store"
	"go.opentelemetry.io/otel/attribute"
)

// SlidingWindow keeps, per identity, the set of acceptance times
// within the trailing window and admits a request when fewer than
// limit of them remain.
//
// By default the trim, count and insert steps run as one atomic
// operation on the backend and the limit is never exceeded. With
// WithPipelined, or on a backend without atomic support, the steps are
// separate round trips: concurrent checks for the same identity may
// all observe a free slot and insert, so up to C-1 requests above the
// limit can be accepted per window when C checks race. Such overshoot
// is detected after the insertion and counted in
// admission_ratelimit_overshoot_total.
type SlidingWindow struct {
	*counter
}

var (
	_ Counter = (*SlidingWindow)(nil)
)

// NewSlidingWindow returns a sliding window counter storing its marker
// sets through m.
func NewSlidingWindow(m *store.Manager, options ...Option) *SlidingWindow {
	return &SlidingWindow{counter: newCounter(m, options)}
}

// Evaluate implements Counter.
func (s *SlidingWindow) Evaluate(ctx context.Context, id identity.Identity, p policy.Policy) (*Result, error) {
	return s.Check(ctx, id, p)
}

// Check evaluates one request for id. Denied requests leave the marker
// set untouched, so repeated checks while over quota do not push the
// reset time further.
func (s *SlidingWindow) Check(ctx context.Context, id identity.Identity, p policy.Policy) (*Result, error) {
	var (
		start  = time.Now()
		now    = s.clock.Now().UnixMilli()
		limit  = p.Limit(id.Role)
		handle = s.manager.Namespace(p.Namespace)
		marker = store.Marker{Score: now, Member: s.member(now)}
		key    = id.String()
	)

	ctx, span := s.startSpan(ctx, "ratelimit.SlidingWindow.Check", id, p, limit)
	if span != nil {
		defer span.End()
	}

	var (
		allowed bool
		set     store.MarkerSet
		err     error
	)

	atomic := !s.pipelined && handle.Atomic()
	if atomic {
		allowed, set, err = handle.CheckAndInsert(ctx, key, marker, p.Window, int64(limit))
	} else {
		allowed, set, err = s.pipelinedCheck(ctx, handle, key, marker, p, limit)
	}

	if err != nil {
		otelutils.RecordError(span, err)
		return nil, fmt.Errorf("cannot check sliding window: %w", err)
	}

	resetAt := time.UnixMilli(now).Add(p.Window)
	if set.Count > 0 {
		resetAt = time.UnixMilli(set.Oldest).Add(p.Window)
	}

	result := newResult(allowed, limit, set.Count, resetAt)

	if span != nil {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", allowed),
			attribute.Bool("ratelimit.atomic", atomic),
			attribute.Int64("ratelimit.count", set.Count),
			attribute.Int("ratelimit.remaining", result.Remaining),
		)
	}

	s.recordMetrics("sliding", allowed, time.Since(start))

	return result, nil
}

func (s *SlidingWindow) pipelinedCheck(
	ctx context.Context,
	handle *store.Handle,
	key string,
	marker store.Marker,
	p policy.Policy,
	limit int,
) (bool, store.MarkerSet, error) {
	set, err := handle.Trim(ctx, key, marker.Score-p.Window.Milliseconds())
	if err != nil {
		return false, store.MarkerSet{}, err
	}

	if set.Count >= int64(limit) {
		return false, set, nil
	}

	// A request cancelled between the two round trips is not
	// accounted.
	if err := ctx.Err(); err != nil {
		return false, store.MarkerSet{}, err
	}

	set, err = handle.Insert(ctx, key, marker, p.Window)
	if err != nil {
		return false, store.MarkerSet{}, err
	}

	if set.Count > int64(limit) {
		s.overshootTotal.WithLabelValues(p.Name).Inc()
		s.logger.DebugCtx(
			ctx,
			"sliding window overshoot",
			log.String("policy", p.Name),
			log.String("identity", key),
			log.Int64("count", set.Count),
			log.Int("limit", limit),
		)
	}

	return true, set, nil
}
