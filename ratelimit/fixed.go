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
	"go.gearno.de/admission/policy"
	"go.gearno.de/admission/store"
	"go.opentelemetry.io/otel/attribute"
)

// FixedWindow counts requests in discrete, aligned buckets of one
// window each.
//
// A client may issue a full quota at the end of a bucket and another
// full quota at the start of the next one: up to twice the limit can
// be accepted within an arbitrary window-wide interval. This is the
// expected behavior of fixed windows.
type FixedWindow struct {
	*counter
}

var (
	_ Counter = (*FixedWindow)(nil)
)

// NewFixedWindow returns a fixed window counter storing its buckets
// through m.
func NewFixedWindow(m *store.Manager, options ...Option) *FixedWindow {
	return &FixedWindow{counter: newCounter(m, options)}
}

// Evaluate implements Counter.
func (f *FixedWindow) Evaluate(ctx context.Context, id identity.Identity, p policy.Policy) (*Result, error) {
	return f.Increment(ctx, id, p)
}

// Increment accounts one request for id in the current bucket and
// reports whether it fits in the quota. The bucket counter expires
// one window after its creation.
func (f *FixedWindow) Increment(ctx context.Context, id identity.Identity, p policy.Policy) (*Result, error) {
	var (
		start    = time.Now()
		limit    = p.Limit(id.Role)
		windowMs = p.Window.Milliseconds()
		bucket   = f.clock.Now().UnixMilli() / windowMs
		key      = fmt.Sprintf("%s:%d", id, bucket)
	)

	ctx, span := f.startSpan(ctx, "ratelimit.FixedWindow.Increment", id, p, limit)
	if span != nil {
		defer span.End()
	}

	count, err := f.manager.Namespace(p.Namespace).IncrWithExpiry(ctx, key, p.Window)
	if err != nil {
		otelutils.RecordError(span, err)
		return nil, fmt.Errorf("cannot increment fixed window: %w", err)
	}

	result := newResult(
		count <= int64(limit),
		limit,
		count,
		time.UnixMilli((bucket+1)*windowMs),
	)

	if span != nil {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", result.Allowed),
			attribute.Int64("ratelimit.count", count),
			attribute.Int64("ratelimit.bucket", bucket),
		)
	}

	f.recordMetrics("fixed", result.Allowed, time.Since(start))

	return result, nil
}
