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
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/admission/clock"
	"go.gearno.de/admission/identity"
	"go.gearno.de/admission/internal/version"
	"go.gearno.de/admission/log"
	"go.gearno.de/admission/policy"
	"go.gearno.de/admission/store"
	"go.gearno.de/crypto/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures a counter during
	// initialization.
	Option func(c *counter)

	// Counter evaluates a policy for an identity.
	Counter interface {
		Evaluate(context.Context, identity.Identity, policy.Policy) (*Result, error)
	}

	// Result contains the outcome of a rate limit check.
	Result struct {
		// Allowed indicates whether the request is permitted.
		Allowed bool

		// Limit is the maximum number of requests allowed in the
		// window for the identity.
		Limit int

		// Remaining is the number of requests remaining in the
		// window, never negative.
		Remaining int

		// Count is the number of requests accounted in the window
		// after this check.
		Count int

		// ResetAt is the time at which quota is given back.
		ResetAt time.Time
	}

	counter struct {
		manager   *store.Manager
		logger    *log.Logger
		tracer    trace.Tracer
		clock     clock.Clock
		pipelined bool

		seq atomic.Uint64

		requestsTotal  *prometheus.CounterVec
		checkDuration  *prometheus.HistogramVec
		overshootTotal *prometheus.CounterVec
	}
)

const (
	tracerName = "go.gearno.de/admission/ratelimit"
)

// WithLogger sets a custom logger for the counter.
func WithLogger(l *log.Logger) Option {
	return func(c *counter) {
		c.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *counter) {
		c.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *counter) {
		c.registerMetrics(r)
	}
}

// WithClock sets the clock used to compute windows.
func WithClock(cl clock.Clock) Option {
	return func(c *counter) {
		c.clock = cl
	}
}

// WithPipelined makes SlidingWindow run its trim, count and insert
// steps as separate round trips even when the backend supports an
// atomic check. It has no effect on FixedWindow.
func WithPipelined() Option {
	return func(c *counter) {
		c.pipelined = true
	}
}

func newCounter(m *store.Manager, options []Option) *counter {
	c := &counter{
		manager: m,
		logger:  log.NewLogger(log.WithOutput(io.Discard)),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		clock:   clock.Real{},
	}

	c.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(c)
	}

	return c
}

func (c *counter) registerMetrics(r prometheus.Registerer) {
	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admission",
			Subsystem: "ratelimit",
			Name:      "requests_total",
			Help:      "Total number of rate limit checks.",
		},
		[]string{"algorithm", "allowed"},
	)
	if err := r.Register(c.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	c.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "admission",
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Duration of rate limit checks in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"algorithm", "allowed"},
	)
	if err := r.Register(c.checkDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c.checkDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	c.overshootTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admission",
			Subsystem: "ratelimit",
			Name:      "overshoot_total",
			Help:      "Total number of requests accepted above the limit by the pipelined sliding window.",
		},
		[]string{"policy"},
	)
	if err := r.Register(c.overshootTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c.overshootTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

func (c *counter) startSpan(
	ctx context.Context,
	name string,
	id identity.Identity,
	p policy.Policy,
	limit int,
) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, nil
	}

	return c.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("ratelimit.policy", p.Name),
			attribute.String("ratelimit.identity", id.String()),
			attribute.Int("ratelimit.limit", limit),
			attribute.Int64("ratelimit.window_ms", p.Window.Milliseconds()),
		),
	)
}

func (c *counter) recordMetrics(algorithm string, allowed bool, duration time.Duration) {
	allowedStr := strconv.FormatBool(allowed)

	c.requestsTotal.WithLabelValues(algorithm, allowedStr).Inc()
	c.checkDuration.WithLabelValues(algorithm, allowedStr).Observe(duration.Seconds())
}

// member returns a marker member unique across processes. It falls
// back to a process local sequence if no UUID can be generated.
func (c *counter) member(score int64) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%d-seq-%d", score, c.seq.Add(1))
	}

	return fmt.Sprintf("%d-%s", score, id)
}

func newResult(allowed bool, limit int, count int64, resetAt time.Time) *Result {
	return &Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		Count:     int(count),
		ResetAt:   resetAt,
	}
}
