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

// Package admission provides the HTTP middleware deciding whether a
// request is admitted.
//
// For every request the middleware selects the policies matching the
// route class (broadest first, see policy.Registry.Chain), resolves
// the throttling identity of each one and evaluates them in order
// with the counter of their algorithm. Evaluation stops at the first
// denial, so a request to a sensitive route consumes quota from every
// layer up to the one that rejects it.
//
// Store failures never reach the caller. They are translated into the
// degrade mode of the policy being evaluated: Open admits the request,
// Closed rejects it like an ordinary denial. The transition into and
// out of degraded mode is logged once, not per request.
//
// Every evaluated response carries X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset (epoch seconds).
// Rejections are answered with 429, a Retry-After header and a JSON
// body with code RATE_LIMIT_EXCEEDED.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/admission/clock"
	"go.gearno.de/admission/identity"
	"go.gearno.de/admission/internal/otelutils"
	"go.gearno.de/admission/internal/version"
	"go.gearno.de/admission/log"
	"go.gearno.de/admission/policy"
	"go.gearno.de/admission/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.gearno.de/admission/store"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Middleware during
	// initialization.
	Option func(m *Middleware)

	// Middleware evaluates admission policies on inbound requests.
	Middleware struct {
		registry *policy.Registry
		resolver *identity.Resolver
		counters map[policy.Algorithm]ratelimit.Counter

		logger *log.Logger
		tracer trace.Tracer
		clock  clock.Clock

		storeTimeout   time.Duration
		requestTimeout time.Duration
		routeClass     func(*http.Request) string

		store         *store.Manager
		degraded      atomic.Bool
		outage        atomic.Uint64
		degradedCount atomic.Int64

		decisionsTotal *prometheus.CounterVec
	}
)

const (
	tracerName = "go.gearno.de/admission/admission"

	defaultStoreTimeout   = 250 * time.Millisecond
	defaultRequestTimeout = 30 * time.Second
)

// WithLogger sets a custom logger for the middleware.
func WithLogger(l *log.Logger) Option {
	return func(m *Middleware) {
		m.logger = l.Named("admission")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Middleware) {
		m.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Middleware) {
		m.registerMetrics(r)
	}
}

// WithClock sets the clock used to compute Retry-After and degraded
// reset times.
func WithClock(c clock.Clock) Option {
	return func(m *Middleware) {
		m.clock = c
	}
}

// WithStoreTimeout bounds every round trip to the counting store.
// It must not exceed the request timeout. Default is 250
// milliseconds.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Middleware) {
		m.storeTimeout = d
	}
}

// WithRequestTimeout declares the overall request timeout of the
// server the middleware runs in. Default is 30 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Middleware) {
		m.requestTimeout = d
	}
}

// WithStore sets the store manager shared by the counters. Outages
// are then told apart by the manager: a failure within an outage
// already reported is not logged again, a failure after the store
// entered a new outage is.
func WithStore(s *store.Manager) Option {
	return func(m *Middleware) {
		m.store = s
	}
}

// WithRouteClass sets the function deriving the route class matched
// against policy routes. Default is the request path.
func WithRouteClass(f func(*http.Request) string) Option {
	return func(m *Middleware) {
		m.routeClass = f
	}
}

// New returns a middleware evaluating the policies of registry. The
// registry must be sealed and counters must provide a counter for
// every algorithm used by a registered policy.
func New(
	registry *policy.Registry,
	resolver *identity.Resolver,
	counters map[policy.Algorithm]ratelimit.Counter,
	options ...Option,
) (*Middleware, error) {
	m := &Middleware{
		registry:       registry,
		resolver:       resolver,
		counters:       counters,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracer:         otel.GetTracerProvider().Tracer(tracerName),
		clock:          clock.Real{},
		storeTimeout:   defaultStoreTimeout,
		requestTimeout: defaultRequestTimeout,
		routeClass:     func(r *http.Request) string { return r.URL.Path },
	}

	m.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(m)
	}

	if !registry.Sealed() {
		return nil, errors.New("cannot create admission middleware: policy registry is not sealed")
	}

	for _, p := range registry.Policies() {
		if counters[p.Algorithm] == nil {
			return nil, fmt.Errorf(
				"cannot create admission middleware: no counter for algorithm %s of policy %q",
				p.Algorithm,
				p.Name,
			)
		}
	}

	if m.storeTimeout <= 0 {
		return nil, fmt.Errorf("cannot create admission middleware: store timeout must be positive, got %s", m.storeTimeout)
	}

	if m.storeTimeout > m.requestTimeout {
		return nil, fmt.Errorf(
			"cannot create admission middleware: store timeout %s exceeds request timeout %s",
			m.storeTimeout,
			m.requestTimeout,
		)
	}

	return m, nil
}

func (m *Middleware) registerMetrics(r prometheus.Registerer) {
	m.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admission",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions.",
		},
		[]string{"policy", "outcome"},
	)
	if err := r.Register(m.decisionsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.decisionsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Degraded reports whether requests are currently evaluated in
// degraded mode. With a store manager, it reflects the state of the
// manager, otherwise the outcome of the last store interaction.
func (m *Middleware) Degraded() bool {
	if m.store != nil {
		switch m.store.State() {
		case store.Degraded, store.Closed:
			return true
		default:
			return false
		}
	}

	return m.degraded.Load()
}

// Evaluate decides whether r is admitted. The returned error is
// non-nil only when the request context ended before a decision could
// be taken; the request must then be dropped.
func (m *Middleware) Evaluate(r *http.Request) (*Decision, error) {
	var (
		ctx      = r.Context()
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
		route    = m.routeClass(r)
		decision = &Decision{Stage: StageStart, RouteClass: route}
	)

	if rootSpan.IsRecording() {
		ctx, span = m.tracer.Start(
			ctx,
			"admission.Evaluate",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("admission.route_class", route),
			),
		)
		defer span.End()
	}

	chain := m.registry.Chain(route)
	identities := make([]identity.Identity, len(chain))
	for i, p := range chain {
		identities[i] = m.resolver.Resolve(r, p)
	}
	decision.Stage = StageIdentityResolved

	if len(chain) == 0 {
		decision.Stage = StagePolicySelected
		decision.Outcome = Allowed
		return decision, nil
	}
	decision.Stage = StagePolicySelected

	for i, p := range chain {
		layer, err := m.evaluateLayer(ctx, identities[i], p)
		if err != nil {
			otelutils.RecordError(span, err)
			return decision, err
		}

		decision.Layers = append(decision.Layers, layer)
		m.decisionsTotal.WithLabelValues(p.Name, layer.Outcome.String()).Inc()

		if !layer.Outcome.Admitted() {
			break
		}
	}

	decision.Stage = StageEvaluated
	decision.resolve()

	if span != nil {
		span.SetAttributes(
			attribute.String("admission.outcome", decision.Outcome.String()),
			attribute.String("admission.policy", decision.Reported().Policy.Name),
			attribute.Int("admission.layers", len(decision.Layers)),
		)
	}

	return decision, nil
}

func (m *Middleware) evaluateLayer(
	ctx context.Context,
	id identity.Identity,
	p policy.Policy,
) (Layer, error) {
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	result, err := m.counters[p.Algorithm].Evaluate(sctx, id, p)
	if err != nil {
		if ctx.Err() != nil {
			return Layer{}, fmt.Errorf("cannot evaluate policy %q: %w", p.Name, ctx.Err())
		}

		return m.degrade(ctx, id, p, err), nil
	}

	m.recover(ctx)

	outcome := Allowed
	if !result.Allowed {
		outcome = Denied
	}

	return Layer{Policy: p, Identity: id, Result: *result, Outcome: outcome}, nil
}

// degrade builds the outcome of a layer whose store round trip failed.
func (m *Middleware) degrade(
	ctx context.Context,
	id identity.Identity,
	p policy.Policy,
	cause error,
) Layer {
	var (
		now   = m.clock.Now()
		limit = p.Limit(id.Role)
		layer = Layer{
			Policy:   p,
			Identity: id,
			Result: ratelimit.Result{
				Limit:   limit,
				ResetAt: now.Add(p.Window),
			},
		}
	)

	switch p.Degrade {
	case policy.Closed:
		layer.Outcome = DegradedDenied
	default:
		layer.Outcome = DegradedAllowed
		layer.Result.Allowed = true
		layer.Result.Remaining = limit - 1
	}

	m.degradedCount.Add(1)

	if m.enterOutage() {
		attrs := []log.Attr{
			log.String("policy", p.Name),
			log.String("degrade_mode", p.Degrade.String()),
			log.Error(cause),
		}

		if p.Degrade == policy.Closed {
			m.logger.ErrorCtx(ctx, "counting store unavailable, rejecting requests", attrs...)
		} else {
			m.logger.WarnCtx(ctx, "counting store unavailable, admitting requests", attrs...)
		}
	}

	return layer
}

// enterOutage marks the middleware degraded and reports whether the
// failure starts an outage not reported yet.
func (m *Middleware) enterOutage() bool {
	first := m.degraded.CompareAndSwap(false, true)

	if m.store == nil {
		return first
	}

	if n := m.store.Outages(); m.outage.Swap(n) != n {
		return true
	}

	// Failures outside of a manager outage, such as a store
	// timeout while connecting, are reported like one.
	return first && m.store.State() != store.Degraded
}

func (m *Middleware) recover(ctx context.Context) {
	if !m.degraded.Load() {
		return
	}

	if m.degraded.CompareAndSwap(true, false) {
		m.logger.InfoCtx(
			ctx,
			"counting store available again",
			log.Int64("degraded_decisions", m.degradedCount.Swap(0)),
		)
	}
}
