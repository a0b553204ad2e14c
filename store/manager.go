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
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/admission/internal/version"
	"go.gearno.de/admission/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Manager during
	// initialization.
	Option func(m *Manager)

	// State is the lifecycle state of a Manager.
	State int32

	// Manager owns a Backend and its connection lifecycle. It is
	// safe for concurrent use.
	Manager struct {
		backend Backend
		logger  *log.Logger
		tracer  trace.Tracer

		timeout        time.Duration
		healthInterval time.Duration
		backoffInitial time.Duration
		backoffMax     time.Duration

		state   atomic.Int32
		mu      sync.Mutex
		lastErr error
		attempt chan struct{}
		outages atomic.Uint64

		wake      chan struct{}
		done      chan struct{}
		stopped   chan struct{}
		startOnce sync.Once
		closeOnce sync.Once
		closeErr  error

		stateGauge       *prometheus.GaugeVec
		transitionsTotal *prometheus.CounterVec
		errorsTotal      *prometheus.CounterVec
	}
)

const (
	Uninitialized State = iota
	Connecting
	Connected
	Degraded
	Closed
)

const (
	tracerName = "go.gearno.de/admission/store"
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// WithLogger sets a custom logger for the manager.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		m.logger = l.Named("store")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
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
	return func(m *Manager) {
		m.registerMetrics(r)
	}
}

// WithTimeout bounds connection attempts and health checks. Default is
// 250 milliseconds.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithHealthCheckInterval sets how often a connected backend is
// pinged. Default is 5 seconds.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.healthInterval = d
	}
}

// WithBackoff sets the initial and maximum delay between two
// reconnection attempts. Defaults are 100 milliseconds and 30 seconds.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(m *Manager) {
		m.backoffInitial = initial
		m.backoffMax = maxInterval
	}
}

// NewManager returns a manager for b. The backend is not contacted
// until Connect is called or a Handle is first used.
func NewManager(b Backend, options ...Option) *Manager {
	m := &Manager{
		backend:        b,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracer:         otel.GetTracerProvider().Tracer(tracerName),
		timeout:        250 * time.Millisecond,
		healthInterval: 5 * time.Second,
		backoffInitial: 100 * time.Millisecond,
		backoffMax:     30 * time.Second,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}

	m.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(m)
	}

	m.stateGauge.WithLabelValues(b.Name()).Set(float64(Uninitialized))

	return m
}

func (m *Manager) registerMetrics(r prometheus.Registerer) {
	m.stateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "admission",
			Subsystem: "store",
			Name:      "state",
			Help:      "Current store state (0 uninitialized, 1 connecting, 2 connected, 3 degraded, 4 closed).",
		},
		[]string{"backend"},
	)
	if err := r.Register(m.stateGauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.stateGauge = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}

	m.transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admission",
			Subsystem: "store",
			Name:      "transitions_total",
			Help:      "Total number of store state transitions.",
		},
		[]string{"backend", "state"},
	)
	if err := r.Register(m.transitionsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.transitionsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admission",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total number of failed store operations.",
		},
		[]string{"backend", "operation"},
	)
	if err := r.Register(m.errorsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.errorsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Backend returns the managed backend.
func (m *Manager) Backend() Backend {
	return m.backend
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Available reports whether operations can currently be served. A
// manager that has not connected yet is reported available: the next
// operation connects lazily.
func (m *Manager) Available() bool {
	switch m.State() {
	case Uninitialized, Connected:
		return true
	default:
		return false
	}
}

// Outages returns how many times the manager entered the Degraded
// state. Callers compare two values to tell outages apart.
func (m *Manager) Outages() uint64 {
	return m.outages.Load()
}

// Timeout returns the timeout applied to connection attempts and
// health checks.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Connect pings the backend. On failure, timeouts included, the
// manager enters the Degraded state, reconnects in the background and
// Connect returns an *UnavailableError. If ctx is cancelled before the
// backend answers, the manager goes back to Uninitialized and
// ctx.Err() is returned.
//
// A Connect issued while another one is in flight waits for it,
// bounded by ctx. Connect is a no-op once the manager connected or
// degraded.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.State() != Uninitialized {
		m.mu.Unlock()
		return m.await(ctx)
	}

	attempt := make(chan struct{})
	m.attempt = attempt
	m.state.Store(int32(Connecting))
	m.mu.Unlock()

	defer close(attempt)

	m.stateGauge.WithLabelValues(m.backend.Name()).Set(float64(Connecting))

	pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.backend.Ping(pingCtx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			m.transition(ctx, Connecting, Uninitialized, nil)
			return ctx.Err()
		}

		err = fmt.Errorf("cannot connect: %w", err)
		m.transition(ctx, Connecting, Degraded, err)
		m.startSupervisor()

		return &UnavailableError{Backend: m.backend.Name(), State: Degraded, Err: err}
	}

	m.transition(ctx, Connecting, Connected, nil)
	m.startSupervisor()

	return nil
}

// await waits for the connection attempt in flight, if any, and
// reports the resulting state.
func (m *Manager) await(ctx context.Context) error {
	m.mu.Lock()
	attempt := m.attempt
	connecting := m.State() == Connecting
	m.mu.Unlock()

	if connecting {
		select {
		case <-attempt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// The attempt waited on was cancelled by its caller.
	if m.State() == Uninitialized {
		return m.Connect(ctx)
	}

	return m.status()
}

// Close stops the background reconnection loop and closes the backend.
// It is safe to call Close more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(
		func() {
			m.mu.Lock()
			prev := State(m.state.Swap(int32(Closed)))
			m.mu.Unlock()

			close(m.done)
			m.startOnce.Do(func() { close(m.stopped) })
			<-m.stopped

			m.closeErr = m.backend.Close()

			m.stateGauge.WithLabelValues(m.backend.Name()).Set(float64(Closed))
			m.transitionsTotal.WithLabelValues(m.backend.Name(), Closed.String()).Inc()
			m.logger.Info(
				"store closed",
				log.String("backend", m.backend.Name()),
				log.String("previous_state", prev.String()),
			)
		},
	)

	return m.closeErr
}

// Namespace returns a handle prefixing every key with namespace.
func (m *Manager) Namespace(namespace string) *Handle {
	return &Handle{manager: m, namespace: namespace}
}

// acquire makes sure an operation can be issued, connecting lazily on
// first use. Callers arriving during the first connection wait for
// its outcome.
func (m *Manager) acquire(ctx context.Context) error {
	switch m.State() {
	case Uninitialized, Connecting:
		return m.Connect(ctx)
	default:
		return m.status()
	}
}

func (m *Manager) status() error {
	switch s := m.State(); s {
	case Connected:
		return nil
	case Closed:
		return &UnavailableError{Backend: m.backend.Name(), State: s, Err: ErrClosed}
	case Degraded:
		return &UnavailableError{Backend: m.backend.Name(), State: s, Err: m.lastError()}
	default:
		return &UnavailableError{Backend: m.backend.Name(), State: s, Err: ErrNotConnected}
	}
}

func (m *Manager) lastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastErr
}

// fail records a failed operation. Caller cancellation is returned as
// is and leaves the state untouched; any other error, timeouts
// included, degrades the manager.
func (m *Manager) fail(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return err
	}

	m.errorsTotal.WithLabelValues(m.backend.Name(), op).Inc()

	err = fmt.Errorf("cannot %s: %w", op, err)
	m.transition(ctx, Connected, Degraded, err)

	return &UnavailableError{Backend: m.backend.Name(), State: m.State(), Err: err}
}

// transition moves the manager from one state to another. It reports
// false when the manager was not in the from state, in which case
// nothing is logged: every transition is logged exactly once.
func (m *Manager) transition(ctx context.Context, from, to State, cause error) bool {
	m.mu.Lock()
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		m.mu.Unlock()
		return false
	}
	m.lastErr = cause
	m.mu.Unlock()

	name := m.backend.Name()
	m.stateGauge.WithLabelValues(name).Set(float64(to))
	m.transitionsTotal.WithLabelValues(name, to.String()).Inc()

	// Outages are reported by the admission middleware, the
	// manager logs them at debug level only.
	switch {
	case to == Degraded:
		m.outages.Add(1)
		m.logger.DebugCtx(
			ctx,
			"store unavailable, entering degraded state",
			log.String("backend", name),
			log.String("previous_state", from.String()),
			log.Error(cause),
		)
	case to == Connected && from == Degraded:
		m.logger.DebugCtx(ctx, "store recovered", log.String("backend", name))
	case to == Connected:
		m.logger.InfoCtx(ctx, "store connected", log.String("backend", name))
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}

	return true
}

func (m *Manager) startSupervisor() {
	m.startOnce.Do(func() { go m.supervise() })
}

// supervise health checks a connected backend and reconnects a
// degraded one with an exponential backoff. It is the only goroutine
// contacting the backend outside of the request path.
func (m *Manager) supervise() {
	defer close(m.stopped)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.backoffInitial
	bo.MaxInterval = m.backoffMax
	bo.Reset()

	for {
		var wait time.Duration
		switch m.State() {
		case Degraded:
			wait = bo.NextBackOff()
		case Closed:
			return
		default:
			bo.Reset()
			wait = m.healthInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-m.done:
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		m.ping()
	}
}

func (m *Manager) ping() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	state := m.State()
	err := m.backend.Ping(ctx)

	switch {
	case err == nil && state == Degraded:
		m.transition(ctx, Degraded, Connected, nil)
	case err != nil && state == Connected:
		m.errorsTotal.WithLabelValues(m.backend.Name(), "ping").Inc()
		m.transition(ctx, Connected, Degraded, fmt.Errorf("cannot ping: %w", err))
	case err != nil:
		m.logger.DebugCtx(
			ctx,
			"store reconnection attempt failed",
			log.String("backend", m.backend.Name()),
			log.Error(err),
		)
	}
}
