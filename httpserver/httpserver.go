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

// Package httpserver builds the HTTP server hosting the admission
// middleware.
//
// The returned server wraps the handler with request ids, tracing,
// Prometheus metrics, access logs and panic recovery. Every request
// context carries the configured request timeout, which bounds the
// admission store round trips as well as the downstream handler.
// The "/health" path is answered by the wrapper itself and never
// reaches the handler.
package httpserver

import (
	"context"
	"io"
	stdlog "log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/admission/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type (
	Option func(o *Options)

	// HealthCheck reports whether the process can serve traffic.
	// A non nil error turns the health endpoint into a 503.
	HealthCheck func(ctx context.Context) error

	Options struct {
		tracerProvider    trace.TracerProvider
		logger            *log.Logger
		registerer        prometheus.Registerer
		requestTimeout    time.Duration
		readHeaderTimeout time.Duration
		idleTimeout       time.Duration
		healthCheck       HealthCheck
	}
)

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 15 * time.Second
)

// WithLogger is an option setter for specifying a logger for HTTP
// telemetry and error logging.
func WithLogger(l *log.Logger) Option {
	return func(o *Options) {
		o.logger = l.Named("http.server")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.tracerProvider = tp
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) {
		o.registerer = r
	}
}

// WithRequestTimeout sets the deadline attached to every request
// context. Default is 30 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.requestTimeout = d
	}
}

// WithReadHeaderTimeout sets the server read header timeout. Default
// is 5 seconds.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.readHeaderTimeout = d
	}
}

// WithIdleTimeout sets the keep-alive idle timeout. Default is 15
// seconds.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.idleTimeout = d
	}
}

// WithHealthCheck sets the function backing the health endpoint.
func WithHealthCheck(f HealthCheck) Option {
	return func(o *Options) {
		o.healthCheck = f
	}
}

// RequestTimeout returns the request timeout NewServer would use
// with the given options.
func RequestTimeout(options ...Option) time.Duration {
	return newOptions(options...).requestTimeout
}

func newOptions(options ...Option) *Options {
	opts := &Options{
		logger:            log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider:    otel.GetTracerProvider(),
		registerer:        prometheus.DefaultRegisterer,
		requestTimeout:    defaultRequestTimeout,
		readHeaderTimeout: defaultReadHeaderTimeout,
		idleTimeout:       defaultIdleTimeout,
		healthCheck:       func(context.Context) error { return nil },
	}

	for _, o := range options {
		o(opts)
	}

	return opts
}

func NewServer(addr string, h http.Handler, options ...Option) *http.Server {
	opts := newOptions(options...)

	logger := opts.logger.With(log.String("http_server_addr", addr))
	handler := newHandlerWrapper(
		h,
		logger,
		opts.tracerProvider,
		opts.registerer,
		opts.requestTimeout,
		opts.healthCheck,
	)

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ErrorLog:          stdlog.New(logger.NewWriter(log.LevelError), "", 0),
		ReadHeaderTimeout: opts.readHeaderTimeout,
		IdleTimeout:       opts.idleTimeout,
	}
}
