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

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/admission/internal/otelutils"
	"go.gearno.de/admission/internal/version"
	"go.gearno.de/admission/log"
	"go.gearno.de/crypto/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.22.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	handlerWrapper struct {
		next           http.Handler
		tracer         trace.Tracer
		logger         *log.Logger
		requestTimeout time.Duration
		healthCheck    HealthCheck
		metrics        *metrics
	}

	metrics struct {
		requestsTotal   *prometheus.CounterVec
		requestDuration *prometheus.HistogramVec
		requestSize     *prometheus.HistogramVec
		responseSize    *prometheus.HistogramVec
	}
)

const (
	tracerName = "go.gearno.de/admission/httpserver"

	healthPath = "/health"

	// statusClientClosed is recorded when the client went away
	// before anything was written.
	statusClientClosed = 499
)

var (
	internalErrorResponse = map[string]string{
		"error": "internal error",
	}
)

func newMetrics(r prometheus.Registerer) *metrics {
	labels := []string{"method", "host", "flavor", "status_code", "path"}

	return &metrics{
		requestsTotal: register(
			r,
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Subsystem: "http_server",
					Name:      "requests_total",
					Help:      "Total number of HTTP requests made.",
				},
				labels,
			),
		),
		requestDuration: register(
			r,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "request_duration_seconds",
					Help:      "Duration of HTTP requests in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				labels,
			),
		),
		requestSize: register(
			r,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "request_size_bytes",
					Help:      "Size of the HTTP request in bytes",
					Buckets:   prometheus.ExponentialBuckets(100, 10, 5),
				},
				labels,
			),
		),
		responseSize: register(
			r,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "response_size_bytes",
					Help:      "Size of HTTP responses in bytes",
					Buckets:   prometheus.ExponentialBuckets(100, 10, 5),
				},
				labels,
			),
		),
	}
}

// register registers c on r and returns the collector already
// registered under the same descriptor if any.
func register[T prometheus.Collector](r prometheus.Registerer, c T) T {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}

		panic(fmt.Errorf("cannot register http server metrics: %w", err))
	}

	return c
}

func newHandlerWrapper(
	next http.Handler,
	logger *log.Logger,
	tp trace.TracerProvider,
	registerer prometheus.Registerer,
	requestTimeout time.Duration,
	healthCheck HealthCheck,
) *handlerWrapper {
	return &handlerWrapper{
		next:   next,
		logger: logger,
		tracer: tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		),
		requestTimeout: requestTimeout,
		healthCheck:    healthCheck,
		metrics:        newMetrics(registerer),
	}
}

func (hw *handlerWrapper) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json; charset=utf-8")

	if err := hw.healthCheck(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

func (hw *handlerWrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Bypass for OPTIONS request to avoid telemetry, metrics and
	// logging noise.
	if r.Method == http.MethodOptions {
		hw.next.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == healthPath {
		hw.serveHealth(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), hw.requestTimeout)
	defer cancel()

	var (
		r2        = r.Clone(ctx)
		start     = time.Now()
		requestID = r2.Header.Get("x-request-id")
		ww        = middleware.NewWrapResponseWriter(w, r2.ProtoMajor)
		logger    = hw.logger.With(
			log.String("http_request_method", r2.Method),
			log.String("http_request_host", r2.Host),
			log.String("http_request_path", r2.URL.Path),
			log.String("http_request_flavor", r2.Proto),
			log.String("http_request_user_agent", r2.UserAgent()),
			log.String("http_request_client_ip", r2.RemoteAddr),
		)
	)

	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			logger.ErrorCtx(ctx, "cannot generate request id", log.Error(err))
		}

		requestID = id.String()
	}
	r2.Header.Set("x-request-id", requestID)
	ww.Header().Set("x-request-id", requestID)
	logger = logger.With(log.String("http_request_id", requestID))

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		propagator := otel.GetTextMapPropagator()
		ctx = propagator.Extract(ctx, propagation.HeaderCarrier(r2.Header))

		ctx, span = hw.tracer.Start(
			ctx,
			fmt.Sprintf("%s %s", r2.Method, r2.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.NetworkPeerAddress(r2.URL.Host),
				semconv.NetworkPeerPort(atoi(r2.URL.Port())),
				semconv.URLScheme(r2.URL.Scheme),
				attribute.String("http.method", r2.Method),
				attribute.String("http.url", r2.URL.String()),
				attribute.String("http.target", r2.URL.Path),
				attribute.String("http.host", r2.Host),
				attribute.String("http.flavor", r2.Proto),
				attribute.String("http.client_ip", r2.RemoteAddr),
				attribute.String("http.user_agent", r2.UserAgent()),
				attribute.String("http.request_id", requestID),
			),
		)
		defer span.End()
	}

	// Inject an empty chi route context so the pattern matched by a
	// chi router further down is readable once the handler returns.
	ctx = context.WithValue(ctx, chi.RouteCtxKey, chi.NewRouteContext())

	defer func() {
		hasPanic := false
		if rvr := recover(); rvr != nil {
			hasPanic = true

			if err, ok := rvr.(error); ok {
				otelutils.RecordError(span, err)
			} else if span != nil {
				span.SetStatus(codes.Error, fmt.Sprintf("%v", rvr))
			}

			stack := make([]byte, 1024)
			length := runtime.Stack(stack, false)

			logger = logger.With(
				log.Any("error", rvr),
				log.String("stacktrace", string(stack[:length])),
			)

			ww.WriteHeader(http.StatusInternalServerError)
			if err := json.NewEncoder(ww).Encode(internalErrorResponse); err != nil {
				logger.ErrorCtx(ctx, "cannot write internal error", log.Error(err))
			}
		}

		status := ww.Status()
		if status == 0 {
			switch {
			case errors.Is(ctx.Err(), context.DeadlineExceeded):
				RenderError(ww, http.StatusServiceUnavailable, errors.New("request timeout"))
				status = ww.Status()
			case ctx.Err() != nil:
				status = statusClientClosed
			default:
				status = http.StatusOK
			}
		}

		hw.observe(r2, ctx, ww, status, time.Since(start))

		logger = logger.With(
			log.Int("http_response_size", ww.BytesWritten()),
			log.Int("http_response_status", status),
		)

		if status > 499 && !hasPanic && span != nil {
			span.SetStatus(codes.Error, fmt.Sprintf("%d status code", status))
		}

		msg := fmt.Sprintf(
			"%s %s %d %s %s",
			r2.Method,
			r2.URL.Path,
			status,
			formatSize(ww.BytesWritten()),
			time.Since(start),
		)

		if status > 499 || hasPanic {
			logger.ErrorCtx(ctx, msg)
		} else {
			logger.InfoCtx(ctx, msg)
		}
	}()

	hw.next.ServeHTTP(ww, r2.WithContext(ctx))
}

func (hw *handlerWrapper) observe(
	r *http.Request,
	ctx context.Context,
	ww middleware.WrapResponseWriter,
	status int,
	duration time.Duration,
) {
	labels := prometheus.Labels{
		"method":      r.Method,
		"host":        r.Host,
		"flavor":      r.Proto,
		"status_code": strconv.Itoa(status),
		"path":        chi.RouteContext(ctx).RoutePattern(),
	}

	hw.metrics.requestsTotal.With(labels).Inc()
	hw.metrics.requestDuration.With(labels).Observe(duration.Seconds())
	hw.metrics.requestSize.With(labels).Observe(estimateRequestSize(r))
	hw.metrics.responseSize.With(labels).Observe(float64(ww.BytesWritten()))
}

func formatSize(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%dB", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fkB", float64(n)/1e3)
	case n < 1_000_000_000:
		return fmt.Sprintf("%.1fMB", float64(n)/1e6)
	default:
		return fmt.Sprintf("%.1fGB", float64(n)/1e9)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}

	return v
}

func estimateRequestSize(r *http.Request) float64 {
	s := 0
	if r.URL != nil {
		s = len(r.URL.Path)
	}

	s += len(r.Method)
	s += len(r.Proto)
	for name, values := range r.Header {
		s += len(name)
		for _, value := range values {
			s += len(value)
		}
	}
	s += len(r.Host)

	if r.ContentLength != -1 {
		s += int(r.ContentLength)
	}

	return float64(s)
}
