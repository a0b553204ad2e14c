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

// Package admissiond implements the admissiond service: a demo API
// whose routes are guarded by the admission middleware, backed by the
// counting store selected in the configuration.
package admissiond

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/admission/admission"
	"go.gearno.de/admission/httpserver"
	"go.gearno.de/admission/identity"
	"go.gearno.de/admission/log"
	"go.gearno.de/admission/pg"
	"go.gearno.de/admission/policy"
	"go.gearno.de/admission/ratelimit"
	"go.gearno.de/admission/store"
	"go.opentelemetry.io/otel/trace"
)

type (
	Service struct {
		cfg Config

		// ready receives the bound address once the HTTP listener
		// is open.
		ready chan<- string
	}
)

func New() *Service {
	return &Service{cfg: defaultConfig()}
}

func (s *Service) GetConfiguration() any {
	return &s.cfg
}

func (s *Service) Run(
	parentCtx context.Context,
	l *log.Logger,
	r prometheus.Registerer,
	tp trace.TracerProvider,
) error {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	if err := s.cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := log.ParseLevel(s.cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	format, err := log.ParseFormat(s.cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := l.Named("admissiond", log.WithLevel(level), log.WithFormat(format))

	registry, err := s.cfg.Registry()
	if err != nil {
		return fmt.Errorf("cannot build policy registry: %w", err)
	}

	trust, err := s.cfg.TrustConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	backend, err := s.newBackend(ctx, logger, r, tp)
	if err != nil {
		return fmt.Errorf("cannot create %s store backend: %w", s.cfg.Store.Backend, err)
	}

	manager := store.NewManager(
		backend,
		append(
			s.cfg.Store.managerOptions(),
			store.WithLogger(logger),
			store.WithTracerProvider(tp),
			store.WithRegisterer(r),
		)...,
	)
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error("cannot close counting store", log.Error(err))
		}
	}()

	// A failed connection leaves the manager degraded and
	// reconnecting in the background. The outage is reported by the
	// middleware on first use and by the health check.
	connectCtx, cancelConnect := context.WithTimeout(ctx, manager.Timeout())
	_ = manager.Connect(connectCtx)
	cancelConnect()

	middleware, err := admission.New(
		registry,
		identity.NewResolver(trust),
		s.counters(manager, logger, r, tp),
		admission.WithLogger(logger),
		admission.WithTracerProvider(tp),
		admission.WithRegisterer(r),
		admission.WithStore(manager),
		admission.WithStoreTimeout(ms(s.cfg.Store.TimeoutMs)),
		admission.WithRequestTimeout(ms(s.cfg.HTTP.RequestTimeoutMs)),
	)
	if err != nil {
		return fmt.Errorf("cannot create admission middleware: %w", err)
	}

	for _, p := range registry.Policies() {
		logger.InfoCtx(
			ctx,
			"policy registered",
			log.String("policy", p.Name),
			log.String("route", p.Route),
			log.Duration("window", p.Window),
			log.Int("max_requests", p.MaxRequests),
			log.String("identity", p.Identity.String()),
			log.String("degrade", p.Degrade.String()),
			log.String("algorithm", p.Algorithm.String()),
		)
	}

	server := httpserver.NewServer(
		s.cfg.HTTP.Addr,
		NewRouter(middleware),
		httpserver.WithLogger(logger),
		httpserver.WithTracerProvider(tp),
		httpserver.WithRegisterer(r),
		httpserver.WithRequestTimeout(ms(s.cfg.HTTP.RequestTimeoutMs)),
		httpserver.WithHealthCheck(
			func(context.Context) error {
				if !manager.Available() {
					return fmt.Errorf("counting store is %s", manager.State())
				}

				return nil
			},
		),
	)

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", server.Addr, err)
	}
	defer listener.Close()

	logger.InfoCtx(
		ctx,
		"http server started",
		log.String("addr", listener.Addr().String()),
		log.String("store_backend", backend.Name()),
	)

	if s.ready != nil {
		s.ready <- listener.Addr().String()
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.InfoCtx(ctx, "shutting down http server")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return ctx.Err()
}

func (s *Service) newBackend(
	ctx context.Context,
	logger *log.Logger,
	r prometheus.Registerer,
	tp trace.TracerProvider,
) (store.Backend, error) {
	cfg := s.cfg.Store

	switch cfg.Backend {
	case BackendRedis:
		client, err := store.NewRedisClient(
			store.RedisConfig{
				Addrs:    cfg.Redis.Addrs,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				PoolSize: cfg.Redis.PoolSize,
			},
		)
		if err != nil {
			return nil, err
		}

		return store.NewRedisBackend(client), nil

	case BackendPostgres:
		client, err := pg.NewClient(
			pg.WithAddr(cfg.Postgres.Addr),
			pg.WithUser(cfg.Postgres.User),
			pg.WithPassword(cfg.Postgres.Password),
			pg.WithDatabase(cfg.Postgres.Database),
			pg.WithPoolSize(cfg.Postgres.PoolSize),
			pg.WithLogger(logger),
			pg.WithTracerProvider(tp),
			pg.WithRegisterer(r),
		)
		if err != nil {
			return nil, err
		}

		b := store.NewPostgresBackend(
			client,
			store.WithPostgresLogger(logger),
			store.WithCleanupInterval(ms(cfg.Postgres.CleanupIntervalMs)),
		)
		b.StartCleanup(ctx)

		return b, nil

	default:
		b := store.NewMemoryBackend(
			store.WithMemoryLogger(logger),
			store.WithSweepInterval(ms(cfg.Memory.SweepIntervalMs)),
		)
		b.StartSweep(ctx)

		return b, nil
	}
}

func (s *Service) counters(
	m *store.Manager,
	logger *log.Logger,
	r prometheus.Registerer,
	tp trace.TracerProvider,
) map[policy.Algorithm]ratelimit.Counter {
	options := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithTracerProvider(tp),
		ratelimit.WithRegisterer(r),
	}

	sliding := options
	if s.cfg.Store.Backend == BackendRedis && !s.cfg.Store.Redis.Atomic {
		sliding = append(sliding[:len(sliding):len(sliding)], ratelimit.WithPipelined())
	}

	return map[policy.Algorithm]ratelimit.Counter{
		policy.Sliding: ratelimit.NewSlidingWindow(m, sliding...),
		policy.Fixed:   ratelimit.NewFixedWindow(m, options...),
	}
}
