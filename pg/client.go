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

package pg

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/multitracer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/admission/internal/version"
	"go.gearno.de/admission/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Client during
	// initialization.
	Option func(c *Client)

	// Client provides a PostgreSQL client with a connection pool,
	// logging, tracing, and Prometheus metrics registration.
	Client struct {
		addr     string
		user     string
		password string
		database string

		poolSize int32

		rootCAs *x509.CertPool

		pool *pgxpool.Pool

		tracerProvider trace.TracerProvider
		tracer         trace.Tracer
		logger         *log.Logger
		queryLogLevel  tracelog.LogLevel
		registerer     prometheus.Registerer
	}

	ExecFunc func(Conn) error
)

const (
	// BaseAdvisoryLockId is the first key of every advisory lock
	// taken by WithAdvisoryLock, the second key is derived from the
	// lock name.
	BaseAdvisoryLockId int32 = 42
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("pg.client")
	}
}

// WithAddr specifies the database address in "host:port" format.
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

// WithUser sets the database user.
func WithUser(user string) Option {
	return func(c *Client) {
		c.user = user
	}
}

// WithPassword sets the database password.
func WithPassword(password string) Option {
	return func(c *Client) {
		c.password = password
	}
}

// WithDatabase specifies the database to connect to.
func WithDatabase(database string) Option {
	return func(c *Client) {
		c.database = database
	}
}

// WithTLS enables TLS, trusting only the given certificates. The
// server name is the host part of the address.
func WithTLS(certs []*x509.Certificate) Option {
	return func(c *Client) {
		c.rootCAs = x509.NewCertPool()
		for _, cert := range certs {
			c.rootCAs.AddCert(cert)
		}
	}
}

// WithQueryLogLevel sets the minimum level of the pgx query log.
// Default is warn, every statement is logged at info.
func WithQueryLogLevel(l tracelog.LogLevel) Option {
	return func(c *Client) {
		c.queryLogLevel = l
	}
}

// WithPoolSize bounds the number of open connections.
func WithPoolSize(i int32) Option {
	return func(c *Client) {
		c.poolSize = i
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = r
	}
}

// NewClient returns a client whose pool connects lazily. The pool
// statistics are exported on the configured registerer; a pool with
// the same labels already registered is tolerated.
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		addr:           "localhost:5432",
		user:           "postgres",
		database:       "postgres",
		poolSize:       10,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		queryLogLevel:  tracelog.LogLevelWarn,
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(c)
	}

	host, portStr, err := net.SplitHostPort(c.addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	if c.poolSize < 1 {
		return nil, fmt.Errorf("invalid pool size %d", c.poolSize)
	}

	config, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("cannot parse default pool config: %w", err)
	}

	config.ConnConfig.Host = host
	config.ConnConfig.Port = uint16(port)
	config.ConnConfig.User = c.user
	config.ConnConfig.Password = c.password
	config.ConnConfig.Database = c.database
	config.ConnConfig.TLSConfig = nil
	if c.rootCAs != nil {
		config.ConnConfig.TLSConfig = &tls.Config{
			RootCAs:    c.rootCAs,
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
	}
	config.MinConns = 1
	config.MaxConns = c.poolSize

	c.tracer = c.tracerProvider.Tracer(
		tracerName,
		trace.WithInstrumentationVersion(
			version.New(0).Alpha(1),
		),
	)

	config.ConnConfig.Tracer = multitracer.New(
		&tracer{c.tracer},
		&tracelog.TraceLog{
			Logger:   &logger{c.logger},
			LogLevel: c.queryLogLevel,
		},
	)

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool from config: %w", err)
	}

	collector := newCollector(
		pool,
		prometheus.Labels{
			"database": c.database,
			"user":     c.user,
			"addr":     c.addr,
		},
	)
	if err := c.registerer.Register(collector); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			pool.Close()
			return nil, fmt.Errorf("cannot register pool collector: %w", err)
		}
	}

	c.pool = pool

	return c, nil
}

// Close closes the connection pool.
func (c *Client) Close() {
	c.pool.Close()
}

// Ping acquires a connection and checks the server answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping database: %w", err)
	}

	return nil
}

// startSpan starts a span named name when the span of ctx is
// recording. The returned span is nil otherwise.
func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, nil
	}

	return c.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// WithConn runs exec with a connection acquired from the pool.
func (c *Client) WithConn(ctx context.Context, exec ExecFunc) error {
	ctx, span := c.startSpan(ctx, "pg.WithConn")
	if span != nil {
		defer span.End()
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		err = fmt.Errorf("cannot acquire connection: %w", err)
		recordError(span, err)
		return err
	}
	defer conn.Release()

	if err := exec(conn); err != nil {
		recordError(span, err)
		return err
	}

	return nil
}

// WithTx runs exec within a transaction. The transaction is rolled
// back when exec returns an error and committed otherwise.
func (c *Client) WithTx(ctx context.Context, exec ExecFunc) error {
	ctx, span := c.startSpan(ctx, "pg.WithTx")
	if span != nil {
		defer span.End()
	}

	err := c.withTx(ctx, exec)
	if err != nil {
		recordError(span, err)
	}

	return err
}

func (c *Client) withTx(ctx context.Context, exec ExecFunc) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("cannot acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}

	if err := exec(tx); err != nil {
		if err2 := tx.Rollback(ctx); err2 != nil {
			err = errors.Join(err, fmt.Errorf("cannot rollback transaction: %w", err2))
		}

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cannot commit transaction: %w", err)
	}

	return nil
}

// WithAdvisoryLock runs f within a transaction holding the
// transaction level advisory lock (BaseAdvisoryLockId,
// hashtext(name)). Callers using the same name are serialized until
// commit or rollback.
func (c *Client) WithAdvisoryLock(ctx context.Context, name string, f ExecFunc) error {
	ctx, span := c.startSpan(ctx, "pg.WithAdvisoryLock", attribute.String("pg.lock_name", name))
	if span != nil {
		defer span.End()
	}

	err := c.withTx(
		ctx,
		func(conn Conn) error {
			q := "SELECT pg_advisory_xact_lock($1, hashtext($2))"
			if _, err := conn.Exec(ctx, q, BaseAdvisoryLockId, name); err != nil {
				return fmt.Errorf("cannot acquire advisory lock: %w", err)
			}

			return f(conn)
		},
	)
	if err != nil {
		recordError(span, err)
	}

	return err
}
