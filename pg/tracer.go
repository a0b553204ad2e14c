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
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.gearno.de/admission/internal/otelutils"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	// tracer turns pgx hooks into client spans. Spans are only
	// started under a recording parent so that admission checks
	// issued outside of a trace cost nothing.
	tracer struct {
		tracer trace.Tracer
	}
)

var (
	_ pgx.QueryTracer       = (*tracer)(nil)
	_ pgx.BatchTracer       = (*tracer)(nil)
	_ pgx.ConnectTracer     = (*tracer)(nil)
	_ pgxpool.AcquireTracer = (*tracer)(nil)
)

const (
	tracerName = "go.gearno.de/admission/pg"

	BatchSizeKey = attribute.Key("db.operation.batch.size")

	RowsAffectedKey = attribute.Key("pgx.rows_affected")

	// SQLStateKey holds the PostgreSQL error code, see
	// https://www.postgresql.org/docs/current/errcodes-appendix.html.
	SQLStateKey = attribute.Key("db.response.status_code")
)

func (t *tracer) start(
	ctx context.Context,
	name string,
	config *pgx.ConnConfig,
	attrs ...attribute.KeyValue,
) context.Context {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx
	}

	if config != nil {
		attrs = append(
			attrs,
			semconv.NetworkPeerAddress(config.Host),
			semconv.NetworkPeerPort(int(config.Port)),
			semconv.DBSystemNamePostgreSQL,
		)
	}

	ctx, _ = t.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	return ctx
}

func end(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		recordError(span, err)
	} else {
		span.SetAttributes(attrs...)
	}

	span.End()
}

func recordError(span trace.Span, err error) {
	otelutils.RecordError(span, err)

	var pgErr *pgconn.PgError
	if span != nil && errors.As(err, &pgErr) {
		span.SetAttributes(SQLStateKey.String(pgErr.Code))
	}
}

func queryAttributes(sql string) []attribute.KeyValue {
	operation := "UNKNOWN"
	if fields := strings.Fields(sql); len(fields) > 0 {
		operation = strings.ToUpper(fields[0])
	}

	return []attribute.KeyValue{
		semconv.DBOperationName(operation),
		semconv.DBQueryText(sql),
	}
}

func connConfig(conn *pgx.Conn) *pgx.ConnConfig {
	if conn == nil {
		return nil
	}

	return conn.Config()
}

func (t *tracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return t.start(ctx, "db.query", connConfig(conn), queryAttributes(data.SQL)...)
}

func (t *tracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	end(ctx, data.Err, RowsAffectedKey.Int64(data.CommandTag.RowsAffected()))
}

func (t *tracer) TraceBatchStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceBatchStartData) context.Context {
	var size int
	if data.Batch != nil {
		size = data.Batch.Len()
	}

	return t.start(ctx, "db.batch.query", connConfig(conn), BatchSizeKey.Int(size))
}

func (t *tracer) TraceBatchQuery(ctx context.Context, conn *pgx.Conn, data pgx.TraceBatchQueryData) {
	qctx := t.start(ctx, "db.query", connConfig(conn), queryAttributes(data.SQL)...)
	if qctx == ctx {
		return
	}

	end(qctx, data.Err, RowsAffectedKey.Int64(data.CommandTag.RowsAffected()))
}

func (t *tracer) TraceBatchEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchEndData) {
	end(ctx, data.Err)
}

func (t *tracer) TraceConnectStart(ctx context.Context, data pgx.TraceConnectStartData) context.Context {
	return t.start(ctx, "db.connect", data.ConnConfig)
}

func (t *tracer) TraceConnectEnd(ctx context.Context, data pgx.TraceConnectEndData) {
	end(ctx, data.Err)
}

func (t *tracer) TraceAcquireStart(ctx context.Context, pool *pgxpool.Pool, _ pgxpool.TraceAcquireStartData) context.Context {
	var config *pgx.ConnConfig
	if pool != nil && pool.Config() != nil {
		config = pool.Config().ConnConfig
	}

	return t.start(ctx, "pgx.pool.acquire", config)
}

func (t *tracer) TraceAcquireEnd(ctx context.Context, _ *pgxpool.Pool, data pgxpool.TraceAcquireEndData) {
	end(ctx, data.Err)
}
