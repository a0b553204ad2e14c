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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/admission/clock"
	"go.gearno.de/admission/log"
	"go.gearno.de/admission/pg"
)

type (
	// PostgresOption configures a PostgresBackend.
	PostgresOption func(b *PostgresBackend)

	// PostgresBackend stores counters and marker sets in UNLOGGED
	// tables. UNLOGGED tables skip the WAL: their content is lost on
	// crash, which only resets the windows.
	PostgresBackend struct {
		pg     *pg.Client
		clock  clock.Clock
		logger *log.Logger

		schemaMu    sync.Mutex
		schemaReady bool

		cleanupInterval time.Duration
		cleanupOnce     sync.Once

		closeOnce sync.Once
	}
)

var (
	_ AtomicBackend = (*PostgresBackend)(nil)
)

// WithPostgresClock sets the clock used to compute expiries.
func WithPostgresClock(c clock.Clock) PostgresOption {
	return func(b *PostgresBackend) {
		b.clock = c
	}
}

// WithPostgresLogger sets a custom logger for the cleanup loop.
func WithPostgresLogger(l *log.Logger) PostgresOption {
	return func(b *PostgresBackend) {
		b.logger = l.Named("store.postgres")
	}
}

// WithCleanupInterval sets the interval for background cleanup of
// expired rows. Default is 5 minutes.
func WithCleanupInterval(d time.Duration) PostgresOption {
	return func(b *PostgresBackend) {
		b.cleanupInterval = d
	}
}

// NewPostgresBackend returns a backend using client. The backend owns
// the client and closes it on Close. Tables are created on the first
// successful Ping.
func NewPostgresBackend(client *pg.Client, options ...PostgresOption) *PostgresBackend {
	b := &PostgresBackend{
		pg:              client,
		clock:           clock.Real{},
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		cleanupInterval: 5 * time.Minute,
	}

	for _, o := range options {
		o(b)
	}

	return b
}

func (b *PostgresBackend) Name() string {
	return "postgres"
}

// Ping checks the database answers and makes sure the tables exist.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	if err := b.pg.Ping(ctx); err != nil {
		return err
	}

	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()

	if b.schemaReady {
		return nil
	}

	if err := b.pg.WithConn(ctx, func(conn pg.Conn) error {
		return ensureTables(ctx, conn)
	}); err != nil {
		return fmt.Errorf("cannot ensure admission tables: %w", err)
	}

	b.schemaReady = true
	return nil
}

func (b *PostgresBackend) Close() error {
	b.closeOnce.Do(b.pg.Close)
	return nil
}

func (b *PostgresBackend) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var (
		now   = b.clock.Now()
		count int64
	)

	err := b.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
INSERT INTO admission_counters (key, count, expires_at)
VALUES ($1, 1, $2)
ON CONFLICT (key)
DO UPDATE SET
    count = CASE
        WHEN admission_counters.expires_at <= $3 THEN 1
        ELSE admission_counters.count + 1
    END,
    expires_at = CASE
        WHEN admission_counters.expires_at <= $3 THEN EXCLUDED.expires_at
        ELSE admission_counters.expires_at
    END
RETURNING count
`
			return conn.QueryRow(ctx, q, key, now.Add(ttl).UnixMilli(), now.UnixMilli()).Scan(&count)
		},
	)
	if err != nil {
		return 0, fmt.Errorf("cannot increment %q: %w", key, err)
	}

	return count, nil
}

func (b *PostgresBackend) Trim(ctx context.Context, key string, cutoff int64) (MarkerSet, error) {
	var set MarkerSet

	err := b.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			batch := &pgx.Batch{}
			batch.Queue(`DELETE FROM admission_markers WHERE key = $1 AND score < $2`, key, cutoff)
			batch.Queue(selectMarkerSet, key)

			br := conn.SendBatch(ctx, batch)
			defer br.Close()

			if _, err := br.Exec(); err != nil {
				return err
			}

			return br.QueryRow().Scan(&set.Count, &set.Oldest)
		},
	)
	if err != nil {
		return MarkerSet{}, fmt.Errorf("cannot trim %q: %w", key, err)
	}

	return set, nil
}

func (b *PostgresBackend) Insert(ctx context.Context, key string, m Marker, ttl time.Duration) (MarkerSet, error) {
	var (
		set       MarkerSet
		expiresAt = b.clock.Now().Add(ttl).UnixMilli()
	)

	err := b.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			batch := &pgx.Batch{}
			batch.Queue(insertMarker, key, m.Score, m.Member)
			batch.Queue(upsertMarkerSet, key, expiresAt)
			batch.Queue(selectMarkerSet, key)

			br := conn.SendBatch(ctx, batch)
			defer br.Close()

			if _, err := br.Exec(); err != nil {
				return err
			}

			if _, err := br.Exec(); err != nil {
				return err
			}

			return br.QueryRow().Scan(&set.Count, &set.Oldest)
		},
	)
	if err != nil {
		return MarkerSet{}, fmt.Errorf("cannot insert marker in %q: %w", key, err)
	}

	return set, nil
}

// CheckAndInsert serializes checks on the same key with a transaction
// level advisory lock.
func (b *PostgresBackend) CheckAndInsert(
	ctx context.Context,
	key string,
	m Marker,
	window time.Duration,
	limit int64,
) (bool, MarkerSet, error) {
	var (
		inserted  bool
		set       MarkerSet
		expiresAt = b.clock.Now().Add(window).UnixMilli()
	)

	err := b.pg.WithAdvisoryLock(
		ctx,
		key,
		func(conn pg.Conn) error {
			q := `DELETE FROM admission_markers WHERE key = $1 AND score < $2`
			if _, err := conn.Exec(ctx, q, key, m.Score-window.Milliseconds()); err != nil {
				return fmt.Errorf("cannot trim markers: %w", err)
			}

			if err := conn.QueryRow(ctx, selectMarkerSet, key).Scan(&set.Count, &set.Oldest); err != nil {
				return fmt.Errorf("cannot count markers: %w", err)
			}

			if set.Count >= limit {
				return nil
			}

			if _, err := conn.Exec(ctx, insertMarker, key, m.Score, m.Member); err != nil {
				return fmt.Errorf("cannot insert marker: %w", err)
			}

			if _, err := conn.Exec(ctx, upsertMarkerSet, key, expiresAt); err != nil {
				return fmt.Errorf("cannot refresh marker set expiry: %w", err)
			}

			if set.Count == 0 || m.Score < set.Oldest {
				set.Oldest = m.Score
			}
			set.Count++
			inserted = true

			return nil
		},
	)
	if err != nil {
		return false, MarkerSet{}, fmt.Errorf("cannot check sliding window of %q: %w", key, err)
	}

	return inserted, set, nil
}

// StartCleanup starts a background goroutine that periodically removes
// expired rows. The goroutine stops when ctx is cancelled. Only the
// first call starts the goroutine.
func (b *PostgresBackend) StartCleanup(ctx context.Context) {
	b.cleanupOnce.Do(func() {
		go runSweepLoop(ctx, b.logger, b.cleanupInterval, b.Cleanup)
	})
}

// Cleanup removes expired counters and marker sets and returns the
// number of deleted rows.
func (b *PostgresBackend) Cleanup(ctx context.Context) (int64, error) {
	var (
		now         = b.clock.Now().UnixMilli()
		rowsDeleted int64
	)

	err := b.pg.WithTx(
		ctx,
		func(conn pg.Conn) error {
			for _, q := range []string{
				`DELETE FROM admission_counters WHERE expires_at <= $1`,
				`
DELETE FROM admission_markers
WHERE key IN (
    SELECT key FROM admission_marker_sets WHERE expires_at <= $1
)`,
				`DELETE FROM admission_marker_sets WHERE expires_at <= $1`,
			} {
				tag, err := conn.Exec(ctx, q, now)
				if err != nil {
					return err
				}
				rowsDeleted += tag.RowsAffected()
			}

			return nil
		},
	)
	if err != nil {
		return 0, fmt.Errorf("cannot cleanup admission tables: %w", err)
	}

	return rowsDeleted, nil
}

const (
	insertMarker = `
INSERT INTO admission_markers (key, score, member)
VALUES ($1, $2, $3)
ON CONFLICT (key, member) DO NOTHING
`

	upsertMarkerSet = `
INSERT INTO admission_marker_sets (key, expires_at)
VALUES ($1, $2)
ON CONFLICT (key)
DO UPDATE SET expires_at = EXCLUDED.expires_at
`

	selectMarkerSet = `
SELECT count(*), COALESCE(min(score), 0)
FROM admission_markers
WHERE key = $1
`
)

func ensureTables(ctx context.Context, conn pg.Conn) error {
	q := `
CREATE UNLOGGED TABLE IF NOT EXISTS admission_counters (
    key         TEXT PRIMARY KEY,
    count       BIGINT NOT NULL DEFAULT 0,
    expires_at  BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_admission_counters_expires_at
ON admission_counters (expires_at);

CREATE UNLOGGED TABLE IF NOT EXISTS admission_markers (
    key     TEXT NOT NULL,
    score   BIGINT NOT NULL,
    member  TEXT NOT NULL,
    PRIMARY KEY (key, member)
);

CREATE INDEX IF NOT EXISTS idx_admission_markers_key_score
ON admission_markers (key, score);

CREATE UNLOGGED TABLE IF NOT EXISTS admission_marker_sets (
    key         TEXT PRIMARY KEY,
    expires_at  BIGINT NOT NULL
);
`
	_, err := conn.Exec(ctx, q)
	return err
}
