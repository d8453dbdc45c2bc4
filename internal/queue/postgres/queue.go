// Package postgres implements the job queue on a Postgres table. Leases are rows whose
// visible_at lies in the future; FOR UPDATE SKIP LOCKED keeps concurrent receivers from
// claiming the same row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/queue"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable = "capture_jobs"
	pollInterval = 200 * time.Millisecond
)

// Config controls the Postgres connection pool and lease behavior.
type Config struct {
	DSN             string
	Table           string
	Lease           time.Duration
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Queue is a Postgres-backed queue.Service.
type Queue struct {
	pool  pool
	table string
	lease time.Duration
	ids   job.IDGenerator
}

// New connects to Postgres and returns a queue. It does not create the table; call EnsureSchema.
func New(ctx context.Context, cfg Config, ids job.IDGenerator) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	q, err := NewWithPool(p, cfg.Table, cfg.Lease, ids)
	if err != nil {
		p.Close()
		return nil, err
	}
	return q, nil
}

// NewWithPool constructs a queue from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, lease time.Duration, ids job.IDGenerator) (*Queue, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if lease <= 0 {
		return nil, fmt.Errorf("lease must be > 0")
	}
	return &Queue{pool: p, table: table, lease: lease, ids: ids}, nil
}

// EnsureSchema creates the queue table and its visibility index if missing.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id            text PRIMARY KEY,
	body          jsonb NOT NULL,
	receipt       text,
	receive_count integer NOT NULL DEFAULT 0,
	visible_at    timestamptz NOT NULL,
	enqueued_at   timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_visible_idx ON %[1]s (visible_at, enqueued_at);`, q.table)
	if _, err := q.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create queue table: %w", err)
	}
	return nil
}

// Enqueue inserts the descriptor as an immediately visible row.
func (q *Queue) Enqueue(ctx context.Context, d job.Descriptor) (string, error) {
	body, err := job.Encode(d)
	if err != nil {
		return "", err
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("mint job id: %w", err)
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (id, body, receive_count, visible_at, enqueued_at) VALUES ($1, $2, 0, now(), now())`,
		q.table,
	)
	if _, err := q.pool.Exec(ctx, query, id, body); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// Receive leases the oldest visible row, polling until wait elapses.
func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*queue.Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		d, err := q.lease1(ctx)
		if err != nil || d != nil {
			return d, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-time.After(min(remaining, pollInterval)):
		}
	}
}

func (q *Queue) lease1(ctx context.Context) (*queue.Delivery, error) {
	receipt, err := q.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("mint receipt: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %[1]s
SET receipt = $1, receive_count = receive_count + 1, visible_at = now() + make_interval(secs => $2)
WHERE id = (
	SELECT id FROM %[1]s
	WHERE visible_at <= now()
	ORDER BY enqueued_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, body, receive_count, visible_at`, q.table)

	d := &queue.Delivery{Receipt: receipt}
	err = q.pool.QueryRow(ctx, query, receipt, q.lease.Seconds()).
		Scan(&d.JobID, &d.Body, &d.ReceiveCount, &d.LeaseExpires)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("lease job: %w", err)
	}
	return d, nil
}

// Ack deletes the row leased under receipt.
func (q *Queue) Ack(ctx context.Context, receipt string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE receipt = $1`, q.table)
	tag, err := q.pool.Exec(ctx, query, receipt)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrStaleReceipt
	}
	return nil
}

// Stats counts visible and leased rows.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	query := fmt.Sprintf(`
SELECT
	count(*) FILTER (WHERE visible_at <= now()),
	count(*) FILTER (WHERE visible_at > now())
FROM %s`, q.table)
	var st queue.Stats
	if err := q.pool.QueryRow(ctx, query).Scan(&st.Visible, &st.InFlight); err != nil {
		return queue.Stats{}, fmt.Errorf("count jobs: %w", err)
	}
	return st, nil
}

// Close releases the underlying pool resources.
func (q *Queue) Close() error {
	if q == nil || q.pool == nil {
		return nil
	}
	q.pool.Close()
	return nil
}
