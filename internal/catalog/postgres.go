package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(dsn string) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("connected to PostgreSQL catalog", "component", "catalog")
	return &PostgresWriter{pool: pool}, nil
}

func (w *PostgresWriter) RecordOrder(ctx context.Context, rec OrderRecord) error {
	children, err := json.Marshal(nonNilChildren(rec.Children))
	if err != nil {
		return fmt.Errorf("marshal children: %w", err)
	}

	query := `
		INSERT INTO orders (job_id, subject, cid, byte_size, item_count, tx_hash, children, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, cid) DO NOTHING
	`
	_, err = w.pool.Exec(ctx, query,
		rec.JobID,
		rec.Subject,
		rec.CID,
		rec.ByteSize,
		rec.ItemCount,
		rec.TxHash,
		children,
		rec.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", rec.CID, err)
	}
	return nil
}

func (w *PostgresWriter) RecordJob(ctx context.Context, rec JobRecord) error {
	orders, err := json.Marshal(nonNilStrings(rec.Orders))
	if err != nil {
		return fmt.Errorf("marshal orders: %w", err)
	}

	query := `
		INSERT INTO jobs (job_id, subject, outcome, total, succeeded, failed, orders, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			total = EXCLUDED.total,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			orders = EXCLUDED.orders,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at
	`
	_, err = w.pool.Exec(ctx, query,
		rec.JobID,
		rec.Subject,
		rec.Outcome,
		rec.Total,
		rec.Succeeded,
		rec.Failed,
		orders,
		rec.Error,
		rec.StartedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", rec.JobID, err)
	}
	return nil
}

func (w *PostgresWriter) ListOrders(ctx context.Context, subject string) ([]OrderRecord, error) {
	rows, err := w.pool.Query(ctx, `
		SELECT job_id, subject, cid, byte_size, item_count, tx_hash, children, committed_at
		FROM orders WHERE subject = $1 ORDER BY id
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OrderRecord, error) {
		var rec OrderRecord
		var children []byte
		if err := row.Scan(&rec.JobID, &rec.Subject, &rec.CID, &rec.ByteSize, &rec.ItemCount,
			&rec.TxHash, &children, &rec.CommittedAt); err != nil {
			return rec, err
		}
		if err := json.Unmarshal(children, &rec.Children); err != nil {
			return rec, fmt.Errorf("parse children: %w", err)
		}
		return rec, nil
	})
}

// Close closes the connection pool.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nonNilChildren(c []Child) []Child {
	if c == nil {
		return []Child{}
	}
	return c
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
