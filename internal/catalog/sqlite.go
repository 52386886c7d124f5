package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteWriter implements Writer on a local SQLite file.
type SQLiteWriter struct {
	db *sql.DB
}

// NewSQLiteWriter opens (or creates) the SQLite database at path.
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// :memory: databases are per-connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	w := &SQLiteWriter{db: db}
	if err := w.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return w, nil
}

func (w *SQLiteWriter) migrate() error {
	_, err := w.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id       TEXT     NOT NULL,
			subject      TEXT     NOT NULL,
			cid          TEXT     NOT NULL,
			byte_size    INTEGER  NOT NULL,
			item_count   INTEGER  NOT NULL,
			tx_hash      TEXT     NOT NULL DEFAULT '',
			children     TEXT     NOT NULL DEFAULT '[]',
			committed_at DATETIME NOT NULL,
			UNIQUE (job_id, cid)
		);
		CREATE INDEX IF NOT EXISTS idx_orders_subject ON orders(subject);

		CREATE TABLE IF NOT EXISTS jobs (
			job_id      TEXT PRIMARY KEY,
			subject     TEXT     NOT NULL,
			outcome     TEXT     NOT NULL,
			total       INTEGER  NOT NULL,
			succeeded   INTEGER  NOT NULL,
			failed      INTEGER  NOT NULL,
			orders      TEXT     NOT NULL DEFAULT '[]',
			error       TEXT     NOT NULL DEFAULT '',
			started_at  DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_subject ON jobs(subject);
	`)
	return err
}

func (w *SQLiteWriter) RecordOrder(ctx context.Context, rec OrderRecord) error {
	children, err := json.Marshal(nonNilChildren(rec.Children))
	if err != nil {
		return fmt.Errorf("marshal children: %w", err)
	}
	_, err = w.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO orders
			(job_id, subject, cid, byte_size, item_count, tx_hash, children, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.JobID,
		rec.Subject,
		rec.CID,
		rec.ByteSize,
		rec.ItemCount,
		rec.TxHash,
		string(children),
		rec.CommittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", rec.CID, err)
	}
	return nil
}

func (w *SQLiteWriter) RecordJob(ctx context.Context, rec JobRecord) error {
	orders, err := json.Marshal(nonNilStrings(rec.Orders))
	if err != nil {
		return fmt.Errorf("marshal orders: %w", err)
	}
	_, err = w.db.ExecContext(ctx, `
		INSERT INTO jobs
			(job_id, subject, outcome, total, succeeded, failed, orders, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			outcome = excluded.outcome,
			total = excluded.total,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			orders = excluded.orders,
			error = excluded.error,
			finished_at = excluded.finished_at
	`,
		rec.JobID,
		rec.Subject,
		rec.Outcome,
		rec.Total,
		rec.Succeeded,
		rec.Failed,
		string(orders),
		rec.Error,
		rec.StartedAt.UTC(),
		rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", rec.JobID, err)
	}
	return nil
}

func (w *SQLiteWriter) ListOrders(ctx context.Context, subject string) ([]OrderRecord, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT job_id, subject, cid, byte_size, item_count, tx_hash, children, committed_at
		FROM orders WHERE subject = ? ORDER BY id
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		var children string
		var committed time.Time
		if err := rows.Scan(&rec.JobID, &rec.Subject, &rec.CID, &rec.ByteSize, &rec.ItemCount,
			&rec.TxHash, &children, &committed); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if err := json.Unmarshal([]byte(children), &rec.Children); err != nil {
			return nil, fmt.Errorf("parse children: %w", err)
		}
		rec.CommittedAt = committed
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}
