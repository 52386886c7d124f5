// Package catalog keeps a queryable record of placed orders and finished jobs.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Child is one item inside a committed batch.
type Child struct {
	ID  string `json:"id"`
	CID string `json:"cid"`
}

type OrderRecord struct {
	JobID       string    `json:"job_id"`
	Subject     string    `json:"subject"`
	CID         string    `json:"cid"`
	ByteSize    int64     `json:"byte_size"`
	ItemCount   int       `json:"item_count"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Children    []Child   `json:"children"`
	CommittedAt time.Time `json:"committed_at"`
}

type JobRecord struct {
	JobID      string
	Subject    string
	Outcome    string
	Total      int
	Succeeded  int
	Failed     int
	Orders     []string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Writer persists catalog records. Callers treat failures as non-fatal.
type Writer interface {
	RecordOrder(ctx context.Context, rec OrderRecord) error
	RecordJob(ctx context.Context, rec JobRecord) error
	Close() error
}

// Reader lists what a Writer has recorded.
type Reader interface {
	ListOrders(ctx context.Context, subject string) ([]OrderRecord, error)
}

type CatalogConfig struct {
	DSN string
}

// NewWriter picks a backend from the DSN scheme: postgres:// and
// postgresql:// use Postgres, sqlite:// and file: use SQLite, and an empty
// DSN disables the catalog.
func NewWriter(cfg CatalogConfig) (Writer, error) {
	dsn := cfg.DSN
	switch {
	case dsn == "":
		return noopWriter{}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresWriter(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteWriter(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"):
		return NewSQLiteWriter(dsn)
	default:
		return nil, fmt.Errorf("unsupported catalog DSN scheme: %q", dsn)
	}
}

type noopWriter struct{}

func (noopWriter) RecordOrder(context.Context, OrderRecord) error { return nil }
func (noopWriter) RecordJob(context.Context, JobRecord) error     { return nil }
func (noopWriter) Close() error                                   { return nil }
