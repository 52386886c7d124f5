package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
)

func jobOutcome(ctx context.Context, w *SQLiteWriter, jobID string) (string, error) {
	var outcome string
	err := w.db.QueryRowContext(ctx, `SELECT outcome FROM jobs WHERE job_id = ?`, jobID).Scan(&outcome)
	return outcome, err
}

func TestNewWriterSchemes(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		wantErr bool
	}{
		{"empty is noop", "", false},
		{"sqlite memory", "sqlite://:memory:", false},
		{"file uri", "file:" + filepath.Join(t.TempDir(), "c.db"), false},
		{"unknown scheme", "mysql://localhost/db", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWriter(CatalogConfig{DSN: tt.dsn})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewWriter(%q) err = %v, wantErr %v", tt.dsn, err, tt.wantErr)
			}
			if w != nil {
				w.Close()
			}
		})
	}
}

func TestSQLiteRecordAndList(t *testing.T) {
	w, err := NewSQLiteWriter(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteWriter: %v", err)
	}
	defer w.Close()
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := OrderRecord{
		JobID:       "job-1",
		Subject:     "0xabc",
		CID:         "bafyorder1",
		ByteSize:    2048,
		ItemCount:   2,
		TxHash:      "0xfeed",
		Children:    []Child{{ID: "1", CID: "bafy1"}, {ID: "2", CID: "bafy2"}},
		CommittedAt: now,
	}
	if err := w.RecordOrder(ctx, rec); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
	// duplicate (job, cid) is ignored
	if err := w.RecordOrder(ctx, rec); err != nil {
		t.Fatalf("RecordOrder duplicate: %v", err)
	}
	if err := w.RecordOrder(ctx, OrderRecord{JobID: "job-2", Subject: "0xother", CID: "bafyX", CommittedAt: now}); err != nil {
		t.Fatal(err)
	}

	got, err := w.ListOrders(ctx, "0xabc")
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 order, got %d", len(got))
	}
	if got[0].CID != "bafyorder1" || got[0].ByteSize != 2048 || len(got[0].Children) != 2 {
		t.Errorf("order = %+v", got[0])
	}
	if !got[0].CommittedAt.Equal(now) {
		t.Errorf("committed_at = %v, want %v", got[0].CommittedAt, now)
	}

	job := JobRecord{JobID: "job-1", Subject: "0xabc", Outcome: "partial", Total: 3, Succeeded: 2, Failed: 1,
		Orders: []string{"bafyorder1"}, StartedAt: now, FinishedAt: now.Add(time.Minute)}
	if err := w.RecordJob(ctx, job); err != nil {
		t.Fatalf("RecordJob: %v", err)
	}
	job.Outcome = "success"
	if err := w.RecordJob(ctx, job); err != nil {
		t.Fatalf("RecordJob upsert: %v", err)
	}
	outcome, err := jobOutcome(ctx, w, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != "success" {
		t.Errorf("outcome = %q, want success", outcome)
	}
}

func TestExportOrders(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	orders := []OrderRecord{
		{JobID: "j", Subject: "0x/abc", CID: "bafyA", ByteSize: 10, ItemCount: 1, CommittedAt: now,
			Children: []Child{{ID: "1", CID: "bafy1"}}},
		{JobID: "j", Subject: "0x/abc", CID: "bafyB", ByteSize: 20, ItemCount: 2, CommittedAt: now.Add(time.Second),
			Children: []Child{{ID: "2", CID: "bafy2"}, {ID: "3", CID: "bafy3"}}},
	}

	path, err := ExportOrders(dir, "0x/abc", "j", orders)
	if err != nil {
		t.Fatalf("ExportOrders: %v", err)
	}
	if filepath.Base(path) != "orders_0x_abc_j.parquet" {
		t.Errorf("path = %s", path)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	rows, err := parquet.ReadFile[CommitmentRow](path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != 2 || rows[0].CID != "bafyA" || rows[1].ItemCount != 2 {
		t.Errorf("rows = %+v", rows)
	}
	if !rows[1].CommittedAt.Equal(now.Add(time.Second)) {
		t.Errorf("committed_at = %v", rows[1].CommittedAt)
	}

	cpath, err := ExportChildren(dir, "0x/abc", "j", orders)
	if err != nil {
		t.Fatalf("ExportChildren: %v", err)
	}
	children, err := parquet.ReadFile[ChildRow](cpath)
	if err != nil {
		t.Fatalf("ReadFile children: %v", err)
	}
	if len(children) != 3 || children[2].OrderCID != "bafyB" || children[2].ItemID != "3" {
		t.Errorf("children = %+v", children)
	}
}
