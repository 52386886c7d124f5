package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/parquet-go/parquet-go"
)

// CommitmentRow is one placed order in the parquet export.
type CommitmentRow struct {
	JobID       string    `parquet:"job_id"`
	Subject     string    `parquet:"subject"`
	CID         string    `parquet:"cid"`
	ByteSize    int64     `parquet:"byte_size"`
	ItemCount   int32     `parquet:"item_count"`
	TxHash      string    `parquet:"tx_hash,optional"`
	CommittedAt time.Time `parquet:"committed_at,timestamp(millisecond)"`
}

// ChildRow maps one item id to its content id within an order.
type ChildRow struct {
	OrderCID string `parquet:"order_cid"`
	ItemID   string `parquet:"item_id"`
	ItemCID  string `parquet:"item_cid"`
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ExportPath returns the file an export for subject/jobID is written to.
func ExportPath(dir, subject, jobID string) string {
	return filepath.Join(dir, fmt.Sprintf("orders_%s_%s.parquet", unsafeName.ReplaceAllString(subject, "_"), jobID))
}

// ExportOrders writes one parquet row per order and returns the file path.
// The file is staged under a temporary name and renamed into place.
func ExportOrders(dir, subject, jobID string, orders []OrderRecord) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	path := ExportPath(dir, subject, jobID)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}

	w := parquet.NewGenericWriter[CommitmentRow](f, parquet.Compression(&parquet.Zstd))
	rows := make([]CommitmentRow, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, CommitmentRow{
			JobID:       o.JobID,
			Subject:     o.Subject,
			CID:         o.CID,
			ByteSize:    o.ByteSize,
			ItemCount:   int32(o.ItemCount),
			TxHash:      o.TxHash,
			CommittedAt: o.CommittedAt,
		})
	}
	if _, err := w.Write(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename export file: %w", err)
	}
	return path, nil
}

// ChildRows flattens the item listings of orders.
func ChildRows(orders []OrderRecord) []ChildRow {
	var out []ChildRow
	for _, o := range orders {
		for _, c := range o.Children {
			out = append(out, ChildRow{OrderCID: o.CID, ItemID: c.ID, ItemCID: c.CID})
		}
	}
	return out
}

// ExportChildren writes the flattened item listings next to the order export.
func ExportChildren(dir, subject, jobID string, orders []OrderRecord) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("children_%s_%s.parquet", unsafeName.ReplaceAllString(subject, "_"), jobID))
	if err := parquet.WriteFile(path+".tmp", ChildRows(orders)); err != nil {
		os.Remove(path + ".tmp")
		return "", fmt.Errorf("write children: %w", err)
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return "", fmt.Errorf("rename children export: %w", err)
	}
	return path, nil
}
