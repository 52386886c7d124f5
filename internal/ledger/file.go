package ledger

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// OrderRecord is one line of the local order log.
type OrderRecord struct {
	Seq       int64     `json:"seq"`
	CID       string    `json:"cid"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// recordHash hashes the canonical JSON of rec with Hash cleared.
func recordHash(rec *OrderRecord) string {
	cp := *rec
	cp.Hash = ""

	canonical, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FileLedger records orders in a hash-chained JSON-lines log. It stands in
// for a remote ledger in single-node and offline deployments. The log is the
// only source of the chain head.
type FileLedger struct {
	dir string
	log *slog.Logger

	mu   sync.Mutex
	f    *os.File
	seq  int64
	head string
	// set after a failed append; the head is re-read from the log
	stale bool
}

func NewFileLedger(dir string) *FileLedger {
	if dir == "" {
		dir = "./state"
	}
	return &FileLedger{
		dir: dir,
		log: slog.With("component", "ledger", "mode", "file"),
	}
}

func (l *FileLedger) path() string { return filepath.Join(l.dir, "ledger-orders.jsonl") }

func (l *FileLedger) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		return nil
	}

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	if err := l.loadHead(); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open order log: %w", err)
	}
	l.f = f
	return nil
}

// loadHead sets seq and head from the last record in the log.
func (l *FileLedger) loadHead() error {
	records, err := readRecords(l.path())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	l.seq, l.head, l.stale = 0, "", false
	if n := len(records); n > 0 {
		l.seq = records[n-1].Seq
		l.head = records[n-1].Hash
	}
	return nil
}

func (l *FileLedger) Order(ctx context.Context, id string, size int64) (Receipt, error) {
	if err := validateCID(id); err != nil {
		return Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return Receipt{}, ErrNotConnected
	}

	if l.stale {
		if err := l.loadHead(); err != nil {
			return Receipt{}, fmt.Errorf("reload order log: %w", err)
		}
	}

	rec := OrderRecord{
		Seq:       l.seq + 1,
		CID:       id,
		Size:      size,
		Timestamp: time.Now().UTC(),
		PrevHash:  l.head,
	}
	rec.Hash = recordHash(&rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal order record: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		l.stale = true
		return Receipt{}, fmt.Errorf("append order record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		l.stale = true
		return Receipt{}, fmt.Errorf("sync order log: %w", err)
	}
	l.seq = rec.Seq
	l.head = rec.Hash
	l.log.Debug("order recorded", "seq", rec.Seq, "cid", id)

	return Receipt{CID: id, Size: size, TxHash: rec.Hash, Block: rec.Seq}, nil
}

// Replicas counts the orders recorded for id.
func (l *FileLedger) Replicas(ctx context.Context, id string) (int, error) {
	if err := validateCID(id); err != nil {
		return 0, err
	}
	records, err := readRecords(l.path())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, r := range records {
		if r.CID == id {
			n++
		}
	}
	return n, nil
}

func (l *FileLedger) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Verify walks the order log and checks every hash link.
func (l *FileLedger) Verify() error {
	records, err := readRecords(l.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	prev := ""
	for _, r := range records {
		if r.PrevHash != prev {
			return fmt.Errorf("record %d: prev hash %q does not match %q", r.Seq, r.PrevHash, prev)
		}
		if recordHash(&r) != r.Hash {
			return fmt.Errorf("record %d: hash mismatch", r.Seq)
		}
		prev = r.Hash
	}
	return nil
}

func readRecords(path string) ([]OrderRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []OrderRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r OrderRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("parse order record %d: %w", len(records)+1, err)
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan order log: %w", err)
	}
	return records, nil
}
