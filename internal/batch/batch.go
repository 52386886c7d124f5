// Package batch stages downloaded assets into size- and count-bounded
// directories that are pinned and ordered as a unit.
package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/asset-orderer/internal/metrics"
	"github.com/withObsrvr/asset-orderer/internal/source"
)

var (
	// ErrItemTooLarge is returned for a single item larger than the size
	// quota. No batch can ever hold it.
	ErrItemTooLarge = errors.New("item exceeds batch size quota")

	ErrClosed = errors.New("accumulator closed")
)

// Entry is one staged file.
type Entry struct {
	Ref      source.AssetRef
	Name     string
	Size     int64
	Checksum string
}

// Batch is a directory of staged files. It is mutated only while open and
// handed off exactly once when sealed.
type Batch struct {
	Seq       int
	Dir       string
	ByteSize  int64
	ItemCount int
	Entries   []Entry
	SealedAt  time.Time

	keys map[string]struct{}
}

// PrefixLen is the width of the zero-padded index that prefixes each file name.
func PrefixLen(countQuota int) int {
	return len(strconv.Itoa(countQuota))
}

// FileName builds the staged name for the index-th item of a batch.
func FileName(index, countQuota int, id string) string {
	return fmt.Sprintf("%0*d%s", PrefixLen(countQuota), index, sanitize(id))
}

// ItemID recovers the (sanitized) id from a staged file name.
func ItemID(name string, countQuota int) string {
	n := PrefixLen(countQuota)
	if len(name) <= n {
		return ""
	}
	return name[n:]
}

func sanitize(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r < 0x20 || r == 0x7f:
			return '_'
		default:
			return r
		}
	}, id)
}

// Entry looks up a staged file by name.
func (b *Batch) Entry(name string) (Entry, bool) {
	for _, e := range b.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Refs lists the items staged in the batch.
func (b *Batch) Refs() []source.AssetRef {
	refs := make([]source.AssetRef, len(b.Entries))
	for i, e := range b.Entries {
		refs[i] = e.Ref
	}
	return refs
}

// Accumulator owns the open batch. Its mutex is the ingest lock: every fetch
// completion goes through Add.
type Accumulator struct {
	mu         sync.Mutex
	root       string
	countQuota int
	sizeQuota  int64
	log        *slog.Logger

	open   *Batch
	sealed []*Batch
	seq    int
	closed bool
}

// NewAccumulator stages batches under root using the given quotas.
func NewAccumulator(root string, countQuota int, sizeQuota int64) (*Accumulator, error) {
	if countQuota < 1 {
		return nil, fmt.Errorf("count quota must be at least 1, got %d", countQuota)
	}
	if sizeQuota < 1 {
		return nil, fmt.Errorf("size quota must be positive, got %d", sizeQuota)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create batch root %s: %w", root, err)
	}
	return &Accumulator{
		root:       root,
		countQuota: countQuota,
		sizeQuota:  sizeQuota,
		log:        slog.With("component", "batch"),
	}, nil
}

// Add stages data for ref. The open batch is sealed first when the item would
// overflow the size quota or when ref is already staged in it, and sealed
// after the write when the count quota is reached.
func (a *Accumulator) Add(ref source.AssetRef, data []byte) error {
	size := int64(len(data))
	if size > a.sizeQuota {
		return fmt.Errorf("%w: %s is %d bytes, quota %d", ErrItemTooLarge, ref.ID, size, a.sizeQuota)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	if a.open != nil {
		// Only a source that lists the same item twice within one open batch
		// lands here. Retried items come back after their batch was sealed.
		_, rewrite := a.open.keys[ref.Key()]
		if rewrite || a.open.ByteSize+size > a.sizeQuota {
			a.sealLocked()
		}
	}
	if a.open == nil {
		if err := a.openLocked(); err != nil {
			return err
		}
	}

	b := a.open
	name := FileName(b.ItemCount, a.countQuota, ref.ID)
	if err := os.WriteFile(filepath.Join(b.Dir, name), data, 0644); err != nil {
		return fmt.Errorf("stage %s: %w", ref.ID, err)
	}

	sum := sha256.Sum256(data)
	b.Entries = append(b.Entries, Entry{
		Ref:      ref,
		Name:     name,
		Size:     size,
		Checksum: hex.EncodeToString(sum[:]),
	})
	b.keys[ref.Key()] = struct{}{}
	b.ByteSize += size
	b.ItemCount++

	if b.ItemCount >= a.countQuota {
		a.sealLocked()
	}
	return nil
}

func (a *Accumulator) openLocked() error {
	a.seq++
	dir := filepath.Join(a.root, fmt.Sprintf("batch-%06d", a.seq))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create batch dir: %w", err)
	}
	a.open = &Batch{Seq: a.seq, Dir: dir, keys: make(map[string]struct{})}
	return nil
}

func (a *Accumulator) sealLocked() {
	b := a.open
	if b == nil || b.ItemCount == 0 {
		return
	}
	b.SealedAt = time.Now()
	a.sealed = append(a.sealed, b)
	a.open = nil

	a.log.Debug("batch sealed", "seq", b.Seq, "items", b.ItemCount, "bytes", b.ByteSize)
	if m := metrics.Get(); m != nil {
		m.IncBatchesSealed()
		m.ObserveBatchBytes(float64(b.ByteSize))
	}
}

// Flush force-seals the open batch if it holds anything.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealLocked()
}

// TakeSealed removes and returns all sealed batches in seal order.
func (a *Accumulator) TakeSealed() []*Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.sealed
	a.sealed = nil
	return out
}

// Release deletes a batch directory once its commit attempt is over.
func Release(b *Batch) error {
	if b == nil || b.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(b.Dir); err != nil {
		return fmt.Errorf("remove batch dir %s: %w", b.Dir, err)
	}
	return nil
}

// Close discards any unsealed or untaken batches and removes the root.
func (a *Accumulator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.open = nil
	a.sealed = nil
	if err := os.RemoveAll(a.root); err != nil {
		return fmt.Errorf("remove batch root %s: %w", a.root, err)
	}
	return nil
}
