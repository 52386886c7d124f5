package orderer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/asset-orderer/internal/batch"
	"github.com/withObsrvr/asset-orderer/internal/ledger"
	"github.com/withObsrvr/asset-orderer/internal/metrics"
	"github.com/withObsrvr/asset-orderer/internal/storage"
)

// CommitWorker pins sealed batches and orders them on the ledger. Ledger
// submission is serialized by the commit lock; pinning is not.
type CommitWorker struct {
	store      storage.CAS
	ledger     ledger.Client
	countQuota int
	log        *slog.Logger

	mu sync.Mutex // commit lock
}

func NewCommitWorker(store storage.CAS, client ledger.Client, countQuota int) *CommitWorker {
	return &CommitWorker{
		store:      store,
		ledger:     client,
		countQuota: countQuota,
		log:        slog.With("component", "commit"),
	}
}

// Pin stores the batch directory and returns its CID and cumulative size.
func (w *CommitWorker) Pin(ctx context.Context, b *batch.Batch) (string, int64, error) {
	start := time.Now()
	id, err := w.store.Pin(ctx, b.Dir)
	if err != nil {
		return "", 0, fmt.Errorf("pin batch %d: %w", b.Seq, err)
	}
	size, err := w.store.Stat(ctx, id)
	if err != nil {
		return "", 0, fmt.Errorf("stat %s: %w", id, err)
	}
	if m := metrics.Get(); m != nil {
		m.ObservePinDuration(time.Since(start).Seconds())
	}
	return id, size, nil
}

// Order submits a pinned batch to the ledger. On success the pinned tree is
// listed to recover each child's own CID.
func (w *CommitWorker) Order(ctx context.Context, b *batch.Batch, id string, size int64) (Commitment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	receipt, err := w.ledger.Order(ctx, id, size)
	if err != nil {
		return Commitment{}, fmt.Errorf("order %s: %w", id, err)
	}

	c := Commitment{
		Seq:         b.Seq,
		CID:         id,
		ByteSize:    size,
		TxHash:      receipt.TxHash,
		CommittedAt: time.Now().UTC(),
	}

	links, err := w.store.Ls(ctx, id)
	if err != nil {
		// the order stands; children are reported without their CIDs
		w.log.Warn("list committed batch failed", "cid", id, "error", err)
		for _, e := range b.Entries {
			c.Children = append(c.Children, Child{ID: e.Ref.ID})
		}
		return c, nil
	}

	for _, l := range links {
		itemID := batch.ItemID(l.Name, w.countQuota)
		if e, ok := b.Entry(l.Name); ok {
			itemID = e.Ref.ID
		}
		c.Children = append(c.Children, Child{ID: itemID, CID: l.CID})
	}
	return c, nil
}

// Commit pins and orders one batch and always removes its directory.
func (w *CommitWorker) Commit(ctx context.Context, b *batch.Batch) (Commitment, error) {
	defer w.release(b)

	id, size, err := w.Pin(ctx, b)
	if err != nil {
		return Commitment{}, err
	}
	return w.Order(ctx, b, id, size)
}

func (w *CommitWorker) release(b *batch.Batch) {
	if err := batch.Release(b); err != nil {
		w.log.Warn("release batch failed", "seq", b.Seq, "error", err)
	}
}

// CommitOutcome is the result of one batch's commit attempt.
type CommitOutcome struct {
	Batch      *batch.Batch
	Commitment Commitment
	Stage      string // "pin" or "order" when Err is set
	Err        error
}

type pinResult struct {
	b    *batch.Batch
	id   string
	size int64
	err  error
	done chan struct{}
}

// CommitOrdered pins batches with bounded concurrency and orders them one by
// one in the order given, calling emit after each attempt. A later batch may
// be pinning while an earlier one is being ordered. Every batch directory is
// removed once its own attempt is over.
func (w *CommitWorker) CommitOrdered(ctx context.Context, batches []*batch.Batch, pinConcurrency int, emit func(CommitOutcome)) {
	if pinConcurrency < 1 {
		pinConcurrency = 1
	}
	sem := make(chan struct{}, pinConcurrency)

	results := make([]*pinResult, len(batches))
	for i, b := range batches {
		r := &pinResult{b: b, done: make(chan struct{})}
		results[i] = r
		go func() {
			defer close(r.done)
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				r.err = ctx.Err()
				return
			}
			defer func() { <-sem }()
			r.id, r.size, r.err = w.Pin(ctx, b)
		}()
	}

	for _, r := range results {
		<-r.done
		start := time.Now()

		out := CommitOutcome{Batch: r.b}
		if r.err != nil {
			out.Stage, out.Err = "pin", r.err
		} else if c, err := w.Order(ctx, r.b, r.id, r.size); err != nil {
			out.Stage, out.Err = "order", err
		} else {
			out.Commitment = c
		}
		w.release(r.b)

		if m := metrics.Get(); m != nil {
			m.ObserveCommitDuration(time.Since(start).Seconds())
		}
		emit(out)
	}
}
