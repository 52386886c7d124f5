package orderer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/asset-orderer/internal/batch"
	"github.com/withObsrvr/asset-orderer/internal/catalog"
	"github.com/withObsrvr/asset-orderer/internal/checkpoint"
	"github.com/withObsrvr/asset-orderer/internal/fetch"
	"github.com/withObsrvr/asset-orderer/internal/ledger"
	"github.com/withObsrvr/asset-orderer/internal/logging"
	"github.com/withObsrvr/asset-orderer/internal/metrics"
	"github.com/withObsrvr/asset-orderer/internal/notify"
	"github.com/withObsrvr/asset-orderer/internal/source"
)

// job is one run over a subject. Counters are guarded by mu; the batch
// accumulator's own lock guards the open batch.
type job struct {
	id         string
	subject    string
	countQuota int
	sizeQuota  int64
	opts       Options
	deps       Deps
	log        *slog.Logger
	stop       atomic.Bool

	retry  *RetryLedger
	acc    *batch.Accumulator
	worker *CommitWorker
	client ledger.Client

	// ids committed by an earlier, unfinished run of this subject
	resumed map[string]struct{}

	// in-flight per-order notifications; drained before the status update
	notifying sync.WaitGroup

	mu          sync.Mutex
	state       State
	total       int
	yielded     int
	completed   int
	succeeded   int
	failed      int
	unreached   int
	orders      []string
	commitments []Commitment
	committed   []string
	outcome     Outcome
	errMsg      string
	startedAt   time.Time
	finishedAt  time.Time
}

func newJob(id, subject string, countQuota int, sizeQuota int64, opts Options, deps Deps) *job {
	return &job{
		id:         id,
		subject:    subject,
		countQuota: countQuota,
		sizeQuota:  sizeQuota,
		opts:       opts,
		deps:       deps,
		log:        logging.JobLogger(id, subject),
		retry:      NewRetryLedger(),
		state:      StateRunning,
		startedAt:  time.Now().UTC(),
	}
}

func (j *job) requestStop() { j.stop.Store(true) }

func (j *job) stopped() bool { return j.stop.Load() }

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		JobID:           j.id,
		Subject:         j.subject,
		State:           j.state,
		Total:           j.total,
		Completed:       j.completed,
		Succeeded:       j.succeeded,
		Failed:          j.failed,
		Remaining:       max(j.total-j.succeeded-j.failed-j.unreached, 0),
		Unreached:       j.unreached,
		CompletedOrders: append([]string{}, j.orders...),
		OrderNumLimit:   j.countQuota,
		OrderSizeLimit:  j.sizeQuota,
		Outcome:         j.outcome,
		Error:           j.errMsg,
		StartedAt:       j.startedAt,
		FinishedAt:      j.finishedAt,
	}
}

func (j *job) setState(s State) {
	j.mu.Lock()
	if j.state != StateIdle {
		j.state = s
	}
	j.mu.Unlock()
}

// run executes the job and always finishes it: reconciliation, bookkeeping
// and cleanup happen even when it aborts.
func (j *job) run(ctx context.Context) error {
	err := j.process(ctx)
	j.finish(ctx, err)
	return err
}

func (j *job) process(ctx context.Context) error {
	cursor := source.NewCursor(j.deps.Source, j.subject, j.opts.PageSize)
	total, err := cursor.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: list subject: %v", ErrFatal, err)
	}
	j.mu.Lock()
	j.total = total
	j.mu.Unlock()
	j.log.Info("job started", "total", total, "order_num_limit", j.countQuota, "order_size_limit", j.sizeQuota)

	client, err := j.deps.NewLedger()
	if err != nil {
		return fmt.Errorf("%w: ledger client: %v", ErrFatal, err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("%w: connect ledger: %v", ErrFatal, err)
	}
	j.client = client

	acc, err := batch.NewAccumulator(filepath.Join(j.opts.WorkDir, j.id), j.countQuota, j.sizeQuota)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	j.acc = acc
	j.worker = NewCommitWorker(j.deps.Store, client, j.countQuota)

	j.loadResume(ctx)

	round := 0
	empty := 0
	for !j.stopped() && cursor.HasNext(ctx) {
		refs := cursor.NextBatch(ctx, j.opts.MaxInFlight)
		j.mu.Lock()
		j.yielded = cursor.Yielded()
		j.mu.Unlock()
		if len(refs) == 0 {
			// the page is retried on the next pull; give up after a few misses
			empty++
			if empty >= max(j.opts.MaxPasses, 1) {
				j.log.Warn("metadata source stopped yielding items", "yielded", cursor.Yielded(), "total", total)
				break
			}
			continue
		}
		empty = 0
		round++

		fresh := j.admit(refs)
		j.processRound(ctx, round, fresh)
		j.commitSealed(ctx)
		j.logProgress(round)
	}
	if j.stopped() {
		j.log.Info("stop observed, abandoning unfetched pages", "yielded", cursor.Yielded(), "total", total)
	}

	j.dealWithRest(ctx, round+1)
	return nil
}

// admit tracks freshly yielded refs and returns the ones that need fetching.
// Items committed by an earlier run are counted as succeeded right away.
func (j *job) admit(refs []source.AssetRef) []source.AssetRef {
	fresh := make([]source.AssetRef, 0, len(refs))
	for _, ref := range refs {
		if !j.retry.Track(ref) {
			continue
		}
		if _, ok := j.resumed[ref.ID]; ok {
			j.retry.Succeed(ref)
			j.mu.Lock()
			j.completed++
			j.succeeded++
			j.mu.Unlock()
			if m := metrics.Get(); m != nil {
				m.IncItemsSkipped()
			}
			continue
		}
		fresh = append(fresh, ref)
	}
	return fresh
}

// processRound fetches refs, then retries the round's failures in up to
// MaxPasses-1 further passes. Each pass drains before the next starts.
func (j *job) processRound(ctx context.Context, round int, refs []source.AssetRef) {
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
	pending := refs
	for pass := 1; pass <= max(j.opts.MaxPasses, 1) && len(pending) > 0; pass++ {
		if pass > 1 {
			if m := metrics.Get(); m != nil {
				m.IncRetryPasses()
			}
		}
		log := logging.RoundLogger(ctx, j.log, round, pass)
		log.Debug("fetch pass", "items", len(pending))
		j.fetchPass(ctx, pending)
		pending = j.failedAmong(pending)
	}
}

// failedAmong returns the refs that ended the last pass retryably failed.
func (j *job) failedAmong(refs []source.AssetRef) []source.AssetRef {
	var out []source.AssetRef
	for _, ref := range refs {
		if j.retry.NeedsRetry(ref) {
			out = append(out, ref)
		}
	}
	return out
}

// fetchPass fetches refs with at most MaxInFlight requests at once and
// waits for every one of them.
func (j *job) fetchPass(ctx context.Context, refs []source.AssetRef) {
	g := new(errgroup.Group)
	g.SetLimit(max(j.opts.MaxInFlight, 1))
	for _, ref := range refs {
		j.retry.Begin(ref)
		g.Go(func() error {
			j.fetchOne(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()
}

func (j *job) fetchOne(ctx context.Context, ref source.AssetRef) {
	m := metrics.Get()
	if m != nil {
		m.AddInFlightFetches(1)
		defer m.AddInFlightFetches(-1)
	}

	start := time.Now()
	data, err := j.deps.Fetcher.Fetch(ctx, ref)
	if m != nil {
		m.ObserveFetchDuration(time.Since(start).Seconds())
	}
	if err != nil {
		j.fail(ref, err, fetch.IsPermanent(err))
		return
	}

	if err := j.acc.Add(ref, data); err != nil {
		j.fail(ref, err, errors.Is(err, batch.ErrItemTooLarge))
		return
	}

	if j.retry.Succeed(ref) {
		j.mu.Lock()
		j.completed++
		j.mu.Unlock()
	}
	if m != nil {
		m.IncItemsFetched(locatorKind(ref.Locator))
	}
}

func (j *job) fail(ref source.AssetRef, err error, permanent bool) {
	j.retry.Fail(ref, err.Error(), permanent)
	if permanent {
		j.mu.Lock()
		j.failed++
		j.mu.Unlock()
		j.log.Warn("item failed permanently", "item_id", ref.ID, "locator", ref.Locator, "error", err)
	} else {
		j.log.Debug("item fetch failed", "item_id", ref.ID, "error", err)
	}
	if m := metrics.Get(); m != nil {
		m.IncItemsFailed(failureReason(err))
	}
}

// commitSealed commits every batch sealed so far, in seal order.
func (j *job) commitSealed(ctx context.Context) {
	sealed := j.acc.TakeSealed()
	if len(sealed) == 0 {
		return
	}
	j.worker.CommitOrdered(ctx, sealed, j.opts.PinConcurrency, func(out CommitOutcome) {
		if out.Err != nil {
			j.commitFailed(out)
			return
		}
		j.committedBatch(ctx, out.Batch, out.Commitment)
	})
}

func (j *job) commitFailed(out CommitOutcome) {
	b := out.Batch
	n := j.retry.Requeue(b.Refs(), out.Err.Error())
	j.mu.Lock()
	j.completed -= n
	j.mu.Unlock()
	j.log.Warn("batch commit failed", "seq", b.Seq, "stage", out.Stage, "items", b.ItemCount, "error", out.Err)
	if m := metrics.Get(); m != nil {
		m.IncOrdersFailed(out.Stage)
	}
}

func (j *job) committedBatch(ctx context.Context, b *batch.Batch, c Commitment) {
	j.mu.Lock()
	j.orders = append(j.orders, c.CID)
	j.commitments = append(j.commitments, c)
	j.succeeded += b.ItemCount
	for _, e := range b.Entries {
		j.committed = append(j.committed, e.Ref.ID)
	}
	j.mu.Unlock()

	j.log.Info("order placed", "seq", b.Seq, "cid", c.CID, "bytes", c.ByteSize, "items", b.ItemCount, "tx", c.TxHash)
	if m := metrics.Get(); m != nil {
		m.IncOrdersPlaced()
	}

	children := make([]catalog.Child, 0, len(c.Children))
	items := make([]notify.Item, 0, len(c.Children))
	for _, ch := range c.Children {
		children = append(children, catalog.Child{ID: ch.ID, CID: ch.CID})
		if ch.CID != "" {
			items = append(items, notify.Item{ID: ch.ID, CID: ch.CID})
		}
	}
	if err := j.deps.Catalog.RecordOrder(ctx, catalog.OrderRecord{
		JobID:       j.id,
		Subject:     j.subject,
		CID:         c.CID,
		ByteSize:    c.ByteSize,
		ItemCount:   b.ItemCount,
		TxHash:      c.TxHash,
		Children:    children,
		CommittedAt: c.CommittedAt,
	}); err != nil {
		j.catalogError("record order", err)
	}
	if len(items) > 0 {
		j.notifying.Add(1)
		go func() {
			defer j.notifying.Done()
			j.deps.Notifier.Committed(ctx, j.subject, c.CID, items)
		}()
	}
	j.saveCheckpoint(ctx, false)
}

// dealWithRest runs the final retry passes over everything still failed,
// then force-seals and commits whatever is left in the open batch.
func (j *job) dealWithRest(ctx context.Context, round int) {
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
	for pass := 1; pass <= j.opts.FinalPasses; pass++ {
		rest := j.retry.Retryable()
		if len(rest) == 0 {
			break
		}
		if m := metrics.Get(); m != nil {
			m.IncRetryPasses()
		}
		logging.RoundLogger(ctx, j.log, round, pass).Info("final retry pass", "items", len(rest))
		j.fetchPass(ctx, rest)
		j.commitSealed(ctx)
	}

	j.acc.Flush()
	j.commitSealed(ctx)
}

func (j *job) loadResume(ctx context.Context) {
	cp, err := j.deps.Checkpoints.Load(ctx, j.subject)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			j.log.Warn("load checkpoint failed, starting fresh", "error", err)
		}
		return
	}
	if cp.Complete || len(cp.CommittedIDs) == 0 {
		return
	}
	j.resumed = make(map[string]struct{}, len(cp.CommittedIDs))
	for _, id := range cp.CommittedIDs {
		j.resumed[id] = struct{}{}
	}
	j.mu.Lock()
	j.orders = append(j.orders, cp.CompletedOrders...)
	j.committed = append(j.committed, cp.CommittedIDs...)
	j.mu.Unlock()
	j.log.Info("resuming from checkpoint", "previous_job", cp.JobID, "committed_items", len(cp.CommittedIDs), "orders", len(cp.CompletedOrders))
}

func (j *job) saveCheckpoint(ctx context.Context, complete bool) {
	j.mu.Lock()
	cp := &checkpoint.Checkpoint{
		JobID:           j.id,
		Subject:         j.subject,
		Total:           j.total,
		Succeeded:       j.succeeded,
		Failed:          j.failed,
		CompletedOrders: append([]string{}, j.orders...),
		CommittedIDs:    append([]string{}, j.committed...),
		Outcome:         string(j.outcome),
		Complete:        complete,
	}
	j.mu.Unlock()

	if complete {
		for _, f := range j.retry.Permanent() {
			cp.FailedItems = append(cp.FailedItems, checkpoint.FailedItem{ID: f.Ref.ID, Locator: f.Ref.Locator, Reason: f.Reason})
		}
	}
	if err := j.deps.Checkpoints.Save(ctx, cp); err != nil {
		j.log.Warn("save checkpoint failed", "error", err)
	}
}

// finish settles the counters, records the job and releases its resources.
func (j *job) finish(ctx context.Context, runErr error) {
	abandoned := j.retry.Abandon()
	dupOK, dupFailed := j.retry.Duplicates()

	j.mu.Lock()
	j.failed += abandoned + dupFailed
	j.succeeded += dupOK
	j.unreached = max(j.total-j.yielded, 0)
	j.outcome = Classify(j.succeeded, j.total)
	if runErr != nil {
		j.errMsg = runErr.Error()
	}
	j.state = StateIdle
	j.finishedAt = time.Now().UTC()
	snap := Snapshot{Total: j.total, Succeeded: j.succeeded, Failed: j.failed, Unreached: j.unreached}
	outcome := j.outcome
	orders := append([]string{}, j.orders...)
	commitments := append([]Commitment{}, j.commitments...)
	j.mu.Unlock()

	if j.client != nil {
		if err := j.client.Disconnect(); err != nil {
			j.log.Warn("ledger disconnect failed", "error", err)
		}
	}
	if j.acc != nil {
		if err := j.acc.Close(); err != nil {
			j.log.Warn("remove work dir failed", "error", err)
		}
		j.saveCheckpoint(ctx, !j.stopped() && runErr == nil)
	}

	if err := j.deps.Catalog.RecordJob(ctx, catalog.JobRecord{
		JobID:      j.id,
		Subject:    j.subject,
		Outcome:    string(outcome),
		Total:      snap.Total,
		Succeeded:  snap.Succeeded,
		Failed:     snap.Failed,
		Orders:     orders,
		Error:      j.errMsg,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}); err != nil {
		j.catalogError("record job", err)
	}
	j.export(commitments)
	j.notifying.Wait()
	j.deps.Notifier.Finished(ctx, j.subject, outcome.StatusCode())

	if m := metrics.Get(); m != nil {
		m.IncJobsFinished(string(outcome))
	}
	j.log.Info("job finished",
		"outcome", outcome,
		"total", snap.Total,
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"unreached", snap.Unreached,
		"orders", len(orders),
		"duration", time.Since(j.startedAt).String(),
	)
}

func (j *job) export(commitments []Commitment) {
	if j.opts.ExportDir == "" || len(commitments) == 0 {
		return
	}
	records := make([]catalog.OrderRecord, 0, len(commitments))
	for _, c := range commitments {
		children := make([]catalog.Child, 0, len(c.Children))
		for _, ch := range c.Children {
			children = append(children, catalog.Child{ID: ch.ID, CID: ch.CID})
		}
		records = append(records, catalog.OrderRecord{
			JobID:       j.id,
			Subject:     j.subject,
			CID:         c.CID,
			ByteSize:    c.ByteSize,
			ItemCount:   len(c.Children),
			TxHash:      c.TxHash,
			Children:    children,
			CommittedAt: c.CommittedAt,
		})
	}
	path, err := catalog.ExportOrders(j.opts.ExportDir, j.subject, j.id, records)
	if err != nil {
		j.log.Warn("export orders failed", "error", err)
		return
	}
	if _, err := catalog.ExportChildren(j.opts.ExportDir, j.subject, j.id, records); err != nil {
		j.log.Warn("export children failed", "error", err)
	}
	j.log.Info("orders exported", "path", path, "orders", len(records))
}

func (j *job) catalogError(op string, err error) {
	j.log.Warn("catalog write failed", "op", op, "error", err)
	if m := metrics.Get(); m != nil {
		m.IncCatalogErrors()
	}
}

func (j *job) logProgress(round int) {
	s := j.snapshot()
	pct := 0.0
	if s.Total > 0 {
		pct = float64(s.Completed+s.Failed) * 100 / float64(s.Total)
	}
	j.log.Info("progress",
		"round", round,
		"processed", s.Completed+s.Failed,
		"total", s.Total,
		"percent", fmt.Sprintf("%.1f", pct),
		"orders", len(s.CompletedOrders),
	)
}

func locatorKind(locator string) string {
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		return "url"
	}
	return "cid"
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, fetch.ErrUnsupportedLocator):
		return "unsupported"
	case errors.Is(err, batch.ErrItemTooLarge):
		return "too_large"
	case errors.Is(err, fetch.ErrRetryable):
		return "fetch"
	default:
		return "other"
	}
}
