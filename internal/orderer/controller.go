// Package orderer runs storage-order jobs: it pages through a subject's
// assets, downloads them with bounded concurrency, stages them into batches,
// pins each batch and orders it on the ledger. At most one job runs at a time.
package orderer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/withObsrvr/asset-orderer/internal/batch"
	"github.com/withObsrvr/asset-orderer/internal/catalog"
	"github.com/withObsrvr/asset-orderer/internal/checkpoint"
	"github.com/withObsrvr/asset-orderer/internal/fetch"
	"github.com/withObsrvr/asset-orderer/internal/ledger"
	"github.com/withObsrvr/asset-orderer/internal/logging"
	"github.com/withObsrvr/asset-orderer/internal/metrics"
	"github.com/withObsrvr/asset-orderer/internal/notify"
	"github.com/withObsrvr/asset-orderer/internal/source"
	"github.com/withObsrvr/asset-orderer/internal/storage"
)

// Options are the process-wide job settings.
type Options struct {
	WorkDir        string
	PageSize       int
	MaxInFlight    int
	MaxPasses      int
	FinalPasses    int
	PinConcurrency int
	ExportDir      string
	Bounds         batch.Bounds
}

// Deps are the collaborators a job talks to. NewLedger is called once per
// job and once per replica lookup, so each gets its own session.
type Deps struct {
	Source      source.MetadataSource
	Fetcher     fetch.Fetcher
	Store       storage.CAS
	NewLedger   func() (ledger.Client, error)
	Catalog     catalog.Writer
	Checkpoints checkpoint.Manager
	Notifier    notify.Notifier
}

// Controller owns the job lifecycle: idle, running, stop requested.
type Controller struct {
	opts   Options
	deps   Deps
	quotas *batch.Quotas
	log    *slog.Logger

	mu   sync.Mutex
	cur  *job
	last *Snapshot
	done chan struct{}
}

func New(opts Options, deps Deps) *Controller {
	if deps.Catalog == nil {
		deps.Catalog, _ = catalog.NewWriter(catalog.CatalogConfig{})
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints, _ = checkpoint.NewManager(checkpoint.Config{})
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.New(notify.Config{})
	}
	return &Controller{
		opts:   opts,
		deps:   deps,
		quotas: batch.NewQuotas(opts.Bounds),
		log:    logging.Component("controller"),
	}
}

// Start launches a job for req.Subject. It fails with ErrConfig when the
// subject is missing and ErrConflict when a job is already running; neither
// touches a running job. Quota overrides that are out of range are reported
// in the response notes and the current value is used. A synchronous start
// returns once the job has finished; a fatal job error is wrapped in ErrFatal.
func (c *Controller) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return StartResponse{}, fmt.Errorf("%w: subject is required", ErrConfig)
	}

	c.mu.Lock()
	if c.cur != nil {
		running := c.cur.subject
		c.mu.Unlock()
		return StartResponse{}, fmt.Errorf("%w: subject %s", ErrConflict, running)
	}

	var notes []string
	if req.OrderNumLimit != nil {
		if msg := c.quotas.SetCount(*req.OrderNumLimit); msg != "" {
			notes = append(notes, msg)
		}
	}
	if req.OrderSizeLimit != nil {
		if msg := c.quotas.SetSize(*req.OrderSizeLimit); msg != "" {
			notes = append(notes, msg)
		}
	}

	j := newJob(uuid.NewString(), subject, c.quotas.Count(), c.quotas.Size(), c.opts, c.deps)
	done := make(chan struct{})
	c.cur = j
	c.done = done
	c.mu.Unlock()

	if m := metrics.Get(); m != nil {
		m.SetJobRunning(true)
	}
	for _, n := range notes {
		j.log.Warn("quota override rejected", "note", strings.TrimSpace(n))
	}

	resp := StartResponse{JobID: j.id, Notes: notes}
	jobCtx := context.WithoutCancel(ctx)

	if !req.Sync {
		go c.runJob(jobCtx, j, done)
		return resp, nil
	}

	// a cancelled caller stops the job cooperatively
	watch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			j.requestStop()
		case <-watch:
		}
	}()
	err := c.runJob(jobCtx, j, done)
	close(watch)

	snap := j.snapshot()
	resp.Result = &snap
	return resp, err
}

func (c *Controller) runJob(ctx context.Context, j *job, done chan struct{}) error {
	defer close(done)

	err := j.run(ctx)
	if err != nil {
		j.log.Error("job aborted", "error", err)
	}

	snap := j.snapshot()
	c.mu.Lock()
	c.cur = nil
	c.last = &snap
	c.quotas.Reset()
	c.mu.Unlock()

	if m := metrics.Get(); m != nil {
		m.SetJobRunning(false)
	}
	return err
}

// Stop asks the running job to finish after its current round. It reports
// whether a job was running.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return false
	}
	c.cur.requestStop()
	c.cur.setState(StateStopRequested)
	c.log.Info("stop requested", "job_id", c.cur.id, "subject", c.cur.subject)
	return true
}

// Progress returns the running job's snapshot, or the last finished job's
// until the next start. ok is false before any job.
func (c *Controller) Progress() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return c.cur.snapshot(), true
	}
	if c.last != nil {
		return *c.last, true
	}
	return Snapshot{}, false
}

// Running reports the subject of the running job, if any.
func (c *Controller) Running() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return "", false
	}
	return c.cur.subject, true
}

// Wait blocks until the running job, if any, has finished.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replicas asks the ledger how many replicas of id exist, on a session of
// its own.
func (c *Controller) Replicas(ctx context.Context, id string) (int, error) {
	client, err := c.deps.NewLedger()
	if err != nil {
		return 0, fmt.Errorf("ledger client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return 0, fmt.Errorf("connect ledger: %w", err)
	}
	defer client.Disconnect()

	n, err := client.Replicas(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("replicas %s: %w", id, err)
	}
	return n, nil
}

// Quotas exposes the current per-job limits.
func (c *Controller) Quotas() (int, int64) {
	return c.quotas.Count(), c.quotas.Size()
}
