package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/withObsrvr/asset-orderer/internal/batch"
	"github.com/withObsrvr/asset-orderer/internal/catalog"
	"github.com/withObsrvr/asset-orderer/internal/checkpoint"
	"github.com/withObsrvr/asset-orderer/internal/config"
	"github.com/withObsrvr/asset-orderer/internal/fetch"
	"github.com/withObsrvr/asset-orderer/internal/ledger"
	"github.com/withObsrvr/asset-orderer/internal/logging"
	"github.com/withObsrvr/asset-orderer/internal/metrics"
	"github.com/withObsrvr/asset-orderer/internal/notify"
	"github.com/withObsrvr/asset-orderer/internal/orderer"
	"github.com/withObsrvr/asset-orderer/internal/source"
	"github.com/withObsrvr/asset-orderer/internal/storage"
)

// app is a fully wired controller plus everything that needs closing.
type app struct {
	cfg     config.Config
	ctrl    *orderer.Controller
	orders  catalog.Reader
	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// setup loads configuration and builds the controller with its collaborators.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	logCloser, err := logging.Setup(logging.Config{
		Format: cfg.Log.Format,
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	if logCloser != nil {
		a.closers = append(a.closers, logCloser)
	}

	slog.Info("asset-orderer starting", "version", Version, "git_sha", GitSHA)

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
	}

	src, err := source.NewMetadataSource(source.SourceConfig{
		ListURL:      cfg.Source.ListURL,
		Method:       cfg.Source.Method,
		SubjectParam: cfg.Source.SubjectParam,
		ListField:    cfg.Source.ListField,
		IDField:      cfg.Source.IDField,
		LocatorField: cfg.Source.LocatorField,
		Timeout:      cfg.Source.Timeout,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("metadata source: %w", err)
	}

	fetcher := fetch.NewHTTPFetcher(fetch.Config{
		Timeout:    cfg.Fetch.Timeout,
		UserAgent:  cfg.Fetch.UserAgent,
		GatewayURL: cfg.Fetch.GatewayURL,
		MaxBytes:   cfg.Quota.SizeMax,
	})

	store, err := storage.NewCAS(ctx, storage.StorageConfig{
		Backend:    cfg.Storage.Backend,
		IPFSAPI:    cfg.Storage.IPFSAPI,
		PinTimeout: cfg.Storage.PinTimeout,
		BucketURL:  cfg.Storage.BucketURL,
		Prefix:     cfg.Storage.Prefix,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.closers = append(a.closers, store)

	ledgerCfg := ledger.Config{
		Mode:        cfg.Ledger.Mode,
		Endpoint:    cfg.Ledger.Endpoint,
		AuthToken:   cfg.Ledger.AuthToken,
		StateDir:    cfg.Ledger.StateDir,
		MaxAttempts: cfg.Ledger.MaxAttempts,
		RetryDelay:  cfg.Ledger.RetryDelay,
		CallTimeout: cfg.Ledger.CallTimeout,
	}
	// fail at startup rather than on the first job
	if _, err := ledger.NewClient(ledgerCfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("ledger: %w", err)
	}

	cat, err := catalog.NewWriter(catalog.CatalogConfig{DSN: cfg.Catalog.DSN})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("catalog: %w", err)
	}
	a.closers = append(a.closers, cat)
	if r, ok := cat.(catalog.Reader); ok {
		a.orders = r
	}

	cps, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	a.ctrl = orderer.New(orderer.Options{
		WorkDir:        cfg.WorkDir,
		PageSize:       cfg.Source.PageSize,
		MaxInFlight:    cfg.Fetch.MaxInFlight,
		MaxPasses:      cfg.Retry.MaxPasses,
		FinalPasses:    cfg.Retry.FinalPasses,
		PinConcurrency: cfg.Storage.PinConcurrency,
		ExportDir:      cfg.Export.Dir,
		Bounds: batch.Bounds{
			CountDefault: cfg.Quota.CountDefault,
			SizeDefault:  cfg.Quota.SizeDefault,
			SizeMin:      cfg.Quota.SizeMin,
			SizeMax:      cfg.Quota.SizeMax,
		},
	}, orderer.Deps{
		Source:  src,
		Fetcher: fetcher,
		Store:   store,
		NewLedger: func() (ledger.Client, error) {
			return ledger.NewClient(ledgerCfg)
		},
		Catalog:     cat,
		Checkpoints: cps,
		Notifier: notify.New(notify.Config{
			TokenURIURL: cfg.Notify.TokenURIURL,
			StatusURL:   cfg.Notify.StatusURL,
			Timeout:     cfg.Notify.Timeout,
		}),
	})
	return a, nil
}
