// Package metrics provides Prometheus metrics for the asset orderer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the asset orderer.
type Metrics struct {
	// Item metrics
	ItemsFetched *prometheus.CounterVec
	ItemsFailed  *prometheus.CounterVec
	ItemsSkipped prometheus.Counter

	// Batch and order metrics
	BatchesSealed prometheus.Counter
	OrdersFailed  *prometheus.CounterVec
	OrdersPlaced  prometheus.Counter
	BatchBytes    prometheus.Histogram

	// Timing metrics
	FetchDuration  prometheus.Histogram
	PinDuration    prometheus.Histogram
	CommitDuration prometheus.Histogram

	// Pipeline metrics
	InFlightFetches prometheus.Gauge
	RetryPasses     prometheus.Counter
	JobRunning      prometheus.Gauge
	JobsFinished    *prometheus.CounterVec

	// Side-channel errors
	NotifyErrors  prometheus.Counter
	CatalogErrors prometheus.Counter
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	return InitWith(prometheus.DefaultRegisterer, namespace)
}

// InitWith registers the metrics on reg instead of the default registry.
func InitWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "asset_orderer"
	}
	f := promauto.With(reg)

	m := &Metrics{
		ItemsFetched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_fetched_total",
				Help:      "Items downloaded and staged into a batch",
			},
			[]string{"locator_kind"},
		),
		ItemsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_failed_total",
				Help:      "Item failures by classification",
			},
			[]string{"reason"},
		),
		ItemsSkipped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_skipped_total",
				Help:      "Items skipped because a checkpoint already records them",
			},
		),
		BatchesSealed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_sealed_total",
				Help:      "Batches sealed for commit",
			},
		),
		OrdersFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_failed_total",
				Help:      "Batch commits that failed, by stage",
			},
			[]string{"stage"},
		),
		OrdersPlaced: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_placed_total",
				Help:      "Storage orders accepted by the ledger",
			},
		),
		BatchBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_bytes",
				Help:      "Size of sealed batches in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 14), // 1MiB to ~8GiB
			},
		),
		FetchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to download a single asset",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		PinDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pin_duration_seconds",
				Help:      "Time to pin a batch directory",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		CommitDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Time for the ledger to accept an order",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		InFlightFetches: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_fetches",
				Help:      "Downloads currently running",
			},
		),
		RetryPasses: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_passes_total",
				Help:      "Retry passes run over failed items",
			},
		),
		JobRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_running",
				Help:      "1 while a job is running",
			},
		),
		JobsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Finished jobs by outcome",
			},
			[]string{"outcome"},
		),
		NotifyErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_errors_total",
				Help:      "Upstream notifications that failed after retries",
			},
		),
		CatalogErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Catalog writes that failed",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncItemsFetched(kind string) { m.ItemsFetched.WithLabelValues(kind).Inc() }

func (m *Metrics) IncItemsFailed(reason string) { m.ItemsFailed.WithLabelValues(reason).Inc() }

func (m *Metrics) IncItemsSkipped() { m.ItemsSkipped.Inc() }

func (m *Metrics) IncBatchesSealed() { m.BatchesSealed.Inc() }

func (m *Metrics) ObserveBatchBytes(bytes float64) { m.BatchBytes.Observe(bytes) }

// IncOrdersFailed counts a failed commit; stage is "pin", "stat", "order" or "ls".
func (m *Metrics) IncOrdersFailed(stage string) { m.OrdersFailed.WithLabelValues(stage).Inc() }

func (m *Metrics) IncOrdersPlaced() { m.OrdersPlaced.Inc() }

func (m *Metrics) ObserveFetchDuration(seconds float64) { m.FetchDuration.Observe(seconds) }

func (m *Metrics) ObservePinDuration(seconds float64) { m.PinDuration.Observe(seconds) }

func (m *Metrics) ObserveCommitDuration(seconds float64) { m.CommitDuration.Observe(seconds) }

func (m *Metrics) AddInFlightFetches(delta float64) { m.InFlightFetches.Add(delta) }

func (m *Metrics) IncRetryPasses() { m.RetryPasses.Inc() }

func (m *Metrics) SetJobRunning(running bool) {
	if running {
		m.JobRunning.Set(1)
		return
	}
	m.JobRunning.Set(0)
}

func (m *Metrics) IncJobsFinished(outcome string) { m.JobsFinished.WithLabelValues(outcome).Inc() }

func (m *Metrics) IncNotifyErrors() { m.NotifyErrors.Inc() }

func (m *Metrics) IncCatalogErrors() { m.CatalogErrors.Inc() }
