package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitWith(reg, "test")
	if Get() != m {
		t.Fatal("Get should return the initialized metrics")
	}

	m.IncItemsFetched("url")
	m.IncItemsFetched("url")
	m.IncItemsFailed("retryable")
	m.IncOrdersFailed("pin")
	m.SetJobRunning(true)

	if got := testutil.ToFloat64(m.ItemsFetched.WithLabelValues("url")); got != 2 {
		t.Errorf("items fetched = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OrdersFailed.WithLabelValues("pin")); got != 1 {
		t.Errorf("orders failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.JobRunning); got != 1 {
		t.Errorf("job running = %v, want 1", got)
	}
	m.SetJobRunning(false)
	if got := testutil.ToFloat64(m.JobRunning); got != 0 {
		t.Errorf("job running = %v, want 0", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("no metric families registered")
	}
}
