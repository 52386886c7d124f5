package orderer

import (
	"testing"

	"github.com/withObsrvr/asset-orderer/internal/source"
)

func stateOf(l *RetryLedger, ref source.AssetRef) (ItemState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.items[ref.Key()]
	if !ok {
		return Pending, false
	}
	return e.state, true
}

func tracked(l *RetryLedger) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func TestRetryLedgerLifecycle(t *testing.T) {
	l := NewRetryLedger()
	a := source.AssetRef{ID: "1", Locator: "https://x/1"}
	b := source.AssetRef{ID: "2", Locator: "https://x/2"}
	c := source.AssetRef{ID: "3", Locator: "bad"}

	for _, r := range []source.AssetRef{a, b, c} {
		if !l.Track(r) {
			t.Fatalf("Track(%s) = false", r.ID)
		}
	}
	if l.Track(a) {
		t.Error("repeat Track should report false")
	}

	for _, r := range []source.AssetRef{a, b, c} {
		l.Begin(r)
	}
	if st, _ := stateOf(l, a); st != InFlight {
		t.Errorf("state = %s, want in_flight", st)
	}

	if !l.Succeed(a) {
		t.Error("first Succeed should transition")
	}
	if l.Succeed(a) {
		t.Error("second Succeed must not count again")
	}
	l.Fail(b, "status 502", false)
	l.Fail(c, "unsupported", true)

	if got := l.Retryable(); len(got) != 1 || got[0].ID != "2" {
		t.Errorf("Retryable = %v", got)
	}
	if !l.NeedsRetry(b) || l.NeedsRetry(c) {
		t.Error("NeedsRetry mismatch")
	}

	if n := l.Requeue([]source.AssetRef{a, c}, "ledger rejected"); n != 1 {
		t.Errorf("Requeue moved %d, want 1", n)
	}
	if got := l.Retryable(); len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Errorf("Retryable after requeue = %v", got)
	}

	if n := l.Abandon(); n != 2 {
		t.Errorf("Abandon = %d, want 2", n)
	}
	perm := l.Permanent()
	if len(perm) != 3 {
		t.Fatalf("Permanent = %v", perm)
	}
	if perm[2].Reason != "unsupported" || perm[0].Attempts != 1 {
		t.Errorf("permanent = %+v", perm)
	}

	ok, failed := l.Duplicates()
	if ok != 0 || failed != 1 {
		t.Errorf("Duplicates = %d/%d, want 0/1", ok, failed)
	}
}

func TestRetryKeyIncludesLocator(t *testing.T) {
	l := NewRetryLedger()
	if !l.Track(source.AssetRef{ID: "1", Locator: "https://a/1"}) {
		t.Fatal("Track failed")
	}
	if !l.Track(source.AssetRef{ID: "1", Locator: "https://b/1"}) {
		t.Error("same id with a different locator is a different item")
	}
	if n := tracked(l); n != 2 {
		t.Errorf("tracked = %d", n)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		succeeded, total int
		want             Outcome
		code             int
	}{
		{0, 0, OutcomeEmpty, 0},
		{0, 10, OutcomeEmpty, 0},
		{10, 10, OutcomeSuccess, 1},
		{9, 10, OutcomePartial, 2},
	}
	for _, tt := range tests {
		got := Classify(tt.succeeded, tt.total)
		if got != tt.want || got.StatusCode() != tt.code {
			t.Errorf("Classify(%d, %d) = %s/%d, want %s/%d", tt.succeeded, tt.total, got, got.StatusCode(), tt.want, tt.code)
		}
	}
}
