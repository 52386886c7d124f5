package orderer

import (
	"sync"

	"github.com/withObsrvr/asset-orderer/internal/source"
)

// ItemState is where an item stands in the current job.
type ItemState int

const (
	Pending ItemState = iota
	InFlight
	Succeeded
	Failed
)

func (s ItemState) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type retryEntry struct {
	ref       source.AssetRef
	state     ItemState
	attempts  int
	permanent bool
	reason    string
	dups      int
}

// RetryLedger tracks every item of a job by identity. Failed items are
// handed back for the next pass instead of being retried inline. An item is
// counted as Succeeded at most once no matter how often it is fetched.
type RetryLedger struct {
	mu    sync.Mutex
	items map[string]*retryEntry
	order []string
}

func NewRetryLedger() *RetryLedger {
	return &RetryLedger{items: make(map[string]*retryEntry)}
}

// Track registers ref as Pending. It returns false if ref is already known,
// in which case the repeat is remembered and folded into the final tally.
func (l *RetryLedger) Track(ref source.AssetRef) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ref.Key()
	if e, ok := l.items[k]; ok {
		e.dups++
		return false
	}
	l.items[k] = &retryEntry{ref: ref, state: Pending}
	l.order = append(l.order, k)
	return true
}

// Begin marks ref InFlight for a new attempt.
func (l *RetryLedger) Begin(ref source.AssetRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.items[ref.Key()]; ok {
		e.state = InFlight
		e.attempts++
	}
}

// Succeed marks ref Succeeded. It reports whether this is a transition, so
// progress is never counted twice for one item.
func (l *RetryLedger) Succeed(ref source.AssetRef) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.items[ref.Key()]
	if !ok || e.state == Succeeded {
		return false
	}
	e.state = Succeeded
	e.reason = ""
	return true
}

// Fail marks ref Failed. Permanent failures are never handed out again.
func (l *RetryLedger) Fail(ref source.AssetRef, reason string, permanent bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.items[ref.Key()]; ok {
		e.state = Failed
		e.reason = reason
		e.permanent = permanent
	}
}

// Requeue moves staged items whose batch failed to commit back to Failed so
// the next pass fetches them again. It returns how many were Succeeded.
func (l *RetryLedger) Requeue(refs []source.AssetRef, reason string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ref := range refs {
		e, ok := l.items[ref.Key()]
		if !ok || e.state != Succeeded {
			continue
		}
		e.state = Failed
		e.reason = reason
		n++
	}
	return n
}

// Retryable returns the items that failed but may be tried again, in the
// order they were first tracked.
func (l *RetryLedger) Retryable() []source.AssetRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []source.AssetRef
	for _, k := range l.order {
		e := l.items[k]
		if e.state == Failed && !e.permanent {
			out = append(out, e.ref)
		}
	}
	return out
}

// Abandon makes every retryable failure permanent and returns how many
// items changed.
func (l *RetryLedger) Abandon() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.items {
		if e.state == Failed && !e.permanent {
			e.permanent = true
			n++
		}
	}
	return n
}

// PermanentFailure is an item that will not be retried.
type PermanentFailure struct {
	Ref      source.AssetRef
	Reason   string
	Attempts int
}

// Permanent lists permanently failed items in tracking order.
func (l *RetryLedger) Permanent() []PermanentFailure {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []PermanentFailure
	for _, k := range l.order {
		e := l.items[k]
		if e.state == Failed && e.permanent {
			out = append(out, PermanentFailure{Ref: e.ref, Reason: e.reason, Attempts: e.attempts})
		}
	}
	return out
}

// Duplicates splits repeated source entries by the outcome of the item they
// repeat.
func (l *RetryLedger) Duplicates() (succeeded, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.items {
		if e.dups == 0 {
			continue
		}
		if e.state == Succeeded {
			succeeded += e.dups
		} else {
			failed += e.dups
		}
	}
	return succeeded, failed
}

// NeedsRetry reports whether ref is failed but may be tried again.
func (l *RetryLedger) NeedsRetry(ref source.AssetRef) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.items[ref.Key()]
	return ok && e.state == Failed && !e.permanent
}
