package batch

import (
	"fmt"
	"sync"
)

// Bounds are the process-wide quota limits.
type Bounds struct {
	CountDefault int
	SizeDefault  int64
	SizeMin      int64
	SizeMax      int64
}

// Quotas holds the per-job count and size limits. Setters never fail hard:
// an out-of-range value is rejected with a descriptive message and the
// current value stays in place.
type Quotas struct {
	mu     sync.Mutex
	bounds Bounds
	count  int
	size   int64
}

func NewQuotas(b Bounds) *Quotas {
	return &Quotas{bounds: b, count: b.CountDefault, size: b.SizeDefault}
}

// SetCount sets the item count limit. It returns "" on success and a
// rejection message otherwise.
func (q *Quotas) SetCount(n int) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n < 1 {
		return fmt.Sprintf(" orderNumLimit %d should be at least 1, use current:%d", n, q.count)
	}
	q.count = n
	return ""
}

// SetSize sets the byte size limit. It returns "" on success and a rejection
// message otherwise.
func (q *Quotas) SetSize(n int64) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n < q.bounds.SizeMin || n > q.bounds.SizeMax {
		return fmt.Sprintf(" %d is out of range, orderSizeLimit should be in [%d, %d], use current:%d",
			n, q.bounds.SizeMin, q.bounds.SizeMax, q.size)
	}
	q.size = n
	return ""
}

func (q *Quotas) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Quotas) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Reset restores both limits to their defaults.
func (q *Quotas) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.count = q.bounds.CountDefault
	q.size = q.bounds.SizeDefault
}
