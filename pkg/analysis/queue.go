package analysis

import (
	"sort"
	"sync"

	"github.com/lucid-vigil/vigil/pkg/correlation"
)

// Queue is a bounded buffer of finalized chains awaiting analysis. Offer
// never blocks: when full, the least important chain is evicted, which may
// be the one being offered.
type Queue struct {
	mu       sync.Mutex
	items    []correlation.Chain
	capacity int
	ready    chan struct{}
}

// NewQueue creates a queue holding at most capacity chains.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{capacity: capacity, ready: make(chan struct{}, 1)}
}

// less orders chains by importance: severity, then local score, then age
// (older is less important).
func less(a, b correlation.Chain) bool {
	if a.MaxSeverity.Rank() != b.MaxSeverity.Rank() {
		return a.MaxSeverity.Rank() < b.MaxSeverity.Rank()
	}
	if a.LocalScore != b.LocalScore {
		return a.LocalScore < b.LocalScore
	}
	return a.EndTime.Before(b.EndTime)
}

// Offer enqueues c. When the queue was full it returns the evicted chain.
func (q *Queue) Offer(c correlation.Chain) (correlation.Chain, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		dropped correlation.Chain
		evicted bool
	)
	if len(q.items) >= q.capacity {
		lowest := 0
		for i := 1; i < len(q.items); i++ {
			if less(q.items[i], q.items[lowest]) {
				lowest = i
			}
		}
		if !less(q.items[lowest], c) {
			return c, true
		}
		dropped, evicted = q.items[lowest], true
		q.items = append(q.items[:lowest], q.items[lowest+1:]...)
	}

	q.items = append(q.items, c)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped, evicted
}

// TakeBatch removes up to n chains, most important first.
func (q *Queue) TakeBatch(n int) []correlation.Chain {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	sort.SliceStable(q.items, func(i, j int) bool { return less(q.items[j], q.items[i]) })
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := append([]correlation.Chain(nil), q.items[:n]...)
	q.items = append(q.items[:0], q.items[n:]...)
	return batch
}

// Len returns the number of queued chains.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready is signalled after every successful Offer.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}
