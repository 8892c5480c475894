package tracker

import (
	"sync"
	"time"
)

// budgetWindow is the sliding window over which requests are counted.
const budgetWindow = time.Hour

// requestBudget enforces a sliding-window request cap. The budget is per
// API key and therefore process-wide.
type requestBudget struct {
	mu         sync.Mutex
	limit      int
	timestamps []time.Time
}

func newRequestBudget(limit int) *requestBudget {
	return &requestBudget{limit: limit}
}

// allow records a request when under budget. When the budget is exhausted
// it returns false plus the wait until the oldest entry leaves the window.
func (b *requestBudget) allow(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-budgetWindow)
	kept := b.timestamps[:0]
	for _, ts := range b.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.timestamps = kept

	if b.limit > 0 && len(b.timestamps) >= b.limit {
		retryAfter := b.timestamps[0].Sub(cutoff)
		return false, retryAfter
	}

	b.timestamps = append(b.timestamps, now)
	return true, 0
}

// used returns the number of requests currently inside the window.
func (b *requestBudget) used(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-budgetWindow)
	n := 0
	for _, ts := range b.timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// clear drops all recorded requests. Test hook.
func (b *requestBudget) clear() {
	b.mu.Lock()
	b.timestamps = nil
	b.mu.Unlock()
}
