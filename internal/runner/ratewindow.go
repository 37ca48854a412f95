package runner

import (
	"sync"
	"time"
)

// rateWindow enforces a sliding one-minute admission rate for executions.
// Unlike the slot, which bounds concurrency, the window bounds churn: a
// runner that is admitted, killed, and re-admitted in a tight loop still
// costs a browser-class process launch every time.
type rateWindow struct {
	mu        sync.Mutex
	maxPerMin int
	times     []time.Time
}

func newRateWindow(maxPerMin int) *rateWindow {
	return &rateWindow{maxPerMin: maxPerMin}
}

// allow reports whether a new admission fits the window and records it if
// so. Check and record are one step under the lock, mirroring the slot's
// no-race admission.
func (w *rateWindow) allow(now time.Time) bool {
	if w.maxPerMin <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	valid := w.times[:0]
	for _, ts := range w.times {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	w.times = valid

	if len(w.times) >= w.maxPerMin {
		return false
	}
	w.times = append(w.times, now)
	return true
}
