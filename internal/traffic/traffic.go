// Package traffic keeps short sliding windows of upstream call outcomes and inbound admission
// decisions. Health reporting reads the windows: upstream error rate for "degraded", inbound
// denial share for "overloaded".
package traffic

import (
	"sync"
	"time"
)

// retention bounds how long timestamps are kept regardless of the windows queried.
const retention = 5 * time.Minute

var defaultTracker = NewTracker(nil)

// RecordUpstream records one provider call outcome. ok is false for failures that count
// against health (transport, 5xx, 429, open circuit).
func RecordUpstream(ok bool) { defaultTracker.RecordUpstream(ok) }

// RecordAccepted records an inbound request admitted by the rate limiter.
func RecordAccepted() { defaultTracker.RecordAccepted() }

// RecordDenied records an inbound request rejected with 429.
func RecordDenied() { defaultTracker.RecordDenied() }

// UpstreamErrorRate returns (errors, total) provider calls within window.
func UpstreamErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.UpstreamErrorRate(window)
}

// DenialRate returns (denied, total) inbound requests within window.
func DenialRate(window time.Duration) (denied, total int) {
	return defaultTracker.DenialRate(window)
}

// Default returns the process-wide tracker.
func Default() *Tracker { return defaultTracker }

// Reset clears the process-wide tracker. For tests only.
func Reset() { defaultTracker.Reset() }

// Tracker maintains sliding windows of outcome timestamps. Safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	now         func() time.Time
	upstreamOK  []time.Time
	upstreamErr []time.Time
	accepted    []time.Time
	denied      []time.Time
}

// NewTracker creates a Tracker. A nil clock uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

func (t *Tracker) RecordUpstream(ok bool) {
	if ok {
		t.record(&t.upstreamOK)
		return
	}
	t.record(&t.upstreamErr)
}

func (t *Tracker) RecordAccepted() { t.record(&t.accepted) }

func (t *Tracker) RecordDenied() { t.record(&t.denied) }

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// UpstreamErrorRate returns (errors, total) provider calls within window.
func (t *Tracker) UpstreamErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errors = countSince(t.upstreamErr, cutoff)
	return errors, errors + countSince(t.upstreamOK, cutoff)
}

// DenialRate returns (denied, total) inbound requests within window; total includes denials.
func (t *Tracker) DenialRate(window time.Duration) (denied, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	denied = countSince(t.denied, cutoff)
	return denied, denied + countSince(t.accepted, cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upstreamOK, t.upstreamErr, t.accepted, t.denied = nil, nil, nil, nil
}

// countSince counts timestamps not before cutoff. Slices are append-ordered.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0 && !times[i].Before(cutoff); i-- {
		n++
	}
	return n
}

// pruneLocked drops timestamps older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	for _, slice := range []*[]time.Time{&t.upstreamOK, &t.upstreamErr, &t.accepted, &t.denied} {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
}
