package service

import "sync"

// missTracker counts resolves that are waiting on an upstream forecast fetch per location.
// A count above 1 means concurrent callers missed the same forecast window.
type missTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newMissTracker() *missTracker {
	return &missTracker{active: make(map[string]int)}
}

// begin records a miss for key and returns the concurrent count including this one.
// The returned func must be called once the fetch is resolved.
func (mt *missTracker) begin(key string) (int, func()) {
	mt.mu.Lock()
	mt.active[key]++
	n := mt.active[key]
	mt.mu.Unlock()

	var once sync.Once
	return n, func() {
		once.Do(func() {
			mt.mu.Lock()
			defer mt.mu.Unlock()
			if mt.active[key] <= 1 {
				delete(mt.active, key)
				return
			}
			mt.active[key]--
		})
	}
}

// count returns the in-progress misses for key.
func (mt *missTracker) count(key string) int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.active[key]
}
