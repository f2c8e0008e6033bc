// Package reclaim coordinates eviction across region groups.
//
// The Tracker owns the reclaimer lock: a releaser blocks reclaim for
// the duration of its relief wait so the driver can never signal
// relief re-entrantly while the task is suspending. The Driver picks
// eviction victims through a group's query API and releases their
// memory, paced by the resource controller's eviction budget.
package reclaim

import "sync"

// Tracker serializes the reclaim driver against releaser suspension.
// The zero value is ready to use.
type Tracker struct {
	mu      sync.Mutex
	blocked int
}

// BlockReclaim blocks the reclaim driver until the returned release
// function runs. The release function is idempotent, so it is safe on
// every exit path. Implements dirtymem.ReclaimBlocker.
func (t *Tracker) BlockReclaim() func() {
	t.mu.Lock()
	t.blocked++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.blocked--
			t.mu.Unlock()
		})
	}
}

// ReclaimBlocked reports whether any releaser currently blocks
// reclaim.
func (t *Tracker) ReclaimBlocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked > 0
}
