// Package workerstate tracks, at the controller, which workers currently
// hold an outstanding WorkItem. A worker has at most one outstanding item:
// it never receives a new one until the controller has collected the
// previous Result (or marked it inactive during drain).
package workerstate

import "sync"

// Table is a rank -> active-bit mapping. It is owned by the controller's
// single logical thread; the mutex exists only so tests and future callers
// on other goroutines can read it safely, not because the controller itself
// needs concurrent access.
type Table struct {
	mu     sync.Mutex
	active map[int]bool
}

// New returns an empty Table. Every rank starts inactive; a rank becomes
// active at its first dispatch and stays active until its Result is
// collected or it is swept during drain.
func New() *Table { return &Table{active: make(map[int]bool)} }

// Activate marks rank active: it now holds exactly one unmatched WorkItem.
func (t *Table) Activate(rank int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[rank] = true
}

// IsActive reports whether rank currently holds an unmatched WorkItem.
func (t *Table) IsActive(rank int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[rank]
}

// Deactivate marks rank inactive, used once its Result has been collected
// or during the drain phase when it never held any work.
func (t *Table) Deactivate(rank int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[rank] = false
}

// ActiveRanks returns the ranks currently marked active, for diagnostics and
// tests.
func (t *Table) ActiveRanks() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.active))
	for r, on := range t.active {
		if on {
			out = append(out, r)
		}
	}
	return out
}
