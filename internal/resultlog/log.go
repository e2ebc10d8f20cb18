// Package resultlog keeps a bounded in-memory history of check results.
//
// The log backs two read paths: the latest-status snapshot per target, and
// replay of recent results to subscribers that join late.
package resultlog

import (
	"sort"
	"sync"

	"github.com/jpalmerr/pingstream/check"
)

// DefaultCapacity is the number of results retained when none is configured.
const DefaultCapacity = 1000

// Log is a fixed-capacity ring of results plus a latest-per-target index.
//
// Log is safe for concurrent use.
type Log struct {
	mu     sync.RWMutex
	ring   []check.Result
	next   int
	full   bool
	latest map[check.TargetID]check.Result
}

// New creates a [Log] holding at most capacity results. A non-positive
// capacity falls back to [DefaultCapacity].
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		ring:   make([]check.Result, capacity),
		latest: make(map[check.TargetID]check.Result),
	}
}

// Append records r, evicting the oldest entry when the log is full.
func (l *Log) Append(r check.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.next] = r
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	l.latest[r.TargetID] = r
}

// Len returns the number of retained results.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.ring)
	}
	return l.next
}

// Recent returns up to n of the newest results matching f, oldest first.
// A non-positive n returns every retained match.
func (l *Log) Recent(f check.Filter, n int) []check.Result {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.full {
		size = len(l.ring)
	}

	var out []check.Result
	// walk newest to oldest, then reverse
	for i := 0; i < size; i++ {
		idx := (l.next - 1 - i + len(l.ring)) % len(l.ring)
		r := l.ring[idx]
		if !f.Matches(r) {
			continue
		}
		out = append(out, r)
		if n > 0 && len(out) == n {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Latest returns the most recent result per target, ordered by target ID.
func (l *Log) Latest() []check.Result {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]check.Result, 0, len(l.latest))
	for _, r := range l.latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// LatestFor returns the most recent result for id.
func (l *Log) LatestFor(id check.TargetID) (check.Result, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.latest[id]
	return r, ok
}

// Forget drops every retained result for a removed target. The remaining
// results keep their order.
func (l *Log) Forget(id check.TargetID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.latest, id)

	size := l.next
	start := 0
	if l.full {
		size = len(l.ring)
		start = l.next
	}
	kept := make([]check.Result, 0, size)
	for i := 0; i < size; i++ {
		r := l.ring[(start+i)%len(l.ring)]
		if r.TargetID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == size {
		return
	}

	ring := make([]check.Result, len(l.ring))
	copy(ring, kept)
	l.ring = ring
	l.next = len(kept) % len(ring)
	l.full = len(kept) == len(ring)
}
