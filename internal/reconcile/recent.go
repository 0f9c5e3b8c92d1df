package reconcile

import (
	"sync"
	"time"
)

// recentIDs is a time-bounded set of message ids this client confirmed
// itself. Entries evict on a timer so the set never grows unbounded, and
// lookups double-check the deadline so an expired entry is never visible
// even before its timer fires.
type recentIDs struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	deadline map[string]time.Time
}

func newRecentIDs(ttl time.Duration, now func() time.Time) *recentIDs {
	if now == nil {
		now = time.Now
	}
	return &recentIDs{
		ttl:      ttl,
		now:      now,
		deadline: make(map[string]time.Time),
	}
}

// Register records id for the configured window, extending the window if
// the id is already present.
func (r *recentIDs) Register(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.deadline[id] = r.now().Add(r.ttl)
	r.mu.Unlock()

	time.AfterFunc(r.ttl, func() {
		r.mu.Lock()
		if d, ok := r.deadline[id]; ok && !r.now().Before(d) {
			delete(r.deadline, id)
		}
		r.mu.Unlock()
	})
}

// Contains reports whether id was registered within the window.
func (r *recentIDs) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deadline[id]
	if !ok {
		return false
	}
	return r.now().Before(d)
}

// Clear drops all entries. Pending eviction timers become no-ops.
func (r *recentIDs) Clear() {
	r.mu.Lock()
	r.deadline = make(map[string]time.Time)
	r.mu.Unlock()
}

func (r *recentIDs) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deadline)
}
