package session

import (
	"sync"

	"go.uber.org/atomic"
)

// HorizonListener learns that the oldest version read by any session advanced to horizon. When active is false no
// session reads the catalog anymore and horizon is its current version. Listeners are called with the tracker
// locked, in the order the horizon advanced, and must not call back into the tracker.
type HorizonListener func(horizon uint64, active bool)

// VersionTracker counts the sessions reading each version of one catalog. Registering on a version that already
// has readers does not lock; creating and dropping counters is serialized by mu.
type VersionTracker struct {
	mu       sync.Mutex
	counters sync.Map // uint64 -> *atomic.Int64
	current  func() uint64
	listener HorizonListener
}

// NewVersionTracker creates a tracker. current returns the last published version of the catalog.
func NewVersionTracker(current func() uint64, listener HorizonListener) *VersionTracker {
	return &VersionTracker{
		current:  current,
		listener: listener,
	}
}

// Register records one more session reading version.
func (t *VersionTracker) Register(version uint64) {
	sessionGauge.Inc()
	if v, ok := t.counters.Load(version); ok && acquire(v.(*atomic.Int64)) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.counters.Load(version); ok {
		v.(*atomic.Int64).Inc()
		return
	}
	t.counters.Store(version, atomic.NewInt64(1))
}

// acquire increments a live counter. A counter that dropped to zero is about to be deleted and is never revived.
func acquire(c *atomic.Int64) bool {
	for {
		n := c.Load()
		if n <= 0 {
			return false
		}
		if c.CAS(n, n+1) {
			return true
		}
	}
}

// Unregister records that a session reading version closed. When it was the last reader of the oldest tracked
// version the listener is told about the new horizon.
func (t *VersionTracker) Unregister(version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.counters.Load(version)
	if !ok {
		return
	}
	sessionGauge.Dec()
	if v.(*atomic.Int64).Dec() > 0 {
		return
	}
	t.counters.Delete(version)

	horizon, active := t.oldest()
	if !active {
		t.notify(t.current(), false)
		return
	}
	if version < horizon {
		t.notify(horizon, true)
	}
}

// oldest runs with mu held, so the set of versions does not change under it.
func (t *VersionTracker) oldest() (uint64, bool) {
	var min uint64
	found := false
	t.counters.Range(func(k, _ interface{}) bool {
		if v := k.(uint64); !found || v < min {
			min, found = v, true
		}
		return true
	})
	return min, found
}

func (t *VersionTracker) notify(horizon uint64, active bool) {
	horizonGauge.Set(float64(horizon))
	if t.listener != nil {
		t.listener(horizon, active)
	}
}

// Horizon returns the oldest version still read by a session, or false when no session is tracked.
func (t *VersionTracker) Horizon() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.oldest()
}

// Readers is the number of sessions reading version.
func (t *VersionTracker) Readers(version uint64) int64 {
	v, ok := t.counters.Load(version)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}
