package latches

import (
	"sort"
	"sync"
)

// Latches serialize structural operations of the engine. Each catalog name has its own latch, so renaming catalog X
// waits for a concurrent replace of X but never for work on catalog Y. An operation touching several catalogs (a
// replace, a rename onto a new name) latches all of their names at once.
//
// Latching is implemented using a single map which maps names to a WaitGroup. Access to this map is guarded by a
// mutex, held only while the map itself changes.
type Latches struct {
	// A name is latched while it is in latchMap. Goroutines that find a name latched wait on its WaitGroup.
	latchMap   map[string]*sync.WaitGroup
	latchGuard sync.Mutex
}

func NewLatches() *Latches {
	return &Latches{latchMap: make(map[string]*sync.WaitGroup)}
}

// AcquireLatches tries to latch all names. It returns nil on success, otherwise the WaitGroup of a latch that is
// already held; the caller should wait on it and try again.
func (l *Latches) AcquireLatches(names []string) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, name := range names {
		if wg, ok := l.latchMap[name]; ok {
			return wg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, name := range names {
		l.latchMap[name] = wg
	}
	return nil
}

// ReleaseLatches releases names, which must have been latched together by one AcquireLatches call, and wakes up the
// goroutines waiting for them.
func (l *Latches) ReleaseLatches(names []string) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	if len(names) == 0 {
		return
	}
	if wg, ok := l.latchMap[names[0]]; ok {
		wg.Done()
	}
	for _, name := range names {
		delete(l.latchMap, name)
	}
}

// WaitForLatches latches names, blocking for as long as any of them is held by someone else.
func (l *Latches) WaitForLatches(names []string) {
	for {
		wg := l.AcquireLatches(names)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}

// Hold latches names, runs fn and releases the latches again. Duplicate names are latched once.
func (l *Latches) Hold(fn func() error, names ...string) error {
	names = dedup(names)
	l.WaitForLatches(names)
	defer l.ReleaseLatches(names)
	return fn()
}

func dedup(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	j := 0
	for i, n := range out {
		if i > 0 && n == out[j-1] {
			continue
		}
		out[j] = n
		j++
	}
	return out[:j]
}
