// Package txmem implements transactional memory: versioned structures record the changes made inside a
// transaction as layers kept in a Memory, and fold them into brand new immutable instances at commit.
//
// Every operation takes the Memory explicitly. A nil Memory means "no transaction": writes go straight to the
// receiver, which is only legal while a catalog is warming up and has a single writer.
package txmem

import (
	"fmt"
	"sort"

	"go.uber.org/atomic"
)

var producerSeq = atomic.NewUint64(0)

// NextProducerID returns a process wide unique identity for a new versioned structure.
func NextProducerID() uint64 {
	return producerSeq.Inc()
}

// Identity ties a versioned structure to its layer slot in a Memory.
type Identity interface {
	ProducerID() uint64
}

// LayerCreator creates the empty layer of a structure on its first write within a transaction.
type LayerCreator[L any] interface {
	Identity
	CreateLayer() L
}

// Producer is implemented by every versioned structure.
type Producer[L any, S any] interface {
	LayerCreator[L]
	// CreateCopyWithMergedLayer returns the committed state folding in layer, which is the zero value when the
	// structure was not written in this transaction. Children are merged through the same Memory before the parent.
	CreateCopyWithMergedLayer(layer L, m *Memory) (S, error)
}

type slot struct {
	layer interface{}
	owner string
}

// Memory holds the layers of one transaction. It is not safe for concurrent use.
type Memory struct {
	layers        map[uint64]slot
	commitHooks   []func()
	rollbackHooks []func()
	finished      bool
}

func NewMemory() *Memory {
	return &Memory{layers: make(map[uint64]slot)}
}

// GetOrCreateLayer returns the layer of p, creating it on first use.
func GetOrCreateLayer[L any](m *Memory, p LayerCreator[L]) L {
	if s, ok := m.layers[p.ProducerID()]; ok {
		return s.layer.(L)
	}
	l := p.CreateLayer()
	m.layers[p.ProducerID()] = slot{layer: l, owner: fmt.Sprintf("%T#%d", p, p.ProducerID())}
	return l
}

// Layer returns the layer of p if there is one. A nil Memory has no layers.
func Layer[L any](m *Memory, p Identity) (L, bool) {
	var zero L
	if m == nil {
		return zero, false
	}
	s, ok := m.layers[p.ProducerID()]
	if !ok {
		return zero, false
	}
	return s.layer.(L), true
}

// Has reports whether p was written in this transaction.
func (m *Memory) Has(p Identity) bool {
	if m == nil {
		return false
	}
	_, ok := m.layers[p.ProducerID()]
	return ok
}

// RemoveLayer detaches the layer of p without merging it, used when a written structure is dropped from the
// version tree before commit.
func (m *Memory) RemoveLayer(p Identity) {
	if m == nil {
		return
	}
	delete(m.layers, p.ProducerID())
}

// Merge folds the layer of p into a new instance. The layer is released first, so merging p again without another
// write returns an unchanged copy.
func Merge[L any, S any](m *Memory, p Producer[L, S]) (S, error) {
	layer, _ := Layer[L](m, p)
	m.RemoveLayer(p)
	return p.CreateCopyWithMergedLayer(layer, m)
}

// Len is the number of structures with an unmerged layer.
func (m *Memory) Len() int {
	if m == nil {
		return 0
	}
	return len(m.layers)
}

// Pending describes the structures whose layers were never merged nor removed.
func (m *Memory) Pending() []string {
	out := make([]string, 0, len(m.layers))
	for _, s := range m.layers {
		out = append(out, s.owner)
	}
	sort.Strings(out)
	return out
}

// OnCommit registers fn to run after the transaction was published.
func (m *Memory) OnCommit(fn func()) {
	m.commitHooks = append(m.commitHooks, fn)
}

// OnRollback registers fn to run when the transaction is discarded.
func (m *Memory) OnRollback(fn func()) {
	m.rollbackHooks = append(m.rollbackHooks, fn)
}

// Committed runs the commit hooks once.
func (m *Memory) Committed() {
	if m.finished {
		return
	}
	m.finished = true
	for _, fn := range m.commitHooks {
		fn()
	}
}

// Discard drops every layer and runs the rollback hooks once.
func (m *Memory) Discard() {
	if m.finished {
		return
	}
	m.finished = true
	m.layers = make(map[uint64]slot)
	for i := len(m.rollbackHooks) - 1; i >= 0; i-- {
		m.rollbackHooks[i]()
	}
}

func (m *Memory) Finished() bool {
	return m.finished
}
