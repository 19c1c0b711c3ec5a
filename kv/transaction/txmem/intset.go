package txmem

import (
	"sync"

	"github.com/google/btree"
)

const intSetDegree = 16

type intSetLayer struct {
	tree *btree.BTree
}

// IntSet is a versioned ordered set of integers. A layer is a lazy copy-on-write clone of the base tree, so the
// first write of a transaction costs O(1) and later writes copy only the nodes they touch.
type IntSet struct {
	id uint64
	// cloneMu serializes Clone, which rewrites the copy-on-write context of the base tree.
	cloneMu sync.Mutex
	tree    *btree.BTree
}

func NewIntSet(values ...int) *IntSet {
	s := &IntSet{id: NextProducerID(), tree: btree.New(intSetDegree)}
	for _, v := range values {
		s.tree.ReplaceOrInsert(btree.Int(v))
	}
	return s
}

func (s *IntSet) ProducerID() uint64 {
	return s.id
}

func (s *IntSet) CreateLayer() *intSetLayer {
	s.cloneMu.Lock()
	defer s.cloneMu.Unlock()
	return &intSetLayer{tree: s.tree.Clone()}
}

func (s *IntSet) read(m *Memory) *btree.BTree {
	if l, ok := Layer[*intSetLayer](m, s); ok {
		return l.tree
	}
	return s.tree
}

func (s *IntSet) write(m *Memory) *btree.BTree {
	if m == nil {
		return s.tree
	}
	return GetOrCreateLayer[*intSetLayer](m, s).tree
}

// Add inserts v and reports whether it was absent.
func (s *IntSet) Add(m *Memory, v int) bool {
	return s.write(m).ReplaceOrInsert(btree.Int(v)) == nil
}

// Remove deletes v and reports whether it was present.
func (s *IntSet) Remove(m *Memory, v int) bool {
	if !s.Contains(m, v) {
		return false
	}
	return s.write(m).Delete(btree.Int(v)) != nil
}

func (s *IntSet) Contains(m *Memory, v int) bool {
	return s.read(m).Has(btree.Int(v))
}

func (s *IntSet) Len(m *Memory) int {
	return s.read(m).Len()
}

// Slice returns the members in ascending order.
func (s *IntSet) Slice(m *Memory) []int {
	t := s.read(m)
	out := make([]int, 0, t.Len())
	t.Ascend(func(i btree.Item) bool {
		out = append(out, int(i.(btree.Int)))
		return true
	})
	return out
}

func (s *IntSet) CreateCopyWithMergedLayer(layer *intSetLayer, _ *Memory) (*IntSet, error) {
	if layer == nil {
		return s, nil
	}
	return &IntSet{id: NextProducerID(), tree: layer.tree}, nil
}

func (s *IntSet) Merge(m *Memory) (*IntSet, error) {
	return Merge[*intSetLayer, *IntSet](m, s)
}
