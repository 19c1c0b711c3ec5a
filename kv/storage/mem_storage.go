package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinycatalog/kv/util/engine_util"
)

// MemStorage keeps every column family in an in-memory B-tree. Readers work on copy-on-write clones, so a reader
// keeps seeing the state at the moment it was opened. Data is lost on Stop.
type MemStorage struct {
	mu  sync.RWMutex
	cfs map[string]*btree.BTree
}

const memDegree = 32

func NewMemStorage() *MemStorage {
	s := &MemStorage{cfs: make(map[string]*btree.BTree)}
	for _, cf := range engine_util.CFs {
		s.cfs[cf] = btree.New(memDegree)
	}
	return s
}

func (s *MemStorage) Start() error {
	return nil
}

func (s *MemStorage) Stop() error {
	return nil
}

func (s *MemStorage) tree(cf string) (*btree.BTree, error) {
	t, ok := s.cfs[cf]
	if !ok {
		return nil, fmt.Errorf("mem-storage: bad CF %s", cf)
	}
	return t, nil
}

func (s *MemStorage) Write(batch []Modify) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		t, err := s.tree(m.Cf())
		if err != nil {
			return err
		}
		switch data := m.Data.(type) {
		case Put:
			t.ReplaceOrInsert(memItem{key: data.Key, value: data.Value})
		case Delete:
			t.Delete(memItem{key: data.Key})
		}
	}
	return nil
}

func (s *MemStorage) PutIfAbsent(cf string, key, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tree(cf)
	if err != nil {
		return false, err
	}
	if t.Has(memItem{key: key}) {
		return false, nil
	}
	t.ReplaceOrInsert(memItem{key: key, value: value})
	return true, nil
}

func (s *MemStorage) DeletePrefix(cf string, prefix []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tree(cf)
	if err != nil {
		return 0, err
	}
	var doomed []btree.Item
	t.AscendGreaterOrEqual(memItem{key: prefix}, func(item btree.Item) bool {
		if !bytes.HasPrefix(item.(memItem).key, prefix) {
			return false
		}
		doomed = append(doomed, item)
		return true
	})
	for _, item := range doomed {
		t.Delete(item)
	}
	return len(doomed), nil
}

// Reader clones every tree; clones share nodes until either side is written.
func (s *MemStorage) Reader() (StorageReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]*btree.BTree, len(s.cfs))
	for cf, t := range s.cfs {
		snap[cf] = t.Clone()
	}
	return &memReader{cfs: snap}, nil
}

// Len returns the number of keys in cf, or -1 for an unknown CF.
func (s *MemStorage) Len(cf string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.tree(cf)
	if err != nil {
		return -1
	}
	return t.Len()
}

// memReader is a StorageReader over a snapshot of a MemStorage.
type memReader struct {
	cfs map[string]*btree.BTree
}

func (mr *memReader) GetCF(cf string, key []byte) ([]byte, error) {
	t, ok := mr.cfs[cf]
	if !ok {
		return nil, fmt.Errorf("mem-storage: bad CF %s", cf)
	}
	result := t.Get(memItem{key: key})
	if result == nil {
		return nil, nil
	}
	return result.(memItem).value, nil
}

func (mr *memReader) IterCF(cf string) engine_util.DBIterator {
	t, ok := mr.cfs[cf]
	if !ok {
		t = btree.New(memDegree)
	}
	it := &memIter{data: t}
	if min := t.Min(); min != nil {
		it.item = min.(memItem)
	}
	return it
}

func (mr *memReader) Close() {}

type memIter struct {
	data *btree.BTree
	item memItem
}

func (it *memIter) Item() engine_util.DBItem {
	return it.item
}

func (it *memIter) Valid() bool {
	return it.item.key != nil
}

func (it *memIter) Next() {
	current := it.item
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(current, func(item btree.Item) bool {
		next := item.(memItem)
		if bytes.Equal(next.key, current.key) {
			return true
		}
		it.item = next
		return false
	})
}

func (it *memIter) Seek(key []byte) {
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(memItem{key: key}, func(item btree.Item) bool {
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Close() {}

type memItem struct {
	key   []byte
	value []byte
}

func (it memItem) Key() []byte {
	return it.key
}

func (it memItem) KeyCopy(dst []byte) []byte {
	return append(dst[:0], it.key...)
}

func (it memItem) Value() ([]byte, error) {
	return it.value, nil
}

func (it memItem) ValueCopy(dst []byte) ([]byte, error) {
	return append(dst[:0], it.value...), nil
}

func (it memItem) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(memItem).key) < 0
}
