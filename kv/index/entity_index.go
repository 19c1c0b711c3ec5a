package index

import (
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
)

// IndexedPrice is a price registered under its internal id.
type IndexedPrice struct {
	PK    int
	Price model.Price
}

// entityIndexLayer only marks the index as written; the changes themselves live in the layers of the children.
type entityIndexLayer struct{}

// EntityIndex indexes the entities of one collection, or the subset referencing one entity for reduced indexes.
type EntityIndex struct {
	id         uint64
	pk         int
	entityType string
	key        Key
	pks        *txmem.IntSet
	unique     *txmem.Map[attributeValue, int]
	filter     *txmem.Map[attributeValue, *txmem.IntSet]
	prices     *txmem.Map[int, IndexedPrice]
}

// NewEntityIndex creates an empty index; pk is taken from the index sequence of the collection.
func NewEntityIndex(entityType string, key Key, pk int) *EntityIndex {
	return &EntityIndex{
		id:         txmem.NextProducerID(),
		pk:         pk,
		entityType: entityType,
		key:        key,
		pks:        txmem.NewIntSet(),
		unique:     txmem.NewMap[attributeValue, int](nil),
		filter:     txmem.NewProducerMap[attributeValue, *txmem.IntSet](nil, mergeIntSet),
		prices:     txmem.NewMap[int, IndexedPrice](nil),
	}
}

func mergeIntSet(m *txmem.Memory, s *txmem.IntSet) (*txmem.IntSet, bool, error) {
	if !m.Has(s) {
		return s, false, nil
	}
	merged, err := s.Merge(m)
	return merged, merged != s, err
}

func (idx *EntityIndex) ProducerID() uint64 {
	return idx.id
}

func (idx *EntityIndex) CreateLayer() *entityIndexLayer {
	return &entityIndexLayer{}
}

func (idx *EntityIndex) Key() Key {
	return idx.key
}

func (idx *EntityIndex) PK() int {
	return idx.pk
}

func (idx *EntityIndex) touch(m *txmem.Memory) {
	if m != nil {
		txmem.GetOrCreateLayer[*entityIndexLayer](m, idx)
	}
}

// Touched reports whether the index was written in the transaction owning m.
func (idx *EntityIndex) Touched(m *txmem.Memory) bool {
	return m.Has(idx)
}

func (idx *EntityIndex) InsertPrimaryKey(m *txmem.Memory, pk int) bool {
	idx.touch(m)
	return idx.pks.Add(m, pk)
}

func (idx *EntityIndex) RemovePrimaryKey(m *txmem.Memory, pk int) bool {
	idx.touch(m)
	return idx.pks.Remove(m, pk)
}

func (idx *EntityIndex) Contains(m *txmem.Memory, pk int) bool {
	return idx.pks.Contains(m, pk)
}

// PrimaryKeys returns the indexed primary keys in ascending order.
func (idx *EntityIndex) PrimaryKeys(m *txmem.Memory) []int {
	return idx.pks.Slice(m)
}

func (idx *EntityIndex) Size(m *txmem.Memory) int {
	return idx.pks.Len(m)
}

// IsEmpty reports an index holding nothing at all, which may be dropped.
func (idx *EntityIndex) IsEmpty(m *txmem.Memory) bool {
	return idx.pks.Len(m) == 0 && idx.unique.Len(m) == 0 && idx.filter.Len(m) == 0 && idx.prices.Len(m) == 0
}

// InsertUnique registers value of a unique attribute. A value already held by another entity is a violation.
func (idx *EntityIndex) InsertUnique(m *txmem.Memory, attribute, value string, pk int) error {
	key := attributeValue{Attribute: attribute, Value: value}
	if existing, ok := idx.unique.Get(m, key); ok {
		if existing == pk {
			return nil
		}
		return model.NewUniqueValueViolationError(attribute, value,
			model.EntityReference{Type: idx.entityType, PrimaryKey: existing})
	}
	idx.touch(m)
	idx.unique.Put(m, key, pk)
	return nil
}

func (idx *EntityIndex) RemoveUnique(m *txmem.Memory, attribute, value string, pk int) error {
	key := attributeValue{Attribute: attribute, Value: value}
	existing, ok := idx.unique.Get(m, key)
	if !ok || existing != pk {
		return model.NewInternalError("unique value `%s` of `%s` is not held by %s:%d in the %s index",
			value, attribute, idx.entityType, pk, idx.key)
	}
	idx.touch(m)
	idx.unique.Remove(m, key)
	return nil
}

// UniqueLookup returns the entity holding value of a unique attribute.
func (idx *EntityIndex) UniqueLookup(m *txmem.Memory, attribute, value string) (int, bool) {
	return idx.unique.Get(m, attributeValue{Attribute: attribute, Value: value})
}

func (idx *EntityIndex) InsertFilter(m *txmem.Memory, attribute, value string, pk int) {
	key := attributeValue{Attribute: attribute, Value: value}
	idx.touch(m)
	set, ok := idx.filter.Get(m, key)
	if !ok {
		set = txmem.NewIntSet()
		idx.filter.Put(m, key, set)
	}
	set.Add(m, pk)
}

// RemoveFilter drops pk from the entities holding value, and drops the value once nobody holds it.
func (idx *EntityIndex) RemoveFilter(m *txmem.Memory, attribute, value string, pk int) {
	key := attributeValue{Attribute: attribute, Value: value}
	set, ok := idx.filter.Get(m, key)
	if !ok {
		return
	}
	idx.touch(m)
	set.Remove(m, pk)
	if set.Len(m) == 0 {
		idx.filter.Remove(m, key)
		m.RemoveLayer(set)
	}
}

// Filter returns the entities holding value in ascending order.
func (idx *EntityIndex) Filter(m *txmem.Memory, attribute, value string) []int {
	set, ok := idx.filter.Get(m, attributeValue{Attribute: attribute, Value: value})
	if !ok {
		return nil
	}
	return set.Slice(m)
}

func (idx *EntityIndex) AddPrice(m *txmem.Memory, internalID, pk int, price model.Price) {
	idx.touch(m)
	idx.prices.Put(m, internalID, IndexedPrice{PK: pk, Price: price})
}

func (idx *EntityIndex) RemovePrice(m *txmem.Memory, internalID int) (IndexedPrice, bool) {
	if _, ok := idx.prices.Get(m, internalID); !ok {
		return IndexedPrice{}, false
	}
	idx.touch(m)
	return idx.prices.Remove(m, internalID)
}

func (idx *EntityIndex) Price(m *txmem.Memory, internalID int) (IndexedPrice, bool) {
	return idx.prices.Get(m, internalID)
}

func (idx *EntityIndex) PriceCount(m *txmem.Memory) int {
	return idx.prices.Len(m)
}

// RemoveLayers discards every layer of the index, used when the index itself is dropped before commit.
func (idx *EntityIndex) RemoveLayers(m *txmem.Memory) {
	if m == nil {
		return
	}
	for _, set := range idx.filter.Values(m) {
		m.RemoveLayer(set)
	}
	m.RemoveLayer(idx.pks)
	m.RemoveLayer(idx.unique)
	m.RemoveLayer(idx.filter)
	m.RemoveLayer(idx.prices)
	m.RemoveLayer(idx)
}

// CreateCopyWithMergedLayer returns idx itself when it was not written.
func (idx *EntityIndex) CreateCopyWithMergedLayer(layer *entityIndexLayer, m *txmem.Memory) (*EntityIndex, error) {
	if layer == nil {
		return idx, nil
	}
	pks, err := idx.pks.Merge(m)
	if err != nil {
		return nil, err
	}
	unique, err := idx.unique.Merge(m)
	if err != nil {
		return nil, err
	}
	filter, err := idx.filter.Merge(m)
	if err != nil {
		return nil, err
	}
	prices, err := idx.prices.Merge(m)
	if err != nil {
		return nil, err
	}
	return &EntityIndex{
		id:         txmem.NextProducerID(),
		pk:         idx.pk,
		entityType: idx.entityType,
		key:        idx.key,
		pks:        pks,
		unique:     unique,
		filter:     filter,
		prices:     prices,
	}, nil
}

func (idx *EntityIndex) Merge(m *txmem.Memory) (*EntityIndex, error) {
	return txmem.Merge[*entityIndexLayer, *EntityIndex](m, idx)
}

// Renamed returns the committed index under a new entity type. It must not carry a layer.
func (idx *EntityIndex) Renamed(entityType string) *EntityIndex {
	c := *idx
	c.id = txmem.NextProducerID()
	c.entityType = entityType
	return &c
}
