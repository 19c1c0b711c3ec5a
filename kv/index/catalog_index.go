package index

import (
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
)

// CatalogIndex keeps the values of globally unique attributes across every collection of a catalog.
type CatalogIndex struct {
	values *txmem.Map[attributeValue, model.EntityReference]
}

func NewCatalogIndex() *CatalogIndex {
	return &CatalogIndex{values: txmem.NewMap[attributeValue, model.EntityReference](nil)}
}

func (idx *CatalogIndex) Insert(m *txmem.Memory, attribute, value string, owner model.EntityReference) error {
	key := attributeValue{Attribute: attribute, Value: value}
	if existing, ok := idx.values.Get(m, key); ok {
		if existing == owner {
			return nil
		}
		return model.NewUniqueValueViolationError(attribute, value, existing)
	}
	idx.values.Put(m, key, owner)
	return nil
}

func (idx *CatalogIndex) Remove(m *txmem.Memory, attribute, value string, owner model.EntityReference) error {
	key := attributeValue{Attribute: attribute, Value: value}
	if existing, ok := idx.values.Get(m, key); !ok || existing != owner {
		return model.NewInternalError("globally unique value `%s` of `%s` is not held by %s", value, attribute, owner)
	}
	idx.values.Remove(m, key)
	return nil
}

func (idx *CatalogIndex) Lookup(m *txmem.Memory, attribute, value string) (model.EntityReference, bool) {
	return idx.values.Get(m, attributeValue{Attribute: attribute, Value: value})
}

func (idx *CatalogIndex) Len(m *txmem.Memory) int {
	return idx.values.Len(m)
}

// RemoveEntityType drops every value owned by entities of entityType, used when a collection is removed.
func (idx *CatalogIndex) RemoveEntityType(m *txmem.Memory, entityType string) int {
	var doomed []attributeValue
	idx.values.Range(m, func(k attributeValue, v model.EntityReference) bool {
		if v.Type == entityType {
			doomed = append(doomed, k)
		}
		return true
	})
	for _, k := range doomed {
		idx.values.Remove(m, k)
	}
	return len(doomed)
}

// RenameEntityType moves values owned by entities of from over to to.
func (idx *CatalogIndex) RenameEntityType(m *txmem.Memory, from, to string) {
	moved := make(map[attributeValue]model.EntityReference)
	idx.values.Range(m, func(k attributeValue, v model.EntityReference) bool {
		if v.Type == from {
			moved[k] = model.EntityReference{Type: to, PrimaryKey: v.PrimaryKey}
		}
		return true
	})
	for k, v := range moved {
		idx.values.Put(m, k, v)
	}
}

// Merge returns the committed index, idx itself when it was not written.
func (idx *CatalogIndex) Merge(m *txmem.Memory) (*CatalogIndex, error) {
	values, err := idx.values.Merge(m)
	if err != nil {
		return nil, err
	}
	if values == idx.values {
		return idx, nil
	}
	return &CatalogIndex{values: values}, nil
}
