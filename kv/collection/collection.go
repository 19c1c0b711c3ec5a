// Package collection implements entity collections: the schema, sequences, indexes and storage buffer of one
// entity type, versioned together with the catalog that owns them.
package collection

import (
	"github.com/pingcap-incubator/tinycatalog/kv/index"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
	"go.uber.org/atomic"
)

// sequences are shared by every version of a collection and never go back.
type sequences struct {
	pk    *atomic.Int64
	index *atomic.Int64
	price *atomic.Int64
}

func newSequences(pk, index, price int64) *sequences {
	return &sequences{pk: atomic.NewInt64(pk), index: atomic.NewInt64(index), price: atomic.NewInt64(price)}
}

// advance moves seq to at least v.
func advance(seq *atomic.Int64, v int64) {
	for {
		cur := seq.Load()
		if cur >= v || seq.CAS(cur, v) {
			return
		}
	}
}

// collectionLayer marks a collection written in a transaction. The changes are in the layers of its children.
type collectionLayer struct{}

// Collection is one entity collection. A committed Collection is immutable; writes go through a Memory.
type Collection struct {
	id      uint64
	typePK  int
	schema  *txmem.Ref[*model.EntitySchema]
	seq     *sequences
	indexes *txmem.Map[index.Key, *index.EntityIndex]
	buffer  *Buffer
}

// New creates an empty collection.
func New(typePK int, schema *model.EntitySchema, p *persistence.CollectionPersistence) *Collection {
	return Restore(persistence.CollectionHeader{EntityType: schema.Name, EntityTypePK: typePK}, schema, p)
}

// globalIndexPK is reserved for the global index of every collection.
const globalIndexPK = 1

// Restore recreates a stored collection with its sequences. Its indexes are empty until Rebuild.
func Restore(h persistence.CollectionHeader, schema *model.EntitySchema, p *persistence.CollectionPersistence) *Collection {
	seq := newSequences(h.PKSeq, h.IndexPKSeq, h.PricePKSeq)
	advance(seq.index, globalIndexPK)
	global := index.NewEntityIndex(schema.Name, index.GlobalKey, globalIndexPK)
	return &Collection{
		id:      txmem.NextProducerID(),
		typePK:  h.EntityTypePK,
		schema:  txmem.NewRef(schema),
		seq:     seq,
		indexes: txmem.NewProducerMap(map[index.Key]*index.EntityIndex{index.GlobalKey: global}, mergeIndex),
		buffer:  NewBuffer(p),
	}
}

func mergeIndex(m *txmem.Memory, idx *index.EntityIndex) (*index.EntityIndex, bool, error) {
	if !idx.Touched(m) {
		return idx, false, nil
	}
	merged, err := idx.Merge(m)
	return merged, merged != idx, err
}

func (c *Collection) ProducerID() uint64 {
	return c.id
}

func (c *Collection) CreateLayer() *collectionLayer {
	return &collectionLayer{}
}

func (c *Collection) touch(m *txmem.Memory) {
	if m != nil {
		txmem.GetOrCreateLayer[*collectionLayer](m, c)
	}
}

// Touched reports whether the collection was written in the transaction owning m.
func (c *Collection) Touched(m *txmem.Memory) bool {
	return m.Has(c)
}

func (c *Collection) TypePK() int {
	return c.typePK
}

// EntityType is the committed name of the collection.
func (c *Collection) EntityType() string {
	return c.schema.Get(nil).Name
}

func (c *Collection) Schema(m *txmem.Memory) *model.EntitySchema {
	return c.schema.Get(m)
}

func (c *Collection) Buffer() *Buffer {
	return c.buffer
}

// UpdateSchema replaces expected by updated. It fails with a concurrency error when the schema is no longer
// expected. The returned function undoes the update within the same transaction.
func (c *Collection) UpdateSchema(m *txmem.Memory, expected, updated *model.EntitySchema) (func(), error) {
	snap := c.buffer.snapshot(m, partKey{Type: model.PartEntitySchema})
	if !c.schema.CompareAndSet(m, expected, updated) {
		return nil, model.NewConcurrencyError("schema of `%s` changed concurrently, expected version %d",
			expected.Name, expected.Version)
	}
	c.touch(m)
	c.buffer.Put(m, model.EntitySchemaPart{Schema: updated})
	return func() {
		c.schema.Set(m, expected)
		c.buffer.restore(m, snap)
	}, nil
}

// StoreSchema writes the current schema part, used when the collection is created.
func (c *Collection) StoreSchema(m *txmem.Memory) {
	c.touch(m)
	c.buffer.Put(m, model.EntitySchemaPart{Schema: c.Schema(m)})
}

// AlterSchema applies schema mutations one after another.
func (c *Collection) AlterSchema(m *txmem.Memory, mutations ...model.EntitySchemaMutation) error {
	for _, sm := range mutations {
		current := c.Schema(m)
		updated, err := sm.Apply(current)
		if err != nil {
			return err
		}
		if updated == current {
			continue
		}
		if err := c.checkSchemaChange(m, current, updated); err != nil {
			return err
		}
		if _, err := c.UpdateSchema(m, current, updated); err != nil {
			return err
		}
	}
	return nil
}

// checkSchemaChange refuses changes that would need existing entities to be reindexed or revalidated.
func (c *Collection) checkSchemaChange(m *txmem.Memory, current, updated *model.EntitySchema) error {
	if c.Size(m) == 0 {
		return nil
	}
	for name, a := range updated.Attributes {
		old, ok := current.Attributes[name]
		if ok && *old == *a {
			continue
		}
		if a.Indexed() || a.Required {
			return model.NewSchemaAlteringError("attribute `%s` of non-empty collection `%s` cannot become indexed or required",
				name, current.Name)
		}
	}
	for name := range current.Attributes {
		if _, ok := updated.Attributes[name]; !ok && current.Attributes[name].Indexed() {
			return model.NewSchemaAlteringError("indexed attribute `%s` of non-empty collection `%s` cannot be removed",
				name, current.Name)
		}
	}
	for name, r := range updated.References {
		old, ok := current.References[name]
		if ok && *old == *r {
			continue
		}
		if r.Indexed || r.CheckIntegrity {
			return model.NewSchemaAlteringError("reference `%s` of non-empty collection `%s` cannot become indexed or checked",
				name, current.Name)
		}
	}
	return nil
}

func (c *Collection) Global(m *txmem.Memory) *index.EntityIndex {
	idx, _ := c.indexes.Get(m, index.GlobalKey)
	return idx
}

// Index returns the index under key. Reduced indexes exist only while they hold something.
func (c *Collection) Index(m *txmem.Memory, key index.Key) (*index.EntityIndex, bool) {
	return c.indexes.Get(m, key)
}

// reducedIndex returns the reduced index under key, creating it on first use.
func (c *Collection) reducedIndex(m *txmem.Memory, key index.Key) (*index.EntityIndex, bool) {
	if idx, ok := c.indexes.Get(m, key); ok {
		return idx, false
	}
	idx := index.NewEntityIndex(c.Schema(m).Name, key, int(c.seq.index.Inc()))
	c.touch(m)
	c.indexes.Put(m, key, idx)
	return idx, true
}

func (c *Collection) dropIndex(m *txmem.Memory, key index.Key) {
	idx, ok := c.indexes.Remove(m, key)
	if ok {
		idx.RemoveLayers(m)
	}
}

func (c *Collection) Contains(m *txmem.Memory, pk int) bool {
	return c.Global(m).Contains(m, pk)
}

func (c *Collection) Size(m *txmem.Memory) int {
	return c.Global(m).Size(m)
}

func (c *Collection) PrimaryKeys(m *txmem.Memory) []int {
	return c.Global(m).PrimaryKeys(m)
}

func (c *Collection) UniqueLookup(m *txmem.Memory, attribute, value string) (int, bool) {
	return c.Global(m).UniqueLookup(m, attribute, value)
}

func (c *Collection) Filter(m *txmem.Memory, attribute, value string) []int {
	return c.Global(m).Filter(m, attribute, value)
}

// ReferencedBy returns the entities referencing target through the indexed reference.
func (c *Collection) ReferencedBy(m *txmem.Memory, reference string, target int) []int {
	idx, ok := c.indexes.Get(m, index.ReducedKey(reference, target))
	if !ok {
		return nil
	}
	return idx.PrimaryKeys(m)
}

// IndexCount is the number of live indexes, the global one included.
func (c *Collection) IndexCount(m *txmem.Memory) int {
	return c.indexes.Len(m)
}

// GetEntity reads an entity on top of catalog version version, nil when it does not exist.
func (c *Collection) GetEntity(m *txmem.Memory, version uint64, pk int) (*model.Entity, error) {
	if !c.Contains(m, pk) {
		return nil, nil
	}
	parts, err := c.buffer.GetEntityParts(m, version, pk)
	if err != nil {
		return nil, err
	}
	e := model.AssembleEntity(c.Schema(m).Name, parts)
	if e == nil {
		return nil, model.NewInternalError("entity %s:%d is indexed but has no body at version %d",
			c.Schema(m).Name, pk, version)
	}
	return e, nil
}

// Header describes the collection for the catalog header.
func (c *Collection) Header() persistence.CollectionHeader {
	return persistence.CollectionHeader{
		EntityType:   c.EntityType(),
		EntityTypePK: c.typePK,
		PKSeq:        c.seq.pk.Load(),
		IndexPKSeq:   c.seq.index.Load(),
		PricePKSeq:   c.seq.price.Load(),
	}
}

// WithPersistence returns a committed copy writing through a new persistent unit, used when the collection was
// renamed. The copy must not be written through the memory of the transaction that renamed it.
func (c *Collection) WithPersistence(p *persistence.CollectionPersistence) *Collection {
	renamed := make(map[index.Key]*index.EntityIndex, c.indexes.Len(nil))
	c.indexes.Range(nil, func(k index.Key, idx *index.EntityIndex) bool {
		renamed[k] = idx.Renamed(p.Name())
		return true
	})
	return &Collection{
		id:      txmem.NextProducerID(),
		typePK:  c.typePK,
		schema:  c.schema,
		seq:     c.seq,
		indexes: txmem.NewProducerMap(renamed, mergeIndex),
		buffer:  c.buffer.WithPersistence(p),
	}
}

// Live returns the copy used once the catalog went live. It fails while parts are still trapped.
func (c *Collection) Live() (*Collection, error) {
	if n := c.buffer.TrappedCount(); n > 0 {
		return nil, model.NewInternalError("collection `%s` still holds %d trapped parts", c.EntityType(), n)
	}
	return &Collection{
		id:      txmem.NextProducerID(),
		typePK:  c.typePK,
		schema:  txmem.NewRef(c.schema.Get(nil)),
		seq:     c.seq,
		indexes: c.indexes,
		buffer:  c.buffer.Live(),
	}, nil
}

// RemoveLayers discards every layer of the collection, used when it is dropped before commit.
func (c *Collection) RemoveLayers(m *txmem.Memory) {
	if m == nil {
		return
	}
	for _, idx := range c.indexes.Values(m) {
		idx.RemoveLayers(m)
	}
	// Indexes dropped in this transaction already released their layers.
	m.RemoveLayer(c.indexes)
	m.RemoveLayer(c.schema)
	m.RemoveLayer(c.buffer)
	m.RemoveLayer(c)
}

// CreateCopyWithMergedLayer returns c itself when it was not written. Reduced indexes left empty are dropped.
func (c *Collection) CreateCopyWithMergedLayer(layer *collectionLayer, m *txmem.Memory) (*Collection, error) {
	if layer == nil {
		return c, nil
	}
	schema, err := c.schema.Merge(m)
	if err != nil {
		return nil, err
	}
	indexes, err := c.indexes.Merge(m)
	if err != nil {
		return nil, err
	}
	indexes = dropEmptyReduced(indexes)
	buffer, err := c.buffer.Merge(m)
	if err != nil {
		return nil, err
	}
	return &Collection{
		id:      txmem.NextProducerID(),
		typePK:  c.typePK,
		schema:  schema,
		seq:     c.seq,
		indexes: indexes,
		buffer:  buffer,
	}, nil
}

func dropEmptyReduced(indexes *txmem.Map[index.Key, *index.EntityIndex]) *txmem.Map[index.Key, *index.EntityIndex] {
	kept := make(map[index.Key]*index.EntityIndex, indexes.Len(nil))
	dropped := false
	indexes.Range(nil, func(k index.Key, idx *index.EntityIndex) bool {
		if k.Kind == index.KindReduced && idx.IsEmpty(nil) {
			dropped = true
			return true
		}
		kept[k] = idx
		return true
	})
	if !dropped {
		return indexes
	}
	return txmem.NewProducerMap(kept, mergeIndex)
}

func (c *Collection) Merge(m *txmem.Memory) (*Collection, error) {
	return txmem.Merge[*collectionLayer, *Collection](m, c)
}

// Rebuild indexes the entities stored at version, used when a catalog is loaded. Rebuilt reduced indexes are
// numbered right after the global one; the stored index sequence already covers them.
func (c *Collection) Rebuild(version uint64, catalogIndex *index.CatalogIndex) error {
	schema := c.Schema(nil)
	global := c.Global(nil)
	rebuilt := globalIndexPK
	p := c.buffer.persistence
	err := p.ScanParts(version, model.PartEntityBody, func(part model.StoragePart) error {
		global.InsertPrimaryKey(nil, part.PartPK())
		advance(c.seq.pk, int64(part.PartPK()))
		return nil
	})
	if err != nil {
		return err
	}
	err = p.ScanParts(version, model.PartAttributes, func(part model.StoragePart) error {
		attrs := part.(model.AttributesPart)
		owner := model.EntityReference{Type: schema.Name, PrimaryKey: attrs.PK}
		for name, value := range attrs.Values {
			a, ok := schema.Attribute(name)
			if !ok {
				continue
			}
			if a.Unique {
				if err := global.InsertUnique(nil, name, value, attrs.PK); err != nil {
					return err
				}
			}
			if a.UniqueGlobally {
				if err := catalogIndex.Insert(nil, name, value, owner); err != nil {
					return err
				}
			}
			if a.Filterable {
				global.InsertFilter(nil, name, value, attrs.PK)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = p.ScanParts(version, model.PartReferences, func(part model.StoragePart) error {
		refs := part.(model.ReferencesPart)
		for _, r := range refs.References {
			if rs, ok := schema.Reference(r.Name); ok && rs.Indexed {
				key := index.ReducedKey(r.Name, r.TargetPrimaryKey)
				idx, ok := c.indexes.Get(nil, key)
				if !ok {
					rebuilt++
					advance(c.seq.index, int64(rebuilt))
					idx = index.NewEntityIndex(schema.Name, key, rebuilt)
					c.indexes.Put(nil, key, idx)
				}
				idx.InsertPrimaryKey(nil, refs.PK)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return p.ScanParts(version, model.PartPrices, func(part model.StoragePart) error {
		prices := part.(model.PricesPart)
		for _, price := range prices.Prices {
			global.AddPrice(nil, price.InternalPriceID, prices.PK, price)
			advance(c.seq.price, int64(price.InternalPriceID))
		}
		return nil
	})
}
