package catalog

import (
	"github.com/pingcap-incubator/tinycatalog/kv/collection"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
)

// merged is the outcome of folding a transaction into a catalog.
type merged struct {
	catalog *Catalog
	// obsolete are collections removed by the transaction, dropped from storage once the horizon passes.
	obsolete []persistence.ObsoleteCollection
	renamed  map[string]string
}

// merge builds the catalog at version from c and the layers in m, bottom-up: indexes and buffers within each
// collection, then the collections, then the catalog itself. Collections moved to another key are renamed and keep
// their parts, collections no longer present are torn down.
func (c *Catalog) merge(m *txmem.Memory, version uint64) (*merged, error) {
	renamedFrom, err := c.detectRenames(m)
	if err != nil {
		return nil, err
	}

	keys, err := c.collections.Merge(m)
	if err != nil {
		return nil, err
	}
	out := &merged{renamed: make(map[string]string)}
	kept := make(map[*collection.Collection]bool)
	next := make(map[string]*collection.Collection, keys.Len(nil))
	var mergeErr error
	keys.Range(nil, func(name string, coll *collection.Collection) bool {
		kept[coll] = true
		nc, err := coll.Merge(m)
		if err != nil {
			mergeErr = err
			return false
		}
		if from, ok := renamedFrom[coll]; ok {
			out.renamed[from] = name
		}
		if nc.Buffer().Persistence().Name() != name {
			nc = nc.WithPersistence(nc.Buffer().Persistence().Renamed(name))
		}
		next[name] = nc
		return true
	})
	if mergeErr != nil {
		return nil, mergeErr
	}
	c.collections.Range(nil, func(_ string, coll *collection.Collection) bool {
		if !kept[coll] {
			coll.RemoveLayers(m)
			out.obsolete = append(out.obsolete, persistence.ObsoleteCollection{EntityTypePK: coll.TypePK(), RemovedIn: version})
		}
		return true
	})

	schema, err := c.schema.Merge(m)
	if err != nil {
		return nil, err
	}
	catalogIndex, err := c.catalogIndex.Merge(m)
	if err != nil {
		return nil, err
	}
	out.catalog = &Catalog{
		version:      version,
		state:        c.state,
		schema:       schema,
		collections:  txmem.NewMap(next),
		catalogIndex: catalogIndex,
		lineage:      c.lineage,
	}
	return out, nil
}

// detectRenames finds collections of the base that the transaction moved to another key. A collection removed
// from the base map must have been there.
func (c *Catalog) detectRenames(m *txmem.Memory) (map[*collection.Collection]string, error) {
	layer, ok := txmem.Layer[*txmem.MapLayer[string, *collection.Collection]](m, c.collections)
	if !ok {
		return nil, nil
	}
	removed := make(map[*collection.Collection]string)
	for _, name := range layer.Removed() {
		coll, ok := c.collections.BaseGet(name)
		if !ok {
			return nil, model.NewInternalError("collection `%s` was removed from catalog `%s` but never belonged to it",
				name, c.Name())
		}
		removed[coll] = name
	}
	renamedFrom := make(map[*collection.Collection]string)
	for name, coll := range layer.Modified() {
		if from, ok := removed[coll]; ok && from != name {
			renamedFrom[coll] = from
		}
	}
	return renamedFrom, nil
}
