package persistence

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/config"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersistence(t *testing.T) (*CatalogPersistence, *storage.MemStorage) {
	store := storage.NewMemStorage()
	require.Nil(t, store.Start())
	return NewCatalogPersistence(store, uuid.New(), "shop", config.NewTestConfig()), store
}

func attrs(pk int, kv ...string) model.AttributesPart {
	values := make(map[string]string)
	for i := 0; i+1 < len(kv); i += 2 {
		values[kv[i]] = kv[i+1]
	}
	return model.AttributesPart{PK: pk, Values: values}
}

func commitParts(t *testing.T, p *CatalogPersistence, version uint64, fn func(b *Batch)) {
	b := p.NewBatch(version)
	fn(b)
	require.Nil(t, p.Commit(b, nil))
}

func TestPartVisibility(t *testing.T) {
	p, _ := newTestPersistence(t)
	coll := p.Collection(1, "product")
	commitParts(t, p, 1, func(b *Batch) { require.Nil(t, coll.PutPart(b, attrs(7, "code", "a"))) })
	commitParts(t, p, 3, func(b *Batch) { require.Nil(t, coll.PutPart(b, attrs(7, "code", "b"))) })
	commitParts(t, p, 5, func(b *Batch) { coll.RemovePart(b, model.PartAttributes, 7) })

	expected := map[uint64]string{1: "a", 2: "a", 3: "b", 4: "b"}
	for v := uint64(0); v <= 6; v++ {
		part, err := coll.GetPart(v, model.PartAttributes, 7)
		require.Nil(t, err)
		code, ok := expected[v]
		if !ok {
			assert.Nil(t, part, "version %d", v)
			continue
		}
		require.NotNil(t, part, "version %d", v)
		assert.Equal(t, code, part.(model.AttributesPart).Values["code"])
	}

	// Another collection and another catalog never see those parts.
	part, err := p.Collection(2, "brand").GetPart(4, model.PartAttributes, 7)
	require.Nil(t, err)
	assert.Nil(t, part)
	other := NewCatalogPersistence(p.Storage(), uuid.New(), "other", config.NewTestConfig())
	part, err = other.GetPart(4, 1, model.PartAttributes, 7)
	require.Nil(t, err)
	assert.Nil(t, part)
}

func TestScanPartsAtVersion(t *testing.T) {
	p, _ := newTestPersistence(t)
	coll := p.Collection(1, "product")
	commitParts(t, p, 1, func(b *Batch) {
		for pk := 1; pk <= 4; pk++ {
			require.Nil(t, coll.PutPart(b, model.EntityBodyPart{PK: pk, Version: 1}))
		}
	})
	commitParts(t, p, 2, func(b *Batch) {
		require.Nil(t, coll.PutPart(b, model.EntityBodyPart{PK: 2, Version: 2}))
		coll.RemovePart(b, model.PartEntityBody, 3)
	})

	scan := func(version uint64) map[int]int {
		out := make(map[int]int)
		require.Nil(t, coll.ScanParts(version, model.PartEntityBody, func(part model.StoragePart) error {
			body := part.(model.EntityBodyPart)
			out[body.PK] = body.Version
			return nil
		}))
		return out
	}
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1, 4: 1}, scan(1))
	assert.Equal(t, map[int]int{1: 1, 2: 2, 4: 1}, scan(2))
	assert.Empty(t, scan(0))
}

func TestEntityParts(t *testing.T) {
	p, _ := newTestPersistence(t)
	coll := p.Collection(3, "category")
	e := model.NewEntity("category", 11)
	e.Version = 2
	e.Attributes["name"] = "shoes"
	e.References = []model.Reference{{Name: "parent", TargetPrimaryKey: 1}}
	commitParts(t, p, 1, func(b *Batch) {
		for _, part := range model.PartsOf(e) {
			require.Nil(t, coll.PutPart(b, part))
		}
	})
	parts, err := coll.GetEntityParts(1, 11)
	require.Nil(t, err)
	assert.Len(t, parts, 3)
	assert.Equal(t, e, model.AssembleEntity("category", parts))
}

func TestWal(t *testing.T) {
	p, _ := newTestPersistence(t)
	txID := uuid.New()
	for v := uint64(1); v <= 3; v++ {
		r, err := NewWalRecord(v, txID, []model.Mutation{
			model.NewEntityRemove("product", int(v)),
			model.CreateEntitySchemaMutation{EntityType: "brand"},
		})
		require.Nil(t, err)
		n, err := p.AppendWal(r)
		require.Nil(t, err)
		assert.True(t, n > 0)
	}

	r, err := NewWalRecord(2, uuid.New(), nil)
	require.Nil(t, err)
	_, err = p.AppendWal(r)
	assert.Equal(t, model.ClassConcurrency, model.ClassOf(err))

	var versions []uint64
	require.Nil(t, p.CommittedMutations(2, func(r *WalRecord) error {
		versions = append(versions, r.Version)
		mutations, err := r.Mutations()
		require.Nil(t, err)
		assert.Equal(t, model.NewEntityRemove("product", int(r.Version)), mutations[0])
		return nil
	}))
	assert.Equal(t, []uint64{2, 3}, versions)

	first, err := p.FirstNonProcessedTransaction(1)
	require.Nil(t, err)
	require.NotNil(t, first)
	assert.Equal(t, uint64(2), first.Version)
	assert.Equal(t, txID, first.TransactionID)

	first, err = p.FirstNonProcessedTransaction(3)
	require.Nil(t, err)
	assert.Nil(t, first)

	// The WAL of a catalog is found through its header.
	err = ReadWal(p.Storage(), "shop", 0, func(*WalRecord) error { return nil })
	assert.NotNil(t, err)
}

func TestHeaders(t *testing.T) {
	p, store := newTestPersistence(t)
	h := &CatalogHeader{
		CatalogID: p.CatalogID(),
		Name:      "shop",
		State:     model.CatalogAlive,
		Version:   4,
		Collections: []CollectionHeader{
			{EntityType: "product", EntityTypePK: 2, PKSeq: 10},
			{EntityType: "brand", EntityTypePK: 1, PKSeq: 3},
		},
	}
	require.Nil(t, p.StoreHeader(h))

	read, err := ReadHeader(store, "shop")
	require.Nil(t, err)
	require.NotNil(t, read)
	assert.Equal(t, uint64(4), read.Version)
	assert.Equal(t, "brand", read.Collections[0].EntityType)
	c, ok := read.Collection("product")
	assert.True(t, ok)
	assert.Equal(t, int64(10), c.PKSeq)

	require.Nil(t, p.RenameHeader("store"))
	assert.Equal(t, "store", p.Name())
	read, err = ReadHeader(store, "shop")
	require.Nil(t, err)
	assert.Nil(t, read)

	other := NewCatalogPersistence(store, uuid.New(), "archive", config.NewTestConfig())
	require.Nil(t, other.StoreHeader(&CatalogHeader{CatalogID: other.CatalogID(), Name: "archive"}))
	headers, err := ListHeaders(store)
	require.Nil(t, err)
	require.Len(t, headers, 2)
	assert.Equal(t, "archive", headers[0].Name)
	assert.Equal(t, "store", headers[1].Name)
	names, err := ListCatalogNames(store)
	require.Nil(t, err)
	assert.Equal(t, []string{"archive", "store"}, names)

	var versions []uint64
	r, err := NewWalRecord(5, uuid.New(), nil)
	require.Nil(t, err)
	_, err = p.AppendWal(r)
	require.Nil(t, err)
	require.Nil(t, ReadWal(store, "store", 0, func(r *WalRecord) error {
		versions = append(versions, r.Version)
		return nil
	}))
	assert.Equal(t, []uint64{5}, versions)
}

func TestCommitWithHeader(t *testing.T) {
	p, store := newTestPersistence(t)
	b := p.NewBatch(2)
	require.Nil(t, b.PutPart(0, model.CatalogSchemaPart{Schema: model.NewCatalogSchema("shop")}))
	require.Nil(t, p.Commit(b, &CatalogHeader{CatalogID: p.CatalogID(), Name: "shop", Version: 2}))
	h, err := ReadHeader(store, "shop")
	require.Nil(t, err)
	assert.Equal(t, uint64(2), h.Version)
	part, err := p.GetPart(2, 0, model.PartCatalogSchema, 0)
	require.Nil(t, err)
	assert.Equal(t, "shop", part.(model.CatalogSchemaPart).Schema.Name)
}

func TestFlushTrappedUpdates(t *testing.T) {
	p, _ := newTestPersistence(t)
	var changes []TrappedChange
	for pk := 1; pk <= flushChunk+10; pk++ {
		changes = append(changes, TrappedChange{TypePK: 1, Type: model.PartEntityBody, PK: pk,
			Part: model.EntityBodyPart{PK: pk, Version: 1}})
	}
	changes = append(changes, TrappedChange{TypePK: 1, Type: model.PartAttributes, PK: 1})
	var reported []int
	require.Nil(t, p.FlushTrappedUpdates(0, changes, func(done, total int) error {
		assert.Equal(t, len(changes), total)
		reported = append(reported, done)
		return nil
	}))
	assert.Equal(t, []int{flushChunk, len(changes)}, reported)
	count := 0
	require.Nil(t, p.ScanParts(0, 1, model.PartEntityBody, func(model.StoragePart) error {
		count++
		return nil
	}))
	assert.Equal(t, flushChunk+10, count)
}

func TestFlushTrappedUpdatesStops(t *testing.T) {
	p, _ := newTestPersistence(t)
	var changes []TrappedChange
	for pk := 1; pk <= 2*flushChunk+1; pk++ {
		changes = append(changes, TrappedChange{TypePK: 1, Type: model.PartEntityBody, PK: pk,
			Part: model.EntityBodyPart{PK: pk, Version: 1}})
	}
	stop := errors.New("stop")
	err := p.FlushTrappedUpdates(0, changes, func(done, _ int) error {
		if done >= flushChunk {
			return stop
		}
		return nil
	})
	assert.Equal(t, stop, err)
	count := 0
	require.Nil(t, p.ScanParts(0, 1, model.PartEntityBody, func(model.StoragePart) error {
		count++
		return nil
	}))
	assert.Equal(t, flushChunk, count)
}

func TestPurge(t *testing.T) {
	p, store := newTestPersistence(t)
	product := p.Collection(1, "product")
	brand := p.Collection(2, "brand")
	commitParts(t, p, 1, func(b *Batch) {
		require.Nil(t, product.PutPart(b, attrs(1, "v", "1")))
		require.Nil(t, product.PutPart(b, attrs(2, "v", "1")))
		require.Nil(t, brand.PutPart(b, attrs(1, "v", "1")))
	})
	commitParts(t, p, 2, func(b *Batch) {
		require.Nil(t, product.PutPart(b, attrs(1, "v", "2")))
		product.RemovePart(b, model.PartAttributes, 2)
	})
	commitParts(t, p, 4, func(b *Batch) { require.Nil(t, product.PutPart(b, attrs(1, "v", "4"))) })
	require.Equal(t, 6, store.Len(engine_util.CfParts))

	stats, kept, err := p.Purge(3, []ObsoleteCollection{{EntityTypePK: 2, RemovedIn: 3}, {EntityTypePK: 5, RemovedIn: 4}})
	require.Nil(t, err)
	// product#1@1, product#2@1 and the tombstone of product#2 go, so does the brand collection.
	assert.Equal(t, 3, stats.Versions)
	assert.Equal(t, 1, stats.Collections)
	assert.Equal(t, []ObsoleteCollection{{EntityTypePK: 5, RemovedIn: 4}}, kept)
	assert.Equal(t, 2, store.Len(engine_util.CfParts))

	for v, expected := range map[uint64]string{3: "2", 4: "4"} {
		part, err := product.GetPart(v, model.PartAttributes, 1)
		require.Nil(t, err)
		assert.Equal(t, expected, part.(model.AttributesPart).Values["v"])
	}
	part, err := product.GetPart(4, model.PartAttributes, 2)
	require.Nil(t, err)
	assert.Nil(t, part)
}

func TestDestroy(t *testing.T) {
	p, store := newTestPersistence(t)
	commitParts(t, p, 1, func(b *Batch) { require.Nil(t, b.PutPart(1, attrs(1, "v", "1"))) })
	r, err := NewWalRecord(1, uuid.New(), nil)
	require.Nil(t, err)
	_, err = p.AppendWal(r)
	require.Nil(t, err)
	require.Nil(t, p.StoreHeader(&CatalogHeader{CatalogID: p.CatalogID(), Name: "shop"}))

	survivor := NewCatalogPersistence(store, uuid.New(), "other", config.NewTestConfig())
	commitParts(t, survivor, 1, func(b *Batch) { require.Nil(t, b.PutPart(1, attrs(1, "v", "1"))) })

	require.Nil(t, p.Destroy())
	assert.Equal(t, 1, store.Len(engine_util.CfParts))
	assert.Equal(t, 0, store.Len(engine_util.CfWal))
	h, err := ReadHeader(store, "shop")
	require.Nil(t, err)
	assert.Nil(t, h)
}

func TestDropHeaderKeepsForeignHeader(t *testing.T) {
	p, store := newTestPersistence(t)
	successor := NewCatalogPersistence(store, uuid.New(), "shop", config.NewTestConfig())
	require.Nil(t, successor.StoreHeader(&CatalogHeader{CatalogID: successor.CatalogID(), Name: "shop"}))
	require.Nil(t, p.DropHeader())
	h, err := ReadHeader(store, "shop")
	require.Nil(t, err)
	require.NotNil(t, h)
	assert.Equal(t, successor.CatalogID(), h.CatalogID)
}

type flakyStorage struct {
	*storage.MemStorage
	failures int
}

func (s *flakyStorage) Write(batch []storage.Modify) error {
	if s.failures > 0 {
		s.failures--
		return &storage.TransientError{Err: errors.New("conflict")}
	}
	return s.MemStorage.Write(batch)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	store := &flakyStorage{MemStorage: storage.NewMemStorage(), failures: 1}
	p := NewCatalogPersistence(store, uuid.New(), "shop", config.NewTestConfig())
	require.Nil(t, p.StoreHeader(&CatalogHeader{CatalogID: p.CatalogID(), Name: "shop"}))

	// The test config allows two retries.
	store.failures = 5
	err := p.StoreHeader(&CatalogHeader{CatalogID: p.CatalogID(), Name: "shop"})
	require.NotNil(t, err)
	assert.True(t, storage.IsTransient(err))
}

func TestEngineWal(t *testing.T) {
	store := storage.NewMemStorage()
	w, err := OpenEngineWal(store)
	require.Nil(t, err)
	_, err = w.Append(OpCreateCatalog, "shop", "")
	require.Nil(t, err)
	_, err = w.Append(OpRenameCatalog, "shop", "store")
	require.Nil(t, err)

	reopened, err := OpenEngineWal(store)
	require.Nil(t, err)
	assert.Equal(t, uint64(2), reopened.LastSeq())
	r, err := reopened.Append(OpRemoveCatalog, "store", "")
	require.Nil(t, err)
	assert.Equal(t, uint64(3), r.Seq)

	var ops []EngineOp
	require.Nil(t, ReadEngineWal(store, 2, func(r *EngineWalRecord) error {
		ops = append(ops, r.Op)
		return nil
	}))
	assert.Equal(t, []EngineOp{OpRenameCatalog, OpRemoveCatalog}, ops)
}
