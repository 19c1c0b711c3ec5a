package collection

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/config"
	"github.com/pingcap-incubator/tinycatalog/kv/index"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/mutation"
	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	version      uint64
	catalogIndex *index.CatalogIndex
	collections  map[string]*Collection
	persistence  *persistence.CatalogPersistence
}

func (e *testEnv) Version() uint64                   { return e.version }
func (e *testEnv) CatalogIndex() *index.CatalogIndex { return e.catalogIndex }

func (e *testEnv) Collection(_ *txmem.Memory, entityType string) (*Collection, bool) {
	c, ok := e.collections[entityType]
	return c, ok
}

func (e *testEnv) Target(_ *transaction.Transaction, entityType string) (mutation.Target, error) {
	c, ok := e.collections[entityType]
	if !ok {
		return nil, model.NewCollectionNotFoundError(entityType)
	}
	return NewTarget(c, e), nil
}

func (e *testEnv) pipeline() *mutation.Pipeline {
	return mutation.NewPipeline(e, nil)
}

func (e *testEnv) execute(tx *transaction.Transaction, m model.EntityMutation) (mutation.Result, error) {
	target, err := e.Target(tx, m.EntityType())
	if err != nil {
		return mutation.Result{}, err
	}
	return e.pipeline().Execute(tx, target, mutation.Request{
		Mutation: m,
		Options:  mutation.Options{Implicit: mutation.ImplicitAll, CheckConsistency: true},
		Result:   mutation.ResultEntity,
	})
}

// commit merges every collection and writes their pending parts at version+1.
func (e *testEnv) commit(t *testing.T, tx *transaction.Transaction) {
	m := tx.Memory()
	version := e.version + 1
	b := e.persistence.NewBatch(version)
	merged := make(map[string]*Collection, len(e.collections))
	for name, c := range e.collections {
		next, err := c.Merge(m)
		require.Nil(t, err)
		_, err = next.Buffer().StagePending(b)
		require.Nil(t, err)
		merged[name] = next
	}
	ci, err := e.catalogIndex.Merge(m)
	require.Nil(t, err)
	require.Nil(t, e.persistence.Commit(b, nil))
	for _, c := range merged {
		c.Buffer().PendingWritten()
	}
	e.collections, e.catalogIndex, e.version = merged, ci, version
	tx.MarkCommitted()
}

func str(s string) *string {
	return &s
}

// newTestEnv creates brand (pk given by the client) and product (generated pk) collections with a reflected
// reference between them.
func newTestEnv(t *testing.T) *testEnv {
	store := storage.NewMemStorage()
	require.Nil(t, store.Start())
	p := persistence.NewCatalogPersistence(store, uuid.New(), "shop", config.NewTestConfig())

	brand := model.NewEntitySchema("brand")
	brand.Attributes["name"] = &model.AttributeSchema{Name: "name", UniqueGlobally: true}
	brand.References["products"] = &model.ReferenceSchema{Name: "products", EntityType: "product", ReflectedReference: "brand"}

	product := model.NewEntitySchema("product")
	product.WithGeneratedPrimaryKey = true
	product.Attributes["code"] = &model.AttributeSchema{Name: "code", Unique: true, Required: true}
	product.Attributes["color"] = &model.AttributeSchema{Name: "color", Filterable: true}
	product.Attributes["status"] = &model.AttributeSchema{Name: "status", DefaultValue: str("draft")}
	product.References["brand"] = &model.ReferenceSchema{Name: "brand", EntityType: "brand",
		ReflectedReference: "products", Indexed: true, CheckIntegrity: true}

	return &testEnv{
		catalogIndex: index.NewCatalogIndex(),
		persistence:  p,
		collections: map[string]*Collection{
			"brand":   New(1, brand, p.Collection(1, "brand")),
			"product": New(2, product, p.Collection(2, "product")),
		},
	}
}

func createBrand(t *testing.T, e *testEnv, tx *transaction.Transaction, pk int, name string) {
	_, err := e.execute(tx, model.NewEntityUpsert("brand", pk, model.MustNotExist,
		model.UpsertAttributeMutation{Name: "name", Value: name}))
	require.Nil(t, err)
}

func TestUpsertStaysInTransactionUntilCommit(t *testing.T) {
	e := newTestEnv(t)
	tx := transaction.New("shop", 0)
	createBrand(t, e, tx, 1, "acme")
	res, err := e.execute(tx, model.NewEntityUpsert("product", 0, model.MayExist,
		model.UpsertAttributeMutation{Name: "code", Value: "P-1"},
		model.UpsertAttributeMutation{Name: "color", Value: "red"},
		model.InsertReferenceMutation{Name: "brand", Target: 1}))
	require.Nil(t, err)
	assert.Equal(t, 1, res.Reference.PrimaryKey)
	require.NotNil(t, res.Entity)
	assert.Equal(t, "draft", res.Entity.Attributes["status"])
	assert.Equal(t, 1, res.Entity.Version)

	product := e.collections["product"]
	assert.True(t, product.Contains(tx.Memory(), 1))
	assert.False(t, product.Contains(nil, 1))
	assert.Equal(t, []int{1}, product.ReferencedBy(tx.Memory(), "brand", 1))
	assert.Equal(t, []int{1}, product.Filter(tx.Memory(), "color", "red"))

	// The reflected reference reached the brand.
	brand, err := e.collections["brand"].GetEntity(tx.Memory(), 0, 1)
	require.Nil(t, err)
	assert.True(t, brand.HasReference("products", 1))

	e.commit(t, tx)
	product = e.collections["product"]
	assert.Equal(t, 1, product.Size(nil))
	assert.Equal(t, 2, product.IndexCount(nil))
	stored, err := product.GetEntity(nil, 1, 1)
	require.Nil(t, err)
	assert.Equal(t, "P-1", stored.Attributes["code"])
	assert.True(t, stored.HasReference("brand", 1))

	// Version 0 never saw it.
	part, err := product.Buffer().Get(nil, 0, model.PartAttributes, 1)
	require.Nil(t, err)
	assert.Nil(t, part)
}

func TestGeneratedPrimaryKeys(t *testing.T) {
	e := newTestEnv(t)
	tx := transaction.New("shop", 0)
	_, err := e.execute(tx, model.NewEntityUpsert("product", 5, model.MustNotExist,
		model.UpsertAttributeMutation{Name: "code", Value: "P-5"}))
	require.NotNil(t, err)
	assert.Equal(t, model.ClassValidation, model.ClassOf(err))
	assert.False(t, tx.IsRollbackOnly())

	// A replayed mutation carries the key its original run was given.
	target, err := e.Target(tx, "product")
	require.Nil(t, err)
	_, err = e.pipeline().Execute(tx, target, mutation.Request{
		Mutation: model.NewEntityUpsert("product", 5, model.MustNotExist, model.UpsertAttributeMutation{Name: "code", Value: "P-5"}),
		Options:  mutation.Options{Implicit: mutation.ImplicitAll, Replay: true},
	})
	require.Nil(t, err)

	res, err := e.execute(tx, model.NewEntityUpsert("product", 0, model.MayExist, model.UpsertAttributeMutation{Name: "code", Value: "P-6"}))
	require.Nil(t, err)
	assert.Equal(t, 6, res.Reference.PrimaryKey)

	_, err = e.execute(tx, model.NewEntityUpsert("brand", 0, model.MayExist))
	require.NotNil(t, err)
	assert.Equal(t, model.ClassValidation, model.ClassOf(err))
}

func TestUniqueViolationLeavesNoTrace(t *testing.T) {
	e := newTestEnv(t)
	tx := transaction.New("shop", 0)
	createBrand(t, e, tx, 1, "acme")
	_, err := e.execute(tx, model.NewEntityUpsert("product", 0, model.MayExist,
		model.UpsertAttributeMutation{Name: "code", Value: "P-1"}))
	require.Nil(t, err)

	_, err = e.execute(tx, model.NewEntityUpsert("product", 0, model.MayExist,
		model.UpsertAttributeMutation{Name: "color", Value: "blue"},
		model.InsertReferenceMutation{Name: "brand", Target: 1},
		model.UpsertAttributeMutation{Name: "code", Value: "P-1"}))
	require.NotNil(t, err)
	_, ok := errors.Cause(err).(*model.UniqueValueViolationError)
	assert.True(t, ok)
	assert.False(t, tx.IsRollbackOnly())

	m := tx.Memory()
	product := e.collections["product"]
	assert.Equal(t, 1, product.Size(m))
	assert.Empty(t, product.Filter(m, "color", "blue"))
	assert.Empty(t, product.ReferencedBy(m, "brand", 1))
	brand, err := e.collections["brand"].GetEntity(m, 0, 1)
	require.Nil(t, err)
	assert.False(t, brand.HasReference("products", 2))

	e.commit(t, tx)
	// The reduced index created for the failed mutation is gone.
	assert.Equal(t, 1, e.collections["product"].IndexCount(nil))
}

func TestConsistencyErrorDoomsTransaction(t *testing.T) {
	e := newTestEnv(t)
	tx := transaction.New("shop", 0)
	_, err := e.execute(tx, model.NewEntityUpsert("product", 0, model.MayExist,
		model.UpsertAttributeMutation{Name: "color", Value: "red"}))
	require.NotNil(t, err)
	_, ok := errors.Cause(err).(*model.MissingRequiredAttributeError)
	assert.True(t, ok)
	assert.True(t, tx.IsRollbackOnly())
	assert.Equal(t, 0, e.collections["product"].Size(tx.Memory()))
}

func TestReflectedReferenceNeedsTarget(t *testing.T) {
	e := newTestEnv(t)
	tx := transaction.New("shop", 0)
	_, err := e.execute(tx, model.NewEntityUpsert("product", 0, model.MayExist,
		model.UpsertAttributeMutation{Name: "code", Value: "P-1"},
		model.InsertReferenceMutation{Name: "brand", Target: 9}))
	require.NotNil(t, err)
	assert.Equal(t, 0, e.collections["product"].Size(tx.Memory()))
	assert.Equal(t, 0, e.collections["brand"].Size(tx.Memory()))
}

func TestRemoveEntityCascadesReflection(t *testing.T) {
	e := newTestEnv(t)
	tx := transaction.New("shop", 0)
	createBrand(t, e, tx, 1, "acme")
	_, err := e.execute(tx, model.NewEntityUpsert("product", 0, model.MayExist,
		model.UpsertAttributeMutation{Name: "code", Value: "P-1"},
		model.InsertReferenceMutation{Name: "brand", Target: 1}))
	require.Nil(t, err)
	e.commit(t, tx)

	tx = transaction.New("shop", e.version)
	res, err := e.execute(tx, model.NewEntityRemove("product", 1))
	require.Nil(t, err)
	assert.Nil(t, res.Entity)
	brand, err := e.collections["brand"].GetEntity(tx.Memory(), e.version, 1)
	require.Nil(t, err)
	assert.Empty(t, brand.ReferencesNamed("products"))
	e.commit(t, tx)

	product := e.collections["product"]
	assert.Equal(t, 0, product.Size(nil))
	_, ok := product.UniqueLookup(nil, "code", "P-1")
	assert.False(t, ok)
	for _, pt := range model.EntityPartTypes {
		part, err := product.Buffer().Get(nil, e.version, pt, 1)
		require.Nil(t, err)
		assert.Nil(t, part, pt.String())
	}
	// The previous version still reads the entity.
	old, err := product.Buffer().GetEntityParts(nil, e.version-1, 1)
	require.Nil(t, err)
	assert.Len(t, old, 3)

	_, err = e.execute(transaction.New("shop", e.version), model.NewEntityRemove("product", 1))
	assert.Equal(t, model.ClassValidation, model.ClassOf(err))
}

func TestSchemaEvolution(t *testing.T) {
	e := newTestEnv(t)
	product := e.collections["product"]
	require.Nil(t, product.AlterSchema(nil, model.SetEvolutionModeMutation{
		Mode: model.EvolutionAddingAttributes | model.EvolutionAddingPrices}))
	base := product.Schema(nil)

	tx := transaction.New("shop", 0)
	_, err := e.execute(tx, model.NewEntityUpsert("product", 0, model.MayExist,
		model.UpsertAttributeMutation{Name: "code", Value: "P-1"},
		model.UpsertAttributeMutation{Name: "weight", Value: "12"},
		model.UpsertPriceMutation{Key: model.PriceKey{PriceID: 1, PriceList: "basic", Currency: "EUR"}, AmountCents: 999}))
	require.Nil(t, err)

	m := tx.Memory()
	_, ok := product.Schema(m).Attribute("weight")
	assert.True(t, ok)
	assert.True(t, product.Schema(m).WithPrice)
	assert.Equal(t, base, product.Schema(nil))

	// A concurrent schema change is detected.
	_, err = product.UpdateSchema(m, base, base.Clone())
	_, ok = errors.Cause(err).(*model.ConcurrencyError)
	assert.True(t, ok)

	e.commit(t, tx)
	product = e.collections["product"]
	assert.True(t, product.Schema(nil).WithPrice)
	part, err := product.Buffer().Get(nil, e.version, model.PartEntitySchema, 0)
	require.Nil(t, err)
	assert.Equal(t, product.Schema(nil).Version, part.(model.EntitySchemaPart).Schema.Version)
	stored, err := product.GetEntity(nil, e.version, 1)
	require.Nil(t, err)
	require.Len(t, stored.Prices, 1)
	assert.Equal(t, 1, stored.Prices[0].InternalPriceID)
	assert.Equal(t, 1, product.Global(nil).PriceCount(nil))
}

func TestSchemaChangeOfPopulatedCollection(t *testing.T) {
	e := newTestEnv(t)
	tx := transaction.New("shop", 0)
	_, err := e.execute(tx, model.NewEntityUpsert("product", 0, model.MayExist,
		model.UpsertAttributeMutation{Name: "code", Value: "P-1"}))
	require.Nil(t, err)
	product := e.collections["product"]
	err = product.AlterSchema(tx.Memory(), model.CreateAttributeSchemaMutation{
		Attribute: model.AttributeSchema{Name: "ean", Unique: true}})
	assert.Equal(t, model.ClassValidation, model.ClassOf(err))
	require.Nil(t, product.AlterSchema(tx.Memory(), model.CreateAttributeSchemaMutation{
		Attribute: model.AttributeSchema{Name: "note"}}))
}

func TestWarmingUpWritesAreTrapped(t *testing.T) {
	e := newTestEnv(t)
	createBrand(t, e, nil, 1, "acme")
	res, err := e.execute(nil, model.NewEntityUpsert("product", 0, model.MayExist,
		model.UpsertAttributeMutation{Name: "code", Value: "P-1"},
		model.InsertReferenceMutation{Name: "brand", Target: 1}))
	require.Nil(t, err)
	assert.Equal(t, "draft", res.Entity.Attributes["status"])

	product := e.collections["product"]
	assert.Equal(t, 1, product.Size(nil))
	assert.Equal(t, 3, product.Buffer().TrappedCount())

	// A failing upsert restores everything it touched.
	_, err = e.execute(nil, model.NewEntityUpsert("product", 0, model.MayExist,
		model.InsertReferenceMutation{Name: "brand", Target: 1},
		model.UpsertAttributeMutation{Name: "code", Value: "P-1"}))
	require.NotNil(t, err)
	assert.Equal(t, 1, product.Size(nil))
	assert.Equal(t, []int{1}, product.ReferencedBy(nil, "brand", 1))
	assert.Equal(t, 3, product.Buffer().TrappedCount())

	changes, gens := product.Buffer().TrappedChanges()
	require.Nil(t, e.persistence.FlushTrappedUpdates(0, changes, nil))
	product.Buffer().ForgetFlushed(gens)
	assert.Equal(t, 0, product.Buffer().TrappedCount())
	stored, err := product.GetEntity(nil, 0, 1)
	require.Nil(t, err)
	assert.Equal(t, "P-1", stored.Attributes["code"])
}

func TestRebuild(t *testing.T) {
	e := newTestEnv(t)
	tx := transaction.New("shop", 0)
	createBrand(t, e, tx, 1, "acme")
	for _, code := range []string{"P-1", "P-2"} {
		_, err := e.execute(tx, model.NewEntityUpsert("product", 0, model.MayExist,
			model.UpsertAttributeMutation{Name: "code", Value: code},
			model.UpsertAttributeMutation{Name: "color", Value: "red"},
			model.InsertReferenceMutation{Name: "brand", Target: 1}))
		require.Nil(t, err)
	}
	e.commit(t, tx)

	committed := e.collections["product"]
	ci := index.NewCatalogIndex()
	restored := Restore(committed.Header(), committed.Schema(nil), e.persistence.Collection(2, "product"))
	require.Nil(t, restored.Rebuild(e.version, ci))
	assert.Equal(t, []int{1, 2}, restored.PrimaryKeys(nil))
	assert.Equal(t, []int{1, 2}, restored.Filter(nil, "color", "red"))
	assert.Equal(t, []int{1, 2}, restored.ReferencedBy(nil, "brand", 1))
	pk, ok := restored.UniqueLookup(nil, "code", "P-2")
	assert.True(t, ok)
	assert.Equal(t, 2, pk)
	assert.Equal(t, committed.Header().PKSeq, restored.Header().PKSeq)

	// Loading again and again does not consume index numbers.
	assert.Equal(t, int64(2), committed.Header().IndexPKSeq)
	again := Restore(restored.Header(), restored.Schema(nil), e.persistence.Collection(2, "product"))
	require.Nil(t, again.Rebuild(e.version, index.NewCatalogIndex()))
	assert.Equal(t, committed.Header().IndexPKSeq, again.Header().IndexPKSeq)
	assert.Equal(t, 1, again.Global(nil).PK())
	reduced, ok := again.Index(nil, index.ReducedKey("brand", 1))
	require.True(t, ok)
	assert.Equal(t, 2, reduced.PK())

	brands := Restore(e.collections["brand"].Header(), e.collections["brand"].Schema(nil), e.persistence.Collection(1, "brand"))
	require.Nil(t, brands.Rebuild(e.version, ci))
	owner, ok := ci.Lookup(nil, "name", "acme")
	assert.True(t, ok)
	assert.Equal(t, model.EntityReference{Type: "brand", PrimaryKey: 1}, owner)
}

func TestRenamedCollectionKeepsParts(t *testing.T) {
	e := newTestEnv(t)
	tx := transaction.New("shop", 0)
	createBrand(t, e, tx, 1, "acme")
	e.commit(t, tx)

	brand := e.collections["brand"]
	renamed := brand.WithPersistence(brand.Buffer().Persistence().Renamed("maker"))
	assert.Equal(t, brand.TypePK(), renamed.TypePK())
	stored, err := renamed.GetEntity(nil, e.version, 1)
	require.Nil(t, err)
	assert.Equal(t, "acme", stored.Attributes["name"])
	assert.Equal(t, "maker", renamed.Buffer().Persistence().Name())
}
