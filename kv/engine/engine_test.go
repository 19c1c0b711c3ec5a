package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/cdc"
	"github.com/pingcap-incubator/tinycatalog/kv/config"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/mutation"
	"github.com/pingcap-incubator/tinycatalog/kv/session"
	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/pingcap-incubator/tinycatalog/kv/util/engine_util"
	"github.com/pingcap-incubator/tinycatalog/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*Engine, *storage.MemStorage) {
	store := storage.NewMemStorage()
	require.Nil(t, store.Start())
	e, err := OpenWithStorage(store, config.NewTestConfig())
	require.Nil(t, err)
	return e, store
}

// drain waits for the background jobs submitted so far.
func drain(t *testing.T, e *Engine) {
	require.Nil(t, e.worker.Submit("drain", func(*worker.Future) error { return nil }).Wait())
}

func brand(pk int, name string) model.EntityUpsertMutation {
	return model.NewEntityUpsert("brand", pk, model.MayExist, model.UpsertAttributeMutation{Name: "name", Value: name})
}

// liveCatalog creates a catalog with a brand collection holding one brand and makes it alive.
func liveCatalog(t *testing.T, e *Engine, name, brandName string) {
	_, err := e.CreateCatalog(name)
	require.Nil(t, err)
	s, err := e.CreateSession(name, session.ReadWrite)
	require.Nil(t, err)
	require.Nil(t, s.UpdateSchema(
		model.CreateEntitySchemaMutation{EntityType: "brand"},
		model.ModifyEntitySchemaMutation{EntityType: "brand", Mutations: []model.EntitySchemaMutation{
			model.CreateAttributeSchemaMutation{Attribute: model.AttributeSchema{Name: "name", Unique: true}},
		}}))
	_, err = s.Upsert(brand(1, brandName), mutation.ResultNone)
	require.Nil(t, err)
	require.Nil(t, s.Close())
	require.Nil(t, e.GoLive(name).Wait())
}

func brandName(t *testing.T, e *Engine, catalog string, pk int) string {
	s, err := e.CreateSession(catalog, 0)
	require.Nil(t, err)
	defer s.Close()
	b, err := s.GetEntity("brand", pk)
	require.Nil(t, err)
	if b == nil {
		return ""
	}
	return b.Attributes["name"]
}

func TestCreateAndGoLive(t *testing.T) {
	e, _ := newEngine(t)
	defer e.Close()

	c, err := e.CreateCatalog("shop")
	require.Nil(t, err)
	assert.Equal(t, model.CatalogWarmingUp, c.State())
	_, err = e.CreateCatalog("shop")
	assert.Equal(t, model.ClassValidation, model.ClassOf(err))

	s, err := e.CreateSession("shop", session.ReadWrite)
	require.Nil(t, err)
	_, err = e.CreateSession("shop", 0)
	assert.Equal(t, model.ClassConcurrency, model.ClassOf(err))
	require.Nil(t, s.Close())
	s, err = e.CreateSession("shop", 0)
	require.Nil(t, err)
	require.Nil(t, s.Close())

	liveCatalog(t, e, "outlet", "acme")
	f := e.GoLive("outlet")
	require.NotNil(t, f.Wait())
	assert.Equal(t, "acme", brandName(t, e, "outlet", 1))

	infos := e.Catalogs()
	require.Len(t, infos, 2)
	assert.Equal(t, "outlet", infos[0].Name)
	assert.Equal(t, model.CatalogAlive, infos[0].State)
	assert.Equal(t, uint64(1), infos[0].Version)
	assert.Equal(t, "shop", infos[1].Name)
	assert.Equal(t, model.CatalogWarmingUp, infos[1].State)

	_, err = e.CreateSession("missing", 0)
	_, notFound := errors.Cause(err).(*model.CatalogNotFoundError)
	assert.True(t, notFound)
}

func TestSessionCommitPublishes(t *testing.T) {
	e, _ := newEngine(t)
	defer e.Close()
	liveCatalog(t, e, "shop", "acme")

	reader, err := e.CreateSession("shop", 0)
	require.Nil(t, err)
	writer, err := e.CreateSession("shop", session.ReadWrite)
	require.Nil(t, err)
	dry, err := e.CreateSession("shop", session.ReadWrite|session.DryRun)
	require.Nil(t, err)
	assert.Equal(t, 3, e.Sessions("shop"))

	_, err = writer.Upsert(brand(2, "globex"), mutation.ResultNone)
	require.Nil(t, err)
	_, err = dry.Upsert(brand(3, "initech"), mutation.ResultNone)
	require.Nil(t, err)
	require.Nil(t, writer.Close())
	require.Nil(t, dry.Close())

	c, err := e.Catalog("shop")
	require.Nil(t, err)
	assert.Equal(t, uint64(2), c.Version())
	assert.Equal(t, "globex", brandName(t, e, "shop", 2))
	assert.Equal(t, "", brandName(t, e, "shop", 3))

	b, err := reader.GetEntity("brand", 2)
	require.Nil(t, err)
	assert.Nil(t, b)
	require.Nil(t, reader.Close())
	assert.Equal(t, 0, e.Sessions("shop"))
}

func TestCompetingSessions(t *testing.T) {
	e, _ := newEngine(t)
	defer e.Close()
	liveCatalog(t, e, "shop", "acme")

	first, err := e.CreateSession("shop", session.ReadWrite)
	require.Nil(t, err)
	second, err := e.CreateSession("shop", session.ReadWrite)
	require.Nil(t, err)
	_, err = first.Upsert(brand(2, "globex"), mutation.ResultNone)
	require.Nil(t, err)
	_, err = second.Upsert(brand(3, "initech"), mutation.ResultNone)
	require.Nil(t, err)

	require.Nil(t, first.Close())
	err = second.Close()
	require.NotNil(t, err)
	assert.Equal(t, model.ClassConcurrency, model.ClassOf(err))
	assert.Equal(t, "", brandName(t, e, "shop", 3))

	c, err := e.Catalog("shop")
	require.Nil(t, err)
	assert.Equal(t, uint64(2), c.Version())
}

func TestOpenSessionAfterConcurrentCommit(t *testing.T) {
	e, _ := newEngine(t)
	defer e.Close()
	liveCatalog(t, e, "shop", "acme")

	// A session about to open version 1 has seen it but not registered yet.
	en, err := e.entry("shop")
	require.Nil(t, err)
	seen, err := en.get().Open()
	require.Nil(t, err)
	require.Equal(t, uint64(1), seen.Version())

	// A writer publishes version 2 and, being the last reader of version 1, lets it be purged.
	writer, err := e.CreateSession("shop", session.ReadWrite)
	require.Nil(t, err)
	_, err = writer.Upsert(brand(1, "globex"), mutation.ResultNone)
	require.Nil(t, err)
	require.Nil(t, writer.Close())
	drain(t, e)

	s, err := e.openSession(en, seen, 0)
	require.Nil(t, err)
	assert.Equal(t, uint64(2), s.Version())
	assert.Equal(t, int64(1), en.tracker.Readers(2))
	assert.Equal(t, int64(0), en.tracker.Readers(1))
	b, err := s.GetEntity("brand", 1)
	require.Nil(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "globex", b.Attributes["name"])
	require.Nil(t, s.Close())
}

func TestOpenSessionOnRemovedCatalog(t *testing.T) {
	e, store := newEngine(t)
	defer e.Close()
	liveCatalog(t, e, "shop", "acme")

	en, err := e.entry("shop")
	require.Nil(t, err)
	seen, err := en.get().Open()
	require.Nil(t, err)
	require.Nil(t, e.RemoveCatalog("shop"))

	_, err = e.openSession(en, seen, 0)
	_, notFound := errors.Cause(err).(*model.CatalogNotFoundError)
	assert.True(t, notFound)
	assert.Equal(t, int64(0), en.tracker.Readers(1))
	e.mu.RLock()
	assert.Empty(t, e.sessions)
	e.mu.RUnlock()
	drain(t, e)
	assert.Zero(t, store.Len(engine_util.CfParts))
}

func TestRenameAndReplace(t *testing.T) {
	e, store := newEngine(t)
	defer e.Close()
	liveCatalog(t, e, "draft", "acme")
	liveCatalog(t, e, "shop", "globex")

	pinned, err := e.CreateSession("draft", session.ReadWrite)
	require.Nil(t, err)
	_, err = pinned.Upsert(brand(2, "initech"), mutation.ResultNone)
	require.Nil(t, err)

	require.Nil(t, e.RenameCatalog("draft", "next"))
	_, err = e.Catalog("draft")
	require.NotNil(t, err)
	assert.Equal(t, "acme", brandName(t, e, "next", 1))
	err = e.RenameCatalog("next", "shop")
	assert.Equal(t, model.ClassValidation, model.ClassOf(err))

	// The session was pinned before the rename and can no longer commit.
	err = pinned.Close()
	assert.Equal(t, model.ClassConcurrency, model.ClassOf(err))

	next, err := e.Catalog("next")
	require.Nil(t, err)
	require.Nil(t, e.ReplaceCatalog("next", "shop"))
	_, err = e.Catalog("next")
	require.NotNil(t, err)
	c, err := e.Catalog("shop")
	require.Nil(t, err)
	assert.Equal(t, next.ID(), c.ID())
	assert.Equal(t, "shop", c.Schema(nil).Name)
	assert.Equal(t, "acme", brandName(t, e, "shop", 1))

	names, err := persistence.ListCatalogNames(store)
	require.Nil(t, err)
	assert.Equal(t, []string{"shop"}, names)
	h, err := persistence.ReadHeader(store, "shop")
	require.Nil(t, err)
	assert.Equal(t, c.ID(), h.CatalogID)
}

func TestRemoveWaitsForSessions(t *testing.T) {
	e, store := newEngine(t)
	defer e.Close()
	liveCatalog(t, e, "shop", "acme")
	require.NotZero(t, store.Len(engine_util.CfParts))

	reader, err := e.CreateSession("shop", 0)
	require.Nil(t, err)
	require.Nil(t, e.RemoveCatalog("shop"))
	_, err = e.Catalog("shop")
	require.NotNil(t, err)
	h, err := persistence.ReadHeader(store, "shop")
	require.Nil(t, err)
	assert.Nil(t, h)

	// The reader keeps its version until it closes.
	b, err := reader.GetEntity("brand", 1)
	require.Nil(t, err)
	assert.Equal(t, "acme", b.Attributes["name"])
	drain(t, e)
	assert.NotZero(t, store.Len(engine_util.CfParts))

	require.Nil(t, reader.Close())
	drain(t, e)
	assert.Zero(t, store.Len(engine_util.CfParts))
	assert.Zero(t, store.Len(engine_util.CfWal))

	// A catalog without sessions is destroyed right away.
	liveCatalog(t, e, "outlet", "globex")
	require.Nil(t, e.RemoveCatalog("outlet"))
	assert.Zero(t, store.Len(engine_util.CfParts))
	assert.Empty(t, e.Catalogs())
}

func TestPurgeAfterSessionsClose(t *testing.T) {
	e, store := newEngine(t)
	defer e.Close()
	liveCatalog(t, e, "shop", "acme")

	reader, err := e.CreateSession("shop", 0)
	require.Nil(t, err)
	for _, name := range []string{"globex", "initech"} {
		writer, err := e.CreateSession("shop", session.ReadWrite)
		require.Nil(t, err)
		_, err = writer.Upsert(brand(1, name), mutation.ResultNone)
		require.Nil(t, err)
		require.Nil(t, writer.Close())
	}
	drain(t, e)
	before := store.Len(engine_util.CfParts)

	b, err := reader.GetEntity("brand", 1)
	require.Nil(t, err)
	assert.Equal(t, "acme", b.Attributes["name"])
	require.Nil(t, reader.Close())
	drain(t, e)
	assert.True(t, store.Len(engine_util.CfParts) < before)
	assert.Equal(t, "initech", brandName(t, e, "shop", 1))
}

func TestReopenLoadsCatalogs(t *testing.T) {
	e, store := newEngine(t)
	liveCatalog(t, e, "shop", "acme")
	writer, err := e.CreateSession("shop", session.ReadWrite)
	require.Nil(t, err)
	_, err = writer.Upsert(brand(2, "globex"), mutation.ResultNone)
	require.Nil(t, err)
	require.Nil(t, writer.Close())
	_, err = e.CreateCatalog("draft")
	require.Nil(t, err)
	seq := e.wal.LastSeq()

	reopened, err := OpenWithStorage(store, config.NewTestConfig())
	require.Nil(t, err)
	assert.Equal(t, seq, reopened.wal.LastSeq())
	assert.Equal(t, e.Catalogs(), reopened.Catalogs())
	assert.Equal(t, "globex", brandName(t, reopened, "shop", 2))

	var ops []persistence.EngineOp
	require.Nil(t, persistence.ReadEngineWal(store, 0, func(r *persistence.EngineWalRecord) error {
		ops = append(ops, r.Op)
		return nil
	}))
	assert.Equal(t, []persistence.EngineOp{persistence.OpCreateCatalog, persistence.OpGoLive,
		persistence.OpCreateCatalog}, ops)
	require.Nil(t, e.Close())
}

func TestCorruptedCatalog(t *testing.T) {
	store := storage.NewMemStorage()
	require.Nil(t, store.Start())
	id := uuid.New()
	broken := persistence.NewCatalogPersistence(store, id, "broken", config.NewTestConfig())
	require.Nil(t, broken.StoreHeader(&persistence.CatalogHeader{
		CatalogID: id,
		Name:      "broken",
		State:     model.CatalogAlive,
		Version:   4,
	}))

	e, err := OpenWithStorage(store, config.NewTestConfig())
	require.Nil(t, err)
	defer e.Close()
	infos := e.Catalogs()
	require.Len(t, infos, 1)
	assert.Equal(t, model.CatalogCorrupted, infos[0].State)
	assert.Equal(t, id, infos[0].ID)

	_, err = e.CreateSession("broken", 0)
	assert.Equal(t, model.ClassCorruption, model.ClassOf(err))
	_, err = e.Catalog("broken")
	_, corrupted := errors.Cause(err).(*model.CatalogCorruptedError)
	assert.True(t, corrupted)
	assert.NotNil(t, e.GoLive("broken").Wait())
	assert.NotNil(t, e.RenameCatalog("broken", "fixed"))

	// A corrupted catalog can still be removed.
	require.Nil(t, e.RemoveCatalog("broken"))
	h, err := persistence.ReadHeader(store, "broken")
	require.Nil(t, err)
	assert.Nil(t, h)
}

func receive(t *testing.T, sub *cdc.Subscription, n int) []cdc.Capture {
	var out []cdc.Capture
	for i := 0; i < n; i++ {
		c, ok := <-sub.C()
		require.True(t, ok)
		out = append(out, c)
	}
	require.Len(t, sub.C(), 0)
	return out
}

func TestChangesArePublished(t *testing.T) {
	e, _ := newEngine(t)
	sub, err := e.Changes().Subscribe(cdc.Filter{Catalog: "shop"}, 0)
	require.Nil(t, err)
	liveCatalog(t, e, "shop", "acme")
	liveCatalog(t, e, "outlet", "globex")

	// Writes while warming up are not captured, only the structural operations.
	got := receive(t, sub, 2)
	assert.Equal(t, cdc.Operation(persistence.OpCreateCatalog), got[0].Operation)
	assert.Equal(t, cdc.Operation(persistence.OpGoLive), got[1].Operation)
	assert.Equal(t, cdc.AreaInfrastructure, got[1].Area)
	assert.True(t, got[0].Token < got[1].Token)

	writer, err := e.CreateSession("shop", session.ReadWrite)
	require.Nil(t, err)
	require.Nil(t, writer.UpdateSchema(model.CreateEntitySchemaMutation{EntityType: "product"}))
	_, err = writer.Upsert(brand(2, "initech"), mutation.ResultNone)
	require.Nil(t, err)
	_, err = writer.Remove("brand", 1)
	require.Nil(t, err)
	dry, err := e.CreateSession("shop", session.ReadWrite|session.DryRun)
	require.Nil(t, err)
	_, err = dry.Upsert(brand(3, "umbrella"), mutation.ResultNone)
	require.Nil(t, err)
	require.Nil(t, dry.Close())
	require.Nil(t, writer.Close())

	got = receive(t, sub, 3)
	for i, c := range got {
		assert.Equal(t, uint64(2), c.Version)
		assert.Equal(t, i, c.Index)
	}
	assert.Equal(t, cdc.AreaSchema, got[0].Area)
	assert.Equal(t, "product", got[0].EntityType)
	assert.Equal(t, cdc.AreaData, got[1].Area)
	assert.Equal(t, 2, got[1].PrimaryKey)
	assert.Equal(t, cdc.OperationRemove, got[2].Operation)
	assert.Equal(t, 1, got[2].PrimaryKey)

	// A commit that loses the race publishes nothing.
	late, err := e.CreateSession("shop", session.ReadWrite)
	require.Nil(t, err)
	first, err := e.CreateSession("shop", session.ReadWrite)
	require.Nil(t, err)
	_, err = first.Upsert(brand(4, "hooli"), mutation.ResultNone)
	require.Nil(t, err)
	_, err = late.Upsert(brand(5, "massive"), mutation.ResultNone)
	require.Nil(t, err)
	require.Nil(t, first.Close())
	require.NotNil(t, late.Close())
	got = receive(t, sub, 1)
	assert.Equal(t, 4, got[0].PrimaryKey)

	require.Nil(t, e.ReplaceCatalog("outlet", "shop"))
	got = receive(t, sub, 1)
	assert.Equal(t, cdc.Operation(persistence.OpReplaceCatalog), got[0].Operation)
	assert.Equal(t, "outlet", got[0].Catalog)
	assert.Equal(t, "shop", got[0].Target)

	require.Nil(t, e.Close())
	_, open := <-sub.C()
	assert.False(t, open)
}
