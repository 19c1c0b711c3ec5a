// Package catalog implements the root aggregate of the database: a catalog schema, its entity collections and the
// catalog-wide index, versioned as a whole. A committed Catalog is immutable. Transactions write into layers of a
// txmem.Memory, and Commit folds them into the next Catalog, which shares every untouched collection with its
// predecessor.
package catalog

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/collection"
	"github.com/pingcap-incubator/tinycatalog/kv/config"
	"github.com/pingcap-incubator/tinycatalog/kv/index"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/mutation"
	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// lineage is shared by every version of one catalog.
type lineage struct {
	persistence *persistence.CatalogPersistence
	// current is the version cell, advanced by compare-and-set on each commit.
	current    *atomic.Uint64
	goingLive  *atomic.Bool
	lastTypePK *atomic.Int64
	obsolete   *obsoleteSet
	traffic    mutation.TrafficRecorder
}

type obsoleteSet struct {
	mu   sync.Mutex
	list []persistence.ObsoleteCollection
}

func (s *obsoleteSet) add(o ...persistence.ObsoleteCollection) {
	s.mu.Lock()
	s.list = append(s.list, o...)
	s.mu.Unlock()
}

func (s *obsoleteSet) snapshot() []persistence.ObsoleteCollection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.ObsoleteCollection(nil), s.list...)
}

// forget drops purged entries. Entries added meanwhile stay.
func (s *obsoleteSet) forget(purged []persistence.ObsoleteCollection) {
	gone := make(map[persistence.ObsoleteCollection]bool, len(purged))
	for _, o := range purged {
		gone[o] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.list[:0]
	for _, o := range s.list {
		if !gone[o] {
			out = append(out, o)
		}
	}
	s.list = out
}

// Catalog is one version of a catalog.
type Catalog struct {
	version      uint64
	state        model.CatalogState
	schema       *txmem.Ref[*model.CatalogSchema]
	collections  *txmem.Map[string, *collection.Collection]
	catalogIndex *index.CatalogIndex
	lineage      *lineage
}

// New creates an empty catalog in the warming up state and stores its header.
func New(store storage.Storage, name string, conf *config.Config) (*Catalog, error) {
	p := persistence.NewCatalogPersistence(store, uuid.New(), name, conf)
	c := &Catalog{
		state:        model.CatalogWarmingUp,
		schema:       txmem.NewRef(model.NewCatalogSchema(name)),
		collections:  txmem.NewMap[string, *collection.Collection](nil),
		catalogIndex: index.NewCatalogIndex(),
		lineage:      newLineage(p, 0, 0, nil, conf),
	}
	if err := c.Flush(nil); err != nil {
		return nil, err
	}
	log.Info("catalog created", zap.String("catalog", name), zap.Stringer("id", p.CatalogID()))
	return c, nil
}

func newLineage(p *persistence.CatalogPersistence, version uint64, lastTypePK int, obsolete []persistence.ObsoleteCollection,
	conf *config.Config) *lineage {
	var traffic mutation.TrafficRecorder = mutation.NopRecorder{}
	if conf.TrafficRecording {
		traffic = mutation.LogRecorder{}
	}
	return &lineage{
		persistence: p,
		current:     atomic.NewUint64(version),
		goingLive:   atomic.NewBool(false),
		lastTypePK:  atomic.NewInt64(int64(lastTypePK)),
		obsolete:    &obsoleteSet{list: obsolete},
		traffic:     traffic,
	}
}

func (c *Catalog) Name() string {
	return c.lineage.persistence.Name()
}

func (c *Catalog) ID() uuid.UUID {
	return c.lineage.persistence.CatalogID()
}

func (c *Catalog) State() model.CatalogState {
	return c.state
}

// Version is the version of this snapshot, not of the latest one.
func (c *Catalog) Version() uint64 {
	return c.version
}

// CurrentVersion is the last version published in the lineage of c.
func (c *Catalog) CurrentVersion() uint64 {
	return c.lineage.current.Load()
}

func (c *Catalog) Persistence() *persistence.CatalogPersistence {
	return c.lineage.persistence
}

func (c *Catalog) Open() (*Catalog, error) {
	return c, nil
}

func (c *Catalog) Schema(m *txmem.Memory) *model.CatalogSchema {
	return c.schema.Get(m)
}

func (c *Catalog) CatalogIndex() *index.CatalogIndex {
	return c.catalogIndex
}

func (c *Catalog) Collection(m *txmem.Memory, entityType string) (*collection.Collection, bool) {
	return c.collections.Get(m, entityType)
}

// CollectionByTypePK finds a collection by the primary key of its entity type, which survives renames.
func (c *Catalog) CollectionByTypePK(m *txmem.Memory, typePK int) (*collection.Collection, bool) {
	var found *collection.Collection
	c.collections.Range(m, func(_ string, coll *collection.Collection) bool {
		if coll.TypePK() == typePK {
			found = coll
			return false
		}
		return true
	})
	return found, found != nil
}

// EntityTypes returns the names of every collection in order.
func (c *Catalog) EntityTypes(m *txmem.Memory) []string {
	names := c.collections.Keys(m)
	sort.Strings(names)
	return names
}

// Target resolves the collection an entity mutation is addressed to.
func (c *Catalog) Target(tx *transaction.Transaction, entityType string) (mutation.Target, error) {
	coll, ok := c.collections.Get(tx.Memory(), entityType)
	if !ok {
		return nil, model.NewCollectionNotFoundError(entityType)
	}
	return collection.NewTarget(coll, c), nil
}

// GetEntity reads an entity as the transaction sees it. A nil transaction reads the committed snapshot.
func (c *Catalog) GetEntity(tx *transaction.Transaction, entityType string, pk int) (*model.Entity, error) {
	coll, ok := c.collections.Get(tx.Memory(), entityType)
	if !ok {
		return nil, model.NewCollectionNotFoundError(entityType)
	}
	return coll.GetEntity(tx.Memory(), c.version, pk)
}

// checkWriter verifies that tx may write into c: warming up catalogs are written without a transaction, alive ones
// only within a transaction opened on this very version.
func (c *Catalog) checkWriter(tx *transaction.Transaction) error {
	switch c.state {
	case model.CatalogWarmingUp:
		if tx != nil {
			return model.NewInvalidMutationError("catalog `%s` is warming up and does not support transactions", c.Name())
		}
		if c.lineage.goingLive.Load() {
			return model.NewInvalidMutationError("catalog `%s` went live, use its alive version", c.Name())
		}
	case model.CatalogAlive:
		if tx == nil {
			return model.NewInvalidMutationError("catalog `%s` is alive, mutations need a transaction", c.Name())
		}
		if tx.BaseVersion() != c.version {
			return model.NewInternalError("transaction %s was opened on version %d of `%s`, not %d",
				tx.ID(), tx.BaseVersion(), c.Name(), c.version)
		}
	default:
		return model.NewCatalogCorruptedError(c.Name(), nil)
	}
	return nil
}

// ApplyMutation runs one entity mutation through the mutation pipeline.
func (c *Catalog) ApplyMutation(tx *transaction.Transaction, req mutation.Request) (mutation.Result, error) {
	if err := c.checkWriter(tx); err != nil {
		return mutation.Result{}, err
	}
	target, err := c.Target(tx, req.Mutation.EntityType())
	if err != nil {
		return mutation.Result{}, err
	}
	return mutation.NewPipeline(c, c.lineage.traffic).Execute(tx, target, req)
}

// Header describes c for the persistent header.
func (c *Catalog) Header() *persistence.CatalogHeader {
	h := &persistence.CatalogHeader{
		CatalogID:                c.ID(),
		Name:                     c.Name(),
		State:                    c.state,
		Version:                  c.version,
		LastEntityTypePK:         int(c.lineage.lastTypePK.Load()),
		LastProcessedTransaction: c.version,
		ObsoleteCollections:      c.lineage.obsolete.snapshot(),
	}
	c.collections.Range(nil, func(_ string, coll *collection.Collection) bool {
		h.Collections = append(h.Collections, coll.Header())
		return true
	})
	return h
}
