// Package engine keeps the set of catalogs of one storage: it loads them at start, applies structural operations
// through the engine WAL, hands out sessions and finishes them, and purges what no session reads anymore.
package engine

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/catalog"
	"github.com/pingcap-incubator/tinycatalog/kv/cdc"
	"github.com/pingcap-incubator/tinycatalog/kv/config"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/session"
	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/badger_storage"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/latches"
	"github.com/pingcap-incubator/tinycatalog/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// entry is one catalog of the engine with the sessions reading it.
type entry struct {
	mu     sync.RWMutex
	handle catalog.Handle

	tracker *session.VersionTracker
	// warmSession guards the single session a warming up catalog allows.
	warmSession *atomic.Bool
	// removed is set once the catalog left the engine. Its storage is destroyed after the last session closed.
	removed *atomic.Bool
}

func (en *entry) get() catalog.Handle {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return en.handle
}

func (en *entry) set(h catalog.Handle) {
	en.mu.Lock()
	en.handle = h
	en.mu.Unlock()
}

// publishedVersion is the version new sessions open. A commit advances the lineage before it publishes, so the
// lineage version may already be ahead of it.
func (en *entry) publishedVersion() uint64 {
	if c, ok := en.get().(*catalog.Catalog); ok {
		return c.Version()
	}
	return 0
}

type Engine struct {
	conf    *config.Config
	store   storage.Storage
	wal     *persistence.EngineWal
	latches *latches.Latches
	changes *cdc.Publisher

	mu       sync.RWMutex
	catalogs map[string]*entry
	sessions map[uuid.UUID]*entry

	wg     *sync.WaitGroup
	worker *worker.Worker
	closed *atomic.Bool
}

// NewStorage creates the storage engine selected by conf.
func NewStorage(conf *config.Config) storage.Storage {
	if conf.Engine == config.EngineMemory {
		return storage.NewMemStorage()
	}
	return badger_storage.NewBadgerStorage(conf)
}

// Open starts the storage selected by conf and the engine on top of it.
func Open(conf *config.Config) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	store := NewStorage(conf)
	if err := store.Start(); err != nil {
		return nil, err
	}
	e, err := OpenWithStorage(store, conf)
	if err != nil {
		store.Stop()
		return nil, err
	}
	return e, nil
}

// OpenWithStorage loads every catalog stored in a started storage, in parallel. Catalogs that fail to load are
// kept as corrupted stand-ins.
func OpenWithStorage(store storage.Storage, conf *config.Config) (*Engine, error) {
	wal, err := persistence.OpenEngineWal(store)
	if err != nil {
		return nil, err
	}
	names, err := persistence.ListCatalogNames(store)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		conf:     conf,
		store:    store,
		wal:      wal,
		latches:  latches.NewLatches(),
		changes:  cdc.NewPublisher(),
		catalogs: make(map[string]*entry, len(names)),
		sessions: make(map[uuid.UUID]*entry),
		wg:       new(sync.WaitGroup),
		closed:   atomic.NewBool(false),
	}

	handles := make([]catalog.Handle, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			handles[i] = e.load(name)
			return nil
		})
	}
	g.Wait()
	for _, h := range handles {
		e.catalogs[h.Name()] = e.newEntry(h)
	}

	e.worker = worker.NewWorker("catalog-tasks", e.wg)
	e.worker.Start(worker.JobHandler{})
	log.Info("engine started", zap.Int("catalogs", len(names)), zap.Uint64("engineWalSeq", wal.LastSeq()))
	return e, nil
}

func (e *Engine) load(name string) catalog.Handle {
	c, err := catalog.Load(e.store, name, e.conf, nil)
	if err == nil {
		return c
	}
	var id uuid.UUID
	if h, hErr := persistence.ReadHeader(e.store, name); hErr == nil && h != nil {
		id = h.CatalogID
	}
	corruptedCounter.Inc()
	log.Error("catalog is corrupted", zap.String("catalog", name), zap.Error(err))
	return catalog.NewCorrupted(name, id, err)
}

func (e *Engine) newEntry(h catalog.Handle) *entry {
	en := &entry{
		handle:      h,
		warmSession: atomic.NewBool(false),
		removed:     atomic.NewBool(false),
	}
	en.tracker = session.NewVersionTracker(en.publishedVersion, func(horizon uint64, active bool) {
		e.horizonAdvanced(en, horizon, active)
	})
	return en
}

// Close stops the background worker and the storage. Open sessions are not closed.
func (e *Engine) Close() error {
	if !e.closed.CAS(false, true) {
		return nil
	}
	e.changes.Close()
	e.worker.Stop()
	e.wg.Wait()
	return e.store.Stop()
}

// Changes is the publisher of committed transactions and structural operations.
func (e *Engine) Changes() *cdc.Publisher {
	return e.changes
}

func (e *Engine) Storage() storage.Storage {
	return e.store
}

func (e *Engine) entry(name string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.catalogs[name]
	if !ok {
		return nil, model.NewCatalogNotFoundError(name)
	}
	return en, nil
}

// Catalog returns the current version of the named catalog.
func (e *Engine) Catalog(name string) (*catalog.Catalog, error) {
	en, err := e.entry(name)
	if err != nil {
		return nil, err
	}
	return en.get().Open()
}

// CatalogInfo describes a catalog of the engine.
type CatalogInfo struct {
	Name     string             `json:"name"`
	ID       uuid.UUID          `json:"id"`
	State    model.CatalogState `json:"state"`
	Version  uint64             `json:"version"`
	Sessions int                `json:"sessions"`
}

// Catalogs lists the catalogs ordered by name.
func (e *Engine) Catalogs() []CatalogInfo {
	e.mu.RLock()
	entries := make(map[string]*entry, len(e.catalogs))
	for name, en := range e.catalogs {
		entries[name] = en
	}
	sessions := make(map[*entry]int)
	for _, en := range e.sessions {
		sessions[en]++
	}
	e.mu.RUnlock()

	out := make([]CatalogInfo, 0, len(entries))
	for _, en := range entries {
		h := en.get()
		info := CatalogInfo{Name: h.Name(), ID: h.ID(), State: h.State(), Sessions: sessions[en]}
		if c, ok := h.(*catalog.Catalog); ok {
			info.Version = c.Version()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// horizonAdvanced runs with the tracker of en locked, so the work is handed to the worker.
func (e *Engine) horizonAdvanced(en *entry, horizon uint64, active bool) {
	if e.closed.Load() {
		return
	}
	if en.removed.Load() {
		if !active {
			e.worker.Submit("destroy catalog", func(*worker.Future) error {
				return e.destroy(en)
			})
		}
		return
	}
	e.worker.Submit("purge catalog", func(*worker.Future) error {
		c, ok := en.get().(*catalog.Catalog)
		if !ok || c.State() != model.CatalogAlive {
			return nil
		}
		stats, err := c.Purge(horizon)
		if err != nil {
			return errors.Annotatef(err, "purge catalog %s at %d", c.Name(), horizon)
		}
		purgeCounter.WithLabelValues("versions").Add(float64(stats.Versions))
		purgeCounter.WithLabelValues("collections").Add(float64(stats.Collections))
		return nil
	})
}

func (e *Engine) destroy(en *entry) error {
	c, ok := en.get().(*catalog.Catalog)
	if !ok {
		return nil
	}
	return c.Persistence().Destroy()
}
