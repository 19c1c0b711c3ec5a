package engine

import (
	"github.com/pingcap-incubator/tinycatalog/kv/catalog"
	"github.com/pingcap-incubator/tinycatalog/kv/cdc"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/pingcap-incubator/tinycatalog/kv/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Structural operations latch the names of the catalogs they touch and log themselves to the engine WAL before
// they are applied. Subscribers learn about them once applied.

func (e *Engine) logOp(op persistence.EngineOp, name, target string) (uint64, error) {
	r, err := e.wal.Append(op, name, target)
	if err != nil {
		return 0, err
	}
	structuralCounter.WithLabelValues(string(op)).Inc()
	log.Info("engine operation logged", zap.String("op", string(op)), zap.String("catalog", name),
		zap.String("target", target), zap.Uint64("seq", r.Seq))
	return r.Seq, nil
}

func (e *Engine) applied(op persistence.EngineOp, name, target string, seq uint64) {
	e.changes.Publish(cdc.Structural(string(op), name, target, seq))
}

func (e *Engine) exists(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.catalogs[name]
	return ok
}

// CreateCatalog creates an empty catalog in the warming up state.
func (e *Engine) CreateCatalog(name string) (*catalog.Catalog, error) {
	if name == "" {
		return nil, model.NewInvalidMutationError("catalog name must not be empty")
	}
	var created *catalog.Catalog
	err := e.latches.Hold(func() error {
		if e.exists(name) {
			return model.NewInvalidMutationError("catalog `%s` already exists", name)
		}
		seq, err := e.logOp(persistence.OpCreateCatalog, name, "")
		if err != nil {
			return err
		}
		c, err := catalog.New(e.store, name, e.conf)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.catalogs[name] = e.newEntry(c)
		e.mu.Unlock()
		created = c
		e.applied(persistence.OpCreateCatalog, name, "", seq)
		return nil
	}, name)
	return created, err
}

// GoLive switches a warming up catalog to the alive state in the background.
func (e *Engine) GoLive(name string) *worker.Future {
	en, err := e.entry(name)
	if err != nil {
		return worker.Completed(err)
	}
	return e.worker.Submit("go live "+name, func(f *worker.Future) error {
		return e.latches.Hold(func() error {
			c, err := en.get().Open()
			if err != nil {
				return err
			}
			if c.State() != model.CatalogWarmingUp {
				return model.NewInvalidMutationError("catalog `%s` is already alive", name)
			}
			seq, err := e.logOp(persistence.OpGoLive, name, "")
			if err != nil {
				return err
			}
			live, err := c.GoLive(f)
			if err != nil {
				return err
			}
			en.set(live)
			e.applied(persistence.OpGoLive, name, "", seq)
			return nil
		}, name)
	})
}

// RenameCatalog gives a catalog a new, unused name. Sessions reading it keep working.
func (e *Engine) RenameCatalog(name, newName string) error {
	if newName == "" {
		return model.NewInvalidMutationError("catalog name must not be empty")
	}
	return e.latches.Hold(func() error {
		en, err := e.entry(name)
		if err != nil {
			return err
		}
		if name == newName {
			return nil
		}
		if e.exists(newName) {
			return model.NewInvalidMutationError("catalog `%s` already exists", newName)
		}
		c, err := en.get().Open()
		if err != nil {
			return err
		}
		seq, err := e.logOp(persistence.OpRenameCatalog, name, newName)
		if err != nil {
			return err
		}
		renamed, err := c.Renamed(newName)
		if err != nil {
			return err
		}
		en.set(renamed)
		e.mu.Lock()
		delete(e.catalogs, name)
		e.catalogs[newName] = en
		e.mu.Unlock()
		e.applied(persistence.OpRenameCatalog, name, newName, seq)
		return nil
	}, name, newName)
}

// ReplaceCatalog moves catalog replacedBy under the name of toBeReplaced, which is removed.
func (e *Engine) ReplaceCatalog(replacedBy, toBeReplaced string) error {
	return e.latches.Hold(func() error {
		source, err := e.entry(replacedBy)
		if err != nil {
			return err
		}
		target, err := e.entry(toBeReplaced)
		if err != nil {
			return err
		}
		if source == target {
			return nil
		}
		c, err := source.get().Open()
		if err != nil {
			return err
		}
		seq, err := e.logOp(persistence.OpReplaceCatalog, replacedBy, toBeReplaced)
		if err != nil {
			return err
		}
		if err := e.detach(toBeReplaced, target); err != nil {
			return err
		}
		renamed, err := c.Renamed(toBeReplaced)
		if err != nil {
			return err
		}
		source.set(renamed)
		e.mu.Lock()
		delete(e.catalogs, replacedBy)
		e.catalogs[toBeReplaced] = source
		e.mu.Unlock()
		log.Info("catalog replaced", zap.String("catalog", toBeReplaced), zap.String("by", replacedBy))
		e.applied(persistence.OpReplaceCatalog, replacedBy, toBeReplaced, seq)
		return nil
	}, replacedBy, toBeReplaced)
}

// RemoveCatalog drops a catalog. Its storage is destroyed once the last session reading it closed.
func (e *Engine) RemoveCatalog(name string) error {
	return e.latches.Hold(func() error {
		en, err := e.entry(name)
		if err != nil {
			return err
		}
		seq, err := e.logOp(persistence.OpRemoveCatalog, name, "")
		if err != nil {
			return err
		}
		if err := e.detach(name, en); err != nil {
			return err
		}
		log.Info("catalog removed", zap.String("catalog", name))
		e.applied(persistence.OpRemoveCatalog, name, "", seq)
		return nil
	}, name)
}

// detach takes en out of the engine and drops its header so it is not loaded again. Without sessions the storage
// is destroyed right away.
func (e *Engine) detach(name string, en *entry) error {
	h := en.get()
	p := persistence.NewCatalogPersistence(e.store, h.ID(), name, e.conf)
	if c, ok := h.(*catalog.Catalog); ok {
		p = c.Persistence()
	}
	if err := p.DropHeader(); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.catalogs, name)
	en.removed.Store(true)
	readers := 0
	for _, owner := range e.sessions {
		if owner == en {
			readers++
		}
	}
	e.mu.Unlock()
	if readers > 0 {
		return nil
	}
	return p.Destroy()
}
