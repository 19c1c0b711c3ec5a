package engine

import (
	"github.com/pingcap-incubator/tinycatalog/kv/catalog"
	"github.com/pingcap-incubator/tinycatalog/kv/cdc"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/session"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// CreateSession opens a session on the current version of the named catalog. A warming up catalog serves a single
// session at a time.
func (e *Engine) CreateSession(name string, flags session.Flags) (*session.Session, error) {
	if e.closed.Load() {
		return nil, model.NewInvalidMutationError("engine is closed")
	}
	en, err := e.entry(name)
	if err != nil {
		return nil, err
	}
	c, err := en.get().Open()
	if err != nil {
		return nil, err
	}
	return e.openSession(en, c, flags)
}

// openSession pins a version of en for a new session. c is the version seen before registering; a commit
// publishing a newer version meanwhile may already have purged what c reads, so the pin moves to the published
// version until the two agree.
func (e *Engine) openSession(en *entry, c *catalog.Catalog, flags session.Flags) (*session.Session, error) {
	warm := c.State() == model.CatalogWarmingUp
	if warm && !en.warmSession.CAS(false, true) {
		return nil, model.NewConcurrencyError("catalog `%s` is warming up and already has an open session", c.Name())
	}
	release := func(version uint64) {
		en.tracker.Unregister(version)
		if warm {
			en.warmSession.Store(false)
		}
	}
	for {
		en.tracker.Register(c.Version())
		published, err := en.get().Open()
		if err != nil {
			release(c.Version())
			return nil, err
		}
		if published == c {
			break
		}
		en.tracker.Unregister(c.Version())
		if warm && published.State() != model.CatalogWarmingUp {
			en.warmSession.Store(false)
			warm = false
		}
		c = published
	}

	s := session.New(c, flags, e)
	e.mu.Lock()
	if en.removed.Load() {
		e.mu.Unlock()
		release(c.Version())
		return nil, model.NewCatalogNotFoundError(c.Name())
	}
	e.sessions[s.ID()] = en
	e.mu.Unlock()
	log.Debug("session opened", zap.String("catalog", c.Name()), zap.Stringer("session", s.ID()),
		zap.Uint64("version", c.Version()), zap.Bool("readWrite", s.ReadWrite()))
	return s, nil
}

// Sessions counts the open sessions of the named catalog.
func (e *Engine) Sessions(name string) int {
	en, err := e.entry(name)
	if err != nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, owner := range e.sessions {
		if owner == en {
			n++
		}
	}
	return n
}

// Finish commits the transaction of a read-write session, rolls it back for dry runs, and releases the version the
// session read. It is called by Session.Close.
func (e *Engine) Finish(s *session.Session) error {
	e.mu.Lock()
	en, ok := e.sessions[s.ID()]
	delete(e.sessions, s.ID())
	e.mu.Unlock()
	if !ok {
		return model.NewInvalidMutationError("session %s does not belong to this engine", s.ID())
	}
	defer func() {
		en.tracker.Unregister(s.Version())
		if s.Catalog().State() == model.CatalogWarmingUp {
			en.warmSession.Store(false)
		}
	}()

	tx := s.Transaction()
	if tx == nil {
		return nil
	}
	if s.DryRun() {
		s.Catalog().Rollback(tx, nil)
		return nil
	}
	return e.latches.Hold(func() error {
		return e.commit(en, s)
	}, s.CatalogName())
}

func (e *Engine) commit(en *entry, s *session.Session) error {
	c, tx := s.Catalog(), s.Transaction()
	if en.removed.Load() {
		err := model.NewCatalogNotFoundError(c.Name())
		c.Rollback(tx, err)
		return err
	}
	current, err := en.get().Open()
	if err != nil {
		c.Rollback(tx, err)
		return err
	}
	if current.Persistence() != c.Persistence() || current.Schema(nil).Name != c.Schema(nil).Name {
		err := model.NewConcurrencyError("catalog `%s` was reloaded or renamed while session %s was open",
			c.Name(), s.ID())
		c.Rollback(tx, err)
		return err
	}
	next, err := c.Commit(tx, func(next *catalog.Catalog) {
		en.set(next)
	})
	if err == nil {
		if next != c {
			e.changes.Publish(cdc.FromTransaction(next.Name(), next.Version(), tx.Mutations())...)
		}
		return nil
	}
	switch model.ClassOf(err) {
	case model.ClassCommit, model.ClassInternal:
		e.reload(en, err)
	}
	return err
}

// reload replaces the catalog of en by its stored state after a commit failed half way. The WAL decides whether
// the failed transaction survives.
func (e *Engine) reload(en *entry, cause error) {
	name := en.get().Name()
	log.Error("commit failed, reloading catalog", zap.String("catalog", name), zap.Error(cause))
	c, err := catalog.Load(e.store, name, e.conf, nil)
	if err != nil {
		reloadCounter.WithLabelValues("corrupted").Inc()
		corruptedCounter.Inc()
		log.Error("catalog is corrupted", zap.String("catalog", name), zap.Error(err))
		en.set(catalog.NewCorrupted(name, en.get().ID(), err))
		return
	}
	reloadCounter.WithLabelValues("loaded").Inc()
	en.set(c)
}

var _ session.Finisher = (*Engine)(nil)
