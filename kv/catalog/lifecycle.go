package catalog

import (
	"github.com/pingcap-incubator/tinycatalog/kv/collection"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
	"github.com/pingcap-incubator/tinycatalog/kv/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Progress observes long running catalog tasks. *worker.Future implements it.
type Progress interface {
	SetProgress(done, total int)
	Cancelled() bool
}

type nopProgress struct{}

func (nopProgress) SetProgress(int, int) {}
func (nopProgress) Cancelled() bool      { return false }

// Flush writes the parts trapped while warming up, the catalog schema and the header. Collections are flushed in
// parallel. A cancelled flush keeps what it already wrote. Alive catalogs have nothing to flush.
func (c *Catalog) Flush(progress Progress) error {
	if c.state != model.CatalogWarmingUp {
		return nil
	}
	if progress == nil {
		progress = nopProgress{}
	}
	p := c.lineage.persistence

	type job struct {
		coll    *collection.Collection
		changes []persistence.TrappedChange
		gens    func()
	}
	var jobs []job
	total := 0
	for _, coll := range c.collections.Values(nil) {
		changes, gens := coll.Buffer().TrappedChanges()
		if len(changes) == 0 {
			continue
		}
		buffer := coll.Buffer()
		jobs = append(jobs, job{coll: coll, changes: changes, gens: func() { buffer.ForgetFlushed(gens) }})
		total += len(changes)
	}

	done := atomic.NewInt64(0)
	progress.SetProgress(0, total)
	var g errgroup.Group
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if progress.Cancelled() {
				return worker.ErrCancelled
			}
			reported := 0
			err := p.FlushTrappedUpdates(c.version, j.changes, func(n, jobTotal int) error {
				progress.SetProgress(int(done.Add(int64(n-reported))), total)
				reported = n
				if n < jobTotal && progress.Cancelled() {
					return worker.ErrCancelled
				}
				return nil
			})
			if err != nil {
				return err
			}
			j.gens()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	batch := p.NewBatch(c.version)
	if err := batch.PutPart(0, model.CatalogSchemaPart{Schema: c.schema.Get(nil)}); err != nil {
		return err
	}
	if err := p.Commit(batch, c.Header()); err != nil {
		return err
	}
	log.Debug("warming up catalog flushed", zap.String("catalog", c.Name()), zap.Int("collections", len(jobs)),
		zap.Int("parts", total))
	return nil
}

// GoLive flushes the warming up catalog c and returns its first alive version, numbered 1. Only the first of
// concurrent callers proceeds. c itself rejects writes from then on.
func (c *Catalog) GoLive(progress Progress) (*Catalog, error) {
	if c.state != model.CatalogWarmingUp {
		return nil, model.NewInvalidMutationError("catalog `%s` is already alive", c.Name())
	}
	if !c.lineage.goingLive.CAS(false, true) {
		return nil, model.NewInvalidMutationError("catalog `%s` is already going live", c.Name())
	}
	live, err := c.goLive(progress)
	if err != nil {
		c.lineage.goingLive.Store(false)
		return nil, err
	}
	goLiveCounter.Inc()
	versionGauge.WithLabelValues(c.Name()).Set(float64(live.version))
	log.Info("catalog went live", zap.String("catalog", c.Name()), zap.Int("collections", live.collections.Len(nil)))
	return live, nil
}

func (c *Catalog) goLive(progress Progress) (*Catalog, error) {
	if err := c.Flush(progress); err != nil {
		return nil, err
	}
	collections := make(map[string]*collection.Collection, c.collections.Len(nil))
	for _, name := range c.EntityTypes(nil) {
		coll, _ := c.collections.Get(nil, name)
		live, err := coll.Live()
		if err != nil {
			return nil, err
		}
		collections[name] = live
	}
	live := &Catalog{
		version:      1,
		state:        model.CatalogAlive,
		schema:       txmem.NewRef(c.schema.Get(nil)),
		collections:  txmem.NewMap(collections),
		catalogIndex: c.catalogIndex,
		lineage:      c.lineage,
	}
	if !c.lineage.current.CAS(c.version, live.version) {
		return nil, model.NewConcurrencyError("catalog `%s` left version %d while going live", c.Name(), c.version)
	}
	if err := c.lineage.persistence.StoreHeader(live.Header()); err != nil {
		c.lineage.current.Store(c.version)
		return nil, err
	}
	return live, nil
}

// Purge drops what no session pinned at horizon or later can read, including collections removed at or before it.
// The header forgets purged collections with the next commit.
func (c *Catalog) Purge(horizon uint64) (persistence.PurgeStats, error) {
	obsolete := c.lineage.obsolete.snapshot()
	stats, kept, err := c.lineage.persistence.Purge(horizon, obsolete)
	if err != nil {
		return stats, err
	}
	keep := make(map[persistence.ObsoleteCollection]bool, len(kept))
	for _, o := range kept {
		keep[o] = true
	}
	var purged []persistence.ObsoleteCollection
	for _, o := range obsolete {
		if !keep[o] {
			purged = append(purged, o)
		}
	}
	c.lineage.obsolete.forget(purged)
	return stats, nil
}

// dropWarmingUp deletes the parts of a collection removed while warming up, when nobody can read them anymore.
func (c *Catalog) dropWarmingUp(coll *collection.Collection) error {
	_, _, err := c.lineage.persistence.Purge(c.version, []persistence.ObsoleteCollection{
		{EntityTypePK: coll.TypePK(), RemovedIn: c.version},
	})
	return err
}

// Renamed moves the header of c to newName and returns c under its new name. Every version of the lineage is
// renamed with it.
func (c *Catalog) Renamed(newName string) (*Catalog, error) {
	if err := c.lineage.persistence.RenameHeader(newName); err != nil {
		return nil, err
	}
	schema := c.schema.Get(nil).Clone()
	schema.Name = newName
	schema.Version++
	renamed := *c
	renamed.schema = txmem.NewRef(schema)
	log.Info("catalog renamed", zap.String("catalog", newName), zap.Stringer("id", c.ID()))
	return &renamed, nil
}
