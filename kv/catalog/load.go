package catalog

import (
	"github.com/pingcap-incubator/tinycatalog/kv/collection"
	"github.com/pingcap-incubator/tinycatalog/kv/config"
	"github.com/pingcap-incubator/tinycatalog/kv/index"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/mutation"
	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
	"github.com/pingcap-incubator/tinycatalog/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Load restores the catalog stored under name at the version of its header, rebuilds the indexes from the stored
// parts and replays the WAL records logged after the last processed transaction. Replay stops between records once
// progress is cancelled; the records applied so far stay applied.
func Load(store storage.Storage, name string, conf *config.Config, progress Progress) (*Catalog, error) {
	if progress == nil {
		progress = nopProgress{}
	}
	h, err := persistence.ReadHeader(store, name)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, model.NewCatalogNotFoundError(name)
	}
	c, err := restore(store, h, conf)
	if err != nil {
		return nil, errors.Annotatef(err, "restore catalog %s at version %d", name, h.Version)
	}
	if c.state != model.CatalogAlive {
		return c, nil
	}
	c, replayed, err := c.replay(h.LastProcessedTransaction, progress)
	if err != nil {
		return nil, errors.Annotatef(err, "replay WAL of catalog %s", name)
	}
	versionGauge.WithLabelValues(name).Set(float64(c.version))
	log.Info("catalog loaded", zap.String("catalog", name), zap.Uint64("version", c.version),
		zap.Int("collections", c.collections.Len(nil)), zap.Int("replayed", replayed))
	return c, nil
}

func restore(store storage.Storage, h *persistence.CatalogHeader, conf *config.Config) (*Catalog, error) {
	p := persistence.NewCatalogPersistence(store, h.CatalogID, h.Name, conf)
	part, err := p.GetPart(h.Version, 0, model.PartCatalogSchema, 0)
	if err != nil {
		return nil, err
	}
	if part == nil {
		return nil, model.NewInternalError("catalog `%s` has no schema at version %d", h.Name, h.Version)
	}
	schema := part.(model.CatalogSchemaPart).Schema
	if schema.Name != h.Name {
		// The catalog was renamed by the engine after the schema was written.
		schema = schema.Clone()
		schema.Name = h.Name
	}

	catalogIndex := index.NewCatalogIndex()
	collections := make(map[string]*collection.Collection, len(h.Collections))
	for _, ch := range h.Collections {
		part, err := p.GetPart(h.Version, ch.EntityTypePK, model.PartEntitySchema, 0)
		if err != nil {
			return nil, err
		}
		if part == nil {
			return nil, model.NewInternalError("entity collection `%s` has no schema at version %d", ch.EntityType, h.Version)
		}
		coll := collection.Restore(ch, part.(model.EntitySchemaPart).Schema, p.Collection(ch.EntityTypePK, ch.EntityType))
		if err := coll.Rebuild(h.Version, catalogIndex); err != nil {
			return nil, errors.Annotatef(err, "rebuild entity collection %s", ch.EntityType)
		}
		collections[ch.EntityType] = coll
	}
	return &Catalog{
		version:      h.Version,
		state:        h.State,
		schema:       txmem.NewRef(schema),
		collections:  txmem.NewMap(collections),
		catalogIndex: catalogIndex,
		lineage:      newLineage(p, h.Version, h.LastEntityTypePK, h.ObsoleteCollections, conf),
	}, nil
}

// replay applies the WAL records logged after version, one transaction each.
func (c *Catalog) replay(version uint64, progress Progress) (*Catalog, int, error) {
	p := c.lineage.persistence
	first, err := p.FirstNonProcessedTransaction(version)
	if err != nil || first == nil {
		return c, 0, err
	}
	replayed := 0
	err = p.CommittedMutations(first.Version, func(r *persistence.WalRecord) error {
		if progress.Cancelled() {
			return worker.ErrCancelled
		}
		if r.Version != c.version+1 {
			return model.NewInternalError("WAL of catalog `%s` jumps from version %d to %d", c.Name(), c.version, r.Version)
		}
		next, err := c.replayRecord(r)
		if err != nil {
			return errors.Annotatef(err, "WAL record %d", r.Version)
		}
		c = next
		replayed++
		replayedCounter.Inc()
		progress.SetProgress(replayed, replayed)
		return nil
	})
	return c, replayed, err
}

func (c *Catalog) replayRecord(r *persistence.WalRecord) (*Catalog, error) {
	mutations, err := r.Mutations()
	if err != nil {
		return nil, err
	}
	tx := transaction.New(c.Name(), c.version)
	for _, m := range mutations {
		switch v := m.(type) {
		case model.CatalogSchemaMutation:
			err = c.UpdateSchema(tx, v)
		case model.EntityMutation:
			_, err = c.ApplyMutation(tx, mutation.Request{
				Mutation: v,
				Options:  mutation.Options{Implicit: mutation.ImplicitAll, Replay: true},
			})
		default:
			err = model.NewInternalError("unexpected mutation %T in WAL", m)
		}
		if err != nil {
			c.Rollback(tx, err)
			return nil, err
		}
	}
	return c.commit(tx, nil, true)
}
