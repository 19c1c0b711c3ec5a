package catalog

import (
	"time"

	"github.com/pingcap-incubator/tinycatalog/kv/collection"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Commit folds tx into the next version of c and hands it to publish before returning it. The transaction must
// have been opened on c. A rollback-only transaction is rolled back and its cause returned, an empty one is
// discarded and c returned.
//
// The mutations are logged first, then merged bottom-up and the version cell is advanced from c's version. Only
// then are the parts written and the new version published. Failures after the WAL append are fatal.
func (c *Catalog) Commit(tx *transaction.Transaction, publish func(*Catalog)) (*Catalog, error) {
	return c.commit(tx, publish, false)
}

func (c *Catalog) commit(tx *transaction.Transaction, publish func(*Catalog), replay bool) (*Catalog, error) {
	if err := c.checkWriter(tx); err != nil {
		return nil, err
	}
	if tx.State() != transaction.StateOpen {
		return nil, model.NewInvalidMutationError("transaction %s is already %s", tx.ID(), tx.State())
	}
	if tx.IsRollbackOnly() {
		cause := tx.RollbackCause()
		c.Rollback(tx, cause)
		return nil, cause
	}
	if len(tx.Mutations()) == 0 {
		tx.Rollback()
		commitCounter.WithLabelValues("empty").Inc()
		return c, nil
	}

	start := time.Now()
	next := c.version + 1
	walBytes := 0
	if !replay {
		record, err := persistence.NewWalRecord(next, tx.ID(), tx.Mutations())
		if err != nil {
			c.Rollback(tx, err)
			return nil, err
		}
		if walBytes, err = c.lineage.persistence.AppendWal(record); err != nil {
			c.Rollback(tx, err)
			return nil, err
		}
	}

	res, err := c.apply(tx, next)
	if err != nil {
		if !model.IsFatal(err) {
			err = model.NewTransactionFatalError(err)
		}
		c.Rollback(tx, err)
		return nil, err
	}
	if publish != nil {
		publish(res.catalog)
	}
	tx.MarkCommitted()

	commitCounter.WithLabelValues("committed").Inc()
	commitHistogram.Observe(time.Since(start).Seconds())
	versionGauge.WithLabelValues(c.Name()).Set(float64(next))
	for from, to := range res.renamed {
		log.Info("entity collection renamed", zap.String("catalog", c.Name()), zap.String("from", from),
			zap.String("to", to))
	}
	log.Info("transaction committed", zap.String("catalog", c.Name()), zap.Uint64("version", next),
		zap.Stringer("transaction", tx.ID()), zap.Int("mutations", len(tx.Mutations())), zap.Int("walBytes", walBytes),
		zap.Bool("replay", replay))
	return res.catalog, nil
}

// apply merges the layers of tx into the catalog at version next, advances the version cell and writes the result.
func (c *Catalog) apply(tx *transaction.Transaction, next uint64) (*merged, error) {
	m := tx.Memory()
	res, err := c.merge(m, next)
	if err != nil {
		return nil, err
	}
	if m.Len() != 0 {
		return nil, model.NewInternalError("transaction %s left %d layers unmerged: %v", tx.ID(), m.Len(), m.Pending())
	}
	if !c.lineage.current.CAS(c.version, next) {
		return nil, model.NewConcurrencyError("catalog `%s` moved past version %d before version %d was committed",
			c.Name(), c.version, next)
	}

	p := c.lineage.persistence
	batch := p.NewBatch(next)
	var written []*collection.Collection
	for _, name := range res.catalog.EntityTypes(nil) {
		coll, _ := res.catalog.collections.Get(nil, name)
		if !coll.Buffer().HasPending() {
			continue
		}
		if _, err := coll.Buffer().StagePending(batch); err != nil {
			return nil, err
		}
		written = append(written, coll)
	}
	if schema := res.catalog.schema.Get(nil); schema != c.schema.Get(nil) {
		if err := batch.PutPart(0, model.CatalogSchemaPart{Schema: schema}); err != nil {
			return nil, err
		}
	}
	header := res.catalog.Header()
	header.ObsoleteCollections = append(header.ObsoleteCollections, res.obsolete...)
	if err := p.Commit(batch, header); err != nil {
		return nil, err
	}
	for _, coll := range written {
		coll.Buffer().PendingWritten()
	}
	c.lineage.obsolete.add(res.obsolete...)
	return res, nil
}

// Rollback discards tx. cause is only logged and may be nil.
func (c *Catalog) Rollback(tx *transaction.Transaction, cause error) {
	if tx.State() != transaction.StateOpen {
		return
	}
	tx.Rollback()
	commitCounter.WithLabelValues("rolled_back").Inc()
	fields := []zap.Field{zap.String("catalog", c.Name()), zap.Stringer("transaction", tx.ID()),
		zap.Uint64("version", tx.BaseVersion())}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	log.Info("transaction rolled back", fields...)
}
