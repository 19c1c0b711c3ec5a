package collection

import (
	"github.com/pingcap-incubator/tinycatalog/kv/index"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/mutation"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
)

// Env is the catalog a collection belongs to, as seen by one transaction.
type Env interface {
	// Version is the catalog version reads are made on top of.
	Version() uint64
	CatalogIndex() *index.CatalogIndex
	Collection(m *txmem.Memory, entityType string) (*Collection, bool)
}

// Target exposes a collection to the mutation pipeline.
type Target struct {
	c   *Collection
	env Env
}

func NewTarget(c *Collection, env Env) *Target {
	return &Target{c: c, env: env}
}

func (t *Target) Collection() *Collection {
	return t.c
}

func (t *Target) EntityType() string {
	return t.c.EntityType()
}

func (t *Target) GetEntity(tx *transaction.Transaction, pk int) (*model.Entity, error) {
	return t.c.GetEntity(tx.Memory(), t.env.Version(), pk)
}

// shared carries what the index executor decides for the storage executor of the same entity.
type shared struct {
	priceIDs map[model.PriceKey]int
}

func (t *Target) NewExecutors(tx *transaction.Transaction, em model.EntityMutation, opts mutation.Options) (model.EntityMutation, mutation.Executors, error) {
	m := tx.Memory()
	c := t.c
	schema := c.Schema(m)

	pk, hasPK := em.PrimaryKey()
	_, removal := em.(model.EntityRemoveMutation)
	if !hasPK {
		upsert, ok := em.(model.EntityUpsertMutation)
		if !ok || !schema.WithGeneratedPrimaryKey {
			return nil, mutation.Executors{}, model.NewInvalidMutationError("mutation of `%s` has no primary key", schema.Name)
		}
		pk = int(c.seq.pk.Inc())
		em = upsert.WithPrimaryKey(pk)
	}
	exists := c.Contains(m, pk)

	switch {
	case removal && !exists:
		return nil, mutation.Executors{}, model.NewInvalidMutationError("entity %s:%d does not exist", schema.Name, pk)
	case em.Expects() == model.MustExist && !exists:
		return nil, mutation.Executors{}, model.NewInvalidMutationError("entity %s:%d is expected to exist", schema.Name, pk)
	case em.Expects() == model.MustNotExist && exists:
		return nil, mutation.Executors{}, model.NewInvalidMutationError("entity %s:%d already exists", schema.Name, pk)
	}
	if hasPK && !exists && schema.WithGeneratedPrimaryKey {
		if !opts.Replay {
			return nil, mutation.Executors{}, model.NewInvalidMutationError(
				"collection `%s` generates primary keys, %d must not be provided", schema.Name, pk)
		}
		advance(c.seq.pk, int64(pk))
	}

	var original *model.Entity
	if exists {
		e, err := c.GetEntity(m, t.env.Version(), pk)
		if err != nil {
			return nil, mutation.Executors{}, err
		}
		original = e
	}

	s := &shared{priceIDs: make(map[model.PriceKey]int)}
	ix := newIndexExecutor(c, t.env, m, pk, original, s)
	st := newStorageExecutor(c, t.env, m, pk, original, removal, s)
	c.touch(m)
	switch {
	case removal:
		ix.removePrimaryKey()
	case !exists:
		ix.insertPrimaryKey()
	}
	return em, mutation.Executors{Index: ix, Storage: st}, nil
}
