package collection

import (
	"github.com/pingcap-incubator/tinycatalog/kv/index"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
	"go.uber.org/multierr"
)

// indexExecutor applies local mutations to the indexes right away and keeps an undo log, so that later
// mutations of the same pipeline see them.
type indexExecutor struct {
	c      *Collection
	env    Env
	m      *txmem.Memory
	pk     int
	entity *model.Entity
	shared *shared

	undo []func() error
}

func newIndexExecutor(c *Collection, env Env, m *txmem.Memory, pk int, original *model.Entity, s *shared) *indexExecutor {
	e := model.NewEntity(c.Schema(m).Name, pk)
	if original != nil {
		e = original.Clone()
	}
	return &indexExecutor{c: c, env: env, m: m, pk: pk, entity: e, shared: s}
}

func (x *indexExecutor) owner() model.EntityReference {
	return model.EntityReference{Type: x.c.Schema(x.m).Name, PrimaryKey: x.pk}
}

func (x *indexExecutor) insertPrimaryKey() {
	if x.c.Global(x.m).InsertPrimaryKey(x.m, x.pk) {
		x.undo = append(x.undo, func() error {
			x.c.Global(x.m).RemovePrimaryKey(x.m, x.pk)
			return nil
		})
	}
}

func (x *indexExecutor) removePrimaryKey() {
	if x.c.Global(x.m).RemovePrimaryKey(x.m, x.pk) {
		x.undo = append(x.undo, func() error {
			x.c.Global(x.m).InsertPrimaryKey(x.m, x.pk)
			return nil
		})
	}
}

func (x *indexExecutor) ApplyMutation(lm model.LocalMutation) error {
	switch v := lm.(type) {
	case model.UpsertAttributeMutation:
		return x.upsertAttribute(v)
	case model.RemoveAttributeMutation:
		return x.removeAttribute(v)
	case model.InsertReferenceMutation:
		return x.insertReference(v)
	case model.RemoveReferenceMutation:
		return x.removeReference(v)
	case model.UpsertPriceMutation:
		return x.upsertPrice(v)
	case model.RemovePriceMutation:
		return x.removePrice(v)
	}
	return model.NewInvalidMutationError("unsupported local mutation %T", lm)
}

// evolve swaps the schema for the one sm produces and records the undo.
func (x *indexExecutor) evolve(sm model.EntitySchemaMutation) error {
	current := x.c.Schema(x.m)
	updated, err := sm.Apply(current)
	if err != nil {
		return err
	}
	undo, err := x.c.UpdateSchema(x.m, current, updated)
	if err != nil {
		return err
	}
	x.undo = append(x.undo, func() error {
		undo()
		return nil
	})
	return nil
}

func (x *indexExecutor) upsertAttribute(v model.UpsertAttributeMutation) error {
	schema := x.c.Schema(x.m)
	a, ok := schema.Attribute(v.Name)
	if !ok {
		if !schema.Evolution.Allows(model.EvolutionAddingAttributes) {
			return model.NewInvalidMutationError("attribute `%s` is not defined in `%s`", v.Name, schema.Name)
		}
		if err := x.evolve(model.CreateAttributeSchemaMutation{Attribute: model.AttributeSchema{Name: v.Name}}); err != nil {
			return err
		}
		a, _ = x.c.Schema(x.m).Attribute(v.Name)
	}
	old, had := x.entity.Attributes[v.Name]
	if had && old == v.Value {
		return nil
	}
	if had {
		if err := x.unindexAttribute(a, old); err != nil {
			return err
		}
	}
	if err := x.indexAttribute(a, v.Value); err != nil {
		return err
	}
	x.entity.Attributes[v.Name] = v.Value
	x.undo = append(x.undo, func() error {
		if had {
			x.entity.Attributes[v.Name] = old
		} else {
			delete(x.entity.Attributes, v.Name)
		}
		return nil
	})
	return nil
}

func (x *indexExecutor) removeAttribute(v model.RemoveAttributeMutation) error {
	old, had := x.entity.Attributes[v.Name]
	if !had {
		return nil
	}
	if a, ok := x.c.Schema(x.m).Attribute(v.Name); ok {
		if err := x.unindexAttribute(a, old); err != nil {
			return err
		}
	}
	delete(x.entity.Attributes, v.Name)
	x.undo = append(x.undo, func() error {
		x.entity.Attributes[v.Name] = old
		return nil
	})
	return nil
}

func (x *indexExecutor) indexAttribute(a *model.AttributeSchema, value string) error {
	global := x.c.Global(x.m)
	if a.Unique {
		if err := global.InsertUnique(x.m, a.Name, value, x.pk); err != nil {
			return err
		}
		x.undo = append(x.undo, func() error { return global.RemoveUnique(x.m, a.Name, value, x.pk) })
	}
	if a.UniqueGlobally {
		owner := x.owner()
		if err := x.env.CatalogIndex().Insert(x.m, a.Name, value, owner); err != nil {
			return err
		}
		x.undo = append(x.undo, func() error { return x.env.CatalogIndex().Remove(x.m, a.Name, value, owner) })
	}
	if a.Filterable {
		global.InsertFilter(x.m, a.Name, value, x.pk)
		x.undo = append(x.undo, func() error {
			global.RemoveFilter(x.m, a.Name, value, x.pk)
			return nil
		})
	}
	return nil
}

func (x *indexExecutor) unindexAttribute(a *model.AttributeSchema, value string) error {
	global := x.c.Global(x.m)
	if a.Unique {
		if err := global.RemoveUnique(x.m, a.Name, value, x.pk); err != nil {
			return err
		}
		x.undo = append(x.undo, func() error { return global.InsertUnique(x.m, a.Name, value, x.pk) })
	}
	if a.UniqueGlobally {
		owner := x.owner()
		if err := x.env.CatalogIndex().Remove(x.m, a.Name, value, owner); err != nil {
			return err
		}
		x.undo = append(x.undo, func() error { return x.env.CatalogIndex().Insert(x.m, a.Name, value, owner) })
	}
	if a.Filterable {
		global.RemoveFilter(x.m, a.Name, value, x.pk)
		x.undo = append(x.undo, func() error {
			global.InsertFilter(x.m, a.Name, value, x.pk)
			return nil
		})
	}
	return nil
}

func (x *indexExecutor) insertReference(v model.InsertReferenceMutation) error {
	schema := x.c.Schema(x.m)
	r, ok := schema.Reference(v.Name)
	if !ok {
		return model.NewInvalidMutationError("reference `%s` is not defined in `%s`", v.Name, schema.Name)
	}
	if x.entity.HasReference(v.Name, v.Target) {
		return nil
	}
	if r.Indexed {
		key := index.ReducedKey(v.Name, v.Target)
		idx, created := x.c.reducedIndex(x.m, key)
		idx.InsertPrimaryKey(x.m, x.pk)
		x.undo = append(x.undo, func() error {
			idx.RemovePrimaryKey(x.m, x.pk)
			if created && x.m == nil {
				x.c.dropIndex(x.m, key)
			}
			return nil
		})
	}
	x.entity.References = append(x.entity.References, model.Reference{Name: v.Name, TargetPrimaryKey: v.Target})
	x.undo = append(x.undo, func() error {
		x.entity.References = withoutReference(x.entity.References, v.Name, v.Target)
		return nil
	})
	return nil
}

func (x *indexExecutor) removeReference(v model.RemoveReferenceMutation) error {
	if !x.entity.HasReference(v.Name, v.Target) {
		return nil
	}
	key := index.ReducedKey(v.Name, v.Target)
	if idx, ok := x.c.Index(x.m, key); ok && idx.RemovePrimaryKey(x.m, x.pk) {
		// Without a transaction nothing merges, so an emptied index goes away here.
		dropped := x.m == nil && idx.IsEmpty(nil)
		if dropped {
			x.c.dropIndex(nil, key)
		}
		x.undo = append(x.undo, func() error {
			if dropped {
				x.c.indexes.Put(nil, key, idx)
			}
			idx.InsertPrimaryKey(x.m, x.pk)
			return nil
		})
	}
	x.entity.References = withoutReference(x.entity.References, v.Name, v.Target)
	x.undo = append(x.undo, func() error {
		x.entity.References = append(x.entity.References, model.Reference{Name: v.Name, TargetPrimaryKey: v.Target})
		return nil
	})
	return nil
}

func (x *indexExecutor) upsertPrice(v model.UpsertPriceMutation) error {
	if !x.c.Schema(x.m).WithPrice {
		schema := x.c.Schema(x.m)
		if !schema.Evolution.Allows(model.EvolutionAddingPrices) {
			return model.NewInvalidMutationError("`%s` does not hold prices", schema.Name)
		}
		if err := x.evolve(model.SetWithPriceMutation{Enabled: true}); err != nil {
			return err
		}
	}
	global := x.c.Global(x.m)
	price := model.Price{PriceKey: v.Key, AmountCents: v.AmountCents, Sellable: v.Sellable}
	previous, had := x.entity.Price(v.Key)
	if had {
		price.InternalPriceID = previous.InternalPriceID
	} else {
		price.InternalPriceID = int(x.c.seq.price.Inc())
	}
	x.shared.priceIDs[v.Key] = price.InternalPriceID
	global.AddPrice(x.m, price.InternalPriceID, x.pk, price)
	x.entity.Prices = withPrice(x.entity.Prices, price)
	x.undo = append(x.undo, func() error {
		if had {
			global.AddPrice(x.m, previous.InternalPriceID, x.pk, previous)
			x.entity.Prices = withPrice(x.entity.Prices, previous)
		} else {
			global.RemovePrice(x.m, price.InternalPriceID)
			x.entity.Prices = withoutPrice(x.entity.Prices, v.Key)
		}
		return nil
	})
	return nil
}

func (x *indexExecutor) removePrice(v model.RemovePriceMutation) error {
	previous, had := x.entity.Price(v.Key)
	if !had {
		return nil
	}
	global := x.c.Global(x.m)
	global.RemovePrice(x.m, previous.InternalPriceID)
	x.entity.Prices = withoutPrice(x.entity.Prices, v.Key)
	x.undo = append(x.undo, func() error {
		global.AddPrice(x.m, previous.InternalPriceID, x.pk, previous)
		x.entity.Prices = withPrice(x.entity.Prices, previous)
		return nil
	})
	return nil
}

// Commit has nothing to publish, the indexes were written as mutations came.
func (x *indexExecutor) Commit() error {
	return nil
}

func (x *indexExecutor) Rollback() error {
	var err error
	for i := len(x.undo) - 1; i >= 0; i-- {
		err = multierr.Append(err, x.undo[i]())
	}
	x.undo = nil
	return err
}

func withoutReference(refs []model.Reference, name string, target int) []model.Reference {
	out := refs[:0:0]
	for _, r := range refs {
		if r.Name != name || r.TargetPrimaryKey != target {
			out = append(out, r)
		}
	}
	return out
}

func withPrice(prices []model.Price, p model.Price) []model.Price {
	return append(withoutPrice(prices, p.PriceKey), p)
}

func withoutPrice(prices []model.Price, key model.PriceKey) []model.Price {
	out := prices[:0:0]
	for _, p := range prices {
		if p.PriceKey != key {
			out = append(out, p)
		}
	}
	return out
}
