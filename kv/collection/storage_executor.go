package collection

import (
	"sort"

	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/mutation"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
)

// storageExecutor applies local mutations to a working copy of the entity and writes its parts into the buffer
// on Commit.
type storageExecutor struct {
	c        *Collection
	env      Env
	m        *txmem.Memory
	pk       int
	original *model.Entity
	working  *model.Entity
	removal  bool
	changed  bool
	shared   *shared

	written []bufferSnapshot
}

func newStorageExecutor(c *Collection, env Env, m *txmem.Memory, pk int, original *model.Entity, removal bool, s *shared) *storageExecutor {
	x := &storageExecutor{c: c, env: env, m: m, pk: pk, original: original, removal: removal, shared: s}
	if original != nil {
		x.working = original.Clone()
	} else {
		x.working = model.NewEntity(c.Schema(m).Name, pk)
		x.changed = true
	}
	return x
}

func (x *storageExecutor) Entity() *model.Entity {
	return x.working
}

func (x *storageExecutor) ApplyMutation(lm model.LocalMutation) error {
	schema := x.c.Schema(x.m)
	e := x.working
	switch v := lm.(type) {
	case model.UpsertAttributeMutation:
		if _, ok := schema.Attribute(v.Name); !ok {
			return model.NewInvalidMutationError("attribute `%s` is not defined in `%s`", v.Name, schema.Name)
		}
		if old, ok := e.Attributes[v.Name]; ok && old == v.Value {
			return nil
		}
		e.Attributes[v.Name] = v.Value
	case model.RemoveAttributeMutation:
		if _, ok := e.Attributes[v.Name]; !ok {
			return nil
		}
		delete(e.Attributes, v.Name)
	case model.InsertReferenceMutation:
		if _, ok := schema.Reference(v.Name); !ok {
			return model.NewInvalidMutationError("reference `%s` is not defined in `%s`", v.Name, schema.Name)
		}
		if e.HasReference(v.Name, v.Target) {
			return nil
		}
		e.References = append(e.References, model.Reference{Name: v.Name, TargetPrimaryKey: v.Target})
	case model.RemoveReferenceMutation:
		if !e.HasReference(v.Name, v.Target) {
			return nil
		}
		e.References = withoutReference(e.References, v.Name, v.Target)
	case model.UpsertPriceMutation:
		if !schema.WithPrice {
			return model.NewInvalidMutationError("`%s` does not hold prices", schema.Name)
		}
		id, ok := x.shared.priceIDs[v.Key]
		if !ok {
			return model.NewInternalError("price %s of %s:%d was not indexed", v.Key, schema.Name, x.pk)
		}
		e.Prices = withPrice(e.Prices, model.Price{PriceKey: v.Key, InternalPriceID: id, AmountCents: v.AmountCents, Sellable: v.Sellable})
	case model.RemovePriceMutation:
		if _, ok := e.Price(v.Key); !ok {
			return nil
		}
		e.Prices = withoutPrice(e.Prices, v.Key)
	default:
		return model.NewInvalidMutationError("unsupported local mutation %T", lm)
	}
	x.changed = true
	return nil
}

// ImplicitMutations derives default attribute values for new entities and the reflections of references that
// were inserted or removed.
func (x *storageExecutor) ImplicitMutations(mode mutation.ImplicitMode) (mutation.Implicit, error) {
	var out mutation.Implicit
	schema := x.c.Schema(x.m)
	if mode.Has(mutation.ImplicitLocal) && x.original == nil && !x.removal {
		for _, a := range schema.SortedAttributes() {
			if a.DefaultValue == nil {
				continue
			}
			if _, ok := x.working.Attributes[a.Name]; !ok {
				out.Local = append(out.Local, model.UpsertAttributeMutation{Name: a.Name, Value: *a.DefaultValue})
			}
		}
	}
	if !mode.Has(mutation.ImplicitExternal) {
		return out, nil
	}
	inserted, removed := x.referenceDiff()
	for _, r := range inserted {
		rs, ok := schema.Reference(r.Name)
		if !ok || rs.ReflectedReference == "" {
			continue
		}
		out.External = append(out.External, model.NewEntityUpsert(rs.EntityType, r.TargetPrimaryKey, model.MustExist,
			model.InsertReferenceMutation{Name: rs.ReflectedReference, Target: x.pk}))
	}
	for _, r := range removed {
		rs, ok := schema.Reference(r.Name)
		if !ok || rs.ReflectedReference == "" {
			continue
		}
		// The target may be gone already, in which case it has nothing to reflect.
		target, ok := x.env.Collection(x.m, rs.EntityType)
		if !ok || !target.Contains(x.m, r.TargetPrimaryKey) {
			continue
		}
		out.External = append(out.External, model.NewEntityUpsert(rs.EntityType, r.TargetPrimaryKey, model.MustExist,
			model.RemoveReferenceMutation{Name: rs.ReflectedReference, Target: x.pk}))
	}
	return out, nil
}

// referenceDiff compares the working copy with the stored entity.
func (x *storageExecutor) referenceDiff() (inserted, removed []model.Reference) {
	before := make(map[model.Reference]struct{})
	if x.original != nil {
		for _, r := range x.original.References {
			before[r] = struct{}{}
		}
	}
	after := make(map[model.Reference]struct{}, len(x.working.References))
	for _, r := range x.working.References {
		after[r] = struct{}{}
		if _, ok := before[r]; !ok {
			inserted = append(inserted, r)
		}
	}
	for r := range before {
		if _, ok := after[r]; !ok {
			removed = append(removed, r)
		}
	}
	sortReferences(inserted)
	sortReferences(removed)
	return inserted, removed
}

func sortReferences(refs []model.Reference) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Name != refs[j].Name {
			return refs[i].Name < refs[j].Name
		}
		return refs[i].TargetPrimaryKey < refs[j].TargetPrimaryKey
	})
}

// VerifyConsistency checks required attributes and references with integrity checks of the entity about to be
// stored.
func (x *storageExecutor) VerifyConsistency() error {
	if x.removal {
		return nil
	}
	schema := x.c.Schema(x.m)
	self := model.EntityReference{Type: schema.Name, PrimaryKey: x.pk}
	for _, a := range schema.SortedAttributes() {
		if _, ok := x.working.Attributes[a.Name]; a.Required && !ok {
			return model.NewMissingRequiredAttributeError(self, a.Name)
		}
	}
	for _, r := range x.working.References {
		rs, ok := schema.Reference(r.Name)
		if !ok || !rs.CheckIntegrity {
			continue
		}
		target, ok := x.env.Collection(x.m, rs.EntityType)
		if !ok {
			return model.NewReferentialIntegrityError(self, "reference `%s` targets missing collection `%s`",
				r.Name, rs.EntityType)
		}
		if !target.Contains(x.m, r.TargetPrimaryKey) {
			return model.NewReferentialIntegrityError(self, "reference `%s` targets missing entity %s:%d",
				r.Name, rs.EntityType, r.TargetPrimaryKey)
		}
	}
	return nil
}

// Commit writes the parts that differ from the stored entity. A removal removes every stored part.
func (x *storageExecutor) Commit() error {
	if !x.changed && !x.removal {
		return nil
	}
	var before, after []model.StoragePart
	if x.original != nil {
		before = model.PartsOf(x.original)
	}
	if !x.removal {
		x.working.Version = 1
		if x.original != nil {
			x.working.Version = x.original.Version + 1
		}
		after = model.PartsOf(x.working)
	}
	present := make(map[model.PartType]bool, len(after))
	for _, part := range after {
		present[part.PartType()] = true
		x.written = append(x.written, x.c.buffer.snapshot(x.m, partKey{Type: part.PartType(), PK: x.pk}))
		x.c.buffer.Put(x.m, part)
	}
	for _, part := range before {
		if present[part.PartType()] {
			continue
		}
		x.written = append(x.written, x.c.buffer.snapshot(x.m, partKey{Type: part.PartType(), PK: x.pk}))
		x.c.buffer.Remove(x.m, part.PartType(), x.pk)
	}
	return nil
}

func (x *storageExecutor) Rollback() error {
	for i := len(x.written) - 1; i >= 0; i-- {
		x.c.buffer.restore(x.m, x.written[i])
	}
	x.written = nil
	if x.original != nil {
		x.working.Version = x.original.Version
	}
	return nil
}
