package catalog

import (
	"github.com/pingcap-incubator/tinycatalog/kv/collection"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// UpdateSchema applies catalog schema mutations in order. Within a transaction they are registered for the WAL
// once applied. While warming up the catalog is flushed before returning.
func (c *Catalog) UpdateSchema(tx *transaction.Transaction, mutations ...model.CatalogSchemaMutation) error {
	if err := c.checkWriter(tx); err != nil {
		return err
	}
	release, err := tx.Bind()
	if err != nil {
		return err
	}
	defer release()

	m := tx.Memory()
	for _, sm := range mutations {
		if err := c.applySchemaMutation(m, sm); err != nil {
			if tx != nil && model.ClassOf(err) != model.ClassValidation {
				tx.SetRollbackOnly(err)
			}
			return err
		}
		if tx != nil {
			tx.RegisterMutation(sm)
		}
	}
	if tx == nil {
		return c.Flush(nil)
	}
	return nil
}

func (c *Catalog) applySchemaMutation(m *txmem.Memory, sm model.CatalogSchemaMutation) error {
	switch v := sm.(type) {
	case model.CreateEntitySchemaMutation:
		return c.createCollection(m, v)
	case model.RemoveEntitySchemaMutation:
		return c.removeCollection(m, v.EntityType)
	case model.ModifyEntitySchemaNameMutation:
		return c.renameCollection(m, v)
	case model.ModifyEntitySchemaMutation:
		coll, ok := c.collections.Get(m, v.EntityType)
		if !ok {
			return model.NewCollectionNotFoundError(v.EntityType)
		}
		return coll.AlterSchema(m, v.Mutations...)
	case model.ModifyCatalogSchemaDescriptionMutation:
		current := c.schema.Get(m)
		if updated := v.Apply(current); updated != current {
			c.schema.Set(m, updated)
		}
		return nil
	}
	return model.NewInvalidMutationError("unsupported schema mutation %T", sm)
}

func (c *Catalog) createCollection(m *txmem.Memory, v model.CreateEntitySchemaMutation) error {
	if v.EntityType == "" {
		return model.NewSchemaAlteringError("entity type must not be empty")
	}
	if _, ok := c.collections.Get(m, v.EntityType); ok {
		return model.NewSchemaAlteringError("entity collection `%s` already exists in catalog `%s`", v.EntityType, c.Name())
	}
	schema := model.NewEntitySchema(v.EntityType)
	schema.WithGeneratedPrimaryKey = v.WithGeneratedPrimaryKey
	typePK := int(c.lineage.lastTypePK.Inc())
	coll := collection.New(typePK, schema, c.lineage.persistence.Collection(typePK, v.EntityType))
	coll.StoreSchema(m)
	c.collections.Put(m, v.EntityType, coll)
	log.Debug("entity collection created", zap.String("catalog", c.Name()), zap.String("entityType", v.EntityType),
		zap.Int("typePK", typePK))
	return nil
}

// removeCollection detaches the collection. Its parts are dropped once no reader can see them.
func (c *Catalog) removeCollection(m *txmem.Memory, entityType string) error {
	coll, ok := c.collections.Remove(m, entityType)
	if !ok {
		return model.NewCollectionNotFoundError(entityType)
	}
	coll.RemoveLayers(m)
	c.catalogIndex.RemoveEntityType(m, entityType)
	if m == nil {
		return c.dropWarmingUp(coll)
	}
	return nil
}

func (c *Catalog) renameCollection(m *txmem.Memory, v model.ModifyEntitySchemaNameMutation) error {
	coll, ok := c.collections.Get(m, v.EntityType)
	if !ok {
		return model.NewCollectionNotFoundError(v.EntityType)
	}
	if v.NewName == v.EntityType {
		return nil
	}
	if v.NewName == "" {
		return model.NewSchemaAlteringError("entity type must not be empty")
	}
	if _, exists := c.collections.Get(m, v.NewName); exists {
		if !v.OverwriteTarget {
			return model.NewSchemaAlteringError("entity collection `%s` already exists in catalog `%s`", v.NewName, c.Name())
		}
		if err := c.removeCollection(m, v.NewName); err != nil {
			return err
		}
	}

	current := coll.Schema(m)
	renamed := current.Clone()
	renamed.Name = v.NewName
	renamed.Version++
	if _, err := coll.UpdateSchema(m, current, renamed); err != nil {
		return err
	}
	c.collections.Remove(m, v.EntityType)
	if m == nil {
		// Without a transaction nothing merges, so the persistent unit is swapped right away.
		coll = coll.WithPersistence(coll.Buffer().Persistence().Renamed(v.NewName))
	}
	c.collections.Put(m, v.NewName, coll)
	c.catalogIndex.RenameEntityType(m, v.EntityType, v.NewName)
	return c.retargetReferences(m, v.EntityType, v.NewName)
}

// retargetReferences points references of other collections at the renamed entity type.
func (c *Catalog) retargetReferences(m *txmem.Memory, from, to string) error {
	for _, name := range c.EntityTypes(m) {
		coll, _ := c.collections.Get(m, name)
		current := coll.Schema(m)
		var updated *model.EntitySchema
		for refName, r := range current.References {
			if r.EntityType != from {
				continue
			}
			if updated == nil {
				updated = current.Clone()
				updated.Version++
			}
			retargeted := *r
			retargeted.EntityType = to
			updated.References[refName] = &retargeted
		}
		if updated == nil {
			continue
		}
		if _, err := coll.UpdateSchema(m, current, updated); err != nil {
			return err
		}
	}
	return nil
}
