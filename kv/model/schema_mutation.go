package model

// CatalogSchemaMutation changes the catalog schema or the set of entity collections.
type CatalogSchemaMutation interface {
	Mutation
	isCatalogSchemaMutation()
}

type CreateEntitySchemaMutation struct {
	EntityType              string `json:"entityType"`
	WithGeneratedPrimaryKey bool   `json:"withGeneratedPrimaryKey"`
}

type RemoveEntitySchemaMutation struct {
	EntityType string `json:"entityType"`
}

// ModifyEntitySchemaNameMutation renames a collection. With OverwriteTarget an existing collection called NewName is
// replaced.
type ModifyEntitySchemaNameMutation struct {
	EntityType      string `json:"entityType"`
	NewName         string `json:"newName"`
	OverwriteTarget bool   `json:"overwriteTarget,omitempty"`
}

type ModifyEntitySchemaMutation struct {
	EntityType string
	Mutations  []EntitySchemaMutation
}

type ModifyCatalogSchemaDescriptionMutation struct {
	Description string `json:"description"`
}

func (CreateEntitySchemaMutation) MutationKind() MutationKind { return MutationCreateEntitySchema }
func (RemoveEntitySchemaMutation) MutationKind() MutationKind { return MutationRemoveEntitySchema }
func (ModifyEntitySchemaNameMutation) MutationKind() MutationKind {
	return MutationModifyEntitySchemaName
}
func (ModifyEntitySchemaMutation) MutationKind() MutationKind { return MutationModifyEntitySchema }
func (ModifyCatalogSchemaDescriptionMutation) MutationKind() MutationKind {
	return MutationModifyCatalogSchemaDescription
}

func (CreateEntitySchemaMutation) isCatalogSchemaMutation()             {}
func (RemoveEntitySchemaMutation) isCatalogSchemaMutation()             {}
func (ModifyEntitySchemaNameMutation) isCatalogSchemaMutation()         {}
func (ModifyEntitySchemaMutation) isCatalogSchemaMutation()             {}
func (ModifyCatalogSchemaDescriptionMutation) isCatalogSchemaMutation() {}

// Apply returns the changed catalog schema, or s itself when nothing changes.
func (m ModifyCatalogSchemaDescriptionMutation) Apply(s *CatalogSchema) *CatalogSchema {
	if s.Description == m.Description {
		return s
	}
	c := s.Clone()
	c.Description = m.Description
	c.Version++
	return c
}

// EntitySchemaMutation changes a single entity schema.
type EntitySchemaMutation interface {
	SchemaMutationKind() string
	// Apply returns the changed schema, or s itself when the mutation changes nothing.
	Apply(s *EntitySchema) (*EntitySchema, error)
}

type CreateAttributeSchemaMutation struct {
	Attribute AttributeSchema `json:"attribute"`
}

type RemoveAttributeSchemaMutation struct {
	Name string `json:"name"`
}

type CreateReferenceSchemaMutation struct {
	Reference ReferenceSchema `json:"reference"`
}

type RemoveReferenceSchemaMutation struct {
	Name string `json:"name"`
}

type SetEvolutionModeMutation struct {
	Mode EvolutionMode `json:"mode"`
}

type SetWithGeneratedPrimaryKeyMutation struct {
	Enabled bool `json:"enabled"`
}

type SetWithPriceMutation struct {
	Enabled bool `json:"enabled"`
}

func (CreateAttributeSchemaMutation) SchemaMutationKind() string { return "createAttribute" }
func (RemoveAttributeSchemaMutation) SchemaMutationKind() string { return "removeAttribute" }
func (CreateReferenceSchemaMutation) SchemaMutationKind() string { return "createReference" }
func (RemoveReferenceSchemaMutation) SchemaMutationKind() string { return "removeReference" }
func (SetEvolutionModeMutation) SchemaMutationKind() string      { return "setEvolutionMode" }
func (SetWithGeneratedPrimaryKeyMutation) SchemaMutationKind() string {
	return "setWithGeneratedPrimaryKey"
}
func (SetWithPriceMutation) SchemaMutationKind() string { return "setWithPrice" }

func (m CreateAttributeSchemaMutation) Apply(s *EntitySchema) (*EntitySchema, error) {
	if m.Attribute.Name == "" {
		return nil, NewSchemaAlteringError("attribute name must not be empty")
	}
	if existing, ok := s.Attributes[m.Attribute.Name]; ok {
		if equalAttributes(existing, &m.Attribute) {
			return s, nil
		}
		return nil, NewSchemaAlteringError("attribute `%s` already exists in `%s` with a different definition",
			m.Attribute.Name, s.Name)
	}
	c := s.Clone()
	a := m.Attribute
	c.Attributes[a.Name] = &a
	c.Version++
	return c, nil
}

func (m RemoveAttributeSchemaMutation) Apply(s *EntitySchema) (*EntitySchema, error) {
	if _, ok := s.Attributes[m.Name]; !ok {
		return s, nil
	}
	c := s.Clone()
	delete(c.Attributes, m.Name)
	c.Version++
	return c, nil
}

func (m CreateReferenceSchemaMutation) Apply(s *EntitySchema) (*EntitySchema, error) {
	if m.Reference.Name == "" || m.Reference.EntityType == "" {
		return nil, NewSchemaAlteringError("reference needs both a name and a target entity type")
	}
	if existing, ok := s.References[m.Reference.Name]; ok {
		if *existing == m.Reference {
			return s, nil
		}
		return nil, NewSchemaAlteringError("reference `%s` already exists in `%s` with a different definition",
			m.Reference.Name, s.Name)
	}
	c := s.Clone()
	r := m.Reference
	c.References[r.Name] = &r
	c.Version++
	return c, nil
}

func (m RemoveReferenceSchemaMutation) Apply(s *EntitySchema) (*EntitySchema, error) {
	if _, ok := s.References[m.Name]; !ok {
		return s, nil
	}
	c := s.Clone()
	delete(c.References, m.Name)
	c.Version++
	return c, nil
}

func (m SetEvolutionModeMutation) Apply(s *EntitySchema) (*EntitySchema, error) {
	if s.Evolution == m.Mode {
		return s, nil
	}
	c := s.Clone()
	c.Evolution = m.Mode
	c.Version++
	return c, nil
}

func (m SetWithGeneratedPrimaryKeyMutation) Apply(s *EntitySchema) (*EntitySchema, error) {
	if s.WithGeneratedPrimaryKey == m.Enabled {
		return s, nil
	}
	c := s.Clone()
	c.WithGeneratedPrimaryKey = m.Enabled
	c.Version++
	return c, nil
}

func (m SetWithPriceMutation) Apply(s *EntitySchema) (*EntitySchema, error) {
	if s.WithPrice == m.Enabled {
		return s, nil
	}
	c := s.Clone()
	c.WithPrice = m.Enabled
	c.Version++
	return c, nil
}

func equalAttributes(a, b *AttributeSchema) bool {
	if a.Name != b.Name || a.Unique != b.Unique || a.UniqueGlobally != b.UniqueGlobally ||
		a.Filterable != b.Filterable || a.Required != b.Required {
		return false
	}
	if (a.DefaultValue == nil) != (b.DefaultValue == nil) {
		return false
	}
	return a.DefaultValue == nil || *a.DefaultValue == *b.DefaultValue
}
