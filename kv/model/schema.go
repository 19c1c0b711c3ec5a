package model

import (
	"sort"
)

// EvolutionMode lists the schema changes an upsert may perform implicitly.
type EvolutionMode uint8

const (
	// EvolutionAddingAttributes lets an upsert introduce an attribute the schema does not know yet.
	EvolutionAddingAttributes EvolutionMode = 1 << iota
	// EvolutionAddingPrices lets an upsert attach prices to entities of a schema without prices.
	EvolutionAddingPrices
)

func (m EvolutionMode) Allows(o EvolutionMode) bool {
	return m&o == o
}

type AttributeSchema struct {
	Name string `json:"name"`
	// Unique values must not repeat within the collection.
	Unique bool `json:"unique,omitempty"`
	// UniqueGlobally values must not repeat within the whole catalog.
	UniqueGlobally bool `json:"uniqueGlobally,omitempty"`
	Filterable     bool `json:"filterable,omitempty"`
	// Required attributes must be present on every stored entity.
	Required     bool    `json:"required,omitempty"`
	DefaultValue *string `json:"defaultValue,omitempty"`
}

// Indexed reports whether the attribute lives in any index.
func (a *AttributeSchema) Indexed() bool {
	return a.Unique || a.UniqueGlobally || a.Filterable
}

type ReferenceSchema struct {
	Name       string `json:"name"`
	EntityType string `json:"entityType"`
	// ReflectedReference names the reference on the target entity type that mirrors this one. When set, inserting
	// or removing this reference cascades into the target collection.
	ReflectedReference string `json:"reflectedReference,omitempty"`
	// Indexed references maintain a reduced index per referenced entity.
	Indexed bool `json:"indexed,omitempty"`
	// CheckIntegrity requires the referenced entity to exist.
	CheckIntegrity bool `json:"checkIntegrity,omitempty"`
}

type EntitySchema struct {
	Name                    string                      `json:"name"`
	Version                 int                         `json:"version"`
	WithGeneratedPrimaryKey bool                        `json:"withGeneratedPrimaryKey"`
	WithPrice               bool                        `json:"withPrice,omitempty"`
	Evolution               EvolutionMode               `json:"evolution,omitempty"`
	Attributes              map[string]*AttributeSchema `json:"attributes,omitempty"`
	References              map[string]*ReferenceSchema `json:"references,omitempty"`
}

func NewEntitySchema(name string) *EntitySchema {
	return &EntitySchema{
		Name:       name,
		Version:    1,
		Attributes: make(map[string]*AttributeSchema),
		References: make(map[string]*ReferenceSchema),
	}
}

// Clone returns a copy that can be modified without touching the receiver. Attribute and reference schemas are
// immutable values and are shared.
func (s *EntitySchema) Clone() *EntitySchema {
	c := *s
	c.Attributes = make(map[string]*AttributeSchema, len(s.Attributes))
	for k, v := range s.Attributes {
		c.Attributes[k] = v
	}
	c.References = make(map[string]*ReferenceSchema, len(s.References))
	for k, v := range s.References {
		c.References[k] = v
	}
	return &c
}

func (s *EntitySchema) Attribute(name string) (*AttributeSchema, bool) {
	a, ok := s.Attributes[name]
	return a, ok
}

func (s *EntitySchema) Reference(name string) (*ReferenceSchema, bool) {
	r, ok := s.References[name]
	return r, ok
}

// SortedAttributes returns attribute schemas ordered by name.
func (s *EntitySchema) SortedAttributes() []*AttributeSchema {
	out := make([]*AttributeSchema, 0, len(s.Attributes))
	for _, a := range s.Attributes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type CatalogSchema struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description,omitempty"`
}

func NewCatalogSchema(name string) *CatalogSchema {
	return &CatalogSchema{Name: name, Version: 1}
}

func (s *CatalogSchema) Clone() *CatalogSchema {
	c := *s
	return &c
}

// CatalogState is the lifecycle state of a catalog.
type CatalogState string

const (
	// CatalogWarmingUp catalogs accept direct writes from a single writer and have no WAL.
	CatalogWarmingUp CatalogState = "WARMING_UP"
	CatalogAlive     CatalogState = "ALIVE"
	CatalogCorrupted CatalogState = "CORRUPTED"
)
