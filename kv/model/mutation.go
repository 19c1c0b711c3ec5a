package model

// LocalMutationKind tags the variants of LocalMutation.
type LocalMutationKind uint8

const (
	KindUpsertAttribute LocalMutationKind = iota + 1
	KindRemoveAttribute
	KindInsertReference
	KindRemoveReference
	KindUpsertPrice
	KindRemovePrice
)

var localMutationKindNames = map[LocalMutationKind]string{
	KindUpsertAttribute: "upsertAttribute",
	KindRemoveAttribute: "removeAttribute",
	KindInsertReference: "insertReference",
	KindRemoveReference: "removeReference",
	KindUpsertPrice:     "upsertPrice",
	KindRemovePrice:     "removePrice",
}

func (k LocalMutationKind) String() string {
	if n, ok := localMutationKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// LocalMutation changes one part of a single entity. The set of variants is closed.
type LocalMutation interface {
	Kind() LocalMutationKind
	isLocalMutation()
}

type UpsertAttributeMutation struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type RemoveAttributeMutation struct {
	Name string `json:"name"`
}

type InsertReferenceMutation struct {
	Name   string `json:"name"`
	Target int    `json:"target"`
}

type RemoveReferenceMutation struct {
	Name   string `json:"name"`
	Target int    `json:"target"`
}

type UpsertPriceMutation struct {
	Key         PriceKey `json:"key"`
	AmountCents int64    `json:"amount"`
	Sellable    bool     `json:"sellable"`
}

type RemovePriceMutation struct {
	Key PriceKey `json:"key"`
}

func (UpsertAttributeMutation) Kind() LocalMutationKind { return KindUpsertAttribute }
func (RemoveAttributeMutation) Kind() LocalMutationKind { return KindRemoveAttribute }
func (InsertReferenceMutation) Kind() LocalMutationKind { return KindInsertReference }
func (RemoveReferenceMutation) Kind() LocalMutationKind { return KindRemoveReference }
func (UpsertPriceMutation) Kind() LocalMutationKind     { return KindUpsertPrice }
func (RemovePriceMutation) Kind() LocalMutationKind     { return KindRemovePrice }

func (UpsertAttributeMutation) isLocalMutation() {}
func (RemoveAttributeMutation) isLocalMutation() {}
func (InsertReferenceMutation) isLocalMutation() {}
func (RemoveReferenceMutation) isLocalMutation() {}
func (UpsertPriceMutation) isLocalMutation()     {}
func (RemovePriceMutation) isLocalMutation()     {}

// MutationKind names every mutation that can be recorded in the catalog WAL.
type MutationKind string

const (
	MutationEntityUpsert                   MutationKind = "entityUpsert"
	MutationEntityRemove                   MutationKind = "entityRemove"
	MutationCreateEntitySchema             MutationKind = "createEntitySchema"
	MutationRemoveEntitySchema             MutationKind = "removeEntitySchema"
	MutationModifyEntitySchemaName         MutationKind = "modifyEntitySchemaName"
	MutationModifyEntitySchema             MutationKind = "modifyEntitySchema"
	MutationModifyCatalogSchemaDescription MutationKind = "modifyCatalogSchemaDescription"
)

// Mutation is a root level change recorded in the WAL of a catalog.
type Mutation interface {
	MutationKind() MutationKind
}

// EntityExistence is what an upsert expects about the current state of its entity.
type EntityExistence uint8

const (
	MayExist EntityExistence = iota
	MustExist
	MustNotExist
)

func (e EntityExistence) String() string {
	switch e {
	case MustExist:
		return "MUST_EXIST"
	case MustNotExist:
		return "MUST_NOT_EXIST"
	}
	return "MAY_EXIST"
}

// EntityMutation changes one entity as a whole. Values are immutable.
type EntityMutation interface {
	Mutation
	EntityType() string
	// PrimaryKey returns false when the key is still to be assigned by the collection.
	PrimaryKey() (int, bool)
	Expects() EntityExistence
	LocalMutations() []LocalMutation
	isEntityMutation()
}

// EntityUpsertMutation creates or updates an entity. A zero PK asks the collection to generate one.
type EntityUpsertMutation struct {
	Type      string
	PK        int
	Existence EntityExistence
	Mutations []LocalMutation
}

func NewEntityUpsert(entityType string, pk int, existence EntityExistence, mutations ...LocalMutation) EntityUpsertMutation {
	return EntityUpsertMutation{Type: entityType, PK: pk, Existence: existence, Mutations: mutations}
}

func (m EntityUpsertMutation) MutationKind() MutationKind { return MutationEntityUpsert }
func (m EntityUpsertMutation) EntityType() string         { return m.Type }
func (m EntityUpsertMutation) PrimaryKey() (int, bool)    { return m.PK, m.PK != 0 }
func (m EntityUpsertMutation) Expects() EntityExistence   { return m.Existence }
func (m EntityUpsertMutation) LocalMutations() []LocalMutation {
	return m.Mutations
}
func (m EntityUpsertMutation) isEntityMutation() {}

// WithPrimaryKey returns a copy addressed to pk.
func (m EntityUpsertMutation) WithPrimaryKey(pk int) EntityUpsertMutation {
	m.PK = pk
	return m
}

type EntityRemoveMutation struct {
	Type string `json:"type"`
	PK   int    `json:"primaryKey"`
}

func NewEntityRemove(entityType string, pk int) EntityRemoveMutation {
	return EntityRemoveMutation{Type: entityType, PK: pk}
}

func (m EntityRemoveMutation) MutationKind() MutationKind      { return MutationEntityRemove }
func (m EntityRemoveMutation) EntityType() string              { return m.Type }
func (m EntityRemoveMutation) PrimaryKey() (int, bool)         { return m.PK, m.PK != 0 }
func (m EntityRemoveMutation) Expects() EntityExistence        { return MustExist }
func (m EntityRemoveMutation) LocalMutations() []LocalMutation { return nil }
func (m EntityRemoveMutation) isEntityMutation()               {}

// RemovalMutations derives the local mutations that strip e down to nothing, in a stable order: prices, then
// references, then attributes.
func RemovalMutations(e *Entity) []LocalMutation {
	c := e.Clone()
	c.Normalize()
	out := make([]LocalMutation, 0, len(c.Prices)+len(c.References)+len(c.Attributes))
	for _, p := range c.Prices {
		out = append(out, RemovePriceMutation{Key: p.PriceKey})
	}
	for _, r := range c.References {
		out = append(out, RemoveReferenceMutation{Name: r.Name, Target: r.TargetPrimaryKey})
	}
	for _, name := range sortedKeys(c.Attributes) {
		out = append(out, RemoveAttributeMutation{Name: name})
	}
	return out
}

// CreationMutations derives the local mutations that build e from nothing.
func CreationMutations(e *Entity) []LocalMutation {
	c := e.Clone()
	c.Normalize()
	out := make([]LocalMutation, 0, len(c.Prices)+len(c.References)+len(c.Attributes))
	for _, name := range sortedKeys(c.Attributes) {
		out = append(out, UpsertAttributeMutation{Name: name, Value: c.Attributes[name]})
	}
	for _, r := range c.References {
		out = append(out, InsertReferenceMutation{Name: r.Name, Target: r.TargetPrimaryKey})
	}
	for _, p := range c.Prices {
		out = append(out, UpsertPriceMutation{Key: p.PriceKey, AmountCents: p.AmountCents, Sellable: p.Sellable})
	}
	return out
}
