package model

import (
	"encoding/json"

	"github.com/pingcap/errors"
)

// PartType discriminates storage parts; together with the owning collection, the primary key and the catalog
// version it forms the storage key.
type PartType uint8

const (
	PartCatalogSchema PartType = iota + 1
	PartEntitySchema
	PartEntityBody
	PartAttributes
	PartReferences
	PartPrices
)

// EntityPartTypes lists the parts an entity is split into.
var EntityPartTypes = []PartType{PartEntityBody, PartAttributes, PartReferences, PartPrices}

func (t PartType) String() string {
	switch t {
	case PartCatalogSchema:
		return "catalogSchema"
	case PartEntitySchema:
		return "entitySchema"
	case PartEntityBody:
		return "entityBody"
	case PartAttributes:
		return "attributes"
	case PartReferences:
		return "references"
	case PartPrices:
		return "prices"
	}
	return "unknown"
}

// StoragePart is the unit of persistence.
type StoragePart interface {
	PartType() PartType
	// PartPK is the primary key of the owning entity, 0 for schema parts.
	PartPK() int
}

type CatalogSchemaPart struct {
	Schema *CatalogSchema `json:"schema"`
}

type EntitySchemaPart struct {
	Schema *EntitySchema `json:"schema"`
}

type EntityBodyPart struct {
	PK      int `json:"pk"`
	Version int `json:"version"`
}

type AttributesPart struct {
	PK     int               `json:"pk"`
	Values map[string]string `json:"values"`
}

type ReferencesPart struct {
	PK         int         `json:"pk"`
	References []Reference `json:"references"`
}

type PricesPart struct {
	PK     int     `json:"pk"`
	Prices []Price `json:"prices"`
}

func (CatalogSchemaPart) PartType() PartType { return PartCatalogSchema }
func (EntitySchemaPart) PartType() PartType  { return PartEntitySchema }
func (EntityBodyPart) PartType() PartType    { return PartEntityBody }
func (AttributesPart) PartType() PartType    { return PartAttributes }
func (ReferencesPart) PartType() PartType    { return PartReferences }
func (PricesPart) PartType() PartType        { return PartPrices }

func (CatalogSchemaPart) PartPK() int { return 0 }
func (EntitySchemaPart) PartPK() int  { return 0 }
func (p EntityBodyPart) PartPK() int  { return p.PK }
func (p AttributesPart) PartPK() int  { return p.PK }
func (p ReferencesPart) PartPK() int  { return p.PK }
func (p PricesPart) PartPK() int      { return p.PK }

// PartsOf splits e into storage parts. Parts with no content are omitted, the body is always present.
func PartsOf(e *Entity) []StoragePart {
	c := e.Clone()
	c.Normalize()
	parts := []StoragePart{EntityBodyPart{PK: c.PrimaryKey, Version: c.Version}}
	if len(c.Attributes) > 0 {
		parts = append(parts, AttributesPart{PK: c.PrimaryKey, Values: c.Attributes})
	}
	if len(c.References) > 0 {
		parts = append(parts, ReferencesPart{PK: c.PrimaryKey, References: c.References})
	}
	if len(c.Prices) > 0 {
		parts = append(parts, PricesPart{PK: c.PrimaryKey, Prices: c.Prices})
	}
	return parts
}

// AssembleEntity rebuilds an entity from its parts. It returns nil when the body is missing.
func AssembleEntity(entityType string, parts map[PartType]StoragePart) *Entity {
	body, ok := parts[PartEntityBody].(EntityBodyPart)
	if !ok {
		return nil
	}
	e := NewEntity(entityType, body.PK)
	e.Version = body.Version
	if p, ok := parts[PartAttributes].(AttributesPart); ok {
		for k, v := range p.Values {
			e.Attributes[k] = v
		}
	}
	if p, ok := parts[PartReferences].(ReferencesPart); ok {
		e.References = append(e.References, p.References...)
	}
	if p, ok := parts[PartPrices].(PricesPart); ok {
		e.Prices = append(e.Prices, p.Prices...)
	}
	return e
}

func EncodePart(p StoragePart) ([]byte, error) {
	b, err := json.Marshal(p)
	return b, errors.WithStack(err)
}

func DecodePart(t PartType, data []byte) (StoragePart, error) {
	switch t {
	case PartCatalogSchema:
		return decodePart[CatalogSchemaPart](data)
	case PartEntitySchema:
		return decodePart[EntitySchemaPart](data)
	case PartEntityBody:
		return decodePart[EntityBodyPart](data)
	case PartAttributes:
		return decodePart[AttributesPart](data)
	case PartReferences:
		return decodePart[ReferencesPart](data)
	case PartPrices:
		return decodePart[PricesPart](data)
	}
	return nil, errors.Errorf("unknown part type %d", t)
}

func decodePart[T StoragePart](data []byte) (StoragePart, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Annotatef(err, "decode %s part", p.PartType())
	}
	return p, nil
}
