// Package cdc publishes what changed in the engine: the mutations of every committed transaction and the
// structural operations on catalogs. Subscribers receive captures on a buffered channel and may ask for the recent
// ones again, starting after a token they already saw.
package cdc

import (
	"time"

	"github.com/pingcap-incubator/tinycatalog/kv/model"
)

// Area tells which part of the engine a capture belongs to.
type Area string

const (
	// AreaInfrastructure covers catalogs being created, renamed, replaced, removed or going live.
	AreaInfrastructure Area = "infrastructure"
	AreaSchema         Area = "schema"
	AreaData           Area = "data"
)

type Operation string

const (
	OperationUpsert Operation = "upsert"
	OperationRemove Operation = "remove"
)

// Capture describes one change. Token orders the captures of a publisher and is assigned on publish.
type Capture struct {
	Token   uint64    `json:"token"`
	At      time.Time `json:"at"`
	Area    Area      `json:"area"`
	Catalog string    `json:"catalog"`
	// Version is the catalog version the change became visible in. Infrastructure captures carry the sequence
	// number of the engine WAL record instead.
	Version uint64 `json:"version"`
	// Index is the position of the mutation within its transaction.
	Index      int            `json:"index"`
	Operation  Operation      `json:"operation"`
	EntityType string         `json:"entityType,omitempty"`
	PrimaryKey int            `json:"primaryKey,omitempty"`
	Target     string         `json:"target,omitempty"`
	Mutation   model.Mutation `json:"mutation,omitempty"`
}

// FromTransaction turns the mutations of a transaction committed as version of catalog into captures.
func FromTransaction(catalog string, version uint64, mutations []model.Mutation) []Capture {
	out := make([]Capture, 0, len(mutations))
	for i, m := range mutations {
		c := Capture{Catalog: catalog, Version: version, Index: i, Operation: OperationUpsert, Mutation: m}
		switch v := m.(type) {
		case model.EntityMutation:
			c.Area = AreaData
			c.EntityType = v.EntityType()
			c.PrimaryKey, _ = v.PrimaryKey()
			if _, removed := v.(model.EntityRemoveMutation); removed {
				c.Operation = OperationRemove
			}
		case model.RemoveEntitySchemaMutation:
			c.Area, c.EntityType, c.Operation = AreaSchema, v.EntityType, OperationRemove
		case model.CreateEntitySchemaMutation:
			c.Area, c.EntityType = AreaSchema, v.EntityType
		case model.ModifyEntitySchemaMutation:
			c.Area, c.EntityType = AreaSchema, v.EntityType
		case model.ModifyEntitySchemaNameMutation:
			c.Area, c.EntityType, c.Target = AreaSchema, v.EntityType, v.NewName
		default:
			c.Area = AreaSchema
		}
		out = append(out, c)
	}
	return out
}

// Structural describes an engine operation on catalog, logged as seq in the engine WAL.
func Structural(op, catalog, target string, seq uint64) Capture {
	return Capture{
		Area:      AreaInfrastructure,
		Catalog:   catalog,
		Version:   seq,
		Operation: Operation(op),
		Target:    target,
	}
}
