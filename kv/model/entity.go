package model

import (
	"fmt"
	"sort"
)

// EntityReference identifies an entity within a catalog.
type EntityReference struct {
	Type       string `json:"type"`
	PrimaryKey int    `json:"primaryKey"`
}

func (r EntityReference) String() string {
	return fmt.Sprintf("%s:%d", r.Type, r.PrimaryKey)
}

type Reference struct {
	Name             string `json:"name"`
	TargetPrimaryKey int    `json:"target"`
}

// PriceKey identifies a price within an entity.
type PriceKey struct {
	PriceID   int    `json:"priceId"`
	PriceList string `json:"priceList"`
	Currency  string `json:"currency"`
}

func (k PriceKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.PriceID, k.PriceList, k.Currency)
}

type Price struct {
	PriceKey
	// InternalPriceID is assigned from the collection's price sequence when the price is first stored.
	InternalPriceID int   `json:"internalPriceId"`
	AmountCents     int64 `json:"amount"`
	Sellable        bool  `json:"sellable"`
}

// Entity is the fully materialized body of a stored entity.
type Entity struct {
	Type       string            `json:"type"`
	PrimaryKey int               `json:"primaryKey"`
	Version    int               `json:"version"`
	Attributes map[string]string `json:"attributes,omitempty"`
	References []Reference       `json:"references,omitempty"`
	Prices     []Price           `json:"prices,omitempty"`
}

func NewEntity(entityType string, pk int) *Entity {
	return &Entity{Type: entityType, PrimaryKey: pk, Attributes: make(map[string]string)}
}

func (e *Entity) Reference() EntityReference {
	return EntityReference{Type: e.Type, PrimaryKey: e.PrimaryKey}
}

func (e *Entity) Clone() *Entity {
	c := *e
	c.Attributes = make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		c.Attributes[k] = v
	}
	c.References = append([]Reference(nil), e.References...)
	c.Prices = append([]Price(nil), e.Prices...)
	return &c
}

func (e *Entity) HasReference(name string, target int) bool {
	for _, r := range e.References {
		if r.Name == name && r.TargetPrimaryKey == target {
			return true
		}
	}
	return false
}

// ReferencesNamed returns targets of all references called name.
func (e *Entity) ReferencesNamed(name string) []int {
	var out []int
	for _, r := range e.References {
		if r.Name == name {
			out = append(out, r.TargetPrimaryKey)
		}
	}
	return out
}

func (e *Entity) Price(key PriceKey) (Price, bool) {
	for _, p := range e.Prices {
		if p.PriceKey == key {
			return p, true
		}
	}
	return Price{}, false
}

// Normalize sorts references and prices so that equal entities serialize identically.
func (e *Entity) Normalize() {
	sort.Slice(e.References, func(i, j int) bool {
		a, b := e.References[i], e.References[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.TargetPrimaryKey < b.TargetPrimaryKey
	})
	sort.Slice(e.Prices, func(i, j int) bool {
		a, b := e.Prices[i].PriceKey, e.Prices[j].PriceKey
		if a.PriceID != b.PriceID {
			return a.PriceID < b.PriceID
		}
		if a.PriceList != b.PriceList {
			return a.PriceList < b.PriceList
		}
		return a.Currency < b.Currency
	})
}
