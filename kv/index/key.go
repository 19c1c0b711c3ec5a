// Package index keeps the in-memory indexes of entity collections and catalogs. Indexes are versioned
// structures: inside a transaction every write lands in a layer and the committed index is only replaced when the
// transaction merges.
package index

import "fmt"

// Kind discriminates the indexes of a collection.
type Kind uint8

const (
	// KindGlobal indexes every entity of the collection.
	KindGlobal Kind = iota + 1
	// KindReduced indexes the entities referencing one target entity through one reference.
	KindReduced
)

// Key identifies an index within its collection.
type Key struct {
	Kind      Kind
	Reference string
	Target    int
}

var GlobalKey = Key{Kind: KindGlobal}

func ReducedKey(reference string, target int) Key {
	return Key{Kind: KindReduced, Reference: reference, Target: target}
}

func (k Key) String() string {
	if k.Kind == KindGlobal {
		return "global"
	}
	return fmt.Sprintf("reduced(%s->%d)", k.Reference, k.Target)
}

type attributeValue struct {
	Attribute string
	Value     string
}
