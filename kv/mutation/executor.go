// Package mutation applies entity mutations through the executors of the collections they target. One call of
// Pipeline.Execute is atomic: the root mutation and every implicit mutation it cascades into other collections
// either all take effect in the transaction or none does.
package mutation

import (
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction"
)

// Executor applies the local mutations of one entity to one concern of a collection. Effects stay private to the
// executor, or are undoable, until Commit.
type Executor interface {
	ApplyMutation(lm model.LocalMutation) error
	Commit() error
	// Rollback undoes everything the executor did, including a Commit that already happened.
	Rollback() error
}

// ImplicitMode selects the implicit mutations generated after the local ones were applied.
type ImplicitMode uint8

const (
	// ImplicitLocal mutations change the same entity, such as default attribute values.
	ImplicitLocal ImplicitMode = 1 << iota
	// ImplicitExternal mutations change other entities, such as the reflection of a reference.
	ImplicitExternal

	ImplicitNone ImplicitMode = 0
	ImplicitAll               = ImplicitLocal | ImplicitExternal
)

func (m ImplicitMode) Has(o ImplicitMode) bool {
	return m&o == o
}

// Implicit holds the mutations derived from the applied ones.
type Implicit struct {
	Local    []model.LocalMutation
	External []model.EntityMutation
}

// StorageExecutor maintains the stored parts of one entity.
type StorageExecutor interface {
	Executor
	// Entity returns the entity as it looks with the mutations applied so far.
	Entity() *model.Entity
	ImplicitMutations(mode ImplicitMode) (Implicit, error)
	VerifyConsistency() error
}

// Executors are the executors of one entity, applied in lockstep: index first, then storage.
type Executors struct {
	Index   Executor
	Storage StorageExecutor
}

// Options are passed unchanged from the root mutation to its cascades.
type Options struct {
	Implicit         ImplicitMode
	CheckConsistency bool
	// Replay applies mutations read back from the WAL, whose primary keys were assigned by the original run.
	Replay bool
}

// Target is an entity collection as seen from one catalog version.
type Target interface {
	EntityType() string
	// NewExecutors prepares the executors of the entity addressed by m, assigning a primary key when m carries
	// none. The returned mutation carries the key.
	NewExecutors(tx *transaction.Transaction, m model.EntityMutation, opts Options) (model.EntityMutation, Executors, error)
	GetEntity(tx *transaction.Transaction, pk int) (*model.Entity, error)
}

// Resolver finds the target of an implicit mutation.
type Resolver interface {
	Target(tx *transaction.Transaction, entityType string) (Target, error)
}
