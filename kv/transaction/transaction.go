package transaction

import (
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
	"go.uber.org/atomic"
)

type State int

const (
	StateOpen State = iota
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled back"
	}
	return "open"
}

// Transaction is the handle of one write transaction against one catalog.
type Transaction struct {
	id           uuid.UUID
	catalog      string
	baseVersion  uint64
	memory       *txmem.Memory
	mutations    []model.Mutation
	rollbackOnly error
	state        State
	bound        *atomic.Bool
}

// New opens a transaction on version baseVersion of the named catalog.
func New(catalog string, baseVersion uint64) *Transaction {
	return &Transaction{
		id:          uuid.New(),
		catalog:     catalog,
		baseVersion: baseVersion,
		memory:      txmem.NewMemory(),
		bound:       atomic.NewBool(false),
	}
}

func (t *Transaction) ID() uuid.UUID {
	return t.id
}

func (t *Transaction) Catalog() string {
	return t.catalog
}

// BaseVersion is the catalog version the transaction reads from and builds upon.
func (t *Transaction) BaseVersion() uint64 {
	return t.baseVersion
}

// Memory returns the layers of the transaction, nil for a nil transaction.
func (t *Transaction) Memory() *txmem.Memory {
	if t == nil {
		return nil
	}
	return t.memory
}

// Bind marks the transaction as being driven by the caller until the returned release function is called. Nested
// calls must not bind again; they receive the already bound handle as a parameter.
func (t *Transaction) Bind() (func(), error) {
	if t == nil {
		return func() {}, nil
	}
	if t.state != StateOpen {
		return nil, model.NewInvalidMutationError("transaction %s is already %s", t.id, t.state)
	}
	if !t.bound.CAS(false, true) {
		return nil, model.NewInternalError("transaction %s is already bound to another caller", t.id)
	}
	return func() { t.bound.Store(false) }, nil
}

// RegisterMutation records a root mutation for the WAL.
func (t *Transaction) RegisterMutation(m model.Mutation) {
	t.mutations = append(t.mutations, m)
}

func (t *Transaction) Mutations() []model.Mutation {
	return t.mutations
}

// SetRollbackOnly dooms the transaction: closing it rolls back. The first cause wins.
func (t *Transaction) SetRollbackOnly(cause error) {
	if t.rollbackOnly == nil {
		t.rollbackOnly = cause
	}
}

func (t *Transaction) IsRollbackOnly() bool {
	return t.rollbackOnly != nil
}

// RollbackCause returns the error that made the transaction rollback-only.
func (t *Transaction) RollbackCause() error {
	return t.rollbackOnly
}

func (t *Transaction) State() State {
	return t.state
}

// IsEmpty reports a transaction that changed nothing.
func (t *Transaction) IsEmpty() bool {
	return len(t.mutations) == 0 && t.memory.Len() == 0
}

// MarkCommitted closes the transaction after the catalog published it and runs the commit hooks.
func (t *Transaction) MarkCommitted() {
	t.state = StateCommitted
	t.memory.Committed()
}

// Rollback discards every layer. It is a no-op on a closed transaction.
func (t *Transaction) Rollback() {
	if t.state != StateOpen {
		return
	}
	t.state = StateRolledBack
	t.memory.Discard()
}
