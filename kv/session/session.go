// Package session implements sessions pinned to one catalog version and the tracker of the versions they read.
package session

import (
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/catalog"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/mutation"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction"
	"go.uber.org/atomic"
)

type Flags uint8

const (
	ReadWrite Flags = 1 << iota
	// DryRun sessions roll their transaction back on close.
	DryRun
)

// Finisher ends sessions: it commits or rolls back their transaction and releases the version they read.
type Finisher interface {
	Finish(s *Session) error
}

// Session reads one version of a catalog. A read-write session writes through its own transaction on that version,
// or directly into a catalog that is still warming up.
type Session struct {
	id       uuid.UUID
	catalog  *catalog.Catalog
	flags    Flags
	tx       *transaction.Transaction
	closed   *atomic.Bool
	finisher Finisher
}

// New opens a session on c. Read-write sessions on alive catalogs get a transaction.
func New(c *catalog.Catalog, flags Flags, finisher Finisher) *Session {
	s := &Session{
		id:       uuid.New(),
		catalog:  c,
		flags:    flags,
		closed:   atomic.NewBool(false),
		finisher: finisher,
	}
	if flags&ReadWrite != 0 && c.State() == model.CatalogAlive {
		s.tx = transaction.New(c.Name(), c.Version())
	}
	return s
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) CatalogName() string {
	return s.catalog.Name()
}

// Catalog is the version the session is pinned to.
func (s *Session) Catalog() *catalog.Catalog {
	return s.catalog
}

func (s *Session) Version() uint64 {
	return s.catalog.Version()
}

func (s *Session) ReadWrite() bool {
	return s.flags&ReadWrite != 0
}

func (s *Session) DryRun() bool {
	return s.flags&DryRun != 0
}

// Transaction is nil for read-only sessions and for sessions on warming up catalogs.
func (s *Session) Transaction() *transaction.Transaction {
	return s.tx
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}

func (s *Session) checkOpen() error {
	if s.closed.Load() {
		return model.NewInvalidMutationError("session %s is closed", s.id)
	}
	return nil
}

func (s *Session) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.ReadWrite() {
		return model.NewReadOnlySessionError()
	}
	return nil
}

func (s *Session) EntityTypes() ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.catalog.EntityTypes(s.tx.Memory()), nil
}

// GetEntity returns nil when the entity does not exist.
func (s *Session) GetEntity(entityType string, pk int) (*model.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.catalog.GetEntity(s.tx, entityType, pk)
}

func (s *Session) Count(entityType string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	coll, ok := s.catalog.Collection(s.tx.Memory(), entityType)
	if !ok {
		return 0, model.NewCollectionNotFoundError(entityType)
	}
	return coll.Size(s.tx.Memory()), nil
}

// Filter returns the primary keys of entities whose filterable attribute holds value.
func (s *Session) Filter(entityType, attribute, value string) ([]int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	coll, ok := s.catalog.Collection(s.tx.Memory(), entityType)
	if !ok {
		return nil, model.NewCollectionNotFoundError(entityType)
	}
	return coll.Filter(s.tx.Memory(), attribute, value), nil
}

// UniqueLookup finds the entity holding a unique attribute value.
func (s *Session) UniqueLookup(entityType, attribute, value string) (int, bool, error) {
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}
	coll, ok := s.catalog.Collection(s.tx.Memory(), entityType)
	if !ok {
		return 0, false, model.NewCollectionNotFoundError(entityType)
	}
	pk, found := coll.UniqueLookup(s.tx.Memory(), attribute, value)
	return pk, found, nil
}

// Upsert applies m with every implicit mutation and consistency checks, shaping the result as asked.
func (s *Session) Upsert(m model.EntityUpsertMutation, result mutation.ResultKind) (mutation.Result, error) {
	return s.apply(m, result)
}

// Remove deletes an entity and returns its last body.
func (s *Session) Remove(entityType string, pk int) (*model.Entity, error) {
	res, err := s.apply(model.NewEntityRemove(entityType, pk), mutation.ResultEntity)
	return res.Entity, err
}

func (s *Session) apply(m model.EntityMutation, result mutation.ResultKind) (mutation.Result, error) {
	if err := s.checkWritable(); err != nil {
		return mutation.Result{}, err
	}
	return s.catalog.ApplyMutation(s.tx, mutation.Request{
		Mutation: m,
		Options:  mutation.Options{Implicit: mutation.ImplicitAll, CheckConsistency: true},
		Result:   result,
	})
}

func (s *Session) UpdateSchema(mutations ...model.CatalogSchemaMutation) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	return s.catalog.UpdateSchema(s.tx, mutations...)
}

// Close finishes the session once. Closing a read-write session commits its transaction unless it is a dry run.
func (s *Session) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}
	return s.finisher.Finish(s)
}
