package mutation

import (
	"fmt"
	"testing"

	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	ops []string
}

func (j *journal) add(format string, args ...interface{}) {
	j.ops = append(j.ops, fmt.Sprintf(format, args...))
}

type fakeExecutor struct {
	name        string
	j           *journal
	applyErr    error
	commitErr   error
	rollbackErr error
}

func (e *fakeExecutor) ApplyMutation(lm model.LocalMutation) error {
	e.j.add("%s apply %s", e.name, lm.Kind())
	return e.applyErr
}

func (e *fakeExecutor) Commit() error {
	e.j.add("%s commit", e.name)
	return e.commitErr
}

func (e *fakeExecutor) Rollback() error {
	e.j.add("%s rollback", e.name)
	return e.rollbackErr
}

type fakeStorage struct {
	fakeExecutor
	entity      *model.Entity
	implicit    Implicit
	consistency error
}

func (s *fakeStorage) Entity() *model.Entity {
	return s.entity
}

func (s *fakeStorage) ImplicitMutations(mode ImplicitMode) (Implicit, error) {
	out := Implicit{}
	if mode.Has(ImplicitLocal) {
		out.Local = s.implicit.Local
	}
	if mode.Has(ImplicitExternal) {
		out.External = s.implicit.External
	}
	return out, nil
}

func (s *fakeStorage) VerifyConsistency() error {
	s.j.add("%s verify", s.name)
	return s.consistency
}

// fakeTarget hands out journaling executors; behaviour is configured per primary key.
type fakeTarget struct {
	entityType  string
	j           *journal
	nextPK      int
	entities    map[int]*model.Entity
	implicit    map[int]Implicit
	applyErr    map[int]error
	commitErr   map[int]error
	rollbackErr map[int]error
	consistency map[int]error
}

func newFakeTarget(entityType string, j *journal) *fakeTarget {
	return &fakeTarget{
		entityType:  entityType,
		j:           j,
		nextPK:      100,
		entities:    make(map[int]*model.Entity),
		implicit:    make(map[int]Implicit),
		applyErr:    make(map[int]error),
		commitErr:   make(map[int]error),
		rollbackErr: make(map[int]error),
		consistency: make(map[int]error),
	}
}

func (t *fakeTarget) EntityType() string {
	return t.entityType
}

func (t *fakeTarget) NewExecutors(_ *transaction.Transaction, m model.EntityMutation, _ Options) (model.EntityMutation, Executors, error) {
	pk, ok := m.PrimaryKey()
	if !ok {
		t.nextPK++
		pk = t.nextPK
		m = m.(model.EntityUpsertMutation).WithPrimaryKey(pk)
	}
	name := fmt.Sprintf("%s#%d", t.entityType, pk)
	entity := t.entities[pk]
	if entity == nil {
		entity = model.NewEntity(t.entityType, pk)
	}
	storage := &fakeStorage{
		fakeExecutor: fakeExecutor{name: name + "/storage", j: t.j, commitErr: t.commitErr[pk], rollbackErr: t.rollbackErr[pk]},
		entity:       entity,
		implicit:     t.implicit[pk],
		consistency:  t.consistency[pk],
	}
	idx := &fakeExecutor{name: name + "/index", j: t.j, applyErr: t.applyErr[pk]}
	return m, Executors{Index: idx, Storage: storage}, nil
}

func (t *fakeTarget) GetEntity(_ *transaction.Transaction, pk int) (*model.Entity, error) {
	return t.entities[pk], nil
}

type fakeResolver map[string]*fakeTarget

func (r fakeResolver) Target(_ *transaction.Transaction, entityType string) (Target, error) {
	t, ok := r[entityType]
	if !ok {
		return nil, model.NewCollectionNotFoundError(entityType)
	}
	return t, nil
}

func reflect(entityType string, pk int, name string, target int) model.EntityMutation {
	return model.NewEntityUpsert(entityType, pk, model.MustExist, model.InsertReferenceMutation{Name: name, Target: target})
}

func setup() (*journal, *fakeTarget, *fakeTarget, *Pipeline) {
	j := new(journal)
	product := newFakeTarget("product", j)
	brand := newFakeTarget("brand", j)
	return j, product, brand, NewPipeline(fakeResolver{"product": product, "brand": brand}, nil)
}

func TestLockstepOrderAndCommit(t *testing.T) {
	j, product, _, p := setup()
	tx := transaction.New("shop", 1)
	m := model.NewEntityUpsert("product", 1, model.MayExist,
		model.UpsertAttributeMutation{Name: "code", Value: "A"},
		model.InsertReferenceMutation{Name: "brand", Target: 7})
	product.implicit[1] = Implicit{External: []model.EntityMutation{reflect("brand", 7, "products", 1)}}

	res, err := p.Execute(tx, product, Request{Mutation: m, Options: Options{Implicit: ImplicitAll, CheckConsistency: true}})
	require.Nil(t, err)
	assert.Equal(t, model.EntityReference{Type: "product", PrimaryKey: 1}, res.Reference)
	assert.Nil(t, res.Entity)
	assert.Equal(t, []string{
		"product#1/index apply upsertAttribute",
		"product#1/storage apply upsertAttribute",
		"product#1/index apply insertReference",
		"product#1/storage apply insertReference",
		"brand#7/index apply insertReference",
		"brand#7/storage apply insertReference",
		"brand#7/storage verify",
		"product#1/storage verify",
		"product#1/index commit",
		"product#1/storage commit",
		"brand#7/index commit",
		"brand#7/storage commit",
	}, j.ops)
	// Only the root reaches the WAL.
	assert.Equal(t, []model.Mutation{m}, tx.Mutations())
}

func TestGeneratedKeyIsRegistered(t *testing.T) {
	_, product, _, p := setup()
	tx := transaction.New("shop", 1)
	product.entities[101] = model.NewEntity("product", 101)
	res, err := p.Execute(tx, product, Request{
		Mutation: model.NewEntityUpsert("product", 0, model.MustNotExist),
		Result:   ResultEntity,
	})
	require.Nil(t, err)
	assert.Equal(t, 101, res.Reference.PrimaryKey)
	assert.Equal(t, product.entities[101], res.Entity)
	registered := tx.Mutations()[0].(model.EntityUpsertMutation)
	assert.Equal(t, 101, registered.PK)
}

func TestFailingCascadeRollsEverythingBack(t *testing.T) {
	j, product, brand, p := setup()
	tx := transaction.New("shop", 1)
	product.implicit[1] = Implicit{External: []model.EntityMutation{
		reflect("brand", 7, "products", 1),
		reflect("brand", 8, "products", 1),
	}}
	brand.consistency[8] = model.NewReferentialIntegrityError(model.EntityReference{Type: "brand", PrimaryKey: 8}, "broken")

	_, err := p.Execute(tx, product, Request{
		Mutation: model.NewEntityUpsert("product", 1, model.MayExist),
		Options:  Options{Implicit: ImplicitAll, CheckConsistency: true},
	})
	require.NotNil(t, err)
	assert.Equal(t, model.ClassConsistency, model.ClassOf(err))
	assert.True(t, tx.IsRollbackOnly())
	assert.Empty(t, tx.Mutations())
	assert.NotContains(t, j.ops, "product#1/index commit")
	n := len(j.ops)
	assert.Equal(t, []string{
		"brand#8/storage rollback",
		"brand#8/index rollback",
		"brand#7/storage rollback",
		"brand#7/index rollback",
		"product#1/storage rollback",
		"product#1/index rollback",
	}, j.ops[n-6:])
}

func TestValidationErrorKeepsTransactionUsable(t *testing.T) {
	_, product, _, p := setup()
	tx := transaction.New("shop", 1)
	product.applyErr[1] = model.NewInvalidMutationError("attribute `x` is unknown")
	_, err := p.Execute(tx, product, Request{
		Mutation: model.NewEntityUpsert("product", 1, model.MayExist, model.UpsertAttributeMutation{Name: "x", Value: "1"}),
	})
	assert.Equal(t, model.ClassValidation, model.ClassOf(err))
	assert.False(t, tx.IsRollbackOnly())

	_, err = p.Execute(tx, product, Request{Mutation: model.NewEntityUpsert("product", 2, model.MayExist)})
	require.Nil(t, err)
	assert.Len(t, tx.Mutations(), 1)
}

func TestCommitFailureIsFatal(t *testing.T) {
	j, product, brand, p := setup()
	tx := transaction.New("shop", 1)
	product.implicit[1] = Implicit{External: []model.EntityMutation{reflect("brand", 7, "products", 1)}}
	brand.commitErr[7] = errors.New("disk on fire")
	product.rollbackErr[1] = errors.New("cannot undo")

	_, err := p.Execute(tx, product, Request{
		Mutation: model.NewEntityUpsert("product", 1, model.MayExist),
		Options:  Options{Implicit: ImplicitExternal},
	})
	require.NotNil(t, err)
	assert.Equal(t, model.ClassCommit, model.ClassOf(err))
	assert.True(t, model.IsFatal(err))
	fatal := errors.Cause(err).(*model.TransactionFatalError)
	assert.Equal(t, "disk on fire", fatal.Cause.Error())
	require.Len(t, fatal.Suppressed, 1)
	assert.Equal(t, "cannot undo", fatal.Suppressed[0].Error())
	assert.True(t, tx.IsRollbackOnly())
	assert.Contains(t, j.ops, "product#1/storage rollback")
	assert.Contains(t, j.ops, "brand#7/storage rollback")
}

func TestReflectionDoesNotBounceBack(t *testing.T) {
	j, product, brand, p := setup()
	tx := transaction.New("shop", 1)
	product.implicit[1] = Implicit{External: []model.EntityMutation{reflect("brand", 7, "products", 1)}}
	brand.implicit[7] = Implicit{External: []model.EntityMutation{reflect("product", 1, "brand", 7)}}
	_, err := p.Execute(tx, product, Request{
		Mutation: model.NewEntityUpsert("product", 1, model.MayExist),
		Options:  Options{Implicit: ImplicitAll},
	})
	require.Nil(t, err)
	count := 0
	for _, op := range j.ops {
		if op == "product#1/index commit" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRemovalDerivesLocalMutations(t *testing.T) {
	j, product, _, p := setup()
	e := model.NewEntity("product", 3)
	e.Attributes["code"] = "A"
	e.References = []model.Reference{{Name: "brand", TargetPrimaryKey: 7}}
	product.entities[3] = e
	_, err := p.Execute(nil, product, Request{Mutation: model.NewEntityRemove("product", 3)})
	require.Nil(t, err)
	assert.Equal(t, []string{
		"product#3/index apply removeReference",
		"product#3/storage apply removeReference",
		"product#3/index apply removeAttribute",
		"product#3/storage apply removeAttribute",
		"product#3/index commit",
		"product#3/storage commit",
	}, j.ops)
}

func TestUnknownCascadeTarget(t *testing.T) {
	_, product, _, p := setup()
	tx := transaction.New("shop", 1)
	product.implicit[1] = Implicit{External: []model.EntityMutation{reflect("category", 7, "products", 1)}}
	_, err := p.Execute(tx, product, Request{
		Mutation: model.NewEntityUpsert("product", 1, model.MayExist),
		Options:  Options{Implicit: ImplicitAll},
	})
	assert.Equal(t, model.ClassValidation, model.ClassOf(err))
}

func TestBoundTransactionIsRejected(t *testing.T) {
	_, product, _, p := setup()
	tx := transaction.New("shop", 1)
	release, err := tx.Bind()
	require.Nil(t, err)
	_, err = p.Execute(tx, product, Request{Mutation: model.NewEntityUpsert("product", 1, model.MayExist)})
	assert.Equal(t, model.ClassInternal, model.ClassOf(err))
	release()
}
