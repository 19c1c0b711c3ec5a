package mutation

import (
	"time"

	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction"
	"go.uber.org/multierr"
)

// ResultKind selects what Execute returns.
type ResultKind uint8

const (
	ResultNone ResultKind = iota
	ResultReference
	ResultEntity
)

type Request struct {
	Mutation model.EntityMutation
	Options  Options
	Result   ResultKind
}

type Result struct {
	Reference model.EntityReference
	// Entity is the body re-read through the transaction, nil unless ResultEntity was asked for or the entity was
	// removed.
	Entity *model.Entity
}

// Pipeline drives entity mutations through their executors.
type Pipeline struct {
	resolver Resolver
	traffic  TrafficRecorder
}

func NewPipeline(resolver Resolver, traffic TrafficRecorder) *Pipeline {
	if traffic == nil {
		traffic = NopRecorder{}
	}
	return &Pipeline{resolver: resolver, traffic: traffic}
}

// applied is one entity mutation applied at some nesting level.
type applied struct {
	mutation  model.EntityMutation
	executors Executors
	level     int
}

// run accumulates the executors of one Execute call in registration order.
type run struct {
	applied []applied
}

func (r *run) executors() []Executor {
	out := make([]Executor, 0, 2*len(r.applied))
	for _, a := range r.applied {
		out = append(out, a.executors.Index, a.executors.Storage)
	}
	return out
}

// Execute applies req.Mutation to target. A nil transaction applies it directly, which is only allowed while the
// catalog is warming up. Validation errors are returned as they are; consistency and fatal errors also doom the
// transaction.
func (p *Pipeline) Execute(tx *transaction.Transaction, target Target, req Request) (Result, error) {
	release, err := tx.Bind()
	if err != nil {
		return Result{}, err
	}
	defer release()

	start := time.Now()
	r := new(run)
	root, err := p.apply(tx, r, target, req.Mutation, req.Options, 0, nil)
	if err != nil {
		err = p.rollback(r, err)
		p.doom(tx, err)
		mutationCounter.WithLabelValues(string(req.Mutation.MutationKind()), "failed").Inc()
		return Result{}, err
	}
	if err := p.commit(r); err != nil {
		p.doom(tx, err)
		mutationCounter.WithLabelValues(string(req.Mutation.MutationKind()), "failed").Inc()
		return Result{}, err
	}
	if tx != nil {
		tx.RegisterMutation(root)
	}
	for _, a := range r.applied {
		origin := "root"
		if a.level > 0 {
			origin = "implicit"
		}
		mutationCounter.WithLabelValues(string(a.mutation.MutationKind()), origin).Inc()
	}
	pipelineHistogram.Observe(time.Since(start).Seconds())
	if !req.Options.Replay {
		p.traffic.Record(tx, root, len(r.applied)-1)
	}
	return p.shape(tx, target, root, req.Result)
}

// apply is one level of the recursion: the local mutations of m, then its implicit mutations, then the
// consistency check. parent is the entity whose implicit mutation m is.
func (p *Pipeline) apply(tx *transaction.Transaction, r *run, target Target, m model.EntityMutation, opts Options,
	level int, parent *model.EntityReference) (model.EntityMutation, error) {
	m, ex, err := target.NewExecutors(tx, m, opts)
	if err != nil {
		return nil, err
	}
	r.applied = append(r.applied, applied{mutation: m, executors: ex, level: level})

	locals := m.LocalMutations()
	if _, removal := m.(model.EntityRemoveMutation); removal {
		locals = model.RemovalMutations(ex.Storage.Entity())
	}
	if err := applyLocal(ex, locals); err != nil {
		return nil, err
	}

	if opts.Implicit != ImplicitNone {
		implicit, err := ex.Storage.ImplicitMutations(opts.Implicit)
		if err != nil {
			return nil, err
		}
		if err := applyLocal(ex, implicit.Local); err != nil {
			return nil, err
		}
		pk, _ := m.PrimaryKey()
		self := model.EntityReference{Type: m.EntityType(), PrimaryKey: pk}
		for _, external := range implicit.External {
			extPK, _ := external.PrimaryKey()
			// The parent already applies the change that would be reflected back to it.
			if parent != nil && *parent == (model.EntityReference{Type: external.EntityType(), PrimaryKey: extPK}) {
				continue
			}
			next, err := p.resolver.Target(tx, external.EntityType())
			if err != nil {
				return nil, err
			}
			if _, err := p.apply(tx, r, next, external, opts, level+1, &self); err != nil {
				return nil, err
			}
		}
	}

	if opts.CheckConsistency {
		if err := ex.Storage.VerifyConsistency(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func applyLocal(ex Executors, locals []model.LocalMutation) error {
	for _, lm := range locals {
		if err := ex.Index.ApplyMutation(lm); err != nil {
			return err
		}
		if err := ex.Storage.ApplyMutation(lm); err != nil {
			return err
		}
	}
	return nil
}

// commit commits every executor in registration order. A failing commit rolls every executor back, committed
// ones included, and is fatal to the transaction.
func (p *Pipeline) commit(r *run) error {
	for _, ex := range r.executors() {
		if err := ex.Commit(); err != nil {
			var suppressed []error
			if rbErr := rollbackAll(r); rbErr != nil {
				suppressed = multierr.Errors(rbErr)
			}
			return model.NewTransactionFatalError(err, suppressed...)
		}
	}
	return nil
}

// rollback undoes the run and returns cause. Rollback failures are attached to cause as suppressed errors, which
// makes the failure fatal.
func (p *Pipeline) rollback(r *run, cause error) error {
	rbErr := rollbackAll(r)
	if rbErr == nil {
		return cause
	}
	return model.NewTransactionFatalError(cause, multierr.Errors(rbErr)...)
}

// rollbackAll rolls executors back in reverse registration order and keeps going past failures.
func rollbackAll(r *run) error {
	var err error
	executors := r.executors()
	for i := len(executors) - 1; i >= 0; i-- {
		err = multierr.Append(err, executors[i].Rollback())
	}
	return err
}

func (p *Pipeline) doom(tx *transaction.Transaction, err error) {
	if tx == nil {
		return
	}
	switch model.ClassOf(err) {
	case model.ClassValidation:
	default:
		tx.SetRollbackOnly(err)
	}
}

func (p *Pipeline) shape(tx *transaction.Transaction, target Target, m model.EntityMutation, kind ResultKind) (Result, error) {
	pk, _ := m.PrimaryKey()
	res := Result{Reference: model.EntityReference{Type: m.EntityType(), PrimaryKey: pk}}
	if kind != ResultEntity {
		return res, nil
	}
	e, err := target.GetEntity(tx, pk)
	if err != nil {
		return Result{}, err
	}
	res.Entity = e
	return res, nil
}
