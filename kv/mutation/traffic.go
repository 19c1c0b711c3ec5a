package mutation

import (
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// TrafficRecorder observes root mutations once they were applied. Implicit mutations are never recorded on their
// own, implicit is the number of cascades the root caused.
type TrafficRecorder interface {
	Record(tx *transaction.Transaction, m model.EntityMutation, implicit int)
}

type NopRecorder struct{}

func (NopRecorder) Record(*transaction.Transaction, model.EntityMutation, int) {}

// LogRecorder writes every root mutation to the log.
type LogRecorder struct{}

func (LogRecorder) Record(tx *transaction.Transaction, m model.EntityMutation, implicit int) {
	pk, _ := m.PrimaryKey()
	fields := []zap.Field{
		zap.String("kind", string(m.MutationKind())),
		zap.String("entityType", m.EntityType()),
		zap.Int("pk", pk),
		zap.Int("localMutations", len(m.LocalMutations())),
		zap.Int("implicit", implicit),
	}
	if tx != nil {
		fields = append(fields, zap.String("catalog", tx.Catalog()), zap.Stringer("tx", tx.ID()))
	}
	log.Info("mutation", fields...)
}
