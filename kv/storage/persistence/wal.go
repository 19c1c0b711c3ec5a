package persistence

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// WalRecord is one committed transaction. Only root mutations are logged, replaying them regenerates the implicit
// ones.
type WalRecord struct {
	Version       uint64            `json:"version"`
	TransactionID uuid.UUID         `json:"transactionId"`
	CommitTime    time.Time         `json:"commitTime"`
	Payload       []json.RawMessage `json:"mutations"`
}

// Mutations decodes the logged mutations.
func (r *WalRecord) Mutations() ([]model.Mutation, error) {
	out := make([]model.Mutation, 0, len(r.Payload))
	for i, raw := range r.Payload {
		m, err := model.DecodeMutation(raw)
		if err != nil {
			return nil, errors.Annotatef(err, "mutation %d of WAL record %d", i, r.Version)
		}
		out = append(out, m)
	}
	return out, nil
}

// NewWalRecord encodes mutations for the transaction committing version.
func NewWalRecord(version uint64, txID uuid.UUID, mutations []model.Mutation) (*WalRecord, error) {
	r := &WalRecord{Version: version, TransactionID: txID, CommitTime: time.Now()}
	for _, m := range mutations {
		data, err := model.EncodeMutation(m)
		if err != nil {
			return nil, err
		}
		r.Payload = append(r.Payload, data)
	}
	return r, nil
}

// AppendWal durably logs the record and returns the number of bytes written. A record already present for the
// same version means another transaction committed it first.
func (p *CatalogPersistence) AppendWal(r *WalRecord) (int, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var written bool
	err = p.retrying(func() error {
		var err error
		written, err = p.store.PutIfAbsent(engine_util.CfWal, walKey(p.catalogID, r.Version), data)
		return err
	})
	if err != nil {
		return 0, errors.Annotatef(err, "append WAL record %d of catalog %s", r.Version, p.Name())
	}
	if !written {
		return 0, model.NewConcurrencyError("catalog `%s` already has a WAL record for version %d", p.Name(), r.Version)
	}
	walBytesCounter.Add(float64(len(data)))
	log.Debug("WAL record appended", zap.String("catalog", p.Name()), zap.Uint64("version", r.Version),
		zap.Int("mutations", len(r.Payload)), zap.Int("bytes", len(data)))
	return len(data), nil
}

// FirstNonProcessedTransaction returns the first record logged after version, nil when there is none.
func (p *CatalogPersistence) FirstNonProcessedTransaction(version uint64) (*WalRecord, error) {
	var first *WalRecord
	err := p.CommittedMutations(version+1, func(r *WalRecord) error {
		first = r
		return errStop
	})
	if err == errStop {
		err = nil
	}
	return first, err
}

var errStop = errors.New("stop")

// CommittedMutations streams the WAL records from version fromVersion on, in version order, until fn fails.
func (p *CatalogPersistence) CommittedMutations(fromVersion uint64, fn func(*WalRecord) error) error {
	reader, err := p.store.Reader()
	if err != nil {
		return err
	}
	defer reader.Close()
	return scanWal(reader, p.catalogID, fromVersion, fn)
}

func scanWal(reader storage.StorageReader, catalogID uuid.UUID, fromVersion uint64, fn func(*WalRecord) error) error {
	it := reader.IterCF(engine_util.CfWal)
	defer it.Close()
	for it.Seek(walKey(catalogID, fromVersion)); it.Valid(); it.Next() {
		item := it.Item()
		if !bytes.HasPrefix(item.Key(), catalogID[:]) {
			break
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return errors.WithStack(err)
		}
		r := new(WalRecord)
		if err := json.Unmarshal(data, r); err != nil {
			return errors.Annotatef(err, "decode WAL record under key %x", item.Key())
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}
