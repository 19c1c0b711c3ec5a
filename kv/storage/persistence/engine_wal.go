package persistence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/util/codec"
	"github.com/pingcap-incubator/tinycatalog/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// EngineOp is a structural operation on the set of catalogs.
type EngineOp string

const (
	OpCreateCatalog  EngineOp = "createCatalog"
	OpRenameCatalog  EngineOp = "renameCatalog"
	OpReplaceCatalog EngineOp = "replaceCatalog"
	OpRemoveCatalog  EngineOp = "removeCatalog"
	OpGoLive         EngineOp = "goLive"
)

type EngineWalRecord struct {
	Seq     uint64    `json:"seq"`
	Op      EngineOp  `json:"op"`
	Catalog string    `json:"catalog"`
	Target  string    `json:"target,omitempty"`
	Time    time.Time `json:"time"`
}

// EngineWal logs structural operations before they are applied. It is independent of the catalog WALs.
type EngineWal struct {
	store storage.Storage
	mu    sync.Mutex
	seq   uint64
}

// OpenEngineWal positions the log after its last stored record.
func OpenEngineWal(store storage.Storage) (*EngineWal, error) {
	w := &EngineWal{store: store}
	err := ReadEngineWal(store, 0, func(r *EngineWalRecord) error {
		w.seq = r.Seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (w *EngineWal) Append(op EngineOp, catalog, target string) (*EngineWalRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := &EngineWalRecord{Seq: w.seq + 1, Op: op, Catalog: catalog, Target: target, Time: time.Now()}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	written, err := w.store.PutIfAbsent(engine_util.CfEngineWal, codec.PutUint64(nil, r.Seq), data)
	if err != nil {
		return nil, errors.Annotatef(err, "append engine WAL record %d", r.Seq)
	}
	if !written {
		return nil, errors.Errorf("engine WAL record %d already exists, is another engine using the same storage?", r.Seq)
	}
	w.seq = r.Seq
	return r, nil
}

// LastSeq is the sequence number of the last appended record.
func (w *EngineWal) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ReadEngineWal streams the engine WAL from sequence number from on.
func ReadEngineWal(store storage.Storage, from uint64, fn func(*EngineWalRecord) error) error {
	reader, err := store.Reader()
	if err != nil {
		return err
	}
	defer reader.Close()
	it := reader.IterCF(engine_util.CfEngineWal)
	defer it.Close()
	for it.Seek(codec.PutUint64(nil, from)); it.Valid(); it.Next() {
		data, err := it.Item().ValueCopy(nil)
		if err != nil {
			return errors.WithStack(err)
		}
		r := new(EngineWalRecord)
		if err := json.Unmarshal(data, r); err != nil {
			return errors.Annotatef(err, "decode engine WAL record %x", it.Item().Key())
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// ReadWal streams the WAL of the catalog stored under name, used by tooling that has no open catalog.
func ReadWal(store storage.Storage, name string, fromVersion uint64, fn func(*WalRecord) error) error {
	h, err := ReadHeader(store, name)
	if err != nil {
		return err
	}
	if h == nil {
		return errors.Errorf("catalog %s is not stored", name)
	}
	reader, err := store.Reader()
	if err != nil {
		return err
	}
	defer reader.Close()
	return scanWal(reader, h.CatalogID, fromVersion, fn)
}
