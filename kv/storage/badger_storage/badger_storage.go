package badger_storage

import (
	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinycatalog/kv/config"
	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// BadgerStorage is the durable Storage, one badger instance holding every column family.
type BadgerStorage struct {
	conf *config.Config
	db   *badger.DB
}

func NewBadgerStorage(conf *config.Config) *BadgerStorage {
	return &BadgerStorage{conf: conf}
}

func (s *BadgerStorage) Start() error {
	db, err := engine_util.CreateDB(s.conf)
	if err != nil {
		return err
	}
	s.db = db
	log.Info("badger storage started", zap.String("path", s.conf.DBPath))
	return nil
}

func (s *BadgerStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.WithStack(err)
}

func (s *BadgerStorage) Write(batch []storage.Modify) error {
	wb := new(engine_util.WriteBatch)
	for _, m := range batch {
		switch data := m.Data.(type) {
		case storage.Put:
			wb.SetCF(data.Cf, data.Key, data.Value)
		case storage.Delete:
			wb.DeleteCF(data.Cf, data.Key)
		}
	}
	err := wb.WriteToDB(s.db)
	if errors.Cause(err) == badger.ErrConflict {
		return &storage.TransientError{Err: err}
	}
	return err
}

func (s *BadgerStorage) PutIfAbsent(cf string, key, value []byte) (bool, error) {
	ok, err := engine_util.PutCFIfAbsent(s.db, cf, key, value)
	if errors.Cause(err) == badger.ErrConflict {
		return false, &storage.TransientError{Err: err}
	}
	return ok, err
}

func (s *BadgerStorage) DeletePrefix(cf string, prefix []byte) (int, error) {
	n, err := engine_util.DeletePrefix(s.db, cf, prefix)
	if errors.Cause(err) == badger.ErrConflict {
		return n, &storage.TransientError{Err: err}
	}
	return n, err
}

func (s *BadgerStorage) Reader() (storage.StorageReader, error) {
	return &badgerReader{txn: s.db.NewTransaction(false)}, nil
}

// badgerReader reads through one read-only badger transaction, which pins a consistent snapshot.
type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) GetCF(cf string, key []byte) ([]byte, error) {
	val, err := engine_util.GetCFFromTxn(r.txn, cf, key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, errors.WithStack(err)
}

func (r *badgerReader) IterCF(cf string) engine_util.DBIterator {
	return engine_util.NewCFIterator(cf, r.txn)
}

func (r *badgerReader) Close() {
	r.txn.Discard()
}
