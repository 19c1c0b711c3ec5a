package storage

import (
	"github.com/pingcap-incubator/tinycatalog/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// Storage is the ordered key/value engine catalogs persist into. Keys live in column families (see engine_util),
// a batch passed to Write is applied atomically and a Reader observes a consistent snapshot.
type Storage interface {
	Start() error
	Stop() error
	Write(batch []Modify) error
	Reader() (StorageReader, error)
	// PutIfAbsent writes value only when key does not exist yet and reports whether it was written.
	PutIfAbsent(cf string, key, value []byte) (bool, error)
	// DeletePrefix removes every key of cf starting with prefix and returns how many were removed.
	DeletePrefix(cf string, prefix []byte) (int, error)
}

type StorageReader interface {
	// GetCF returns nil, nil when the key does not exist.
	GetCF(cf string, key []byte) ([]byte, error)
	IterCF(cf string) engine_util.DBIterator
	Close()
}

// TransientError marks a failure worth retrying, such as a write conflict inside the engine.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient storage error: " + e.Err.Error()
}

func IsTransient(err error) bool {
	_, ok := errors.Cause(err).(*TransientError)
	return ok
}
