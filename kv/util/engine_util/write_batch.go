package engine_util

import (
	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

const (
	// CfParts holds versioned storage parts of every catalog.
	CfParts string = "parts"
	// CfWal holds the per catalog write-ahead log.
	CfWal string = "wal"
	// CfMeta holds catalog headers.
	CfMeta string = "meta"
	// CfEngineWal holds the log of structural engine operations.
	CfEngineWal string = "engine_wal"
)

var CFs = [4]string{CfParts, CfWal, CfMeta, CfEngineWal}

type batchEntry struct {
	key    []byte
	value  []byte
	delete bool
}

// WriteBatch collects puts and deletes that are written to badger in a single transaction.
type WriteBatch struct {
	entries []batchEntry
}

func (wb *WriteBatch) SetCF(cf string, key, val []byte) {
	wb.entries = append(wb.entries, batchEntry{key: KeyWithCF(cf, key), value: val})
}

func (wb *WriteBatch) DeleteCF(cf string, key []byte) {
	wb.entries = append(wb.entries, batchEntry{key: KeyWithCF(cf, key), delete: true})
}

func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if len(wb.entries) == 0 {
		return nil
	}
	err := db.Update(func(txn *badger.Txn) error {
		for _, e := range wb.entries {
			var err1 error
			if e.delete {
				err1 = txn.Delete(e.key)
			} else {
				err1 = txn.Set(e.key, e.value)
			}
			if err1 != nil {
				return err1
			}
		}
		return nil
	})
	return errors.WithStack(err)
}
