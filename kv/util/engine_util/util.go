package engine_util

import (
	"bytes"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

// KeyWithCF emulates column families on top of badger by prefixing keys with "cf_".
func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	val, err = item.ValueCopy(val)
	return
}

// PutCFIfAbsent writes val only when key is not present yet and reports whether it did.
func PutCFIfAbsent(db *badger.DB, cf string, key []byte, val []byte) (bool, error) {
	written := false
	err := db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(KeyWithCF(cf, key))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		written = true
		return txn.Set(KeyWithCF(cf, key), val)
	})
	if err != nil {
		return false, errors.WithStack(err)
	}
	return written, nil
}

// deleteChunk bounds the keys removed by one badger transaction.
const deleteChunk = 1024

// DeletePrefix removes every key of cf starting with prefix and returns how many were removed.
func DeletePrefix(db *badger.DB, cf string, prefix []byte) (int, error) {
	var keys [][]byte
	err := db.View(func(txn *badger.Txn) error {
		it := NewCFIterator(cf, txn)
		defer it.Close()
		for it.Seek(prefix); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if !bytes.HasPrefix(key, prefix) {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	for start := 0; start < len(keys); start += deleteChunk {
		end := start + deleteChunk
		if end > len(keys) {
			end = len(keys)
		}
		batch := new(WriteBatch)
		for _, key := range keys[start:end] {
			batch.DeleteCF(cf, key)
		}
		if err := batch.WriteToDB(db); err != nil {
			return start, err
		}
	}
	return len(keys), nil
}
