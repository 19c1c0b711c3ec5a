package engine_util

import (
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinycatalog/kv/config"
	"github.com/pingcap/errors"
)

// CreateDB opens (creating when missing) the badger database under conf.DBPath.
func CreateDB(conf *config.Config) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.Dir = conf.DBPath
	opts.ValueDir = conf.DBPath
	opts.ValueLogFileSize = int64(conf.ValueLogFileSize)
	opts.SyncWrites = true
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := badger.Open(opts)
	return db, errors.WithStack(err)
}
