package persistence

import (
	"bytes"

	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/util/codec"
	"github.com/pingcap-incubator/tinycatalog/kv/util/engine_util"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const purgeChunk = 1024

type PurgeStats struct {
	// Versions counts superseded part versions removed.
	Versions int
	// Collections counts obsolete collections whose parts were dropped.
	Collections int
}

// Purge drops what no reader at horizon or later can observe: part versions shadowed by a newer version at or
// before horizon, tombstones at or before horizon together with everything below them, and every part of the
// obsolete collections removed at or before horizon. It returns the obsolete collections that must be kept.
func (p *CatalogPersistence) Purge(horizon uint64, obsolete []ObsoleteCollection) (PurgeStats, []ObsoleteCollection, error) {
	var stats PurgeStats
	dropped := make(map[int]bool)
	var kept []ObsoleteCollection
	for _, o := range obsolete {
		if o.RemovedIn <= horizon {
			dropped[o.EntityTypePK] = true
			continue
		}
		kept = append(kept, o)
	}
	stats.Collections = len(dropped)

	reader, err := p.store.Reader()
	if err != nil {
		return stats, obsolete, err
	}
	var doomed [][]byte
	var last []byte
	lastVisible := false
	prefix := catalogPrefix(p.catalogID)
	it := reader.IterCF(engine_util.CfParts)
	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		if !bytes.HasPrefix(item.Key(), prefix) {
			break
		}
		key := item.KeyCopy(nil)
		userKey, v, err := codec.DecodeKey(key)
		if err != nil {
			it.Close()
			reader.Close()
			return stats, obsolete, err
		}
		if dropped[typePKOf(userKey)] {
			doomed = append(doomed, key)
			continue
		}
		if !bytes.Equal(userKey, last) {
			last = userKey
			lastVisible = false
		}
		if v > horizon {
			continue
		}
		if lastVisible {
			doomed = append(doomed, key)
			stats.Versions++
			continue
		}
		lastVisible = true
		value, err := item.Value()
		if err != nil {
			it.Close()
			reader.Close()
			return stats, obsolete, err
		}
		if len(value) > 0 && value[0] == tombstone {
			doomed = append(doomed, key)
			stats.Versions++
		}
	}
	it.Close()
	reader.Close()

	if err := p.deleteKeys(engine_util.CfParts, doomed); err != nil {
		return stats, obsolete, err
	}
	purgedCounter.Add(float64(len(doomed)))
	log.Info("catalog purged", zap.String("catalog", p.Name()), zap.Uint64("horizon", horizon),
		zap.Int("versions", stats.Versions), zap.Int("collections", stats.Collections))
	return stats, kept, nil
}

func (p *CatalogPersistence) deleteKeys(cf string, keys [][]byte) error {
	for start := 0; start < len(keys); start += purgeChunk {
		end := start + purgeChunk
		if end > len(keys) {
			end = len(keys)
		}
		mods := make([]storage.Modify, 0, end-start)
		for _, k := range keys[start:end] {
			mods = append(mods, storage.NewDelete(cf, k))
		}
		if err := p.retrying(func() error { return p.store.Write(mods) }); err != nil {
			return err
		}
	}
	return nil
}

// Destroy removes every part, WAL record and the header of the catalog.
func (p *CatalogPersistence) Destroy() error {
	var parts, wal int
	err := p.retrying(func() (err error) {
		parts, err = p.store.DeletePrefix(engine_util.CfParts, catalogPrefix(p.catalogID))
		return err
	})
	if err != nil {
		return err
	}
	err = p.retrying(func() (err error) {
		wal, err = p.store.DeletePrefix(engine_util.CfWal, p.catalogID[:])
		return err
	})
	if err != nil {
		return err
	}
	if err := p.DropHeader(); err != nil {
		return err
	}
	log.Info("catalog storage destroyed", zap.String("catalog", p.Name()),
		zap.Int("parts", parts), zap.Int("walRecords", wal))
	return nil
}

// DropHeader removes the header stored under the catalog name unless it already belongs to another catalog.
func (p *CatalogPersistence) DropHeader() error {
	h, err := ReadHeader(p.store, p.Name())
	if err != nil || h == nil || h.CatalogID != p.catalogID {
		return err
	}
	return p.deleteKeys(engine_util.CfMeta, [][]byte{headerKey(p.Name())})
}
