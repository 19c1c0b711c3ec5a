// Package persistence maps catalogs onto a storage.Storage engine. Every catalog owns a range of versioned storage
// parts, a write-ahead log of committed transactions and a header describing its last stored state. A seek at
// catalog version v finds the newest part written at or before v, so a reader pinned to v reads a stable snapshot
// while later commits add newer part versions next to it.
package persistence

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/config"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/util/codec"
	"github.com/pingcap-incubator/tinycatalog/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
)

// CatalogPersistence is the persistent unit of one catalog.
type CatalogPersistence struct {
	store     storage.Storage
	catalogID uuid.UUID
	name      *atomic.String

	attempts uint64
	backoff  time.Duration
}

func NewCatalogPersistence(store storage.Storage, catalogID uuid.UUID, name string, conf *config.Config) *CatalogPersistence {
	return &CatalogPersistence{
		store:     store,
		catalogID: catalogID,
		name:      atomic.NewString(name),
		attempts:  conf.WalRetryAttempts,
		backoff:   conf.WalRetryBackoff.Duration,
	}
}

func (p *CatalogPersistence) CatalogID() uuid.UUID {
	return p.catalogID
}

func (p *CatalogPersistence) Name() string {
	return p.name.Load()
}

func (p *CatalogPersistence) Storage() storage.Storage {
	return p.store
}

// retrying runs op until it succeeds, fails with a non transient error or runs out of attempts.
func (p *CatalogPersistence) retrying(op func() error) error {
	backoff := retry.WithMaxRetries(p.attempts, retry.NewFibonacci(p.backoff))
	return retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		err := op()
		if err != nil && storage.IsTransient(err) {
			walRetryCounter.Inc()
			return retry.RetryableError(err)
		}
		return err
	})
}

// Collection returns the persistent unit of the collection with the given entity type primary key.
func (p *CatalogPersistence) Collection(typePK int, name string) *CollectionPersistence {
	return &CollectionPersistence{catalog: p, typePK: typePK, name: name}
}

// GetPart reads the newest version of a part written at or before version. It returns nil when the part does not
// exist or was removed.
func (p *CatalogPersistence) GetPart(version uint64, typePK int, t model.PartType, pk int) (model.StoragePart, error) {
	reader, err := p.store.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return getPart(reader, version, partUserKey(p.catalogID, typePK, t, pk))
}

func getPart(reader storage.StorageReader, version uint64, userKey []byte) (model.StoragePart, error) {
	it := reader.IterCF(engine_util.CfParts)
	defer it.Close()
	it.Seek(codec.EncodeKey(userKey, version))
	if !it.Valid() {
		return nil, nil
	}
	key, _, err := codec.DecodeKey(it.Item().Key())
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(key, userKey) {
		return nil, nil
	}
	value, err := it.Item().Value()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return decodeValue(key, value)
}

func decodeValue(userKey, value []byte) (model.StoragePart, error) {
	if len(value) == 0 {
		return nil, errors.Errorf("empty part value under key %x", userKey)
	}
	if value[0] == tombstone {
		return nil, nil
	}
	t, _ := splitPartKey(userKey)
	return model.DecodePart(t, value[1:])
}

// ScanParts calls fn with every live part of the given type visible at version, in primary key order.
func (p *CatalogPersistence) ScanParts(version uint64, typePK int, t model.PartType, fn func(model.StoragePart) error) error {
	reader, err := p.store.Reader()
	if err != nil {
		return err
	}
	defer reader.Close()
	return scanVisible(reader, partTypePrefix(p.catalogID, typePK, t), version, func(userKey, value []byte) error {
		part, err := decodeValue(userKey, value)
		if err != nil || part == nil {
			return err
		}
		return fn(part)
	})
}

// scanVisible calls fn with the newest entry at or before version of every user key under prefix, tombstones
// included.
func scanVisible(reader storage.StorageReader, prefix []byte, version uint64, fn func(userKey, value []byte) error) error {
	it := reader.IterCF(engine_util.CfParts)
	defer it.Close()
	var last []byte
	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		if !bytes.HasPrefix(item.Key(), prefix) {
			break
		}
		userKey, v, err := codec.DecodeKey(item.KeyCopy(nil))
		if err != nil {
			return err
		}
		if v > version || bytes.Equal(userKey, last) {
			continue
		}
		last = userKey
		value, err := item.ValueCopy(nil)
		if err != nil {
			return errors.WithStack(err)
		}
		if err := fn(userKey, value); err != nil {
			return err
		}
	}
	return nil
}

// Batch stages the part writes of one commit. Nothing reaches the engine until Commit.
type Batch struct {
	catalogID uuid.UUID
	version   uint64
	mods      []storage.Modify
	parts     int
	removals  int
}

// NewBatch starts a batch whose parts become visible at version.
func (p *CatalogPersistence) NewBatch(version uint64) *Batch {
	return &Batch{catalogID: p.catalogID, version: version}
}

func (b *Batch) Version() uint64 {
	return b.version
}

func (b *Batch) PutPart(typePK int, part model.StoragePart) error {
	data, err := model.EncodePart(part)
	if err != nil {
		return err
	}
	key := codec.EncodeKey(partUserKey(b.catalogID, typePK, part.PartType(), part.PartPK()), b.version)
	b.mods = append(b.mods, storage.NewPut(engine_util.CfParts, key, append([]byte{livePart}, data...)))
	b.parts++
	return nil
}

// RemovePart writes a tombstone, older versions stay readable until purged.
func (b *Batch) RemovePart(typePK int, t model.PartType, pk int) {
	key := codec.EncodeKey(partUserKey(b.catalogID, typePK, t, pk), b.version)
	b.mods = append(b.mods, storage.NewPut(engine_util.CfParts, key, []byte{tombstone}))
	b.removals++
}

// Len is the number of staged part writes and removals.
func (b *Batch) Len() int {
	return b.parts + b.removals
}

// Commit writes the staged parts together with header in one atomic engine write.
func (p *CatalogPersistence) Commit(b *Batch, header *CatalogHeader) error {
	mods := b.mods
	if header != nil {
		data, err := encodeHeader(header)
		if err != nil {
			return err
		}
		mods = append(mods[:len(mods):len(mods)], storage.NewPut(engine_util.CfMeta, headerKey(header.Name), data))
	}
	if len(mods) == 0 {
		return nil
	}
	if err := p.retrying(func() error { return p.store.Write(mods) }); err != nil {
		return errors.Annotatef(err, "commit %d parts of catalog %s at version %d", b.Len(), p.Name(), b.version)
	}
	partsWrittenCounter.WithLabelValues("put").Add(float64(b.parts))
	partsWrittenCounter.WithLabelValues("remove").Add(float64(b.removals))
	return nil
}

// CollectionPersistence is the persistent unit of one entity collection. Parts are keyed by the entity type
// primary key, which survives renames, so renaming a collection only swaps this handle.
type CollectionPersistence struct {
	catalog *CatalogPersistence
	typePK  int
	name    string
}

func (c *CollectionPersistence) TypePK() int {
	return c.typePK
}

func (c *CollectionPersistence) Name() string {
	return c.name
}

// Renamed closes c and opens a handle on the same parts under a new name.
func (c *CollectionPersistence) Renamed(name string) *CollectionPersistence {
	return &CollectionPersistence{catalog: c.catalog, typePK: c.typePK, name: name}
}

func (c *CollectionPersistence) GetPart(version uint64, t model.PartType, pk int) (model.StoragePart, error) {
	return c.catalog.GetPart(version, c.typePK, t, pk)
}

// GetEntityParts reads every part of one entity through a single snapshot.
func (c *CollectionPersistence) GetEntityParts(version uint64, pk int) (map[model.PartType]model.StoragePart, error) {
	reader, err := c.catalog.store.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	parts := make(map[model.PartType]model.StoragePart, len(model.EntityPartTypes))
	for _, t := range model.EntityPartTypes {
		part, err := getPart(reader, version, partUserKey(c.catalog.catalogID, c.typePK, t, pk))
		if err != nil {
			return nil, err
		}
		if part != nil {
			parts[t] = part
		}
	}
	return parts, nil
}

func (c *CollectionPersistence) ScanParts(version uint64, t model.PartType, fn func(model.StoragePart) error) error {
	return c.catalog.ScanParts(version, c.typePK, t, fn)
}

func (c *CollectionPersistence) PutPart(b *Batch, part model.StoragePart) error {
	return b.PutPart(c.typePK, part)
}

func (c *CollectionPersistence) RemovePart(b *Batch, t model.PartType, pk int) {
	b.RemovePart(c.typePK, t, pk)
}
