package persistence

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// CollectionHeader carries the sequences of one collection across restarts.
type CollectionHeader struct {
	EntityType   string `json:"entityType"`
	EntityTypePK int    `json:"entityTypePk"`
	PKSeq        int64  `json:"pkSeq"`
	IndexPKSeq   int64  `json:"indexPkSeq"`
	PricePKSeq   int64  `json:"pricePkSeq"`
}

// ObsoleteCollection is a removed collection whose parts are kept until no reader can see them.
type ObsoleteCollection struct {
	EntityTypePK int    `json:"entityTypePk"`
	RemovedIn    uint64 `json:"removedIn"`
}

// CatalogHeader is the entry point of a stored catalog.
type CatalogHeader struct {
	CatalogID        uuid.UUID          `json:"catalogId"`
	Name             string             `json:"name"`
	State            model.CatalogState `json:"state"`
	Version          uint64             `json:"version"`
	LastEntityTypePK int                `json:"lastEntityTypePk"`
	// LastProcessedTransaction is the WAL version whose effects are fully contained in the stored parts.
	LastProcessedTransaction uint64               `json:"lastProcessedTransaction"`
	Collections              []CollectionHeader   `json:"collections"`
	ObsoleteCollections      []ObsoleteCollection `json:"obsoleteCollections,omitempty"`
	StoredAt                 time.Time            `json:"storedAt"`
}

// Collection looks up the header of a collection by its entity type.
func (h *CatalogHeader) Collection(entityType string) (CollectionHeader, bool) {
	for _, c := range h.Collections {
		if c.EntityType == entityType {
			return c, true
		}
	}
	return CollectionHeader{}, false
}

func encodeHeader(h *CatalogHeader) ([]byte, error) {
	sort.Slice(h.Collections, func(i, j int) bool { return h.Collections[i].EntityTypePK < h.Collections[j].EntityTypePK })
	if h.StoredAt.IsZero() {
		h.StoredAt = time.Now()
	}
	data, err := json.Marshal(h)
	return data, errors.WithStack(err)
}

func decodeHeader(data []byte) (*CatalogHeader, error) {
	h := new(CatalogHeader)
	if err := json.Unmarshal(data, h); err != nil {
		return nil, errors.Annotate(err, "decode catalog header")
	}
	return h, nil
}

// StoreHeader writes the header on its own, outside of a commit batch.
func (p *CatalogPersistence) StoreHeader(h *CatalogHeader) error {
	data, err := encodeHeader(h)
	if err != nil {
		return err
	}
	return p.retrying(func() error {
		return p.store.Write([]storage.Modify{storage.NewPut(engine_util.CfMeta, headerKey(h.Name), data)})
	})
}

// RenameHeader moves the header of the catalog under a new name.
func (p *CatalogPersistence) RenameHeader(newName string) error {
	h, err := ReadHeader(p.store, p.Name())
	if err != nil {
		return err
	}
	if h == nil {
		return model.NewCatalogNotFoundError(p.Name())
	}
	oldName := h.Name
	h.Name = newName
	data, err := encodeHeader(h)
	if err != nil {
		return err
	}
	err = p.retrying(func() error {
		return p.store.Write([]storage.Modify{
			storage.NewDelete(engine_util.CfMeta, headerKey(oldName)),
			storage.NewPut(engine_util.CfMeta, headerKey(newName), data),
		})
	})
	if err != nil {
		return err
	}
	p.name.Store(newName)
	return nil
}

// ReadHeader returns nil, nil when no catalog of that name is stored.
func ReadHeader(store storage.Storage, name string) (*CatalogHeader, error) {
	reader, err := store.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := reader.GetCF(engine_util.CfMeta, headerKey(name))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeHeader(data)
}

// ListHeaders returns the headers of every stored catalog ordered by name.
func ListHeaders(store storage.Storage) ([]*CatalogHeader, error) {
	reader, err := store.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	it := reader.IterCF(engine_util.CfMeta)
	defer it.Close()
	var headers []*CatalogHeader
	for it.Seek([]byte(headerPrefix)); it.Valid(); it.Next() {
		item := it.Item()
		if !strings.HasPrefix(string(item.Key()), headerPrefix) {
			break
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		h, err := decodeHeader(data)
		if err != nil {
			return nil, errors.Annotatef(err, "header %s", item.Key())
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// ListCatalogNames returns the names of every stored catalog without decoding their headers.
func ListCatalogNames(store storage.Storage) ([]string, error) {
	reader, err := store.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	it := reader.IterCF(engine_util.CfMeta)
	defer it.Close()
	var names []string
	for it.Seek([]byte(headerPrefix)); it.Valid(); it.Next() {
		key := string(it.Item().Key())
		if !strings.HasPrefix(key, headerPrefix) {
			break
		}
		names = append(names, strings.TrimPrefix(key, headerPrefix))
	}
	return names, nil
}
