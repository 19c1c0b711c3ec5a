package collection

import (
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/pingcap-incubator/tinycatalog/kv/transaction/txmem"
)

type partKey struct {
	Type model.PartType
	PK   int
}

// A nil part in a layer or in the trapped set marks a removal.
type bufferLayer struct {
	parts map[partKey]model.StoragePart
}

type trappedPart struct {
	part model.StoragePart
	gen  uint64
}

// Buffer sits between a collection and its persistence. Inside a transaction part writes go to a layer. While the
// catalog is warming up they are trapped in the buffer until the next flush. A merged buffer holds the parts of the
// committing transaction as pending until the catalog commit writes them.
type Buffer struct {
	id          uint64
	persistence *persistence.CollectionPersistence

	mu      sync.RWMutex
	trapped map[partKey]trappedPart
	gen     uint64

	pending map[partKey]model.StoragePart
}

func NewBuffer(p *persistence.CollectionPersistence) *Buffer {
	return &Buffer{id: txmem.NextProducerID(), persistence: p, trapped: make(map[partKey]trappedPart)}
}

func (b *Buffer) ProducerID() uint64 {
	return b.id
}

func (b *Buffer) CreateLayer() *bufferLayer {
	return &bufferLayer{parts: make(map[partKey]model.StoragePart)}
}

func (b *Buffer) Persistence() *persistence.CollectionPersistence {
	return b.persistence
}

// lookup checks the layer, then the trapped parts, then the pending ones.
func (b *Buffer) lookup(m *txmem.Memory, key partKey) (model.StoragePart, bool) {
	if l, ok := txmem.Layer[*bufferLayer](m, b); ok {
		if part, ok := l.parts[key]; ok {
			return part, true
		}
	}
	b.mu.RLock()
	t, ok := b.trapped[key]
	b.mu.RUnlock()
	if ok {
		return t.part, true
	}
	part, ok := b.pending[key]
	return part, ok
}

// Get reads a part as seen by the transaction owning m on top of catalog version version.
func (b *Buffer) Get(m *txmem.Memory, version uint64, t model.PartType, pk int) (model.StoragePart, error) {
	if part, ok := b.lookup(m, partKey{Type: t, PK: pk}); ok {
		return part, nil
	}
	return b.persistence.GetPart(version, t, pk)
}

func (b *Buffer) GetEntityParts(m *txmem.Memory, version uint64, pk int) (map[model.PartType]model.StoragePart, error) {
	parts, err := b.persistence.GetEntityParts(version, pk)
	if err != nil {
		return nil, err
	}
	for _, t := range model.EntityPartTypes {
		part, ok := b.lookup(m, partKey{Type: t, PK: pk})
		if !ok {
			continue
		}
		if part == nil {
			delete(parts, t)
		} else {
			parts[t] = part
		}
	}
	return parts, nil
}

func (b *Buffer) Put(m *txmem.Memory, part model.StoragePart) {
	b.set(m, partKey{Type: part.PartType(), PK: part.PartPK()}, part)
}

func (b *Buffer) Remove(m *txmem.Memory, t model.PartType, pk int) {
	b.set(m, partKey{Type: t, PK: pk}, nil)
}

func (b *Buffer) set(m *txmem.Memory, key partKey, part model.StoragePart) {
	if m != nil {
		txmem.GetOrCreateLayer[*bufferLayer](m, b).parts[key] = part
		return
	}
	b.mu.Lock()
	b.gen++
	b.trapped[key] = trappedPart{part: part, gen: b.gen}
	b.mu.Unlock()
}

// bufferSnapshot is the state of one key in the layer, or in the trapped parts without a transaction.
type bufferSnapshot struct {
	key     partKey
	part    model.StoragePart
	present bool
}

func (b *Buffer) snapshot(m *txmem.Memory, key partKey) bufferSnapshot {
	s := bufferSnapshot{key: key}
	if m != nil {
		if l, ok := txmem.Layer[*bufferLayer](m, b); ok {
			s.part, s.present = l.parts[key]
		}
		return s
	}
	b.mu.RLock()
	t, ok := b.trapped[key]
	b.mu.RUnlock()
	s.part, s.present = t.part, ok
	return s
}

func (b *Buffer) restore(m *txmem.Memory, s bufferSnapshot) {
	if m != nil {
		l, ok := txmem.Layer[*bufferLayer](m, b)
		if !ok {
			return
		}
		if s.present {
			l.parts[s.key] = s.part
		} else {
			delete(l.parts, s.key)
		}
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.present {
		b.gen++
		b.trapped[s.key] = trappedPart{part: s.part, gen: b.gen}
	} else {
		delete(b.trapped, s.key)
	}
}

// CreateCopyWithMergedLayer returns b itself when it was not written.
func (b *Buffer) CreateCopyWithMergedLayer(layer *bufferLayer, _ *txmem.Memory) (*Buffer, error) {
	if layer == nil || len(layer.parts) == 0 {
		return b, nil
	}
	return &Buffer{
		id:          txmem.NextProducerID(),
		persistence: b.persistence,
		trapped:     make(map[partKey]trappedPart),
		pending:     layer.parts,
	}, nil
}

func (b *Buffer) Merge(m *txmem.Memory) (*Buffer, error) {
	return txmem.Merge[*bufferLayer, *Buffer](m, b)
}

// WithPersistence returns a committed buffer writing through p. Parts not written yet move along.
func (b *Buffer) WithPersistence(p *persistence.CollectionPersistence) *Buffer {
	b.mu.RLock()
	trapped := make(map[partKey]trappedPart, len(b.trapped))
	for k, t := range b.trapped {
		trapped[k] = t
	}
	gen := b.gen
	b.mu.RUnlock()
	return &Buffer{
		id:          txmem.NextProducerID(),
		persistence: p,
		trapped:     trapped,
		gen:         gen,
		pending:     b.pending,
	}
}

// Live returns an empty buffer over the same persistence for a catalog going live. Trapped parts must have been
// flushed.
func (b *Buffer) Live() *Buffer {
	return NewBuffer(b.persistence)
}

// HasPending reports parts merged in but not written yet.
func (b *Buffer) HasPending() bool {
	return len(b.pending) > 0
}

// StagePending adds the pending parts to a commit batch in a stable order.
func (b *Buffer) StagePending(batch *persistence.Batch) (int, error) {
	keys := make([]partKey, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	sortKeys(keys)
	for _, k := range keys {
		part := b.pending[k]
		if part == nil {
			b.persistence.RemovePart(batch, k.Type, k.PK)
			continue
		}
		if err := b.persistence.PutPart(batch, part); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// PendingWritten drops the pending parts once the commit wrote them. It must happen before the owning catalog is
// published.
func (b *Buffer) PendingWritten() {
	b.pending = nil
}

// TrappedChanges lists the parts written while warming up. The returned generations let ForgetFlushed keep parts
// rewritten during the flush.
func (b *Buffer) TrappedChanges() ([]persistence.TrappedChange, map[partKey]uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]partKey, 0, len(b.trapped))
	gens := make(map[partKey]uint64, len(b.trapped))
	for k, t := range b.trapped {
		keys = append(keys, k)
		gens[k] = t.gen
	}
	sortKeys(keys)
	changes := make([]persistence.TrappedChange, 0, len(keys))
	for _, k := range keys {
		changes = append(changes, persistence.TrappedChange{
			TypePK: b.persistence.TypePK(),
			Type:   k.Type,
			PK:     k.PK,
			Part:   b.trapped[k].part,
		})
	}
	return changes, gens
}

func (b *Buffer) ForgetFlushed(gens map[partKey]uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, gen := range gens {
		if t, ok := b.trapped[k]; ok && t.gen == gen {
			delete(b.trapped, k)
		}
	}
}

func (b *Buffer) TrappedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.trapped)
}

func sortKeys(keys []partKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].PK != keys[j].PK {
			return keys[i].PK < keys[j].PK
		}
		return keys[i].Type < keys[j].Type
	})
}
