package persistence

import (
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const flushChunk = 256

// TrappedChange is a part write buffered while the catalog was warming up. A nil Part removes the part.
type TrappedChange struct {
	TypePK int
	Type   model.PartType
	PK     int
	Part   model.StoragePart
}

// FlushTrappedUpdates writes changes at version in chunks and reports progress after each chunk. A progress
// error stops the flush. Chunks that were written stay written when the flush stops or a later chunk fails.
func (p *CatalogPersistence) FlushTrappedUpdates(version uint64, changes []TrappedChange,
	progress func(done, total int) error) error {
	total := len(changes)
	for start := 0; start < total; start += flushChunk {
		end := start + flushChunk
		if end > total {
			end = total
		}
		b := p.NewBatch(version)
		for _, c := range changes[start:end] {
			if c.Part == nil {
				b.RemovePart(c.TypePK, c.Type, c.PK)
				continue
			}
			if err := b.PutPart(c.TypePK, c.Part); err != nil {
				return err
			}
		}
		if err := p.Commit(b, nil); err != nil {
			return err
		}
		if progress != nil {
			if err := progress(end, total); err != nil {
				return err
			}
		}
	}
	log.Debug("trapped updates flushed", zap.String("catalog", p.Name()), zap.Uint64("version", version),
		zap.Int("changes", total))
	return nil
}
