package persistence

import (
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap-incubator/tinycatalog/kv/util/codec"
)

const (
	catalogIDLen = 16
	partKeyLen   = catalogIDLen + 4 + 1 + 8

	headerPrefix = "header/"
)

// Values stored in CfParts start with a marker byte; a tombstone hides every older version of the part.
const (
	tombstone byte = 0
	livePart  byte = 1
)

// partUserKey lays a part key out as catalogID | entityTypePK | partType | primaryKey.
func partUserKey(catalogID uuid.UUID, typePK int, t model.PartType, pk int) []byte {
	key := make([]byte, 0, partKeyLen)
	key = append(key, catalogID[:]...)
	key = codec.PutUint32(key, uint32(typePK))
	key = append(key, byte(t))
	return codec.PutUint64(key, uint64(pk))
}

func partTypePrefix(catalogID uuid.UUID, typePK int, t model.PartType) []byte {
	return codec.EncodePrefix(partUserKey(catalogID, typePK, t, 0)[:catalogIDLen+4+1])
}

func collectionPrefix(catalogID uuid.UUID, typePK int) []byte {
	return codec.EncodePrefix(partUserKey(catalogID, typePK, 0, 0)[:catalogIDLen+4])
}

func catalogPrefix(catalogID uuid.UUID) []byte {
	return codec.EncodePrefix(catalogID[:])
}

// splitPartKey returns the part type and primary key of a decoded user key.
func splitPartKey(userKey []byte) (model.PartType, int) {
	return model.PartType(userKey[catalogIDLen+4]), int(codec.Uint64(userKey[catalogIDLen+5:]))
}

func typePKOf(userKey []byte) int {
	return int(codec.Uint32(userKey[catalogIDLen:]))
}

func walKey(catalogID uuid.UUID, version uint64) []byte {
	return codec.PutUint64(append([]byte(nil), catalogID[:]...), version)
}

func headerKey(name string) []byte {
	return []byte(headerPrefix + name)
}
