package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	groupSize = 8
	marker    = byte(0xFF)
	pad       = byte(0x0)

	versionLen = 8
)

var padding = make([]byte, groupSize)

// EncodeKey turns a user key into a versioned key. Versioned keys sort by user key ascending and then by version
// descending, so seeking to EncodeKey(k, v) lands on the newest entry of k written at or before v.
func EncodeKey(key []byte, version uint64) []byte {
	return AppendVersion(EncodeBytes(key), version)
}

// EncodeBytes writes data in memcomparable form: 8 byte groups, each followed by a marker byte that is 0xFF minus
// the number of zero bytes used to pad the group.
//
//	[]        -> [0 0 0 0 0 0 0 0 247]
//	[1 2 3]   -> [1 2 3 0 0 0 0 0 250]
//	[1 .. 8]  -> [1 .. 8 255 0 0 0 0 0 0 0 0 247]
func EncodeBytes(data []byte) []byte {
	n := len(data)
	out := make([]byte, 0, (n/groupSize+1)*(groupSize+1)+versionLen)
	for i := 0; i <= n; i += groupSize {
		rest := n - i
		padCount := 0
		if rest >= groupSize {
			out = append(out, data[i:i+groupSize]...)
		} else {
			padCount = groupSize - rest
			out = append(out, data[i:]...)
			out = append(out, padding[:padCount]...)
		}
		out = append(out, marker-byte(padCount))
	}
	return out
}

// AppendVersion appends the bitwise inverse of version so that newer versions sort first.
func AppendVersion(encoded []byte, version uint64) []byte {
	var buf [versionLen]byte
	binary.BigEndian.PutUint64(buf[:], ^version)
	return append(encoded, buf[:]...)
}

// DecodeKey splits a versioned key into its user key and version.
func DecodeKey(key []byte) ([]byte, uint64, error) {
	rest, userKey, err := DecodeBytes(key)
	if err != nil {
		return nil, 0, err
	}
	if len(rest) != versionLen {
		return nil, 0, errors.Errorf("versioned key has %d trailing bytes", len(rest))
	}
	return userKey, ^binary.BigEndian.Uint64(rest), nil
}

// DecodeBytes reverses EncodeBytes and returns the bytes that follow the encoded value.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < groupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}
		group := b[:groupSize]
		padCount := marker - b[groupSize]
		if padCount > groupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", b[:groupSize+1])
		}
		used := groupSize - padCount
		data = append(data, group[:used]...)
		b = b[groupSize+1:]
		if padCount == 0 {
			continue
		}
		for _, v := range group[used:] {
			if v != pad {
				return nil, nil, errors.Errorf("invalid padding byte in group %q", group)
			}
		}
		return b, data, nil
	}
}

// PutUint64 appends v in big endian order.
func PutUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func Uint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// PutUint32 appends v in big endian order.
func PutUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

// EncodePrefix returns the encoded bytes shared by every key that starts with prefix and is longer than it, so the
// result can bound a scan over such keys.
func EncodePrefix(prefix []byte) []byte {
	full := len(prefix) / groupSize * groupSize
	out := make([]byte, 0, len(prefix)+full/groupSize)
	for i := 0; i < full; i += groupSize {
		out = append(out, prefix[i:i+groupSize]...)
		out = append(out, marker)
	}
	return append(out, prefix[full:]...)
}

func Uint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}
