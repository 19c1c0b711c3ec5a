package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBytesGroups(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 247}, EncodeBytes(nil))
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0, 250}, EncodeBytes([]byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247},
		EncodeBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
}

func TestVersionedKeyOrder(t *testing.T) {
	a5 := EncodeKey([]byte("a"), 5)
	a9 := EncodeKey([]byte("a"), 9)
	ab1 := EncodeKey([]byte("ab"), 1)

	// Newer versions of the same key come first.
	assert.Equal(t, -1, bytes.Compare(a9, a5))
	// Every version of "a" comes before any version of "ab".
	assert.Equal(t, -1, bytes.Compare(a5, ab1))
	// A seek at version 7 lands between 9 and 5.
	seek := EncodeKey([]byte("a"), 7)
	assert.Equal(t, 1, bytes.Compare(seek, a9))
	assert.Equal(t, -1, bytes.Compare(seek, a5))
}

func TestDecodeKey(t *testing.T) {
	user := []byte("catalog/with/a/long/key")
	key, version, err := DecodeKey(EncodeKey(user, 42))
	require.Nil(t, err)
	assert.Equal(t, user, key)
	assert.Equal(t, uint64(42), version)

	_, _, err = DecodeKey([]byte{1, 2})
	assert.NotNil(t, err)
	_, _, err = DecodeKey(EncodeBytes(user))
	assert.NotNil(t, err)
}

func TestEncodePrefix(t *testing.T) {
	prefix := []byte("0123456789abcdefXYZ")
	encoded := EncodePrefix(prefix)
	for _, suffix := range []string{"!", "longer suffix", "12345678"} {
		key := EncodeKey(append(append([]byte(nil), prefix...), suffix...), 3)
		assert.True(t, bytes.HasPrefix(key, encoded), suffix)
	}
	other := EncodeKey([]byte("0123456789abcdefXYy!"), 3)
	assert.False(t, bytes.HasPrefix(other, encoded))
}
