package storage

import (
	"testing"

	"github.com/pingcap-incubator/tinycatalog/kv/util/engine_util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorageSnapshot(t *testing.T) {
	s := NewMemStorage()
	require.Nil(t, s.Write([]Modify{
		NewPut(engine_util.CfParts, []byte("a"), []byte("1")),
		NewPut(engine_util.CfParts, []byte("c"), []byte("3")),
		NewPut(engine_util.CfParts, []byte("b"), []byte("2")),
	}))
	snap, err := s.Reader()
	require.Nil(t, err)

	require.Nil(t, s.Write([]Modify{
		NewDelete(engine_util.CfParts, []byte("a")),
		NewPut(engine_util.CfParts, []byte("b"), []byte("22")),
	}))

	val, err := snap.GetCF(engine_util.CfParts, []byte("a"))
	require.Nil(t, err)
	assert.Equal(t, []byte("1"), val)
	val, err = snap.GetCF(engine_util.CfParts, []byte("b"))
	require.Nil(t, err)
	assert.Equal(t, []byte("2"), val)

	var keys []string
	it := snap.IterCF(engine_util.CfParts)
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Item().Key()))
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	fresh, err := s.Reader()
	require.Nil(t, err)
	val, err = fresh.GetCF(engine_util.CfParts, []byte("a"))
	require.Nil(t, err)
	assert.Nil(t, val)
	assert.Equal(t, 2, s.Len(engine_util.CfParts))
	assert.Equal(t, -1, s.Len("nope"))
}

func TestMemStorageSeekAndPutIfAbsent(t *testing.T) {
	s := NewMemStorage()
	ok, err := s.PutIfAbsent(engine_util.CfWal, []byte("x"), []byte("1"))
	require.Nil(t, err)
	assert.True(t, ok)
	ok, err = s.PutIfAbsent(engine_util.CfWal, []byte("x"), []byte("2"))
	require.Nil(t, err)
	assert.False(t, ok)

	require.Nil(t, s.Write([]Modify{NewPut(engine_util.CfWal, []byte("z"), []byte("3"))}))
	r, err := s.Reader()
	require.Nil(t, err)
	it := r.IterCF(engine_util.CfWal)
	it.Seek([]byte("y"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("z"), it.Item().Key())
	it.Seek([]byte("zz"))
	assert.False(t, it.Valid())

	assert.NotNil(t, s.Write([]Modify{NewPut("bogus", []byte("k"), nil)}))
}

func TestMemStorageDeletePrefix(t *testing.T) {
	s := NewMemStorage()
	require.Nil(t, s.Write([]Modify{
		NewPut(engine_util.CfParts, []byte("ab1"), []byte("1")),
		NewPut(engine_util.CfParts, []byte("ab2"), []byte("2")),
		NewPut(engine_util.CfParts, []byte("ac"), []byte("3")),
		NewPut(engine_util.CfWal, []byte("ab3"), []byte("4")),
	}))
	snap, err := s.Reader()
	require.Nil(t, err)

	n, err := s.DeletePrefix(engine_util.CfParts, []byte("ab"))
	require.Nil(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.Len(engine_util.CfParts))
	assert.Equal(t, 1, s.Len(engine_util.CfWal))

	val, err := snap.GetCF(engine_util.CfParts, []byte("ab1"))
	require.Nil(t, err)
	assert.Equal(t, []byte("1"), val)

	_, err = s.DeletePrefix("bogus", []byte("ab"))
	assert.NotNil(t, err)
}
