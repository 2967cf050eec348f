package sessionstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMarshalRoundTrip(t *testing.T) {
	completed := uint64(1700000000)
	s := State{
		Bitfield:    []byte{0xff, 0x0f, 0x01},
		Downloaded:  12345,
		Uploaded:    678,
		AddedAt:     1699999999,
		CompletedAt: &completed,
	}
	got, err := Unmarshal(s.Marshal())
	require.NoError(t, err)
	assert.Equal(t, s.Bitfield, got.Bitfield)
	assert.Equal(t, s.Downloaded, got.Downloaded)
	assert.Equal(t, s.Uploaded, got.Uploaded)
	assert.Equal(t, s.AddedAt, got.AddedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, *s.CompletedAt, *got.CompletedAt)
}

func TestStateMarshalRoundTripNoCompletedAt(t *testing.T) {
	s := State{Bitfield: []byte{0x01}, Downloaded: 1, Uploaded: 2, AddedAt: 3}
	got, err := Unmarshal(s.Marshal())
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)
}

func TestUnmarshalTruncated(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestMemStoreGetSetDeleteKeys(t *testing.T) {
	m := NewMemStore()
	require.NoError(t, m.Set(StateKey("abcd"), []byte("hello")))
	v, err := m.Get(StateKey("abcd"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)

	keys, err := m.Keys("torrent:abcd:")
	require.NoError(t, err)
	assert.Contains(t, keys, StateKey("abcd"))

	require.NoError(t, m.Delete(StateKey("abcd")))
	v, err = m.Get(StateKey("abcd"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestBoltStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.bolt")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(StateKey("ef01"), []byte("resume-bytes")))
	v, err := store.Get(StateKey("ef01"))
	require.NoError(t, err)
	assert.Equal(t, []byte("resume-bytes"), v)

	keys, err := store.Keys("torrent:ef01:")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
