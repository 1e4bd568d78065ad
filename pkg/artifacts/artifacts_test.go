package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("\x00asm fake module")
	hash, err := s.Put(context.Background(), data)
	require.NoError(t, err)
	assert.Contains(t, hash, HashPrefix)

	got, err := s.Get(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(context.Background(), hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStorePutIdempotent(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	h1, err := s.Put(context.Background(), []byte("same"))
	require.NoError(t, err)
	h2, err := s.Put(context.Background(), []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestFileStoreMissing(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), HashPrefix+"ab12")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(context.Background(), HashPrefix+"ab12")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Delete(context.Background(), HashPrefix+"ab12"))
}

func TestMalformedHashRejected(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "md5:abcd")
	assert.Error(t, err)

	_, err = s.Get(context.Background(), HashPrefix+"not-hex!")
	assert.Error(t, err)
}
