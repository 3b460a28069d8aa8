package storage

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWrite(t *testing.T) {
	s := NewMemoryStorage(64)
	assert.Equal(t, 64, s.Length())

	require.NoError(t, s.WriteAt(16, []byte{1, 2, 3, 4}))
	data, err := s.ReadAt(16, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)

	// Unwritten ranges read back as zeroes.
	data, err = s.ReadAt(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
}

func TestZeroRange(t *testing.T) {
	s := NewMemoryStorage(8)
	require.NoError(t, s.WriteAt(0, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, s.ZeroRange(2, 4))

	data, err := s.ReadAt(0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 0, 0, 0, 0, 7, 8}, data)
}

func TestOutOfBounds(t *testing.T) {
	s := NewMemoryStorage(16)

	assert.ErrorIs(t, s.WriteAt(10, make([]byte, 8)), ErrOutOfBounds)
	assert.ErrorIs(t, s.WriteAt(-1, make([]byte, 2)), ErrOutOfBounds)
	_, err := s.ReadAt(0, 17)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.ErrorIs(t, s.ZeroRange(16, 1), ErrOutOfBounds)
}

func TestExport(t *testing.T) {
	s := NewMemoryStorage(4)
	require.NoError(t, s.WriteAt(0, []byte("data")))

	fs := afero.NewMemMapFs()
	require.NoError(t, s.Export(fs, "out.bin"))

	content, err := afero.ReadFile(fs, "out.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), content)
}
