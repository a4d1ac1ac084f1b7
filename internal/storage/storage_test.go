package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerwire/internal/shared/models"
)

func testMeta(t *testing.T, pieceLength int, content []byte) models.TorrentMeta {
	t.Helper()
	meta := models.TorrentMeta{
		Name:        "test",
		PieceLength: pieceLength,
		Length:      len(content),
	}
	for begin := 0; begin < len(content); begin += pieceLength {
		end := begin + pieceLength
		if end > len(content) {
			end = len(content)
		}
		meta.PieceHashes = append(meta.PieceHashes, models.HashOf(content[begin:end]))
	}
	return meta
}

func TestPutAndReadBack(t *testing.T) {
	content := []byte("0123456789abcdef0123456789abcdef")
	meta := testMeta(t, 16, content)
	path := filepath.Join(t.TempDir(), "payload")

	s, err := Create(path, meta)
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.HasPiece(0))
	_, err = s.ReadBlock(0, 0, 16)
	assert.ErrorIs(t, err, ErrPieceMissing)

	require.NoError(t, s.PutPiece(1, content[16:]))
	assert.True(t, s.HasPiece(1))

	block, err := s.ReadBlock(1, 4, 8)
	require.NoError(t, err)
	assert.Equal(t, content[20:28], block)
}

func TestReadBlockValidation(t *testing.T) {
	content := []byte("0123456789abcdef")
	meta := testMeta(t, 16, content)
	path := filepath.Join(t.TempDir(), "payload")

	s, err := Create(path, meta)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.PutPiece(0, content))

	_, err = s.ReadBlock(2, 0, 4)
	assert.ErrorIs(t, err, ErrPieceOutOfRange)
	_, err = s.ReadBlock(0, 12, 8)
	assert.ErrorIs(t, err, ErrBadRange)
	_, err = s.ReadBlock(0, 0, 0)
	assert.ErrorIs(t, err, ErrBadRange)
}

func TestOpenVerifiesExistingPieces(t *testing.T) {
	content := []byte("0123456789abcdef0123456789ab")
	meta := testMeta(t, 16, content)
	path := filepath.Join(t.TempDir(), "payload")

	// seed file with the second piece corrupted
	corrupted := append([]byte(nil), content...)
	corrupted[20] ^= 0xff
	require.NoError(t, os.WriteFile(path, corrupted, 0644))

	s, verified, err := Open(path, meta)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []int{0}, verified)
	assert.True(t, s.HasPiece(0))
	assert.False(t, s.HasPiece(1))
}
