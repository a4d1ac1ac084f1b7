package piece

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerwire/internal/shared/models"
)

// buildMeta makes a torrent of numPieces pieces of pieceLength bytes each
// (final piece truncated to totalLength) and returns the meta together
// with the content the hashes were computed from.
func buildMeta(t *testing.T, numPieces, pieceLength, totalLength int) (models.TorrentMeta, []byte) {
	t.Helper()
	content := make([]byte, totalLength)
	for i := range content {
		content[i] = byte(i * 31)
	}

	meta := models.TorrentMeta{
		InfoHash:    models.HashOf([]byte("piece table test")),
		Name:        "test",
		PieceLength: pieceLength,
		Length:      totalLength,
	}
	for i := 0; i < numPieces; i++ {
		end := (i + 1) * pieceLength
		if end > totalLength {
			end = totalLength
		}
		meta.PieceHashes = append(meta.PieceHashes, models.HashOf(content[i*pieceLength:end]))
	}
	return meta, content
}

func hasAll(int) bool { return true }

func TestVerifySucceedsOnMatchingHash(t *testing.T) {
	meta, content := buildMeta(t, 2, 2*BlockSize, 4*BlockSize)
	table := NewTable(meta)

	done, err := table.AddBlock(0, 0, content[:BlockSize])
	require.NoError(t, err)
	assert.False(t, done)

	done, err = table.AddBlock(0, BlockSize, content[BlockSize:2*BlockSize])
	require.NoError(t, err)
	require.True(t, done)

	data, ok := table.Verify(0)
	require.True(t, ok)
	assert.True(t, bytes.Equal(content[:2*BlockSize], data))
	assert.True(t, table.Verified(0))
	assert.False(t, table.Complete())
	assert.Equal(t, 1, table.NumVerified())
}

func TestVerifyFailureDiscardsBlocks(t *testing.T) {
	meta, _ := buildMeta(t, 1, 2*BlockSize, 2*BlockSize)
	table := NewTable(meta)

	garbage := make([]byte, BlockSize)
	for i := range garbage {
		garbage[i] = 0xff
	}
	_, err := table.AddBlock(0, 0, garbage)
	require.NoError(t, err)
	done, err := table.AddBlock(0, BlockSize, garbage)
	require.NoError(t, err)
	require.True(t, done)

	_, ok := table.Verify(0)
	assert.False(t, ok)
	assert.False(t, table.Verified(0))
	// back to Missing with zero blocks retained
	assert.Zero(t, table.ReceivedBlocks(0))
}

func TestVerifiedPieceIsImmutable(t *testing.T) {
	meta, content := buildMeta(t, 1, BlockSize, BlockSize)
	table := NewTable(meta)

	done, err := table.AddBlock(0, 0, content)
	require.NoError(t, err)
	require.True(t, done)
	_, ok := table.Verify(0)
	require.True(t, ok)

	// a late duplicate block is dropped, not applied
	done, err = table.AddBlock(0, 0, make([]byte, BlockSize))
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, table.Verified(0))
}

func TestAddBlockValidation(t *testing.T) {
	meta, content := buildMeta(t, 2, 2*BlockSize, 4*BlockSize)

	var tests = []struct {
		name    string
		index   int
		begin   int
		data    []byte
		wantErr error
	}{
		{name: "index out of range", index: 2, begin: 0, data: content[:BlockSize], wantErr: ErrOutOfRange},
		{name: "negative index", index: -1, begin: 0, data: content[:BlockSize], wantErr: ErrOutOfRange},
		{name: "unaligned offset", index: 0, begin: 100, data: content[:BlockSize], wantErr: ErrBadBlock},
		{name: "overrunning block", index: 0, begin: BlockSize, data: content[:BlockSize+1], wantErr: ErrBadBlock},
		{name: "wrong block length", index: 0, begin: 0, data: content[:10], wantErr: ErrBadBlock},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			table := NewTable(meta)
			_, err := table.AddBlock(tt.index, tt.begin, tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNextRequestsSequentialLowestFirst(t *testing.T) {
	meta, _ := buildMeta(t, 3, 2*BlockSize, 6*BlockSize)
	table := NewTable(meta)

	reqs := table.NextRequests(hasAll, 3)
	require.Len(t, reqs, 3)
	assert.Equal(t, Request{Index: 0, Begin: 0, Length: BlockSize}, reqs[0])
	assert.Equal(t, Request{Index: 0, Begin: BlockSize, Length: BlockSize}, reqs[1])
	assert.Equal(t, Request{Index: 1, Begin: 0, Length: BlockSize}, reqs[2])
}

func TestNextRequestsSkipsAssignedBlocks(t *testing.T) {
	meta, _ := buildMeta(t, 1, 2*BlockSize, 2*BlockSize)
	table := NewTable(meta)

	first := table.NextRequests(hasAll, 1)
	require.Len(t, first, 1)

	second := table.NextRequests(hasAll, 2)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0], second[0])

	// everything assigned, nothing left to hand out
	assert.Empty(t, table.NextRequests(hasAll, 1))
}

func TestNextRequestsHonorsPeerBitfield(t *testing.T) {
	meta, _ := buildMeta(t, 3, BlockSize, 3*BlockSize)
	table := NewTable(meta)

	onlyPiece2 := func(index int) bool { return index == 2 }
	reqs := table.NextRequests(onlyPiece2, 4)
	require.Len(t, reqs, 1)
	assert.Equal(t, 2, reqs[0].Index)
}

func TestNextRequestsShortFinalBlock(t *testing.T) {
	meta, _ := buildMeta(t, 1, 2*BlockSize, BlockSize+100)
	table := NewTable(meta)

	reqs := table.NextRequests(hasAll, 4)
	require.Len(t, reqs, 2)
	assert.Equal(t, BlockSize, reqs[0].Length)
	assert.Equal(t, 100, reqs[1].Length)
}

func TestReleaseReturnsUnreceivedBlocks(t *testing.T) {
	meta, content := buildMeta(t, 1, 3*BlockSize, 3*BlockSize)
	table := NewTable(meta)

	reqs := table.NextRequests(hasAll, 3)
	require.Len(t, reqs, 3)

	// one block arrives before the peer drops
	done, err := table.AddBlock(0, 0, content[:BlockSize])
	require.NoError(t, err)
	require.False(t, done)

	table.Release(reqs)

	// the received block stays received, the two others become assignable
	assert.Equal(t, 1, table.ReceivedBlocks(0))
	again := table.NextRequests(hasAll, 3)
	require.Len(t, again, 2)
	assert.Equal(t, BlockSize, again[0].Begin)
	assert.Equal(t, 2*BlockSize, again[1].Begin)
}

func TestMarkVerifiedAndBitfield(t *testing.T) {
	meta, _ := buildMeta(t, 4, BlockSize, 4*BlockSize)
	table := NewTable(meta)

	require.NoError(t, table.MarkVerified(1))
	require.NoError(t, table.MarkVerified(3))
	assert.ErrorIs(t, table.MarkVerified(4), ErrOutOfRange)

	bf := table.Bitfield()
	assert.False(t, bf.Has(0))
	assert.True(t, bf.Has(1))
	assert.False(t, bf.Has(2))
	assert.True(t, bf.Has(3))

	// verified pieces are never handed out as requests
	assert.Len(t, table.NextRequests(hasAll, 100), 2)
}
