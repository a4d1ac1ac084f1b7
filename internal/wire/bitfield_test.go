package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitfieldHighBitFirst(t *testing.T) {
	bf := NewBitfieldForPieces(10)
	assert.Len(t, bf, 2)

	bf.Set(0)
	bf.Set(9)
	assert.Equal(t, Bitfield{0b10000000, 0b01000000}, bf)

	assert.True(t, bf.Has(0))
	assert.True(t, bf.Has(9))
	assert.False(t, bf.Has(1))
	assert.False(t, bf.Has(8))
}

func TestBitfieldOutOfRange(t *testing.T) {
	bf := NewBitfieldForPieces(8)

	assert.False(t, bf.Has(-1))
	assert.False(t, bf.Has(8))

	// setting out of range must not panic
	bf.Set(-1)
	bf.Set(8)
	assert.Equal(t, Bitfield{0}, bf)
}
