package wire

// Bitfield is the variable-length bitset carried by the bitfield message,
// one bit per piece with the high bit of byte 0 being piece 0.
type Bitfield []byte

func NewBitfieldForPieces(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

func (bf Bitfield) Has(index int) bool {
	byteIndex := index / 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>uint(7-index%8)&1 == 1
}

func (bf Bitfield) Set(index int) {
	byteIndex := index / 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << uint(7-index%8)
}
