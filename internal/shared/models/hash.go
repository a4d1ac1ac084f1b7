package models

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
)

// Hash is a 20-byte SHA-1 digest. It identifies a torrent (info hash) and
// the expected content of each piece.
type Hash [20]byte

var ErrInvalidHash = errors.New("invalid hash")

func HashOf(data []byte) Hash {
	return sha1.Sum(data)
}

// HashFromHex parses a 40-character hex string, the format used on the CLI.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, ErrInvalidHash
	}
	if len(raw) != len(h) {
		return h, ErrInvalidHash
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
