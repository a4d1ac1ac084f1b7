package models

import (
	"errors"
	"math/rand"
	"time"
)

// PeerID is the 20-byte self-chosen identifier exchanged during the
// handshake. Ours follows the usual -XX0000-<random> client convention.
type PeerID [20]byte

const clientPrefix = "-PW0001-"

var ErrInvalidPeerID = errors.New("invalid peer id")

func NewPeerID() PeerID {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	r := rand.New(rand.NewSource(int64(time.Now().Nanosecond())))

	var id PeerID
	copy(id[:], clientPrefix)
	for i := len(clientPrefix); i < len(id); i++ {
		id[i] = charset[r.Intn(len(charset))]
	}
	return id
}

func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != len(id) {
		return id, ErrInvalidPeerID
	}
	copy(id[:], b)
	return id, nil
}

func (p PeerID) String() string {
	return string(p[:])
}
