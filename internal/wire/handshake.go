package wire

import (
	"bytes"
	"errors"

	"peerwire/internal/shared/models"
)

const protocolName = "BitTorrent protocol"

// HandshakeLength is the fixed size of the handshake frame:
// 1 + 19 + 8 + 20 + 20.
const HandshakeLength = 68

var ErrMalformedHandshake = errors.New("malformed handshake")

// EncodeHandshake builds the 68-byte handshake frame.
func EncodeHandshake(infoHash models.Hash, peerID models.PeerID) []byte {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...) // eight reserved bytes
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	return buf
}

// DecodeHandshake parses a handshake from the front of buf, returning the
// remote info hash and peer id plus the bytes consumed. Fewer than 68 bytes
// yields ErrNeedMoreBytes; a wrong protocol-name field yields
// ErrMalformedHandshake.
func DecodeHandshake(buf []byte) (models.Hash, models.PeerID, int, error) {
	var infoHash models.Hash
	var peerID models.PeerID

	if len(buf) < HandshakeLength {
		return infoHash, peerID, 0, ErrNeedMoreBytes
	}
	if buf[0] != byte(len(protocolName)) || !bytes.Equal(buf[1:20], []byte(protocolName)) {
		return infoHash, peerID, 0, ErrMalformedHandshake
	}

	copy(infoHash[:], buf[28:48])
	copy(peerID[:], buf[48:68])
	return infoHash, peerID, HandshakeLength, nil
}
