// Package decoder parses .torrent metainfo files into the immutable
// TorrentMeta the rest of the system runs on.
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"

	"peerwire/internal/shared/models"
)

var ErrMalformedMetainfo = errors.New("malformed metainfo")

type MetainfoDecoder interface {
	Decode(io.Reader) (models.TorrentMeta, error)
}

type decoder struct{}

func NewDecoder() MetainfoDecoder {
	return decoder{}
}

// serialization struct that represents the structure of a .torrent file
type bencodeTorrent struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

type bencodeInfo struct {
	Name        string `bencode:"name"`
	PieceLength int    `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Length      int    `bencode:"length"`
}

func (decoder) Decode(torrent io.Reader) (models.TorrentMeta, error) {
	var bt bencodeTorrent
	if err := bencode.Unmarshal(torrent, &bt); err != nil {
		return models.TorrentMeta{}, fmt.Errorf("decoding metainfo: %w", err)
	}

	infoHash, err := bt.Info.hash()
	if err != nil {
		return models.TorrentMeta{}, err
	}

	pieceHashes, err := splitPieceHashes(bt.Info.Pieces)
	if err != nil {
		return models.TorrentMeta{}, err
	}

	meta := models.TorrentMeta{
		InfoHash:    infoHash,
		Name:        bt.Info.Name,
		PieceLength: bt.Info.PieceLength,
		Length:      bt.Info.Length,
		PieceHashes: pieceHashes,
	}
	if meta.PieceLength <= 0 || meta.Length < 0 {
		return models.TorrentMeta{}, fmt.Errorf("%w: piece length %d, length %d", ErrMalformedMetainfo, meta.PieceLength, meta.Length)
	}
	if expected := (meta.Length + meta.PieceLength - 1) / meta.PieceLength; expected != meta.NumPieces() {
		return models.TorrentMeta{}, fmt.Errorf("%w: %d piece hashes for %d pieces", ErrMalformedMetainfo, meta.NumPieces(), expected)
	}
	return meta, nil
}

// hash computes the info hash by re-marshalling the info dictionary, so the
// digest covers the exact bencoded form peers agree on.
func (info bencodeInfo) hash() (models.Hash, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return models.Hash{}, fmt.Errorf("hashing info dictionary: %w", err)
	}
	return models.HashOf(buf.Bytes()), nil
}

func splitPieceHashes(pieces string) ([]models.Hash, error) {
	const hashLength = 20
	if len(pieces)%hashLength != 0 {
		return nil, fmt.Errorf("%w: pieces length %d not a multiple of %d", ErrMalformedMetainfo, len(pieces), hashLength)
	}

	raw := []byte(pieces)
	hashes := make([]models.Hash, len(raw)/hashLength)
	for i := range hashes {
		copy(hashes[i][:], raw[i*hashLength:(i+1)*hashLength])
	}
	return hashes, nil
}
