// Package storage persists verified pieces to a single flat file at their
// piece-indexed offsets and serves blocks back out of it when seeding.
package storage

import (
	"errors"
	"fmt"
	"os"

	"peerwire/internal/shared/models"
)

var (
	ErrPieceOutOfRange = errors.New("piece index out of range")
	ErrPieceMissing    = errors.New("piece not stored")
	ErrBadRange        = errors.New("block range outside piece")
)

// File stores one torrent's payload. Only hash-verified pieces are written
// into it; partial pieces live in the piece table until they verify. All
// methods are called from the torrent actor's goroutine, so no locking is
// needed.
type File struct {
	f    *os.File
	meta models.TorrentMeta
	have []bool
}

// Create opens (or creates) the backing file sized to the torrent's total
// length. No piece is considered present yet.
func Create(path string, meta models.TorrentMeta) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening storage file: %w", err)
	}
	if err := f.Truncate(int64(meta.Length)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing storage file: %w", err)
	}
	return &File{
		f:    f,
		meta: meta,
		have: make([]bool, meta.NumPieces()),
	}, nil
}

// Open opens an existing payload file for seeding and hash-checks every
// piece, returning the indices that verified. Pieces that fail the check
// are simply not marked present.
func Open(path string, meta models.TorrentMeta) (*File, []int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage file: %w", err)
	}

	s := &File{
		f:    f,
		meta: meta,
		have: make([]bool, meta.NumPieces()),
	}

	var verified []int
	for index := 0; index < meta.NumPieces(); index++ {
		buf := make([]byte, meta.PieceSize(index))
		if _, err := f.ReadAt(buf, int64(index*meta.PieceLength)); err != nil {
			continue
		}
		if models.HashOf(buf) == meta.PieceHashes[index] {
			s.have[index] = true
			verified = append(verified, index)
		}
	}
	return s, verified, nil
}

func (s *File) PutPiece(index int, data []byte) error {
	if index < 0 || index >= len(s.have) {
		return ErrPieceOutOfRange
	}
	if _, err := s.f.WriteAt(data, int64(index*s.meta.PieceLength)); err != nil {
		return fmt.Errorf("writing piece %d: %w", index, err)
	}
	s.have[index] = true
	return nil
}

func (s *File) HasPiece(index int) bool {
	return index >= 0 && index < len(s.have) && s.have[index]
}

// ReadBlock reads a sub-range of a stored piece, used to serve peer
// requests when seeding.
func (s *File) ReadBlock(index, begin, length int) ([]byte, error) {
	if index < 0 || index >= len(s.have) {
		return nil, ErrPieceOutOfRange
	}
	if !s.have[index] {
		return nil, ErrPieceMissing
	}
	if begin < 0 || length <= 0 || begin+length > s.meta.PieceSize(index) {
		return nil, ErrBadRange
	}

	buf := make([]byte, length)
	if _, err := s.f.ReadAt(buf, int64(index*s.meta.PieceLength+begin)); err != nil {
		return nil, fmt.Errorf("reading piece %d: %w", index, err)
	}
	return buf, nil
}

func (s *File) Close() error {
	return s.f.Close()
}
