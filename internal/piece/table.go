// Package piece tracks per-torrent download state: which pieces are
// verified, which blocks of in-progress pieces have been requested or
// received, and which block should be requested next. The table is owned
// exclusively by the torrent actor and needs no locking of its own.
package piece

import (
	"errors"

	"peerwire/internal/shared/models"
	"peerwire/internal/wire"
)

// BlockSize is the transfer unit on the wire. Pieces are requested in
// 16 KiB blocks regardless of piece length.
const BlockSize = 16 * 1024

var (
	ErrOutOfRange = errors.New("piece index out of range")
	ErrBadBlock   = errors.New("block does not fit piece")
)

type status int

const (
	statusMissing status = iota
	statusInProgress
	statusVerified
)

// Request identifies one block to fetch: a (piece, offset) pair plus the
// exact length to ask for, which is short for the final block of a piece.
type Request struct {
	Index  int
	Begin  int
	Length int
}

type pieceState struct {
	status   status
	buf      []byte
	received []bool
	assigned []bool
	missing  int
}

type Table struct {
	meta   models.TorrentMeta
	pieces []pieceState

	verified int
}

func NewTable(meta models.TorrentMeta) *Table {
	return &Table{
		meta:   meta,
		pieces: make([]pieceState, meta.NumPieces()),
	}
}

func (t *Table) NumPieces() int {
	return len(t.pieces)
}

func (t *Table) NumVerified() int {
	return t.verified
}

// Complete reports whether every piece is verified.
func (t *Table) Complete() bool {
	return t.verified == len(t.pieces)
}

func (t *Table) Verified(index int) bool {
	return index >= 0 && index < len(t.pieces) && t.pieces[index].status == statusVerified
}

func (t *Table) blockCount(index int) int {
	size := t.meta.PieceSize(index)
	return (size + BlockSize - 1) / BlockSize
}

func (t *Table) start(index int) {
	p := &t.pieces[index]
	blocks := t.blockCount(index)
	p.status = statusInProgress
	p.buf = make([]byte, t.meta.PieceSize(index))
	p.received = make([]bool, blocks)
	p.assigned = make([]bool, blocks)
	p.missing = blocks
}

// MarkVerified records a piece as already present and verified, used when
// seeding from existing data. Verified pieces are immutable afterwards.
func (t *Table) MarkVerified(index int) error {
	if index < 0 || index >= len(t.pieces) {
		return ErrOutOfRange
	}
	if t.pieces[index].status == statusVerified {
		return nil
	}
	t.pieces[index] = pieceState{status: statusVerified}
	t.verified++
	return nil
}

// Bitfield returns the set of verified pieces in wire format.
func (t *Table) Bitfield() wire.Bitfield {
	bf := wire.NewBitfieldForPieces(len(t.pieces))
	for i := range t.pieces {
		if t.pieces[i].status == statusVerified {
			bf.Set(i)
		}
	}
	return bf
}

// AddBlock stores a received block. Blocks for verified pieces and
// duplicates are silently dropped; a block that does not line up with the
// block grid or overruns the piece is rejected. The first return reports
// whether the piece now has all of its blocks and is ready to verify.
func (t *Table) AddBlock(index, begin int, data []byte) (bool, error) {
	if index < 0 || index >= len(t.pieces) {
		return false, ErrOutOfRange
	}
	p := &t.pieces[index]
	if p.status == statusVerified {
		return false, nil
	}
	if p.status == statusMissing {
		t.start(index)
	}

	if begin%BlockSize != 0 || begin+len(data) > len(p.buf) {
		return false, ErrBadBlock
	}
	block := begin / BlockSize
	if len(data) != t.blockLength(index, block) {
		return false, ErrBadBlock
	}
	if p.received[block] {
		return false, nil
	}

	copy(p.buf[begin:], data)
	p.received[block] = true
	p.missing--
	return p.missing == 0, nil
}

// Verify hashes a fully received piece against its expected hash. On a
// match the piece becomes Verified and its assembled bytes are returned
// for persistence; on a mismatch every received block is discarded and the
// piece returns to Missing for re-download.
func (t *Table) Verify(index int) ([]byte, bool) {
	p := &t.pieces[index]
	if p.status != statusInProgress || p.missing != 0 {
		return nil, false
	}

	if models.HashOf(p.buf) != t.meta.PieceHashes[index] {
		t.pieces[index] = pieceState{}
		return nil, false
	}

	data := p.buf
	t.pieces[index] = pieceState{status: statusVerified}
	t.verified++
	return data, true
}

// ReceivedBlocks reports how many blocks of a piece have arrived.
func (t *Table) ReceivedBlocks(index int) int {
	p := &t.pieces[index]
	if p.status == statusVerified {
		return t.blockCount(index)
	}
	return t.blockCount(index) - t.missingOrUnstarted(index)
}

func (t *Table) missingOrUnstarted(index int) int {
	p := &t.pieces[index]
	if p.status == statusMissing {
		return t.blockCount(index)
	}
	return p.missing
}

// NextRequests picks up to max blocks to request from a peer that has the
// pieces reported by has. Selection is sequential: lowest piece index
// first, skipping blocks already received or assigned to another peer.
// Returned blocks are marked assigned until received or released.
func (t *Table) NextRequests(has func(index int) bool, max int) []Request {
	var reqs []Request
	for index := range t.pieces {
		if len(reqs) >= max {
			break
		}
		p := &t.pieces[index]
		if p.status == statusVerified || !has(index) {
			continue
		}
		if p.status == statusMissing {
			t.start(index)
		}
		for block := range p.received {
			if len(reqs) >= max {
				break
			}
			if p.received[block] || p.assigned[block] {
				continue
			}
			p.assigned[block] = true
			reqs = append(reqs, Request{
				Index:  index,
				Begin:  block * BlockSize,
				Length: t.blockLength(index, block),
			})
		}
	}
	return reqs
}

// Release returns not-yet-received blocks to the unassigned pool, making
// them eligible for another peer. Called when a peer disconnects or chokes
// us with requests still in flight. Received blocks are kept.
func (t *Table) Release(reqs []Request) {
	for _, r := range reqs {
		if r.Index < 0 || r.Index >= len(t.pieces) {
			continue
		}
		p := &t.pieces[r.Index]
		if p.status != statusInProgress {
			continue
		}
		block := r.Begin / BlockSize
		if block < 0 || block >= len(p.received) || p.received[block] {
			continue
		}
		p.assigned[block] = false
	}
}

func (t *Table) blockLength(index, block int) int {
	size := t.meta.PieceSize(index)
	begin := block * BlockSize
	left := size - begin
	if left < BlockSize {
		return left
	}
	return BlockSize
}
