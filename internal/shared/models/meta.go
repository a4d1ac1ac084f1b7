package models

// TorrentMeta describes a torrent: its identity and how the shared byte
// range is cut into hash-verified pieces. Built once at startup, never
// mutated afterwards.
type TorrentMeta struct {
	InfoHash    Hash
	Name        string
	PieceLength int
	Length      int
	PieceHashes []Hash
}

func (m TorrentMeta) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceSize returns the byte length of a piece; the final piece is
// truncated to the torrent's total length.
func (m TorrentMeta) PieceSize(index int) int {
	offset := index * m.PieceLength
	left := m.Length - offset
	if left < m.PieceLength {
		return left
	}
	return m.PieceLength
}
