// Package model holds the data shared by every component of the crawler:
// torrents, peers and the result of a single peer-wire session.
package model

import (
	"encoding/hex"
	"math"
)

// Torrent is the canonical descriptor for one swarm. It is created at
// import and never mutated after, destroyed at shutdown.
type Torrent struct {
	// Key is the monotonic integer assigned on persistence.
	Key int64

	Name         string
	AnnounceURLs []string
	InfoHash     [20]byte

	PiecesCount int
	PieceSize   int64

	// CompleteThreshold is ceil(0.98 * PiecesCount); pieces >= this value
	// means the peer is considered done and is not rescheduled.
	CompleteThreshold int
}

// InfoHashHex returns the 40-character hex form of InfoHash.
func (t *Torrent) InfoHashHex() string {
	return hex.EncodeToString(t.InfoHash[:])
}

// NewTorrent builds a Torrent, computing CompleteThreshold from the
// configured complete-threshold fraction (spec default 0.98).
func NewTorrent(name string, announceURLs []string, infoHash [20]byte, piecesCount int, pieceSize int64, completeFraction float64) *Torrent {
	return &Torrent{
		Name:              name,
		AnnounceURLs:      announceURLs,
		InfoHash:          infoHash,
		PiecesCount:       piecesCount,
		PieceSize:         pieceSize,
		CompleteThreshold: int(math.Ceil(completeFraction * float64(piecesCount))),
	}
}
