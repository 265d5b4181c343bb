package peerwire

import (
	"encoding/binary"
	"math/bits"

	"github.com/swarmwatch/crawler/internal/model"
)

// Bitfield is an MSB-first packed bit array of per-piece possession; piece
// 0 is the top bit of byte 0.
type Bitfield struct {
	bytes       []byte
	piecesCount int
}

// NewBitfield allocates an all-zero bitfield for piecesCount pieces.
func NewBitfield(piecesCount int) *Bitfield {
	return &Bitfield{
		bytes:       make([]byte, (piecesCount+7)/8),
		piecesCount: piecesCount,
	}
}

func (b *Bitfield) set(index int) {
	if index < 0 || index >= b.piecesCount {
		return
	}
	b.bytes[index/8] |= 1 << uint(7-index%8)
}

// Test reports whether piece index is set.
func (b *Bitfield) Test(index int) bool {
	if index < 0 || index >= b.piecesCount {
		return false
	}
	return b.bytes[index/8]&(1<<uint(7-index%8)) != 0
}

// Count returns the popcount of the bitfield.
func (b *Bitfield) Count() int {
	n := 0
	for _, by := range b.bytes {
		n += bits.OnesCount8(by)
	}
	return n
}

// replace overwrites the whole bitfield with data, which must already have
// been validated (correct length, zero padding bits).
func (b *Bitfield) replace(data []byte) {
	copy(b.bytes, data)
}

// ReconstructBitfield rebuilds the piece-possession bitfield from an
// unordered stream of collected messages:
//   - the last valid `bitfield` message seen replaces the whole state
//   - every `have` message sets one bit
//   - all other message types are counted but ignored
//
// A `bitfield` message is invalid (and must be ignored, logged, not fatal)
// if its length doesn't match ceil(piecesCount/8), or if any padding bit in
// the last byte is set.
func ReconstructBitfield(piecesCount int, msgs []model.Message, onInvalidBitfield func(reason string)) *Bitfield {
	bf := NewBitfield(piecesCount)
	expectedLen := (piecesCount + 7) / 8
	padBits := 8*expectedLen - piecesCount

	for _, m := range msgs {
		switch m.Type {
		case model.MsgBitfield:
			if len(m.Payload) != expectedLen {
				if onInvalidBitfield != nil {
					onInvalidBitfield("wrong length")
				}
				continue
			}
			if padBits > 0 && expectedLen > 0 {
				last := m.Payload[expectedLen-1]
				mask := byte(0xFF) >> uint(8-padBits)
				if last&mask != 0 {
					if onInvalidBitfield != nil {
						onInvalidBitfield("nonzero padding bits")
					}
					continue
				}
			}
			bf.replace(m.Payload)
		case model.MsgHave:
			if len(m.Payload) != 4 {
				continue
			}
			index := int(binary.BigEndian.Uint32(m.Payload))
			if index < piecesCount {
				bf.set(index)
			}
		}
	}
	return bf
}
