package peerwire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmwatch/crawler/internal/model"
)

func haveMsg(index int) model.Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return model.Message{Type: model.MsgHave, Payload: payload}
}

func TestReconstructBitfieldMergesHaves(t *testing.T) {
	msgs := []model.Message{
		{Type: model.MsgBitfield, Payload: []byte{0b10000000, 0b01000000}},
		haveMsg(2),
		haveMsg(4),
		haveMsg(9),
	}
	bf := ReconstructBitfield(10, msgs, nil)
	require.Equal(t, 4, bf.Count())
	for _, want := range []int{0, 2, 4, 9} {
		require.True(t, bf.Test(want), "piece %d should be set", want)
	}
	for _, unset := range []int{1, 3, 5, 6, 7, 8} {
		require.False(t, bf.Test(unset), "piece %d should not be set", unset)
	}
}

func TestReconstructBitfieldPaddingBoundaries(t *testing.T) {
	t.Run("1 piece, 7 padding bits", func(t *testing.T) {
		bf := ReconstructBitfield(1, []model.Message{
			{Type: model.MsgBitfield, Payload: []byte{0b10000000}},
		}, nil)
		require.Equal(t, 1, bf.Count())
	})

	t.Run("8 pieces, no padding", func(t *testing.T) {
		bf := ReconstructBitfield(8, []model.Message{
			{Type: model.MsgBitfield, Payload: []byte{0xFF}},
		}, nil)
		require.Equal(t, 8, bf.Count())
	})

	t.Run("nonzero padding bits rejected", func(t *testing.T) {
		var reasons []string
		bf := ReconstructBitfield(1, []model.Message{
			{Type: model.MsgBitfield, Payload: []byte{0b11000000}},
		}, func(reason string) { reasons = append(reasons, reason) })
		require.Equal(t, 0, bf.Count(), "an invalid bitfield message must be ignored, not applied")
		require.Len(t, reasons, 1)
	})
}

func TestReconstructBitfieldIdempotent(t *testing.T) {
	payload := []byte{0b10100000}
	msgs := []model.Message{
		{Type: model.MsgBitfield, Payload: payload},
		{Type: model.MsgBitfield, Payload: payload},
	}
	bf := ReconstructBitfield(3, msgs, nil)
	require.Equal(t, 2, bf.Count())
}

func TestReconstructBitfieldIgnoresUnrelatedMessages(t *testing.T) {
	msgs := []model.Message{
		{Type: model.MsgChoke},
		{Type: model.MsgInterested},
		haveMsg(0),
	}
	bf := ReconstructBitfield(4, msgs, nil)
	require.Equal(t, 1, bf.Count())
}
