package peerwire

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	payload, err := BuildExtendedHandshake(3)
	require.NoError(t, err)

	gotID, size, err := ParseExtendedHandshake(payload)
	require.NoError(t, err)
	require.Equal(t, 3, gotID)
	require.Equal(t, 0, size, "a handshake this package builds never advertises a non-zero metadata_size")
}

func TestParseExtendedHandshakeMissingUtMetadata(t *testing.T) {
	_, _, err := ParseExtendedHandshake([]byte("d1:md1:vi4eee"))
	require.Error(t, err)
}

func TestMetadataRequestRoundTrip(t *testing.T) {
	payload, err := BuildMetadataRequest(5)
	require.NoError(t, err)

	msgType, piece, tail, err := ParseMetadataMessage(payload)
	require.NoError(t, err)
	require.Equal(t, MetadataRequest, msgType)
	require.Equal(t, 5, piece)
	require.Empty(t, tail)
}

// TestMetadataFetchScenario6 mirrors the out-of-order two-block fetch: the
// peer replies with piece 1 before piece 0; concatenation must still be
// B0 || B1 in index order and verify against the target info hash.
func TestMetadataFetchScenario6(t *testing.T) {
	block0 := make([]byte, metadataBlockSize)
	block1 := make([]byte, metadataBlockSize)
	for i := range block0 {
		block0[i] = 0xAB
	}
	for i := range block1 {
		block1[i] = 0xCD
	}
	full := append(append([]byte{}, block0...), block1...)
	target := sha1.Sum(full)

	f := NewMetadataFetcher(target, len(full))
	require.Equal(t, 2, f.NumBlocks())

	require.Equal(t, 0, f.NextRequest())
	require.Equal(t, 1, f.NextRequest())
	require.Equal(t, -1, f.NextRequest(), "every block already requested")

	require.NoError(t, f.GotBlock(1, block1))
	require.False(t, f.Done())
	require.NoError(t, f.GotBlock(0, block0))
	require.True(t, f.Done())

	data, err := f.Assemble()
	require.NoError(t, err)
	require.Equal(t, full, data)
}

func TestMetadataFetchRejectsUnrequestedBlock(t *testing.T) {
	var target [20]byte
	f := NewMetadataFetcher(target, metadataBlockSize)
	require.Error(t, f.GotBlock(0, make([]byte, metadataBlockSize)), "block 0 was never requested via NextRequest")
}

func TestMetadataFetchRejectsWrongLength(t *testing.T) {
	var target [20]byte
	f := NewMetadataFetcher(target, metadataBlockSize)
	require.Equal(t, 0, f.NextRequest())
	require.Error(t, f.GotBlock(0, make([]byte, metadataBlockSize-1)))
}

func TestMetadataFetchAssembleHashMismatch(t *testing.T) {
	var wrongTarget [20]byte
	wrongTarget[0] = 1
	f := NewMetadataFetcher(wrongTarget, metadataBlockSize)
	require.Equal(t, 0, f.NextRequest())
	require.NoError(t, f.GotBlock(0, make([]byte, metadataBlockSize)))
	_, err := f.Assemble()
	require.Error(t, err)
}

func TestPortMessagePayload(t *testing.T) {
	require.Equal(t, []byte{0x1A, 0xE1}, PortMessagePayload(6881))
}
