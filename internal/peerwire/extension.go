package peerwire

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/bencode"

	"github.com/swarmwatch/crawler/internal/model"
)

// ut_metadata fetch state machine (BEP 9 over BEP 10). Grounded on
// rain's internal/infodownloader.go block bookkeeping (fixed 16 KiB
// blocks, a requested set, a next-index cursor), retargeted at the info
// dict instead of file pieces.

const metadataBlockSize = 16 * 1024

// extendedHandshake is the bencoded payload of an extended handshake
// message (BEP 10), restricted to the ut_metadata fields this crawler uses.
type extendedHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int            `bencode:"metadata_size"`
}

func encodeBencode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBencode(data []byte, v interface{}) error {
	return bencode.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// BuildExtendedHandshake encodes the local extended handshake advertising
// our ut_metadata sub-id.
func BuildExtendedHandshake(localUtMetadataID int) ([]byte, error) {
	h := extendedHandshake{M: map[string]int{"ut_metadata": localUtMetadataID}}
	return encodeBencode(h)
}

// SendExtended writes an extended message (type 20) with the given sub-id
// and raw bencoded+tail payload.
func SendExtended(w io.Writer, subID byte, payload []byte) error {
	body := append([]byte{subID}, payload...)
	return writeMessage(w, int8(model.MsgExtended), body)
}

// ParseExtendedHandshake parses an extended-handshake payload (sub-id
// already stripped) and returns the remote ut_metadata sub-id and the
// metadata size.
func ParseExtendedHandshake(payload []byte) (remoteUtMetadataID int, metadataSize int, err error) {
	var h extendedHandshake
	if err := decodeBencode(payload, &h); err != nil {
		return 0, 0, fmt.Errorf("cannot decode extended handshake: %w", err)
	}
	id, ok := h.M["ut_metadata"]
	if !ok {
		return 0, 0, fmt.Errorf("peer does not support ut_metadata")
	}
	return id, h.MetadataSize, nil
}

// MetadataMsgType tags an extension ut_metadata message.
type MetadataMsgType int

const (
	MetadataRequest MetadataMsgType = 0
	MetadataData    MetadataMsgType = 1
	MetadataReject  MetadataMsgType = 2
)

type metadataMessageHeader struct {
	MsgType MetadataMsgType `bencode:"msg_type"`
	Piece   int             `bencode:"piece"`
	// TotalSize is only present on Data messages but bencode.RawMessage
	// decoding would choke on an unexpected extra key only if strict; we
	// keep it untyped here and ignore it.
}

// BuildMetadataRequest encodes a {"msg_type":0,"piece":i} request.
func BuildMetadataRequest(piece int) ([]byte, error) {
	return encodeBencode(metadataMessageHeader{MsgType: MetadataRequest, Piece: piece})
}

// ParseMetadataMessage splits an extended ut_metadata payload into its
// bencoded header and the raw tail bytes that follow it (the metadata
// block itself, present only on Data messages). Keeping the tail as raw
// bytes instead of reparsing it is what lets the metadata-fetch path avoid
// touching the bencode layer for the block contents themselves.
func ParseMetadataMessage(payload []byte) (msgType MetadataMsgType, piece int, tail []byte, err error) {
	var raw bencode.RawMessage
	if err := decodeBencode(payload, &raw); err != nil {
		return 0, 0, nil, fmt.Errorf("cannot decode metadata message: %w", err)
	}
	var header metadataMessageHeader
	if err := decodeBencode(raw, &header); err != nil {
		return 0, 0, nil, fmt.Errorf("cannot decode metadata message header: %w", err)
	}
	return header.MsgType, header.Piece, payload[len(raw):], nil
}

// MetadataFetcher drives the block-by-block ut_metadata download and
// verifies the assembled info dict's SHA-1 against the target info hash.
type MetadataFetcher struct {
	targetInfoHash [20]byte
	metadataSize   int
	blocks         [][]byte
	requested      map[int]bool
	next           int
}

// NewMetadataFetcher prepares a fetcher for a metadata dict of the given
// size, split into fixed metadataBlockSize blocks.
func NewMetadataFetcher(targetInfoHash [20]byte, metadataSize int) *MetadataFetcher {
	n := (metadataSize + metadataBlockSize - 1) / metadataBlockSize
	return &MetadataFetcher{
		targetInfoHash: targetInfoHash,
		metadataSize:   metadataSize,
		blocks:         make([][]byte, n),
		requested:      make(map[int]bool),
	}
}

// NumBlocks returns N = ceil(metadata_size / B).
func (f *MetadataFetcher) NumBlocks() int { return len(f.blocks) }

// NextRequest returns the next block index to request, or -1 if every
// block has already been requested.
func (f *MetadataFetcher) NextRequest() int {
	if f.next >= len(f.blocks) {
		return -1
	}
	i := f.next
	f.requested[i] = true
	f.next++
	return i
}

func (f *MetadataFetcher) expectedBlockLen(index int) int {
	if index < len(f.blocks)-1 {
		return metadataBlockSize
	}
	last := f.metadataSize % metadataBlockSize
	if last == 0 {
		return metadataBlockSize
	}
	return last
}

// GotBlock records a received metadata block.
func (f *MetadataFetcher) GotBlock(index int, data []byte) error {
	if index < 0 || index >= len(f.blocks) {
		return fmt.Errorf("metadata piece index out of range: %d", index)
	}
	if !f.requested[index] {
		return fmt.Errorf("unrequested metadata piece: %d", index)
	}
	if len(data) != f.expectedBlockLen(index) {
		return fmt.Errorf("unexpected metadata block length for piece %d: got %d", index, len(data))
	}
	f.blocks[index] = data
	delete(f.requested, index)
	return nil
}

// Done reports whether every block has been received.
func (f *MetadataFetcher) Done() bool {
	for _, b := range f.blocks {
		if b == nil {
			return false
		}
	}
	return true
}

// Assemble concatenates the blocks in order and verifies the SHA-1 of the
// result against the target info hash.
func (f *MetadataFetcher) Assemble() ([]byte, error) {
	var buf bytes.Buffer
	for _, b := range f.blocks {
		buf.Write(b)
	}
	data := buf.Bytes()
	sum := sha1.Sum(data)
	if sum != f.targetInfoHash {
		return nil, fmt.Errorf("metadata info hash mismatch")
	}
	return data, nil
}

// PortMessagePayload encodes the 2-byte big-endian DHT port payload for
// message type 9.
func PortMessagePayload(port uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, port)
	return buf
}
