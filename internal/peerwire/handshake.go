package peerwire

import (
	"bufio"
	"bytes"
	"io"
)

const protocolString = "BitTorrent protocol"

// Handshake is the fixed 68-byte frame exchanged once per connection:
// pstrlen:u8 | pstr:pstrlen | reserved:8 | info_hash:20 | peer_id:20.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// Reserved-bit positions (BEP 5 DHT and BEP 10 extension protocol).
const (
	reservedDHTByte       = 7
	reservedDHTBit        = 0x01
	reservedExtensionByte = 5
	reservedExtensionBit  = 0x10
)

// SetDHT sets or clears the BEP 5 DHT-support bit.
func (h *Handshake) SetDHT(v bool) {
	setBit(&h.Reserved[reservedDHTByte], reservedDHTBit, v)
}

// DHT reports whether the BEP 5 DHT-support bit is set.
func (h *Handshake) DHT() bool {
	return h.Reserved[reservedDHTByte]&reservedDHTBit != 0
}

// SetExtensionProtocol sets or clears the BEP 10 extension-protocol bit.
func (h *Handshake) SetExtensionProtocol(v bool) {
	setBit(&h.Reserved[reservedExtensionByte], reservedExtensionBit, v)
}

// ExtensionProtocol reports whether the BEP 10 extension-protocol bit is set.
func (h *Handshake) ExtensionProtocol() bool {
	return h.Reserved[reservedExtensionByte]&reservedExtensionBit != 0
}

func setBit(b *byte, mask byte, v bool) {
	if v {
		*b |= mask
	} else {
		*b &^= mask
	}
}

// Encode writes the 68-byte handshake frame.
func (h *Handshake) Encode() []byte {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, []byte(protocolString)...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake reads and parses a 68-byte handshake frame from r.
func ReadHandshake(r *bufio.Reader) (*Handshake, error) {
	pstrlenB, err := r.ReadByte()
	if err != nil {
		return nil, newPeerError(KindIO, err)
	}
	pstrlen := int(pstrlenB)
	pstr := make([]byte, pstrlen)
	if _, err := io.ReadFull(r, pstr); err != nil {
		return nil, newPeerError(KindShortRead, err)
	}
	if !bytes.Equal(pstr, []byte(protocolString)) {
		return nil, newPeerError(KindWrongProtocol, nil)
	}
	var rest [48]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return nil, newPeerError(KindShortRead, err)
	}
	h := &Handshake{}
	copy(h.Reserved[:], rest[0:8])
	copy(h.InfoHash[:], rest[8:28])
	copy(h.PeerID[:], rest[28:48])
	return h, nil
}

// DialOutbound performs the outbound handshake: send our handshake with
// infoHash first, then read the remote one. The received info hash must
// equal the one we sent. r must be the same buffered reader the caller
// will keep using for subsequent message collection, so no bytes read
// past the handshake are lost.
func DialOutbound(r *bufio.Reader, w io.Writer, infoHash, peerID [20]byte, dht, extension bool) (*Handshake, error) {
	local := &Handshake{InfoHash: infoHash, PeerID: peerID}
	local.SetDHT(dht)
	local.SetExtensionProtocol(extension)
	if _, err := w.Write(local.Encode()); err != nil {
		return nil, newPeerError(KindIO, err)
	}
	remote, err := ReadHandshake(r)
	if err != nil {
		return nil, err
	}
	if remote.InfoHash != infoHash {
		return nil, newPeerError(KindInfoHashMismatch, nil)
	}
	return remote, nil
}

// AcceptInbound performs the inbound handshake: read the remote handshake
// first (info hash unknown until it arrives), then send our handshake
// echoing the received info hash. The caller is responsible for looking up
// the info hash in the torrent table and discarding on a miss.
func AcceptInbound(r *bufio.Reader, w io.Writer, peerID [20]byte, dht, extension bool) (*Handshake, error) {
	remote, err := ReadHandshake(r)
	if err != nil {
		return nil, err
	}
	local := &Handshake{InfoHash: remote.InfoHash, PeerID: peerID}
	local.SetDHT(dht)
	local.SetExtensionProtocol(extension)
	if _, err := w.Write(local.Encode()); err != nil {
		return nil, newPeerError(KindIO, err)
	}
	return remote, nil
}
