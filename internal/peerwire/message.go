// Package peerwire implements the BitTorrent peer-wire framing: the
// handshake, the length-prefixed message frame, bitfield reconstruction and
// the BEP 10 extension protocol used for ut_metadata. It is the byte-exact
// protocol machine an evaluation-only peer connection needs, grounded on
// the message-tagging idiom of rain's internal/peerconn/peerreader and
// the block-fetch shape of internal/infodownloader.
package peerwire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/swarmwatch/crawler/internal/model"
)

// PeerError is returned for any protocol violation, short read or I/O
// failure while running a peer-wire session.
type PeerError struct {
	Kind string
	Err  error
}

func (e *PeerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peer error (%s): %s", e.Kind, e.Err.Error())
	}
	return fmt.Sprintf("peer error (%s)", e.Kind)
}

func (e *PeerError) Unwrap() error { return e.Err }

func newPeerError(kind string, err error) *PeerError {
	return &PeerError{Kind: kind, Err: err}
}

// Error kinds distinguishing why a peer-wire session failed.
const (
	KindWrongProtocol      = "WrongProtocol"
	KindInfoHashMismatch   = "InfoHashMismatch"
	KindIO                 = "IO"
	KindShortRead          = "ShortRead"
	KindUnsupportedExtension = "UnsupportedExtension"
)

// DefaultReceiveMessageMax is the per-visit message cap CollectMessages
// uses when its max argument is not positive (the configured cap is
// Config.ReceiveMessageMax).
const DefaultReceiveMessageMax = 128

// SendMessage writes one length-prefixed message frame with the given
// message id and payload. Use model.KeepAlive as the id for a keep-alive.
func SendMessage(w io.Writer, id int8, payload []byte) error {
	return writeMessage(w, id, payload)
}

// writeMessage writes one length-prefixed message frame. A negative id
// (model.KeepAlive) writes a keep-alive frame (length == 0) and ignores
// payload.
func writeMessage(w io.Writer, id int8, payload []byte) error {
	if id < 0 {
		// Keep-alive: length == 0, no id, no payload.
		var lenBuf [4]byte
		_, err := w.Write(lenBuf[:])
		return err
	}
	length := uint32(1 + len(payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(id)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// readMessage reads one length-prefixed frame. A zero length frame yields
// (model.KeepAlive, nil, nil).
func readMessage(r *bufio.Reader) (model.MessageType, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return model.KeepAlive, nil, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	if length == 1 {
		return model.MessageType(body[0]), nil, nil
	}
	return model.MessageType(body[0]), body[1:], nil
}

// CollectMessages reads messages from r until the peer closes the
// connection, a read times out, or RECEIVE_MESSAGE_MAX messages have been
// collected. A read timeout is not an error, whether or not any message
// has arrived yet: it is the normal termination condition and the
// collected prefix (possibly empty) is returned.
//
// deadlineReset is called before every read to push the read deadline
// forward (the caller owns the net.Conn and its SetReadDeadline).
func CollectMessages(r *bufio.Reader, max int, deadlineReset func() error) ([]model.Message, error) {
	if max <= 0 {
		max = DefaultReceiveMessageMax
	}
	var msgs []model.Message
	for len(msgs) < max {
		if deadlineReset != nil {
			if err := deadlineReset(); err != nil {
				return msgs, newPeerError(KindIO, err)
			}
		}
		typ, payload, err := readMessage(r)
		if err != nil {
			if isTimeout(err) {
				return msgs, nil
			}
			if errors.Is(err, io.EOF) {
				return msgs, nil
			}
			return msgs, newPeerError(KindIO, err)
		}
		msgs = append(msgs, model.Message{Type: typ, Payload: payload})
	}
	return msgs, nil
}

type timeouter interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
