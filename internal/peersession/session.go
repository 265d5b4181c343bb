// Package peersession wraps one already-connected bidirectional byte
// stream and runs a single BitTorrent peer-wire evaluation session:
// handshake, message collection, bitfield reconstruction and the optional
// DHT PORT announcement. Grounded on rain's reader/writer goroutine
// shape in torrent/internal/peerconn/peer.go and the handshake split in
// internal/btconn/conn.go, generalized from a download session into a
// single-shot evaluation visit.
package peersession

import (
	"bufio"
	"net"
	"time"

	"github.com/swarmwatch/crawler/internal/logger"
	"github.com/swarmwatch/crawler/internal/model"
	"github.com/swarmwatch/crawler/internal/peerwire"
)

// Options configures one session run.
type Options struct {
	LocalPeerID       [20]byte
	NetworkTimeout    time.Duration
	ReceiveMessageMax int

	// LocalDHTSupported advertises BEP 5 DHT support in the handshake.
	LocalDHTSupported bool
	// LocalDHTPort, if LocalDHTSupported, is sent as a PORT message after
	// message collection when both sides advertised DHT support.
	LocalDHTPort uint16

	// LocalExtensionSupported advertises BEP 10 Extension Protocol support.
	LocalExtensionSupported bool
	// LocalUtMetadataID is the local sub-id advertised for ut_metadata.
	LocalUtMetadataID int
}

// Session runs one evaluation visit over conn.
type Session struct {
	conn net.Conn
	r    *bufio.Reader
	opts Options
	log  logger.Logger
}

// New wraps an already-connected net.Conn.
func New(conn net.Conn, opts Options, log logger.Logger) *Session {
	return &Session{conn: conn, r: bufio.NewReader(conn), opts: opts, log: log}
}

func (s *Session) resetDeadline() error {
	return s.conn.SetDeadline(time.Now().Add(s.opts.NetworkTimeout))
}

// RunOutbound performs the outbound handshake against infoHash, collects
// messages, reconstructs the bitfield and returns a VisitResult.
func (s *Session) RunOutbound(infoHash [20]byte, piecesCount int) (*model.VisitResult, error) {
	start := time.Now()
	if err := s.resetDeadline(); err != nil {
		return nil, err
	}
	remote, err := peerwire.DialOutbound(s.r, s.conn, infoHash, s.opts.LocalPeerID, s.opts.LocalDHTSupported, s.opts.LocalExtensionSupported)
	if err != nil {
		return nil, err
	}
	msgs, err := peerwire.CollectMessages(s.r, s.opts.ReceiveMessageMax, s.resetDeadline)
	if err != nil {
		return nil, err
	}
	if s.opts.LocalDHTSupported && remote.DHT() {
		s.sendDHTPort()
	}
	return s.buildResult(remote, infoHash, piecesCount, msgs, start), nil
}

// AcceptHandshake performs the inbound half-handshake: read the remote
// handshake (info hash unknown until it arrives), then send our handshake
// echoing the received info hash back, regardless of whether we recognize
// it. The caller must look up the returned info hash in the torrent table
// next; on a miss it should drop the connection without calling
// ContinueInbound.
func (s *Session) AcceptHandshake() (*peerwire.Handshake, error) {
	if err := s.resetDeadline(); err != nil {
		return nil, err
	}
	return peerwire.AcceptInbound(s.r, s.conn, s.opts.LocalPeerID, s.opts.LocalDHTSupported, s.opts.LocalExtensionSupported)
}

// ContinueInbound collects messages for a connection whose handshake has
// already completed via AcceptHandshake and whose info hash matched a
// known torrent, and returns a VisitResult.
func (s *Session) ContinueInbound(remote *peerwire.Handshake, piecesCount int, start time.Time) (*model.VisitResult, error) {
	msgs, err := peerwire.CollectMessages(s.r, s.opts.ReceiveMessageMax, s.resetDeadline)
	if err != nil {
		return nil, err
	}
	if s.opts.LocalDHTSupported && remote.DHT() {
		s.sendDHTPort()
	}
	return s.buildResult(remote, remote.InfoHash, piecesCount, msgs, start), nil
}

func (s *Session) sendDHTPort() {
	payload := peerwire.PortMessagePayload(s.opts.LocalDHTPort)
	if err := peerwire.SendMessage(s.conn, int8(model.MsgPort), payload); err != nil {
		s.log.Warningln("failed to send PORT message:", err)
	}
}

func (s *Session) buildResult(remote *peerwire.Handshake, infoHash [20]byte, piecesCount int, msgs []model.Message, start time.Time) *model.VisitResult {
	bf := peerwire.ReconstructBitfield(piecesCount, msgs, func(reason string) {
		s.log.Debugln("ignoring invalid bitfield message:", reason)
	})
	return &model.VisitResult{
		PeerID:           remote.PeerID,
		InfoHash:         infoHash,
		Messages:         msgs,
		Duration:         time.Since(start),
		PiecesDownloaded: bf.Count(),
	}
}
