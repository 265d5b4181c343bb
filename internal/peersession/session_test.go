package peersession

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/swarmwatch/crawler/internal/logger"
	"github.com/swarmwatch/crawler/internal/model"
	"github.com/swarmwatch/crawler/internal/peerwire"
)

func testOptions(peerID [20]byte) Options {
	return Options{
		LocalPeerID:       peerID,
		NetworkTimeout:    2 * time.Second,
		ReceiveMessageMax: 128,
	}
}

// TestRunOutboundReconstructsBitfield runs a full outbound session over a
// net.Pipe: the "remote" side plays a minimal peer that completes the
// handshake, sends a bitfield then a have message, and closes.
func TestRunOutboundReconstructsBitfield(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer clientConn.Close()

	var infoHash [20]byte
	infoHash[0] = 0xAA
	var localPeerID [20]byte
	localPeerID[0] = 0x42
	var remotePeerID [20]byte
	remotePeerID[0] = 0x43

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer remoteConn.Close()
		r := bufio.NewReader(remoteConn)

		_, err := peerwire.ReadHandshake(r)
		if err != nil {
			return
		}
		hs := &peerwire.Handshake{InfoHash: infoHash, PeerID: remotePeerID}
		remoteConn.Write(hs.Encode())

		_ = peerwire.SendMessage(remoteConn, int8(model.MsgBitfield), []byte{0b10000000})
		payload := make([]byte, 4)
		payload[3] = 1
		_ = peerwire.SendMessage(remoteConn, int8(model.MsgHave), payload)
	}()

	sess := New(clientConn, testOptions(localPeerID), logger.New("test"))
	result, err := sess.RunOutbound(infoHash, 2)
	require.NoError(t, err)
	require.Equal(t, remotePeerID, result.PeerID)
	require.Equal(t, 2, result.PiecesDownloaded)

	<-done
}

func TestAcceptHandshakeThenContinueInbound(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	var infoHash [20]byte
	infoHash[0] = 0xBB
	var localPeerID [20]byte
	localPeerID[0] = 0x10
	var remotePeerID [20]byte
	remotePeerID[0] = 0x20

	done := make(chan struct{})
	go func() {
		defer close(done)
		hs := &peerwire.Handshake{InfoHash: infoHash, PeerID: remotePeerID}
		remoteConn.Write(hs.Encode())

		r := bufio.NewReader(remoteConn)
		echoed, err := peerwire.ReadHandshake(r)
		if err != nil {
			return
		}
		if echoed.InfoHash != infoHash {
			return
		}
		remoteConn.Close()
	}()

	sess := New(clientConn, testOptions(localPeerID), logger.New("test"))
	handshake, err := sess.AcceptHandshake()
	require.NoError(t, err)
	require.Equal(t, infoHash, handshake.InfoHash)
	require.Equal(t, remotePeerID, handshake.PeerID)

	start := time.Now()
	result, err := sess.ContinueInbound(handshake, 1, start)
	require.NoError(t, err)
	require.Equal(t, remotePeerID, result.PeerID)

	<-done
}
