package model

import "time"

// MessageType tags a received peer-wire message. KeepAlive is synthetic
// (it has no wire-level id; length == 0 denotes it).
type MessageType int8

const KeepAlive MessageType = -1

const (
	MsgChoke         MessageType = 0
	MsgUnchoke       MessageType = 1
	MsgInterested    MessageType = 2
	MsgNotInterested MessageType = 3
	MsgHave          MessageType = 4
	MsgBitfield      MessageType = 5
	MsgRequest       MessageType = 6
	MsgPiece         MessageType = 7
	MsgCancel        MessageType = 8
	MsgPort          MessageType = 9
	MsgExtended      MessageType = 20
)

// Message is one decoded peer-wire message, with its id and payload.
type Message struct {
	Type    MessageType
	Payload []byte
}

// VisitResult is produced by a peer-wire session for exactly one connection.
type VisitResult struct {
	PeerID   [20]byte
	InfoHash [20]byte
	Messages []Message
	Duration time.Duration

	Source     Source
	TorrentKey int64
	Peer       *Peer

	// PiecesDownloaded is the popcount of the reconstructed bitfield.
	PiecesDownloaded int

	// NextRevisit is set by the evaluation worker for outbound peers;
	// zero for incoming (one-shot) peers.
	NextRevisit time.Time
}
