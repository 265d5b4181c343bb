package peersession

import (
	"fmt"
	"time"

	"github.com/swarmwatch/crawler/internal/model"
	"github.com/swarmwatch/crawler/internal/peerwire"
)

// FetchMetadata resolves a magnet link's info dict by running the BEP 10
// extension handshake then the ut_metadata block-fetch flow. It returns
// the raw info-dict bytes once their SHA-1 has been verified against
// infoHash.
func (s *Session) FetchMetadata(infoHash [20]byte) ([]byte, error) {
	if !s.opts.LocalExtensionSupported {
		return nil, &peerwire.PeerError{Kind: peerwire.KindUnsupportedExtension}
	}
	if err := s.resetDeadline(); err != nil {
		return nil, err
	}
	remote, err := peerwire.DialOutbound(s.r, s.conn, infoHash, s.opts.LocalPeerID, s.opts.LocalDHTSupported, true)
	if err != nil {
		return nil, err
	}
	if !remote.ExtensionProtocol() {
		return nil, &peerwire.PeerError{Kind: peerwire.KindUnsupportedExtension}
	}

	hsPayload, err := peerwire.BuildExtendedHandshake(s.opts.LocalUtMetadataID)
	if err != nil {
		return nil, err
	}
	if err := peerwire.SendExtended(s.conn, 0, hsPayload); err != nil {
		return nil, &peerwire.PeerError{Kind: peerwire.KindIO, Err: err}
	}

	remoteUtMetadataID, metadataSize, err := s.readExtendedHandshake()
	if err != nil {
		return nil, err
	}

	fetcher := peerwire.NewMetadataFetcher(infoHash, metadataSize)
	for {
		idx := fetcher.NextRequest()
		if idx == -1 {
			break
		}
		reqPayload, err := peerwire.BuildMetadataRequest(idx)
		if err != nil {
			return nil, err
		}
		if err := peerwire.SendExtended(s.conn, byte(remoteUtMetadataID), reqPayload); err != nil {
			return nil, &peerwire.PeerError{Kind: peerwire.KindIO, Err: err}
		}
	}

	if err := s.drainMetadataBlocks(fetcher); err != nil {
		return nil, err
	}
	if !fetcher.Done() {
		return nil, fmt.Errorf("incomplete metadata: peer disconnected before all blocks arrived")
	}
	return fetcher.Assemble()
}

// readExtendedHandshake collects messages until the remote's extended
// handshake (type 20, sub-id 0) arrives or the message cap is hit.
func (s *Session) readExtendedHandshake() (remoteUtMetadataID, metadataSize int, err error) {
	for i := 0; i < s.opts.ReceiveMessageMax; i++ {
		if err := s.resetDeadline(); err != nil {
			return 0, 0, err
		}
		msgs, err := peerwire.CollectMessages(s.r, 1, nil)
		if err != nil {
			return 0, 0, err
		}
		if len(msgs) == 0 {
			return 0, 0, fmt.Errorf("peer closed before sending extended handshake")
		}
		m := msgs[0]
		if m.Type != model.MsgExtended || len(m.Payload) == 0 || m.Payload[0] != 0 {
			continue
		}
		return peerwire.ParseExtendedHandshake(m.Payload[1:])
	}
	return 0, 0, fmt.Errorf("extended handshake not received within message cap")
}

// drainMetadataBlocks reads remaining messages in batches of at most
// ReceiveMessageMax, feeding extended ut_metadata Data responses to
// fetcher until every block has arrived, the peer disconnects or sends
// nothing before the read deadline, or 4×NetworkTimeout has elapsed.
func (s *Session) drainMetadataBlocks(fetcher *peerwire.MetadataFetcher) error {
	start := time.Now()
	for !fetcher.Done() && time.Since(start) < s.opts.NetworkTimeout*4 {
		if err := s.resetDeadline(); err != nil {
			return err
		}
		msgs, err := peerwire.CollectMessages(s.r, s.opts.ReceiveMessageMax, nil)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, m := range msgs {
			if m.Type != model.MsgExtended || len(m.Payload) == 0 {
				continue
			}
			subID := m.Payload[0]
			if int(subID) != 0 && int(subID) != s.opts.LocalUtMetadataID {
				continue
			}
			msgType, piece, tail, err := peerwire.ParseMetadataMessage(m.Payload[1:])
			if err != nil {
				continue
			}
			if msgType != peerwire.MetadataData {
				continue
			}
			if err := fetcher.GotBlock(piece, tail); err != nil {
				return err
			}
		}
	}
	return nil
}
