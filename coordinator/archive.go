package coordinator

import (
	"time"

	"github.com/swarmwatch/crawler/internal/logger"
	"github.com/swarmwatch/crawler/internal/model"
)

// lastObservation is the archiver's private memory of a peer's previous
// piece count and visit time, used only to feed stats.PieceRate. Owned
// exclusively by the archiver goroutine.
type lastObservation struct {
	pieces int
	at     time.Time
}

// archive is the single goroutine that drains the visited channel,
// persists each VisitResult, and feeds unfinished outbound peers back
// into the queue with a future revisit time.
func (c *Coordinator) archive() {
	defer close(c.archiverDone)
	log := logger.New("archiver")
	last := make(map[int64]lastObservation)

	for result := range c.visited {
		now := time.Now()
		t, ok := c.torrentByKey(result.TorrentKey)
		if !ok {
			log.Debugln("dropping visit result for unknown torrent key:", result.TorrentKey)
			continue
		}

		var existingKey *int64
		if result.Source == model.SourceIncoming {
			eqKey := result.Peer.EqualityKey()
			if key, ok := c.incomingKeys[eqKey]; ok {
				existingKey = &key
			}
		} else {
			existingKey = result.Peer.DatabaseKey
		}

		ip := ""
		if result.Peer != nil && result.Peer.IP != nil {
			ip = result.Peer.IP.String()
		}
		port := 0
		if result.Peer != nil {
			port = int(result.Peer.Port)
		}

		databaseKey, _, err := c.store.PersistObservation(t.Key, existingKey, ip, port, result.Source, result.PeerID, result.PiecesDownloaded, now)
		if err != nil {
			log.Warningln("could not persist observation:", err)
			c.errCounters.addStorage(1)
			continue
		}

		if prev, ok := last[databaseKey]; ok {
			c.pieceRate.Observe(databaseKey, prev.pieces, result.PiecesDownloaded, prev.at, now)
		}
		last[databaseKey] = lastObservation{pieces: result.PiecesDownloaded, at: now}

		switch result.Source {
		case model.SourceIncoming:
			eqKey := result.Peer.EqualityKey()
			_, wasKnown := c.incomingKeys[eqKey]
			c.incomingKeys[eqKey] = databaseKey
			c.recordIncoming(t.Key, wasKnown)
		case model.SourceTracker, model.SourceDHT:
			c.requeueIfUnfinished(t, result, databaseKey)
		}
	}
}

// requeueIfUnfinished force-puts an outbound peer back into the queue
// with the archiver's next-revisit time, unless it has already crossed
// the torrent's complete threshold: a done peer is never rescheduled.
func (c *Coordinator) requeueIfUnfinished(t *model.Torrent, result *model.VisitResult, databaseKey int64) {
	if result.PiecesDownloaded >= t.CompleteThreshold {
		return
	}
	key := databaseKey
	next := &model.Peer{
		IP:                   result.Peer.IP,
		Port:                 result.Peer.Port,
		Source:               result.Peer.Source,
		TorrentKey:           t.Key,
		Revisit:              result.NextRevisit,
		DatabaseKey:          &key,
		LastPeerID:           result.PeerID,
		LastPiecesDownloaded: result.PiecesDownloaded,
	}
	c.queue.ForcePut(next)
}
