package coordinator

import (
	"net"
	"time"

	"github.com/swarmwatch/crawler/internal/logger"
	"github.com/swarmwatch/crawler/internal/model"
	"github.com/swarmwatch/crawler/internal/tracker"
)

// runTrackerRequestor is one goroutine per torrent with at least one
// announce URL. Each loop iterates every announce URL in order, scraping
// the first URL only, announcing against all of them, enqueueing every
// returned peer and recording the round, then sleeping
// TrackerRequestInterval or until shutdown.
func (c *Coordinator) runTrackerRequestor(t *model.Torrent) {
	defer c.trackerWG.Done()
	log := logger.New("tracker " + t.InfoHashHex()[:8])

	firstAnnounce := true
	for {
		select {
		case <-c.shutdownC:
			return
		default:
		}

		for i, url := range t.AnnounceURLs {
			start := time.Now()
			cl, err := tracker.New(url, c.cfg.NetworkTimeout)
			if err != nil {
				log.Warningln("tracker client error:", err)
				c.errCounters.addTracker(1)
				continue
			}

			var scrape *tracker.ScrapeResponse
			if i == 0 {
				scrape, err = cl.Scrape(t.InfoHash)
				if err != nil {
					log.Debugln("scrape failed:", err)
					scrape = nil
				}
			}

			declared := tracker.NewTorrent(t.InfoHash, c.peerID, int(c.cfg.BittorrentListenPort), t.PiecesCount)
			resp, err := cl.Announce(declared, firstAnnounce)
			if err != nil {
				log.Warningln("announce failed:", err)
				c.errCounters.addTracker(1)
				continue
			}

			received, duplicates := c.enqueuePeers(t, model.SourceTracker, resp.Peers)
			if err := c.store.RecordTrackerRequest(t.Key, url, start, received, duplicates, time.Since(start), scrape); err != nil {
				log.Warningln("could not record tracker request:", err)
				c.errCounters.addStorage(1)
			}
			if resp.Interval > 0 && resp.Interval < c.cfg.TrackerRequestInterval {
				log.Infoln("tracker requested a shorter interval than configured:", resp.Interval)
			}
		}
		firstAnnounce = false

		if c.sleepOrShutdown(c.cfg.TrackerRequestInterval) {
			return
		}
	}
}

// enqueuePeers builds a model.Peer for each addr and Puts it into the
// queue, returning the number received and the number that were
// duplicates (Put returned false).
func (c *Coordinator) enqueuePeers(t *model.Torrent, source model.Source, addrs []*net.TCPAddr) (received, duplicates int) {
	for _, addr := range addrs {
		p := &model.Peer{
			IP:         addr.IP,
			Port:       uint16(addr.Port),
			Source:     source,
			TorrentKey: t.Key,
		}
		received++
		if !c.queue.Put(p) {
			duplicates++
		}
	}
	return received, duplicates
}
