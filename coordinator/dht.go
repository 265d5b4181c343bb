package coordinator

import (
	"net"
	"time"

	"github.com/swarmwatch/crawler/internal/logger"
	"github.com/swarmwatch/crawler/internal/model"
)

// runDHTRequestor is the single goroutine that iterates the torrent
// table asking the external DHT node for peers per torrent.
func (c *Coordinator) runDHTRequestor() {
	defer c.dhtWG.Done()
	log := logger.New("dht")

	for {
		select {
		case <-c.shutdownC:
			return
		default:
		}

		for _, t := range c.allTorrents() {
			start := time.Now()
			peers, err := c.dht.GetPeers(t.InfoHashHex(), int(c.cfg.BittorrentListenPort), func(line string) {
				log.Debugln("unrecognized dht control line:", line)
			})
			if err != nil {
				log.Warningln("get_peers failed for", t.InfoHashHex(), ":", err)
				c.errCounters.addDHT(1)
				continue
			}

			addrs := make([]*net.TCPAddr, 0, len(peers))
			for _, p := range peers {
				addrs = append(addrs, &net.TCPAddr{IP: p.IP, Port: p.Port})
			}
			received, _ := c.enqueuePeers(t, model.SourceDHT, addrs)
			if err := c.store.RecordDHTRequest(t.Key, start, received); err != nil {
				log.Warningln("could not record dht request:", err)
				c.errCounters.addStorage(1)
			}
		}

		if c.sleepOrShutdown(c.cfg.DHTRequestInterval) {
			return
		}
	}
}
