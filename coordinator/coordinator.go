// Package coordinator owns the torrent table, the evaluation queue, the
// visited-peer channel and every producer/consumer goroutine of the
// crawler. Grounded on rain's session package (session/session.go's
// Session struct: config, db, log, dht, blocklist, torrent table, port
// bookkeeping, rpc), generalized from "one BitTorrent client managing N
// downloads" into "one crawler managing N swarms it never downloads from".
package coordinator

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	crawler "github.com/swarmwatch/crawler"
	"github.com/swarmwatch/crawler/internal/blocklist"
	"github.com/swarmwatch/crawler/internal/dhtconn"
	"github.com/swarmwatch/crawler/internal/evalpool"
	"github.com/swarmwatch/crawler/internal/evalqueue"
	"github.com/swarmwatch/crawler/internal/logger"
	"github.com/swarmwatch/crawler/internal/model"
	"github.com/swarmwatch/crawler/internal/peersession"
	"github.com/swarmwatch/crawler/internal/peerstore"
	"github.com/swarmwatch/crawler/internal/stats"
)

// Coordinator owns every shared resource and runs every producer/consumer
// goroutine of a single crawl run.
type Coordinator struct {
	cfg   *crawler.Config
	log   logger.Logger
	store *peerstore.Store
	queue *evalqueue.Queue
	pool  *evalpool.Pool
	dht   *dhtconn.Client
	bl    *blocklist.Blocklist

	activity  *stats.WorkerActivity
	pieceRate *stats.PieceRate
	incoming  *incomingCounters

	peerID       [20]byte
	instanceUUID string

	visited chan *model.VisitResult

	mu                 sync.RWMutex
	torrents           map[int64]*model.Torrent
	torrentsByInfoHash map[[20]byte]*model.Torrent
	nextTorrentKey     int64

	// incomingKeys maps an incoming peer's (ip, torrent) equality key to
	// its persisted database key. Owned exclusively by the archiver
	// goroutine.
	incomingKeys map[string]int64

	shutdownC    chan struct{}
	shutdownOnce sync.Once

	listener     net.Listener
	listenerDone chan struct{}
	archiverDone chan struct{}
	statsDone    chan struct{}
	passiveWG    sync.WaitGroup
	trackerWG    sync.WaitGroup
	dhtWG        sync.WaitGroup

	// errCounters accumulates the cumulative error counts the statistics
	// ticker reports.
	errCounters errCounters
}

// New builds a Coordinator from cfg. It opens the peerstore database,
// prepares the DHT control-channel client (if enabled) and the
// blocklist, and generates a random local peer id (20 bytes, BitTorrent
// convention: a readable client tag prefix plus random bytes).
func New(cfg *crawler.Config) (*Coordinator, error) {
	store, err := peerstore.Open(cfg.DataDir + "/peerstore.db")
	if err != nil {
		return nil, fmt.Errorf("cannot open peerstore: %w", err)
	}

	var peerID [20]byte
	copy(peerID[:], "-SC0001-")
	if _, err := rand.Read(peerID[8:]); err != nil {
		store.Close()
		return nil, err
	}

	instanceID := uuid.NewV1()

	c := &Coordinator{
		cfg:                cfg,
		log:                logger.New("coordinator"),
		store:              store,
		queue:              evalqueue.New(),
		bl:                 blocklist.New(),
		activity:           stats.NewWorkerActivity(cfg.PeerEvaluationThreads),
		pieceRate:          stats.NewPieceRate(),
		incoming:           newIncomingCounters(),
		peerID:             peerID,
		instanceUUID:       instanceID.String(),
		visited:            make(chan *model.VisitResult, 256),
		torrents:           make(map[int64]*model.Torrent),
		torrentsByInfoHash: make(map[[20]byte]*model.Torrent),
		incomingKeys:       make(map[string]int64),
		shutdownC:          make(chan struct{}),
		listenerDone:       make(chan struct{}),
		archiverDone:       make(chan struct{}),
		statsDone:          make(chan struct{}),
	}
	if cfg.DHTEnabled {
		c.dht = dhtconn.New(fmt.Sprintf("localhost:%d", cfg.DHTControlPort), cfg.NetworkTimeout, cfg.NetworkTimeout)
	}
	if cfg.BlocklistPath != "" {
		if err := c.bl.Reload(cfg.BlocklistPath); err != nil {
			c.log.Warningln("cannot load blocklist:", err)
		}
	}
	return c, nil
}

func (c *Coordinator) sessionOptions() peersession.Options {
	return peersession.Options{
		LocalPeerID:             c.peerID,
		NetworkTimeout:          c.cfg.NetworkTimeout,
		ReceiveMessageMax:       c.cfg.ReceiveMessageMax,
		LocalDHTSupported:       c.cfg.DHTEnabled,
		LocalDHTPort:            c.cfg.DHTNodePort,
		LocalExtensionSupported: true,
		LocalUtMetadataID:       c.cfg.ExtensionUtMetadataID,
	}
}

func (c *Coordinator) torrentByInfoHash(infoHash [20]byte) (*model.Torrent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.torrentsByInfoHash[infoHash]
	return t, ok
}

func (c *Coordinator) torrentByKey(key int64) (*model.Torrent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.torrents[key]
	return t, ok
}

func (c *Coordinator) allTorrents() []*model.Torrent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Torrent, 0, len(c.torrents))
	for _, t := range c.torrents {
		out = append(out, t)
	}
	return out
}

func (c *Coordinator) addTorrent(t *model.Torrent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.torrentsByInfoHash[t.InfoHash]; ok {
		return fmt.Errorf("info hash collision on import: %s", t.InfoHashHex())
	}
	c.nextTorrentKey++
	t.Key = c.nextTorrentKey
	c.torrents[t.Key] = t
	c.torrentsByInfoHash[t.InfoHash] = t
	return nil
}

// Run imports every torrent from the input directory, starts the
// passive listener (if enabled), one tracker requestor per torrent with
// announce URLs, the DHT requestor (if enabled), the archiver and the
// statistics ticker, and blocks until Shutdown is called.
func (c *Coordinator) Run() error {
	if err := c.importAll(); err != nil {
		return err
	}

	go c.archive()
	go c.tickStats()

	if c.cfg.PassiveEnabled {
		if err := c.startListener(); err != nil {
			return err
		}
	} else {
		close(c.listenerDone)
	}

	if c.cfg.ActiveEnabled {
		c.startPool()
		for _, t := range c.allTorrents() {
			if len(t.AnnounceURLs) > 0 {
				c.trackerWG.Add(1)
				go c.runTrackerRequestor(t)
			}
		}
		if c.cfg.DHTEnabled {
			c.dhtWG.Add(1)
			go c.runDHTRequestor()
		}
	}

	<-c.shutdownC
	return nil
}

// Shutdown signals every goroutine to stop and waits for an ordered
// drain: DHT requestor, active pool, tracker requestors, passive
// listener, archiver drain, stats ticker.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.shutdownC)
	})
	c.dhtWG.Wait()
	if c.pool != nil {
		c.pool.Wait()
	}
	c.trackerWG.Wait()
	c.stopListener()
	<-c.listenerDone
	c.passiveWG.Wait()
	close(c.visited)
	<-c.archiverDone
	<-c.statsDone
	if c.dht != nil {
		c.dht.Close(true)
	}
	c.store.Close()
}

func (c *Coordinator) sleepOrShutdown(d time.Duration) (shutdown bool) {
	select {
	case <-time.After(d):
		return false
	case <-c.shutdownC:
		return true
	}
}
