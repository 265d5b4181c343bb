package coordinator

import (
	"github.com/swarmwatch/crawler/internal/evalpool"
	"github.com/swarmwatch/crawler/internal/logger"
)

// startPool builds and starts the active-evaluation pool (C5), wiring it
// to the shared queue, the visited channel and a torrent-key lookup
// closure over the coordinator's torrent table.
func (c *Coordinator) startPool() {
	lookup := func(torrentKey int64) (evalpool.TorrentInfo, bool) {
		t, ok := c.torrentByKey(torrentKey)
		if !ok {
			return evalpool.TorrentInfo{}, false
		}
		return evalpool.TorrentInfo{InfoHash: t.InfoHash, PiecesCount: t.PiecesCount}, true
	}

	c.pool = evalpool.New(
		c.queue,
		lookup,
		c.sessionOptions(),
		evalpool.Config{
			Workers:           c.cfg.PeerEvaluationThreads,
			NetworkTimeout:    c.cfg.NetworkTimeout,
			EvaluatorReaction: c.cfg.EvaluatorReaction,
			PeerRevisitDelay:  c.cfg.PeerRevisitDelay,
		},
		c.visited,
		c.shutdownC,
		c.activity,
		logger.New("evalpool"),
	)
	c.pool.Start()
}
