// Package evalpool implements the fixed-size active-evaluation pool: a
// set of identical workers draining the priority-set queue, dialling
// each popped peer and running an outbound peer-wire session against it.
// Grounded on the dial-loop shape of rain's session/run.go
// (dialAddresses spawning one handshaker goroutine per address) and the
// fixed-worker-pool idiom implied by its MaxPeerDial config knob,
// generalized into a pool of N goroutines pulling from one shared queue
// instead of an unbounded per-torrent dial fan-out.
package evalpool

import (
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swarmwatch/crawler/internal/logger"
	"github.com/swarmwatch/crawler/internal/model"
	"github.com/swarmwatch/crawler/internal/peersession"
	"github.com/swarmwatch/crawler/internal/stats"
)

// Queue is the subset of evalqueue.Queue the pool needs.
type Queue interface {
	Get() (*model.Peer, bool)
	ForcePut(*model.Peer)
}

// TorrentInfo is the slice of a torrent's data a worker needs to run a
// session against one of its peers.
type TorrentInfo struct {
	InfoHash    [20]byte
	PiecesCount int
}

// Lookup resolves a torrent key to its info, reporting ok=false if the
// torrent is unknown (e.g. removed between enqueue and pop).
type Lookup func(torrentKey int64) (TorrentInfo, bool)

// Config bundles the pool's tunables, sourced from the root Config.
type Config struct {
	Workers           int
	NetworkTimeout    time.Duration
	EvaluatorReaction time.Duration
	PeerRevisitDelay  time.Duration
}

// Counters tallies outcomes across all workers for the statistics ticker.
type Counters struct {
	FirstContactFailures int64
	LaterContactFailures int64
	SessionErrors        int64
	Successes            int64
}

// Pool runs Config.Workers identical workers against Queue, emitting one
// *model.VisitResult per successful outbound session onto Visited.
type Pool struct {
	queue    Queue
	lookup   Lookup
	sessOpts peersession.Options
	cfg      Config
	visited  chan<- *model.VisitResult
	shutdown <-chan struct{}
	activity *stats.WorkerActivity
	log      logger.Logger

	counters Counters
	wg       sync.WaitGroup
}

// New builds a Pool. shutdown is observed between work cycles so no
// worker blocks indefinitely.
func New(queue Queue, lookup Lookup, sessOpts peersession.Options, cfg Config, visited chan<- *model.VisitResult, shutdown <-chan struct{}, activity *stats.WorkerActivity, log logger.Logger) *Pool {
	return &Pool{
		queue:    queue,
		lookup:   lookup,
		sessOpts: sessOpts,
		cfg:      cfg,
		visited:  visited,
		shutdown: shutdown,
		activity: activity,
		log:      log,
	}
}

// Start launches Config.Workers goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Wait blocks until every worker has returned. Callers must close
// shutdown first.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Counters returns a snapshot of the pool's cumulative outcome counts.
func (p *Pool) Counters() Counters {
	return Counters{
		FirstContactFailures: atomic.LoadInt64(&p.counters.FirstContactFailures),
		LaterContactFailures: atomic.LoadInt64(&p.counters.LaterContactFailures),
		SessionErrors:        atomic.LoadInt64(&p.counters.SessionErrors),
		Successes:            atomic.LoadInt64(&p.counters.Successes),
	}
}

func (p *Pool) sleepOrShutdown(d time.Duration) (shutdown bool) {
	select {
	case <-time.After(d):
		return false
	case <-p.shutdown:
		return true
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdown:
			return
		default:
		}

		peer, ok := p.queue.Get()
		if !ok {
			p.activity.RecordIdle(id)
			if p.sleepOrShutdown(p.cfg.EvaluatorReaction) {
				return
			}
			continue
		}

		if peer.Revisit.After(time.Now()) {
			// Cooperative back-off: never block this worker on one
			// peer's delay, just requeue it and move on.
			p.activity.RecordIdle(id)
			wait := time.Until(peer.Revisit)
			if wait > time.Second {
				wait = time.Second
			}
			if p.sleepOrShutdown(wait) {
				p.queue.ForcePut(peer)
				return
			}
			p.queue.ForcePut(peer)
			continue
		}

		p.activity.RecordBusy(id)
		p.safeEvaluate(id, peer)
	}
}

// safeEvaluate runs evaluate with a recover guard: a panic inside one
// peer's evaluation (a malformed response, a nil session result) must not
// take the whole worker, let alone the crawler, down with it.
func (p *Pool) safeEvaluate(id int, peer *model.Peer) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("worker %d panic evaluating %s: %v\n%s", id, peer.Addr(), r, debug.Stack())
		}
	}()
	p.evaluate(peer)
}

func (p *Pool) evaluate(peer *model.Peer) {
	ti, ok := p.lookup(peer.TorrentKey)
	if !ok {
		p.log.Debugln("dropping peer for unknown torrent key:", peer.TorrentKey)
		return
	}

	conn, err := net.DialTimeout("tcp", peer.Addr().String(), p.cfg.NetworkTimeout)
	if err != nil {
		if peer.DatabaseKey == nil {
			atomic.AddInt64(&p.counters.FirstContactFailures, 1)
			p.log.Debugln("first-contact dial failed for", peer.Addr(), ":", err)
		} else {
			atomic.AddInt64(&p.counters.LaterContactFailures, 1)
			p.log.Debugln("later-contact dial failed for", peer.Addr(), ":", err)
		}
		return
	}
	defer conn.Close()

	sess := peersession.New(conn, p.sessOpts, p.log)
	result, err := sess.RunOutbound(ti.InfoHash, ti.PiecesCount)
	if err != nil {
		atomic.AddInt64(&p.counters.SessionErrors, 1)
		p.log.Debugln("session failed for", peer.Addr(), ":", err)
		return
	}

	atomic.AddInt64(&p.counters.Successes, 1)
	result.Source = peer.Source
	result.TorrentKey = peer.TorrentKey
	result.Peer = peer
	result.NextRevisit = time.Now().Add(p.cfg.PeerRevisitDelay)

	select {
	case p.visited <- result:
	case <-p.shutdown:
	}
}
