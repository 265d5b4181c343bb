package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/swarmwatch/crawler/internal/logger"
)

// errCounters accumulates cumulative error counts across every component,
// read by the statistics ticker.
type errCounters struct {
	tracker int64
	dht     int64
	storage int64
}

func (e *errCounters) addTracker(n int64) { atomic.AddInt64(&e.tracker, n) }
func (e *errCounters) addDHT(n int64)     { atomic.AddInt64(&e.dht, n) }
func (e *errCounters) addStorage(n int64) { atomic.AddInt64(&e.storage, n) }

func (e *errCounters) snapshot() (tracker, dht, storage int64) {
	return atomic.LoadInt64(&e.tracker), atomic.LoadInt64(&e.dht), atomic.LoadInt64(&e.storage)
}

// incomingCounters tallies, per torrent, inbound connections accepted
// (received) and inbound connections that turned out to be a reconnect
// of an already-known peer (duplicates) -- mirroring the original
// analyzer's incoming_total/incoming_duplicate DictCounters, reset every
// time the statistics ticker flushes them.
type incomingCounters struct {
	mu         sync.Mutex
	received   map[int64]int
	duplicates map[int64]int
	unique     int64
}

func newIncomingCounters() *incomingCounters {
	return &incomingCounters{received: make(map[int64]int), duplicates: make(map[int64]int)}
}

func (c *incomingCounters) record(torrentKey int64, duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received[torrentKey]++
	if duplicate {
		c.duplicates[torrentKey]++
	} else {
		c.unique++
	}
}

// flush returns and resets every torrent's received/duplicate counts.
func (c *incomingCounters) flush() map[int64][2]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64][2]int, len(c.received))
	for key, received := range c.received {
		out[key] = [2]int{received, c.duplicates[key]}
	}
	c.received = make(map[int64]int)
	c.duplicates = make(map[int64]int)
	return out
}

func (c *incomingCounters) uniqueCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.unique)
}

// recordIncoming is called by the archiver for every incoming VisitResult
// it processes: duplicate means the peer's equality key was already
// present in incomingKeys before this visit.
func (c *Coordinator) recordIncoming(torrentKey int64, duplicate bool) {
	c.incoming.record(torrentKey, duplicate)
}

// tickStats advances the worker-activity EWMA once per second and, every
// StatisticInterval,
// snapshots queue length, unique incoming count, worker-activity average,
// per-torrent incoming totals/duplicates and cumulative error counts.
func (c *Coordinator) tickStats() {
	defer close(c.statsDone)
	log := logger.New("stats")

	activityTicker := time.NewTicker(time.Second)
	defer activityTicker.Stop()
	snapshotTicker := time.NewTicker(c.cfg.StatisticInterval)
	defer snapshotTicker.Stop()

	for {
		select {
		case <-c.shutdownC:
			return
		case <-activityTicker.C:
			c.activity.Tick()
		case <-snapshotTicker.C:
			c.snapshotStats(log)
		}
	}
}

func (c *Coordinator) snapshotStats(log logger.Logger) {
	now := time.Now()
	queueLen := c.queue.Len()
	unique := c.incoming.uniqueCount()
	avgActivity := c.activity.Average()

	var successActive int64
	if c.pool != nil {
		successActive = c.pool.Counters().Successes
	}

	trackerErrs, dhtErrs, storageErrs := c.errCounters.snapshot()
	log.Infof("queue=%d unique_incoming=%d activity=%.2f tracker_errs=%d dht_errs=%d storage_errs=%d best_rate=%.2f",
		queueLen, unique, avgActivity, trackerErrs, dhtErrs, storageErrs, c.pieceRate.Overall())

	if err := c.store.RecordStatistic(now, queueLen, unique, successActive, avgActivity); err != nil {
		log.Warningln("could not record statistics snapshot:", err)
	}

	for torrentKey, counts := range c.incoming.flush() {
		if err := c.store.RecordIncomingStats(torrentKey, now, counts[0], counts[1]); err != nil {
			log.Warningln("could not record incoming stats:", err)
		}
	}
}
