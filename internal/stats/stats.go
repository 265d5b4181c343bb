// Package stats tracks the running averages the statistics ticker
// reports: per-worker activity (fraction of time not blocked on an
// empty queue or a revisit delay) and pieces-per-second throughput.
// Grounded on rain's session/torrent.go EWMA fields
// (downloadSpeed/uploadSpeed metrics.EWMA, ticked once per second from
// session/run.go) using the same github.com/rcrowley/go-metrics package,
// retargeted from byte-rate to worker-activity and piece-rate.
package stats

import (
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// WorkerActivity tracks, per worker, the fraction of each tick spent
// doing useful work (dialing, running a session) versus idle-waiting on
// an empty queue or a revisit back-off.
type WorkerActivity struct {
	mu      sync.Mutex
	workers map[int]metrics.EWMA
}

// NewWorkerActivity prepares tracking for n workers, indexed 0..n-1.
func NewWorkerActivity(n int) *WorkerActivity {
	w := &WorkerActivity{workers: make(map[int]metrics.EWMA, n)}
	for i := 0; i < n; i++ {
		w.workers[i] = metrics.NewEWMA1()
	}
	return w
}

// RecordBusy is called by worker id once per work cycle when it was
// doing useful work (as opposed to idle-waiting).
func (w *WorkerActivity) RecordBusy(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.workers[id]; ok {
		e.Update(1)
	}
}

// RecordIdle is called by worker id once per work cycle when it found
// the queue empty or was cooperatively backing off a not-yet-ready peer.
func (w *WorkerActivity) RecordIdle(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.workers[id]; ok {
		e.Update(0)
	}
}

// Tick advances every worker's EWMA by one sample period. Call this
// once per second from a single ticker goroutine.
func (w *WorkerActivity) Tick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.workers {
		e.Tick()
	}
}

// Average returns the mean activity rate across all workers, in
// [0, 1].
func (w *WorkerActivity) Average() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.workers) == 0 {
		return 0
	}
	var sum float64
	for _, e := range w.workers {
		sum += e.Rate()
	}
	return sum / float64(len(w.workers))
}

// PieceRate computes pieces_per_second between two observations of the
// same peer, keeping the maximum seen so far. Grounded on the archiver's
// "compute pieces_per_second since last visit, keeping the max" rule.
type PieceRate struct {
	mu  sync.Mutex
	max map[int64]float64
}

// NewPieceRate prepares an empty per-peer max-rate tracker, keyed by the
// peer's persisted database key.
func NewPieceRate() *PieceRate {
	return &PieceRate{max: make(map[int64]float64)}
}

// Observe records a new observation of piecesDownloaded at t for the
// peer identified by key, given the previous observation, and returns
// the running-max pieces_per_second for that peer.
func (p *PieceRate) Observe(key int64, prevPieces, piecesDownloaded int, prevTime, t time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := t.Sub(prevTime).Seconds()
	var rate float64
	if elapsed > 0 && piecesDownloaded > prevPieces {
		rate = float64(piecesDownloaded-prevPieces) / elapsed
	}
	if rate > p.max[key] {
		p.max[key] = rate
	}
	return p.max[key]
}

// Overall returns the highest per-peer max rate observed across every
// peer tracked so far, for the statistics snapshot.
func (p *PieceRate) Overall() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best float64
	for _, v := range p.max {
		if v > best {
			best = v
		}
	}
	return best
}
