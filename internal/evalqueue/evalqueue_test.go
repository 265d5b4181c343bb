package evalqueue

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/swarmwatch/crawler/internal/model"
)

func trackerPeer(key *int64) *model.Peer {
	return &model.Peer{
		IP:          net.ParseIP("1.2.3.4"),
		Port:        6881,
		Source:      model.SourceTracker,
		TorrentKey:  1,
		DatabaseKey: key,
	}
}

// TestDuplicateSuppression is spec scenario 5: put the same first-ever
// sighting twice (second is suppressed), then put a revisit (non-nil
// DatabaseKey) of the same address three times (all three always insert).
func TestDuplicateSuppression(t *testing.T) {
	q := New()

	require.True(t, q.Put(trackerPeer(nil)))
	require.False(t, q.Put(trackerPeer(nil)), "second first-ever sighting of the same address must be suppressed")

	key := int64(7)
	for i := 0; i < 3; i++ {
		require.True(t, q.Put(trackerPeer(&key)), "a revisit (non-nil DatabaseKey) always inserts")
	}

	require.Equal(t, 4, q.Len(), "one original sighting plus three revisits")
}

func TestGetOrdersByRevisitAscending(t *testing.T) {
	q := New()
	now := time.Now()

	late := &model.Peer{IP: net.ParseIP("1.1.1.1"), Port: 1, TorrentKey: 1, Revisit: now.Add(time.Hour)}
	early := &model.Peer{IP: net.ParseIP("2.2.2.2"), Port: 2, TorrentKey: 1, Revisit: now}
	mid := &model.Peer{IP: net.ParseIP("3.3.3.3"), Port: 3, TorrentKey: 1, Revisit: now.Add(time.Minute)}

	q.ForcePut(late)
	q.ForcePut(early)
	q.ForcePut(mid)

	first, ok := q.Get()
	require.True(t, ok)
	require.Equal(t, early.IP, first.IP)

	second, ok := q.Get()
	require.True(t, ok)
	require.Equal(t, mid.IP, second.IP)

	third, ok := q.Get()
	require.True(t, ok)
	require.Equal(t, late.IP, third.IP)
}

func TestGetEmptyQueue(t *testing.T) {
	q := New()
	_, ok := q.Get()
	require.False(t, ok)
}

func TestForcePutBypassesDedup(t *testing.T) {
	q := New()
	require.True(t, q.Put(trackerPeer(nil)))
	require.False(t, q.Put(trackerPeer(nil)))

	q.ForcePut(trackerPeer(nil))
	require.Equal(t, 2, q.Len(), "ForcePut always inserts regardless of the seen-ever set")
}
