package model

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerEqualityKey(t *testing.T) {
	a := &Peer{IP: net.ParseIP("1.2.3.4"), Port: 6881, Source: SourceTracker, TorrentKey: 1}
	b := &Peer{IP: net.ParseIP("1.2.3.4"), Port: 6881, Source: SourceDHT, TorrentKey: 1}
	require.Equal(t, a.EqualityKey(), b.EqualityKey(), "tracker and dht sightings of the same addr must collide")

	c := &Peer{IP: net.ParseIP("1.2.3.4"), Port: 6882, Source: SourceTracker, TorrentKey: 1}
	require.NotEqual(t, a.EqualityKey(), c.EqualityKey(), "different ports must not collide for outbound sources")

	in1 := &Peer{IP: net.ParseIP("1.2.3.4"), Port: 6881, Source: SourceIncoming, TorrentKey: 1}
	in2 := &Peer{IP: net.ParseIP("1.2.3.4"), Port: 9999, Source: SourceIncoming, TorrentKey: 1}
	require.Equal(t, in1.EqualityKey(), in2.EqualityKey(), "incoming peers key on ip+torrent only, port is ephemeral")
}

func TestPeerAddr(t *testing.T) {
	p := &Peer{IP: net.ParseIP("10.0.0.1"), Port: 6881}
	require.Equal(t, "10.0.0.1:6881", p.Addr().String())
}

func TestPeerDone(t *testing.T) {
	p := &Peer{LastPiecesDownloaded: 98}
	require.True(t, p.Done(98))
	require.False(t, p.Done(99))
}
