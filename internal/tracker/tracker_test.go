package tracker

import (
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHTTPAnnounceIPv4Only is spec scenario 1: bencoded response
// d8:intervali1800e5:peers6:\x7f\x00\x00\x01\x1a\xe1e decodes to
// interval=1800, one peer (127.0.0.1:6881).
func TestHTTPAnnounceIPv4Only(t *testing.T) {
	body := "d8:intervali1800e5:peers6:\x7f\x00\x00\x01\x1a\xe1e"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	cl, err := New(srv.URL+"/announce", time.Second)
	require.NoError(t, err)

	resp, err := cl.Announce(NewTorrent([20]byte{}, [20]byte{}, 6881, 10), true)
	require.NoError(t, err)
	require.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	require.Equal(t, 6881, resp.Peers[0].Port)
}

func TestHTTPAnnounceFailureReason(t *testing.T) {
	body := "d14:failure reason9:not founde"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	cl, err := New(srv.URL+"/announce", time.Second)
	require.NoError(t, err)
	_, err = cl.Announce(NewTorrent([20]byte{}, [20]byte{}, 6881, 10), true)
	require.Error(t, err)
}

func TestNewRejectsUnsupportedScheme(t *testing.T) {
	_, err := New("ftp://example.com/announce", time.Second)
	require.Error(t, err)
}

// TestUDPAnnounceConnectThenAnnounce is spec scenario 2: the connect
// request carries the protocol magic, action 0 and a transaction id; the
// server's connect reply carries that same id and a connection id. The
// announce request must reuse the connection id; the server's announce
// reply (action 1, the same new transaction id, interval, then 6 peer
// bytes) must parse to interval=900 and one peer.
func TestUDPAnnounceConnectThenAnnounce(t *testing.T) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer pc.Close()

	const connID = uint64(0xAABBCCDDEEFF0011)
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 2048)

		n, addr, err := pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req := buf[:n]
		magic := binary.BigEndian.Uint64(req[0:8])
		if magic != protocolMagic {
			return
		}
		action := binary.BigEndian.Uint32(req[8:12])
		if action != actionConnect {
			return
		}
		txID := req[12:16]

		connectResp := make([]byte, 16)
		binary.BigEndian.PutUint32(connectResp[0:4], actionConnect)
		copy(connectResp[4:8], txID)
		binary.BigEndian.PutUint64(connectResp[8:16], connID)
		_, _ = pc.WriteToUDP(connectResp, addr)

		n, addr, err = pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req = buf[:n]
		gotConnID := binary.BigEndian.Uint64(req[0:8])
		if gotConnID != connID {
			return
		}
		action = binary.BigEndian.Uint32(req[8:12])
		if action != actionAnnounce {
			return
		}
		txID2 := req[12:16]

		announceResp := make([]byte, 26)
		binary.BigEndian.PutUint32(announceResp[0:4], actionAnnounce)
		copy(announceResp[4:8], txID2)
		binary.BigEndian.PutUint32(announceResp[8:12], 900)  // interval
		binary.BigEndian.PutUint32(announceResp[12:16], 0)   // leechers
		binary.BigEndian.PutUint32(announceResp[16:20], 0)   // seeders
		copy(announceResp[20:24], []byte{127, 0, 0, 1})
		binary.BigEndian.PutUint16(announceResp[24:26], 6881)
		_, _ = pc.WriteToUDP(announceResp, addr)
	}()

	cl, err := New("udp://"+pc.LocalAddr().String()+"/announce", 2*time.Second)
	require.NoError(t, err)

	resp, err := cl.Announce(NewTorrent([20]byte{}, [20]byte{}, 6881, 10), true)
	require.NoError(t, err)
	require.Equal(t, 900*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	require.Equal(t, 6881, resp.Peers[0].Port)

	<-done
}

func TestUDPConnectRejectsErrorAction(t *testing.T) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer pc.Close()

	go func() {
		buf := make([]byte, 64)
		n, addr, err := pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req := buf[:n]
		txID := req[12:16]
		resp := append([]byte{0, 0, 0, 3}, txID...)
		resp = append(resp, []byte("nope reason     ")...)
		_, _ = pc.WriteToUDP(resp, addr)
	}()

	cl, err := New("udp://"+pc.LocalAddr().String()+"/announce", 2*time.Second)
	require.NoError(t, err)
	_, err = cl.Announce(NewTorrent([20]byte{}, [20]byte{}, 6881, 10), true)
	require.Error(t, err, "a connect response with action=error must be a hard error, never a silently-used zero connection id")
}
