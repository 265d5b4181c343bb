package coordinator

import (
	"fmt"
	"net"
	"time"

	"github.com/swarmwatch/crawler/internal/logger"
	"github.com/swarmwatch/crawler/internal/model"
	"github.com/swarmwatch/crawler/internal/peersession"
)

// startListener binds the passive TCP listener and spawns the accept loop.
// Grounded on rain's incoming-connection handling block in run.go, of
// which it keeps the blocklist check, handshake and dispatch; there is no
// peer-limit check and no piece-transfer aftermath.
func (c *Coordinator) startListener() error {
	addr := fmt.Sprintf("0.0.0.0:%d", c.cfg.BittorrentListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind passive listener on %s: %w", addr, err)
	}
	c.listener = ln
	go c.acceptLoop()
	return nil
}

// stopListener stops accepting new inbound connections. In-flight
// sessions are left to run to their own NetworkTimeout bound rather than
// being interrupted.
func (c *Coordinator) stopListener() {
	if c.listener != nil {
		c.listener.Close()
	}
}

func (c *Coordinator) acceptLoop() {
	defer close(c.listenerDone)
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.shutdownC:
				return
			default:
				c.log.Warningln("accept failed:", err)
				return
			}
		}
		c.passiveWG.Add(1)
		go c.handleInbound(conn)
	}
}

func (c *Coordinator) handleInbound(conn net.Conn) {
	defer c.passiveWG.Done()
	defer conn.Close()

	remoteIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		remoteIP = conn.RemoteAddr().String()
	}
	ip := net.ParseIP(remoteIP)
	if ip != nil && c.bl.Blocked(ip) {
		c.log.Debugln("dropping blocklisted inbound connection from", remoteIP)
		return
	}

	log := logger.New("peer <- " + conn.RemoteAddr().String())
	start := time.Now()
	sess := peersession.New(conn, c.sessionOptions(), log)

	handshake, err := sess.AcceptHandshake()
	if err != nil {
		log.Debugln("inbound handshake failed:", err)
		return
	}

	t, ok := c.torrentByInfoHash(handshake.InfoHash)
	if !ok {
		log.Debugln("dropping inbound connection for unknown info hash")
		return
	}

	result, err := sess.ContinueInbound(handshake, t.PiecesCount, start)
	if err != nil {
		log.Debugln("inbound session failed:", err)
		return
	}

	result.Source = model.SourceIncoming
	result.TorrentKey = t.Key
	result.Peer = &model.Peer{
		IP:         ip,
		Port:       0,
		Source:     model.SourceIncoming,
		TorrentKey: t.Key,
	}

	select {
	case c.visited <- result:
	case <-c.shutdownC:
	}
}
