// Package tracker implements the BitTorrent tracker protocol client: HTTP(S)
// and UDP announce + scrape, and compact peer-list parsing. Grounded on
// rain's internal/tracker/torrent.go (Torrent stats struct — field names
// kept, semantics adapted to the crawler's faked declared stats) and
// generalized to the full wire state machine a non-downloading crawler needs.
package tracker

import (
	"fmt"
	"net"
	"net/url"
	"time"
)

// Torrent carries the per-torrent stats declared to a tracker. Downloaded,
// Left and Uploaded are all expressed in pieces and are not truthful:
// the crawler fakes downloaded = pieces, left = 0, uploaded = 0.42*pieces,
// since it never transfers any piece data.
type Torrent struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
}

// NewTorrent builds the faked declared-stats Torrent for one announce.
func NewTorrent(infoHash, peerID [20]byte, port int, piecesCount int) Torrent {
	return Torrent{
		BytesUploaded:   int64(float64(piecesCount) * 0.42),
		BytesDownloaded: int64(piecesCount),
		BytesLeft:       0,
		InfoHash:        infoHash,
		PeerID:          peerID,
		Port:            port,
	}
}

// Error is returned for any tracker protocol mismatch, wrong length, short
// read, timeout, or bencoded "failure reason". Callers treat it as "skip
// this interval" rather than fatal.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracker error (%s): %s", e.URL, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

func newError(rawurl string, err error) *Error {
	return &Error{URL: rawurl, Err: err}
}

// AnnounceResponse is the parsed result of one announce.
type AnnounceResponse struct {
	Interval time.Duration
	Peers    []*net.TCPAddr
}

// ScrapeResponse is the parsed result of one scrape.
type ScrapeResponse struct {
	Complete   int
	Downloaded int
	Incomplete int
}

// Client announces/scrapes against one tracker URL.
type Client struct {
	RawURL  string
	Timeout time.Duration
}

// New returns a Client bound to rawurl, validating its scheme: http/https
// selects the HTTP flow, udp selects the UDP flow, anything else is fatal.
func New(rawurl string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, newError(rawurl, err)
	}
	switch u.Scheme {
	case "http", "https", "udp":
		return &Client{RawURL: rawurl, Timeout: timeout}, nil
	default:
		return nil, newError(rawurl, fmt.Errorf("unsupported tracker scheme: %s", u.Scheme))
	}
}

// Announce performs one announce request, firstAnnounce controlling
// whether event=started is declared.
func (c *Client) Announce(t Torrent, firstAnnounce bool) (*AnnounceResponse, error) {
	u, err := url.Parse(c.RawURL)
	if err != nil {
		return nil, newError(c.RawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return c.announceHTTP(t, firstAnnounce)
	case "udp":
		return c.announceUDP(u, t, firstAnnounce)
	default:
		return nil, newError(c.RawURL, fmt.Errorf("unsupported tracker scheme: %s", u.Scheme))
	}
}

// Scrape performs one scrape request. Returns an error if the scheme does
// not support scrape (HTTP trackers whose announce URL has no "announce"
// path component to rewrite).
func (c *Client) Scrape(infoHash [20]byte) (*ScrapeResponse, error) {
	u, err := url.Parse(c.RawURL)
	if err != nil {
		return nil, newError(c.RawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return c.scrapeHTTP(infoHash)
	case "udp":
		return c.scrapeUDP(u, infoHash)
	default:
		return nil, newError(c.RawURL, fmt.Errorf("unsupported tracker scheme: %s", u.Scheme))
	}
}
