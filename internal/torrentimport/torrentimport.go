// Package torrentimport turns *.torrent files and magnet links into
// model.Torrent descriptors. Grounded on rain's internal/metainfo.MetaInfo
// (RawInfo kept as bencode.RawMessage, decoded lazily) for the
// torrent-file path, and on the shape of magnet.New(link)
// (Name / Trackers / InfoHash fields) used by session.go's addMagnet for
// the magnet-link path, reusing the same github.com/zeebo/bencode codec.
package torrentimport

import (
	"bytes"
	"crypto/sha1"
	"encoding/base32"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/zeebo/bencode"

	"github.com/swarmwatch/crawler/internal/dhtconn"
	"github.com/swarmwatch/crawler/internal/logger"
	"github.com/swarmwatch/crawler/internal/model"
	"github.com/swarmwatch/crawler/internal/peersession"
)

// metaInfo mirrors rain's metainfo.MetaInfo: the info dict is
// kept raw so its exact bytes can be SHA-1'd for the info hash.
type metaInfo struct {
	RawInfo      bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
}

type infoDict struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Length      int64  `bencode:"length"`
}

// FromTorrentFile parses the bencoded contents of a *.torrent file into
// a Torrent descriptor, computing the info hash from the exact bytes of
// the "info" dict as it appeared on the wire.
func FromTorrentFile(data []byte, completeFraction float64) (*model.Torrent, error) {
	var mi metaInfo
	if err := bencode.NewDecoder(bytes.NewReader(data)).Decode(&mi); err != nil {
		return nil, fmt.Errorf("cannot decode torrent file: %w", err)
	}
	if len(mi.RawInfo) == 0 {
		return nil, errors.New("no info dict in torrent file")
	}
	var info infoDict
	if err := bencode.NewDecoder(bytes.NewReader(mi.RawInfo)).Decode(&info); err != nil {
		return nil, fmt.Errorf("cannot decode info dict: %w", err)
	}
	if info.PieceLength <= 0 {
		return nil, errors.New("invalid piece length")
	}
	if len(info.Pieces)%20 != 0 {
		return nil, errors.New("invalid pieces string length")
	}
	piecesCount := len(info.Pieces) / 20
	if piecesCount < 1 {
		return nil, errors.New("torrent has no pieces")
	}

	infoHash := sha1.Sum(mi.RawInfo)
	announceURLs := collectAnnounceURLs(mi.Announce, mi.AnnounceList)

	return model.NewTorrent(info.Name, announceURLs, infoHash, piecesCount, info.PieceLength, completeFraction), nil
}

func collectAnnounceURLs(announce string, announceList [][]string) []string {
	seen := make(map[string]struct{})
	var urls []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	add(announce)
	for _, tier := range announceList {
		for _, u := range tier {
			add(u)
		}
	}
	return urls
}

// magnetLink is the parsed form of one "magnet:?..." URI: the fields
// the crawler needs, mirroring magnet.New(link)'s Name/Trackers/InfoHash.
type magnetLink struct {
	Name     string
	Trackers []string
	InfoHash [20]byte
}

// parseMagnet parses a magnet URI's xt (exact topic, urn:btih:<hex or
// base32>), dn (display name) and tr (tracker) query parameters.
func parseMagnet(link string) (*magnetLink, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("invalid magnet link: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("not a magnet link")
	}
	q := u.Query()

	var infoHash [20]byte
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		hash := xt[len(prefix):]
		b, err := decodeInfoHash(hash)
		if err != nil {
			return nil, err
		}
		copy(infoHash[:], b)
		found = true
		break
	}
	if !found {
		return nil, errors.New("magnet link has no urn:btih xt parameter")
	}

	return &magnetLink{
		Name:     q.Get("dn"),
		Trackers: q["tr"],
		InfoHash: infoHash,
	}, nil
}

func decodeInfoHash(s string) ([]byte, error) {
	if len(s) == 32 {
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return nil, fmt.Errorf("invalid base32 info hash: %w", err)
		}
		return b, nil
	}
	if len(s) != 40 {
		return nil, fmt.Errorf("unsupported info hash encoding (expected 40 hex or 32 base32 chars), got %d chars", len(s))
	}
	return hexDecode(s)
}

func hexDecode(s string) ([]byte, error) {
	b := make([]byte, 20)
	for i := 0; i < 20; i++ {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid hex info hash")
		}
		b[i] = hi<<4 | lo
	}
	return b, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// FromMagnet resolves a magnet link's metadata by asking the DHT
// connector for peers advertising the info hash and trying each in turn
// with the ut_metadata fetch flow, stopping at the first peer that
// yields verified metadata.
func FromMagnet(link string, dht *dhtconn.Client, btPort int, sessOpts peersession.Options, netTimeout time.Duration, log logger.Logger, completeFraction float64) (*model.Torrent, error) {
	ml, err := parseMagnet(link)
	if err != nil {
		return nil, err
	}

	peers, err := dht.GetPeers(fmt.Sprintf("%x", ml.InfoHash), btPort, func(line string) {
		log.Debugln("unrecognized dht control line:", line)
	})
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("no peers found for magnet link")
	}

	var lastErr error
	for _, p := range peers {
		addr := net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
		conn, err := net.DialTimeout("tcp", addr, netTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		sess := peersession.New(conn, sessOpts, log)
		data, err := sess.FetchMetadata(ml.InfoHash)
		conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		var info infoDict
		if err := bencode.NewDecoder(bytes.NewReader(data)).Decode(&info); err != nil {
			lastErr = err
			continue
		}
		if info.PieceLength <= 0 || len(info.Pieces)%20 != 0 {
			lastErr = fmt.Errorf("malformed info dict from peer")
			continue
		}
		name := ml.Name
		if info.Name != "" {
			name = info.Name
		}
		piecesCount := len(info.Pieces) / 20
		return model.NewTorrent(name, ml.Trackers, ml.InfoHash, piecesCount, info.PieceLength, completeFraction), nil
	}
	return nil, fmt.Errorf("no peer yielded valid metadata: %w", lastErr)
}
