// Package peerstore persists peer observations and per-torrent request
// history in a boltdb/bolt database, one bucket per torrent holding a
// "peers" sub-bucket with one record per peer (keyed by its database key)
// plus one sub-bucket per request kind, mirroring rain's session.go bucket-per-torrent /
// bucket-per-session layout (sessionBucket > torrentsBucket > one bucket
// per torrent id). Records are bencode-encoded, reusing the same
// github.com/zeebo/bencode codec the wire protocol and torrent import
// already depend on instead of adding a second serialization library
// for the same concern.
package peerstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/bencode"

	"github.com/swarmwatch/crawler/internal/model"
	"github.com/swarmwatch/crawler/internal/tracker"
)

var (
	torrentsBucket      = []byte("torrents")
	peersSubBucket      = []byte("peers")
	trackerReqSubBucket = []byte("tracker_requests")
	dhtReqSubBucket     = []byte("dht_requests")
	statisticsBucket    = []byte("statistics")
)

// Store is the single writer handle used by the archiver and the
// requestor goroutines. boltdb itself serializes writers, so one handle
// shared across goroutines is sufficient, matching rain's single
// *bolt.DB field on Session.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bolt database at path and ensures
// the top-level torrents bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, fmt.Errorf("peerstore database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(torrentsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(statisticsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func torrentKeyBytes(torrentKey int64) []byte {
	return []byte(fmt.Sprintf("%020d", torrentKey))
}

func peerRecordKey(databaseKey int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(databaseKey))
	return buf
}

// peerRecord is the persisted form of one peer's observation history.
type peerRecord struct {
	IP                   string  `bencode:"ip"`
	Port                 int     `bencode:"port"`
	Source               int     `bencode:"source"`
	FirstSeenUnix        int64   `bencode:"first_seen"`
	LastSeenUnix         int64   `bencode:"last_seen"`
	LastPeerID           string  `bencode:"last_peer_id"`
	LastPiecesDownloaded int     `bencode:"last_pieces_downloaded"`
	MaxPiecesPerSecond   float64 `bencode:"max_pieces_per_second"`
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	return bencode.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// torrentBucket returns (creating as needed) the per-torrent bucket and
// its peers sub-bucket.
func torrentBucket(tx *bolt.Tx, torrentKey int64) (*bolt.Bucket, error) {
	root := tx.Bucket(torrentsBucket)
	return root.CreateBucketIfNotExists(torrentKeyBytes(torrentKey))
}

// PersistObservation records one VisitResult for torrentKey. If
// existingKey is nil this is a first-seen peer: a new record is created
// and its database key returned. Otherwise the existing record is
// updated and pieces_per_second since the last visit is computed,
// keeping the running maximum. now is the observation time.
func (s *Store) PersistObservation(torrentKey int64, existingKey *int64, ip string, port int, source model.Source, peerID [20]byte, piecesDownloaded int, now time.Time) (databaseKey int64, piecesPerSecond float64, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		tb, err := torrentBucket(tx, torrentKey)
		if err != nil {
			return err
		}
		peers, err := tb.CreateBucketIfNotExists(peersSubBucket)
		if err != nil {
			return err
		}

		var rec peerRecord
		if existingKey != nil {
			raw := peers.Get(peerRecordKey(*existingKey))
			if raw != nil {
				if err := decode(raw, &rec); err != nil {
					return err
				}
				elapsed := now.Sub(time.Unix(rec.LastSeenUnix, 0)).Seconds()
				if elapsed > 0 && piecesDownloaded > rec.LastPiecesDownloaded {
					rate := float64(piecesDownloaded-rec.LastPiecesDownloaded) / elapsed
					if rate > rec.MaxPiecesPerSecond {
						rec.MaxPiecesPerSecond = rate
					}
				}
			}
			databaseKey = *existingKey
		} else {
			id, _ := peers.NextSequence()
			databaseKey = int64(id)
			rec.FirstSeenUnix = now.Unix()
		}

		rec.IP = ip
		rec.Port = port
		rec.Source = int(source)
		rec.LastSeenUnix = now.Unix()
		rec.LastPeerID = string(peerID[:])
		rec.LastPiecesDownloaded = piecesDownloaded
		piecesPerSecond = rec.MaxPiecesPerSecond

		data, err := encode(rec)
		if err != nil {
			return err
		}
		return peers.Put(peerRecordKey(databaseKey), data)
	})
	return databaseKey, piecesPerSecond, newStorageError("persist observation", err)
}

// trackerRequestRecord is one logged announce+scrape round for a torrent.
type trackerRequestRecord struct {
	URL        string `bencode:"url"`
	TimeUnix   int64  `bencode:"time"`
	Received   int    `bencode:"received"`
	Duplicates int    `bencode:"duplicates"`
	DurationMS int64  `bencode:"duration_ms"`
	ScrapeOK   bool   `bencode:"scrape_ok"`
	Complete   int    `bencode:"complete"`
	Downloaded int    `bencode:"downloaded"`
	Incomplete int    `bencode:"incomplete"`
}

// RecordTrackerRequest appends one tracker-round record.
func (s *Store) RecordTrackerRequest(torrentKey int64, url string, at time.Time, received, duplicates int, duration time.Duration, scrape *tracker.ScrapeResponse) error {
	rec := trackerRequestRecord{
		URL:        url,
		TimeUnix:   at.Unix(),
		Received:   received,
		Duplicates: duplicates,
		DurationMS: duration.Milliseconds(),
	}
	if scrape != nil {
		rec.ScrapeOK = true
		rec.Complete = scrape.Complete
		rec.Downloaded = scrape.Downloaded
		rec.Incomplete = scrape.Incomplete
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := torrentBucket(tx, torrentKey)
		if err != nil {
			return err
		}
		reqs, err := tb.CreateBucketIfNotExists(trackerReqSubBucket)
		if err != nil {
			return err
		}
		id, _ := reqs.NextSequence()
		data, err := encode(rec)
		if err != nil {
			return err
		}
		return reqs.Put(peerRecordKey(int64(id)), data)
	})
}

// dhtRequestRecord is one logged DHT get_peers round for a torrent.
type dhtRequestRecord struct {
	TimeUnix int64 `bencode:"time"`
	Received int   `bencode:"received"`
}

// RecordDHTRequest appends one DHT-round record.
func (s *Store) RecordDHTRequest(torrentKey int64, at time.Time, received int) error {
	rec := dhtRequestRecord{TimeUnix: at.Unix(), Received: received}
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := torrentBucket(tx, torrentKey)
		if err != nil {
			return err
		}
		reqs, err := tb.CreateBucketIfNotExists(dhtReqSubBucket)
		if err != nil {
			return err
		}
		id, _ := reqs.NextSequence()
		data, err := encode(rec)
		if err != nil {
			return err
		}
		return reqs.Put(peerRecordKey(int64(id)), data)
	})
}

// incomingRequestRecord is one flushed per-interval tally of inbound
// connections for a torrent, mirroring the periodic
// store_request(source=incoming, ...) call of the original analyzer.
type incomingRequestRecord struct {
	TimeUnix   int64 `bencode:"time"`
	Received   int   `bencode:"received"`
	Duplicates int   `bencode:"duplicates"`
}

var incomingReqSubBucket = []byte("incoming_requests")

// RecordIncomingStats appends one interval tally of inbound connections
// accepted for torrentKey: received counts every such connection, and
// duplicates counts those among them that were reconnects of an
// already-known peer.
func (s *Store) RecordIncomingStats(torrentKey int64, at time.Time, received, duplicates int) error {
	rec := incomingRequestRecord{TimeUnix: at.Unix(), Received: received, Duplicates: duplicates}
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := torrentBucket(tx, torrentKey)
		if err != nil {
			return err
		}
		reqs, err := tb.CreateBucketIfNotExists(incomingReqSubBucket)
		if err != nil {
			return err
		}
		id, _ := reqs.NextSequence()
		data, err := encode(rec)
		if err != nil {
			return err
		}
		return reqs.Put(peerRecordKey(int64(id)), data)
	})
}

// statisticRecord is one periodic snapshot of crawler-wide state,
// mirroring the original analyzer's store_statistic(peer_queue=...,
// unique_incoming=..., success_active=..., thread_workload=...) call.
type statisticRecord struct {
	TimeUnix       int64   `bencode:"time"`
	PeerQueue      int     `bencode:"peer_queue"`
	UniqueIncoming int     `bencode:"unique_incoming"`
	SuccessActive  int64   `bencode:"success_active"`
	ThreadWorkload float64 `bencode:"thread_workload"`
}

// RecordStatistic appends one crawler-wide periodic snapshot.
func (s *Store) RecordStatistic(at time.Time, peerQueue, uniqueIncoming int, successActive int64, threadWorkload float64) error {
	rec := statisticRecord{
		TimeUnix:       at.Unix(),
		PeerQueue:      peerQueue,
		UniqueIncoming: uniqueIncoming,
		SuccessActive:  successActive,
		ThreadWorkload: threadWorkload,
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statisticsBucket)
		id, _ := b.NextSequence()
		data, err := encode(rec)
		if err != nil {
			return err
		}
		return b.Put(peerRecordKey(int64(id)), data)
	})
}

// DeleteTorrent removes a torrent's entire bucket (observations and
// request history), mirroring rain's RemoveTorrent bucket deletion in
// session.go.
func (s *Store) DeleteTorrent(torrentKey int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(torrentsBucket)
		return root.DeleteBucket(torrentKeyBytes(torrentKey))
	})
}
