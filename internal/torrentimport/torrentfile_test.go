package torrentimport

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func encodeForTest(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.NewEncoder(&buf).Encode(v))
	return buf.Bytes()
}

func buildTorrentFile(t *testing.T, info infoDict, announce string, announceList [][]string) []byte {
	t.Helper()
	infoBytes := encodeForTest(t, info)
	mi := metaInfo{
		RawInfo:      bencode.RawMessage(infoBytes),
		Announce:     announce,
		AnnounceList: announceList,
	}
	return encodeForTest(t, mi)
}

func TestFromTorrentFile(t *testing.T) {
	info := infoDict{Name: "ubuntu.iso", PieceLength: 16384, Pieces: string(make([]byte, 40))}
	data := buildTorrentFile(t, info, "http://tracker.example/announce", [][]string{
		{"http://tracker.example/announce"},
		{"udp://tracker2.example:80/announce"},
	})

	infoBytes := encodeForTest(t, info)
	wantHash := sha1.Sum(infoBytes)

	tr, err := FromTorrentFile(data, 0.98)
	require.NoError(t, err)
	require.Equal(t, "ubuntu.iso", tr.Name)
	require.Equal(t, wantHash, tr.InfoHash)
	require.Equal(t, 2, tr.PiecesCount)
	require.Equal(t, int64(16384), tr.PieceSize)
	require.Equal(t, []string{"http://tracker.example/announce", "udp://tracker2.example:80/announce"}, tr.AnnounceURLs,
		"the announce URL and the announce-list must dedup while keeping first-seen order")
}

func TestFromTorrentFileInvalidPieceLength(t *testing.T) {
	info := infoDict{Name: "x", PieceLength: 0, Pieces: string(make([]byte, 20))}
	data := buildTorrentFile(t, info, "http://a/announce", nil)
	_, err := FromTorrentFile(data, 0.98)
	require.Error(t, err)
}

func TestFromTorrentFileInvalidPiecesLength(t *testing.T) {
	info := infoDict{Name: "x", PieceLength: 16384, Pieces: string(make([]byte, 19))}
	data := buildTorrentFile(t, info, "http://a/announce", nil)
	_, err := FromTorrentFile(data, 0.98)
	require.Error(t, err)
}

func TestFromTorrentFileMissingInfoDict(t *testing.T) {
	mi := metaInfo{Announce: "http://a/announce"}
	data := encodeForTest(t, mi)
	_, err := FromTorrentFile(data, 0.98)
	require.Error(t, err)
}
