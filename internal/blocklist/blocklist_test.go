package blocklist

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeBlocklistFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestReloadLoadsCIDRAndBareIPLines(t *testing.T) {
	path := writeBlocklistFile(t, "# comment\n\n10.0.0.0/8\n192.168.1.5\n2001:db8::1\n")

	b := New()
	require.NoError(t, b.Reload(path))
	require.Equal(t, 3, b.Len())

	require.True(t, b.Blocked(net.ParseIP("10.1.2.3")))
	require.True(t, b.Blocked(net.ParseIP("192.168.1.5")), "a bare IPv4 line is treated as a /32")
	require.False(t, b.Blocked(net.ParseIP("192.168.1.6")), "a /32 range matches only the exact address")
	require.True(t, b.Blocked(net.ParseIP("2001:db8::1")), "a bare IPv6 line is treated as a /128")
	require.False(t, b.Blocked(net.ParseIP("8.8.8.8")))
}

func TestReloadSkipsMalformedLinesWithoutFailing(t *testing.T) {
	path := writeBlocklistFile(t, "10.0.0.0/8\nnot-an-ip\n300.300.300.300\n172.16.0.0/12\n")

	b := New()
	require.NoError(t, b.Reload(path))
	require.Equal(t, 2, b.Len(), "malformed lines are skipped, not fatal")
	require.True(t, b.Blocked(net.ParseIP("10.5.5.5")))
	require.True(t, b.Blocked(net.ParseIP("172.16.0.1")))
}

func TestReloadReplacesPreviousRanges(t *testing.T) {
	first := writeBlocklistFile(t, "10.0.0.0/8\n")
	second := writeBlocklistFile(t, "192.168.0.0/16\n")

	b := New()
	require.NoError(t, b.Reload(first))
	require.True(t, b.Blocked(net.ParseIP("10.1.1.1")))

	require.NoError(t, b.Reload(second))
	require.False(t, b.Blocked(net.ParseIP("10.1.1.1")), "a fresh Reload fully replaces the previous range set")
	require.True(t, b.Blocked(net.ParseIP("192.168.5.5")))
}

func TestReloadMissingFileIsError(t *testing.T) {
	b := New()
	err := b.Reload(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	require.Error(t, err)
}

func TestZeroValueBlocksNothing(t *testing.T) {
	var b Blocklist
	require.False(t, b.Blocked(net.ParseIP("1.2.3.4")))
	require.Equal(t, 0, b.Len())
}
