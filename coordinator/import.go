package coordinator

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/swarmwatch/crawler/internal/torrentimport"
)

// importAll reads every *.torrent file in cfg.InputDir and, if
// cfg.MagnetFile exists inside it, resolves one torrent per non-empty
// line via the DHT metadata-fetch flow. Importing the same torrent twice
// is not skipped: addTorrent rejects the info-hash collision and the
// returned error aborts the run.
func (c *Coordinator) importAll() error {
	n, err := c.importTorrentFiles()
	if err != nil {
		return err
	}
	m, err := c.importMagnets()
	if err != nil {
		return err
	}
	if n+m == 0 {
		return fmt.Errorf("import: no torrents found in %s", c.cfg.InputDir)
	}
	c.log.Infof("imported %d torrent(s), %d magnet(s)", n, m)
	return nil
}

func (c *Coordinator) importTorrentFiles() (int, error) {
	entries, err := os.ReadDir(c.cfg.InputDir)
	if os.IsNotExist(err) {
		c.log.Warningln("input directory does not exist:", c.cfg.InputDir)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("import: cannot read input directory: %w", err)
	}

	n := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".torrent") {
			continue
		}
		path := filepath.Join(c.cfg.InputDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return n, fmt.Errorf("import: cannot read %s: %w", path, err)
		}
		t, err := torrentimport.FromTorrentFile(data, c.cfg.TorrentCompleteThreshold)
		if err != nil {
			return n, fmt.Errorf("import: cannot parse %s: %w", path, err)
		}
		if err := c.addTorrent(t); err != nil {
			return n, fmt.Errorf("import: %w", err)
		}
		n++
	}
	return n, nil
}

func (c *Coordinator) importMagnets() (int, error) {
	if c.cfg.MagnetFile == "" {
		return 0, nil
	}
	path := filepath.Join(c.cfg.InputDir, c.cfg.MagnetFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		c.log.Infoln("magnet file does not exist, nothing to import:", path)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("import: cannot read magnet file: %w", err)
	}
	defer f.Close()

	if c.dht == nil {
		c.log.Warningln("magnet file present but DHT is disabled, skipping:", path)
		return 0, nil
	}

	n := 0
	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		link := strings.TrimSpace(scanner.Text())
		if link == "" {
			continue
		}
		c.log.Infof("parsing magnet link from %s, line %d ...", path, lineNo)
		t, err := torrentimport.FromMagnet(link, c.dht, int(c.cfg.BittorrentListenPort), c.sessionOptions(), c.cfg.NetworkTimeout, c.log, c.cfg.TorrentCompleteThreshold)
		if err != nil {
			c.log.Warningf("could not resolve magnet link on line %d: %s", lineNo, err)
			continue
		}
		if err := c.addTorrent(t); err != nil {
			return n, fmt.Errorf("import: %w", err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("import: error reading magnet file: %w", err)
	}
	return n, nil
}
