// Package crawler is the root package of the swarm crawler: the
// Config type lives here, beside the coordinator package that consumes
// it, the way rain keeps its top-level Config alongside its session
// package.
package crawler

import (
	"io/ioutil"
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v1"
)

// Config carries every tunable the crawler needs, loaded the way rain's
// config.go loads its own Config: YAML via gopkg.in/yaml.v1, tolerant of
// a missing file.
type Config struct {
	// InputDir holds *.torrent files and magnet-link list files to import
	// at startup. DataDir holds the peerstore database. Both are
	// expanded through go-homedir so a leading "~/" works, the way rain
	// expands its Database/DataDir paths.
	InputDir string `yaml:"input_dir"`
	DataDir  string `yaml:"data_dir"`

	// MagnetFile names a file inside InputDir holding one magnet link per
	// non-empty line, imported via DHT metadata fetch.
	MagnetFile string `yaml:"magnet_file"`

	PeerEvaluationThreads    int           `yaml:"peer_evaluation_threads"`
	NetworkTimeout           time.Duration `yaml:"network_timeout"`
	TrackerRequestInterval   time.Duration `yaml:"tracker_request_interval"`
	DHTRequestInterval       time.Duration `yaml:"dht_request_interval"`
	PeerRevisitDelay         time.Duration `yaml:"peer_revisit_delay"`
	ReceiveMessageMax        int           `yaml:"receive_message_max"`
	TorrentCompleteThreshold float64       `yaml:"torrent_complete_threshold"`
	BittorrentListenPort     uint16        `yaml:"bittorrent_listen_port"`
	DHTNodePort              uint16        `yaml:"dht_node_port"`
	DHTControlPort           uint16        `yaml:"dht_control_port"`
	StatisticInterval        time.Duration `yaml:"statistic_interval"`
	EvaluatorReaction        time.Duration `yaml:"evaluator_reaction"`
	ExtensionUtMetadataID    int           `yaml:"extension_ut_metadata_id"`

	DHTEnabled     bool `yaml:"dht_enabled"`
	PassiveEnabled bool `yaml:"passive_enabled"`
	ActiveEnabled  bool `yaml:"active_enabled"`

	// BlocklistPath, if non-empty, is reloaded by the coordinator at
	// startup. Blocklist sourcing is out of scope; only loading one is
	// carried as ambient infrastructure.
	BlocklistPath string `yaml:"blocklist_path"`
}

// DefaultConfig holds sane defaults for every tunable above.
var DefaultConfig = Config{
	InputDir:   "~/.crawler/torrents",
	DataDir:    "~/.crawler/data",
	MagnetFile: "magnets.txt",

	PeerEvaluationThreads:    64,
	NetworkTimeout:           6 * time.Second,
	TrackerRequestInterval:   13 * time.Minute,
	DHTRequestInterval:       5 * time.Minute,
	PeerRevisitDelay:         5 * time.Minute,
	ReceiveMessageMax:        128,
	TorrentCompleteThreshold: 0.98,
	BittorrentListenPort:     6881,
	DHTNodePort:              17000,
	DHTControlPort:           17001,
	StatisticInterval:        5 * time.Minute,
	EvaluatorReaction:        40 * time.Second,
	ExtensionUtMetadataID:    4,

	DHTEnabled:     true,
	PassiveEnabled: true,
	ActiveEnabled:  true,
}

// LoadConfig reads filename as YAML over DefaultConfig, tolerating a
// missing file by returning the defaults unchanged. Path-shaped fields
// are expanded through go-homedir afterward.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return expandPaths(&c)
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return expandPaths(&c)
}

func expandPaths(c *Config) (*Config, error) {
	var err error
	c.InputDir, err = homedir.Expand(c.InputDir)
	if err != nil {
		return nil, err
	}
	c.DataDir, err = homedir.Expand(c.DataDir)
	if err != nil {
		return nil, err
	}
	return c, nil
}
