package rainleech

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable the orchestrator, scheduler, and peer
// manager need, loaded once at process start and passed down by value.
type Config struct {
	Port        int    `yaml:"port"`
	DownloadDir string `yaml:"download_dir"`

	MaxActiveRequests int           `yaml:"max_active_requests"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`

	MaxBlocksInFlight   int `yaml:"max_blocks_in_flight"`
	MaxBlocksPerRequest int `yaml:"max_blocks_per_request"`

	// EndgameThreshold is the pieces-left count at or below which the
	// scheduler broadcasts outstanding block requests to every holder
	// instead of one peer at a time. Zero disables endgame mode.
	EndgameThreshold int `yaml:"endgame_threshold"`

	PeerCleanupInterval time.Duration `yaml:"peer_cleanup_interval"`
	MaxRetries          int           `yaml:"max_retries"`

	// DownloadRateLimit and UploadRateLimit are in bytes/sec. Zero means
	// unlimited.
	DownloadRateLimit int64 `yaml:"download_rate_limit"`
	UploadRateLimit   int64 `yaml:"upload_rate_limit"`
}

// DefaultConfig mirrors the values a bare torrent file should work with
// against a typical public tracker, with no rate limiting.
var DefaultConfig = Config{
	Port:        6881,
	DownloadDir: ".",

	MaxActiveRequests: 8,
	RequestTimeout:    5 * time.Second,

	MaxBlocksInFlight:   10,
	MaxBlocksPerRequest: 5,
	EndgameThreshold:    20,

	PeerCleanupInterval: 10 * time.Second,
	MaxRetries:          3,
}

// LoadFile reads filename as YAML over DefaultConfig, so a config file
// only needs to set the fields it wants to override. A missing file is
// not an error; it returns DefaultConfig unchanged.
func LoadFile(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename) //nolint:gosec // filename comes from a trusted CLI flag
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
