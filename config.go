package btswarm

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v1"
)

// Config is the engine's top-level configuration, loaded from a YAML file
// with DefaultConfig supplying anything the file omits.
type Config struct {
	Port      uint16
	PortBegin uint16 `yaml:"port_begin"`
	PortEnd   uint16 `yaml:"port_end"`

	DataDir  string `yaml:"data_dir"`
	Database string

	DHTEnabled bool   `yaml:"dht_enabled"`
	DHTAddress string `yaml:"dht_address"`
	DHTPort    uint16 `yaml:"dht_port"`

	MaxPeerAccept           int `yaml:"max_peer_accept"`
	MaxPeerDial             int `yaml:"max_peer_dial"`
	UnchokedPeers           int `yaml:"unchoked_peers"`
	OptimisticUnchokedPeers int `yaml:"optimistic_unchoked_peers"`

	RequestTimeout       time.Duration `yaml:"request_timeout"`
	PieceTimeout         time.Duration `yaml:"piece_timeout"`
	PeerHandshakeTimeout time.Duration `yaml:"peer_handshake_timeout"`
	PeerConnectTimeout   time.Duration `yaml:"peer_connect_timeout"`

	TrackerHTTPTimeout   time.Duration `yaml:"tracker_http_timeout"`
	TrackerHTTPUserAgent string        `yaml:"tracker_http_user_agent"`

	MaxOpenFiles uint64 `yaml:"max_open_files"`

	BitfieldWriteInterval time.Duration `yaml:"bitfield_write_interval"`

	ExtensionHandshakeClientVersion string `yaml:"extension_handshake_client_version"`
	PEXEnabled                      bool   `yaml:"pex_enabled"`
	SuperSeeding                    bool   `yaml:"super_seeding"`

	GlobalDownloadSpeedLimit int64 `yaml:"global_download_speed_limit"`
	GlobalUploadSpeedLimit   int64 `yaml:"global_upload_speed_limit"`

	// SeedingLimitSeconds stops a completed swarm once it has seeded this
	// long; zero means seed indefinitely.
	SeedingLimitSeconds int64 `yaml:"seeding_limit_seconds"`
}

// DefaultConfig is used for any field LoadConfig's file does not set.
var DefaultConfig = Config{
	Port:      6881,
	PortBegin: 6881,
	PortEnd:   6889,

	DataDir:  "~/btswarm",
	Database: "~/btswarm/engine.db",

	DHTEnabled: true,
	DHTAddress: "0.0.0.0",
	DHTPort:    6881,

	MaxPeerAccept:           50,
	MaxPeerDial:             50,
	UnchokedPeers:           4,
	OptimisticUnchokedPeers: 1,

	RequestTimeout:       20 * time.Second,
	PieceTimeout:         30 * time.Second,
	PeerHandshakeTimeout: 15 * time.Second,
	PeerConnectTimeout:   5 * time.Second,

	TrackerHTTPTimeout:   30 * time.Second,
	TrackerHTTPUserAgent: "btswarm/1.0",

	MaxOpenFiles: 1024,

	BitfieldWriteInterval: 30 * time.Second,

	ExtensionHandshakeClientVersion: "btswarm 1.0",
	PEXEnabled:                      false,
	SuperSeeding:                    false,

	GlobalDownloadSpeedLimit: 0,
	GlobalUploadSpeedLimit:   0,

	SeedingLimitSeconds: 0,
}

// LoadConfig reads filename as YAML over DefaultConfig. A missing file is
// not an error: the defaults are returned as-is.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
