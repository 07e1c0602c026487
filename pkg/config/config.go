// Package config parses the node's on-disk configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stratastore/strata/pkg/ring"
)

// ReplicationMode selects the replication factor, per §6.7.
type ReplicationMode string

const (
	ReplicationNone  ReplicationMode = "none" // N=1
	ReplicationTwo   ReplicationMode = "2"    // N=2
	ReplicationThree ReplicationMode = "3"    // N=3
)

// N returns the replica count this mode implies.
func (m ReplicationMode) N() int {
	switch m {
	case ReplicationTwo:
		return 2
	case ReplicationThree:
		return 3
	default:
		return 1
	}
}

// Config is the recognized option set of §6.7.
type Config struct {
	NodeID      string `yaml:"node_id"` // hex-encoded ring.NodeID; required
	MetadataDir string `yaml:"metadata_dir"`
	DataDir     string `yaml:"data_dir"`

	BlockSize        int             `yaml:"block_size"`
	ReplicationMode  ReplicationMode `yaml:"replication_mode"`
	CompressionLevel *int            `yaml:"compression_level"` // nil = no compression

	RPCBindAddr   string `yaml:"rpc_bind_addr"`
	RPCPublicAddr string `yaml:"rpc_public_addr"`
	RPCSecret     string `yaml:"rpc_secret"` // 32-byte hex PSK

	// BootstrapPeers is a list of "nodeid@host:port" entries registered with
	// the RPC system at startup, before any ring snapshot has been published.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	Zone     string `yaml:"zone"`
	Capacity uint32 `yaml:"capacity"`

	BoltCacheCapacity int           `yaml:"sled_cache_capacity"`
	BoltFlushEvery    time.Duration `yaml:"sled_flush_every_ms"`
}

// ResolvedNodeID decodes NodeID. A blank NodeID is an error; no id is
// generated or written back to the config file.
func (c *Config) ResolvedNodeID() (ring.NodeID, error) {
	if c.NodeID == "" {
		return ring.NodeID{}, fmt.Errorf("node_id is required")
	}
	return ring.ParseNodeID(c.NodeID)
}

// ParseBootstrapPeer splits a "nodeid@host:port" bootstrap_peers entry.
func ParseBootstrapPeer(entry string) (ring.NodeID, string, error) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '@' {
			id, err := ring.ParseNodeID(entry[:i])
			if err != nil {
				return ring.NodeID{}, "", err
			}
			return id, entry[i+1:], nil
		}
	}
	return ring.NodeID{}, "", fmt.Errorf("bootstrap peer %q: expected nodeid@host:port", entry)
}

const (
	DefaultBlockSize       = 1 << 20 // 1 MiB
	DefaultInlineThreshold = 3072    // 3 KiB, §3.1
	DefaultBlockGCDelay    = 10 * time.Minute
	DefaultTableGCDelay    = 24 * time.Hour
	DefaultAntiEntropy     = 10 * time.Minute
	DefaultScrubInterval   = 30 * 24 * time.Hour
	DefaultPutParallelism  = 3 // PUT_BLOCKS_MAX_PARALLEL
)

// Default returns a Config with the spec's documented defaults.
func Default() Config {
	return Config{
		DataDir:         "./data",
		MetadataDir:     "./meta",
		BlockSize:       DefaultBlockSize,
		ReplicationMode: ReplicationThree,
		RPCBindAddr:     "0.0.0.0:3901",
		BoltFlushEvery:  2 * time.Second,
	}
}

// Load reads and parses a YAML config file, filling unset fields with the
// values from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	return cfg, nil
}

// Validate checks that required fields are present and sane.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.MetadataDir == "" {
		return fmt.Errorf("metadata_dir is required")
	}
	if len(c.RPCSecret) != 64 {
		return fmt.Errorf("rpc_secret must be a 32-byte hex string (64 hex chars), got %d chars", len(c.RPCSecret))
	}
	if _, err := ring.ParseNodeID(c.NodeID); err != nil {
		return fmt.Errorf("invalid node_id: %w", err)
	}
	return nil
}
