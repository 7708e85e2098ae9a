package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"quorumlog/internal/storage"
)

// Duration wraps time.Duration so YAML values like "150ms" or "2s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// PeerConfig names one other member of the cluster.
type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Config is the full configuration of one server, normally loaded from a YAML file.
type Config struct {
	Server struct {
		ID         string `yaml:"id"`
		ListenAddr string `yaml:"listen_addr"`
		DataDir    string `yaml:"data_dir"`
	} `yaml:"server"`

	Cluster struct {
		Peers []PeerConfig `yaml:"peers"`
	} `yaml:"cluster"`

	Timing struct {
		// HeartbeatInterval is how often a leader announces itself. It must be well
		// below the election timeout range or followers will keep starting elections
		// under a healthy leader.
		HeartbeatInterval Duration `yaml:"heartbeat_interval"`
		// Election timeouts are drawn uniformly from [Min, Max] per election round so
		// that split votes do not repeat forever.
		ElectionTimeoutMin Duration `yaml:"election_timeout_min"`
		ElectionTimeoutMax Duration `yaml:"election_timeout_max"`
		// SubmitTimeout bounds how long a client submission waits for quorum
		// commitment before giving up.
		SubmitTimeout Duration `yaml:"submit_timeout"`
	} `yaml:"timing"`

	Storage struct {
		SegmentSizeBytes int64 `yaml:"segment_size_bytes"`
		// RetentionPolicy is "snapshot" or "time".
		RetentionPolicy   string   `yaml:"retention_policy"`
		RetentionWindow   Duration `yaml:"retention_window"`
		RetentionInterval Duration `yaml:"retention_interval"`
		// SnapshotIntervalEntries is how many applied entries trigger a new snapshot.
		SnapshotIntervalEntries uint64 `yaml:"snapshot_interval_entries"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with every tunable set to its default. Identity
// fields (id, listen address, data dir) have no sensible defaults and stay empty.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Timing.HeartbeatInterval = Duration(50 * time.Millisecond)
	cfg.Timing.ElectionTimeoutMin = Duration(150 * time.Millisecond)
	cfg.Timing.ElectionTimeoutMax = Duration(300 * time.Millisecond)
	cfg.Timing.SubmitTimeout = Duration(2 * time.Second)
	cfg.Storage.SegmentSizeBytes = storage.DefaultSegmentSizeBytes
	cfg.Storage.RetentionPolicy = string(storage.RetainBySnapshot)
	cfg.Storage.RetentionWindow = Duration(24 * time.Hour)
	cfg.Storage.RetentionInterval = Duration(time.Minute)
	cfg.Storage.SnapshotIntervalEntries = 10000
	cfg.Logging.Level = "info"
	return cfg
}

// Validate checks the configuration for values that would make the server misbehave.
func (c *Config) Validate() error {
	if c.Server.ID == "" {
		return fmt.Errorf("config: server.id must be set")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr must be set")
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("config: server.data_dir must be set")
	}

	for i, peer := range c.Cluster.Peers {
		if peer.ID == "" || peer.Addr == "" {
			return fmt.Errorf("config: cluster.peers[%d] must have both id and addr", i)
		}
		if peer.ID == c.Server.ID {
			return fmt.Errorf("config: cluster.peers must not include the server itself")
		}
	}

	if c.Timing.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: timing.heartbeat_interval must be positive")
	}
	if c.Timing.ElectionTimeoutMin <= 0 || c.Timing.ElectionTimeoutMax < c.Timing.ElectionTimeoutMin {
		return fmt.Errorf("config: election timeout range [%v, %v] is invalid",
			c.Timing.ElectionTimeoutMin.Std(), c.Timing.ElectionTimeoutMax.Std())
	}
	if c.Timing.ElectionTimeoutMin.Std() < 2*c.Timing.HeartbeatInterval.Std() {
		return fmt.Errorf("config: election_timeout_min must be at least twice the heartbeat interval")
	}
	if c.Timing.SubmitTimeout <= 0 {
		return fmt.Errorf("config: timing.submit_timeout must be positive")
	}

	switch storage.RetentionPolicy(c.Storage.RetentionPolicy) {
	case storage.RetainBySnapshot, storage.RetainByTime:
	default:
		return fmt.Errorf("config: storage.retention_policy must be %q or %q",
			storage.RetainBySnapshot, storage.RetainByTime)
	}
	if c.Storage.RetentionPolicy == string(storage.RetainByTime) && c.Storage.RetentionWindow <= 0 {
		return fmt.Errorf("config: storage.retention_window must be positive for the time policy")
	}
	if c.Storage.SegmentSizeBytes <= 0 {
		return fmt.Errorf("config: storage.segment_size_bytes must be positive")
	}
	if c.Storage.SnapshotIntervalEntries == 0 {
		return fmt.Errorf("config: storage.snapshot_interval_entries must be positive")
	}
	return nil
}

// PeerIDs returns the IDs of all configured peers.
func (c *Config) PeerIDs() []ServerID {
	ids := make([]ServerID, 0, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		ids = append(ids, ServerID(peer.ID))
	}
	return ids
}
