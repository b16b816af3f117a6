package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heitortanoue/sdeit/pkg/delta"
	"github.com/heitortanoue/sdeit/pkg/engine"
	"github.com/heitortanoue/sdeit/pkg/exposure"
	"github.com/heitortanoue/sdeit/pkg/peer"
)

// ConfigurationError names the offending field
type ConfigurationError = engine.ConfigurationError

// Scanner modes
const (
	ScannerSimulator = "simulator"
	ScannerBeacon    = "beacon"
	ScannerSWIM      = "swim"
)

// Snapshot drivers
const (
	SnapshotJSON   = "json"
	SnapshotSQLite = "sqlite"
)

// Position is where the node stands in the lab, in meters
type Position struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// NodeConfig is the configuration of one node
type NodeConfig struct {
	// Identity
	NodeID    string `yaml:"node_id" json:"node_id"`
	OwnPeerID string `yaml:"own_peer_id" json:"own_peer_id"`

	// Authority
	AuthorityKey  string  `yaml:"authority_key" json:"authority_key"` // "ed25519:<base64>" or "dilithium3:<base64>"
	DigestAlg     string  `yaml:"digest_alg" json:"digest_alg"`
	TestThreshold float64 `yaml:"infection_risk_test_threshold" json:"infection_risk_test_threshold"`

	// Exposure math
	BaseRate              float64 `yaml:"base_rate" json:"base_rate"`
	HalfLifeMeters        float64 `yaml:"half_life_meters" json:"half_life_meters"`
	RetentionDays         int     `yaml:"retention_days" json:"retention_days"`
	InitialDailyAllowance float64 `yaml:"initial_daily_allowance" json:"initial_daily_allowance"`
	Timezone              string  `yaml:"timezone" json:"timezone"` // IANA name, empty for the host zone

	// Schedule
	ScanInterval    time.Duration `yaml:"scan_interval" json:"scan_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	FetchInterval   time.Duration `yaml:"fetch_interval" json:"fetch_interval"`

	// Network
	BindAddr     string        `yaml:"bind_addr" json:"bind_addr"`
	HTTPPort     int           `yaml:"http_port" json:"http_port"`
	DeltaURL     string        `yaml:"delta_url" json:"delta_url"` // authority base URL, empty disables polling
	DeltaTimeout time.Duration `yaml:"delta_timeout" json:"delta_timeout"`
	NATSURL      string        `yaml:"nats_url" json:"nats_url"` // empty disables the subscription
	NATSSubject  string        `yaml:"nats_subject" json:"nats_subject"`

	// Relay of applied deltas to neighbouring nodes
	RelayPeers  []string `yaml:"relay_peers" json:"relay_peers"` // base URLs, empty disables the relay
	RelayFanout int      `yaml:"relay_fanout" json:"relay_fanout"`
	RelayTTL    int      `yaml:"relay_ttl" json:"relay_ttl"`

	// Persistence
	SnapshotPath   string `yaml:"snapshot_path" json:"snapshot_path"` // empty disables snapshots
	SnapshotDriver string `yaml:"snapshot_driver" json:"snapshot_driver"`

	// Proximity
	Scanner         string        `yaml:"scanner" json:"scanner"`
	Position        Position      `yaml:"position" json:"position"`
	MaxRange        float64       `yaml:"max_range" json:"max_range"`
	SightingTimeout time.Duration `yaml:"sighting_timeout" json:"sighting_timeout"`
	BeaconPort      int           `yaml:"beacon_port" json:"beacon_port"`
	BeaconTargets   []string      `yaml:"beacon_targets" json:"beacon_targets"`
	BeaconInterval  time.Duration `yaml:"beacon_interval" json:"beacon_interval"`
	SwimPort        int           `yaml:"swim_port" json:"swim_port"`
	SwimSeeds       []string      `yaml:"swim_seeds" json:"swim_seeds"`
	SimulatorSeed   int64         `yaml:"simulator_seed" json:"simulator_seed"`
	SimulatorPeers  int           `yaml:"simulator_peers" json:"simulator_peers"`
}

// DefaultConfig returns the reference deployment
func DefaultConfig() *NodeConfig {
	return &NodeConfig{
		NodeID:                "node-1",
		DigestAlg:             delta.DigestSHA256,
		TestThreshold:         0.5,
		BaseRate:              exposure.DefaultBaseRate,
		HalfLifeMeters:        exposure.DefaultHalfLifeMeters,
		RetentionDays:         exposure.DefaultRetentionDays,
		InitialDailyAllowance: engine.DefaultInitialDailyAllowance,
		ScanInterval:          3 * time.Second,
		CleanupInterval:       24 * time.Hour,
		FetchInterval:         time.Hour,
		BindAddr:              "0.0.0.0",
		HTTPPort:              8080,
		DeltaTimeout:          10 * time.Second,
		NATSSubject:           "sdeit.deltas",
		RelayFanout:           3,
		RelayTTL:              4,
		SnapshotDriver:        SnapshotJSON,
		Scanner:               ScannerSimulator,
		MaxRange:              8,
		SightingTimeout:       9 * time.Second,
		BeaconPort:            7000,
		BeaconInterval:        3 * time.Second,
		SwimPort:              7946,
		SimulatorSeed:         1,
		SimulatorPeers:        8,
	}
}

// Load reads a YAML file over the defaults. Missing keys keep their default.
func Load(path string) (*NodeConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Location resolves the configured timezone
func (c *NodeConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, &ConfigurationError{Field: "timezone", Reason: err.Error()}
	}
	return loc, nil
}

// Validate checks the node-level fields, then builds the engine config to
// validate the rest. Errors are *ConfigurationError.
func (c *NodeConfig) Validate() error {
	if c.NodeID == "" {
		return &ConfigurationError{Field: "node_id", Reason: "must not be empty"}
	}
	switch c.Scanner {
	case ScannerSimulator, ScannerBeacon, ScannerSWIM:
	default:
		return &ConfigurationError{Field: "scanner", Reason: fmt.Sprintf("unknown mode %q", c.Scanner)}
	}
	switch c.SnapshotDriver {
	case SnapshotJSON, SnapshotSQLite:
	default:
		return &ConfigurationError{Field: "snapshot_driver", Reason: fmt.Sprintf("unknown driver %q", c.SnapshotDriver)}
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return &ConfigurationError{Field: "http_port", Reason: "out of range"}
	}
	if c.BeaconPort < 0 || c.BeaconPort > 65535 {
		return &ConfigurationError{Field: "beacon_port", Reason: "out of range"}
	}
	if c.RelayFanout < 0 || c.RelayTTL < 0 {
		return &ConfigurationError{Field: "relay", Reason: "fanout and ttl must not be negative"}
	}
	if math.IsNaN(c.MaxRange) || c.MaxRange < 0 {
		return &ConfigurationError{Field: "max_range", Reason: "must not be negative"}
	}

	_, err := c.EngineConfig()
	return err
}

// EngineConfig parses the authority key, peer id and timezone into an engine.Config
func (c *NodeConfig) EngineConfig() (engine.Config, error) {
	own, err := peer.Parse(c.OwnPeerID)
	if err != nil {
		return engine.Config{}, &ConfigurationError{Field: "own_peer_id", Reason: err.Error()}
	}
	key, err := delta.ParseAuthorityKey(c.AuthorityKey)
	if err != nil {
		return engine.Config{}, &ConfigurationError{Field: "authority_key", Reason: err.Error()}
	}
	loc, err := c.Location()
	if err != nil {
		return engine.Config{}, err
	}

	ec := engine.Config{
		NodeID:                c.NodeID,
		OwnPeer:               own,
		AuthorityKey:          key,
		DigestAlg:             c.DigestAlg,
		TestThreshold:         c.TestThreshold,
		InitialDailyAllowance: c.InitialDailyAllowance,
		Exposure: exposure.Params{
			BaseRate:       c.BaseRate,
			HalfLifeMeters: c.HalfLifeMeters,
			RetentionDays:  c.RetentionDays,
			Location:       loc,
		},
	}
	if err := ec.Validate(); err != nil {
		return engine.Config{}, err
	}
	return ec, nil
}

// IsConfigurationError reports whether err carries a *ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
