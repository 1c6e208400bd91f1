// Package config loads Myco's daemon configuration: the options listed in
// spec.md §6 (node_id, udp_port, state_dir, the AEAD key/epoch pairs,
// gossip_psk, the plaintext diagnostic flags, gossip_fanout, and the
// admin bearer tokens), following the teacher's defaults -> file ->
// override precedence and tolerant-JSONC parsing style (config.go).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/myco-mesh/myco/pkg/fs"
)

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
	errConfigInvalid      = errors.New("invalid config file")
	errStateDirEmpty      = errors.New("state_dir cannot be empty")
	errMissingPacketKey   = errors.New("packet_key is required unless force_plaintext is set")
)

// Config holds every option spec.md §6 recognizes, plus zone_id: spec.md
// §3/§6's wire packet carries a zone_id byte used for zone partitioning at
// the transport/gossip level, so it must be configurable even though §6's
// options table doesn't list it by name alongside node_id. node_id, not
// zone_id, is the "dest_id" spec.md §4.4 mixes into AEAD key derivation.
type Config struct {
	NodeID  uint16 `json:"node_id"`
	ZoneID  uint8  `json:"zone_id,omitempty"`
	UDPPort uint16 `json:"udp_port"`

	StateDir string `json:"state_dir"`

	PacketKey       string `json:"packet_key,omitempty"`
	PacketEpoch     uint32 `json:"packet_epoch,omitempty"`
	PacketKeyPrev   string `json:"packet_key_prev,omitempty"`
	PacketEpochPrev uint32 `json:"packet_epoch_prev,omitempty"`

	GossipPSK string `json:"gossip_psk,omitempty"`

	AllowPlaintext bool `json:"allow_plaintext,omitempty"`
	ForcePlaintext bool `json:"force_plaintext,omitempty"`

	GossipFanout int `json:"gossip_fanout,omitempty"`

	AuthToken     string `json:"auth_token,omitempty"`
	AuthTokenPrev string `json:"auth_token_prev,omitempty"`
}

// GlobalConfigPath is the system-wide config file all nodes read first.
const GlobalConfigPath = "/etc/myco/config.json"

// DefaultGossipFanout is the rumor-mongering replication factor used when
// gossip_fanout is unset, per spec.md §6.
const DefaultGossipFanout = 4

// Default returns the baseline configuration, the lowest-precedence layer.
func Default() Config {
	return Config{
		UDPPort:      7777,
		StateDir:     "/var/lib/myco",
		GossipFanout: DefaultGossipFanout,
	}
}

// Sources records which config files contributed to the loaded Config.
type Sources struct {
	Global   string
	Explicit string
}

// Load builds a Config with precedence (highest wins):
//  1. [Default]
//  2. [GlobalConfigPath], if present
//  3. explicitPath, if non-empty (must exist)
//  4. environment variable overrides (MYCO_PACKET_KEY, MYCO_PACKET_KEY_PREV,
//     MYCO_GOSSIP_PSK, MYCO_AUTH_TOKEN, MYCO_AUTH_TOKEN_PREV) — so secrets
//     never need to live in a config file on disk.
//
// The result is validated before being returned.
func Load(fsys fs.FS, explicitPath string, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalCfg, loaded, err := loadConfigFile(fsys, GlobalConfigPath, false)
	if err != nil {
		return Config{}, Sources{}, err
	}

	if loaded {
		sources.Global = GlobalConfigPath
		cfg = merge(cfg, globalCfg)
	}

	if explicitPath != "" {
		explicitCfg, loaded, err := loadConfigFile(fsys, explicitPath, true)
		if err != nil {
			return Config{}, Sources{}, err
		}

		if loaded {
			sources.Explicit = explicitPath
			cfg = merge(cfg, explicitCfg)
		}
	}

	cfg = applyEnvOverrides(cfg, env)

	if err := validate(cfg); err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func loadConfigFile(fsys fs.FS, path string, mustExist bool) (Config, bool, error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return Config{}, false, fmt.Errorf("stat %q: %w", path, err)
	}

	if !exists {
		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
		}

		return Config{}, false, nil
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.NodeID != 0 {
		base.NodeID = overlay.NodeID
	}

	if overlay.ZoneID != 0 {
		base.ZoneID = overlay.ZoneID
	}

	if overlay.UDPPort != 0 {
		base.UDPPort = overlay.UDPPort
	}

	if overlay.StateDir != "" {
		base.StateDir = overlay.StateDir
	}

	if overlay.PacketKey != "" {
		base.PacketKey = overlay.PacketKey
	}

	if overlay.PacketEpoch != 0 {
		base.PacketEpoch = overlay.PacketEpoch
	}

	if overlay.PacketKeyPrev != "" {
		base.PacketKeyPrev = overlay.PacketKeyPrev
	}

	if overlay.PacketEpochPrev != 0 {
		base.PacketEpochPrev = overlay.PacketEpochPrev
	}

	if overlay.GossipPSK != "" {
		base.GossipPSK = overlay.GossipPSK
	}

	base.AllowPlaintext = base.AllowPlaintext || overlay.AllowPlaintext
	base.ForcePlaintext = base.ForcePlaintext || overlay.ForcePlaintext

	if overlay.GossipFanout != 0 {
		base.GossipFanout = overlay.GossipFanout
	}

	if overlay.AuthToken != "" {
		base.AuthToken = overlay.AuthToken
	}

	if overlay.AuthTokenPrev != "" {
		base.AuthTokenPrev = overlay.AuthTokenPrev
	}

	return base
}

func applyEnvOverrides(cfg Config, env []string) Config {
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, "MYCO_PACKET_KEY="); ok {
			cfg.PacketKey = v
		}

		if v, ok := strings.CutPrefix(e, "MYCO_PACKET_KEY_PREV="); ok {
			cfg.PacketKeyPrev = v
		}

		if v, ok := strings.CutPrefix(e, "MYCO_GOSSIP_PSK="); ok {
			cfg.GossipPSK = v
		}

		if v, ok := strings.CutPrefix(e, "MYCO_AUTH_TOKEN="); ok {
			cfg.AuthToken = v
		}

		if v, ok := strings.CutPrefix(e, "MYCO_AUTH_TOKEN_PREV="); ok {
			cfg.AuthTokenPrev = v
		}
	}

	return cfg
}

func validate(cfg Config) error {
	if cfg.StateDir == "" {
		return errStateDirEmpty
	}

	if cfg.PacketKey == "" && !cfg.ForcePlaintext {
		return errMissingPacketKey
	}

	return nil
}

// FormatConfig renders cfg as indented JSON, for `/metrics`-adjacent
// diagnostics and logs.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(data), nil
}
