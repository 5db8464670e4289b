// Package config loads the gateway's TOML configuration file.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ChannelConfig configures one RDT channel's max block size. QueueDepth is
// validated (it must not be negative) but cmd/gateway does not apply it: the
// engine uses one queue depth, rdt.Config.QueueDepth, for every channel.
type ChannelConfig struct {
	Name         string `toml:"name"`
	QueueDepth   int    `toml:"queue_depth"`
	MaxBlockSize uint32 `toml:"max_block_size"`
}

// RDTConfig configures the reliable datagram transport engine.
type RDTConfig struct {
	AckTimeoutMS    int64           `toml:"ack_timeout_ms"`
	MaxRetry        int             `toml:"max_retry"`
	TickIntervalMS  int64           `toml:"tick_interval_ms"`
	EventQueueDepth int             `toml:"event_queue_depth"`
	Channels        []ChannelConfig `toml:"channels"`
}

// PairingConfig configures the pairing state machine's persisted identity.
type PairingConfig struct {
	StateFile string `toml:"state_file"`
}

// FilesConfig configures the file service's sandboxed store root.
type FilesConfig struct {
	StoreRoot string `toml:"store_root"`
}

// GatewayConfig is the top-level configuration for cmd/gateway.
type GatewayConfig struct {
	Name        string        `toml:"name"`
	Addr        string        `toml:"addr"`
	SelfAddr    string        `toml:"self_addr"`
	CorsOrigins []string      `toml:"cors_origins"`
	RDT         RDTConfig     `toml:"rdt"`
	Pairing     PairingConfig `toml:"pairing"`
	Files       FilesConfig   `toml:"files"`
}

// SelfLinkAddr decodes SelfAddr into the 6-byte link address this gateway
// advertises during pairing. Validate guarantees SelfAddr is well-formed
// hex of the right length before this is called.
func (c GatewayConfig) SelfLinkAddr() [6]byte {
	var addr [6]byte
	raw, _ := hex.DecodeString(c.SelfAddr)
	copy(addr[:], raw)
	return addr
}

// AckTimeout returns the configured ACK timeout as a time.Duration.
func (c RDTConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// TickInterval returns the configured tick interval as a time.Duration.
func (c RDTConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// Load reads and validates a GatewayConfig from path, filling in defaults
// for anything left unset.
func Load(path string) (GatewayConfig, error) {
	var cfg GatewayConfig
	if err := loadToml(path, &cfg); err != nil {
		return GatewayConfig{}, err
	}
	cfg = withDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

func withDefaults(cfg GatewayConfig) GatewayConfig {
	if cfg.Name == "" {
		cfg.Name = "rdt-gateway"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9000"
	}
	if cfg.RDT.AckTimeoutMS == 0 {
		cfg.RDT.AckTimeoutMS = 100
	}
	if cfg.RDT.MaxRetry == 0 {
		cfg.RDT.MaxRetry = 5
	}
	if cfg.RDT.TickIntervalMS == 0 {
		cfg.RDT.TickIntervalMS = 50
	}
	if cfg.RDT.EventQueueDepth == 0 {
		cfg.RDT.EventQueueDepth = 30
	}
	if cfg.Pairing.StateFile == "" {
		cfg.Pairing.StateFile = "/var/lib/rdt-gateway/peer.hex"
	}
	if cfg.Files.StoreRoot == "" {
		cfg.Files.StoreRoot = "/var/lib/rdt-gateway/files"
	}
	if cfg.SelfAddr == "" {
		cfg.SelfAddr = "0a0b0c0d0e0f"
	}
	return cfg
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// Validate checks structural invariants that defaults alone cannot fix.
func Validate(cfg GatewayConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("gateway config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("gateway config missing addr")
	}
	if raw, err := hex.DecodeString(cfg.SelfAddr); err != nil || len(raw) != 6 {
		return fmt.Errorf("gateway config self_addr must be 6 bytes of hex, got %q", cfg.SelfAddr)
	}
	seen := make(map[string]bool)
	for i, ch := range cfg.RDT.Channels {
		if strings.TrimSpace(ch.Name) == "" {
			return fmt.Errorf("rdt.channels[%d] missing name", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("rdt.channels[%d] duplicate name %q", i, ch.Name)
		}
		seen[ch.Name] = true
		if ch.QueueDepth < 0 {
			return fmt.Errorf("rdt.channels[%d] negative queue_depth", i)
		}
	}
	return nil
}
