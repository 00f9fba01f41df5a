// Package config loads the client's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/worldlink/pkg/timing"
)

// DefaultPath is where the client looks for its config file.
const DefaultPath = "~/.worldlink/config.toml"

// Config represents the structure of the client config file
type Config struct {
	Server    ServerSection    `toml:"server"`
	Timing    TimingSection    `toml:"timing"`
	Character CharacterSection `toml:"character"`
	Logging   LoggingSection   `toml:"logging"`
	Metrics   MetricsSection   `toml:"metrics"`
	State     StateSection     `toml:"state"`
	Notify    NotifySection    `toml:"notify"`
}

type ServerSection struct {
	Address             string `toml:"address"`
	DialTimeoutMs       int    `toml:"dial_timeout_ms"`
	ClientReadyOpcode   int    `toml:"client_ready_opcode"`
	MaxUnknownPackets   int    `toml:"max_unknown_packets"`
	ReconnectMaxBackoff int    `toml:"reconnect_max_backoff_s"`
}

type TimingSection struct {
	MovementToleranceMs int     `toml:"movement_tolerance_ms"`
	MovementLeadMs      int     `toml:"movement_lead_ms"`
	MagicToleranceMs    int     `toml:"magic_tolerance_ms"`
	MagicLeadMs         int     `toml:"magic_lead_ms"`
	StrictnessFactor    float64 `toml:"strictness_factor"`
	IntervalsPath       string  `toml:"intervals_path"`
}

type CharacterSection struct {
	Gfx         int    `toml:"gfx"`
	Weapon      string `toml:"weapon"`
	MeleeRange  int    `toml:"melee_range"`
	RangedRange int    `toml:"ranged_range"`
	CastRange   int    `toml:"cast_range"`
}

type LoggingSection struct {
	Level      string `toml:"level"`
	Console    bool   `toml:"console"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type MetricsSection struct {
	ListenAddr string `toml:"listen_addr"`
}

type StateSection struct {
	Path string `toml:"path"`
}

type NotifySection struct {
	OnDisconnect bool `toml:"on_disconnect"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Server: ServerSection{
			Address:             "127.0.0.1:2000",
			DialTimeoutMs:       5000,
			ClientReadyOpcode:   0x47,
			MaxUnknownPackets:   8,
			ReconnectMaxBackoff: 30,
		},
		Timing: TimingSection{
			MovementToleranceMs: 15,
			MovementLeadMs:      10,
			MagicToleranceMs:    15,
			MagicLeadMs:         10,
			StrictnessFactor:    0.97,
		},
		Character: CharacterSection{
			Weapon:      "none",
			MeleeRange:  1,
			RangedRange: 12,
			CastRange:   12,
		},
		Logging: LoggingSection{
			Level:      "info",
			Console:    true,
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		State: StateSection{
			Path: "~/.worldlink/state.db",
		},
	}
}

// Load loads configuration from a TOML file, creates a default one if not
// found, and applies environment variable overrides. Keys missing from the
// file keep their defaults.
func Load(path string) (Config, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return Config{}, err
	}

	config := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// A read-only home still runs on defaults.
		_ = writeDefault(path)
		config = applyEnvOverrides(config)
		return config, config.Validate()
	}

	md, err := toml.DecodeFile(path, &config)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	config = applyEnvOverrides(config)
	return config, config.Validate()
}

// ExpandPath resolves a leading "~/" to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// Validate rejects values the client cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return fmt.Errorf("server.address is empty")
	}
	if c.Server.ClientReadyOpcode < 0 || c.Server.ClientReadyOpcode > 0xFF {
		return fmt.Errorf("server.client_ready_opcode %d out of range", c.Server.ClientReadyOpcode)
	}
	if f := c.Timing.StrictnessFactor; f <= 0 || f > 1 {
		return fmt.Errorf("timing.strictness_factor %v must be in (0, 1]", f)
	}
	for name, v := range map[string]int{
		"timing.movement_tolerance_ms": c.Timing.MovementToleranceMs,
		"timing.movement_lead_ms":      c.Timing.MovementLeadMs,
		"timing.magic_tolerance_ms":    c.Timing.MagicToleranceMs,
		"timing.magic_lead_ms":         c.Timing.MagicLeadMs,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Character.Gfx < 0 || c.Character.Gfx > 0xFFFF {
		return fmt.Errorf("character.gfx %d out of range", c.Character.Gfx)
	}
	if _, err := timing.ParseWeapon(c.Character.Weapon); err != nil {
		return fmt.Errorf("character.weapon: %w", err)
	}
	return nil
}

// Margins converts the timing section into gate margins.
func (c Config) Margins() timing.Margins {
	return timing.Margins{
		MovementTolerance: time.Duration(c.Timing.MovementToleranceMs) * time.Millisecond,
		MovementLead:      time.Duration(c.Timing.MovementLeadMs) * time.Millisecond,
		MagicTolerance:    time.Duration(c.Timing.MagicToleranceMs) * time.Millisecond,
		MagicLead:         time.Duration(c.Timing.MagicLeadMs) * time.Millisecond,
	}
}

// DialTimeout returns server.dial_timeout_ms as a duration.
func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.Server.DialTimeoutMs) * time.Millisecond
}

// MaxBackoff returns server.reconnect_max_backoff_s as a duration.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.Server.ReconnectMaxBackoff) * time.Second
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: WORLDLINK_SECTION_KEY
// Example: WORLDLINK_SERVER_ADDRESS=ws://game.example.com:8080
func applyEnvOverrides(config Config) Config {
	// Server section
	if val := os.Getenv("WORLDLINK_SERVER_ADDRESS"); val != "" {
		config.Server.Address = val
	}
	envInt("WORLDLINK_SERVER_DIAL_TIMEOUT_MS", &config.Server.DialTimeoutMs)
	envInt("WORLDLINK_SERVER_CLIENT_READY_OPCODE", &config.Server.ClientReadyOpcode)
	envInt("WORLDLINK_SERVER_MAX_UNKNOWN_PACKETS", &config.Server.MaxUnknownPackets)
	envInt("WORLDLINK_SERVER_RECONNECT_MAX_BACKOFF_S", &config.Server.ReconnectMaxBackoff)

	// Timing section
	envInt("WORLDLINK_TIMING_MOVEMENT_TOLERANCE_MS", &config.Timing.MovementToleranceMs)
	envInt("WORLDLINK_TIMING_MOVEMENT_LEAD_MS", &config.Timing.MovementLeadMs)
	envInt("WORLDLINK_TIMING_MAGIC_TOLERANCE_MS", &config.Timing.MagicToleranceMs)
	envInt("WORLDLINK_TIMING_MAGIC_LEAD_MS", &config.Timing.MagicLeadMs)
	if val := os.Getenv("WORLDLINK_TIMING_STRICTNESS_FACTOR"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.Timing.StrictnessFactor = f
		}
	}
	if val := os.Getenv("WORLDLINK_TIMING_INTERVALS_PATH"); val != "" {
		config.Timing.IntervalsPath = val
	}

	// Character section
	envInt("WORLDLINK_CHARACTER_GFX", &config.Character.Gfx)
	if val := os.Getenv("WORLDLINK_CHARACTER_WEAPON"); val != "" {
		config.Character.Weapon = val
	}

	// Logging section
	if val := os.Getenv("WORLDLINK_LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("WORLDLINK_LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	envBool("WORLDLINK_LOGGING_CONSOLE", &config.Logging.Console)

	// Metrics, state, notify
	if val := os.Getenv("WORLDLINK_METRICS_LISTEN_ADDR"); val != "" {
		config.Metrics.ListenAddr = val
	}
	if val := os.Getenv("WORLDLINK_STATE_PATH"); val != "" {
		config.State.Path = val
	}
	envBool("WORLDLINK_NOTIFY_ON_DISCONNECT", &config.Notify.OnDisconnect)

	return config
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 0, 64); err == nil {
			*dst = int(n)
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

// writeDefault writes the default config to a file with all options documented
func writeDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(defaultFile), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

const defaultFile = `# worldlink client configuration
# This file was auto-generated with default values
# Commented settings show available options with their defaults
#
# Environment variables can override these settings:
# WORLDLINK_SECTION_KEY (e.g., WORLDLINK_SERVER_ADDRESS=ws://game.example.com:8080)

[server]
# host:port for TCP, or ws://host:port / wss://host:port for WebSocket
address = "127.0.0.1:2000"

# Dial timeout in milliseconds
dial_timeout_ms = 5000

# Opcode of the unencrypted reply to the handshake (0x47 on most builds)
client_ready_opcode = 0x47

# Undecodable packets in a row before the link is dropped as desynced
# Set to -1 to disable
max_unknown_packets = 8

# Upper bound for the reconnect backoff in seconds
reconnect_max_backoff_s = 30

[timing]
# Early-send allowances for movement and magic. Attacks never get any.
movement_tolerance_ms = 15
movement_lead_ms = 10
magic_tolerance_ms = 15
magic_lead_ms = 10

# Walk cadence is the server interval divided by this factor
strictness_factor = 0.97

# Optional TOML file with [[interval]] gfx/action/ms overrides
# intervals_path = "~/.worldlink/intervals.toml"

[character]
# Appearance id used for interval lookups
gfx = 0

# none, sword, axe, bow, spear, staff, dagger, two_hand_sword, claw
weapon = "none"

# Reach in cells
melee_range = 1
ranged_range = 12
cast_range = 12

[logging]
# debug, info, warn, error
level = "info"

# Human-readable console output instead of JSON
console = true

# Rotating log file; leave empty to log to stderr only
# file = "~/.worldlink/worldlink.log"
max_size_mb = 50
max_backups = 3
max_age_days = 28
compress = true

[metrics]
# Serve Prometheus metrics on this address, e.g. "127.0.0.1:9102"
# listen_addr = ""

[state]
# SQLite file for connection history and last known positions
path = "~/.worldlink/state.db"

[notify]
# Desktop notification when the connection drops
on_disconnect = false
`
