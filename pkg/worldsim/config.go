package worldsim

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/worldlink/pkg/config"
	"github.com/aeolun/worldlink/pkg/protocol"
	"github.com/aeolun/worldlink/pkg/timing"
)

// Config is the simulator's TOML configuration.
type Config struct {
	Server ServerSection `toml:"server"`
	World  WorldSection  `toml:"world"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPAddr           string `toml:"tcp_addr"`
	HTTPAddr          string `toml:"http_addr"` // /ws, /metrics, /health; empty disables
	ClientReadyOpcode int    `toml:"client_ready_opcode"`
	IdleTimeoutS      int    `toml:"idle_timeout_s"`
}

type WorldSection struct {
	MapID         int      `toml:"map_id"`
	SpawnX        int      `toml:"spawn_x"`
	SpawnY        int      `toml:"spawn_y"`
	Gfx           int      `toml:"gfx"`
	Weapon        string   `toml:"weapon"`
	Blocked       []string `toml:"blocked"` // "x,y" cells nobody may enter
	IntervalsPath string   `toml:"intervals_path"`
}

type LimitsSection struct {
	MoveGraceMs         int `toml:"move_grace_ms"`
	MagicGraceMs        int `toml:"magic_grace_ms"`
	ChatPerMinute       int `toml:"chat_per_minute"`
	MaxConnectionsPerIP int `toml:"max_connections_per_ip"`
}

// DefaultConfig returns a simulator listening on the client's default port.
func DefaultConfig() Config {
	return Config{
		Server: ServerSection{
			TCPAddr:           ":2000",
			HTTPAddr:          "",
			ClientReadyOpcode: protocol.OpClientReady,
			IdleTimeoutS:      120,
		},
		World: WorldSection{
			MapID:  4,
			SpawnX: 32800,
			SpawnY: 32800,
		},
		Limits: LimitsSection{
			MoveGraceMs:         50,
			MagicGraceMs:        50,
			ChatPerMinute:       30,
			MaxConnectionsPerIP: 0,
		},
	}
}

// LoadConfig decodes path over the defaults and applies WORLDSIM_*
// environment overrides. An empty path uses the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		expanded, err := config.ExpandPath(path)
		if err != nil {
			return Config{}, err
		}
		md, err := toml.DecodeFile(expanded, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WORLDSIM_SERVER_TCP_ADDR"); v != "" {
		cfg.Server.TCPAddr = v
	}
	if v := os.Getenv("WORLDSIM_SERVER_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("WORLDSIM_WORLD_SPAWN"); v != "" {
		if x, y, ok := strings.Cut(v, ","); ok {
			if xi, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
				cfg.World.SpawnX = xi
			}
			if yi, err := strconv.Atoi(strings.TrimSpace(y)); err == nil {
				cfg.World.SpawnY = yi
			}
		}
	}
	if v := os.Getenv("WORLDSIM_LIMITS_MOVE_GRACE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MoveGraceMs = n
		}
	}
}

// Validate rejects values the simulator cannot run with.
func (c Config) Validate() error {
	if c.Server.TCPAddr == "" && c.Server.HTTPAddr == "" {
		return errors.New("server: tcp_addr and http_addr are both empty")
	}
	if c.Server.ClientReadyOpcode < 0 || c.Server.ClientReadyOpcode > 0xFF {
		return fmt.Errorf("server.client_ready_opcode %#x out of range", c.Server.ClientReadyOpcode)
	}
	if c.World.SpawnX < 0 || c.World.SpawnX > 0xFFFF || c.World.SpawnY < 0 || c.World.SpawnY > 0xFFFF {
		return fmt.Errorf("world.spawn %d,%d out of range", c.World.SpawnX, c.World.SpawnY)
	}
	if c.World.MapID < 0 || c.World.MapID > 0xFFFF {
		return fmt.Errorf("world.map_id %d out of range", c.World.MapID)
	}
	if c.World.Gfx < 0 || c.World.Gfx > 0xFFFF {
		return fmt.Errorf("world.gfx %d out of range", c.World.Gfx)
	}
	if _, err := timing.ParseWeapon(c.World.Weapon); err != nil {
		return fmt.Errorf("world.weapon: %w", err)
	}
	if _, err := c.blockedCells(); err != nil {
		return err
	}
	if c.Limits.MoveGraceMs < 0 || c.Limits.MagicGraceMs < 0 {
		return errors.New("limits: grace must not be negative")
	}
	return nil
}

// Margins returns the server-side allowance. Attacks get none, as on the
// client.
func (c Config) Margins() timing.Margins {
	return timing.Margins{
		MovementTolerance: time.Duration(c.Limits.MoveGraceMs) * time.Millisecond,
		MagicTolerance:    time.Duration(c.Limits.MagicGraceMs) * time.Millisecond,
	}
}

func (c Config) idleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeoutS) * time.Second
}

type cell struct{ x, y uint16 }

func (c Config) blockedCells() (map[cell]bool, error) {
	out := make(map[cell]bool, len(c.World.Blocked))
	for _, s := range c.World.Blocked {
		xs, ys, ok := strings.Cut(s, ",")
		if !ok {
			return nil, fmt.Errorf("world.blocked: invalid cell %q, want x,y", s)
		}
		x, err := strconv.ParseUint(strings.TrimSpace(xs), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("world.blocked: invalid cell %q: %w", s, err)
		}
		y, err := strconv.ParseUint(strings.TrimSpace(ys), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("world.blocked: invalid cell %q: %w", s, err)
		}
		out[cell{uint16(x), uint16(y)}] = true
	}
	return out, nil
}
