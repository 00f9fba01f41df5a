package worldsim

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/worldlink/pkg/timing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worldsim.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":2000", cfg.Server.TCPAddr)
	assert.Equal(t, 2*time.Minute, cfg.idleTimeout())
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
tcp_addr = "127.0.0.1:7000"
http_addr = "127.0.0.1:7001"
client_ready_opcode = 0x33

[world]
map_id = 9
spawn_x = 100
spawn_y = 200
weapon = "bow"
blocked = ["101,200", " 99 , 200 "]

[limits]
move_grace_ms = 20
chat_per_minute = 5
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.TCPAddr)
	assert.Equal(t, 0x33, cfg.Server.ClientReadyOpcode)
	assert.Equal(t, 9, cfg.World.MapID)
	assert.Equal(t, 5, cfg.Limits.ChatPerMinute)
	// Keys the file leaves out keep their defaults.
	assert.Equal(t, 120, cfg.Server.IdleTimeoutS)
	assert.Equal(t, 50, cfg.Limits.MagicGraceMs)

	blocked, err := cfg.blockedCells()
	require.NoError(t, err)
	assert.Equal(t, map[cell]bool{{101, 200}: true, {99, 200}: true}, blocked)

	assert.Equal(t, timing.Margins{
		MovementTolerance: 20 * time.Millisecond,
		MagicTolerance:    50 * time.Millisecond,
	}, cfg.Margins())
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[server]
tcp_adr = ":2000"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tcp_adr")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("WORLDSIM_SERVER_TCP_ADDR", "127.0.0.1:9000")
	t.Setenv("WORLDSIM_SERVER_HTTP_ADDR", "127.0.0.1:9001")
	t.Setenv("WORLDSIM_WORLD_SPAWN", "10, 20")
	t.Setenv("WORLDSIM_LIMITS_MOVE_GRACE_MS", "5")

	cfg, err := LoadConfig(writeConfig(t, "[server]\ntcp_addr = \":2000\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.TCPAddr)
	assert.Equal(t, "127.0.0.1:9001", cfg.Server.HTTPAddr)
	assert.Equal(t, 10, cfg.World.SpawnX)
	assert.Equal(t, 20, cfg.World.SpawnY)
	assert.Equal(t, 5, cfg.Limits.MoveGraceMs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"no listeners", func(c *Config) { c.Server.TCPAddr = "" }, "both empty"},
		{"ready opcode", func(c *Config) { c.Server.ClientReadyOpcode = 0x100 }, "client_ready_opcode"},
		{"spawn", func(c *Config) { c.World.SpawnX = -1 }, "world.spawn"},
		{"map", func(c *Config) { c.World.MapID = 70000 }, "world.map_id"},
		{"gfx", func(c *Config) { c.World.Gfx = -3 }, "world.gfx"},
		{"weapon", func(c *Config) { c.World.Weapon = "banana" }, "world.weapon"},
		{"blocked format", func(c *Config) { c.World.Blocked = []string{"12"} }, "want x,y"},
		{"blocked range", func(c *Config) { c.World.Blocked = []string{"1,70000"} }, "invalid cell"},
		{"grace", func(c *Config) { c.Limits.MoveGraceMs = -1 }, "grace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.World.Weapon = "banana"
	_, err := NewServer(cfg, nil, nil)
	assert.Error(t, err)
}
