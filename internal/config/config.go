package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPath names the environment variable that overrides DefaultPath.
const (
	EnvPath     = "OUTPOST_CONFIG"
	DefaultPath = "config/outpost.toml"
)

type Config struct {
	Peer     PeerConfig     `toml:"peer"`
	Lobby    LobbyConfig    `toml:"lobby"`
	Lockstep LockstepConfig `toml:"lockstep"`
	World    WorldConfig    `toml:"world"`
	Network  NetworkConfig  `toml:"network"`
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Cache    CacheConfig    `toml:"cache"`
}

type PeerConfig struct {
	Role        string `toml:"role"` // "host" or "client"
	Name        string `toml:"name"`
	HostAddress string `toml:"host_address"` // client only; ws:// or wss:// dials websocket
	Password    string `toml:"password"`
}

type LobbyConfig struct {
	MaxPlayers   int    `toml:"max_players"`
	PasswordHash string `toml:"password_hash"` // bcrypt, empty for an open lobby
}

type LockstepConfig struct {
	TickRate     time.Duration `toml:"tick_rate"`
	SyncPolicy   string        `toml:"sync_policy"` // "always" or "interval"
	SyncInterval time.Duration `toml:"sync_interval"`
	SyncTimeout  time.Duration `toml:"sync_timeout"`
	MaxStepMs    int32         `toml:"max_step_ms"`
	DesyncCheck  bool          `toml:"desync_check"`
}

type WorldConfig struct {
	MapList        string `toml:"map_list"`
	TileDir        string `toml:"tile_dir"`
	MapID          int32  `toml:"map_id"`
	Templates      string `toml:"templates"`
	ScriptsDir     string `toml:"scripts_dir"`
	MaxPushouts    int    `toml:"max_pushouts"`
	StartResources int64  `toml:"start_resources"`
}

type NetworkConfig struct {
	Transport         string        `toml:"transport"` // "tcp" or "ws"
	BindAddress       string        `toml:"bind_address"`
	InQueueSize       int           `toml:"in_queue_size"`
	OutQueueSize      int           `toml:"out_queue_size"`
	MaxPacketsPerTick int           `toml:"max_packets_per_tick"`
	PacketsPerSecond  int           `toml:"packets_per_second"`
	WriteTimeout      time.Duration `toml:"write_timeout"`
	ReadTimeout       time.Duration `toml:"read_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `toml:"dsn"` // empty disables the round archive
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	FlushEvery      int           `toml:"flush_every"` // rounds per archive batch
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
	File   string `toml:"file"`   // optional rotating log file
}

type CacheConfig struct {
	SnapshotCost int64         `toml:"snapshot_cost"` // bytes
	SnapshotTTL  time.Duration `toml:"snapshot_ttl"`
}

// Path returns the config file named by OUTPOST_CONFIG, or DefaultPath.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Peer.Role {
	case "host":
	case "client":
		if c.Peer.HostAddress == "" {
			return fmt.Errorf("peer.host_address is required for a client")
		}
	default:
		return fmt.Errorf("peer.role must be host or client, got %q", c.Peer.Role)
	}
	switch c.Lockstep.SyncPolicy {
	case "always", "interval":
	default:
		return fmt.Errorf("lockstep.sync_policy must be always or interval, got %q", c.Lockstep.SyncPolicy)
	}
	switch c.Network.Transport {
	case "tcp", "ws":
	default:
		return fmt.Errorf("network.transport must be tcp or ws, got %q", c.Network.Transport)
	}
	if c.Lockstep.TickRate <= 0 {
		return fmt.Errorf("lockstep.tick_rate must be positive")
	}
	if c.World.MaxPushouts <= 0 {
		return fmt.Errorf("world.max_pushouts must be positive")
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Peer: PeerConfig{
			Role: "host",
			Name: "host",
		},
		Lobby: LobbyConfig{
			MaxPlayers: 8,
		},
		Lockstep: LockstepConfig{
			TickRate:     50 * time.Millisecond,
			SyncPolicy:   "always",
			SyncInterval: 100 * time.Millisecond,
			SyncTimeout:  10 * time.Second,
			MaxStepMs:    250,
			DesyncCheck:  true,
		},
		World: WorldConfig{
			MapList:        "data/maps.yaml",
			TileDir:        "data/tiles",
			MapID:          1,
			Templates:      "data/templates.yaml",
			ScriptsDir:     "scripts",
			MaxPushouts:    32,
			StartResources: 200,
		},
		Network: NetworkConfig{
			Transport:         "tcp",
			BindAddress:       "0.0.0.0:7420",
			InQueueSize:       256,
			OutQueueSize:      256,
			MaxPacketsPerTick: 64,
			PacketsPerSecond:  200,
			WriteTimeout:      10 * time.Second,
			ReadTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    4,
			MaxIdleConns:    1,
			ConnMaxLifetime: 30 * time.Minute,
			FlushEvery:      50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Cache: CacheConfig{
			SnapshotCost: 64 << 20,
			SnapshotTTL:  time.Minute,
		},
	}
}
