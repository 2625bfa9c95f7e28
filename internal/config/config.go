// Package config holds the runtime configuration for the recorder, the
// uploaders and the LAN cast service.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role represents the CLI role the process runs as.
type Role string

const (
	RoleSession  Role = "session"
	RoleListener Role = "listener"
	RoleDecode   Role = "decode"
)

// MaxChunkSize bounds upload.chunk_size, one websocket message.
const MaxChunkSize = 32 * 1024

// Compression names accepted by upload.compression.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// Config stores every tunable of a recording session.
type Config struct {
	Identity Identity `yaml:"identity"`
	Upload   Upload   `yaml:"upload"`
	Cast     Cast     `yaml:"cast"`
	Log      Log      `yaml:"log"`
}

type Identity struct {
	PlayerName  string `yaml:"player_name"`
	PlayerID    string `yaml:"player_id"`
	DeviceModel string `yaml:"device_model"`
}

type Upload struct {
	// Persistent websocket endpoint the session is streamed to.
	StreamURL string `yaml:"stream_url"`

	// One-shot HTTP endpoint used when streaming never got a byte out.
	BulkURL string `yaml:"bulk_url"`

	ChunkSize    int           `yaml:"chunk_size"`
	WaitInterval time.Duration `yaml:"wait_interval"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
	BulkTimeout  time.Duration `yaml:"bulk_timeout"`

	// Content-Encoding applied to the bulk body: none, zstd or lz4.
	Compression string `yaml:"compression"`
}

type Cast struct {
	Enabled bool `yaml:"enabled"`

	// Group is the multicast host:port devices listen on. The port is also
	// the port events are sent to on each discovered device.
	Group string `yaml:"group"`

	// Interface pins the LAN interface by name. Empty picks the first
	// usable one.
	Interface string `yaml:"interface"`

	PingInterval time.Duration `yaml:"ping_interval"`
	Liveness     time.Duration `yaml:"liveness"`
	InboxSize    int           `yaml:"inbox_size"`
}

type Log struct {
	Debug         bool          `yaml:"debug"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// Default returns the production configuration.
func Default() Config {
	return Config{
		Identity: Identity{
			PlayerName:  "anonymous",
			DeviceModel: "unknown",
		},
		Upload: Upload{
			StreamURL:    "wss://beatbrain-api.brainbazooka.com/v1/telemetry/stream",
			BulkURL:      "https://beatbrain-api.brainbazooka.com/v1/telemetry",
			ChunkSize:    MaxChunkSize,
			WaitInterval: 250 * time.Millisecond,
			DialTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			CloseTimeout: 2 * time.Second,
			BulkTimeout:  60 * time.Second,
			Compression:  CompressionNone,
		},
		Cast: Cast{
			Enabled:      true,
			Group:        "226.1.1.1:4096",
			PingInterval: 1 * time.Second,
			Liveness:     3 * time.Second,
			InboxSize:    64,
		},
		Log: Log{
			StatsInterval: 10 * time.Second,
		},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	// Upload
	if err := validateURL(c.Upload.StreamURL, "ws", "wss"); err != nil {
		return fmt.Errorf("upload.stream_url: %w", err)
	}
	if err := validateURL(c.Upload.BulkURL, "http", "https"); err != nil {
		return fmt.Errorf("upload.bulk_url: %w", err)
	}
	if c.Upload.ChunkSize <= 0 || c.Upload.ChunkSize > MaxChunkSize {
		return fmt.Errorf("upload.chunk_size must be 1~%d", MaxChunkSize)
	}
	if c.Upload.WaitInterval <= 0 {
		return errors.New("upload.wait_interval must be > 0")
	}
	if c.Upload.DialTimeout <= 0 || c.Upload.WriteTimeout <= 0 || c.Upload.BulkTimeout <= 0 {
		return errors.New("upload timeouts must be > 0")
	}
	if c.Upload.CloseTimeout < 0 {
		return errors.New("upload.close_timeout must be >= 0")
	}
	switch c.Upload.Compression {
	case CompressionNone, CompressionZstd, CompressionLZ4:
	default:
		return fmt.Errorf("upload.compression must be none, zstd or lz4, got %q", c.Upload.Compression)
	}

	// Cast
	if c.Cast.Enabled {
		if _, err := net.ResolveUDPAddr("udp4", c.Cast.Group); err != nil {
			return fmt.Errorf("cast.group: %w", err)
		}
		if c.Cast.PingInterval <= 0 {
			return errors.New("cast.ping_interval must be > 0")
		}
		if c.Cast.Liveness <= c.Cast.PingInterval {
			return errors.New("cast.liveness must be > cast.ping_interval")
		}
		if c.Cast.InboxSize <= 0 {
			return errors.New("cast.inbox_size must be > 0")
		}
	}

	if c.Log.StatsInterval < 0 {
		return errors.New("log.stats_interval must be >= 0")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

// Load reads a YAML config file. Missing fields keep their defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Save validates cfg and writes it to path as YAML.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
