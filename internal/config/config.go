package config

import (
	"os"

	"github.com/BurntSushi/toml"
	E "github.com/sagernet/sing/common/exceptions"
)

type Config struct {
	Tunnel TunnelConfig `toml:"tunnel"`
	Log    LogConfig    `toml:"log"`
}

type TunnelConfig struct {
	Mode       string `toml:"mode"`
	Transport  string `toml:"transport"`
	Addr       string `toml:"addr"`
	BufferSize int    `toml:"buffer_size"`
}

type LogConfig struct {
	Level       string         `toml:"level"`
	Format      string         `toml:"format"`
	Outputs     []string       `toml:"outputs"`
	Development bool           `toml:"development"`
	Rotation    RotationConfig `toml:"rotation"`
}

type RotationConfig struct {
	Enable     bool   `toml:"enable"`
	Filename   string `toml:"filename"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

const (
	ModeDial   = "dial"
	ModeListen = "listen"
)

var transports = []string{"tcp", "ws", "dtls", "grpc", "quic"}

// Defaults returns a Config that dials a local TCP peer and logs to stderr.
func Defaults() *Config {
	return &Config{
		Tunnel: TunnelConfig{
			Mode:       ModeDial,
			Transport:  "tcp",
			Addr:       "127.0.0.1:7000",
			BufferSize: 32 * 1024,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  10,
				MaxBackups: 1,
				MaxAgeDays: 7,
			},
		},
	}
}

// Load reads a TOML config file on top of Defaults.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, E.Cause(err, "reading config")
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, E.Cause(err, "parsing config")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Tunnel.Mode {
	case ModeDial, ModeListen:
	default:
		return E.New("unknown mode: ", c.Tunnel.Mode)
	}
	known := false
	for _, name := range transports {
		if name == c.Tunnel.Transport {
			known = true
			break
		}
	}
	if !known {
		return E.New("unknown transport: ", c.Tunnel.Transport)
	}
	if c.Tunnel.Addr == "" {
		return E.New("missing tunnel address")
	}
	if c.Tunnel.BufferSize <= 0 {
		return E.New("buffer_size must be positive")
	}
	return nil
}
