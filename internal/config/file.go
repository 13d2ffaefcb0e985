package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk form. Unset keys stay nil and keep the value
// they are applied over.
type fileConfig struct {
	Role    *string `toml:"role" yaml:"role"`
	Address *string `toml:"address" yaml:"address"`
	Port    *int    `toml:"port" yaml:"port"`

	WindowSize *int `toml:"window_size" yaml:"window_size"`
	PacketSize *int `toml:"packet_size" yaml:"packet_size"`

	MaxConnections *int     `toml:"max_connections" yaml:"max_connections"`
	AcceptRate     *float64 `toml:"accept_rate" yaml:"accept_rate"`
	AcceptBurst    *int     `toml:"accept_burst" yaml:"accept_burst"`

	Curve  *string `toml:"curve" yaml:"curve"`
	Cipher *string `toml:"cipher" yaml:"cipher"`

	RetryInterval      *string `toml:"retry_interval" yaml:"retry_interval"`
	RetransmitInterval *string `toml:"retransmit_interval" yaml:"retransmit_interval"`
	IdleTimeout        *string `toml:"idle_timeout" yaml:"idle_timeout"`
	StatsInterval      *string `toml:"stats_interval" yaml:"stats_interval"`

	Carrier   *string `toml:"carrier" yaml:"carrier"`
	Debug     *bool   `toml:"debug" yaml:"debug"`
	LogFormat *string `toml:"log_format" yaml:"log_format"`
}

// Load reads path (.toml, .yaml or .yml) over Default(). The result is not
// validated; flags may still override it.
func Load(path string) (Config, error) {
	return LoadOver(Default(), path)
}

// LoadOver reads path over base.
func LoadOver(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	var raw fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("load config %s: unknown format %q", path, ext)
	}

	cfg := base
	if err := raw.apply(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func (f fileConfig) apply(cfg *Config) error {
	if f.Role != nil {
		cfg.Role = Role(strings.TrimSpace(*f.Role))
	}
	if f.Address != nil {
		cfg.Address = strings.TrimSpace(*f.Address)
	}
	setInt(&cfg.Port, f.Port)
	setInt(&cfg.WindowSize, f.WindowSize)
	setInt(&cfg.PacketSize, f.PacketSize)
	setInt(&cfg.MaxConnections, f.MaxConnections)
	setInt(&cfg.AcceptBurst, f.AcceptBurst)
	if f.AcceptRate != nil {
		cfg.AcceptRate = *f.AcceptRate
	}
	if f.Curve != nil {
		cfg.Curve = strings.TrimSpace(*f.Curve)
	}
	if f.Cipher != nil {
		cfg.Cipher = strings.TrimSpace(*f.Cipher)
	}
	if f.Carrier != nil {
		cfg.Carrier = CarrierKind(strings.TrimSpace(*f.Carrier))
	}
	if f.Debug != nil {
		cfg.Debug = *f.Debug
	}
	if f.LogFormat != nil {
		cfg.LogFormat = strings.TrimSpace(*f.LogFormat)
	}

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"retry_interval", f.RetryInterval, &cfg.RetryInterval},
		{"retransmit_interval", f.RetransmitInterval, &cfg.RetransmitInterval},
		{"idle_timeout", f.IdleTimeout, &cfg.IdleTimeout},
		{"stats_interval", f.StatsInterval, &cfg.StatsInterval},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(*d.src))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
