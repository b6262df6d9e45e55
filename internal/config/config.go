// Package config loads bloomd's process configuration from an optional YAML
// file with an environment variable overlay, following the same
// file-then-env precedence the corpus uses for its own service config.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/armon/bloomd/internal/bloomstore"
)

// Config is bloomd's full process configuration.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`

	DefaultCapacity          uint    `yaml:"default_capacity"`
	DefaultFalsePositiveRate float64 `yaml:"default_false_positive_rate"`
	DefaultInMemory          bool    `yaml:"default_in_memory"`

	// VersionCooldown is the reaper's cooldown window (spec's
	// VERSION_COOLDOWN). It can be set from the config file or
	// BLOOMD_VERSION_COOLDOWN; tests shrink it well below 15s.
	VersionCooldown time.Duration `yaml:"version_cooldown"`

	LoaderConcurrency int `yaml:"loader_concurrency"`
}

// Default returns the configuration bloomd ships with out of the box.
func Default() Config {
	return Config{
		DataDir:                  "/var/lib/bloomd",
		ListenAddr:               "0.0.0.0:8673",
		DefaultCapacity:          bloomstore.DefaultConfig.Capacity,
		DefaultFalsePositiveRate: bloomstore.DefaultConfig.FalsePositiveRate,
		VersionCooldown:          15 * time.Second,
		LoaderConcurrency:        4,
	}
}

// FilterDefaults extracts the bloomstore.Config a filter should be created
// with when the caller supplies no override.
func (c Config) FilterDefaults() bloomstore.Config {
	return bloomstore.Config{
		Capacity:          c.DefaultCapacity,
		FalsePositiveRate: c.DefaultFalsePositiveRate,
		InMemory:          c.DefaultInMemory,
	}
}

// Load reads path (if non-empty) as YAML into a Default() config, then
// applies environment overrides, mirroring the corpus's FromEnv-over-file
// precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config file %q", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config file %q", path)
		}
	}

	if err := fromEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// fromEnv takes a *Config as it will respect config already provided by
// other means (e.g. a config file) and will only extend those that are set.
func fromEnv(cfg *Config) error {
	if v := os.Getenv("BLOOMD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("BLOOMD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	if v := os.Getenv("BLOOMD_DEFAULT_CAPACITY"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "parse BLOOMD_DEFAULT_CAPACITY")
		}
		cfg.DefaultCapacity = uint(n)
	}

	if v := os.Getenv("BLOOMD_DEFAULT_FALSE_POSITIVE_RATE"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(err, "parse BLOOMD_DEFAULT_FALSE_POSITIVE_RATE")
		}
		cfg.DefaultFalsePositiveRate = p
	}

	if v := os.Getenv("BLOOMD_VERSION_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "parse BLOOMD_VERSION_COOLDOWN")
		}
		cfg.VersionCooldown = d
	}

	return nil
}
