// Package config loads server configuration from an optional TOML file
// with environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	HTTPAddr  string `toml:"http_addr"`
	DataDir   string `toml:"data_dir"`
	DevMode   bool   `toml:"dev_mode"`
	CacheSize int    `toml:"cache_size"`
	Bootstrap string `toml:"bootstrap"` // path to initial-data JSON, optional
	Schema    string `toml:"schema"`    // path to schema JSON, optional
}

func defaults() Config {
	return Config{
		HTTPAddr:  "127.0.0.1:8080",
		DataDir:   "./data",
		CacheSize: 4096,
	}
}

// Load reads the TOML file at path (skipped when empty), then applies
// MS_* environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = envOrDefault("MS_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = envOrDefault("MS_DATA_DIR", cfg.DataDir)
	cfg.Bootstrap = envOrDefault("MS_BOOTSTRAP", cfg.Bootstrap)
	cfg.Schema = envOrDefault("MS_SCHEMA", cfg.Schema)
	if v := os.Getenv("MS_DEV_MODE"); v != "" {
		cfg.DevMode = v == "1" || v == "true"
	}
	if v := os.Getenv("MS_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid MS_CACHE_SIZE %q", v)
		}
		cfg.CacheSize = n
	}
	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
