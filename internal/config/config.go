// Package config loads layered configuration: built-in defaults, an optional
// YAML file, then environment variables, with the later layers winning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces the environment variables this program reads.
const EnvPrefix = "SCROBBLEVAULT_"

// DefaultConfigPaths lists where a config file is searched, in order.
var DefaultConfigPaths = []string{
	"scrobble-vault.yaml",
	"scrobble-vault.yml",
	"/etc/scrobble-vault/config.yaml",
}

// Config is the full runtime configuration.
type Config struct {
	DatabaseURL string       `koanf:"database_url"`
	Addr        string       `koanf:"addr"`
	Debug       bool         `koanf:"debug"`
	DefaultTier string       `koanf:"default_tier"`
	Lastfm      LastfmConfig `koanf:"lastfm"`
	Enrich      EnrichConfig `koanf:"enrich"`
}

// LastfmConfig configures the remote scrobble API client.
type LastfmConfig struct {
	APIKey            string `koanf:"api_key"`
	BaseURL           string `koanf:"base_url"`
	RequestIntervalMS int    `koanf:"request_interval_ms"`
	MaxRetries        int    `koanf:"max_retries"`
}

// EnrichConfig configures post-import metadata enrichment.
type EnrichConfig struct {
	Concurrency int `koanf:"concurrency"`
}

// RequestInterval returns the minimum spacing between API requests.
func (c LastfmConfig) RequestInterval() time.Duration {
	return time.Duration(c.RequestIntervalMS) * time.Millisecond
}

func defaults() *Config {
	return &Config{
		DatabaseURL: "postgres://localhost:5432/scrobble_vault?sslmode=disable",
		Addr:        ":8080",
		Debug:       false,
		DefaultTier: "STANDARD",
		Lastfm: LastfmConfig{
			BaseURL:           "https://ws.audioscrobbler.com/2.0/",
			RequestIntervalMS: 250,
			MaxRetries:        3,
		},
		Enrich: EnrichConfig{
			Concurrency: 5,
		},
	}
}

// Load reads configuration from defaults, the file at path (or the first
// default path when path is empty), and SCROBBLEVAULT_* environment
// variables. A missing file is only an error when it was named explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	// SCROBBLEVAULT_LASTFM__API_KEY maps to lastfm.api_key: the double
	// underscore separates nesting levels so single underscores survive
	// inside key names.
	envProvider := env.Provider(EnvPrefix, ".", func(name string) string {
		name = strings.TrimPrefix(name, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(name), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the program cannot run with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required")
	}
	if c.Lastfm.BaseURL == "" {
		return errors.New("lastfm.base_url is required")
	}
	if c.Lastfm.RequestIntervalMS < 0 {
		return errors.New("lastfm.request_interval_ms must not be negative")
	}
	return nil
}

func findConfigFile() string {
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
