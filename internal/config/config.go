// Package config provides configuration loading for the gateway.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration. It is loaded once at
// startup and immutable afterwards; changing the persisted-query map
// means restarting the process.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	GraphQL  GraphQLConfig  `yaml:"graphql"`
	Cache    CacheConfig    `yaml:"cache"`
	Coalesce CoalesceConfig `yaml:"coalesce"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Admin    AdminConfig    `yaml:"admin"`
	Log      LogConfig      `yaml:"log"`
}

// ListenConfig defines the server listener.
type ListenConfig struct {
	Address string `yaml:"address"`
	// H2C serves HTTP/2 over cleartext for clients behind a TLS-terminating
	// load balancer.
	H2C bool `yaml:"h2c"`
}

// GraphQLConfig defines the GraphQL route and its persisted-query map.
type GraphQLConfig struct {
	Path     string `yaml:"path"`
	Upstream string `yaml:"upstream"`
	// Queries maps persisted-query ids to query text inline.
	Queries map[string]string `yaml:"queries"`
	// QueryMapFile points at a JSON id-to-query map, the format persisted
	// query extraction tools emit. Inline entries win on conflict.
	QueryMapFile string `yaml:"query_map_file"`
}

// CacheConfig defines the response cache bounds.
type CacheConfig struct {
	Capacity        int    `yaml:"capacity"`
	TTL             string `yaml:"ttl"`
	CleanupInterval string `yaml:"cleanup_interval"`
}

// CoalesceConfig defines optional in-flight execution deduplication.
type CoalesceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MaxWaiters int    `yaml:"max_waiters"`
	Timeout    string `yaml:"timeout"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AdminConfig defines the operational API, served on its own listener.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	// Address is the admin listener address, separate from the main one.
	Address string `yaml:"address"`
	// Realm names the basic-auth realm in the WWW-Authenticate challenge.
	Realm string `yaml:"realm"`
	// Users maps usernames to bcrypt password hashes.
	Users map[string]string `yaml:"users"`
}

// LogConfig defines logging behavior.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the configuration defaults applied before the file is
// merged on top.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Address: ":8080"},
		GraphQL: GraphQLConfig{Path: "/graphql"},
		Cache: CacheConfig{
			Capacity:        100,
			TTL:             "1h",
			CleanupInterval: "1m",
		},
		Coalesce: CoalesceConfig{
			MaxWaiters: 100,
			Timeout:    "30s",
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Admin: AdminConfig{
			Address: ":9091",
			Realm:   "pqgate admin",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads, merges and validates the configuration file. Validation is
// fail-fast: a process with a bad configuration never starts serving.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.loadQueryMapFile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadQueryMapFile merges the external JSON query map under the inline
// entries.
func (c *Config) loadQueryMapFile() error {
	if c.GraphQL.QueryMapFile == "" {
		return nil
	}

	data, err := os.ReadFile(c.GraphQL.QueryMapFile)
	if err != nil {
		return fmt.Errorf("reading query map file: %w", err)
	}
	var fileQueries map[string]string
	if err := json.Unmarshal(data, &fileQueries); err != nil {
		return fmt.Errorf("parsing query map file %s: %w", c.GraphQL.QueryMapFile, err)
	}

	merged := make(map[string]string, len(fileQueries)+len(c.GraphQL.Queries))
	for id, query := range fileQueries {
		merged[id] = query
	}
	for id, query := range c.GraphQL.Queries {
		merged[id] = query
	}
	c.GraphQL.Queries = merged
	return nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Listen.Address == "" {
		return fmt.Errorf("listen: address is required")
	}
	if !strings.HasPrefix(c.GraphQL.Path, "/") {
		return fmt.Errorf("graphql: path %q must begin with /", c.GraphQL.Path)
	}
	if c.GraphQL.Upstream == "" {
		return fmt.Errorf("graphql: upstream is required")
	}
	if u, err := url.Parse(c.GraphQL.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("graphql: upstream %q is not an absolute URL", c.GraphQL.Upstream)
	}
	if len(c.GraphQL.Queries) == 0 {
		return fmt.Errorf("graphql: a persisted query map is required (queries or query_map_file)")
	}
	for id, query := range c.GraphQL.Queries {
		if strings.TrimSpace(query) == "" {
			return fmt.Errorf("graphql: query for id %q is empty", id)
		}
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache: capacity must not be negative")
	}
	for _, d := range []struct{ name, value string }{
		{"cache.ttl", c.Cache.TTL},
		{"cache.cleanup_interval", c.Cache.CleanupInterval},
		{"coalesce.timeout", c.Coalesce.Timeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.value)
		}
	}
	if c.Admin.Enabled {
		if len(c.Admin.Users) == 0 {
			return fmt.Errorf("admin: enabled without users")
		}
		if c.Admin.Address == "" {
			return fmt.Errorf("admin: address is required")
		}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}

// ParseDuration parses a duration string, falling back on empty or
// malformed input.
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
