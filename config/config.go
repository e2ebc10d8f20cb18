// Package config provides YAML configuration parsing for pingstream.
//
// The file is optional: [Default] yields a working in-memory monitor, and a
// file only overrides what it sets.
//
// Example configuration:
//
//	title: Status
//	listen: ":8080"
//	check_interval: 1s
//	duplicates: reject
//
//	targets:
//	  - https://example.com
//	  - ${API_URL:-http://localhost:9000/health}
//
//	store:
//	  driver: postgres
//	  dsn: ${DATABASE_URL}
//
//	log:
//	  level: info
//	  dir: /var/log/pingstream
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/pingstream/check"
)

// Defaults applied by [Default] and [Parse].
const (
	DefaultTitle            = "pingstream"
	DefaultListen           = ":8080"
	DefaultCheckInterval    = time.Second
	DefaultHistorySize      = 1000
	DefaultReplay           = 20
	DefaultSubscriberBuffer = 100
)

// minCheckInterval prevents accidental hammering of targets.
const minCheckInterval = time.Second

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverRedis    = "redis"
)

// Config is the root configuration structure.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the dashboard title.
	Title string `yaml:"title"`

	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// CheckInterval is the time between checks of one target.
	CheckInterval Duration `yaml:"check_interval"`

	// CheckTimeout bounds a single check. Zero derives it from the interval.
	CheckTimeout Duration `yaml:"check_timeout"`

	// Duplicates is "allow" or "reject".
	Duplicates string `yaml:"duplicates"`

	// HistorySize is how many results the in-memory log retains.
	HistorySize int `yaml:"history_size"`

	// Replay is how many recent results a new stream subscriber receives
	// before live results.
	Replay int `yaml:"replay"`

	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// Targets are URLs registered at startup if not already present.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	Targets []string `yaml:"targets"`

	Store StoreConfig `yaml:"store"`
	Log   LogConfig   `yaml:"log"`
}

// StoreConfig selects where targets are persisted.
type StoreConfig struct {
	// Driver is memory, postgres, mongo or redis.
	Driver string `yaml:"driver"`

	// DSN is the connection string: a Postgres DSN, a Mongo URI, or a Redis
	// address or URL. Supports environment variable substitution.
	DSN string `yaml:"dsn"`

	// Database and Collection apply to mongo.
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`

	// KeyPrefix applies to redis.
	KeyPrefix string `yaml:"key_prefix"`
}

// LogConfig controls logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Dir enables rotating file output in this directory. Empty logs to
	// stderr.
	Dir string `yaml:"dir"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Title == "" {
		c.Title = DefaultTitle
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = Duration(DefaultCheckInterval)
	}
	if c.Duplicates == "" {
		c.Duplicates = "allow"
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.Replay == 0 && c.HistorySize > 0 {
		c.Replay = min(DefaultReplay, c.HistorySize)
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		sub := envVarPattern.FindStringSubmatch(match)
		name := sub[1]
		hasDefault := sub[2] != ""

		value, exists := os.LookupEnv(name)
		if !exists {
			if hasDefault {
				return sub[3]
			}
			firstErr = fmt.Errorf("environment variable %q is not set", name)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data, applies defaults, expands
// environment variables in targets and the store DSN, and validates the
// result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.expand(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) expand() error {
	for i, raw := range c.Targets {
		expanded, err := expandEnvVars(raw)
		if err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		c.Targets[i] = expanded
	}

	dsn, err := expandEnvVars(c.Store.DSN)
	if err != nil {
		return fmt.Errorf("store.dsn: %w", err)
	}
	c.Store.DSN = dsn
	return nil
}

// Validate checks the configuration. It normalises target URLs in place.
func (c *Config) Validate() error {
	if c.CheckInterval.Duration() < minCheckInterval {
		return fmt.Errorf("check_interval must be at least %s, got %s", minCheckInterval, c.CheckInterval.Duration())
	}
	if c.CheckTimeout.Duration() < 0 {
		return fmt.Errorf("check_timeout cannot be negative, got %s", c.CheckTimeout.Duration())
	}

	switch strings.ToLower(c.Duplicates) {
	case "allow", "reject":
	default:
		return fmt.Errorf("duplicates must be allow or reject, got %q", c.Duplicates)
	}

	if c.HistorySize < 0 {
		return fmt.Errorf("history_size cannot be negative, got %d", c.HistorySize)
	}
	if c.Replay < 0 {
		return fmt.Errorf("replay cannot be negative, got %d", c.Replay)
	}
	if c.Replay > c.HistorySize {
		return fmt.Errorf("replay (%d) cannot exceed history_size (%d)", c.Replay, c.HistorySize)
	}
	if c.SubscriberBuffer < 0 {
		return fmt.Errorf("subscriber_buffer cannot be negative, got %d", c.SubscriberBuffer)
	}

	for i, raw := range c.Targets {
		normalised, err := check.ValidateURL(raw)
		if err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		c.Targets[i] = normalised
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres, DriverMongo, DriverRedis:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be memory, postgres, mongo or redis, got %q", c.Store.Driver)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}
