// Package config loads the engine configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Log kinds.
const (
	LogMemory = "memory"
	LogKafka  = "kafka"
)

// Config defines the engine configuration schema.
type Config struct {
	Changelog ChangelogConfig `yaml:"changelog"`
	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Server    ServerConfig    `yaml:"server"`
	Queries   string          `yaml:"queries"` // directory of CUE query definitions
}

type ChangelogConfig struct {
	Backend string `yaml:"backend"` // sqlite or pebble
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Kind       string   `yaml:"kind"`
	Brokers    []string `yaml:"brokers"`
	ClientID   string   `yaml:"client_id"`
	Partitions int      `yaml:"partitions"` // memory log only
}

type EngineConfig struct {
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	SweepBatch         int           `yaml:"sweep_batch"`
	BackoffInitial     time.Duration `yaml:"backoff_initial"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
}

type ServerConfig struct {
	HTTPAddr      string        `yaml:"http_addr"`
	RESPAddr      string        `yaml:"resp_addr"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	PushBuffer    int           `yaml:"push_buffer"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Changelog: ChangelogConfig{Backend: "sqlite", Path: "rill.db"},
		Log:       LogConfig{Kind: LogMemory, ClientID: "rill", Partitions: 4},
		Engine: EngineConfig{
			CheckpointInterval: 5 * time.Second,
			SweepInterval:      time.Second,
			SweepBatch:         128,
			BackoffInitial:     100 * time.Millisecond,
			BackoffMax:         10 * time.Second,
		},
		Server: ServerConfig{
			HTTPAddr:      ":8088",
			RESPAddr:      ":6380",
			LookupTimeout: time.Second,
			PushBuffer:    256,
		},
		Queries: "queries",
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Changelog.Backend {
	case "sqlite", "pebble":
	default:
		errs = append(errs, fmt.Errorf("changelog.backend must be sqlite or pebble, got %q", c.Changelog.Backend))
	}
	if c.Changelog.Path == "" {
		errs = append(errs, errors.New("changelog.path is required"))
	}
	switch c.Log.Kind {
	case LogMemory:
		if c.Log.Partitions <= 0 {
			errs = append(errs, errors.New("log.partitions must be positive"))
		}
	case LogKafka:
		if len(c.Log.Brokers) == 0 {
			errs = append(errs, errors.New("log.brokers is required for kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("log.kind must be memory or kafka, got %q", c.Log.Kind))
	}
	if c.Engine.CheckpointInterval <= 0 {
		errs = append(errs, errors.New("engine.checkpoint_interval must be positive"))
	}
	if c.Engine.SweepInterval <= 0 || c.Engine.SweepBatch <= 0 {
		errs = append(errs, errors.New("engine.sweep_interval and engine.sweep_batch must be positive"))
	}
	if c.Engine.BackoffInitial <= 0 || c.Engine.BackoffMax < c.Engine.BackoffInitial {
		errs = append(errs, errors.New("engine.backoff_initial must be positive and not above backoff_max"))
	}
	if c.Server.LookupTimeout <= 0 {
		errs = append(errs, errors.New("server.lookup_timeout must be positive"))
	}
	return errors.Join(errs...)
}
