// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads plangraph service configuration.
//
// # Description
//
// Values are layered in this order, later layers winning:
//
//  1. Defaults from Default.
//  2. A YAML file, if one is given.
//  3. Variables from a .env file, if present. Existing process
//     variables are never overwritten by it.
//  4. PLANGRAPH_* environment variables.
//
// The result is validated before it is returned.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/plangraph/pkg/validation"
	"github.com/AleutianAI/plangraph/services/plans/planlock"
	"github.com/AleutianAI/plangraph/services/plans/telemetry"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Store     StoreConfig      `yaml:"store"`
	Lock      planlock.Config  `yaml:"lock"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// Mode is the gin mode: debug, release or test.
	Mode string `yaml:"mode" validate:"oneof=debug release test"`

	// RateLimit is the sustained requests per second allowed per tenant.
	// Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"min=0"`
	RateBurst int     `yaml:"rate_burst" validate:"min=0"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=sqlite postgres badger"`

	// DSN is a SQLite file path or a postgres:// URL.
	DSN string `yaml:"dsn" validate:"required_unless=Backend badger"`

	BadgerPath     string `yaml:"badger_path" validate:"required_if=Backend badger InMemory false"`
	InMemory       bool   `yaml:"in_memory"`
	MaxOpenConns   int    `yaml:"max_open_conns" validate:"min=0"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8088,
			Mode:            "release",
			RateLimit:       50,
			RateBurst:       100,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Backend:        StoreSQLite,
			DSN:            "plangraph.db",
			MigrateOnStart: true,
		},
		Lock:      planlock.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from path (optional) and the environment.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file layer; a missing file is an
//     error.
//   - envFiles: .env files to load. Missing ones are ignored. With none
//     given, ".env" in the working directory is tried.
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: Read, parse or validation failure.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := loadDotEnv(envFiles); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode parses YAML into cfg, rejecting unknown keys.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// =============================================================================
// Environment overrides
// =============================================================================

type lookupFunc func(string) (string, bool)

// applyEnv copies PLANGRAPH_* variables into cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"PLANGRAPH_GIN_MODE":        &cfg.Server.Mode,
		"PLANGRAPH_STORE_BACKEND":   &cfg.Store.Backend,
		"PLANGRAPH_STORE_DSN":       &cfg.Store.DSN,
		"PLANGRAPH_BADGER_PATH":     &cfg.Store.BadgerPath,
		"PLANGRAPH_LOCK_BACKEND":    &cfg.Lock.Backend,
		"PLANGRAPH_REDIS_URL":       &cfg.Lock.RedisURL,
		"PLANGRAPH_TRACE_EXPORTER":  &cfg.Telemetry.TraceExporter,
		"PLANGRAPH_METRIC_EXPORTER": &cfg.Telemetry.MetricExporter,
		"PLANGRAPH_OTLP_ENDPOINT":   &cfg.Telemetry.OTLPEndpoint,
		"PLANGRAPH_LOG_LEVEL":       &cfg.Logging.Level,
		"PLANGRAPH_LOG_DIR":         &cfg.Logging.Dir,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PLANGRAPH_PORT":           &cfg.Server.Port,
		"PLANGRAPH_RATE_BURST":     &cfg.Server.RateBurst,
		"PLANGRAPH_MAX_OPEN_CONNS": &cfg.Store.MaxOpenConns,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"PLANGRAPH_STORE_IN_MEMORY": &cfg.Store.InMemory,
		"PLANGRAPH_MIGRATE":         &cfg.Store.MigrateOnStart,
		"PLANGRAPH_LOG_JSON":        &cfg.Logging.JSON,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"PLANGRAPH_LOCK_LEASE_TTL":   &cfg.Lock.LeaseTTL,
		"PLANGRAPH_LOCK_MAX_WAIT":    &cfg.Lock.MaxWait,
		"PLANGRAPH_SHUTDOWN_TIMEOUT": &cfg.Server.ShutdownTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("PLANGRAPH_RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PLANGRAPH_RATE_LIMIT: %w", err)
		}
		cfg.Server.RateLimit = f
	}
	return nil
}
