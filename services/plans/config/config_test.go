// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/plangraph/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func noEnv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "plangraph.yaml", `
server:
  port: 9000
  mode: debug
  rate_limit: 5
store:
  backend: badger
  badger_path: /var/lib/plangraph
lock:
  backend: redis
  redis_url: redis://localhost:6379/0
  lease_ttl: 10s
logging:
  level: debug
  json: true
`)
	cfg, err := Load(path, noEnv(t))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, 5.0, cfg.Server.RateLimit)
	assert.Equal(t, 100, cfg.Server.RateBurst, "unset keys keep defaults")
	assert.Equal(t, StoreBadger, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/plangraph", cfg.Store.BadgerPath)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, 10*time.Second, cfg.Lock.LeaseTTL)
	assert.Equal(t, 5*time.Second, cfg.Lock.MaxWait)
	assert.True(t, cfg.Logging.JSON)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "plangraph.yaml", "server:\n  port: 9000\n")
	t.Setenv("PLANGRAPH_PORT", "9100")
	t.Setenv("PLANGRAPH_STORE_DSN", "postgres://u:p@db/plans")
	t.Setenv("PLANGRAPH_STORE_BACKEND", "postgres")
	t.Setenv("PLANGRAPH_LOCK_MAX_WAIT", "250ms")
	t.Setenv("PLANGRAPH_LOG_JSON", "true")
	t.Setenv("PLANGRAPH_RATE_LIMIT", "0.5")

	cfg, err := Load(path, noEnv(t))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, StorePostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://u:p@db/plans", cfg.Store.DSN)
	assert.Equal(t, 250*time.Millisecond, cfg.Lock.MaxWait)
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, 0.5, cfg.Server.RateLimit)
}

func TestLoad_DotEnv(t *testing.T) {
	envFile := writeFile(t, "test.env", "PLANGRAPH_LOG_LEVEL=warn\nPLANGRAPH_PORT=7000\n")
	t.Setenv("PLANGRAPH_PORT", "7100")
	t.Cleanup(func() { _ = os.Unsetenv("PLANGRAPH_LOG_LEVEL") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 7100, cfg.Server.Port, "process environment wins over .env")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "unknown key", yaml: "server:\n  prot: 1\n"},
		{name: "bad port", yaml: "server:\n  port: 70000\n"},
		{name: "bad backend", yaml: "store:\n  backend: mongo\n"},
		{name: "postgres without dsn", yaml: "store:\n  backend: postgres\n  dsn: \"\"\n"},
		{name: "badger without path", yaml: "store:\n  backend: badger\n"},
		{name: "redis without url", yaml: "lock:\n  backend: redis\n"},
		{name: "bad log level", yaml: "logging:\n  level: loud\n"},
		{name: "bad trace exporter", yaml: "telemetry:\n  trace_exporter: jaeger\n"},
		{name: "bad int env", env: map[string]string{"PLANGRAPH_PORT": "eighty"}},
		{name: "bad duration env", env: map[string]string{"PLANGRAPH_LOCK_MAX_WAIT": "soon"}},
		{name: "bad bool env", env: map[string]string{"PLANGRAPH_LOG_JSON": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, "c.yaml", tt.yaml)
			}
			_, err := Load(path, noEnv(t))
			assert.Error(t, err)
		})
	}
}

func TestLoad_ValidationErrorIsInvalid(t *testing.T) {
	path := writeFile(t, "c.yaml", "server:\n  port: 0\n")
	_, err := Load(path, noEnv(t))
	assert.ErrorIs(t, err, validation.ErrInvalid)
	assert.Contains(t, err.Error(), "Server.Port")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), noEnv(t))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBadgerInMemoryNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = StoreBadger
	cfg.Store.InMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestMarshal_RoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 1234
	data, err := cfg.Marshal()
	require.NoError(t, err)

	path := writeFile(t, "out.yaml", string(data))
	got, err := Load(path, noEnv(t))
	require.NoError(t, err)
	assert.Equal(t, 1234, got.Server.Port)
	assert.Equal(t, cfg.Lock, got.Lock)
}
