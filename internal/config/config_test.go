// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulsed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("", "v1.2.3").Load()
	require.NoError(t, err)

	assert.Equal(t, "v1.2.3", cfg.Version)
	assert.Equal(t, ":9200", cfg.IngestAddr)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.Equal(t, filepath.Join(cfg.DataDir, "pulsed.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(cfg.DataDir, "audio"), cfg.AudioDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "pending"), cfg.PendingDir)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
data_dir: /var/lib/pulsed
ingest_addr: ":9300"
idle_timeout: 2m
frames_per_sec: 50
redis:
  addr: "localhost:6379"
  db: 2
log_level: debug
tracing:
  enabled: true
  exporter: http
  endpoint: "collector:4318"
  sampling: 0.25
`)

	cfg, err := NewLoader(path, "test").Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/pulsed", cfg.DataDir)
	assert.Equal(t, ":9300", cfg.IngestAddr)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 50.0, cfg.FramesPerSec)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, "http", cfg.TracingExporter)
	assert.Equal(t, 0.25, cfg.TracingSampling)
	// Unset fields keep defaults.
	assert.Equal(t, ":8080", cfg.APIAddr)
}

func TestLoadUnknownFileKeyFails(t *testing.T) {
	path := writeConfigFile(t, "idle_timeotu: 2m\n")
	_, err := NewLoader(path, "test").Load()
	assert.Error(t, err)
}

func TestLoadRejectsNonYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsed.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	_, err := NewLoader(path, "test").Load()
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "ingest_addr: \":9300\"\nlog_level: debug\n")
	t.Setenv("PULSED_INGEST_ADDR", ":9400")
	t.Setenv("PULSED_IDLE_TIMEOUT", "45s")

	cfg, err := NewLoader(path, "test").Load()
	require.NoError(t, err)

	assert.Equal(t, ":9400", cfg.IngestAddr)
	assert.Equal(t, 45*time.Second, cfg.IdleTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsSameAddrs(t *testing.T) {
	cfg := defaults()
	cfg.APIAddr = cfg.IngestAddr
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := defaults()
	cfg.LogLevel = "loud"
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadTracingExporter(t *testing.T) {
	cfg := defaults()
	cfg.TracingEnabled = true
	cfg.TracingExporter = "carrier-pigeon"
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsSweepWithoutInterval(t *testing.T) {
	cfg := defaults()
	cfg.SweepInterval = 0
	assert.Error(t, Validate(cfg))

	cfg.IdleTimeout = 0 // sweeping disabled entirely is fine
	assert.NoError(t, Validate(cfg))
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("PULSED_TEST_STR", "hello")
	t.Setenv("PULSED_TEST_INT", "42")
	t.Setenv("PULSED_TEST_BAD_INT", "forty-two")
	t.Setenv("PULSED_TEST_BOOL", "true")
	t.Setenv("PULSED_TEST_DUR", "90s")
	t.Setenv("PULSED_TEST_FLOAT", "2.5")

	assert.Equal(t, "hello", ParseString("PULSED_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", ParseString("PULSED_TEST_UNSET", "fallback"))
	assert.Equal(t, 42, ParseInt("PULSED_TEST_INT", 7))
	assert.Equal(t, 7, ParseInt("PULSED_TEST_BAD_INT", 7))
	assert.Equal(t, true, ParseBool("PULSED_TEST_BOOL", false))
	assert.Equal(t, 90*time.Second, ParseDuration("PULSED_TEST_DUR", time.Minute))
	assert.Equal(t, 2.5, ParseFloat("PULSED_TEST_FLOAT", 1.0))
}
