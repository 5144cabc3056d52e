// SPDX-License-Identifier: MIT

// Package config loads daemon configuration with precedence
// ENV > file > defaults. The file is strict YAML; unknown keys fail the
// load so typos never silently fall back to defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the fully resolved daemon configuration.
type AppConfig struct {
	Version string

	DataDir    string // root for DB, audio blobs and pending queue
	DBPath     string // sqlite file, defaults under DataDir
	AudioDir   string // audio vault, defaults under DataDir
	PendingDir string // pending-write queue, defaults under DataDir

	IngestAddr string // device-facing TCP listener
	APIAddr    string // operator-facing HTTP listener

	// Session lifecycle.
	IdleTimeout   time.Duration // abort sessions silent for this long, 0 disables
	SweepInterval time.Duration

	// Per-connection ingest limits.
	FramesPerSec float64
	FrameBurst   int
	MaxConns     int

	// Commit policy.
	CommitRetries  int
	CommitBackoff  time.Duration
	ReplayInterval time.Duration

	// Live fan-out; empty RedisAddr disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// API protection, requests per minute per IP. 0 disables.
	APIRateLimit int

	LogLevel string

	// Tracing.
	TracingEnabled  bool
	TracingExporter string
	TracingEndpoint string
	TracingSampling float64
	Environment     string
}

// FileConfig is the YAML file schema. Pointer fields distinguish absent
// from zero.
type FileConfig struct {
	DataDir    *string `yaml:"data_dir"`
	DBPath     *string `yaml:"db_path"`
	AudioDir   *string `yaml:"audio_dir"`
	PendingDir *string `yaml:"pending_dir"`

	IngestAddr *string `yaml:"ingest_addr"`
	APIAddr    *string `yaml:"api_addr"`

	IdleTimeout   *string `yaml:"idle_timeout"`
	SweepInterval *string `yaml:"sweep_interval"`

	FramesPerSec *float64 `yaml:"frames_per_sec"`
	FrameBurst   *int     `yaml:"frame_burst"`
	MaxConns     *int     `yaml:"max_conns"`

	CommitRetries  *int    `yaml:"commit_retries"`
	CommitBackoff  *string `yaml:"commit_backoff"`
	ReplayInterval *string `yaml:"replay_interval"`

	Redis *struct {
		Addr     *string `yaml:"addr"`
		Password *string `yaml:"password"`
		DB       *int    `yaml:"db"`
	} `yaml:"redis"`

	APIRateLimit *int    `yaml:"api_rate_limit"`
	LogLevel     *string `yaml:"log_level"`

	Tracing *struct {
		Enabled  *bool    `yaml:"enabled"`
		Exporter *string  `yaml:"exporter"`
		Endpoint *string  `yaml:"endpoint"`
		Sampling *float64 `yaml:"sampling"`
	} `yaml:"tracing"`

	Environment *string `yaml:"environment"`
}

// Loader resolves configuration from defaults, an optional file and the
// environment.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a configuration loader.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load resolves the configuration: defaults, then file, then environment.
func (l *Loader) Load() (AppConfig, error) {
	cfg := defaults()

	if l.configPath != "" {
		fileCfg, err := loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFileConfig(&cfg, fileCfg)
	}

	mergeEnvConfig(&cfg)

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "pulsed.db")
	}
	if cfg.AudioDir == "" {
		cfg.AudioDir = filepath.Join(cfg.DataDir, "audio")
	}
	if cfg.PendingDir == "" {
		cfg.PendingDir = filepath.Join(cfg.DataDir, "pending")
	}

	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func defaults() AppConfig {
	return AppConfig{
		DataDir:         "./data",
		IngestAddr:      ":9200",
		APIAddr:         ":8080",
		IdleTimeout:     90 * time.Second,
		SweepInterval:   15 * time.Second,
		FramesPerSec:    100,
		FrameBurst:      200,
		CommitRetries:   3,
		CommitBackoff:   200 * time.Millisecond,
		ReplayInterval:  30 * time.Second,
		APIRateLimit:    300,
		LogLevel:        "info",
		TracingExporter: "grpc",
		TracingEndpoint: "localhost:4317",
		TracingSampling: 1.0,
		Environment:     "development",
	}
}

// loadFile reads and strictly parses the YAML config file.
func loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fc FileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

func mergeFileConfig(cfg *AppConfig, fc *FileConfig) {
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.AudioDir, fc.AudioDir)
	setString(&cfg.PendingDir, fc.PendingDir)
	setString(&cfg.IngestAddr, fc.IngestAddr)
	setString(&cfg.APIAddr, fc.APIAddr)
	setDuration(&cfg.IdleTimeout, fc.IdleTimeout)
	setDuration(&cfg.SweepInterval, fc.SweepInterval)
	if fc.FramesPerSec != nil {
		cfg.FramesPerSec = *fc.FramesPerSec
	}
	setInt(&cfg.FrameBurst, fc.FrameBurst)
	setInt(&cfg.MaxConns, fc.MaxConns)
	setInt(&cfg.CommitRetries, fc.CommitRetries)
	setDuration(&cfg.CommitBackoff, fc.CommitBackoff)
	setDuration(&cfg.ReplayInterval, fc.ReplayInterval)
	if fc.Redis != nil {
		setString(&cfg.RedisAddr, fc.Redis.Addr)
		setString(&cfg.RedisPassword, fc.Redis.Password)
		setInt(&cfg.RedisDB, fc.Redis.DB)
	}
	setInt(&cfg.APIRateLimit, fc.APIRateLimit)
	setString(&cfg.LogLevel, fc.LogLevel)
	if fc.Tracing != nil {
		if fc.Tracing.Enabled != nil {
			cfg.TracingEnabled = *fc.Tracing.Enabled
		}
		setString(&cfg.TracingExporter, fc.Tracing.Exporter)
		setString(&cfg.TracingEndpoint, fc.Tracing.Endpoint)
		if fc.Tracing.Sampling != nil {
			cfg.TracingSampling = *fc.Tracing.Sampling
		}
	}
	setString(&cfg.Environment, fc.Environment)
}

// mergeEnvConfig applies PULSED_* environment overrides, the highest
// precedence layer.
func mergeEnvConfig(cfg *AppConfig) {
	cfg.DataDir = ParseString("PULSED_DATA_DIR", cfg.DataDir)
	cfg.DBPath = ParseString("PULSED_DB_PATH", cfg.DBPath)
	cfg.AudioDir = ParseString("PULSED_AUDIO_DIR", cfg.AudioDir)
	cfg.PendingDir = ParseString("PULSED_PENDING_DIR", cfg.PendingDir)
	cfg.IngestAddr = ParseString("PULSED_INGEST_ADDR", cfg.IngestAddr)
	cfg.APIAddr = ParseString("PULSED_API_ADDR", cfg.APIAddr)
	cfg.IdleTimeout = ParseDuration("PULSED_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.SweepInterval = ParseDuration("PULSED_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.FramesPerSec = ParseFloat("PULSED_FRAMES_PER_SEC", cfg.FramesPerSec)
	cfg.FrameBurst = ParseInt("PULSED_FRAME_BURST", cfg.FrameBurst)
	cfg.MaxConns = ParseInt("PULSED_MAX_CONNS", cfg.MaxConns)
	cfg.CommitRetries = ParseInt("PULSED_COMMIT_RETRIES", cfg.CommitRetries)
	cfg.CommitBackoff = ParseDuration("PULSED_COMMIT_BACKOFF", cfg.CommitBackoff)
	cfg.ReplayInterval = ParseDuration("PULSED_REPLAY_INTERVAL", cfg.ReplayInterval)
	cfg.RedisAddr = ParseString("PULSED_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = ParseString("PULSED_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = ParseInt("PULSED_REDIS_DB", cfg.RedisDB)
	cfg.APIRateLimit = ParseInt("PULSED_API_RATE_LIMIT", cfg.APIRateLimit)
	cfg.LogLevel = ParseString("PULSED_LOG_LEVEL", cfg.LogLevel)
	cfg.TracingEnabled = ParseBool("PULSED_TRACING_ENABLED", cfg.TracingEnabled)
	cfg.TracingExporter = ParseString("PULSED_TRACING_EXPORTER", cfg.TracingExporter)
	cfg.TracingEndpoint = ParseString("PULSED_TRACING_ENDPOINT", cfg.TracingEndpoint)
	cfg.TracingSampling = ParseFloat("PULSED_TRACING_SAMPLING", cfg.TracingSampling)
	cfg.Environment = ParseString("PULSED_ENVIRONMENT", cfg.Environment)
}

// Validate rejects configurations that cannot run.
func Validate(cfg AppConfig) error {
	if cfg.IngestAddr == "" {
		return fmt.Errorf("ingest_addr must not be empty")
	}
	if cfg.APIAddr == "" {
		return fmt.Errorf("api_addr must not be empty")
	}
	if cfg.IngestAddr == cfg.APIAddr {
		return fmt.Errorf("ingest_addr and api_addr must differ")
	}
	if cfg.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	if cfg.IdleTimeout > 0 && cfg.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive when idle_timeout is set")
	}
	if cfg.FramesPerSec < 0 {
		return fmt.Errorf("frames_per_sec must not be negative")
	}
	if cfg.CommitRetries < 0 {
		return fmt.Errorf("commit_retries must not be negative")
	}
	if cfg.TracingEnabled {
		switch cfg.TracingExporter {
		case "grpc", "http":
		default:
			return fmt.Errorf("tracing exporter must be grpc or http, got %q", cfg.TracingExporter)
		}
		if cfg.TracingSampling < 0 || cfg.TracingSampling > 1 {
			return fmt.Errorf("tracing sampling must be in [0,1]")
		}
	}
	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string) {
	if src == nil {
		return
	}
	if d, err := time.ParseDuration(*src); err == nil {
		*dst = d
	}
}
