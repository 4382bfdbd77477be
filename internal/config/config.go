// Package config loads server configuration from environment variables with
// an optional YAML overlay file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// HTTP server
	Addr          string
	SearchTimeout time.Duration // request-level deadline for a search job

	// SurrealDB coordination store
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	MemStore           bool // in-process store instead of SurrealDB

	// Job store
	JobTTL       time.Duration
	StoreTimeout time.Duration // per-operation store timeout

	// Broker
	RequireAuth       bool
	BacklogMaxCount   int
	BacklogMaxAge     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	IdleTimeout       time.Duration

	// Upstream collaborators
	SearchURL   string // item source queried per search job
	ProviderURL string // enrichment lookup endpoint

	// Enrichment
	FoundTTL      time.Duration
	NotFoundTTL   time.Duration
	LockTTL       time.Duration
	LookupTimeout time.Duration
	EnrichWorkers int

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables. When BEACON_CONFIG
// names a YAML file, its values override the environment.
func Load() (Config, error) {
	cfg := Config{
		Addr:          getEnv("BEACON_ADDR", ":8484"),
		SearchTimeout: getEnvDuration("BEACON_SEARCH_TIMEOUT", 2*time.Minute),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "beacon"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "coordination"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		MemStore:           getEnv("BEACON_MEM_STORE", "false") == "true",

		JobTTL:       getEnvDuration("BEACON_JOB_TTL", 24*time.Hour),
		StoreTimeout: getEnvDuration("BEACON_STORE_TIMEOUT", 3*time.Second),

		RequireAuth:       getEnv("BEACON_REQUIRE_AUTH", "false") == "true",
		BacklogMaxCount:   getEnvInt("BEACON_BACKLOG_MAX_COUNT", 50),
		BacklogMaxAge:     getEnvDuration("BEACON_BACKLOG_MAX_AGE", 10*time.Minute),
		HeartbeatInterval: getEnvDuration("BEACON_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getEnvDuration("BEACON_HEARTBEAT_TIMEOUT", 75*time.Second),
		IdleTimeout:       getEnvDuration("BEACON_IDLE_TIMEOUT", 10*time.Minute),

		SearchURL:   getEnv("BEACON_SEARCH_URL", "http://localhost:8090/search"),
		ProviderURL: getEnv("BEACON_PROVIDER_URL", "http://localhost:8090/lookup"),

		FoundTTL:      getEnvDuration("BEACON_FOUND_TTL", 30*24*time.Hour),
		NotFoundTTL:   getEnvDuration("BEACON_NOT_FOUND_TTL", 24*time.Hour),
		LockTTL:       getEnvDuration("BEACON_LOCK_TTL", 30*time.Second),
		LookupTimeout: getEnvDuration("BEACON_LOOKUP_TIMEOUT", 20*time.Second),
		EnrichWorkers: getEnvInt("BEACON_ENRICH_WORKERS", 8),

		LogFile:  getEnv("BEACON_LOG_FILE", "/tmp/beacon.log"),
		LogLevel: parseLogLevel(getEnv("BEACON_LOG_LEVEL", "INFO")),
	}

	if path := os.Getenv("BEACON_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// fileConfig is the YAML overlay shape. Pointer fields distinguish absent
// keys from zero values; durations are parsed from strings like "30s".
type fileConfig struct {
	Addr          *string `yaml:"addr"`
	SearchTimeout *string `yaml:"search_timeout"`

	SurrealDBURL       *string `yaml:"surrealdb_url"`
	SurrealDBNamespace *string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  *string `yaml:"surrealdb_database"`
	SurrealDBUser      *string `yaml:"surrealdb_user"`
	SurrealDBPass      *string `yaml:"surrealdb_pass"`
	MemStore           *bool   `yaml:"mem_store"`

	JobTTL       *string `yaml:"job_ttl"`
	StoreTimeout *string `yaml:"store_timeout"`

	RequireAuth       *bool   `yaml:"require_auth"`
	BacklogMaxCount   *int    `yaml:"backlog_max_count"`
	BacklogMaxAge     *string `yaml:"backlog_max_age"`
	HeartbeatInterval *string `yaml:"heartbeat_interval"`
	HeartbeatTimeout  *string `yaml:"heartbeat_timeout"`
	IdleTimeout       *string `yaml:"idle_timeout"`

	SearchURL   *string `yaml:"search_url"`
	ProviderURL *string `yaml:"provider_url"`

	FoundTTL      *string `yaml:"found_ttl"`
	NotFoundTTL   *string `yaml:"not_found_ttl"`
	LockTTL       *string `yaml:"lock_ttl"`
	LookupTimeout *string `yaml:"lookup_timeout"`
	EnrichWorkers *int    `yaml:"enrich_workers"`

	LogFile  *string `yaml:"log_file"`
	LogLevel *string `yaml:"log_level"`
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.Addr, fc.Addr)
	setString(&c.SurrealDBURL, fc.SurrealDBURL)
	setString(&c.SurrealDBNamespace, fc.SurrealDBNamespace)
	setString(&c.SurrealDBDatabase, fc.SurrealDBDatabase)
	setString(&c.SurrealDBUser, fc.SurrealDBUser)
	setString(&c.SurrealDBPass, fc.SurrealDBPass)
	setString(&c.SearchURL, fc.SearchURL)
	setString(&c.ProviderURL, fc.ProviderURL)
	setString(&c.LogFile, fc.LogFile)

	if fc.MemStore != nil {
		c.MemStore = *fc.MemStore
	}
	if fc.RequireAuth != nil {
		c.RequireAuth = *fc.RequireAuth
	}
	if fc.BacklogMaxCount != nil {
		c.BacklogMaxCount = *fc.BacklogMaxCount
	}
	if fc.EnrichWorkers != nil {
		c.EnrichWorkers = *fc.EnrichWorkers
	}
	if fc.LogLevel != nil {
		c.LogLevel = parseLogLevel(*fc.LogLevel)
	}

	for _, d := range []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&c.SearchTimeout, fc.SearchTimeout, "search_timeout"},
		{&c.JobTTL, fc.JobTTL, "job_ttl"},
		{&c.StoreTimeout, fc.StoreTimeout, "store_timeout"},
		{&c.BacklogMaxAge, fc.BacklogMaxAge, "backlog_max_age"},
		{&c.HeartbeatInterval, fc.HeartbeatInterval, "heartbeat_interval"},
		{&c.HeartbeatTimeout, fc.HeartbeatTimeout, "heartbeat_timeout"},
		{&c.IdleTimeout, fc.IdleTimeout, "idle_timeout"},
		{&c.FoundTTL, fc.FoundTTL, "found_ttl"},
		{&c.NotFoundTTL, fc.NotFoundTTL, "not_found_ttl"},
		{&c.LockTTL, fc.LockTTL, "lock_ttl"},
		{&c.LookupTimeout, fc.LookupTimeout, "lookup_timeout"},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("parse config file %s: %s: %w", path, d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
