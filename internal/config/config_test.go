package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgoebel/beacon/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8484", cfg.Addr)
	assert.Equal(t, 24*time.Hour, cfg.JobTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.FoundTTL)
	assert.Equal(t, 24*time.Hour, cfg.NotFoundTTL)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, 8, cfg.EnrichWorkers)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.False(t, cfg.RequireAuth)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BEACON_ADDR", ":9999")
	t.Setenv("BEACON_LOCK_TTL", "45s")
	t.Setenv("BEACON_ENRICH_WORKERS", "2")
	t.Setenv("BEACON_REQUIRE_AUTH", "true")
	t.Setenv("BEACON_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 45*time.Second, cfg.LockTTL)
	assert.Equal(t, 2, cfg.EnrichWorkers)
	assert.True(t, cfg.RequireAuth)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestFileOverlayWinsOverEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"addr: \":7070\"\nnot_found_ttl: 1h\nrequire_auth: true\n"), 0644))

	t.Setenv("BEACON_ADDR", ":9999")
	t.Setenv("BEACON_CONFIG", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Addr, "file overlay overrides env")
	assert.Equal(t, time.Hour, cfg.NotFoundTTL)
	assert.True(t, cfg.RequireAuth)
	assert.Equal(t, 30*time.Second, cfg.LockTTL, "untouched values keep defaults")
}

func TestFileOverlayRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lock_ttl: soon\n"), 0644))
	t.Setenv("BEACON_CONFIG", path)

	_, err := config.Load()
	assert.Error(t, err)
}
