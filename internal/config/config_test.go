package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, "ideaflow", cfg.AppPrefix)
	assert.Equal(t, BackendPostgres, cfg.DurableBackend)
	assert.Equal(t, 5, cfg.SyncMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, []string{"ideas", "comments", "votes", "approvals"}, cfg.Collections)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("IDEAFLOW_DURABLE_BACKEND", "memory")
	t.Setenv("IDEAFLOW_SYNC_INTERVAL", "5s")
	t.Setenv("IDEAFLOW_SYNC_MAX_RETRIES", "2")
	t.Setenv("IDEAFLOW_COLLECTIONS", "ideas,tags")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.DurableBackend)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, 2, cfg.SyncMaxRetries)
	assert.Equal(t, []string{"ideas", "tags"}, cfg.Collections)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("IDEAFLOW_DURABLE_BACKEND", "floppy")

	_, err := Load()
	require.Error(t, err)
}

func TestValidateRedisBackendNeedsURL(t *testing.T) {
	cfg := Config{AppPrefix: "x", DurableBackend: BackendRedis, Collections: []string{"ideas"}}
	require.Error(t, cfg.Validate())

	cfg.RedisURL = "redis://localhost:6379/0"
	require.NoError(t, cfg.Validate())
}

func TestLoadKeepsZeroMaxRetries(t *testing.T) {
	t.Setenv("IDEAFLOW_SYNC_MAX_RETRIES", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.SyncMaxRetries)
}
