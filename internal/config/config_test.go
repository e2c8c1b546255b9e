package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbridge/internal/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/mnt/work", cfg.WorkRoot)
	assert.Equal(t, "{projectId}/{workspaceId}", cfg.WorkPrefixTemplate)
	assert.Equal(t, 200000, cfg.ReadFileMaxBytes)
	assert.Equal(t, 50000, cfg.OutputMaxBytes)
	assert.Equal(t, "120s", cfg.RunCommandTimeout.String())
	assert.Equal(t, "15s", cfg.HeartbeatInterval.String())
	assert.Equal(t, "1s", cfg.ReconnectBackoff.String())
	assert.Equal(t, "30s", cfg.ReconnectBackoffCap.String())
	assert.Equal(t, "15s", cfg.SyncInterval.String())
	assert.True(t, cfg.SyncOnStart)
	assert.True(t, cfg.EnableUpload)
	assert.Equal(t, 4, cfg.DownloadConcurrency)
	assert.Equal(t, "5m0s", cfg.WorkspaceTTL.String())
	assert.Equal(t, "10m0s", cfg.MaxLease.String())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WORK_ROOT", "/tmp/bridge-work")
	t.Setenv("RUN_COMMAND_TIMEOUT_SECONDS", "2")
	t.Setenv("GCS_ENABLE_UPLOAD", "false")
	t.Setenv("SYNC_INTERVAL_MS", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/bridge-work", cfg.WorkRoot)
	assert.Equal(t, "2s", cfg.RunCommandTimeout.String())
	assert.False(t, cfg.EnableUpload)
	assert.Equal(t, "500ms", cfg.SyncInterval.String())
}

func TestLoad_RejectsEmptyWorkRoot(t *testing.T) {
	t.Setenv("WORK_ROOT", "   ")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))
}

func TestLoad_RejectsNonPositiveCaps(t *testing.T) {
	t.Setenv("READ_FILE_MAX_BYTES", "0")

	_, err := Load()
	require.Error(t, err)
}
