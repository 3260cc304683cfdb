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

	assert.Equal(t, "imcore-log.db", cfg.LogPath)
	assert.Equal(t, "imcore-state.db", cfg.StatePath)
	assert.Equal(t, "default", cfg.Ns)
	assert.Equal(t, "policy-v1", cfg.PolicyVersion)
	assert.Equal(t, 25*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("IMCORE_LOG_PATH", "/var/lib/imcore/log.db")
	t.Setenv("IMCORE_NS", "acme")
	t.Setenv("IMCORE_POLICY_VERSION", "policy-v2")
	t.Setenv("IMCORE_POLL_INTERVAL", "100ms")
	t.Setenv("IMCORE_LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/imcore/log.db", cfg.LogPath)
	assert.Equal(t, "acme", cfg.Ns)
	assert.Equal(t, "policy-v2", cfg.PolicyVersion)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadRejectsBadFormat(t *testing.T) {
	t.Setenv("IMCORE_LOG_FORMAT", "xml")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMCORE_LOG_FORMAT")
}
