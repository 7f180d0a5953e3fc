package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_DefaultsWithNoFileOrEnv(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:8765", cfg.IPC.BindAddr)
}

func TestLoader_YAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\nipc:\n  bind_addr: \"0.0.0.0:9000\"\n"), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0.0.0.0:9000", cfg.IPC.BindAddr)
}

func TestLoader_EnvOverridesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	t.Setenv("FIREBOX_LOG_LEVEL", "warn")
	t.Setenv("FIREBOX_HTTP_COMPLETION_TIMEOUT", "45s")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 45*time.Second, cfg.HTTP.CompletionTimeout)
}

func TestLoader_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/path.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}
