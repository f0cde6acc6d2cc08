package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Recovery.GlobalConcurrency, cfg.Recovery.GlobalConcurrency)
}

func TestSaveThenLoadConfigFile_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/fleetrouter"
	cfg.Recovery.GlobalConcurrency = 9
	cfg.Recovery.MaxProbesPerSecond = 42
	cfg.Health.Interval = 7 * time.Second

	require.NoError(t, SaveConfigFile(path, cfg))

	loaded, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, cfg.Recovery.GlobalConcurrency, loaded.Recovery.GlobalConcurrency)
	assert.Equal(t, cfg.Recovery.MaxProbesPerSecond, loaded.Recovery.MaxProbesPerSecond)
	assert.Equal(t, cfg.Health.Interval, loaded.Health.Interval)
}

func TestLoadConfigFile_MalformedYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("breaker: [this is not a map"), 0o644))

	_, err := LoadConfigFile(path)
	assert.Error(t, err)
}
