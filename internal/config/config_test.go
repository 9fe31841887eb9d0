package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoOverrides(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 30*time.Second, cfg.Link.HeartbeatInterval)
	require.Equal(t, "127.0.0.1:7801", cfg.ControlAddr)
	require.Equal(t, "127.0.0.1:7802", cfg.ExtensionAddr)
}

func TestLoadMissingOverrideFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults().LogLevel, cfg.LogLevel)
}

func TestLoadOverrideFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logLevel: debug
queueSoftCap: 10
controlAddr: "127.0.0.1:9001"
`), 0o600))

	t.Setenv("ROUTER_QUEUE_SOFT_CAP", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel, "file override applied")
	require.Equal(t, "127.0.0.1:9001", cfg.ControlAddr, "file override applied")
	require.Equal(t, 20, cfg.Router.QueueSoftCap, "env var wins over file")
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("ROUTER_HEARTBEAT_INTERVAL", "not-a-duration")
	_, err := Load("")
	require.Error(t, err)
}
