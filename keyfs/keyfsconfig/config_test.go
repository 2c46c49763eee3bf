package keyfsconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devpi/keyfs/keyfsconfig"
)

func TestDefault_HasSaneFallbacks(t *testing.T) {
	cfg := keyfsconfig.Default()
	require.Equal(t, ".", cfg.BaseDir)
	require.Equal(t, 256, cfg.CacheSize)
	require.Equal(t, 2*time.Second, cfg.NotifierPollInterval)
	require.Zero(t, cfg.StorageRetry.MaxRetries)
}

func TestLoad_OverridesOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_dir: /data/keyfs\ncache_size: 1024\n"), 0o644))

	cfg, err := keyfsconfig.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/data/keyfs", cfg.BaseDir)
	require.Equal(t, 1024, cfg.CacheSize)
	require.Equal(t, 2*time.Second, cfg.NotifierPollInterval, "unspecified fields keep the default")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := keyfsconfig.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
