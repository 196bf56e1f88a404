package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nconghau/razordb/internal/lsm"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--dir", "/tmp/x", "--http", "", "--cache-mem-percent", "12.5"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", opts.dir)
	assert.Empty(t, opts.httpAddr)
	assert.Equal(t, 12.5, opts.cacheMemPercent)
	assert.False(t, opts.serverOnly)

	_, err = parseFlags([]string{"--cache-mem-percent", "95"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"--server-only", "--http", ""})
	assert.Error(t, err)
}

func TestApplyCacheBudget(t *testing.T) {
	cfg := lsm.DefaultConfig()
	applyCacheBudget(cfg, 1000, 10)
	assert.Equal(t, 20, cfg.IndexCacheSize)
	assert.Equal(t, 80, cfg.DataBlockCacheSize)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "razordb.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// tiny caches
		"indexCacheSize": 1024,
		"dataBlockCacheSize": 4096,
	}`), 0o644))

	cfg, err := loadConfig(&options{configPath: path})
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.IndexCacheSize)
	assert.Equal(t, 4096, cfg.DataBlockCacheSize)

	cfg, err = loadConfig(&options{})
	require.NoError(t, err)
	assert.Equal(t, lsm.DefaultIndexCacheSize, cfg.IndexCacheSize)
}
