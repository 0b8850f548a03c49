package config

import (
	"os"
	"path/filepath"
	"testing"

	"mediacache/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	defaults := types.DefaultConfig()
	assert.Equal(t, defaults.Cache, cfg.Cache)
	assert.Equal(t, defaults.Download.Workers, cfg.Download.Workers)
	assert.Equal(t, "127.0.0.1:8686", cfg.Server.Listen)
	assert.Nil(t, cfg.S3)
}

func TestLoadConfigMergesDefaults(t *testing.T) {
	path := writeConfig(t, `
debug: true
cache:
  root: /var/cache/boards
  total_budget: "2GiB"
download:
  workers: 8
  rate_limit: "10MiB"
  headers:
    User-Agent: mediacache/1.0
  sources:
    - host: i.4cdn.org
      chunked: true
      trust_size: true
    - host: is2.4chan.org
      chunked: false
server:
  listen: ":9000"
s3:
  region: eu-west-1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "/var/cache/boards", cfg.Cache.Root)
	assert.Equal(t, types.Bytes(2<<30), cfg.Cache.TotalBudget)
	assert.Equal(t, 25, cfg.Cache.CleanupPercent, "default kept")
	assert.Equal(t, "1m", cfg.Cache.MinFileLifetime, "default kept")

	assert.Equal(t, 8, cfg.Download.Workers)
	assert.Equal(t, types.Bytes(10<<20), cfg.Download.RateLimit)
	assert.Equal(t, "1s", cfg.Download.ProbeTimeout)
	assert.Equal(t, "mediacache/1.0", cfg.Download.Headers["User-Agent"])
	require.Len(t, cfg.Download.Sources, 2)
	assert.True(t, cfg.Download.Sources[0].TrustSize)
	assert.False(t, cfg.Download.Sources[1].Chunked)

	assert.Equal(t, ":9000", cfg.Server.Listen)

	require.NotNil(t, cfg.S3)
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", "cache:\n  min_trim_interval: soon\n"},
		{"cleanup over 100", "cache:\n  cleanup_percent: 150\n"},
		{"source without host", "download:\n  sources:\n    - chunked: true\n"},
		{"duplicate source", "download:\n  sources:\n    - host: a.org\n    - host: A.org\n"},
		{"not yaml", "cache: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestSaveAndLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := types.DefaultConfig()
	cfg.Cache.Root = "/srv/media"

	require.NoError(t, SaveYAML(path, &cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/media", loaded.Cache.Root)
	assert.Equal(t, cfg.Cache.TotalBudget, loaded.Cache.TotalBudget)
}

func TestLoadYAMLOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.yaml")
	cfg := types.DefaultConfig()
	require.NoError(t, LoadYAMLOrCreate(path, &cfg))
	assert.FileExists(t, path)

	var again types.Config
	require.NoError(t, LoadYAMLOrCreate(path, &again))
	assert.Equal(t, cfg.Cache.Root, again.Cache.Root)
}

func TestResolveConfigPath(t *testing.T) {
	path := writeConfig(t, "debug: true\n")
	assert.Equal(t, path, ResolveConfigPath(path))
	assert.Equal(t, "/does/not/exist.yaml", ResolveConfigPath("/does/not/exist.yaml"))
}
