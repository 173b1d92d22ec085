package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	flushmanager "github.com/sushant-115/pagepool/core/write_engine/flush_manager"
	"github.com/sushant-115/pagepool/core/write_engine/memcache"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagepool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  segment_size: 64
disk:
  dir: /var/lib/pagepool
  read_bytes_per_sec: 1048576
logger:
  level: debug
telemetry:
  enabled: true
  prometheus_port: 9464
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 64, cfg.Cache.SegmentSize)
	require.Equal(t, memcache.DefaultConfig().PageSize, cfg.Cache.PageSize)
	require.Equal(t, memcache.DefaultMinimumCacheReuse, cfg.Cache.MinimumCacheReuse)
	require.Equal(t, "/var/lib/pagepool", cfg.Disk.Dir)
	require.Equal(t, flushmanager.DefaultConfig().DataFile, cfg.Disk.DataFile)
	require.Equal(t, int64(1<<20), cfg.Disk.ReadBytesPerSec)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "json", cfg.Logger.Format)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, 9464, cfg.Telemetry.PrometheusPort)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("cache:\n  pages: 10\n"))
	require.Error(t, err)
}

func TestParse_RejectsInvalidValues(t *testing.T) {
	_, err := Parse(strings.NewReader("cache:\n  page_size: -1\n"))
	require.ErrorIs(t, err, memcache.ErrInvalidConfig)

	_, err = Parse(strings.NewReader("disk:\n  dir: \"\"\n"))
	require.ErrorIs(t, err, flushmanager.ErrInvalidDiskConfig)

	_, err = Parse(strings.NewReader("telemetry:\n  prometheus_port: 70000\n"))
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParse_KeepsZeroReuseThreshold(t *testing.T) {
	cfg, err := Parse(strings.NewReader("cache:\n  minimum_cache_reuse: 0\n"))
	require.NoError(t, err)
	require.Equal(t, 0, cfg.Cache.MinimumCacheReuse)
	require.Equal(t, memcache.DefaultSegmentSize, cfg.Cache.SegmentSize)

	cfg, err = Parse(strings.NewReader("cache:\n  segment_size: 10\n"))
	require.NoError(t, err)
	require.Equal(t, memcache.DefaultMinimumCacheReuse, cfg.Cache.MinimumCacheReuse)
}
