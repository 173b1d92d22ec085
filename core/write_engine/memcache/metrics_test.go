package memcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/pagepool/core/write_engine/page_manager"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// metricValue sums an int64 counter or returns an int64 gauge's value. ok is false when the
// metric reported nothing.
func metricValue(rm metricdata.ResourceMetrics, name string) (value int64, ok bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					value += dp.Value
					ok = true
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					value += dp.Value
					ok = true
				}
			}
		}
	}
	return value, ok
}

func requireMetric(t *testing.T, rm metricdata.ResourceMetrics, name string, want int64) {
	t.Helper()
	got, ok := metricValue(rm, name)
	require.True(t, ok, "metric %s not reported", name)
	require.Equal(t, want, got, "metric %s", name)
}

func TestCacheMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	c, err := NewMemoryCache(smallConfig(), zap.NewNop(), provider.Meter("memcache-test"))
	require.NoError(t, err)

	rm := collect(t, reader)
	requireMetric(t, rm, "pagepool.cache.segments", 1)
	requireMetric(t, rm, "pagepool.cache.free_pages", 8)
	requireMetric(t, rm, "pagepool.cache.allocated_bytes", 8*64)
	requireMetric(t, rm, "pagepool.cache.pages_in_use", 0)

	first, err := c.GetReadablePage(0, pagemanager.OriginData, positionFactory)
	require.NoError(t, err)
	second, err := c.GetReadablePage(0, pagemanager.OriginData, positionFactory)
	require.NoError(t, err)
	w := c.NewPage()

	rm = collect(t, reader)
	requireMetric(t, rm, "pagepool.cache.misses", 1)
	requireMetric(t, rm, "pagepool.cache.hits", 1)
	requireMetric(t, rm, "pagepool.cache.pages_in_use", 2)
	requireMetric(t, rm, "pagepool.cache.free_pages", 6)

	first.Release()
	second.Release()
	c.DiscardPage(w)

	rm = collect(t, reader)
	requireMetric(t, rm, "pagepool.cache.pages_in_use", 0)
	requireMetric(t, rm, "pagepool.cache.free_pages", 7)

	require.NoError(t, c.Close())
	rm = collect(t, reader)
	_, ok := metricValue(rm, "pagepool.cache.free_pages")
	require.False(t, ok, "gauges must stop reporting after Close")
}

func TestCacheMetrics_ReclaimCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	c, err := NewMemoryCache(smallConfig(), zap.NewNop(), provider.Meter("memcache-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	for _, p := range loadPages(t, c, 8) {
		p.Release()
	}
	p, err := c.GetReadablePage(4096, pagemanager.OriginData, positionFactory)
	require.NoError(t, err)
	p.Release()

	rm := collect(t, reader)
	requireMetric(t, rm, "pagepool.cache.reclaimed", 4)
	requireMetric(t, rm, "pagepool.cache.segments", 1)
	requireMetric(t, rm, "pagepool.cache.misses", 9)
}
