package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CacheStats is what the page memory cache reports on every metric collection.
type CacheStats interface {
	PagesInUse() int
	FreePages() int
	AllocatedBytes() int64
}

// CacheMetrics holds all the metric instruments for one page memory cache.
type CacheMetrics struct {
	HitsCounter       metric.Int64Counter
	MissesCounter     metric.Int64Counter
	SegmentsCounter   metric.Int64Counter
	ReclaimedCounter  metric.Int64Counter
	ReinsertedCounter metric.Int64Counter

	pagesInUse     metric.Int64ObservableGauge
	freePages      metric.Int64ObservableGauge
	allocatedBytes metric.Int64ObservableGauge

	attrs        metric.MeasurementOption
	registration metric.Registration
}

// NewCacheMetrics creates and registers all the metrics for a page memory cache.
// Every measurement carries attrs, so several caches can share one meter.
func NewCacheMetrics(meter metric.Meter, attrs ...attribute.KeyValue) (*CacheMetrics, error) {
	hits, err := meter.Int64Counter(
		"pagepool.cache.hits",
		metric.WithDescription("Readable page requests served from the cache."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"pagepool.cache.misses",
		metric.WithDescription("Readable page requests that invoked the page factory."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	segments, err := meter.Int64Counter(
		"pagepool.cache.segments",
		metric.WithDescription("Memory segments allocated."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	reclaimed, err := meter.Int64Counter(
		"pagepool.cache.reclaimed",
		metric.WithDescription("Unreferenced cached pages returned to the free list."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	reinserted, err := meter.Int64Counter(
		"pagepool.cache.reinserted",
		metric.WithDescription("Pages picked for reclamation that were referenced again before removal."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesInUse, err := meter.Int64ObservableGauge(
		"pagepool.cache.pages_in_use",
		metric.WithDescription("Cached pages with a non-zero share counter."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	freePages, err := meter.Int64ObservableGauge(
		"pagepool.cache.free_pages",
		metric.WithDescription("Pages waiting in the free list."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	allocatedBytes, err := meter.Int64ObservableGauge(
		"pagepool.cache.allocated_bytes",
		metric.WithDescription("Bytes held by all allocated memory segments."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{
		HitsCounter:       hits,
		MissesCounter:     misses,
		SegmentsCounter:   segments,
		ReclaimedCounter:  reclaimed,
		ReinsertedCounter: reinserted,
		pagesInUse:        pagesInUse,
		freePages:         freePages,
		allocatedBytes:    allocatedBytes,
		attrs:             metric.WithAttributeSet(attribute.NewSet(attrs...)),
	}, nil
}

// Observe registers the gauge callback reading from stats. Call Close to unregister it.
func (m *CacheMetrics) Observe(meter metric.Meter, stats CacheStats) error {
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.pagesInUse, int64(stats.PagesInUse()), m.attrs)
		o.ObserveInt64(m.freePages, int64(stats.FreePages()), m.attrs)
		o.ObserveInt64(m.allocatedBytes, stats.AllocatedBytes(), m.attrs)
		return nil
	}, m.pagesInUse, m.freePages, m.allocatedBytes)
	if err != nil {
		return err
	}
	m.registration = reg
	return nil
}

// Add increments counter by n with the cache's attributes.
func (m *CacheMetrics) Add(counter metric.Int64Counter, n int64) {
	if n == 0 {
		return
	}
	counter.Add(context.Background(), n, m.attrs)
}

// Close unregisters the gauge callback.
func (m *CacheMetrics) Close() error {
	if m.registration == nil {
		return nil
	}
	err := m.registration.Unregister()
	m.registration = nil
	return err
}
