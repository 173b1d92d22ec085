// Package memcache manages the page buffers of the storage engine.
//
// Pages live in large contiguous memory segments that are sliced into page-sized buffers and
// recycled instead of being handed back to the Go allocator. A MemoryCache keeps them in
// exactly one of three places:
//
//   - the free list: unbound pages ready for reuse
//   - the readable cache: clean pages shared by concurrent readers, one per position/origin
//   - the writable set: private pages owned by one writer until discarded or moved to readable
//
// Do not share a MemoryCache between different databases: cache keys are positions only.
package memcache

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	pagemanager "github.com/sushant-115/pagepool/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagepool/internal/telemetry"
)

// PageFactory fills buffer with the content of the page at position, typically with a disk
// read. buffer is exactly one page long. A returned error is passed back to the caller unchanged.
type PageFactory func(position int64, buffer []byte) error

// MemoryCache is safe for concurrent use.
type MemoryCache struct {
	cfg     Config
	id      uuid.UUID
	logger  *zap.Logger
	metrics *internaltelemetry.CacheMetrics

	free *freeList

	// readable holds clean pages keyed by ReadableKey. Share counters are only raised while
	// readableMu is held (read side), so extend can claim pages safely under the write side.
	readableMu sync.RWMutex
	readable   map[int64]*PageBuffer
	loads      singleflight.Group

	// writable holds exclusive pages keyed by UniqueID.
	writableMu sync.RWMutex
	writable   map[int32]*PageBuffer

	// extendMu serializes extend: only one reclamation or growth pass runs at a time.
	extendMu sync.Mutex
	extends  atomic.Int32
}

// NewMemoryCache creates a cache with one memory segment already allocated.
// logger and meter may be nil.
func NewMemoryCache(cfg Config, logger *zap.Logger, meter metric.Meter) (*MemoryCache, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}

	id := uuid.New()
	c := &MemoryCache{
		cfg:      cfg,
		id:       id,
		logger:   logger.Named("memcache").With(zap.String("instance", id.String())),
		free:     newFreeList(),
		readable: make(map[int64]*PageBuffer),
		writable: make(map[int32]*PageBuffer),
	}

	metrics, err := internaltelemetry.NewCacheMetrics(meter, attribute.String("cache.instance", id.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache metrics: %w", err)
	}
	if err := metrics.Observe(meter, c); err != nil {
		return nil, fmt.Errorf("failed to register cache gauges: %w", err)
	}
	c.metrics = metrics

	c.extend()
	return c, nil
}

// ID identifies this cache in logs and metrics.
func (c *MemoryCache) ID() uuid.UUID { return c.id }

// Config returns the effective configuration.
func (c *MemoryCache) Config() Config { return c.cfg }

// --- Readable Pages ---

// ReadableKey maps a position and origin into the single key space of the readable cache:
// data pages use their position, log pages the negated position. Log position 0 maps to
// math.MinInt64 because -0 would collide with data position 0.
func ReadableKey(position int64, origin pagemanager.FileOrigin) int64 {
	ensure(origin != pagemanager.OriginNone, "file origin must be defined")

	if origin == pagemanager.OriginData {
		return position
	}
	if position == 0 {
		return math.MinInt64
	}
	return -position
}

// GetReadablePage returns the shared page at position/origin, loading it with factory on a miss.
// Concurrent callers for the same page share a single factory call. The page's share counter
// is incremented; the caller must call Release when done and must not modify the page.
func (c *MemoryCache) GetReadablePage(position int64, origin pagemanager.FileOrigin, factory PageFactory) (*PageBuffer, error) {
	key := ReadableKey(position, origin)

	for {
		if page, ok := c.acquireReadable(key, nil); ok {
			c.metrics.Add(c.metrics.HitsCounter, 1)
			return page, nil
		}

		// leader is set only in the goroutine whose function ran, and its page is already acquired.
		leader := false
		v, err, _ := c.loads.Do(strconv.FormatInt(key, 10), func() (any, error) {
			page, err := c.loadReadable(key, position, origin, factory)
			leader = err == nil
			return page, err
		})
		if err != nil {
			return nil, err
		}

		page := v.(*PageBuffer)
		if leader {
			return page, nil
		}
		if _, ok := c.acquireReadable(key, page); ok {
			c.metrics.Add(c.metrics.HitsCounter, 1)
			return page, nil
		}
		// the shared page was released and reclaimed before we could take our reference
	}
}

// WithReadablePage runs fn with the readable page at position/origin and always releases it.
func (c *MemoryCache) WithReadablePage(position int64, origin pagemanager.FileOrigin, factory PageFactory, fn func(*PageBuffer) error) error {
	page, err := c.GetReadablePage(position, origin, factory)
	if err != nil {
		return err
	}
	defer page.Release()

	return fn(page)
}

// acquireReadable takes a reference on the page cached under key. When want is not nil the
// cached page must be that exact buffer.
func (c *MemoryCache) acquireReadable(key int64, want *PageBuffer) (*PageBuffer, bool) {
	c.readableMu.RLock()
	defer c.readableMu.RUnlock()

	page, ok := c.readable[key]
	if !ok || (want != nil && page != want) {
		return nil, false
	}
	page.touch()
	page.shareCounter.Add(1)
	return page, true
}

// loadReadable runs inside the single flight for key. The returned page carries one reference
// owned by the calling goroutine.
func (c *MemoryCache) loadReadable(key, position int64, origin pagemanager.FileOrigin, factory PageFactory) (*PageBuffer, error) {
	// a previous flight or a writer may have published the page since our lookup
	if page, ok := c.acquireReadable(key, nil); ok {
		c.metrics.Add(c.metrics.HitsCounter, 1)
		return page, nil
	}

	page := c.getFreePage()
	page.position = position
	page.origin = origin
	// touched before the factory runs: a failed load may leave bytes behind, and a page with a
	// zero timestamp is trusted to be zeroed
	page.touch()

	if err := factory(position, page.Bytes()); err != nil {
		page.reset()
		c.free.push(page)
		c.logger.Warn("page factory failed",
			zap.Int64("position", position),
			zap.Stringer("origin", origin),
			zap.Error(err))
		return nil, fmt.Errorf("failed to load %s page at position %d: %w", origin, position, err)
	}

	page.shareCounter.Store(1)

	c.readableMu.Lock()
	if current, ok := c.readable[key]; ok {
		// a writer moved its copy in while we were loading; that copy wins
		current.touch()
		current.shareCounter.Add(1)
		c.readableMu.Unlock()

		page.reset()
		c.free.push(page)
		c.metrics.Add(c.metrics.HitsCounter, 1)
		return current, nil
	}
	c.readable[key] = page
	c.readableMu.Unlock()

	c.metrics.Add(c.metrics.MissesCounter, 1)
	return page, nil
}

// --- Writable Pages ---

// GetWritablePage returns a private copy of the page at position/origin. The copy comes from the
// readable cache when the page is there and from factory otherwise. No other goroutine can see
// the returned page until it is moved to the readable cache.
func (c *MemoryCache) GetWritablePage(position int64, origin pagemanager.FileOrigin, factory PageFactory) (*PageBuffer, error) {
	key := ReadableKey(position, origin)
	writable := c.newPage(position, origin, false)

	c.readableMu.RLock()
	clean, ok := c.readable[key]
	if ok {
		copy(writable.Bytes(), clean.Bytes())
	}
	c.readableMu.RUnlock()

	if ok {
		return writable, nil
	}

	if err := factory(position, writable.Bytes()); err != nil {
		c.DiscardPage(writable)
		c.logger.Warn("page factory failed",
			zap.Int64("position", position),
			zap.Stringer("origin", origin),
			zap.Error(err))
		return nil, fmt.Errorf("failed to load writable %s page at position %d: %w", origin, position, err)
	}

	return writable, nil
}

// NewPage returns an empty, unbound writable page. Bind it before moving it to the readable cache.
func (c *MemoryCache) NewPage() *PageBuffer {
	return c.newPage(pagemanager.InvalidPosition, pagemanager.OriginNone, true)
}

func (c *MemoryCache) newPage(position int64, origin pagemanager.FileOrigin, clearContent bool) *PageBuffer {
	page := c.getFreePage()

	page.position = position
	page.shareCounter.Store(BufferWritable)

	// timestamp 0 means the page was never used since its segment was allocated, so it is zero
	if clearContent && page.Timestamp() > 0 {
		clear(page.Bytes())
	}

	page.origin = origin
	page.touch()

	c.writableMu.Lock()
	c.writable[page.UniqueID] = page
	c.writableMu.Unlock()

	return page
}

// TryMoveToReadable publishes a writable page into the readable cache with one reference
// (the caller's). If the position is already cached the page stays in the writable set, is
// marked to be reused first, and false is returned.
func (c *MemoryCache) TryMoveToReadable(page *PageBuffer) bool {
	ensure(page.position != pagemanager.InvalidPosition, "page %d must have a position", page.UniqueID)
	ensure(page.IsWritable(), "page %d must be writable", page.UniqueID)
	ensure(page.origin != pagemanager.OriginNone, "page %d must have a defined origin", page.UniqueID)

	key := ReadableKey(page.position, page.origin)

	// no concurrency on a writable page
	page.shareCounter.Store(1)

	c.readableMu.Lock()
	if _, exists := c.readable[key]; exists {
		c.readableMu.Unlock()

		// first candidate on the next extend
		page.timestamp.Store(1)
		return false
	}
	c.readable[key] = page
	c.readableMu.Unlock()

	c.removeWritable(page)
	return true
}

// MoveToReadable publishes a writable page into the readable cache and returns the cached page.
// The cached page ends with a share counter of 2: it is expected to be released twice, once by
// the writer and once by its next reader.
//
// If the position is already cached, the cached page (which must be unreferenced) takes the new
// content and is returned, so pointers to it stay valid; the source page goes back to the free
// list. Always use the returned page afterwards.
func (c *MemoryCache) MoveToReadable(page *PageBuffer) *PageBuffer {
	ensure(page.position != pagemanager.InvalidPosition, "page %d must have a position to be readable", page.UniqueID)
	ensure(page.origin != pagemanager.OriginNone, "page %d must have a defined origin", page.UniqueID)
	ensure(page.IsWritable(), "page %d must be writable before moving to readable", page.UniqueID)

	key := ReadableKey(page.position, page.origin)

	readable := c.storeReadable(key, page)
	c.removeWritable(page)

	if readable != page {
		page.reset()
		c.free.push(page)
	}
	return readable
}

// storeReadable adds page under key, or copies its content into the page already cached there.
// Both end with a share counter of 2.
func (c *MemoryCache) storeReadable(key int64, page *PageBuffer) *PageBuffer {
	c.readableMu.Lock()
	defer c.readableMu.Unlock()

	current, ok := c.readable[key]
	if !ok {
		page.shareCounter.Store(2)
		c.readable[key] = page
		return page
	}

	ensure(current.ShareCounter() == 0, "cached page %d at key %d is in use (share counter %d)", current.UniqueID, key, current.ShareCounter())

	current.shareCounter.Store(2)
	copy(current.Bytes(), page.Bytes())
	return current
}

// DiscardPage drops a writable page without publishing it. Its content is not cleared.
func (c *MemoryCache) DiscardPage(page *PageBuffer) {
	ensure(page.IsWritable(), "discarded page %d must be writable", page.UniqueID)

	c.removeWritable(page)
	page.reset()
	c.free.push(page)
}

func (c *MemoryCache) removeWritable(page *PageBuffer) {
	c.writableMu.Lock()
	_, ok := c.writable[page.UniqueID]
	delete(c.writable, page.UniqueID)
	c.writableMu.Unlock()

	ensure(ok, "page %d must be removed from the writable set", page.UniqueID)
}

// --- Diagnostics ---

// PagesInUse counts cached pages (readable and writable) with a non-zero share counter.
func (c *MemoryCache) PagesInUse() int {
	return c.countReadable(func(s int32) bool { return s != 0 }) +
		c.countWritable(func(s int32) bool { return s != 0 })
}

// FreePages returns the length of the free list.
func (c *MemoryCache) FreePages() int { return c.free.len() }

// Segments returns how many memory segments were allocated.
func (c *MemoryCache) Segments() int { return int(c.extends.Load()) }

// AllocatedBytes is the memory held by all segments.
func (c *MemoryCache) AllocatedBytes() int64 {
	return int64(c.Segments()) * c.cfg.SegmentBytes()
}

// Close unregisters the cache's metrics. Segments are left to the garbage collector.
func (c *MemoryCache) Close() error {
	c.logger.Info("closing memory cache",
		zap.Int("segments", c.Segments()),
		zap.Int("pages_in_use", c.PagesInUse()))
	return c.metrics.Close()
}

func (c *MemoryCache) countReadable(match func(int32) bool) int {
	c.readableMu.RLock()
	defer c.readableMu.RUnlock()

	n := 0
	for _, p := range c.readable {
		if match(p.ShareCounter()) {
			n++
		}
	}
	return n
}

func (c *MemoryCache) countWritable(match func(int32) bool) int {
	c.writableMu.RLock()
	defer c.writableMu.RUnlock()

	n := 0
	for _, p := range c.writable {
		if match(p.ShareCounter()) {
			n++
		}
	}
	return n
}
