package memcache

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pagemanager "github.com/sushant-115/pagepool/core/write_engine/page_manager"
)

// loadPages reads n data pages at positions i*64 and stamps them with increasing timestamps so
// reclamation order is deterministic.
func loadPages(t *testing.T, c *MemoryCache, n int) []*PageBuffer {
	t.Helper()
	pages := make([]*PageBuffer, n)
	for i := 0; i < n; i++ {
		p, err := c.GetReadablePage(int64(i*64), pagemanager.OriginData, positionFactory)
		require.NoError(t, err)
		pages[i] = p
	}
	for i, p := range pages {
		p.timestamp.Store(int64(100 + i))
	}
	return pages
}

// checkInvariants verifies that every page sits in exactly one place and that each place only
// holds pages in the right state. Only call it when no other goroutine uses the cache.
func checkInvariants(t *testing.T, c *MemoryCache) {
	t.Helper()
	seen := make(map[int32]string)
	mark := func(p *PageBuffer, where string) {
		prev, dup := seen[p.UniqueID]
		require.False(t, dup, "page %d is in %s and %s", p.UniqueID, prev, where)
		seen[p.UniqueID] = where
	}

	c.readableMu.RLock()
	for key, p := range c.readable {
		mark(p, "readable")
		require.NotEqual(t, pagemanager.InvalidPosition, p.Position())
		require.NotEqual(t, pagemanager.OriginNone, p.Origin())
		require.Equal(t, key, ReadableKey(p.Position(), p.Origin()))
		require.GreaterOrEqual(t, p.ShareCounter(), int32(0))
	}
	c.readableMu.RUnlock()

	c.writableMu.RLock()
	for id, p := range c.writable {
		mark(p, "writable")
		require.Equal(t, id, p.UniqueID)
		require.GreaterOrEqual(t, p.ShareCounter(), BufferWritable)
	}
	c.writableMu.RUnlock()

	c.free.mu.Lock()
	for e := c.free.pages.Front(); e != nil; e = e.Next() {
		p := e.Value.(*PageBuffer)
		mark(p, "free")
		require.Equal(t, int32(0), p.ShareCounter())
		require.Equal(t, pagemanager.InvalidPosition, p.Position())
		require.Equal(t, pagemanager.OriginNone, p.Origin())
	}
	c.free.mu.Unlock()

	require.Len(t, seen, c.Segments()*c.cfg.SegmentSize, "no page may be lost")
}

func TestExtend_ReclaimsOldestUnreferenced(t *testing.T) {
	c := setupCache(t, smallConfig()) // 8 pages per segment, reuse threshold 4

	pages := loadPages(t, c, 8)
	require.Equal(t, 0, c.FreePages())
	for _, p := range pages[:6] {
		p.Release()
	}

	// 6 unreferenced > 4: the 4 oldest go back to the free list, no new segment
	extra, err := c.GetReadablePage(4096, pagemanager.OriginData, positionFactory)
	require.NoError(t, err)
	require.Equal(t, 1, c.Segments())
	require.Equal(t, 3, c.FreePages())

	for i := 0; i < 4; i++ {
		_, ok := c.cachedReadable(int64(i*64), pagemanager.OriginData)
		require.False(t, ok, "page %d should have been reclaimed", i)
	}
	for i := 4; i < 8; i++ {
		p, ok := c.cachedReadable(int64(i*64), pagemanager.OriginData)
		require.True(t, ok, "page %d should still be cached", i)
		require.Equal(t, pages[i].UniqueID, p.UniqueID)
	}

	// held pages are untouched
	for _, p := range pages[6:] {
		require.Equal(t, int32(1), p.ShareCounter())
		require.Equal(t, pagemanager.OriginData, p.Origin())
		require.Equal(t, uint64(p.Position()), binary.LittleEndian.Uint64(p.Bytes()))
	}

	extra.Release()
	pages[6].Release()
	pages[7].Release()
	checkInvariants(t, c)
}

func TestExtend_GrowsAtThreshold(t *testing.T) {
	c := setupCache(t, smallConfig())

	pages := loadPages(t, c, 8)
	for _, p := range pages[:4] {
		p.Release()
	}

	// exactly 4 unreferenced does not exceed the threshold
	extra, err := c.GetReadablePage(4096, pagemanager.OriginData, positionFactory)
	require.NoError(t, err)
	require.Equal(t, 2, c.Segments())
	require.Equal(t, 9, c.readableLen())
	require.Equal(t, int32(9), extra.UniqueID)

	extra.Release()
	for _, p := range pages[4:] {
		p.Release()
	}
	checkInvariants(t, c)
}

func TestExtend_NeverFreesReferencedPages(t *testing.T) {
	c := setupCache(t, smallConfig())

	pages := loadPages(t, c, 8)
	// everything is referenced: the only way forward is a new segment
	for i := 0; i < 8; i++ {
		c.NewPage()
	}
	require.Equal(t, 2, c.Segments())
	for i, p := range pages {
		require.Equal(t, int64(i*64), p.Position())
		require.Equal(t, int32(1), p.ShareCounter())
	}
}

func TestExtend_ReclaimsWritablePages(t *testing.T) {
	cfg := smallConfig()
	cfg.MinimumCacheReuse = 2
	c := setupCache(t, cfg)

	pages := loadPages(t, c, 6)

	// refused writable copy of page 0, released by its writer
	w, err := c.GetWritablePage(0, pagemanager.OriginData, positionFactory)
	require.NoError(t, err)
	require.False(t, c.TryMoveToReadable(w))
	w.Release()

	for _, p := range pages {
		p.Release()
	}

	// last free page, held exclusively
	held := c.NewPage()
	require.Equal(t, 0, c.FreePages())

	extra, err := c.GetReadablePage(4096, pagemanager.OriginData, positionFactory)
	require.NoError(t, err)
	require.Equal(t, 1, c.Segments())

	require.False(t, c.inWritable(w))
	require.Equal(t, pagemanager.InvalidPosition, w.Position())
	require.True(t, c.inWritable(held))
	for i := 0; i < 2; i++ {
		_, ok := c.cachedReadable(int64(i*64), pagemanager.OriginData)
		require.False(t, ok)
	}
	_, ok := c.cachedReadable(128, pagemanager.OriginData)
	require.True(t, ok)

	extra.Release()
	c.DiscardPage(held)
	checkInvariants(t, c)
}

func TestClaim_SkipsReferencedPage(t *testing.T) {
	c := setupCache(t, smallConfig())

	p, err := c.GetReadablePage(0, pagemanager.OriginData, positionFactory)
	require.NoError(t, err)
	require.False(t, c.claim(p))
	require.Equal(t, int32(1), p.ShareCounter())

	p.Release()
	require.True(t, c.claim(p))
	require.Equal(t, bufferReclaiming, p.ShareCounter())
}

// TestConcurrentReadersAndWriters hammers a tiny cache so extend runs constantly, and checks that
// no page ever changes under a goroutine holding it.
func TestConcurrentReadersAndWriters(t *testing.T) {
	c := setupCache(t, Config{PageSize: 64, SegmentSize: 4, MinimumCacheReuse: 2})

	factoryFor := func(origin pagemanager.FileOrigin) PageFactory {
		return func(pos int64, buf []byte) error {
			if err := positionFactory(pos, buf); err != nil {
				return err
			}
			buf[len(buf)-1] = byte(origin)
			return nil
		}
	}

	const workers = 8
	const iterations = 400

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))

			for i := 0; i < iterations; i++ {
				pos := int64(rnd.Intn(32) * 64)
				origin := pagemanager.OriginData
				if rnd.Intn(2) == 0 {
					origin = pagemanager.OriginLog
				}
				factory := factoryFor(origin)

				switch rnd.Intn(4) {
				case 0:
					page, err := c.GetWritablePage(pos, origin, factory)
					if !assert.NoError(t, err) {
						return
					}
					assert.True(t, page.IsWritable())
					if rnd.Intn(2) == 0 {
						c.DiscardPage(page)
					} else {
						c.TryMoveToReadable(page)
						page.Release()
					}
				default:
					page, err := c.GetReadablePage(pos, origin, factory)
					if !assert.NoError(t, err) {
						return
					}
					for spin := 0; spin < 3; spin++ {
						assert.Equal(t, pos, page.Position())
						assert.Equal(t, origin, page.Origin())
						assert.Positive(t, page.ShareCounter())
						assert.Equal(t, uint64(pos), binary.LittleEndian.Uint64(page.Bytes()))
						assert.Equal(t, byte(origin), page.Bytes()[63])
					}
					page.Release()
				}
			}
		}(int64(w + 1))
	}
	wg.Wait()

	require.Equal(t, 0, c.PagesInUse())
	checkInvariants(t, c)
}
