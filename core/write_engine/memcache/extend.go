package memcache

import (
	"slices"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/pagepool/core/write_engine/page_manager"
)

// --- Cache Management ---

// getFreePage pops a clean page from the free list, running extend until one is available.
func (c *MemoryCache) getFreePage() *PageBuffer {
	for {
		if page, ok := c.free.pop(); ok {
			ensure(page.position == pagemanager.InvalidPosition, "free page %d must have no position", page.UniqueID)
			ensure(page.ShareCounter() == 0, "free page %d must be non-shared", page.UniqueID)
			ensure(page.origin == pagemanager.OriginNone, "free page %d must have no origin", page.UniqueID)
			return page
		}
		c.extend()
	}
}

// extend refills the free list. When more than MinimumCacheReuse cached pages are unreferenced,
// up to MinimumCacheReuse of them (at least one) are taken, oldest first, from each of the
// readable and writable maps. Otherwise a new segment is allocated. Segments are never released.
func (c *MemoryCache) extend() {
	c.extendMu.Lock()
	defer c.extendMu.Unlock()

	// a concurrent extend may already have refilled the list while we waited
	if c.free.len() > 0 {
		return
	}

	unreferenced := c.countReadable(isUnreferenced) + c.countWritable(isUnreferenced)

	if unreferenced > c.cfg.MinimumCacheReuse {
		batch := max(c.cfg.MinimumCacheReuse, 1)
		readables, skippedR := c.reclaimReadable(batch)
		writables, skippedW := c.reclaimWritable(batch)

		reused := readables + writables
		c.metrics.Add(c.metrics.ReclaimedCounter, int64(reused))
		c.metrics.Add(c.metrics.ReinsertedCounter, int64(skippedR+skippedW))

		c.logger.Info("re-using cache pages",
			zap.Int("readable", readables),
			zap.Int("writable", writables),
			zap.Int("free", c.free.len()))

		if reused > 0 {
			return
		}
		// every candidate got referenced again before we could claim it
		c.logger.Debug("no cache page could be reclaimed, allocating a segment", zap.Int("unreferenced", unreferenced))
	}

	c.allocateSegment()
}

// allocateSegment slices one new contiguous array into SegmentSize free pages.
// Must be called with extendMu held.
func (c *MemoryCache) allocateSegment() {
	segment := c.extends.Load()
	buffer := make([]byte, c.cfg.SegmentBytes())

	for i := 0; i < c.cfg.SegmentSize; i++ {
		uniqueID := segment*int32(c.cfg.SegmentSize) + int32(i) + 1
		c.free.push(newPageBuffer(buffer, i*c.cfg.PageSize, c.cfg.PageSize, uniqueID))
	}

	c.extends.Add(1)
	c.metrics.Add(c.metrics.SegmentsCounter, 1)

	c.logger.Info("extending memory usage",
		zap.Int32("segments", segment+1),
		zap.String("used", humanize.IBytes(uint64(c.AllocatedBytes()))))
}

type reclaimCandidate[K comparable] struct {
	key  K
	page *PageBuffer
}

// oldestUnreferenced returns up to limit pages with a zero share counter, oldest timestamp first.
func oldestUnreferenced[K comparable](m map[K]*PageBuffer, limit int) []reclaimCandidate[K] {
	candidates := make([]reclaimCandidate[K], 0)
	for k, p := range m {
		if p.ShareCounter() == 0 {
			candidates = append(candidates, reclaimCandidate[K]{key: k, page: p})
		}
	}

	slices.SortFunc(candidates, func(a, b reclaimCandidate[K]) int {
		ta, tb := a.page.Timestamp(), b.page.Timestamp()
		switch {
		case ta < tb:
			return -1
		case ta > tb:
			return 1
		}
		return 0
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// reclaimReadable moves up to limit unreferenced readable pages to the free list. A candidate is
// only removed if its share counter can be swapped from 0, so a page referenced again after
// selection stays cached. Returns how many were freed and how many were skipped.
func (c *MemoryCache) reclaimReadable(limit int) (freed, skipped int) {
	c.readableMu.Lock()
	defer c.readableMu.Unlock()

	for _, cand := range oldestUnreferenced(c.readable, limit) {
		if !c.claim(cand.page) {
			skipped++
			continue
		}
		delete(c.readable, cand.key)
		cand.page.reset()
		c.free.push(cand.page)
		freed++
	}
	return freed, skipped
}

// reclaimWritable is reclaimReadable for the writable set.
func (c *MemoryCache) reclaimWritable(limit int) (freed, skipped int) {
	c.writableMu.Lock()
	defer c.writableMu.Unlock()

	for _, cand := range oldestUnreferenced(c.writable, limit) {
		if !c.claim(cand.page) {
			skipped++
			continue
		}
		delete(c.writable, cand.key)
		cand.page.reset()
		c.free.push(cand.page)
		freed++
	}
	return freed, skipped
}

// claim swaps an unreferenced page into the reclaiming state.
func (c *MemoryCache) claim(page *PageBuffer) bool {
	if page.shareCounter.CompareAndSwap(0, bufferReclaiming) {
		return true
	}
	c.logger.Debug("page referenced during reclamation, keeping it cached", zap.Int32("page", page.UniqueID))
	return false
}

func isUnreferenced(share int32) bool { return share == 0 }
