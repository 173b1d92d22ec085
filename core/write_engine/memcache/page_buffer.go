package memcache

import (
	"fmt"
	"sync/atomic"
	"time"

	pagemanager "github.com/sushant-115/pagepool/core/write_engine/page_manager"
)

const (
	// BufferWritable is the share counter of a page held exclusively by one writer.
	BufferWritable int32 = -1

	// bufferReclaiming marks a page claimed by extend while it is being moved to the free list.
	bufferReclaiming int32 = -2
)

// PageBuffer is one page-sized slice of a memory segment.
//
// Share counter:
//   - 0: cached but unreferenced, extend may reuse it
//   - >0: number of readers holding the page, each must call Release once
//   - BufferWritable: owned by a single writer, invisible to readers
//
// The position and origin are only changed by the cache, or by Bind on a writable page, while
// nobody else holds the page.
type PageBuffer struct {
	array  []byte
	offset int
	count  int

	// UniqueID never changes and is never reused inside one MemoryCache.
	UniqueID int32

	position int64
	origin   pagemanager.FileOrigin

	shareCounter atomic.Int32
	timestamp    atomic.Int64
}

func newPageBuffer(array []byte, offset, count int, uniqueID int32) *PageBuffer {
	return &PageBuffer{
		array:    array,
		offset:   offset,
		count:    count,
		UniqueID: uniqueID,
		position: pagemanager.InvalidPosition,
		origin:   pagemanager.OriginNone,
	}
}

// Bytes returns the page's slice of the segment. Its capacity is clamped to the page, so an
// append never writes into a neighbour.
func (p *PageBuffer) Bytes() []byte {
	return p.array[p.offset : p.offset+p.count : p.offset+p.count]
}

// Position is the byte offset of the page in its file, InvalidPosition when unbound.
func (p *PageBuffer) Position() int64 { return p.position }

// Origin is the file the page belongs to, OriginNone when unbound.
func (p *PageBuffer) Origin() pagemanager.FileOrigin { return p.origin }

// ShareCounter returns the current share counter.
func (p *PageBuffer) ShareCounter() int32 { return p.shareCounter.Load() }

// Timestamp returns the last access time in unix nanoseconds. 0 means never used.
func (p *PageBuffer) Timestamp() int64 { return p.timestamp.Load() }

// IsWritable reports whether the page is exclusively held by a writer.
func (p *PageBuffer) IsWritable() bool { return p.shareCounter.Load() == BufferWritable }

// Bind sets the disk location of a writable page, e.g. after NewPage, before moving it to the
// readable cache.
func (p *PageBuffer) Bind(position int64, origin pagemanager.FileOrigin) {
	ensure(p.IsWritable(), "bind of page %d that is not writable (share counter %d)", p.UniqueID, p.ShareCounter())
	ensure(position != pagemanager.InvalidPosition, "bind of page %d to an invalid position", p.UniqueID)
	ensure(origin != pagemanager.OriginNone, "bind of page %d without origin", p.UniqueID)
	p.position = position
	p.origin = origin
}

// Release drops one reference taken by GetReadablePage or left by a move to the readable cache.
// Every successful acquire must be paired with exactly one Release.
func (p *PageBuffer) Release() {
	for {
		cur := p.shareCounter.Load()
		ensure(cur > 0, "release of page %d with share counter %d", p.UniqueID, cur)
		if p.shareCounter.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (p *PageBuffer) String() string {
	return fmt.Sprintf("page(id=%d, origin=%s, position=%d, share=%d)", p.UniqueID, p.origin, p.position, p.ShareCounter())
}

func (p *PageBuffer) touch() {
	p.timestamp.Store(time.Now().UnixNano())
}

// reset unbinds the page before it goes back to the free list. Content is kept: NewPage clears
// it on demand and loads overwrite it.
func (p *PageBuffer) reset() {
	p.position = pagemanager.InvalidPosition
	p.origin = pagemanager.OriginNone
	p.shareCounter.Store(0)
}
