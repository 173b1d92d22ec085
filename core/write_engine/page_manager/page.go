package pagemanager

import (
	"fmt"
	"math"
)

// --- Page Addressing ---

const (
	// PageSize is the fixed size of every page, on disk and in memory.
	PageSize = 8192

	// InvalidPosition marks a buffer that is not bound to any location on disk.
	InvalidPosition int64 = math.MaxInt64
)

// PageID is the index of a page inside one file: position / page size.
type PageID uint32

// FileOrigin tells which logical file a page's bytes belong to.
type FileOrigin uint8

const (
	OriginNone FileOrigin = iota // Only valid for unbound/free buffers
	OriginData                   // Main data file
	OriginLog                    // Log file
)

func (o FileOrigin) String() string {
	switch o {
	case OriginNone:
		return "none"
	case OriginData:
		return "data"
	case OriginLog:
		return "log"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// ParseOrigin converts "data"/"log" (as typed in configs and the cli) into a FileOrigin.
func ParseOrigin(s string) (FileOrigin, error) {
	switch s {
	case "data", "d":
		return OriginData, nil
	case "log", "l":
		return OriginLog, nil
	}
	return OriginNone, fmt.Errorf("unknown file origin %q", s)
}

// PositionOf returns the byte offset of page id in a file of pageSize pages.
func PositionOf(id PageID, pageSize int) int64 { return int64(id) * int64(pageSize) }

// PageIDOf returns the page that starts at position in a file of pageSize pages. ok is false
// for negative or misaligned positions.
func PageIDOf(position int64, pageSize int) (id PageID, ok bool) {
	if pageSize <= 0 || position < 0 || position%int64(pageSize) != 0 {
		return 0, false
	}
	return PageID(position / int64(pageSize)), true
}
