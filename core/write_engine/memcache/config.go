package memcache

import (
	"fmt"

	pagemanager "github.com/sushant-115/pagepool/core/write_engine/page_manager"
)

const (
	// DefaultSegmentSize is how many pages one memory segment holds.
	DefaultSegmentSize = 1000

	// DefaultMinimumCacheReuse is the number of unreferenced cached pages that must be exceeded
	// before extend reuses pages instead of allocating a new segment. It is also the batch size
	// taken from each of the readable and writable maps per pass.
	DefaultMinimumCacheReuse = 4000
)

// Config holds the sizing knobs of a MemoryCache.
type Config struct {
	// PageSize is the size in bytes of every page buffer.
	PageSize int `yaml:"page_size"`
	// SegmentSize is the number of pages allocated together in one contiguous array.
	SegmentSize int `yaml:"segment_size"`
	// MinimumCacheReuse is the reclamation threshold and batch size.
	MinimumCacheReuse int `yaml:"minimum_cache_reuse"`
}

// DefaultConfig returns the sizes used by the engine.
func DefaultConfig() Config {
	return Config{
		PageSize:          pagemanager.PageSize,
		SegmentSize:       DefaultSegmentSize,
		MinimumCacheReuse: DefaultMinimumCacheReuse,
	}
}

// WithDefaults fills a zero PageSize or SegmentSize with its default. MinimumCacheReuse is kept
// as is: 0 is a valid threshold that reclaims as soon as any cached page is unreferenced. Start
// from DefaultConfig to get the default threshold.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.PageSize == 0 {
		c.PageSize = d.PageSize
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = d.SegmentSize
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("%w: page_size must be positive, got %d", ErrInvalidConfig, c.PageSize)
	}
	if c.SegmentSize <= 0 {
		return fmt.Errorf("%w: segment_size must be positive, got %d", ErrInvalidConfig, c.SegmentSize)
	}
	if c.MinimumCacheReuse < 0 {
		return fmt.Errorf("%w: minimum_cache_reuse must not be negative, got %d", ErrInvalidConfig, c.MinimumCacheReuse)
	}
	return nil
}

// SegmentBytes is the size of one memory segment.
func (c Config) SegmentBytes() int64 {
	return int64(c.PageSize) * int64(c.SegmentSize)
}
