// Package flushmanager moves pages between the memory cache and the data and log files.
package flushmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/pagepool/core/write_engine/memcache"
	pagemanager "github.com/sushant-115/pagepool/core/write_engine/page_manager"
)

// Config locates the files backing the cache.
type Config struct {
	Dir      string `yaml:"dir"`
	DataFile string `yaml:"data_file"`
	LogFile  string `yaml:"log_file"`
	// ReadBytesPerSec throttles page reads. 0 disables throttling.
	ReadBytesPerSec int64 `yaml:"read_bytes_per_sec"`
}

func DefaultConfig() Config {
	return Config{
		Dir:      "data",
		DataFile: "pagepool.db",
		LogFile:  "pagepool-log.db",
	}
}

func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: dir must be set", ErrInvalidDiskConfig)
	}
	if c.DataFile == "" || c.LogFile == "" {
		return fmt.Errorf("%w: data_file and log_file must be set", ErrInvalidDiskConfig)
	}
	if c.DataFile == c.LogFile {
		return fmt.Errorf("%w: data_file and log_file must differ", ErrInvalidDiskConfig)
	}
	if c.ReadBytesPerSec < 0 {
		return fmt.Errorf("%w: read_bytes_per_sec must not be negative", ErrInvalidDiskConfig)
	}
	return nil
}

// --- DiskManager ---

// DiskManager reads and writes whole pages of the data and log files.
type DiskManager struct {
	cfg      Config
	pageSize int
	logger   *zap.Logger
	tracer   trace.Tracer
	limiter  *rate.Limiter

	mu    sync.RWMutex
	files map[pagemanager.FileOrigin]*os.File
}

// NewDiskManager opens (creating if needed) both files under cfg.Dir.
// logger and tracer may be nil.
func NewDiskManager(cfg Config, pageSize int, logger *zap.Logger, tracer trace.Tracer) (*DiskManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("%w: page size must be positive, got %d", ErrInvalidDiskConfig, pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating directory %s: %v", ErrIO, cfg.Dir, err)
	}

	dm := &DiskManager{
		cfg:      cfg,
		pageSize: pageSize,
		logger:   logger.Named("disk"),
		tracer:   tracer,
		files:    make(map[pagemanager.FileOrigin]*os.File, 2),
	}
	if cfg.ReadBytesPerSec > 0 {
		// burst must hold at least one page or WaitN never succeeds
		burst := max(int(cfg.ReadBytesPerSec), pageSize)
		dm.limiter = rate.NewLimiter(rate.Limit(cfg.ReadBytesPerSec), burst)
	}

	for origin, name := range map[pagemanager.FileOrigin]string{
		pagemanager.OriginData: cfg.DataFile,
		pagemanager.OriginLog:  cfg.LogFile,
	} {
		path := filepath.Join(cfg.Dir, name)
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			_ = dm.Close()
			return nil, fmt.Errorf("%w: opening %s file %s: %v", ErrIO, origin, path, err)
		}
		dm.files[origin] = file
	}

	dm.logger.Info("disk manager opened",
		zap.String("dir", cfg.Dir),
		zap.Int("page_size", pageSize),
		zap.Int64("read_bytes_per_sec", cfg.ReadBytesPerSec))
	return dm, nil
}

// PageSize is the size of every page read or written.
func (dm *DiskManager) PageSize() int { return dm.pageSize }

func (dm *DiskManager) file(origin pagemanager.FileOrigin) (*os.File, error) {
	if dm.files == nil {
		return nil, ErrDiskClosed
	}
	f, ok := dm.files[origin]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrigin, origin)
	}
	return f, nil
}

func (dm *DiskManager) checkPage(position int64, pageData []byte) error {
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: buffer is %d bytes, page is %d", ErrPageSizeMismatch, len(pageData), dm.pageSize)
	}
	if _, ok := pagemanager.PageIDOf(position, dm.pageSize); !ok {
		return fmt.Errorf("%w: %d", ErrMisalignedPosition, position)
	}
	return nil
}

// ReadPage reads the page at position of the origin file into pageData. Pages past the end of
// the file were never written and read as zeroes.
func (dm *DiskManager) ReadPage(ctx context.Context, origin pagemanager.FileOrigin, position int64, pageData []byte) (err error) {
	ctx, span := dm.tracer.Start(ctx, "disk.read_page", trace.WithAttributes(
		attribute.String("page.origin", origin.String()),
		attribute.Int64("page.position", position),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := dm.checkPage(position, pageData); err != nil {
		return err
	}
	if dm.limiter != nil {
		if err := dm.limiter.WaitN(ctx, len(pageData)); err != nil {
			return fmt.Errorf("waiting for read budget: %w", err)
		}
	}

	dm.mu.RLock()
	defer dm.mu.RUnlock()

	f, err := dm.file(origin)
	if err != nil {
		return err
	}

	n, err := f.ReadAt(pageData, position)
	if err != nil {
		if errors.Is(err, io.EOF) {
			clear(pageData[n:])
			span.SetAttributes(attribute.Int("page.bytes_read", n))
			return nil
		}
		return fmt.Errorf("%w: reading %s page at offset %d: %v", ErrIO, origin, position, err)
	}
	return nil
}

// WritePage writes pageData at position of the origin file. It does not sync.
func (dm *DiskManager) WritePage(origin pagemanager.FileOrigin, position int64, pageData []byte) error {
	if err := dm.checkPage(position, pageData); err != nil {
		return err
	}

	dm.mu.RLock()
	defer dm.mu.RUnlock()

	f, err := dm.file(origin)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(pageData, position); err != nil {
		return fmt.Errorf("%w: writing %s page at offset %d: %v", ErrIO, origin, position, err)
	}
	return nil
}

// Factory returns a page factory reading from the origin file, for use with the memory cache.
func (dm *DiskManager) Factory(origin pagemanager.FileOrigin) memcache.PageFactory {
	return func(position int64, buffer []byte) error {
		return dm.ReadPage(context.Background(), origin, position, buffer)
	}
}

// Flush writes a page held by the cache back to its file.
func (dm *DiskManager) Flush(page *memcache.PageBuffer) error {
	if page.Origin() == pagemanager.OriginNone || page.Position() == pagemanager.InvalidPosition {
		return fmt.Errorf("%w: page %d is not bound to a file position", ErrUnknownOrigin, page.UniqueID)
	}
	return dm.WritePage(page.Origin(), page.Position(), page.Bytes())
}

// Size returns the length of the origin file in bytes.
func (dm *DiskManager) Size(origin pagemanager.FileOrigin) (int64, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	f, err := dm.file(origin)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s file: %v", ErrIO, origin, err)
	}
	return info.Size(), nil
}

// Sync flushes both files to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if dm.files == nil {
		return ErrDiskClosed
	}
	for origin, f := range dm.files {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("%w: syncing %s file: %v", ErrIO, origin, err)
		}
	}
	return nil
}

// Close syncs and closes both files. Closing twice is a no-op.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.files == nil {
		return nil
	}

	var errs []error
	for origin, f := range dm.files {
		if err := f.Sync(); err != nil {
			dm.logger.Warn("sync on close failed", zap.Stringer("origin", origin), zap.Error(err))
		}
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%w: closing %s file: %v", ErrIO, origin, err))
		}
	}
	dm.files = nil
	return errors.Join(errs...)
}
