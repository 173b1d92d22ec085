package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	flushmanager "github.com/sushant-115/pagepool/core/write_engine/flush_manager"
	"github.com/sushant-115/pagepool/core/write_engine/memcache"
	pagemanager "github.com/sushant-115/pagepool/core/write_engine/page_manager"
)

var errUsage = errors.New("usage")

// session is one interactive shell over a cache and its files. Pages read or created are held
// until released, so the cache can be watched with stats while they are pinned.
type session struct {
	cache *memcache.MemoryCache
	disk  *flushmanager.DiskManager
	out   io.Writer
	held  map[int32]*memcache.PageBuffer
}

func newSession(cache *memcache.MemoryCache, disk *flushmanager.DiskManager, out io.Writer) *session {
	return &session{
		cache: cache,
		disk:  disk,
		out:   out,
		held:  make(map[int32]*memcache.PageBuffer),
	}
}

// exec runs one command line. quit is true for exit.
func (s *session) exec(args []string) (quit bool, err error) {
	if len(args) == 0 {
		return false, nil
	}

	switch strings.ToLower(args[0]) {
	case "read":
		return false, s.read(args[1:])
	case "write":
		return false, s.write(args[1:])
	case "new":
		page := s.cache.NewPage()
		s.held[page.UniqueID] = page
		fmt.Fprintf(s.out, "new writable page %d\n", page.UniqueID)
	case "release":
		return false, s.release(args[1:])
	case "stats":
		return false, s.stats()
	case "help":
		s.help()
	case "exit", "quit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return false, nil
}

// parsePosition accepts a byte position ("16384") or a page id ("p2").
func parsePosition(s string, pageSize int) (int64, error) {
	if id, ok := strings.CutPrefix(s, "p"); ok {
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid page id %q: %w", s, err)
		}
		return pagemanager.PositionOf(pagemanager.PageID(n), pageSize), nil
	}

	pos, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q: %w", s, err)
	}
	return pos, nil
}

// read <pos|p<id>> [data|log]
func (s *session) read(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: read <pos> [data|log]", errUsage)
	}
	pos, err := parsePosition(args[0], s.disk.PageSize())
	if err != nil {
		return err
	}
	origin := pagemanager.OriginData
	if len(args) == 2 {
		if origin, err = pagemanager.ParseOrigin(args[1]); err != nil {
			return err
		}
	}

	page, err := s.cache.GetReadablePage(pos, origin, s.disk.Factory(origin))
	if err != nil {
		return err
	}
	if _, dup := s.held[page.UniqueID]; dup {
		// already pinned by this session, one reference is enough
		page.Release()
	} else {
		s.held[page.UniqueID] = page
	}

	id, _ := pagemanager.PageIDOf(page.Position(), s.disk.PageSize())
	fmt.Fprintf(s.out, "%s page %d: %s (held, share %d): %q\n", origin, id, page, page.ShareCounter(), content(page.Bytes()))
	return nil
}

// write <pos|p<id>> <data|log> <text>
func (s *session) write(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: write <pos> <data|log> <text>", errUsage)
	}
	pos, err := parsePosition(args[0], s.disk.PageSize())
	if err != nil {
		return err
	}
	origin, err := pagemanager.ParseOrigin(args[1])
	if err != nil {
		return err
	}
	for _, p := range s.held {
		if p.Position() == pos && p.Origin() == origin && !p.IsWritable() {
			return fmt.Errorf("page %d holds %s position %d, release it before writing", p.UniqueID, origin, pos)
		}
	}

	page, err := s.cache.GetWritablePage(pos, origin, s.disk.Factory(origin))
	if err != nil {
		return err
	}
	text := []byte(strings.Join(args[2:], " "))
	buf := page.Bytes()
	if len(text) > len(buf) {
		s.cache.DiscardPage(page)
		return fmt.Errorf("text is %s, a page holds %s", humanize.IBytes(uint64(len(text))), humanize.IBytes(uint64(len(buf))))
	}
	clear(buf)
	copy(buf, text)

	if err := s.disk.Flush(page); err != nil {
		s.cache.DiscardPage(page)
		return err
	}

	// nothing else references the cached copy: the session is the only user of the cache
	readable := s.cache.MoveToReadable(page)
	readable.Release()
	readable.Release()

	fmt.Fprintf(s.out, "wrote %s to %s page at %d\n", humanize.IBytes(uint64(len(text))), origin, pos)
	return nil
}

// release <uid>
func (s *session) release(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: release <uid>", errUsage)
	}
	uid, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid page id %q: %w", args[0], err)
	}
	page, ok := s.held[int32(uid)]
	if !ok {
		return fmt.Errorf("page %d is not held", uid)
	}
	delete(s.held, int32(uid))

	if page.IsWritable() {
		s.cache.DiscardPage(page)
		fmt.Fprintf(s.out, "discarded page %d\n", uid)
		return nil
	}
	page.Release()
	fmt.Fprintf(s.out, "released page %d\n", uid)
	return nil
}

func (s *session) stats() error {
	dataSize, err := s.disk.Size(pagemanager.OriginData)
	if err != nil {
		return err
	}
	logSize, err := s.disk.Size(pagemanager.OriginLog)
	if err != nil {
		return err
	}

	cfg := s.cache.Config()
	fmt.Fprintf(s.out, "cache:        %s\n", s.cache.ID())
	fmt.Fprintf(s.out, "page size:    %s (%d pages per segment, reuse above %d)\n",
		humanize.IBytes(uint64(cfg.PageSize)), cfg.SegmentSize, cfg.MinimumCacheReuse)
	fmt.Fprintf(s.out, "segments:     %d (%s)\n", s.cache.Segments(), humanize.IBytes(uint64(s.cache.AllocatedBytes())))
	fmt.Fprintf(s.out, "free pages:   %d\n", s.cache.FreePages())
	fmt.Fprintf(s.out, "pages in use: %d\n", s.cache.PagesInUse())
	fmt.Fprintf(s.out, "held:         %d\n", len(s.held))
	fmt.Fprintf(s.out, "data file:    %s\n", humanize.IBytes(uint64(dataSize)))
	fmt.Fprintf(s.out, "log file:     %s\n", humanize.IBytes(uint64(logSize)))
	return nil
}

func (s *session) help() {
	fmt.Fprintln(s.out, "Commands:")
	fmt.Fprintln(s.out, "  read <pos> [data|log]         load a page and hold it (pos is a byte offset or p<id>)")
	fmt.Fprintln(s.out, "  write <pos> <data|log> <text> write text to a page on disk and in the cache")
	fmt.Fprintln(s.out, "  new                           take an empty writable page")
	fmt.Fprintln(s.out, "  release <uid>                 release a held page")
	fmt.Fprintln(s.out, "  stats")
	fmt.Fprintln(s.out, "  help")
	fmt.Fprintln(s.out, "  exit / quit")
}

// close releases everything still held.
func (s *session) close() {
	for uid, page := range s.held {
		if page.IsWritable() {
			s.cache.DiscardPage(page)
		} else {
			page.Release()
		}
		delete(s.held, uid)
	}
}

// content is the page up to its first zero byte.
func content(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}
