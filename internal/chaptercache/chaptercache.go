// Package chaptercache is the two-tier cache for fetched chapter text: an
// in-memory map in front of one file per chapter, grouped by book, under
// <base>/cache/chapter_cache. File modification time drives both expiry and
// size-bounded eviction.
package chaptercache

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/shelf/internal/app"
	"github.com/haukened/shelf/internal/atomicfile"
	"github.com/haukened/shelf/internal/domain"
	"github.com/haukened/shelf/internal/metrics"
)

// Limits applied when the settings provider reports a non-positive value.
const (
	DefaultMaxSize = 100 << 20
	DefaultExpiry  = 7 * 24 * time.Hour
)

const (
	cacheDir   = "cache"
	chapterDir = "chapter_cache"
	filePerm   = 0o644

	// sweeps trim usage down to this share of the cap
	targetNumerator   = 8
	targetDenominator = 10
)

// Config wires a Cache.
type Config struct {
	Root     string // data directory; the cache lives below it
	Settings app.Settings
	Clock    app.Clock
	Logger   *slog.Logger
	Metrics  app.Metrics
}

// Cache stores chapter text keyed by (book id, chapter locator).
type Cache struct {
	root     string
	settings app.Settings
	clock    app.Clock
	log      *slog.Logger
	metrics  app.Metrics

	mu  sync.RWMutex
	mem map[string]string // keyed by path relative to root

	sweeping atomic.Bool
}

// New returns a Cache rooted below cfg.Root, creating the directory.
func New(cfg Config) (*Cache, error) {
	if cfg.Root == "" {
		return nil, errors.New("chapter cache root is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = app.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = app.NopMetrics{}
	}
	c := &Cache{
		root:     Dir(cfg.Root),
		settings: cfg.Settings,
		clock:    cfg.Clock,
		log:      cfg.Logger.With("domain", "chaptercache"),
		metrics:  cfg.Metrics,
		mem:      make(map[string]string),
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the cache directory for a data directory.
func Dir(base string) string { return filepath.Join(base, cacheDir, chapterDir) }

// key maps a chapter to its path relative to the cache root. The file name
// is the hex sha256 of the locator.
func key(bookID, locator string) (string, bool) {
	if _, err := domain.ParseID(bookID); err != nil || locator == "" {
		return "", false
	}
	return filepath.Join(domain.SafeID(bookID), domain.HashKey(locator)), true
}

func (c *Cache) maxSize() int64 {
	if c.settings == nil {
		return DefaultMaxSize
	}
	if n := c.settings.MaxCacheSizeBytes(); n > 0 {
		return n
	}
	return DefaultMaxSize
}

func (c *Cache) expiry() time.Duration {
	if c.settings == nil {
		return DefaultExpiry
	}
	if d := c.settings.CacheExpiry(); d > 0 {
		return d
	}
	return DefaultExpiry
}

// Get returns cached text, treating disk entries older than the expiry as
// missing.
func (c *Cache) Get(bookID, locator string) (string, bool) {
	return c.get(bookID, locator, true)
}

// GetIgnoringExpiry returns cached text regardless of age. Callers use it
// when a live fetch failed and stale text beats none.
func (c *Cache) GetIgnoringExpiry(bookID, locator string) (string, bool) {
	return c.get(bookID, locator, false)
}

func (c *Cache) get(bookID, locator string, checkExpiry bool) (string, bool) {
	k, ok := key(bookID, locator)
	if !ok {
		return "", false
	}
	c.mu.RLock()
	text, ok := c.mem[k]
	c.mu.RUnlock()
	if ok {
		c.metrics.Inc(metrics.CounterChapterHits, 1)
		return text, true
	}

	p := filepath.Join(c.root, k)
	info, err := os.Stat(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("stat cache entry", "path", p, "err", err)
		}
		c.metrics.Inc(metrics.CounterChapterMisses, 1)
		return "", false
	}
	if checkExpiry && c.expired(info.ModTime()) {
		c.metrics.Inc(metrics.CounterChapterMisses, 1)
		return "", false
	}
	data, err := atomicfile.Read(p)
	if err != nil || len(data) == 0 {
		if err != nil {
			c.log.Warn("read cache entry", "path", p, "err", err)
		}
		c.metrics.Inc(metrics.CounterChapterMisses, 1)
		return "", false
	}
	text = string(data)
	c.mu.Lock()
	c.mem[k] = text
	c.mu.Unlock()
	c.metrics.Inc(metrics.CounterChapterHits, 1)
	c.log.Debug("cache hit from disk", "book", bookID, "path", p)
	return text, true
}

func (c *Cache) expired(mod time.Time) bool {
	return c.clock.Now().Sub(mod) > c.expiry()
}

// Put stores text in memory and on disk. Empty text is ignored. The memory
// entry is visible even when the disk write fails.
func (c *Cache) Put(bookID, locator, text string) error {
	if text == "" {
		return nil
	}
	k, ok := key(bookID, locator)
	if !ok {
		return domain.ErrInvalidID
	}
	c.mu.Lock()
	c.mem[k] = text
	c.mu.Unlock()
	p := filepath.Join(c.root, k)
	if err := atomicfile.Write(p, []byte(text), filePerm); err != nil {
		c.log.Warn("cache entry not persisted", "path", p, "err", err)
		return err
	}
	return nil
}

// Clear drops every cached chapter of one book.
func (c *Cache) Clear(bookID string) error {
	if _, err := domain.ParseID(bookID); err != nil {
		return err
	}
	dir := domain.SafeID(bookID)
	c.forgetPrefix(dir + string(filepath.Separator))
	if err := os.RemoveAll(filepath.Join(c.root, dir)); err != nil {
		c.log.Warn("clear book cache", "book", bookID, "err", err)
		return err
	}
	return nil
}

// ClearAll drops the whole cache and recreates an empty root.
func (c *Cache) ClearAll() error {
	c.mu.Lock()
	c.mem = make(map[string]string)
	c.mu.Unlock()
	if err := os.RemoveAll(c.root); err != nil {
		c.log.Warn("clear cache", "err", err)
		return err
	}
	return os.MkdirAll(c.root, 0o755)
}

func (c *Cache) forget(k string) {
	c.mu.Lock()
	delete(c.mem, k)
	c.mu.Unlock()
}

func (c *Cache) forgetPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.mem {
		if strings.HasPrefix(k, prefix) {
			delete(c.mem, k)
		}
	}
}

// entry is one cache file seen by a scan.
type entry struct {
	rel  string
	size int64
	mod  time.Time
	temp bool // leftover from an interrupted write
}

// scan lists every regular file below the root.
func (c *Cache) scan(ctx context.Context) ([]entry, error) {
	var out []entry
	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // removed underneath us
		}
		rel, err := filepath.Rel(c.root, p)
		if err != nil {
			return err
		}
		out = append(out, entry{
			rel:  rel,
			size: info.Size(),
			mod:  info.ModTime(),
			temp: strings.HasSuffix(rel, atomicfile.TempSuffix),
		})
		return nil
	})
	return out, err
}

// Usage returns the bytes currently held on disk.
func (c *Cache) Usage(ctx context.Context) (int64, error) {
	entries, err := c.scan(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	return total, nil
}

// Sweep deletes expired entries, then evicts oldest-first until usage is at
// most 80% of the cap when it was over the cap, then removes empty book
// directories. A call made while another sweep runs returns immediately
// with Skipped set.
func (c *Cache) Sweep(ctx context.Context) (app.SweepReport, error) {
	if !c.sweeping.CompareAndSwap(false, true) {
		c.log.Debug("sweep already running")
		return app.SweepReport{Skipped: true}, nil
	}
	defer c.sweeping.Store(false)

	start := time.Now()
	var rep app.SweepReport
	entries, err := c.scan(ctx)
	if err != nil {
		c.log.Error("sweep scan", "err", err)
		return rep, err
	}

	// Unexpired temp files count toward usage but are never evicted.
	var total int64
	live := entries[:0]
	for _, e := range entries {
		if !c.expired(e.mod) {
			total += e.size
			if !e.temp {
				live = append(live, e)
			}
			continue
		}
		if c.remove(e) {
			rep.Expired++
			rep.BytesFreed += e.size
		}
	}
	limit := c.maxSize()
	if total > limit {
		target := limit / targetDenominator * targetNumerator
		sort.Slice(live, func(i, j int) bool {
			if !live[i].mod.Equal(live[j].mod) {
				return live[i].mod.Before(live[j].mod)
			}
			return live[i].rel < live[j].rel
		})
		for _, e := range live {
			if total <= target || ctx.Err() != nil {
				break
			}
			if c.remove(e) {
				rep.Evicted++
				rep.BytesFreed += e.size
				total -= e.size
			}
		}
	}
	rep.BytesInUse = total
	rep.DirsRemoved = c.removeEmptyDirs()
	rep.Duration = time.Since(start)

	c.metrics.Inc(metrics.CounterChapterExpiredDeleted, int64(rep.Expired))
	c.metrics.Inc(metrics.CounterChapterEvicted, int64(rep.Evicted))
	c.metrics.Observe(metrics.SummarySweepBytesFreed, rep.BytesFreed)
	c.metrics.Observe(metrics.SummarySweepDurationMs, rep.Duration.Milliseconds())
	c.log.Info("sweep complete",
		"expired", rep.Expired,
		"evicted", rep.Evicted,
		"dirs_removed", rep.DirsRemoved,
		"bytes_freed", rep.BytesFreed,
		"bytes_in_use", rep.BytesInUse,
		"ms", rep.Duration.Milliseconds(),
	)
	return rep, ctx.Err()
}

func (c *Cache) remove(e entry) bool {
	c.forget(e.rel)
	p := filepath.Join(c.root, e.rel)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.Warn("remove cache entry", "path", p, "err", err)
		return false
	}
	return true
}

// removeEmptyDirs deletes book directories that no longer hold files.
func (c *Cache) removeEmptyDirs() int {
	dirs, err := os.ReadDir(c.root)
	if err != nil {
		return 0
	}
	n := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		p := filepath.Join(c.root, d.Name())
		children, err := os.ReadDir(p)
		if err != nil || len(children) > 0 {
			continue
		}
		if err := os.Remove(p); err == nil {
			n++
		}
	}
	return n
}
