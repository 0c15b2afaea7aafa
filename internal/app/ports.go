// Package app defines the application layer "ports" (interfaces) that the
// persistence core depends on and the Library service that composes them. It
// follows a hexagonal (ports & adapters) design: this package declares what
// the core needs, while adapter packages (filesystem metadata stores, the
// chapter cache, SQLite progress store, janitor jobs, resilient fetchers)
// provide concrete implementations.
package app

import (
	"context"
	"time"

	"github.com/haukened/shelf/internal/domain"
)

// Clock abstracts time to enable deterministic testing of TTL / expiry logic.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// SystemClock implements Clock using time.Now.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Fetcher is the external content source. Both calls may block on the
// network, fail or time out; implementations must honor ctx.
type Fetcher interface {
	// FetchChapterList returns the ordered chapter list for the book's source.
	FetchChapterList(ctx context.Context, book domain.Book) ([]domain.Chapter, error)
	// FetchChapterText returns the raw text behind a chapter locator.
	FetchChapterText(ctx context.Context, locator string) (string, error)
}

// NoFetcher is used when no content source is wired (maintenance tooling).
// Every call fails with domain.ErrFetcherUnavailable.
type NoFetcher struct{}

// FetchChapterList always fails.
func (NoFetcher) FetchChapterList(context.Context, domain.Book) ([]domain.Chapter, error) {
	return nil, domain.ErrFetcherUnavailable
}

// FetchChapterText always fails.
func (NoFetcher) FetchChapterText(context.Context, string) (string, error) {
	return "", domain.ErrFetcherUnavailable
}

// Settings supplies the chapter cache limits. Values are read on every use
// so changes made at runtime take effect on the next lookup or sweep.
// Implementations substitute safe defaults for unset or non-positive values.
type Settings interface {
	MaxCacheSizeBytes() int64
	CacheExpiry() time.Duration
}

// Metrics receives operational counters and summary observations.
type Metrics interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

// Inc is a no-op.
func (NopMetrics) Inc(string, int64) {}

// Observe is a no-op.
func (NopMetrics) Observe(string, int64) {}

// ProgressStore is the secondary single-row-per-book progress table.
type ProgressStore interface {
	Upsert(ctx context.Context, p domain.Progress) error
	// Get returns domain.ErrNotFound when no row exists.
	Get(ctx context.Context, bookID string) (domain.Progress, error)
	// MostRecent returns domain.ErrNotFound when the table is empty.
	MostRecent(ctx context.Context) (domain.Progress, error)
	Delete(ctx context.Context, bookID string) error
}

// SweepReport summarizes one chapter cache maintenance sweep.
type SweepReport struct {
	Skipped     bool // another sweep was already running
	Expired     int  // files removed for exceeding the TTL
	Evicted     int  // files removed to get under the size cap
	DirsRemoved int
	BytesFreed  int64
	BytesInUse  int64 // total disk usage after the sweep
	Duration    time.Duration
}

// BookRepository is the metadata cache facade the Library reads through.
// Get never fails; ok is false only when the book is unknown.
type BookRepository interface {
	Get(ctx context.Context, id string) (domain.Book, bool)
	Update(ctx context.Context, b domain.Book) error
	Remove(ctx context.Context, id string) error
}

// ChapterCache holds fetched chapter text.
type ChapterCache interface {
	Get(bookID, locator string) (string, bool)
	GetIgnoringExpiry(bookID, locator string) (string, bool)
	Put(bookID, locator, text string) error
	Clear(bookID string) error
}
