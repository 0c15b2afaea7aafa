package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/haukened/shelf/internal/app"
	"github.com/haukened/shelf/internal/domain"
	"github.com/haukened/shelf/internal/metrics"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultCacheSize        = 100
	DefaultCacheTTL         = 30 * time.Minute
	DefaultMaxFetchAttempts = 3
	DefaultFetchTimeout     = 30 * time.Second
)

// Options tunes a Repository.
type Options struct {
	CacheSize        int           // memory tier capacity (entries)
	CacheTTL         time.Duration // memory tier entry lifetime
	MaxFetchAttempts int           // chapter-list population attempts per book before giving up
	FetchTimeout     time.Duration // deadline for one chapter-list fetch
	Logger           *slog.Logger
	Metrics          app.Metrics
}

// Repository is the metadata cache facade. It keeps an LRU memory tier with
// per-entry TTL in front of the detail and index stores, and lazily
// populates missing chapter lists from the Fetcher under a per-book retry
// budget.
//
// Read paths never fail: they log and return whatever is available. Write
// paths log and return the error. Writes for the same book from two
// goroutines are last-writer-wins; only file-level atomicity is guaranteed.
type Repository struct {
	index        IndexStore
	details      DetailStore
	fetcher      app.Fetcher
	clock        app.Clock
	logger       *slog.Logger
	metrics      app.Metrics
	fetchTimeout time.Duration

	cache   *expirable.LRU[string, domain.Book]
	tracker *tracker
	flight  singleflight.Group
	indexMu sync.Mutex // serializes index read-modify-write
}

// New returns a Repository over the given stores. A nil fetcher disables
// chapter population.
func New(index IndexStore, details DetailStore, fetcher app.Fetcher, clock app.Clock, opts Options) *Repository {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.MaxFetchAttempts <= 0 {
		opts.MaxFetchAttempts = DefaultMaxFetchAttempts
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = app.NopMetrics{}
	}
	if fetcher == nil {
		fetcher = app.NoFetcher{}
	}
	if clock == nil {
		clock = app.SystemClock{}
	}
	return &Repository{
		index:        index,
		details:      details,
		fetcher:      fetcher,
		clock:        clock,
		logger:       opts.Logger.With("domain", "books"),
		metrics:      opts.Metrics,
		fetchTimeout: opts.FetchTimeout,
		cache:        expirable.NewLRU[string, domain.Book](opts.CacheSize, nil, opts.CacheTTL),
		tracker:      newTracker(opts.MaxFetchAttempts),
	}
}

// Get returns the book for id. A cached book with chapters is returned
// directly. Otherwise the detail store is consulted (recovering from the
// index or quarantining as needed) and, when the chapter list is still
// empty, population is attempted within the retry budget. ok is false only
// when the book is unknown to both stores.
func (r *Repository) Get(ctx context.Context, id string) (domain.Book, bool) {
	if _, err := domain.ParseID(id); err != nil {
		r.logger.Warn("get with invalid id", "id", id)
		return domain.Book{}, false
	}
	if b, ok := r.cache.Get(id); ok {
		if b.HasChapters() {
			return b.Clone(), true
		}
		return r.populate(ctx, b, true).Clone(), true
	}

	b, ok := r.load(id)
	if !ok {
		return domain.Book{}, false
	}
	if !b.HasChapters() && b.SourceURL != "" {
		b = r.populate(ctx, b, false)
	}
	r.cache.Add(id, b.Clone())
	return b.Clone(), true
}

// GetNoWait returns whatever is available for id without waiting on the
// fetcher. When the chapter list is missing, population continues in the
// background and a later Get observes the result.
func (r *Repository) GetNoWait(ctx context.Context, id string) (domain.Book, bool) {
	if _, err := domain.ParseID(id); err != nil {
		return domain.Book{}, false
	}
	if b, ok := r.cache.Get(id); ok && b.HasChapters() {
		return b.Clone(), true
	}
	go r.Get(context.WithoutCancel(ctx), id)

	if b, ok := r.cache.Peek(id); ok {
		return b.Clone(), true
	}
	if rec, ok := r.lookupIndex(id); ok {
		return rec.Book(), true
	}
	return domain.Book{}, false
}

// load reads id from the detail store, repairing what it can.
func (r *Repository) load(id string) (domain.Book, bool) {
	b, err := r.details.Read(id)
	switch {
	case err == nil:
		return b, true
	case errors.Is(err, domain.ErrNotFound):
		return r.recoverFromIndex(id)
	case errors.Is(err, domain.ErrCorrupted):
		r.logger.Warn("corrupted details", "id", id, "err", err)
		return r.quarantine(id), true
	default:
		r.logger.Warn("details unavailable, serving index record", "id", id, "err", err)
		rec, ok := r.lookupIndex(id)
		if !ok {
			return domain.Book{}, false
		}
		return rec.Book(), true
	}
}

// recoverFromIndex rebuilds a minimal details record from the index.
func (r *Repository) recoverFromIndex(id string) (domain.Book, bool) {
	rec, ok := r.lookupIndex(id)
	if !ok {
		return domain.Book{}, false
	}
	b := rec.Book()
	if err := r.details.Write(id, b); err != nil {
		r.logger.Warn("recovered details not persisted", "id", id, "err", err)
	} else {
		r.logger.Info("details recovered from index", "id", id)
	}
	r.metrics.Inc(metrics.CounterBooksRecovered, 1)
	return b, true
}

// quarantine moves a corrupted payload aside and replaces it with a minimal
// record from the index, or a placeholder when the index has none.
func (r *Repository) quarantine(id string) domain.Book {
	rec, inIndex := r.lookupIndex(id)
	b := domain.Placeholder(id, r.clock.Now())
	if inIndex {
		b = rec.Book()
	}
	backup, err := r.details.Quarantine(id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logger.Error("quarantine failed, serving unpersisted record", "id", id, "err", err)
		return b
	}
	if err := r.details.Write(id, b); err != nil {
		r.logger.Warn("replacement details not persisted", "id", id, "err", err)
	}
	if !inIndex {
		if err := r.upsertIndex(b); err != nil {
			r.logger.Warn("placeholder not indexed", "id", id, "err", err)
		}
	}
	r.metrics.Inc(metrics.CounterBooksQuarantined, 1)
	r.logger.Warn("book quarantined", "id", id, "backup", backup, "from_index", inIndex)
	return b
}

// populate attempts to fill b's chapter list. It always returns a usable
// book: the merged one on success, b unchanged otherwise.
func (r *Repository) populate(ctx context.Context, b domain.Book, fromMemory bool) domain.Book {
	id := b.ID
	if !r.tracker.begin(id) {
		return b
	}
	if fromMemory {
		fresh, err := r.details.Read(id)
		if err == nil {
			if fresh.HasChapters() {
				r.tracker.finish(id, StateSucceeded)
				r.cache.Add(id, fresh.Clone())
				return fresh
			}
			b = fresh
		}
	}
	if b.SourceURL == "" {
		r.tracker.finish(id, StateFailed)
		return b
	}

	chapters, err := r.fetchChapters(ctx, b)
	if err != nil {
		state := StateFailed
		if errors.Is(err, context.DeadlineExceeded) {
			state = StateTimedOut
		}
		r.tracker.finish(id, state)
		r.metrics.Inc(metrics.CounterFetchFailures, 1)
		r.logger.Warn("chapter list population failed", "id", id, "attempt", r.tracker.attempts(id), "state", state, "err", err)
		return b
	}

	merged := b.WithChapters(chapters)
	if err := r.persist(merged); err != nil {
		r.logger.Warn("chapters fetched but not persisted", "id", id, "err", err)
	}
	r.cache.Add(id, merged.Clone())
	r.tracker.finish(id, StateSucceeded)
	r.logger.Debug("chapter list populated", "id", id, "chapters", len(chapters))
	return merged
}

// fetchChapters runs one bounded fetch. Concurrent callers for the same book
// share a single in-flight request.
func (r *Repository) fetchChapters(ctx context.Context, b domain.Book) ([]domain.Chapter, error) {
	v, err, _ := r.flight.Do(b.ID, func() (any, error) {
		r.metrics.Inc(metrics.CounterFetchAttempts, 1)
		fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
		chapters, err := r.fetcher.FetchChapterList(fctx, b)
		if err != nil {
			return nil, err
		}
		if len(chapters) == 0 {
			return nil, domain.ErrNoChapters
		}
		return chapters, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Chapter), nil
}

// Add persists a new book and places it in the memory tier.
func (r *Repository) Add(ctx context.Context, b domain.Book) error {
	if err := domain.ValidateBook(b); err != nil {
		r.logger.Warn("add rejected", "id", b.ID, "err", err)
		return err
	}
	b = b.Clone()
	if b.CreatedAt == 0 {
		b.CreatedAt = r.clock.Now().UnixMilli()
	}
	return r.store(b)
}

// Update persists b. An update without chapters keeps the chapters already
// stored for the book; metadata-only updates never drop them.
func (r *Repository) Update(ctx context.Context, b domain.Book) error {
	if err := domain.ValidateBook(b); err != nil {
		r.logger.Warn("update rejected", "id", b.ID, "err", err)
		return err
	}
	b = b.Clone()
	if prev, ok := r.previous(b.ID); ok {
		if !b.HasChapters() && prev.HasChapters() {
			b.Chapters = prev.Clone().Chapters
		}
		if b.CreatedAt == 0 {
			b.CreatedAt = prev.CreatedAt
		}
	}
	if b.CreatedAt == 0 {
		b.CreatedAt = r.clock.Now().UnixMilli()
	}
	return r.store(b)
}

// previous returns the currently known version of id, memory first.
func (r *Repository) previous(id string) (domain.Book, bool) {
	if b, ok := r.cache.Peek(id); ok && b.HasChapters() {
		return b, true
	}
	b, err := r.details.Read(id)
	if err != nil {
		return domain.Book{}, false
	}
	return b, true
}

func (r *Repository) store(b domain.Book) error {
	if err := r.details.Write(b.ID, b); err != nil {
		r.logger.Error("details write failed", "id", b.ID, "err", err)
		return err
	}
	r.cache.Add(b.ID, b.Clone())
	if err := r.upsertIndex(b); err != nil {
		r.logger.Error("index update failed", "id", b.ID, "err", err)
		return err
	}
	return nil
}

// Remove deletes the book's directory and index record and forgets it.
// Removing an unknown book is not an error.
func (r *Repository) Remove(ctx context.Context, id string) error {
	if _, err := domain.ParseID(id); err != nil {
		return err
	}
	r.cache.Remove(id)
	r.tracker.reset(id)
	var errs []error
	if err := r.details.Delete(id); err != nil {
		r.logger.Error("details delete failed", "id", id, "err", err)
		errs = append(errs, err)
	}
	if err := r.removeFromIndex(id); err != nil {
		r.logger.Error("index removal failed", "id", id, "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ListAll returns every indexed book, most recently read first. Without
// details the books come straight from the index (no chapters, no fetch);
// with details each one goes through Get.
func (r *Repository) ListAll(ctx context.Context, includeDetails bool) []domain.Book {
	records, err := r.index.ReadAll()
	if err != nil {
		r.logger.Warn("index unavailable", "err", err)
		return nil
	}
	books := make([]domain.Book, 0, len(records))
	for _, rec := range records {
		if !includeDetails {
			books = append(books, rec.Book())
			continue
		}
		if b, ok := r.Get(ctx, rec.ID); ok {
			books = append(books, b)
		} else {
			books = append(books, rec.Book())
		}
	}
	sort.SliceStable(books, func(i, j int) bool { return books[i].LastReadAt > books[j].LastReadAt })
	return books
}

// ScanAndQuarantineCorrupted checks every indexed book's details and
// quarantines the corrupted ones. It returns the number quarantined.
func (r *Repository) ScanAndQuarantineCorrupted(ctx context.Context) int {
	records, err := r.index.ReadAll()
	if err != nil {
		r.logger.Warn("index unavailable", "err", err)
		return 0
	}
	n := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.details.Read(rec.ID); !errors.Is(err, domain.ErrCorrupted) {
			continue
		}
		r.cache.Remove(rec.ID)
		r.quarantine(rec.ID)
		n++
	}
	r.logger.Info("corruption scan complete", "scanned", len(records), "quarantined", n)
	return n
}

// RepairInconsistentProgress applies domain.RepairProgress to every stored
// book and persists the ones that changed. It returns the number repaired.
func (r *Repository) RepairInconsistentProgress(ctx context.Context) int {
	records, err := r.index.ReadAll()
	if err != nil {
		r.logger.Warn("index unavailable", "err", err)
		return 0
	}
	now := r.clock.Now()
	n := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		b, err := r.details.Read(rec.ID)
		if err != nil {
			continue
		}
		if !domain.RepairProgress(&b, now) {
			continue
		}
		if err := r.store(b); err != nil {
			continue
		}
		n++
	}
	r.logger.Info("progress repair complete", "scanned", len(records), "repaired", n)
	return n
}

// Reset drops the memory tier and every retry counter.
func (r *Repository) Reset() {
	r.cache.Purge()
	r.tracker.resetAll()
}

// RetryCount returns the population attempts consumed for id since the last
// success or reset.
func (r *Repository) RetryCount(id string) int { return r.tracker.attempts(id) }

// PopulationState returns the outcome of the latest population attempt.
func (r *Repository) PopulationState(id string) PopulationState { return r.tracker.state(id) }

func (r *Repository) lookupIndex(id string) (domain.IndexRecord, bool) {
	records, err := r.index.ReadAll()
	if err != nil {
		r.logger.Warn("index unavailable", "err", err)
		return domain.IndexRecord{}, false
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, true
		}
	}
	return domain.IndexRecord{}, false
}

func (r *Repository) persist(b domain.Book) error {
	if err := r.details.Write(b.ID, b); err != nil {
		return err
	}
	return r.upsertIndex(b)
}

func (r *Repository) upsertIndex(b domain.Book) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	records, err := r.index.ReadAll()
	if err != nil {
		return err
	}
	rec := domain.RecordFromBook(b)
	for i := range records {
		if records[i].ID == b.ID {
			records[i] = rec
			return r.index.WriteAll(records)
		}
	}
	return r.index.WriteAll(append(records, rec))
}

func (r *Repository) removeFromIndex(id string) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	records, err := r.index.ReadAll()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	if len(kept) == len(records) {
		return nil
	}
	return r.index.WriteAll(kept)
}
