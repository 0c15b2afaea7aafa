package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/haukened/shelf/internal/domain"
)

// Library composes the book repository, chapter cache, progress store and
// content fetcher into the operations a reader shell calls.
type Library struct {
	Books    BookRepository
	Chapters ChapterCache
	Progress ProgressStore
	Fetcher  Fetcher
	Clock    Clock
	Logger   *slog.Logger
}

func (l *Library) log() *slog.Logger {
	if l.Logger == nil {
		return slog.Default().With("domain", "library")
	}
	return l.Logger.With("domain", "library")
}

func (l *Library) clock() Clock {
	if l.Clock == nil {
		return SystemClock{}
	}
	return l.Clock
}

// Open returns the book for id with the newest known reading position. A
// progress row saved after the book's own last-read time wins.
func (l *Library) Open(ctx context.Context, id string) (domain.Book, error) {
	if _, err := domain.ParseID(id); err != nil {
		return domain.Book{}, err
	}
	b, ok := l.Books.Get(ctx, id)
	if !ok {
		return domain.Book{}, domain.ErrNotFound
	}
	p, err := l.Progress.Get(ctx, id)
	switch {
	case err == nil:
		if p.UpdatedAt.UnixMilli() > b.LastReadAt {
			b = domain.ApplyProgress(b, p)
		}
	case !errors.Is(err, domain.ErrNotFound):
		l.log().Warn("progress unavailable", "id", id, "err", err)
	}
	return b, nil
}

// ReadChapter returns chapter text from the cache, fetching and caching it
// on a miss. When the fetch fails, expired cached text is served instead.
func (l *Library) ReadChapter(ctx context.Context, id, locator string) (string, error) {
	if _, err := domain.ParseID(id); err != nil {
		return "", err
	}
	if text, ok := l.Chapters.Get(id, locator); ok {
		return text, nil
	}
	fetcher := l.Fetcher
	if fetcher == nil {
		fetcher = NoFetcher{}
	}
	text, err := fetcher.FetchChapterText(ctx, locator)
	if err != nil {
		if stale, ok := l.Chapters.GetIgnoringExpiry(id, locator); ok {
			l.log().Warn("chapter fetch failed, serving stale text", "id", id, "locator", locator, "err", err)
			return stale, nil
		}
		return "", err
	}
	if err := l.Chapters.Put(id, locator, text); err != nil {
		l.log().Warn("chapter not cached", "id", id, "locator", locator, "err", err)
	}
	return text, nil
}

// SaveProgress records a reading position on the book and in the progress
// table.
func (l *Library) SaveProgress(ctx context.Context, p domain.Progress) error {
	if _, err := domain.ParseID(p.BookID); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = l.clock().Now()
	}
	b, ok := l.Books.Get(ctx, p.BookID)
	if !ok {
		return domain.ErrNotFound
	}
	b = domain.ApplyProgress(b, p)
	domain.RepairProgress(&b, p.UpdatedAt)
	if err := l.Books.Update(ctx, b); err != nil {
		return err
	}
	p.Position = b.LastReadPosition
	p.Page = b.LastReadPage
	return l.Progress.Upsert(ctx, p)
}

// Resume opens the book read most recently.
func (l *Library) Resume(ctx context.Context) (domain.Book, error) {
	p, err := l.Progress.MostRecent(ctx)
	if err != nil {
		return domain.Book{}, err
	}
	return l.Open(ctx, p.BookID)
}

// RemoveBook deletes a book's metadata, cached chapters and progress row.
// Every step runs even when an earlier one fails.
func (l *Library) RemoveBook(ctx context.Context, id string) error {
	if _, err := domain.ParseID(id); err != nil {
		return err
	}
	return errors.Join(
		l.Books.Remove(ctx, id),
		l.Chapters.Clear(id),
		l.Progress.Delete(ctx, id),
	)
}
