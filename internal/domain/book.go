// Package domain book.go defines the tracked book, its chapter list and the
// lightweight index projection used for listing.
package domain

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Chapter is one entry of a book's ordered chapter list.
type Chapter struct {
	Label   string `json:"label"`
	Locator string `json:"locator"`
}

// Book is the full metadata record persisted in details.json. Timestamps are
// epoch milliseconds to keep the on-disk format stable.
type Book struct {
	ID                   string    `json:"id" validate:"required"`
	Title                string    `json:"title"`
	Author               string    `json:"author"`
	SourceURL            string    `json:"sourceLocation" validate:"omitempty,url"`
	CreatedAt            int64     `json:"createdAt"`
	LastChapterLabel     string    `json:"lastChapterLabel"`
	TotalChapterCount    int       `json:"totalChapterCount" validate:"gte=0"`
	Finished             bool      `json:"finished"`
	LastReadChapterID    string    `json:"lastReadChapterId"`
	LastReadChapterLabel string    `json:"lastReadChapterLabel"`
	LastReadPosition     int       `json:"lastReadPosition"`
	LastReadPage         int       `json:"lastReadPage"`
	CurrentChapterIndex  int       `json:"currentChapterIndex" validate:"gte=0"`
	LastReadAt           int64     `json:"lastReadAt"`
	Chapters             []Chapter `json:"chapters"`
}

// IndexRecord is the projection of Book without chapters. index.json holds
// one per book.
type IndexRecord struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Author               string `json:"author"`
	SourceURL            string `json:"sourceLocation"`
	CreatedAt            int64  `json:"createdAt"`
	LastChapterLabel     string `json:"lastChapterLabel"`
	TotalChapterCount    int    `json:"totalChapterCount"`
	Finished             bool   `json:"finished"`
	LastReadChapterID    string `json:"lastReadChapterId"`
	LastReadChapterLabel string `json:"lastReadChapterLabel"`
	LastReadPosition     int    `json:"lastReadPosition"`
	LastReadPage         int    `json:"lastReadPage"`
	CurrentChapterIndex  int    `json:"currentChapterIndex"`
	LastReadAt           int64  `json:"lastReadAt"`
}

// RecordFromBook is the only place the index projection is derived.
func RecordFromBook(b Book) IndexRecord {
	return IndexRecord{
		ID:                   b.ID,
		Title:                b.Title,
		Author:               b.Author,
		SourceURL:            b.SourceURL,
		CreatedAt:            b.CreatedAt,
		LastChapterLabel:     b.LastChapterLabel,
		TotalChapterCount:    b.TotalChapterCount,
		Finished:             b.Finished,
		LastReadChapterID:    b.LastReadChapterID,
		LastReadChapterLabel: b.LastReadChapterLabel,
		LastReadPosition:     b.LastReadPosition,
		LastReadPage:         b.LastReadPage,
		CurrentChapterIndex:  b.CurrentChapterIndex,
		LastReadAt:           b.LastReadAt,
	}
}

// Book returns the minimal Book described by the record. Chapters are left
// empty so population can fill them in later.
func (r IndexRecord) Book() Book {
	return Book{
		ID:                   r.ID,
		Title:                r.Title,
		Author:               r.Author,
		SourceURL:            r.SourceURL,
		CreatedAt:            r.CreatedAt,
		LastChapterLabel:     r.LastChapterLabel,
		TotalChapterCount:    r.TotalChapterCount,
		Finished:             r.Finished,
		LastReadChapterID:    r.LastReadChapterID,
		LastReadChapterLabel: r.LastReadChapterLabel,
		LastReadPosition:     r.LastReadPosition,
		LastReadPage:         r.LastReadPage,
		CurrentChapterIndex:  r.CurrentChapterIndex,
		LastReadAt:           r.LastReadAt,
	}
}

// Placeholder builds the record used when a corrupted book has no index entry
// to recover from.
func Placeholder(id string, now time.Time) Book {
	ms := now.UnixMilli()
	return Book{ID: id, Title: "Unknown", CreatedAt: ms, LastReadPage: 1, LastReadAt: ms}
}

// Clone returns a copy that shares no chapter storage with b.
func (b Book) Clone() Book {
	if b.Chapters != nil {
		b.Chapters = append([]Chapter(nil), b.Chapters...)
	}
	return b
}

// HasChapters reports whether the chapter list has been populated.
func (b Book) HasChapters() bool { return len(b.Chapters) > 0 }

// ChapterIndex returns the 1-based position of locator, or 0 when absent.
func (b Book) ChapterIndex(locator string) int {
	if locator == "" {
		return 0
	}
	for i, c := range b.Chapters {
		if c.Locator == locator {
			return i + 1
		}
	}
	return 0
}

// WithChapters returns b with chapters replaced and the derived counters
// (total, last label, current index) brought in line with the new list.
func (b Book) WithChapters(chapters []Chapter) Book {
	b.Chapters = append([]Chapter(nil), chapters...)
	b.TotalChapterCount = len(chapters)
	if n := len(chapters); n > 0 {
		b.LastChapterLabel = chapters[n-1].Label
	}
	b.CurrentChapterIndex = b.ChapterIndex(b.LastReadChapterID)
	return b
}

var bookValidator = validator.New()

// ValidateBook checks the structural rules every persisted Book must satisfy.
func ValidateBook(b Book) error {
	if _, err := ParseID(b.ID); err != nil {
		return err
	}
	return bookValidator.Struct(b)
}
