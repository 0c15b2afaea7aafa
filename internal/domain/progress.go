package domain

import "time"

// Progress is one row of the reading progress table, keyed by book ID.
type Progress struct {
	BookID         string
	ChapterLocator string
	ChapterLabel   string
	Position       int
	Page           int
	Finished       bool
	UpdatedAt      time.Time
}

// ApplyProgress copies a progress row onto b and re-derives the chapter index.
func ApplyProgress(b Book, p Progress) Book {
	b.LastReadChapterID = p.ChapterLocator
	b.LastReadChapterLabel = p.ChapterLabel
	b.LastReadPosition = p.Position
	b.LastReadPage = p.Page
	b.Finished = p.Finished
	b.LastReadAt = p.UpdatedAt.UnixMilli()
	b.CurrentChapterIndex = b.ChapterIndex(p.ChapterLocator)
	return b
}

// RepairProgress fixes inconsistent reading-position fields in place and
// reports whether anything changed:
//   - a missing chapter locator is derived from the chapter label
//   - the current index is derived from the locator, and reset to 0 when
//     the locator names no chapter
//   - a negative position becomes 0, a non-positive page becomes 1
//   - a missing last-read time becomes now
func RepairProgress(b *Book, now time.Time) bool {
	changed := false
	if b.LastReadChapterID == "" && b.LastReadChapterLabel != "" {
		for _, c := range b.Chapters {
			if c.Label == b.LastReadChapterLabel {
				b.LastReadChapterID = c.Locator
				changed = true
				break
			}
		}
	}
	if len(b.Chapters) > 0 {
		if idx := b.ChapterIndex(b.LastReadChapterID); idx != b.CurrentChapterIndex {
			b.CurrentChapterIndex = idx
			changed = true
		}
	}
	if b.LastReadPosition < 0 {
		b.LastReadPosition = 0
		changed = true
	}
	if b.LastReadPage <= 0 {
		b.LastReadPage = 1
		changed = true
	}
	if b.LastReadAt <= 0 {
		b.LastReadAt = now.UnixMilli()
		changed = true
	}
	return changed
}
