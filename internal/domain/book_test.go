package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBook() Book {
	return Book{
		ID:                "b1",
		Title:             "T",
		Author:            "A",
		SourceURL:         "https://example.com/b1",
		CreatedAt:         1000,
		LastReadChapterID: "c2",
		LastReadPage:      3,
		LastReadAt:        2000,
		Chapters: []Chapter{
			{Label: "One", Locator: "c1"},
			{Label: "Two", Locator: "c2"},
		},
	}
}

func TestRecordRoundTripDropsChapters(t *testing.T) {
	b := sampleBook()
	rec := RecordFromBook(b)
	assert.Equal(t, b.ID, rec.ID)
	assert.Equal(t, b.SourceURL, rec.SourceURL)
	assert.Equal(t, b.LastReadPage, rec.LastReadPage)

	back := rec.Book()
	assert.Empty(t, back.Chapters)
	b.Chapters = nil
	assert.Equal(t, b, back)
}

func TestCloneDoesNotShareChapters(t *testing.T) {
	b := sampleBook()
	c := b.Clone()
	c.Chapters[0].Label = "changed"
	assert.Equal(t, "One", b.Chapters[0].Label)

	empty := Book{ID: "x"}
	assert.Nil(t, empty.Clone().Chapters)
}

func TestChapterIndex(t *testing.T) {
	b := sampleBook()
	assert.Equal(t, 1, b.ChapterIndex("c1"))
	assert.Equal(t, 2, b.ChapterIndex("c2"))
	assert.Equal(t, 0, b.ChapterIndex("missing"))
	assert.Equal(t, 0, b.ChapterIndex(""))
}

func TestWithChapters(t *testing.T) {
	b := sampleBook()
	b.Chapters = nil
	got := b.WithChapters([]Chapter{{"One", "c1"}, {"Two", "c2"}, {"Three", "c3"}})
	assert.Equal(t, 3, got.TotalChapterCount)
	assert.Equal(t, "Three", got.LastChapterLabel)
	assert.Equal(t, 2, got.CurrentChapterIndex)
	assert.Len(t, got.Chapters, 3)
}

func TestPlaceholder(t *testing.T) {
	now := time.UnixMilli(5000)
	p := Placeholder("gone", now)
	assert.Equal(t, "gone", p.ID)
	assert.Equal(t, "Unknown", p.Title)
	assert.Equal(t, int64(5000), p.CreatedAt)
	assert.Equal(t, 1, p.LastReadPage)
	assert.NoError(t, ValidateBook(p))
}

func TestValidateBook(t *testing.T) {
	require.NoError(t, ValidateBook(sampleBook()))

	noID := sampleBook()
	noID.ID = ""
	assert.True(t, errors.Is(ValidateBook(noID), ErrInvalidID))

	badURL := sampleBook()
	badURL.SourceURL = "not a url"
	assert.Error(t, ValidateBook(badURL))

	noURL := sampleBook()
	noURL.SourceURL = ""
	assert.NoError(t, ValidateBook(noURL))
}
