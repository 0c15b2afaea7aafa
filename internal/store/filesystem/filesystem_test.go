package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/shelf/internal/domain"
)

// fixedClock implements app.Clock for deterministic backup names.
type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

var testNow = time.UnixMilli(1700000000000)

func newIndex(t *testing.T) (*IndexFile, string) {
	t.Helper()
	base := t.TempDir()
	ix, err := NewIndex(base, fixedClock{testNow}, nil)
	require.NoError(t, err)
	return ix, base
}

func newDetails(t *testing.T) (*DetailFiles, string) {
	t.Helper()
	base := t.TempDir()
	d, err := NewDetails(base, fixedClock{testNow}, nil)
	require.NoError(t, err)
	return d, base
}

func TestNewRejectsFileRoot(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "books"), []byte("x"), 0o644))
	_, err := NewIndex(base, nil, nil)
	assert.Error(t, err)
	_, err = NewDetails(base, nil, nil)
	assert.Error(t, err)
}

func TestIndexMissingFileIsEmpty(t *testing.T) {
	ix, _ := newIndex(t)
	recs, err := ix.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestIndexWriteReadAll(t *testing.T) {
	ix, _ := newIndex(t)
	in := []domain.IndexRecord{
		{ID: "b1", Title: "One", LastReadAt: 10},
		{ID: "b2", Title: "Two", SourceURL: "https://example.com/2"},
	}
	require.NoError(t, ix.WriteAll(in))
	got, err := ix.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, in, got)

	require.NoError(t, ix.WriteAll(nil))
	raw, err := os.ReadFile(ix.Path())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

func TestIndexLenientDropsBadRecord(t *testing.T) {
	ix, _ := newIndex(t)
	payload := `[
		{"id":"b1","title":"One"},
		{"id":"b2","title":"Two","totalChapterCount":"twelve"},
		{"title":"no id"},
		{"id":"b3","title":"Three"}
	]`
	require.NoError(t, os.WriteFile(ix.Path(), []byte(payload), 0o644))

	got, err := ix.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b1", got[0].ID)
	assert.Equal(t, "b3", got[1].ID)
}

func TestIndexUnparseableIsBackedUp(t *testing.T) {
	ix, _ := newIndex(t)
	require.NoError(t, os.WriteFile(ix.Path(), []byte(`[{"id":"b1","ti`), 0o644))

	got, err := ix.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, got)

	backup := ix.Path() + ".corrupted.1700000000000"
	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"b1","ti`, string(data))
}

func TestDetailsReadMissing(t *testing.T) {
	d, _ := newDetails(t)
	_, err := d.Read("nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	_, err = d.Read("")
	assert.True(t, errors.Is(err, domain.ErrInvalidID), "got %v", err)
}

func TestDetailsWriteRead(t *testing.T) {
	d, base := newDetails(t)
	b := domain.Book{
		ID:       "https://example.com/book/1",
		Title:    "T",
		Chapters: []domain.Chapter{{Label: "One", Locator: "c1"}},
	}
	require.NoError(t, d.Write(b.ID, b))

	want := filepath.Join(base, "books", "https___example.com_book_1~"+domain.HashKey(b.ID)[:16], "details.json")
	assert.Equal(t, want, d.Path(b.ID))
	_, err := os.Stat(want)
	require.NoError(t, err)

	got, err := d.Read(b.ID)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	assert.Error(t, d.Write("other", b), "mismatched id must be rejected")
}

func TestDetailsReadFlagsCorruption(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"leaked node graph", `{"id":"b1","title":"T","chapters":[{"label":"x","locator":"y","element":{"childNodes":[],"siblingIndex":0}}]}`},
		{"owner document", `{"id":"b1","ownerDocument":{"parentNode":null}}`},
		{"truncated json", `{"id":"b1","tit`},
		{"wrong id", `{"id":"b2","title":"T"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newDetails(t)
			require.NoError(t, os.MkdirAll(d.Dir("b1"), 0o755))
			require.NoError(t, os.WriteFile(d.Path("b1"), []byte(tc.payload), 0o644))
			_, err := d.Read("b1")
			assert.True(t, errors.Is(err, domain.ErrCorrupted), "got %v", err)
		})
	}
}

func TestDetailsMarkerTextInsideStringsIsNotCorruption(t *testing.T) {
	d, _ := newDetails(t)
	b := domain.Book{ID: "b1", Title: `a "childNodes": b`, Author: "ownerDocument"}
	require.NoError(t, d.Write("b1", b))
	got, err := d.Read("b1")
	require.NoError(t, err)
	assert.Equal(t, b.Title, got.Title)
}

func TestDetailsMissingIDIsFilled(t *testing.T) {
	d, _ := newDetails(t)
	require.NoError(t, os.MkdirAll(d.Dir("b1"), 0o755))
	require.NoError(t, os.WriteFile(d.Path("b1"), []byte(`{"title":"T"}`), 0o644))
	got, err := d.Read("b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.ID)
}

func TestDetailsQuarantine(t *testing.T) {
	d, _ := newDetails(t)
	require.NoError(t, os.MkdirAll(d.Dir("b1"), 0o755))
	require.NoError(t, os.WriteFile(d.Path("b1"), []byte(`{"id":"b1","childNodes":[]}`), 0o644))

	backup, err := d.Quarantine("b1")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(backup, "details.json.corrupted.1700000000000"))
	_, err = os.Stat(backup)
	assert.NoError(t, err)
	_, err = d.Read("b1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = d.Quarantine("b1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDetailsDeleteIdempotent(t *testing.T) {
	d, _ := newDetails(t)
	require.NoError(t, d.Write("b1", domain.Book{ID: "b1"}))
	require.NoError(t, d.Delete("b1"))
	_, err := os.Stat(d.Dir("b1"))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, d.Delete("b1"))
}
