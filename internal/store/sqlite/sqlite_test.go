package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/shelf/internal/domain"
)

// openTestDB opens a transient SQLite database file in a temp dir with WAL enabled.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newStore(t *testing.T) *ProgressStore {
	t.Helper()
	ps, err := New(openTestDB(t))
	require.NoError(t, err)
	return ps
}

var base = time.UnixMilli(1700000000000).UTC()

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	ps := newStore(t)
	in := domain.Progress{BookID: "b1", ChapterLocator: "c2", ChapterLabel: "Two", Position: 120, Page: 3, UpdatedAt: base}
	require.NoError(t, ps.Upsert(ctx, in))

	got, err := ps.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, in, got)

	in.Position = 0
	in.Finished = true
	in.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, ps.Upsert(ctx, in))
	got, err = ps.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, in, got, "second upsert replaces the row")
}

func TestGetMissing(t *testing.T) {
	_, err := newStore(t).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpsertRejectsInvalidID(t *testing.T) {
	err := newStore(t).Upsert(context.Background(), domain.Progress{BookID: " b1"})
	assert.ErrorIs(t, err, domain.ErrInvalidID)
}

func TestMostRecent(t *testing.T) {
	ctx := context.Background()
	ps := newStore(t)
	_, err := ps.MostRecent(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, ps.Upsert(ctx, domain.Progress{BookID: "old", Page: 1, UpdatedAt: base}))
	require.NoError(t, ps.Upsert(ctx, domain.Progress{BookID: "new", Page: 1, UpdatedAt: base.Add(time.Hour)}))
	got, err := ps.MostRecent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", got.BookID)

	require.NoError(t, ps.Upsert(ctx, domain.Progress{BookID: "old", Page: 2, UpdatedAt: base.Add(2 * time.Hour)}))
	got, err = ps.MostRecent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", got.BookID)
	assert.Equal(t, 2, got.Page)
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	ps := newStore(t)
	require.NoError(t, ps.Upsert(ctx, domain.Progress{BookID: "b1", Page: 1, UpdatedAt: base}))
	require.NoError(t, ps.Delete(ctx, "b1"))
	require.NoError(t, ps.Delete(ctx, "b1"))
	_, err := ps.Get(ctx, "b1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClosedDB(t *testing.T) {
	db := openTestDB(t)
	ps, err := New(db)
	require.NoError(t, err)
	db.Close()
	ctx := context.Background()
	assert.Error(t, ps.Upsert(ctx, domain.Progress{BookID: "b1", UpdatedAt: base}))
	_, err = ps.Get(ctx, "b1")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNotFound))
}

func TestNewSchemaError(t *testing.T) {
	db := openTestDB(t)
	db.Close()
	_, err := New(db)
	assert.Error(t, err)
}
