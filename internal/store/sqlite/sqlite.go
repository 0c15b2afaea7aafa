// Package sqlite provides the SQLite-backed reading progress store: one row
// per book holding the last chapter and position the reader saw.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/shelf/internal/app"
	"github.com/haukened/shelf/internal/domain"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ app.ProgressStore = (*ProgressStore)(nil)

// Open opens (creating if needed) the database file at path with WAL
// journaling and a busy timeout.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// ProgressStore implements app.ProgressStore using SQLite. It is safe for
// concurrent use; database/sql manages connection pooling.
type ProgressStore struct{ db *sql.DB }

// New constructs a ProgressStore, initializing the schema if absent.
func New(db *sql.DB) (*ProgressStore, error) {
	ps := &ProgressStore{db: db}
	if err := ps.init(); err != nil {
		return nil, err
	}
	return ps, nil
}

func (p *ProgressStore) init() error {
	schema := `CREATE TABLE IF NOT EXISTS reading_progress (
item_id TEXT PRIMARY KEY,
last_chapter_locator TEXT NOT NULL DEFAULT '',
last_chapter_label TEXT NOT NULL DEFAULT '',
position INTEGER NOT NULL DEFAULT 0,
page INTEGER NOT NULL DEFAULT 1,
finished INTEGER NOT NULL DEFAULT 0,
updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reading_progress_updated ON reading_progress(updated_at);`
	_, err := p.db.Exec(schema)
	return err
}

// Upsert inserts or replaces the row for p.BookID.
func (p *ProgressStore) Upsert(ctx context.Context, pr domain.Progress) error {
	if _, err := domain.ParseID(pr.BookID); err != nil {
		return err
	}
	const q = `INSERT INTO reading_progress (item_id, last_chapter_locator, last_chapter_label, position, page, finished, updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(item_id) DO UPDATE SET
last_chapter_locator=excluded.last_chapter_locator,
last_chapter_label=excluded.last_chapter_label,
position=excluded.position,
page=excluded.page,
finished=excluded.finished,
updated_at=excluded.updated_at`
	fin := 0
	if pr.Finished {
		fin = 1
	}
	_, err := p.db.ExecContext(ctx, q, pr.BookID, pr.ChapterLocator, pr.ChapterLabel, pr.Position, pr.Page, fin, pr.UpdatedAt.UnixMilli())
	return err
}

const selectColumns = `SELECT item_id, last_chapter_locator, last_chapter_label, position, page, finished, updated_at FROM reading_progress`

// Get returns the row for bookID or domain.ErrNotFound.
func (p *ProgressStore) Get(ctx context.Context, bookID string) (domain.Progress, error) {
	return scanProgress(p.db.QueryRowContext(ctx, selectColumns+` WHERE item_id=?`, bookID))
}

// MostRecent returns the most recently updated row or domain.ErrNotFound.
func (p *ProgressStore) MostRecent(ctx context.Context) (domain.Progress, error) {
	return scanProgress(p.db.QueryRowContext(ctx, selectColumns+` ORDER BY updated_at DESC, item_id ASC LIMIT 1`))
}

// Delete removes the row for bookID. Deleting a missing row is not an error.
func (p *ProgressStore) Delete(ctx context.Context, bookID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM reading_progress WHERE item_id=?`, bookID)
	return err
}

func scanProgress(row *sql.Row) (domain.Progress, error) {
	var (
		pr      domain.Progress
		fin     int
		updated int64
	)
	if err := row.Scan(&pr.BookID, &pr.ChapterLocator, &pr.ChapterLabel, &pr.Position, &pr.Page, &fin, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Progress{}, domain.ErrNotFound
		}
		return domain.Progress{}, err
	}
	pr.Finished = fin == 1
	pr.UpdatedAt = time.UnixMilli(updated).UTC()
	return pr, nil
}
