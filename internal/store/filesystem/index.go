package filesystem

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/haukened/shelf/internal/app"
	"github.com/haukened/shelf/internal/atomicfile"
	"github.com/haukened/shelf/internal/domain"
	"github.com/haukened/shelf/internal/store"
)

// Ensure IndexFile implements store.IndexStore
var _ store.IndexStore = (*IndexFile)(nil)

// IndexFile implements store.IndexStore as a single JSON array file.
type IndexFile struct {
	path   string
	clock  app.Clock
	logger *slog.Logger
}

// NewIndex returns an index store at <base>/books/index.json, creating the
// books directory if needed.
func NewIndex(base string, clock app.Clock, logger *slog.Logger) (*IndexFile, error) {
	root := BooksRoot(base)
	if err := ensureRoot(root); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = app.SystemClock{}
	}
	return &IndexFile{
		path:   filepath.Join(root, indexFile),
		clock:  clock,
		logger: logger.With("domain", "index"),
	}, nil
}

// Path returns the index file location.
func (ix *IndexFile) Path() string { return ix.path }

// ReadAll decodes the index. A strict decode is tried first; if it fails the
// array is decoded record by record and undecodable records are dropped with
// a warning. If neither works the file is backed up and an empty sequence
// returned, so the next WriteAll cannot destroy the only copy.
func (ix *IndexFile) ReadAll() ([]domain.IndexRecord, error) {
	data, err := os.ReadFile(ix.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var records []domain.IndexRecord
	if err = json.Unmarshal(data, &records); err == nil {
		return withIDs(records, ix.logger), nil
	}
	ix.logger.Warn("strict index decode failed, trying lenient path", "err", err)

	if records, ok := ix.decodeLenient(data); ok {
		return records, nil
	}

	backup := backupName(ix.path, ix.clock.Now())
	if werr := os.WriteFile(backup, data, filePerm); werr != nil {
		ix.logger.Error("index unreadable and backup failed", "path", backup, "err", werr)
	} else {
		ix.logger.Error("index unreadable, backed up", "path", backup)
	}
	return nil, nil
}

// decodeLenient decodes each array element on its own.
func (ix *IndexFile) decodeLenient(data []byte) ([]domain.IndexRecord, bool) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	records := make([]domain.IndexRecord, 0, len(raw))
	for i, msg := range raw {
		var rec domain.IndexRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			ix.logger.Warn("dropping undecodable index record", "position", i, "err", err)
			continue
		}
		records = append(records, rec)
	}
	return withIDs(records, ix.logger), true
}

// withIDs drops records that cannot identify a book.
func withIDs(records []domain.IndexRecord, logger *slog.Logger) []domain.IndexRecord {
	out := records[:0]
	for _, r := range records {
		if r.ID == "" {
			logger.Warn("dropping index record without id")
			continue
		}
		out = append(out, r)
	}
	return out
}

// WriteAll replaces the index with records.
func (ix *IndexFile) WriteAll(records []domain.IndexRecord) error {
	if records == nil {
		records = []domain.IndexRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	if err := atomicfile.Write(ix.path, data, filePerm); err != nil {
		ix.logger.Error("index write failed", "path", ix.path, "err", err)
		return err
	}
	return nil
}
