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

// Ensure DetailFiles implements store.DetailStore
var _ store.DetailStore = (*DetailFiles)(nil)

// corruptionMarkers are JSON keys of parser-internal node graphs that an
// older serializer leaked into details.json. They are matched in key form
// (quoted name followed by a colon); legitimate string content is escaped by
// the encoder and can never produce that byte sequence.
//
// Format v1 compatibility shim. Extend only for a known serializer defect.
var corruptionMarkers = [][]byte{
	[]byte(`"childNodes":`),
	[]byte(`"ownerDocument":`),
	[]byte(`"siblingIndex":`),
	[]byte(`"parentNode":`),
}

// DetailFiles implements store.DetailStore with one directory per book.
type DetailFiles struct {
	root   string
	clock  app.Clock
	logger *slog.Logger
}

// NewDetails returns a detail store rooted at <base>/books.
func NewDetails(base string, clock app.Clock, logger *slog.Logger) (*DetailFiles, error) {
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
	return &DetailFiles{root: root, clock: clock, logger: logger.With("domain", "details")}, nil
}

// Dir returns the directory holding the book's files.
func (d *DetailFiles) Dir(id string) string { return filepath.Join(d.root, domain.SafeID(id)) }

// Path returns the location of the book's details.json.
func (d *DetailFiles) Path(id string) string { return filepath.Join(d.Dir(id), detailsFile) }

// Read loads a book. See store.DetailStore for the error contract.
func (d *DetailFiles) Read(id string) (domain.Book, error) {
	if _, err := domain.ParseID(id); err != nil {
		return domain.Book{}, err
	}
	p := d.Path(id)
	data, err := os.ReadFile(p) // #nosec G304 path built from root and SafeID
	if errors.Is(err, os.ErrNotExist) {
		return domain.Book{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Book{}, fmt.Errorf("reading details: %w", err)
	}
	if m := findMarker(data); m != "" {
		return domain.Book{}, fmt.Errorf("%w: %s contains %s", domain.ErrCorrupted, p, m)
	}
	var b domain.Book
	if err := json.Unmarshal(data, &b); err != nil {
		return domain.Book{}, fmt.Errorf("%w: %s: %v", domain.ErrCorrupted, p, err)
	}
	if b.ID == "" {
		b.ID = id
	}
	if b.ID != id {
		return domain.Book{}, fmt.Errorf("%w: %s belongs to %q", domain.ErrCorrupted, p, b.ID)
	}
	return b, nil
}

func findMarker(data []byte) string {
	for _, m := range corruptionMarkers {
		if bytes.Contains(data, m) {
			return string(m)
		}
	}
	return ""
}

// Write persists b under id through the atomic writer.
func (d *DetailFiles) Write(id string, b domain.Book) error {
	if _, err := domain.ParseID(id); err != nil {
		return err
	}
	if b.ID != id {
		return fmt.Errorf("book id %q does not match %q", b.ID, id)
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding details: %w", err)
	}
	if err := atomicfile.Write(d.Path(id), data, filePerm); err != nil {
		d.logger.Error("details write failed", "id", id, "err", err)
		return err
	}
	return nil
}

// Delete removes the book directory including quarantine backups.
func (d *DetailFiles) Delete(id string) error {
	if _, err := domain.ParseID(id); err != nil {
		return err
	}
	return os.RemoveAll(d.Dir(id))
}

// Quarantine renames details.json to details.json.corrupted.<millis>.
func (d *DetailFiles) Quarantine(id string) (string, error) {
	if _, err := domain.ParseID(id); err != nil {
		return "", err
	}
	src := d.Path(id)
	dst := backupName(src, d.clock.Now())
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("quarantining details: %w", err)
	}
	d.logger.Warn("details quarantined", "id", id, "backup", dst)
	return dst, nil
}
