// Package filesystem provides the metadata IndexStore and DetailStore backed
// by JSON files under <base>/books:
//
//	<base>/books/index.json                                  all IndexRecords
//	<base>/books/<safe-id>/details.json                      one Book with chapters
//	<base>/books/<safe-id>/details.json.corrupted.<millis>   quarantine backup
//
// Every write goes through atomicfile so a crash never leaves a truncated
// record behind.
package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	booksDir        = "books"
	indexFile       = "index.json"
	detailsFile     = "details.json"
	corruptedSuffix = ".corrupted."
	filePerm        = 0o644
)

// BooksRoot returns <base>/books.
func BooksRoot(base string) string { return filepath.Join(base, booksDir) }

// ensureRoot creates root if missing and rejects non-directories.
func ensureRoot(root string) error {
	fi, err := os.Stat(root)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(root, 0o755)
	}
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return errors.New("books root is not a directory")
	}
	return nil
}

// backupName returns path with the quarantine suffix for now.
func backupName(path string, now time.Time) string {
	return path + corruptedSuffix + strconv.FormatInt(now.UnixMilli(), 10)
}
