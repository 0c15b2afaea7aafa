// Package store defines internal persistence adapter ports used by the
// Repository. These ports isolate the filesystem index and detail stores so
// they can be tested and evolved independently. Callers outside this package
// interact only with Repository.
package store

import "github.com/haukened/shelf/internal/domain"

// IndexStore holds the lightweight per-book records in a single file. Every
// write replaces the whole sequence.
type IndexStore interface {
	// ReadAll returns an empty sequence when the file is missing or cannot
	// be parsed. Only I/O failures other than absence are returned as errors.
	ReadAll() ([]domain.IndexRecord, error)
	WriteAll(records []domain.IndexRecord) error
}

// DetailStore holds one full Book per file.
type DetailStore interface {
	// Read returns domain.ErrNotFound when no record exists and an error
	// wrapping domain.ErrCorrupted when the stored payload is malformed or
	// carries known-bad structural markers.
	Read(id string) (domain.Book, error)
	// Write persists b atomically.
	Write(id string, b domain.Book) error
	// Delete removes the book's directory. Deleting a missing book is not an error.
	Delete(id string) error
	// Quarantine moves the stored payload aside under a timestamped name and
	// returns the backup path.
	Quarantine(id string) (string, error)
}
