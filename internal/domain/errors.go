// Package domain errors.go contains sentinel errors
package domain

import "errors"

// Sentinel domain-level errors reused by higher layers.
var (
	ErrNotFound           = errors.New("book not found")
	ErrCorrupted          = errors.New("record corrupted")
	ErrInvalidID          = errors.New("invalid book id")
	ErrNoChapters         = errors.New("source returned no chapters")
	ErrFetcherUnavailable = errors.New("content fetcher unavailable")
)
