// Package domain id.go contains functions to validate book IDs and map them
// onto filesystem-safe directory names.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxSafeIDLen bounds directory names well below common filesystem limits.
const maxSafeIDLen = 128

// Hex digits of the ID hash used in SafeID names.
const (
	suffixHashLen = 16
	fullHashLen   = 32
)

// ParseID validates s as a book ID. IDs are opaque caller-supplied strings;
// the only rules are that they are non-empty, contain no NUL or newline and
// are not surrounded by whitespace. Returns ErrInvalidID on failure.
func ParseID(s string) (string, error) {
	if !isValidID(s) {
		return "", ErrInvalidID
	}
	return s, nil
}

func isValidID(s string) bool {
	if s == "" || strings.TrimSpace(s) != s {
		return false
	}
	return !strings.ContainsAny(s, "\x00\n\r")
}

// SafeID maps a book ID onto a directory name. IDs made only of
// [A-Za-z0-9._-] are used as is. Otherwise every other byte becomes '_' and
// a '~' plus a hash of the ID is appended, so distinct IDs never share a
// directory. Names that would be empty, "." or "..", or longer than
// maxSafeIDLen, are replaced by '~' and a longer hash so they can never
// escape the storage root. '~' only ever appears in hashed names.
func SafeID(id string) string {
	var b strings.Builder
	b.Grow(len(id) + 1 + suffixHashLen)
	changed := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '.' || c == '-' || c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			changed = true
		}
	}
	s := b.String()
	if changed {
		s += "~" + HashKey(id)[:suffixHashLen]
	}
	if s == "" || strings.Trim(s, ".") == "" || len(s) > maxSafeIDLen {
		return "~" + HashKey(id)[:fullHashLen]
	}
	return s
}

// HashKey returns the lowercase hex sha256 of key. It names chapter cache
// files so arbitrary locators never reach the filesystem verbatim.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
