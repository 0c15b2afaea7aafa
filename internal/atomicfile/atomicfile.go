// Package atomicfile writes files so that readers observe either the previous
// content or the complete new content, never a partially written target.
//
// Data is written to a temporary file next to the target, named
// "<base>.<random>.tmp" so concurrent writers never share one, then synced
// and renamed over the target. When the rename fails (cross-device moves,
// files locked by another process) the bytes are copied into place and the
// temporary file removed. Concurrent writes to one path end with one
// writer's complete content.
package atomicfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TempSuffix ends every transient write target.
const TempSuffix = ".tmp"

// Swapped in tests to exercise the failure paths.
var (
	rename     = os.Rename
	createTemp = os.CreateTemp
)

// Write replaces path with data. The parent directory is created if needed.
// On failure the target is left untouched and the error is returned so the
// caller can decide whether the write was critical.
func Write(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	f, err := createTemp(filepath.Dir(path), filepath.Base(path)+".*"+TempSuffix)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmp := f.Name()
	if err := f.Chmod(perm); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("setting temporary file mode: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if rerr := rename(tmp, path); rerr != nil {
		if cerr := copyInto(tmp, path, perm); cerr != nil {
			os.Remove(tmp)
			return fmt.Errorf("moving temporary file into place: %w", errors.Join(rerr, cerr))
		}
		os.Remove(tmp)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// copyInto is the rename fallback used when the platform refuses the move.
func copyInto(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src) // #nosec G304 path constructed internally
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// syncDir makes the rename durable across power loss. Best effort.
func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Read returns the content of path. Leftover temporary files from an
// interrupted Write are never consulted.
func Read(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304
}
