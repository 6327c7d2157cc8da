// Package fsutil implements the atomic-write and crash-recovery primitives
// every other storage package in wisejson builds on: write-temp-then-rename,
// and a P/P.bak/P.new fallback chain for reading back whichever of those
// files actually reached disk before a crash.
//
// Grounded in the teacher's buffer-oriented document persistence pattern
// (storage.Document) generalized to whole files, and in
// calvinalkan-agent-task's atomic ticket writer (temp file + fsync + rename,
// there built on natefinch/atomic).
package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteFileAtomic writes data to path without ever leaving a torn write
// behind: it writes to a uniquely-named temp file in the same directory,
// fsyncs it, then renames it over path. Rename is atomic on every platform
// this module targets, so a reader never observes a partial file.
func WriteFileAtomic(path string, data []byte) (int, error) {
	dir := filepath.Dir(path)
	tmpPath := path + ".tmp." + uuid.NewString()

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("fsutil: create temp file: %w", err)
	}

	n, err := f.Write(data)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("fsutil: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("fsutil: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("fsutil: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("fsutil: rename temp file into place: %w", err)
	}

	// Best-effort: fsync the containing directory so the rename itself
	// survives a crash on filesystems that need it. Not fatal if it fails.
	if dirFile, err := os.Open(dir); err == nil {
		dirFile.Sync()
		dirFile.Close()
	}

	return n, nil
}

// RecoverLatest returns the contents of the first of path, path+".bak",
// path+".new" that can be read, in that order; the contents are not checked
// for validity, so a readable but damaged path wins over its backups. path is the
// committed file; path+".bak" is the previous generation kept around by
// callers that rotate backups before overwriting; path+".new" is a
// not-yet-promoted write some callers stage before a final rename. If none
// can be read, the returned error wraps the first read error (os.ErrNotExist
// when path is missing).
func RecoverLatest(path string) ([]byte, error) {
	candidates := []string{path, path + ".bak", path + ".new"}
	var firstErr error
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("fsutil: no readable file among %v: %w", candidates, firstErr)
}

// MarshalIndent encodes v to JSON using indent spaces of indentation, or
// compact encoding when indent < 0.
func MarshalIndent(v interface{}, indent int) ([]byte, error) {
	if indent < 0 {
		return json.Marshal(v)
	}
	prefix := ""
	pad := ""
	for i := 0; i < indent; i++ {
		pad += " "
	}
	return json.MarshalIndent(v, prefix, pad)
}

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsutil: create directory %s: %w", dir, err)
	}
	return nil
}

// Exists reports whether path exists (of any type).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
