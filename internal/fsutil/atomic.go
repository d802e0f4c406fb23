// Package fsutil provides the crash-safe file primitives every store in
// the coordinator relies on: write to a sibling temp file, then rename.
// Rename is the linearization point on POSIX filesystems, so readers
// observe either the old content or the new, never a torn write.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteFileAtomic writes data to path via a uniquely named sibling temp
// file and a final rename. Parent directories are created as needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()[:8]))
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteFileWithBackup preserves the current file at path as path.bak
// before atomically replacing it. Loaders that find the primary corrupt
// or missing can fall back to the backup, bounding crash recovery to
// "current or previous version".
func WriteFileWithBackup(path string, data []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		bak := path + ".bak"
		if err := copyFile(path, bak, perm); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	}
	return WriteFileAtomic(path, data, perm)
}

// ReadFileWithBackup reads path, falling back to path.bak when the
// primary is missing. It reports which file satisfied the read.
func ReadFileWithBackup(path string) (data []byte, fromBackup bool, err error) {
	data, err = os.ReadFile(path)
	if err == nil {
		return data, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}
	data, bakErr := os.ReadFile(path + ".bak")
	if bakErr != nil {
		return nil, false, err
	}
	return data, true, nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return WriteFileAtomic(dst, data, perm)
}
