package cas

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// AtomicRename moves src to dst, first removing any existing dst so the
// rename is a clean replace. src and dst must be on the same filesystem.
func AtomicRename(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return cpmerrors.New(cpmerrors.ErrCodeAtomicRename,
			fmt.Sprintf("failed to create parent of %s", dst), err)
	}
	_ = os.RemoveAll(dst)
	if err := os.Rename(src, dst); err != nil {
		return cpmerrors.New(cpmerrors.ErrCodeAtomicRename,
			fmt.Sprintf("failed to rename %s to %s", src, dst), err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in the same directory as path
// then renames it into place, so readers never observe a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return cpmerrors.New(cpmerrors.ErrCodeAtomicRename,
			fmt.Sprintf("failed to rename temp file into %s", path), err)
	}
	return nil
}
