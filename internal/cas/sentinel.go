package cas

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

// BuildingSentinel marks a packet destination directory as owned by an
// in-progress builder invocation. A second builder targeting the same
// directory must refuse to start rather than interleave writes.
type BuildingSentinel struct {
	path string
}

// NewBuildingSentinel returns a sentinel handle for packetDir.
func NewBuildingSentinel(packetDir string) *BuildingSentinel {
	return &BuildingSentinel{path: filepath.Join(packetDir, ".building")}
}

// Claim creates the sentinel file, failing if one already exists.
func (b *BuildingSentinel) Claim() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("failed to create packet directory: %w", err)
	}
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return cpmerrors.New(cpmerrors.ErrCodeIndexWriteFailed,
				fmt.Sprintf("destination %s is already being written by another build", filepath.Dir(b.path)), err)
		}
		return fmt.Errorf("failed to create building sentinel: %w", err)
	}
	defer func() { _ = f.Close() }()
	_, err = fmt.Fprintf(f, "pid=%d started=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// Release removes the sentinel file. Safe to call even if Claim failed.
func (b *BuildingSentinel) Release() error {
	err := os.Remove(b.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release building sentinel: %w", err)
	}
	return nil
}

// Exists reports whether a sentinel is currently present for packetDir.
func Exists(packetDir string) (bool, error) {
	return pathExists(filepath.Join(packetDir, ".building"))
}
