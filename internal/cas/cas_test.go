package cas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout_Paths(t *testing.T) {
	l := NewLayout("/root/.cpm")

	assert.Equal(t, "/root/.cpm/cas/abc123/payload", l.PayloadDir("abc123"))
	assert.Equal(t, "/root/.cpm/cas/abc123.lock", l.PayloadLockPath("abc123"))
	assert.Equal(t, "/root/.cpm/index/abc123/fp1/.lock", l.IndexLockPath("abc123", "fp1"))
	assert.Equal(t, "/root/.cpm/index/abc123/fp1/faiss/index.faiss", l.IndexFaissPath("abc123", "fp1"))
	assert.Equal(t, "/root/.cpm/meta/abc123/packet.manifest.json", l.MetaManifestPath("abc123"))
	assert.Equal(t, "/root/.cpm/cache/metadata/abc123.json", l.MetadataCachePath("abc123"))
	assert.Equal(t, "/root/.cpm/cache/metadata_alias/h1.json", l.AliasCachePath("h1"))
}

func TestLayout_IsRebuildStale(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root)

	stale, err := l.IsRebuildStale("d1", "fp1")
	require.NoError(t, err)
	assert.False(t, stale, "no directory at all is not a stale rebuild")

	require.NoError(t, os.MkdirAll(filepath.Join(l.IndexDir("d1", "fp1"), "faiss"), 0o755))
	stale, err = l.IsRebuildStale("d1", "fp1")
	require.NoError(t, err)
	assert.True(t, stale, "directory exists but index.faiss missing means a canceled rebuild")

	require.NoError(t, os.WriteFile(l.IndexFaissPath("d1", "fp1"), []byte("x"), 0o644))
	stale, err = l.IsRebuildStale("d1", "fp1")
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestBuildingSentinel_ClaimRefusesSecondClaim(t *testing.T) {
	dir := t.TempDir()
	first := NewBuildingSentinel(dir)
	require.NoError(t, first.Claim())

	second := NewBuildingSentinel(dir)
	err := second.Claim()
	assert.Error(t, err)

	require.NoError(t, first.Release())
	assert.NoError(t, second.Claim())
}

func TestFileLock_TryLockExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	a := NewFileLock(path)
	b := NewFileLock(path)

	ok, err := a.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "second handle should not acquire an already-held lock")

	require.NoError(t, a.Unlock())
	ok, err = b.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Unlock())
}

func TestWriteFileAtomic_ReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestFetchGroup_CollapsesConcurrentCalls(t *testing.T) {
	g := NewFetchGroup()
	var calls int
	release := make(chan struct{})
	entered := make(chan struct{}, 5)
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		go func() {
			_, _, _ = g.Do("digest-1", func() (any, error) {
				calls++
				entered <- struct{}{}
				<-release
				return nil, nil
			})
			done <- struct{}{}
		}()
	}

	<-entered // wait for the first caller to be inside fn
	close(release)
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, 1, calls, "concurrent calls for the same key should collapse into one execution")
}
