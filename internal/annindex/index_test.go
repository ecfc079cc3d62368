package annindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_Search_OrdersByScoreDescending(t *testing.T) {
	vectors := [][]float32{
		{1, 0},
		{0, 1},
		{0.9, 0.1},
	}
	idx, err := New(vectors, 2)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].ChunkIndex)
	assert.Equal(t, 2, results[1].ChunkIndex)
}

func TestIndex_Search_TiesBreakOnAscendingChunkIndex(t *testing.T) {
	vectors := [][]float32{
		{1, 0},
		{1, 0},
		{1, 0},
	}
	idx, err := New(vectors, 2)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{results[0].ChunkIndex, results[1].ChunkIndex, results[2].ChunkIndex})
}

func TestIndex_Search_KLargerThanCorpus(t *testing.T) {
	idx, err := New([][]float32{{1, 0}}, 2)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestIndex_Search_EmptyIndex(t *testing.T) {
	idx, err := New(nil, 2)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIndex_Search_RejectsDimMismatch(t *testing.T) {
	idx, err := New([][]float32{{1, 0}}, 2)
	require.NoError(t, err)

	_, err = idx.Search(context.Background(), []float32{1, 0, 0}, 1)
	require.Error(t, err)
}

func TestNew_RejectsInconsistentRowDims(t *testing.T) {
	_, err := New([][]float32{{1, 0}, {1, 0, 0}}, 2)
	require.Error(t, err)
}

func TestSaveLoad_RoundTrips(t *testing.T) {
	vectors := [][]float32{
		{1, 0, 0.5},
		{0, 1, -0.5},
	}
	idx, err := New(vectors, 3)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "index.faiss")
	require.NoError(t, Save(path, idx))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, idx.dim, got.dim)
	assert.Equal(t, idx.vectors, got.vectors)
}

func TestSave_IsByteReproducible(t *testing.T) {
	vectors := [][]float32{{1, 2, 3}, {4, 5, 6}}
	idx, err := New(vectors, 3)
	require.NoError(t, err)

	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.faiss")
	p2 := filepath.Join(dir, "b.faiss")
	require.NoError(t, Save(p1, idx))
	require.NoError(t, Save(p2, idx))

	a, err := Load(p1)
	require.NoError(t, err)
	b, err := Load(p2)
	require.NoError(t, err)
	assert.Equal(t, a.vectors, b.vectors)
}

func TestLoad_RejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.faiss")
	require.NoError(t, writeRaw(path, []byte("NOTANINDEXFILE")))

	_, err := Load(path)
	require.Error(t, err)
}

func writeRaw(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
