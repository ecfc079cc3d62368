// Package annindex implements the flat inner-product nearest-neighbor index
// persisted to a packet's faiss/index.faiss file. The structure is a plain
// row-major float32 matrix, not an approximate graph: packet builds must be
// byte-reproducible given identical input, and a graph index whose shape
// depends on insertion order cannot make that guarantee.
package annindex

import (
	"context"
	"sort"
	"strconv"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

// Result is one nearest-neighbor hit, row index paired with its inner
// product score against the query vector.
type Result struct {
	ChunkIndex int
	Score      float32
}

// Index is a flat inner-product index over row-aligned chunk vectors. The
// chunk at row i of the backing matrix corresponds to docs.jsonl line i.
type Index struct {
	dim     int
	vectors [][]float32
}

// New builds an index over vectors, which must all share dim columns.
// Row order is preserved exactly as given — callers own the docs.jsonl
// alignment invariant.
func New(vectors [][]float32, dim int) (*Index, error) {
	for i, v := range vectors {
		if len(v) != dim {
			return nil, cpmerrors.New(cpmerrors.ErrCodeIndexWriteFailed,
				"vector row has inconsistent dimension", nil).
				WithDetail("row", strconv.Itoa(i))
		}
	}
	return &Index{dim: dim, vectors: vectors}, nil
}

// Dim returns the vector width.
func (idx *Index) Dim() int { return idx.dim }

// Len returns the number of indexed rows.
func (idx *Index) Len() int { return len(idx.vectors) }

// Search returns the top-k rows by inner product against query, descending
// by score. Ties break on ascending chunk index, per the determinism
// invariant on result ordering.
func (idx *Index) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != idx.dim {
		return nil, cpmerrors.New(cpmerrors.ErrCodeIndexWriteFailed,
			"query dimension does not match index dimension", nil)
	}
	if k <= 0 || len(idx.vectors) == 0 {
		return []Result{}, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	results := make([]Result, len(idx.vectors))
	for i, row := range idx.vectors {
		results[i] = Result{ChunkIndex: i, Score: innerProduct(query, row)}
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return results[a].ChunkIndex < results[b].ChunkIndex
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

func innerProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
