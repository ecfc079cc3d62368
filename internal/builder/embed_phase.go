package builder

import (
	"context"
	"log/slog"
	"math"
	"strconv"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
	"github.com/cpm-dev/cpm/internal/embed"
	"github.com/cpm-dev/cpm/internal/packetio"
)

// normalizeDeviationThreshold mirrors internal/embed's tolerance for "close
// enough to unit L2 norm" (spec §3.2 invariant 3).
const normalizeDeviationThreshold = 1e-3

// embedMissing assembles the full n-chunk vector matrix: rows carried over
// from plan.reusedVectors, and rows freshly embedded for plan.missingIndices.
// If the upstream model's actual dim disagrees with spec.Dim, the reuse plan
// is discarded and every chunk is re-embedded once, per the DimMismatch row
// of spec §4.1's failure table; a second disagreement is a hard failure.
func embedMissing(ctx context.Context, client embed.Client, chunks []packetio.DocChunk, plan *incrementalPlan, spec packetio.EmbeddingSpec, logger *slog.Logger) (embed.Matrix, error) {
	matrix, err := runEmbedPlan(ctx, client, chunks, plan, spec)
	if err != nil {
		return nil, err
	}
	if matrix.Dim() != 0 && matrix.Dim() != int(spec.Dim) {
		logger.Warn("embedding dim mismatch, invalidating incremental cache and re-embedding all chunks",
			"expected", spec.Dim, "got", matrix.Dim())
		matrix, err = runEmbedPlan(ctx, client, chunks, dimMismatchInvalidate(chunks), spec)
		if err != nil {
			return nil, err
		}
		if matrix.Dim() != int(spec.Dim) {
			return nil, cpmerrors.New(cpmerrors.ErrCodeDimMismatch,
				"embedding model produced a dimension that does not match the configured dim after full re-embed", nil)
		}
	}
	return matrix, nil
}

func runEmbedPlan(ctx context.Context, client embed.Client, chunks []packetio.DocChunk, plan *incrementalPlan, spec packetio.EmbeddingSpec) (embed.Matrix, error) {
	matrix := make(embed.Matrix, len(chunks))
	for i, v := range plan.reusedVectors {
		matrix[i] = v
	}

	if len(plan.missingIndices) == 0 {
		return matrix, nil
	}

	texts := make([]string, len(plan.missingIndices))
	for j, idx := range plan.missingIndices {
		texts[j] = chunks[idx].Text
	}

	hints := embed.Hints{
		Dim:       int(spec.Dim),
		Normalize: embed.NormalizeAuto,
		Model:     spec.Model,
	}

	if client == nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbeddingUnavailable, "no embedding client configured", nil)
	}

	embedded, err := client.Embed(ctx, texts, hints)
	if err != nil {
		if cpmerrors.CodeOf(err) == "" {
			err = cpmerrors.Wrap(cpmerrors.ErrCodeEmbeddingUnavailable, err)
		}
		return nil, err
	}
	if len(embedded) != len(texts) {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbeddingUnavailable,
			"embedding client returned a different row count than requested", nil)
	}

	for j, idx := range plan.missingIndices {
		matrix[idx] = embedded[j]
	}
	return matrix, nil
}

// validateDim checks that every row of matrix has exactly dim columns.
func validateDim(matrix embed.Matrix, dim int) error {
	for i, row := range matrix {
		if len(row) != dim {
			return cpmerrors.New(cpmerrors.ErrCodeDimMismatch,
				"chunk vector has unexpected dimension", nil).WithDetail("row", strconv.Itoa(i))
		}
	}
	return nil
}

// validateNormalized checks every row is finite and, if normalized is
// required, close enough to unit L2 norm. Embedding clients are expected to
// normalize per their NormalizeMode setting; this is a last-line sanity
// check before persisting, not a renormalization pass.
func validateNormalized(matrix embed.Matrix, normalized bool) error {
	for i, row := range matrix {
		var sumSq float64
		for _, v := range row {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return cpmerrors.New(cpmerrors.ErrCodeNonFiniteVector,
					"embedding vector contains a non-finite value", nil).WithDetail("row", strconv.Itoa(i))
			}
			sumSq += f * f
		}
		if normalized && len(row) > 0 {
			norm := math.Sqrt(sumSq)
			if norm == 0 {
				continue // zero rows are preserved verbatim, not rejected as unnormalized
			}
			if math.Abs(norm-1.0) > normalizeDeviationThreshold {
				return cpmerrors.New(cpmerrors.ErrCodeNonFiniteVector,
					"embedding vector is not unit-normalized as the manifest claims", nil).WithDetail("row", strconv.Itoa(i))
			}
		}
	}
	return nil
}
