package builder

import (
	"os"
	"path/filepath"

	"github.com/cpm-dev/cpm/internal/packetio"
)

// incrementalPlan records, per new-build chunk index, whether its vector can
// be carried over from a prior build at the same destination (spec §4.1
// phase 3, keyed by chunk content hash rather than chunk id so unmoved but
// renumbered chunks still reuse their embedding).
type incrementalPlan struct {
	reusedIndices  []int
	missingIndices []int
	reusedVectors  map[int][]float32 // new-chunk index -> carried-over vector
	removed        int
}

// planIncremental inspects any manifest/docs/vectors already present at
// destPath from a previous build and decides which of the new chunks can
// reuse a previously-embedded vector. A prior build is only usable if its
// embedding spec (model/dim/normalized) matches the one about to run;
// otherwise every chunk is treated as new, which the dim-mismatch handling
// in Build already forces via a fresh full embed.
func planIncremental(destPath string, chunks []packetio.DocChunk, spec packetio.EmbeddingSpec) (*incrementalPlan, error) {
	plan := &incrementalPlan{reusedVectors: map[int][]float32{}}

	_, prevDocs, prevVectors, ok := loadPriorBuild(destPath, spec)
	if !ok {
		for i := range chunks {
			plan.missingIndices = append(plan.missingIndices, i)
		}
		return plan, nil
	}

	byHash := make(map[string][]float32, len(prevDocs))
	for i, d := range prevDocs {
		if i < len(prevVectors) {
			byHash[d.Hash] = prevVectors[i]
		}
	}

	seen := make(map[string]bool, len(chunks))
	for i, c := range chunks {
		seen[c.Hash] = true
		if vec, ok := byHash[c.Hash]; ok {
			plan.reusedVectors[i] = vec
			plan.reusedIndices = append(plan.reusedIndices, i)
		} else {
			plan.missingIndices = append(plan.missingIndices, i)
		}
	}

	for _, d := range prevDocs {
		if !seen[d.Hash] {
			plan.removed++
		}
	}
	return plan, nil
}

func loadPriorBuild(destPath string, spec packetio.EmbeddingSpec) (*packetio.PacketManifest, []packetio.DocChunk, [][]float32, bool) {
	manifestPath := filepath.Join(destPath, "manifest.json")
	if _, err := os.Stat(manifestPath); err != nil {
		return nil, nil, nil, false
	}
	manifest, err := packetio.ReadManifest(manifestPath)
	if err != nil {
		return nil, nil, nil, false
	}
	if manifest.Embedding.Model != spec.Model || manifest.Embedding.Dim != spec.Dim || manifest.Embedding.Normalized != spec.Normalized {
		return nil, nil, nil, false
	}
	if !maxSeqLengthEqual(manifest.Embedding.MaxSeqLength, spec.MaxSeqLength) {
		return nil, nil, nil, false
	}
	if manifest.Files.Vectors == nil {
		return nil, nil, nil, false
	}

	docsPath := filepath.Join(destPath, manifest.Files.Docs)
	docs, err := packetio.ReadDocsJSONL(docsPath)
	if err != nil {
		return nil, nil, nil, false
	}

	vectorsPath := filepath.Join(destPath, *manifest.Files.Vectors)
	vectors, err := packetio.ReadVectorsF16(vectorsPath, int(spec.Dim))
	if err != nil {
		return nil, nil, nil, false
	}

	return manifest, docs, vectors, true
}

// maxSeqLengthEqual compares two optional max-sequence-length settings,
// treating "unset" as only equal to "unset" (spec §4.1 phase 3: a prior
// build's embedding spec must match model and max_seq_length before its
// vectors are reused).
func maxSeqLengthEqual(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// dimMismatchInvalidate forces a full re-embed by discarding any reuse plan,
// used when a trial embed batch reveals the configured dim doesn't match
// what the upstream model actually returns (spec §4.1 failure table,
// DimMismatch: "invalidate incremental cache, re-embed all").
func dimMismatchInvalidate(chunks []packetio.DocChunk) *incrementalPlan {
	plan := &incrementalPlan{reusedVectors: map[int][]float32{}}
	for i := range chunks {
		plan.missingIndices = append(plan.missingIndices, i)
	}
	return plan
}
