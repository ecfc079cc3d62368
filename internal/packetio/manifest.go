package packetio

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cpm-dev/cpm/internal/cas"
)

// WriteManifest serializes m as canonical JSON and writes it atomically.
func WriteManifest(path string, m *PacketManifest) error {
	data, err := CanonicalJSON(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return cas.WriteFileAtomic(path, data, 0o644)
}

// ReadManifest reads manifest.json back into a PacketManifest.
func ReadManifest(path string) (*PacketManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m PacketManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed manifest.json: %w", err)
	}
	return &m, nil
}

// NewPartialManifest builds the tentative manifest written before embedding
// completes (spec §3.3: "written twice ... once tentatively before
// embedding").
func NewPartialManifest(packetID string, spec EmbeddingSpec, docCount int) *PacketManifest {
	return &PacketManifest{
		SchemaVersion: "1.0",
		PacketID:      packetID,
		Embedding:     spec,
		Similarity:    SimilaritySpec{Space: "inner_product", IndexType: "flat_ip"},
		Files: ManifestFiles{
			Docs:    "docs.jsonl",
			Vectors: nil,
			Index:   nil,
		},
		Counts:      ManifestCounts{Docs: docCount, Vectors: 0},
		Incremental: IncrementalStats{},
		Checksums:   map[string]ChecksumEntry{},
		Extras:      map[string]string{},
	}
}

// MarkEmbeddingFailed sets the extras build_status/build_error fields per
// spec §4.1 phase 4 failure path.
func (m *PacketManifest) MarkEmbeddingFailed(reason string) {
	if m.Extras == nil {
		m.Extras = map[string]string{}
	}
	m.Extras["build_status"] = BuildStatusEmbeddingFailed
	m.Extras["build_error"] = reason
}
