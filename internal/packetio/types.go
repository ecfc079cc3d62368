// Package packetio implements the on-disk packet file format: docs.jsonl,
// vectors.f16.bin, cpm.yml, manifest.json, and the canonical JSON/hashing
// conventions shared by the builder, resolver, and lockfile engine.
package packetio

// DocChunk is one semantic segment of one source file, immutable once
// written to docs.jsonl.
type DocChunk struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Hash     string            `json:"hash"`
	Metadata map[string]string `json:"metadata"`
}

// EmbeddingSpec describes the embedding model that produced a packet's
// vectors.
type EmbeddingSpec struct {
	Provider      string `json:"provider" yaml:"provider"`
	Model         string `json:"model" yaml:"model"`
	Dim           uint32 `json:"dim" yaml:"dim"`
	Dtype         string `json:"dtype" yaml:"dtype"` // f16 | f32
	Normalized    bool   `json:"normalized" yaml:"normalized"`
	MaxSeqLength  *uint32 `json:"max_seq_length" yaml:"max_seq_length,omitempty"`
}

// Fingerprint returns the embedding fingerprint H(model ‖ dim ‖ normalized)
// used to key index/<digest>/<fp>/ per spec §4.4.2.
func (e EmbeddingSpec) Fingerprint() string {
	return EmbeddingFingerprint(e.Model, e.Dim, e.Normalized)
}

// SimilaritySpec describes the similarity space and index algorithm.
type SimilaritySpec struct {
	Space     string `json:"space"`     // inner_product
	IndexType string `json:"index_type"` // flat_ip
}

// FileRef names an on-disk file by path. PacketManifest.Files does not use it;
// checksums live in PacketManifest.Checksums.
type FileRef struct {
	Path string `json:"path,omitempty"`
}

// ManifestFiles lists the packet's component files; Vectors/Index are
// nullable to signal partial success (embedding_failed build_status).
type ManifestFiles struct {
	Docs        string `json:"docs"`
	Vectors     *string `json:"vectors"`
	Index       *string `json:"index"`
	Calibration *string `json:"calibration,omitempty"`
}

// ManifestCounts tallies docs/vectors rows.
type ManifestCounts struct {
	Docs    int `json:"docs"`
	Vectors int `json:"vectors"`
}

// IncrementalStats records the builder's incremental-reuse decision outcome.
type IncrementalStats struct {
	Enabled  bool `json:"enabled"`
	Reused   int  `json:"reused"`
	Embedded int  `json:"embedded"`
	Removed  int  `json:"removed"`
}

// ChecksumEntry is one SHA-256 digest for a named packet file.
type ChecksumEntry struct {
	Algo  string `json:"algo"`
	Value string `json:"value"`
}

// SourceInfo records where a packet's metadata blob came from, when fetched.
type SourceInfo struct {
	ManifestDigest string          `json:"manifest_digest,omitempty"`
	CreatedAt      string          `json:"created_at,omitempty"`
	Build          *BuildInfo      `json:"build,omitempty"`
}

// BuildInfo records the build-time options that shaped a packet.
type BuildInfo struct {
	Minimal           bool `json:"minimal"`
	IncludeDocs       bool `json:"include_docs"`
	IncludeEmbeddings bool `json:"include_embeddings"`
}

// PacketManifest is the builder's own record of what it produced
// (manifest.json).
type PacketManifest struct {
	SchemaVersion string            `json:"schema_version"`
	PacketID      string            `json:"packet_id"`
	Embedding     EmbeddingSpec     `json:"embedding"`
	Similarity    SimilaritySpec    `json:"similarity"`
	Files         ManifestFiles     `json:"files"`
	Counts        ManifestCounts    `json:"counts"`
	Source        *SourceInfo       `json:"source,omitempty"`
	CPM           map[string]string `json:"cpm,omitempty"`
	Incremental   IncrementalStats  `json:"incremental"`
	Checksums     map[string]ChecksumEntry `json:"checksums"`
	Extras        map[string]string `json:"extras,omitempty"`
}

// BuildStatus values recorded in Extras["build_status"].
const (
	BuildStatusOK              = "ok"
	BuildStatusEmbeddingFailed = "embedding_failed"
)

// CPMYAML is the flat key-value cpm.yml sidecar the builder writes.
type CPMYAML struct {
	CPMSchema           string `yaml:"cpm_schema"`
	Name                string `yaml:"name"`
	Version             string `yaml:"version"`
	Description         string `yaml:"description,omitempty"`
	Tags                string `yaml:"tags,omitempty"`        // CSV
	Entrypoints         string `yaml:"entrypoints,omitempty"` // CSV
	EmbeddingModel      string `yaml:"embedding_model"`
	EmbeddingDim        uint32 `yaml:"embedding_dim"`
	EmbeddingNormalized bool   `yaml:"embedding_normalized"`
	CreatedAt           string `yaml:"created_at"`
}
