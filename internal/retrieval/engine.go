package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cpm-dev/cpm/internal/annindex"
	"github.com/cpm-dev/cpm/internal/cas"
	"github.com/cpm-dev/cpm/internal/config"
	"github.com/cpm-dev/cpm/internal/cpmerrors"
	"github.com/cpm-dev/cpm/internal/embed"
	"github.com/cpm-dev/cpm/internal/oci"
	"github.com/cpm-dev/cpm/internal/packetio"
)

// Engine implements the query(ref, q, k) contract (spec §4.4): resolve a
// packet reference, serve an already-built index when one matches the
// query-time embedder, and otherwise materialize the packet and rebuild one.
type Engine struct {
	Layout   cas.Layout
	Resolver *oci.Resolver
	Embedder embed.Client
	Config   config.RetrievalConfig

	// Spec describes the embedder this engine queries with; its
	// Fingerprint() keys the index/<digest>/<fp>/ tree a rebuild writes to,
	// independent of whatever embedder originally built the packet.
	Spec packetio.EmbeddingSpec
}

// NewEngine constructs a query engine over an already-configured resolver.
func NewEngine(layout cas.Layout, resolver *oci.Resolver, embedder embed.Client, cfg config.RetrievalConfig, spec packetio.EmbeddingSpec) *Engine {
	return &Engine{Layout: layout, Resolver: resolver, Embedder: embedder, Config: cfg, Spec: spec}
}

// Query resolves ref, serves hits from whichever index is available (rebuilding
// one if necessary), and returns the top-k results (spec §4.4.1-§4.4.4).
func (e *Engine) Query(ctx context.Context, ref, q string, k int) (QueryResult, error) {
	k = clampK(k, e.Config.KMax, e.Config.KDefault)

	_, digest, err := e.Resolver.LookupMetadata(ctx, ref)
	if err != nil {
		return QueryResult{}, err
	}

	pinnedURI := digest
	if parsed, perr := oci.ParseRef(ref, e.Resolver.DefaultRegistry); perr == nil {
		pinnedURI = parsed.PinnedURI(digest)
	}

	fp := e.Spec.Fingerprint()

	if payloadDir, ok := e.Resolver.PayloadDir(digest); ok {
		if fileExists(e.Layout.IndexFaissPath(digest, fp)) {
			results, err := e.search(ctx, payloadDir, digest, fp, q, k)
			if err != nil {
				return QueryResult{}, err
			}
			return QueryResult{CacheHit: true, PinnedURI: pinnedURI, Digest: digest, Results: results}, nil
		}
	}

	payloadDir, digest, err := e.Resolver.ResolveAndFetch(ctx, ref)
	if err != nil {
		return QueryResult{}, err
	}

	if err := e.ensureIndex(ctx, payloadDir, digest, fp); err != nil {
		return QueryResult{}, err
	}

	results, err := e.search(ctx, payloadDir, digest, fp, q, k)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{CacheHit: false, PinnedURI: pinnedURI, Digest: digest, Results: results}, nil
}

// ensureIndex guarantees index/<digest>/<fp>/index.faiss exists: mirroring a
// matching pre-built index out of the payload when one is present, or
// rebuilding from docs.jsonl under a per-(digest,fp) lock otherwise (spec
// §4.4.3 steps 2-3).
func (e *Engine) ensureIndex(ctx context.Context, payloadDir, digest, fp string) error {
	if fileExists(e.Layout.IndexFaissPath(digest, fp)) {
		return nil
	}

	lock := cas.NewFileLock(e.Layout.IndexLockPath(digest, fp))
	if err := lock.Lock(); err != nil {
		return cpmerrors.New(cpmerrors.ErrCodeIndexWriteFailed, "failed to acquire index rebuild lock", err)
	}
	defer func() { _ = lock.Unlock() }()

	if fileExists(e.Layout.IndexFaissPath(digest, fp)) {
		return nil
	}

	if err := os.MkdirAll(e.Layout.IndexDir(digest, fp), 0o755); err != nil {
		return cpmerrors.Wrap(cpmerrors.ErrCodeIndexWriteFailed, err)
	}

	if mirrored, err := e.mirrorPrebuiltIndex(payloadDir, digest, fp); err != nil {
		return err
	} else if mirrored {
		return nil
	}

	return e.rebuildIndex(ctx, payloadDir, digest, fp)
}

// mirrorPrebuiltIndex copies the packet's own faiss/index.faiss into the
// query-time index tree when its build manifest shows it was produced by the
// same embedder this engine queries with (spec §4.4.3 step 2).
func (e *Engine) mirrorPrebuiltIndex(payloadDir, digest, fp string) (bool, error) {
	manifest, err := packetio.ReadManifest(filepath.Join(payloadDir, "manifest.json"))
	if err != nil {
		return false, nil // no manifest to compare against; fall through to rebuild
	}
	if manifest.Files.Index == nil || manifest.Files.Vectors == nil {
		return false, nil
	}
	if manifest.Embedding.Fingerprint() != fp {
		return false, nil
	}
	srcIndex := filepath.Join(payloadDir, *manifest.Files.Index)
	if !fileExists(srcIndex) {
		return false, nil
	}

	data, err := os.ReadFile(srcIndex)
	if err != nil {
		return false, cpmerrors.Wrap(cpmerrors.ErrCodeIndexWriteFailed, err)
	}
	if err := cas.WriteFileAtomic(e.Layout.IndexFaissPath(digest, fp), data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// rebuildIndex embeds every chunk in docs.jsonl with the query-time embedder
// and writes a fresh flat index (spec §4.4.3 step 3).
func (e *Engine) rebuildIndex(ctx context.Context, payloadDir, digest, fp string) error {
	chunks, err := packetio.ReadDocsJSONL(filepath.Join(payloadDir, "docs.jsonl"))
	if err != nil {
		return cpmerrors.New(cpmerrors.ErrCodeRetrievalNoPacket, "failed to read docs.jsonl for index rebuild", err)
	}
	if len(chunks) == 0 {
		idx, err := annindex.New(nil, int(e.Spec.Dim))
		if err != nil {
			return err
		}
		return annindex.Save(e.Layout.IndexFaissPath(digest, fp), idx)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	hints := embed.Hints{Dim: int(e.Spec.Dim), Normalize: normalizeMode(e.Spec.Normalized), Model: e.Spec.Model}
	matrix, err := e.Embedder.Embed(ctx, texts, hints)
	if err != nil {
		return cpmerrors.Wrap(cpmerrors.ErrCodeEmbeddingUnavailable, err)
	}
	if matrix.Dim() != int(e.Spec.Dim) && e.Spec.Dim != 0 {
		return cpmerrors.New(cpmerrors.ErrCodeDimMismatch,
			fmt.Sprintf("rebuilt index embedder returned dim %d, want %d", matrix.Dim(), e.Spec.Dim), nil)
	}

	idx, err := annindex.New(matrix, matrix.Dim())
	if err != nil {
		return err
	}
	return annindex.Save(e.Layout.IndexFaissPath(digest, fp), idx)
}

// search embeds the query, runs the nearest-neighbor search, and collates
// hits with their source text lazily via docs.jsonl's byte-offset table
// (spec §4.4.2).
func (e *Engine) search(ctx context.Context, payloadDir, digest, fp, q string, k int) ([]Hit, error) {
	idx, err := annindex.Load(e.Layout.IndexFaissPath(digest, fp))
	if err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeRetrievalNoIndex, "failed to load index", err)
	}

	hints := embed.Hints{Dim: int(e.Spec.Dim), Normalize: normalizeMode(e.Spec.Normalized), Model: e.Spec.Model}
	matrix, err := e.Embedder.Embed(ctx, []string{q}, hints)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeEmbeddingUnavailable, err)
	}
	if len(matrix) != 1 {
		return nil, cpmerrors.New(cpmerrors.ErrCodeEmbeddingUnavailable, "embedder returned no vector for the query", nil)
	}
	if matrix.Dim() != idx.Dim() {
		return nil, cpmerrors.New(cpmerrors.ErrCodeRetrievalMismatch,
			fmt.Sprintf("query embedder dim %d does not match index dim %d", matrix.Dim(), idx.Dim()), nil)
	}

	docsPath := filepath.Join(payloadDir, "docs.jsonl")
	offsets, err := packetio.ByteOffsets(docsPath)
	if err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeRetrievalNoPacket, "failed to index docs.jsonl offsets", err)
	}

	neighbors, err := idx.Search(ctx, matrix[0], k)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(neighbors))
	for _, n := range neighbors {
		if n.ChunkIndex < 0 || n.ChunkIndex >= len(offsets) {
			continue
		}
		doc, err := packetio.ReadDocAt(docsPath, offsets[n.ChunkIndex])
		if err != nil {
			return nil, cpmerrors.New(cpmerrors.ErrCodeRetrievalNoPacket, "failed to read docs.jsonl row", err)
		}
		hits = append(hits, Hit{
			Score:   n.Score,
			Path:    metaString(doc.Metadata, "path"),
			Start:   metaInt(doc.Metadata, "line_start"),
			End:     metaInt(doc.Metadata, "line_end"),
			Snippet: doc.Text,
		})
	}
	return hits, nil
}

func metaString(m map[string]string, key string) string {
	return m[key]
}

func metaInt(m map[string]string, key string) int {
	v, err := strconv.Atoi(m[key])
	if err != nil {
		return 0
	}
	return v
}

func normalizeMode(normalized bool) embed.NormalizeMode {
	if normalized {
		return embed.NormalizeServer
	}
	return embed.NormalizeAuto
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func clampK(k, kMax, kDefault int) int {
	if k <= 0 {
		k = kDefault
	}
	if k < 1 {
		k = 1
	}
	if kMax > 0 && k > kMax {
		k = kMax
	}
	return k
}
