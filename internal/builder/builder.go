// Package builder implements the one-shot packet build pipeline: scan the
// source tree, chunk each file, decide what can be reused from a prior
// build, embed what's missing, build the nearest-neighbor index, and
// persist the packet file set.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cpm-dev/cpm/internal/annindex"
	"github.com/cpm-dev/cpm/internal/cas"
	"github.com/cpm-dev/cpm/internal/chunk"
	"github.com/cpm-dev/cpm/internal/config"
	"github.com/cpm-dev/cpm/internal/cpmerrors"
	"github.com/cpm-dev/cpm/internal/embed"
	"github.com/cpm-dev/cpm/internal/packetio"
	"github.com/cpm-dev/cpm/internal/scanner"
)

// Clock supplies the build timestamp, so tests can fix time and builds stay
// reproducible (spec §4.1 "Determinism requirements").
type Clock func() time.Time

// Options configures one build invocation.
type Options struct {
	Name           string
	Version        string
	BuildProfile   string
	SourcePath     string
	DestPath       string
	Config         config.BuildConfig
	Embedder       embed.Client
	Clock          Clock
	Logger         *slog.Logger
	Archive        ArchiveFormat
	ConfigHash     string // canonical-JSON hash of resolved build params, for packet_id
	Resume         bool   // true for `build embed`: DestPath is an existing partial build to continue
}

// ArchiveFormat selects the optional archive phase's output, if any.
type ArchiveFormat string

const (
	ArchiveNone   ArchiveFormat = ""
	ArchiveTarGz  ArchiveFormat = "tar.gz"
	ArchiveZip    ArchiveFormat = "zip"
)

// Build runs the full scan→chunk→incremental→embed→index→persist→archive
// pipeline, per spec §4.1. Unless opts.Resume is set, a destination that
// already holds a manifest.json is rejected; an existing destination without
// a manifest.json is built into.
func Build(ctx context.Context, opts Options) (*packetio.PacketManifest, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	if _, err := os.Stat(opts.SourcePath); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeSourceMissing,
			fmt.Sprintf("source path %q does not exist", opts.SourcePath), err)
	}

	if !opts.Resume {
		if _, err := os.Stat(filepath.Join(opts.DestPath, "manifest.json")); err == nil {
			return nil, cpmerrors.New(cpmerrors.ErrCodeIndexWriteFailed,
				fmt.Sprintf("destination %s already holds a build; use `build embed` to resume it", opts.DestPath), nil)
		}
	}

	sentinel := cas.NewBuildingSentinel(opts.DestPath)
	if err := os.MkdirAll(opts.DestPath, 0o755); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeFilePermission, "failed to create destination directory", err)
	}
	if err := sentinel.Claim(); err != nil {
		return nil, err
	}
	defer func() { _ = sentinel.Release() }()

	files, err := scanSource(ctx, opts.SourcePath)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, cpmerrors.New(cpmerrors.ErrCodeNoInputs, "no indexable files found under source path", nil)
	}

	chunks, err := chunkFiles(ctx, files, opts.Config)
	if err != nil {
		return nil, err
	}

	normalizedSource := normalizeSourcePath(opts.SourcePath)
	packetID := packetio.PacketID(opts.Name, opts.Version, opts.BuildProfile, normalizedSource, opts.ConfigHash)

	spec := packetio.EmbeddingSpec{
		Provider:     "openai-compatible",
		Model:        opts.Config.EmbeddingModel,
		Dim:          uint32(opts.Config.EmbeddingDim),
		Dtype:        "f16",
		Normalized:   true,
		MaxSeqLength: opts.Config.MaxSeqLength,
	}

	plan, err := planIncremental(opts.DestPath, chunks, spec)
	if err != nil {
		return nil, err
	}

	partial := packetio.NewPartialManifest(packetID, spec, len(chunks))
	partial.Incremental = packetio.IncrementalStats{
		Enabled:  true,
		Reused:   len(plan.reusedIndices),
		Embedded: len(plan.missingIndices),
		Removed:  plan.removed,
	}

	docsPath := filepath.Join(opts.DestPath, "docs.jsonl")
	if err := packetio.WriteDocsJSONL(docsPath, chunks); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeFilePermission, "failed to write docs.jsonl", err)
	}

	manifestPath := filepath.Join(opts.DestPath, "manifest.json")
	if err := packetio.WriteManifest(manifestPath, partial); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeFilePermission, "failed to write tentative manifest", err)
	}

	matrix, err := embedMissing(ctx, opts.Embedder, chunks, plan, spec, logger)
	if err != nil {
		partial.MarkEmbeddingFailed(err.Error())
		_ = packetio.WriteManifest(manifestPath, partial)
		return partial, err
	}

	if err := validateDim(matrix, int(spec.Dim)); err != nil {
		return nil, err
	}
	if err := validateNormalized(matrix, spec.Normalized); err != nil {
		return nil, err
	}

	idx, err := annindex.New(matrix, int(spec.Dim))
	if err != nil {
		return nil, err
	}

	indexDir := filepath.Join(opts.DestPath, "faiss")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeFilePermission, "failed to create faiss directory", err)
	}
	indexPath := filepath.Join(indexDir, "index.faiss")
	if err := annindex.Save(indexPath, idx); err != nil {
		_ = os.Remove(indexPath)
		partial.Extras = map[string]string{"build_status": "index_write_failed"}
		_ = packetio.WriteManifest(manifestPath, partial)
		return nil, cpmerrors.New(cpmerrors.ErrCodeIndexWriteFailed, "failed to persist index", err)
	}

	vectorsPath := filepath.Join(opts.DestPath, "vectors.f16.bin")
	if err := packetio.WriteVectorsF16(vectorsPath, matrix); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeFilePermission, "failed to write vectors.f16.bin", err)
	}

	yamlPath := filepath.Join(opts.DestPath, "cpm.yml")
	cpmYAML := packetio.CPMYAML{
		CPMSchema:           "cpm.yml/v1",
		Name:                opts.Name,
		Version:             opts.Version,
		Tags:                "",
		Entrypoints:         "",
		EmbeddingModel:      spec.Model,
		EmbeddingDim:        spec.Dim,
		EmbeddingNormalized: spec.Normalized,
		CreatedAt:           packetio.RFC3339Now(clock()),
	}
	if err := packetio.WriteCPMYAML(yamlPath, cpmYAML); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeFilePermission, "failed to write cpm.yml", err)
	}

	checksums, err := computeChecksums(opts.DestPath, []string{"docs.jsonl", "vectors.f16.bin", "faiss/index.faiss", "cpm.yml"})
	if err != nil {
		return nil, err
	}

	final := packetio.PacketManifest{
		SchemaVersion: "1.0",
		PacketID:      packetID,
		Embedding:     spec,
		Similarity:    packetio.SimilaritySpec{Space: "inner_product", IndexType: "flat_ip"},
		Files: packetio.ManifestFiles{
			Docs:    "docs.jsonl",
			Vectors: strPtr("vectors.f16.bin"),
			Index:   strPtr("faiss/index.faiss"),
		},
		Counts: packetio.ManifestCounts{Docs: len(chunks), Vectors: len(matrix)},
		Source: &packetio.SourceInfo{
			CreatedAt: packetio.RFC3339Now(clock()),
			Build: &packetio.BuildInfo{
				Minimal:           opts.Config.Minimal,
				IncludeDocs:       opts.Config.IncludeDocs,
				IncludeEmbeddings: opts.Config.IncludeEmbeddings,
			},
		},
		Incremental: partial.Incremental,
		Checksums:   checksums,
	}
	if err := packetio.WriteManifest(manifestPath, &final); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeFilePermission, "failed to write final manifest", err)
	}

	if opts.Archive != ArchiveNone {
		if err := archivePacket(opts.DestPath, opts.Archive); err != nil {
			logger.Warn("archive step failed", "error", err)
		}
	}

	logger.Info("build complete", "packet_id", packetID, "chunks", len(chunks), "embedded", len(plan.missingIndices), "reused", len(plan.reusedIndices))
	return &final, nil
}

func scanSource(ctx context.Context, root string) ([]fileInput, error) {
	s, err := scanner.New()
	if err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeInternal, "failed to create scanner", err)
	}

	results, err := s.Scan(ctx, &scanner.ScanOptions{RootDir: root, RespectGitignore: true})
	if err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeSourceMissing, "failed to scan source path", err)
	}

	var files []fileInput
	for res := range results {
		if res.Error != nil {
			continue
		}
		data, err := os.ReadFile(res.File.AbsPath)
		if err != nil {
			continue
		}
		text, ok := decodeUTF8Lenient(data)
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		files = append(files, fileInput{path: filepath.ToSlash(res.File.Path), text: text, language: res.File.Language})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

type fileInput struct {
	path     string
	text     string
	language string
}

func chunkFiles(ctx context.Context, files []fileInput, cfg config.BuildConfig) ([]packetio.DocChunk, error) {
	dispatcher := chunk.NewDispatcher()
	defer dispatcher.Close()

	var out []packetio.DocChunk
	for _, f := range files {
		docChunks, err := dispatcher.ChunkFile(ctx, &chunk.FileInput{
			Path:     f.path,
			Content:  []byte(f.text),
			Language: f.language,
		})
		if err != nil {
			return nil, cpmerrors.New(cpmerrors.ErrCodeChunkingFailed,
				fmt.Sprintf("failed to chunk %s", f.path), err)
		}
		for _, dc := range docChunks {
			out = append(out, packetio.DocChunk{
				ID:       dc.ID,
				Text:     dc.Text,
				Hash:     dc.Hash,
				Metadata: stringifyMetadata(dc.Metadata),
			})
		}
	}
	return out, nil
}

func stringifyMetadata(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func normalizeSourcePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(abs)
}

func strPtr(s string) *string { return &s }

func computeChecksums(destPath string, relPaths []string) (map[string]packetio.ChecksumEntry, error) {
	out := make(map[string]packetio.ChecksumEntry, len(relPaths))
	for _, rel := range relPaths {
		data, err := os.ReadFile(filepath.Join(destPath, rel))
		if err != nil {
			return nil, cpmerrors.New(cpmerrors.ErrCodeFileNotFound, "failed to read file for checksum: "+rel, err)
		}
		out[rel] = packetio.ChecksumEntry{Algo: "sha256", Value: packetio.SHA256Hex(data)}
	}
	return out, nil
}

// decodeUTF8Lenient accepts valid UTF-8 as-is; anything else is treated as
// undecodable and the caller skips the file, per spec §4.1 phase 1.
func decodeUTF8Lenient(data []byte) (string, bool) {
	if !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}
