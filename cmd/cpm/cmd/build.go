package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cpm-dev/cpm/internal/builder"
	"github.com/cpm-dev/cpm/internal/config"
	"github.com/cpm-dev/cpm/internal/cpmerrors"
	"github.com/cpm-dev/cpm/internal/embed"
	"github.com/cpm-dev/cpm/internal/lockfile"
	"github.com/cpm-dev/cpm/internal/packetio"
	"github.com/cpm-dev/cpm/internal/scanner"
	"github.com/cpm-dev/cpm/pkg/version"
)

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a packet from a source tree",
	}
	cmd.AddCommand(newBuildRunCmd())
	cmd.AddCommand(newBuildEmbedCmd())
	cmd.AddCommand(newBuildVerifyCmd())
	return cmd
}

func newBuildRunCmd() *cobra.Command {
	var (
		name, pktVersion, buildProfile, dest, embeddingURL string
		minimal, includeEmbeddings                         bool
		frozenLockfile, updateLock                         bool
	)

	cmd := &cobra.Command{
		Use:   "run <source-path>",
		Short: "Scan, chunk, embed, index, and persist a packet (fresh build)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), args[0], buildOptions{
				name: name, version: pktVersion, buildProfile: buildProfile, dest: dest,
				embeddingURL: embeddingURL, minimal: minimal, includeEmbeddings: includeEmbeddings,
				frozenLockfile: frozenLockfile, updateLock: updateLock,
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Packet name (required)")
	cmd.Flags().StringVar(&pktVersion, "version", "0.1.0", "Packet version")
	cmd.Flags().StringVar(&buildProfile, "profile", "default", "Build profile label recorded in the plan")
	cmd.Flags().StringVar(&dest, "dest", "", "Destination directory (defaults to ./<name>-<version>)")
	cmd.Flags().StringVar(&embeddingURL, "embedding-url", "", "Embedding service endpoint (overrides config)")
	cmd.Flags().BoolVar(&minimal, "minimal", false, "Produce a docs-only packet with no vectors/index")
	cmd.Flags().BoolVar(&includeEmbeddings, "include-embeddings", true, "Embed and index the packet (disable for docs-only)")
	cmd.Flags().BoolVar(&frozenLockfile, "frozen-lockfile", false, "Refuse to build if the existing lockfile marks any step or model non-deterministic")
	cmd.Flags().BoolVar(&updateLock, "update-lock", false, "Overwrite the existing lockfile even if the freshly computed plan differs from it")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newBuildEmbedCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "embed <source-path>",
		Short: "Resume a partial build, embedding only what's missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dest == "" {
				return fmt.Errorf("--dest is required to resume an existing build")
			}
			manifestPath := filepath.Join(dest, "manifest.json")
			m, err := packetio.ReadManifest(manifestPath)
			if err != nil {
				return fmt.Errorf("failed to read existing manifest at %s: %w", manifestPath, err)
			}
			return runBuild(cmd.Context(), args[0], buildOptions{
				name: m.PacketID, version: "", dest: dest, includeEmbeddings: true, resume: true,
			})
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "Destination directory of the partial build (required)")
	return cmd
}

func newBuildVerifyCmd() *cobra.Command {
	var (
		sourcePath, lockPath string
		frozen               bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a built packet's lockfile against its source tree and artifacts",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runVerify(sourcePath, lockPath, frozen)
		},
	}
	cmd.Flags().StringVar(&sourcePath, "source", ".", "Source tree the packet was built from")
	cmd.Flags().StringVar(&lockPath, "lock", lockfile.DefaultFileName, "Path to the lockfile")
	cmd.Flags().BoolVar(&frozen, "frozen", false, "Also reject any pipeline step or model marked non-deterministic")
	return cmd
}

type buildOptions struct {
	name, version, buildProfile, dest, embeddingURL string
	minimal, includeEmbeddings                      bool
	resume, frozenLockfile, updateLock              bool
}

// planPipelineAndModels derives the lockfile's pipeline/model sections from
// the live build config, the same way for a pre-build drift check, a
// post-build render, and `build verify` — so a changed chunk_tokens or
// embedding model is always visible as plan drift rather than only showing
// up in whichever of those three call sites happened to read it from config.
func planPipelineAndModels(buildCfg config.BuildConfig, configHash string) ([]lockfile.PipelineStep, []lockfile.ModelSpec) {
	pipeline := []lockfile.PipelineStep{
		{Step: "chunk", Plugin: "cpm-chunker", PluginVersion: version.Version, ConfigHash: configHash},
	}
	var models []lockfile.ModelSpec
	if buildCfg.IncludeEmbeddings {
		models = append(models, lockfile.ModelSpec{
			Provider:     "openai-compatible",
			Model:        buildCfg.EmbeddingModel,
			Dtype:        "f16",
			Normalize:    buildCfg.Normalize,
			MaxSeqLength: buildCfg.MaxSeqLength,
		})
	}
	return pipeline, models
}

// normalizeSourcePath mirrors internal/builder's own path normalization so a
// packet ID computed here before a build matches the one the builder derives
// during it.
func normalizeSourcePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(abs)
}

func runBuild(ctx context.Context, sourcePath string, opts buildOptions) error {
	cfg, err := config.Load(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.embeddingURL != "" {
		cfg.Retrieval.EmbeddingURL = opts.embeddingURL
	}
	cfg.Build.Minimal = opts.minimal
	cfg.Build.IncludeEmbeddings = opts.includeEmbeddings

	dest := opts.dest
	if dest == "" {
		dest = fmt.Sprintf("%s-%s", opts.name, opts.version)
	}

	var embedder embed.Client
	if cfg.Build.IncludeEmbeddings {
		if cfg.Retrieval.EmbeddingURL == "" {
			return fmt.Errorf("an embedding endpoint is required: pass --embedding-url or set retrieval.embedding_url in cpm config, or build with --include-embeddings=false")
		}
		embedder, err = embed.NewHTTPClient(cfg.Retrieval.EmbeddingURL)
		if err != nil {
			return fmt.Errorf("failed to configure embedder: %w", err)
		}
	}

	fileHashes, err := hashSourceTree(ctx, sourcePath)
	if err != nil {
		return fmt.Errorf("failed to hash source tree: %w", err)
	}
	configHash, err := packetio.ConfigHash(cfg.Build)
	if err != nil {
		return fmt.Errorf("failed to hash build config: %w", err)
	}

	packetID := packetio.PacketID(opts.name, opts.version, opts.buildProfile, normalizeSourcePath(sourcePath), configHash)
	identity := lockfile.PacketIdentity{
		Name:         opts.name,
		Version:      opts.version,
		PacketID:     packetID,
		ResolvedID:   packetID,
		BuildProfile: opts.buildProfile,
	}
	pipeline, models := planPipelineAndModels(cfg.Build, configHash)
	candidatePlan := lockfile.Plan(identity, fileHashes, pipeline, models)

	lockPath := filepath.Join(dest, lockfile.DefaultFileName)
	var existingLF *lockfile.Lockfile
	if _, statErr := os.Stat(lockPath); statErr == nil {
		existingLF, err = lockfile.Read(lockPath)
		if err != nil {
			return fmt.Errorf("failed to read existing lockfile: %w", err)
		}
	}

	// Per spec §4.3.4: an absent lockfile or --update-lock always proceeds
	// straight to build+write. Otherwise, check the existing lockfile before
	// touching disk at all.
	if existingLF != nil && !opts.updateLock {
		if opts.frozenLockfile {
			if violations := nonDeterministicMarkers(*existingLF); len(violations) > 0 {
				return cpmerrors.New(cpmerrors.ErrCodeLockfileFrozenViolate,
					fmt.Sprintf("frozen-lockfile violation: %s is marked non-deterministic", strings.Join(violations, ", ")), nil)
			}
		}

		report, err := lockfile.Verify(*existingLF, candidatePlan, dest, false)
		if err != nil {
			return fmt.Errorf("failed to verify existing lockfile: %w", err)
		}
		if !report.PlanMatch {
			return cpmerrors.New(cpmerrors.ErrCodeLockfilePlanMismatch,
				fmt.Sprintf("lockfile plan mismatch in %s (pass --update-lock to accept): %s",
					lockPath, strings.Join(report.PlanDiff, ", ")), nil)
		}
	}

	manifest, err := builder.Build(ctx, builder.Options{
		Name:         opts.name,
		Version:      opts.version,
		BuildProfile: opts.buildProfile,
		SourcePath:   sourcePath,
		DestPath:     dest,
		Config:       cfg.Build,
		Embedder:     embedder,
		ConfigHash:   configHash,
		Resume:       opts.resume,
	})
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	artifacts, err := lockfile.ArtifactsForPacketDir(dest)
	if err != nil {
		return fmt.Errorf("failed to hash build artifacts: %w", err)
	}
	lf := lockfile.Render(candidatePlan, artifacts, time.Now().UTC().Format(time.RFC3339), version.Version, nil)
	if err := lockfile.Write(lockPath, lf); err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}

	fmt.Printf("built %s: %d docs, %d vectors -> %s\n", manifest.PacketID, manifest.Counts.Docs, manifest.Counts.Vectors, dest)
	return nil
}

// nonDeterministicMarkers lists the pipeline steps and models an on-disk
// lockfile marks non-deterministic, for the --frozen-lockfile pre-build
// check (spec §8.2 Scenario C).
func nonDeterministicMarkers(lf lockfile.Lockfile) []string {
	var marks []string
	for _, step := range lf.Pipeline {
		if step.NonDeterministic {
			marks = append(marks, "pipeline:"+step.Step)
		}
	}
	for _, m := range lf.Models {
		if m.NonDeterministic {
			marks = append(marks, "model:"+m.Model)
		}
	}
	return marks
}

func runVerify(sourcePath, lockPath string, frozen bool) error {
	lf, err := lockfile.Read(lockPath)
	if err != nil {
		return fmt.Errorf("failed to read lockfile: %w", err)
	}

	cfg, err := config.Load(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	configHash, err := packetio.ConfigHash(cfg.Build)
	if err != nil {
		return fmt.Errorf("failed to hash build config: %w", err)
	}
	pipeline, models := planPipelineAndModels(cfg.Build, configHash)

	fileHashes, err := hashSourceTree(context.Background(), sourcePath)
	if err != nil {
		return fmt.Errorf("failed to hash source tree: %w", err)
	}
	freshPlan := lockfile.Plan(lf.Packet, fileHashes, pipeline, models)

	packetDir := filepath.Dir(lockPath)
	report, err := lockfile.Verify(*lf, freshPlan, packetDir, frozen)
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(data))
	if !report.OK() {
		return fmt.Errorf("lockfile verification failed")
	}
	return nil
}

// hashSourceTree walks the same indexable file set the builder scans and
// returns each file's content hash, keyed by its repo-relative path, for the
// lockfile's tree fingerprint.
func hashSourceTree(ctx context.Context, sourcePath string) (map[string]string, error) {
	s, err := scanner.New()
	if err != nil {
		return nil, err
	}
	results, err := s.Scan(ctx, &scanner.ScanOptions{RootDir: sourcePath, RespectGitignore: true})
	if err != nil {
		return nil, err
	}

	hashes := make(map[string]string)
	for res := range results {
		if res.Error != nil {
			continue
		}
		data, err := os.ReadFile(res.File.AbsPath)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(data)
		hashes[filepath.ToSlash(res.File.Path)] = hex.EncodeToString(sum[:])
	}
	return hashes, nil
}
