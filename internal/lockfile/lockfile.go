// Package lockfile implements deterministic plan computation, lockfile
// serialization, and three-tier verification (plan match, artifact match,
// frozen-determinism) for a packet build.
package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cpm-dev/cpm/internal/cas"
	"github.com/cpm-dev/cpm/internal/cpmerrors"
	"github.com/cpm-dev/cpm/internal/packetio"
)

const SchemaVersion = "1"
const DefaultFileName = "cpm.lock.json"

// PacketIdentity names the packet a plan/lockfile belongs to.
type PacketIdentity struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	PacketID     string `json:"packet_id"`
	ResolvedID   string `json:"resolved_packet_id"`
	BuildProfile string `json:"build_profile"`
}

// Inputs records the source tree's content fingerprint.
type Inputs struct {
	TreeHash   string            `json:"tree_hash"`
	FileHashes map[string]string `json:"file_hashes"`
}

// PipelineStep describes one stage (build/embed/index) of the plan.
type PipelineStep struct {
	Step             string `json:"step"`
	Plugin           string `json:"plugin"`
	PluginVersion    string `json:"plugin_version"`
	ConfigHash       string `json:"config_hash"`
	NonDeterministic bool   `json:"non_deterministic,omitempty"`
}

// ModelSpec records the resolved embedding model used by a plan.
type ModelSpec struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Revision         string  `json:"revision,omitempty"`
	Dtype            string  `json:"dtype"`
	DevicePolicy     string  `json:"device_policy,omitempty"`
	Normalize        string  `json:"normalize"`
	MaxSeqLength     *uint32 `json:"max_seq_length,omitempty"`
	NonDeterministic bool    `json:"non_deterministic,omitempty"`
}

// ResolvedPlan is the deterministic function of build inputs that the
// lockfile records and later re-derives to check for drift.
type ResolvedPlan struct {
	Packet   PacketIdentity `json:"packet"`
	Inputs   Inputs         `json:"inputs"`
	Pipeline []PipelineStep `json:"pipeline"`
	Models   []ModelSpec    `json:"models"`
}

// Artifacts names the on-disk hashes a rendered lockfile captures.
type Artifacts struct {
	ChunksManifestHash string `json:"chunks_manifest_hash"`
	EmbeddingsHash      string `json:"embeddings_hash,omitempty"`
	IndexHash           string `json:"index_hash,omitempty"`
	PacketManifestHash  string `json:"packet_manifest_hash"`
}

// Resolution records lockfile-generation metadata.
type Resolution struct {
	GeneratedAt string   `json:"generated_at"`
	CPMVersion  string   `json:"cpm_version"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Lockfile is the on-disk cpm.lock.json record.
type Lockfile struct {
	LockfileVersion string         `json:"lockfileVersion"`
	Packet          PacketIdentity `json:"packet"`
	Inputs          Inputs         `json:"inputs"`
	Pipeline        []PipelineStep `json:"pipeline"`
	Models          []ModelSpec    `json:"models"`
	Artifacts       Artifacts      `json:"artifacts"`
	Resolution      Resolution     `json:"resolution"`
}

// Plan computes the deterministic ResolvedPlan for one build invocation. It
// takes no wall-clock or environment-derived input beyond what's explicitly
// passed in, so identical invocations always produce an identical plan.
func Plan(identity PacketIdentity, fileHashes map[string]string, pipeline []PipelineStep, models []ModelSpec) ResolvedPlan {
	return ResolvedPlan{
		Packet:   identity,
		Inputs:   Inputs{TreeHash: packetio.TreeFingerprint(fileHashes), FileHashes: fileHashes},
		Pipeline: pipeline,
		Models:   models,
	}
}

// Render builds the full Lockfile record from a plan plus the hashes of the
// artifacts a completed build produced.
func Render(plan ResolvedPlan, artifacts Artifacts, generatedAt, cpmVersion string, warnings []string) Lockfile {
	return Lockfile{
		LockfileVersion: SchemaVersion,
		Packet:          plan.Packet,
		Inputs:          plan.Inputs,
		Pipeline:        plan.Pipeline,
		Models:          plan.Models,
		Artifacts:       artifacts,
		Resolution: Resolution{
			GeneratedAt: generatedAt,
			CPMVersion:  cpmVersion,
			Warnings:    warnings,
		},
	}
}

// Write serializes lf as canonical JSON and writes it atomically to path.
func Write(path string, lf Lockfile) error {
	data, err := packetio.CanonicalJSON(lf)
	if err != nil {
		return cpmerrors.New(cpmerrors.ErrCodeLockfileArtifactMiss, "failed to serialize lockfile", err)
	}
	data = append(data, '\n')
	if err := cas.WriteFileAtomic(path, data, 0o644); err != nil {
		return cpmerrors.Wrap(cpmerrors.ErrCodeAtomicRename, err)
	}
	return nil
}

// Read loads a lockfile from disk.
func Read(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lf Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeLockfilePlanMismatch, "malformed lockfile", err)
	}
	return &lf, nil
}

// ArtifactsForPacketDir computes the Artifacts record for a packet directory
// on disk, matching the file-name convention spec §4.3.3 names.
func ArtifactsForPacketDir(packetDir string) (Artifacts, error) {
	hashOf := func(rel string) (string, error) {
		path := filepath.Join(packetDir, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return "", nil
			}
			return "", err
		}
		return packetio.SHA256Hex(data), nil
	}

	docsHash, err := hashOf("docs.jsonl")
	if err != nil {
		return Artifacts{}, cpmerrors.New(cpmerrors.ErrCodeLockfileArtifactMiss, "failed to hash docs.jsonl", err)
	}
	vecHash, err := hashOf("vectors.f16.bin")
	if err != nil {
		return Artifacts{}, cpmerrors.New(cpmerrors.ErrCodeLockfileArtifactMiss, "failed to hash vectors.f16.bin", err)
	}
	idxHash, err := hashOf("faiss/index.faiss")
	if err != nil {
		return Artifacts{}, cpmerrors.New(cpmerrors.ErrCodeLockfileArtifactMiss, "failed to hash faiss/index.faiss", err)
	}
	manifestHash, err := hashOf("manifest.json")
	if err != nil {
		return Artifacts{}, cpmerrors.New(cpmerrors.ErrCodeLockfileArtifactMiss, "failed to hash manifest.json", err)
	}

	return Artifacts{
		ChunksManifestHash: docsHash,
		EmbeddingsHash:     vecHash,
		IndexHash:          idxHash,
		PacketManifestHash: manifestHash,
	}, nil
}
