package oci

import (
	"encoding/json"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
	"github.com/cpm-dev/cpm/internal/packetio"
)

// MetadataMediaType is the OCI layer media type carrying the packet
// metadata blob (spec §6.2).
const MetadataMediaType = "application/vnd.cpm.packet.manifest.v1+json"

// SchemaName and SchemaVersion identify the current metadata schema.
const (
	SchemaName      = "cpm.packet.metadata"
	SchemaVersion   = "1.0"
	legacySchemaV1  = "cpm-oci/v1"
)

// PacketInfo is the packet-identity section of the metadata blob.
type PacketInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Kind         string   `json:"kind,omitempty"`
	Entrypoints  []string `json:"entrypoints,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Compat names platform/version compatibility constraints.
type Compat struct {
	OS            string `json:"os,omitempty"`
	Arch          string `json:"arch,omitempty"`
	CPMMinVersion string `json:"cpm_min_version,omitempty"`
}

// PayloadFile describes one file named by the metadata blob's payload
// section, optionally pre-hashed/pre-sized for metadata-only consumers.
type PayloadFile struct {
	Name   string `json:"name"`
	Digest string `json:"digest,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// Payload names the packet's file set without requiring a full fetch.
type Payload struct {
	Files   []PayloadFile `json:"files"`
	FullRef string        `json:"full_ref,omitempty"`
}

// BuildInfo records the build profile used to produce this packet.
type BuildInfo struct {
	Minimal           bool `json:"minimal"`
	IncludeDocs       bool `json:"include_docs"`
	IncludeEmbeddings bool `json:"include_embeddings"`
}

// Source records build provenance.
type Source struct {
	ManifestDigest string     `json:"manifest_digest,omitempty"`
	CreatedAt      string     `json:"created_at,omitempty"`
	Build          *BuildInfo `json:"build,omitempty"`
}

// PacketMetadata is the normalized in-memory form of the cpm.packet.metadata
// v1.0 blob (spec §6.2), the sole payload of lookup_metadata.
type PacketMetadata struct {
	Schema        string      `json:"schema"`
	SchemaVersion string      `json:"schema_version"`
	Packet        PacketInfo  `json:"packet"`
	Compat        *Compat     `json:"compat,omitempty"`
	Payload       Payload     `json:"payload"`
	Source        *Source     `json:"source,omitempty"`
}

// legacyMetadataV1 mirrors the deprecated cpm-oci/v1 shape, accepted
// read-only and normalized into PacketMetadata at load time.
type legacyMetadataV1 struct {
	Schema  string `json:"schema"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Files   []struct {
		Name   string `json:"name"`
		Digest string `json:"digest"`
		Size   int64  `json:"size"`
	} `json:"files"`
	CreatedAt string `json:"created_at"`
}

// ParseMetadata decodes a metadata blob, accepting both the current v1.0
// schema and the legacy cpm-oci/v1 shape (normalized on the fly).
func ParseMetadata(data []byte) (PacketMetadata, error) {
	var probe struct {
		Schema string `json:"schema"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return PacketMetadata{}, cpmerrors.New(cpmerrors.ErrCodeOciPolicyDenied, "malformed metadata blob", err)
	}

	if probe.Schema == legacySchemaV1 {
		var legacy legacyMetadataV1
		if err := json.Unmarshal(data, &legacy); err != nil {
			return PacketMetadata{}, cpmerrors.New(cpmerrors.ErrCodeOciPolicyDenied, "malformed legacy metadata blob", err)
		}
		return normalizeLegacy(legacy), nil
	}

	var m PacketMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return PacketMetadata{}, cpmerrors.New(cpmerrors.ErrCodeOciPolicyDenied, "malformed metadata blob", err)
	}
	if m.Schema == "" {
		m.Schema = SchemaName
		m.SchemaVersion = SchemaVersion
	}
	return m, nil
}

// metadataJSON serializes m as canonical JSON, matching the rest of the
// packet format's "sorted keys, UTF-8, no trailing whitespace" rule
// (spec §6.2).
func metadataJSON(m PacketMetadata) ([]byte, error) {
	data, err := packetio.CanonicalJSON(m)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeOciPolicyDenied, err)
	}
	return append(data, '\n'), nil
}

func normalizeLegacy(l legacyMetadataV1) PacketMetadata {
	files := make([]PayloadFile, 0, len(l.Files))
	for _, f := range l.Files {
		files = append(files, PayloadFile{Name: f.Name, Digest: f.Digest, Size: f.Size})
	}
	var src *Source
	if l.CreatedAt != "" {
		src = &Source{CreatedAt: l.CreatedAt}
	}
	return PacketMetadata{
		Schema:        SchemaName,
		SchemaVersion: SchemaVersion,
		Packet:        PacketInfo{Name: l.Name, Version: l.Version},
		Payload:       Payload{Files: files},
		Source:        src,
	}
}
