package oci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadata_CurrentSchema(t *testing.T) {
	data := []byte(`{
		"schema": "cpm.packet.metadata",
		"schema_version": "1.0",
		"packet": {"name": "widgets", "version": "1.0.0", "kind": "library"},
		"payload": {"files": [{"name": "docs.jsonl", "digest": "sha256:abc", "size": 42}]}
	}`)
	m, err := ParseMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, "widgets", m.Packet.Name)
	assert.Equal(t, "library", m.Packet.Kind)
	assert.Len(t, m.Payload.Files, 1)
}

func TestParseMetadata_LegacySchemaNormalized(t *testing.T) {
	data := []byte(`{
		"schema": "cpm-oci/v1",
		"name": "widgets",
		"version": "2.0.0",
		"files": [{"name": "docs.jsonl", "digest": "sha256:def", "size": 7}],
		"created_at": "2026-01-01T00:00:00Z"
	}`)
	m, err := ParseMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, SchemaName, m.Schema)
	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	assert.Equal(t, "widgets", m.Packet.Name)
	assert.Equal(t, "2.0.0", m.Packet.Version)
	require.NotNil(t, m.Source)
	assert.Equal(t, "2026-01-01T00:00:00Z", m.Source.CreatedAt)
	require.Len(t, m.Payload.Files, 1)
	assert.Equal(t, "docs.jsonl", m.Payload.Files[0].Name)
}

func TestParseMetadata_MalformedBlobErrors(t *testing.T) {
	_, err := ParseMetadata([]byte("not json"))
	assert.Error(t, err)
}

func TestMetadataJSON_IsCanonicalAndSortsKeys(t *testing.T) {
	m := PacketMetadata{
		Schema:        SchemaName,
		SchemaVersion: SchemaVersion,
		Packet:        PacketInfo{Name: "widgets", Version: "1.0.0"},
		Payload:       Payload{Files: []PayloadFile{{Name: "docs.jsonl"}}},
	}
	data, err := metadataJSON(m)
	require.NoError(t, err)
	assert.True(t, data[len(data)-1] == '\n')
}
