package oci

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpm-dev/cpm/internal/cas"
)

func TestMetadataCache_RoundTrips(t *testing.T) {
	layout := cas.NewLayout(t.TempDir())
	meta := PacketMetadata{
		Schema:        SchemaName,
		SchemaVersion: SchemaVersion,
		Packet:        PacketInfo{Name: "widgets", Version: "1.0.0"},
	}
	require.NoError(t, writeMetadataCache(layout, "sha256:abc", meta))

	got, ok := readMetadataCache(layout, "sha256:abc")
	require.True(t, ok)
	assert.Equal(t, "widgets", got.Packet.Name)
}

func TestMetadataCache_MissReturnsFalse(t *testing.T) {
	layout := cas.NewLayout(t.TempDir())
	_, ok := readMetadataCache(layout, "sha256:doesnotexist")
	assert.False(t, ok)
}

func TestAliasCache_RespectsTTL(t *testing.T) {
	layout := cas.NewLayout(t.TempDir())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, writeAliasCache(layout, "host/repo/name:latest", "sha256:abc", 60, base))

	digest, ok := readAliasCache(layout, "host/repo/name:latest", base.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, "sha256:abc", digest)

	_, ok = readAliasCache(layout, "host/repo/name:latest", base.Add(90*time.Second))
	assert.False(t, ok)
}

func TestAliasCache_ZeroTTLNeverExpires(t *testing.T) {
	layout := cas.NewLayout(t.TempDir())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, writeAliasCache(layout, "host/repo/name:latest", "sha256:abc", 0, base))

	digest, ok := readAliasCache(layout, "host/repo/name:latest", base.Add(365*24*time.Hour))
	require.True(t, ok)
	assert.Equal(t, "sha256:abc", digest)
}
