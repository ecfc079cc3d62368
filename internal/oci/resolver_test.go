package oci

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpm-dev/cpm/internal/cas"
)

const samplePacketMetadata = `{
	"schema": "cpm.packet.metadata",
	"schema_version": "1.0",
	"packet": {"name": "widgets", "version": "1.0.0", "kind": "library"},
	"payload": {"files": [{"name": "docs.jsonl"}]}
}`

// pushTestPacket builds a single-layer OCI image carrying the metadata blob
// and pushes it to a local in-memory registry, returning the tag reference
// string and image digest.
func pushTestPacket(t *testing.T, registryHost, repoTag string) (string, string) {
	t.Helper()
	layer := static.NewLayer([]byte(samplePacketMetadata), MetadataMediaType)
	img, err := mutate.AppendLayers(empty.Image, layer)
	require.NoError(t, err)

	imgRef := registryHost + "/" + repoTag
	ref, err := name.ParseReference(imgRef)
	require.NoError(t, err)

	require.NoError(t, remote.Write(ref, img))

	digest, err := img.Digest()
	require.NoError(t, err)
	return imgRef, digest.String()
}

func newTestResolver(t *testing.T, registryHost string) *Resolver {
	t.Helper()
	layout := cas.NewLayout(t.TempDir())
	policy := Policy{AllowHTTPHosts: []string{strings.Split(registryHost, ":")[0]}}
	r := NewResolver(layout, policy, "", 900)
	return r
}

func TestResolver_LookupMetadata_ParsesPushedBlob(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	_, wantDigest := pushTestPacket(t, host, "team/widgets:v1")
	r := newTestResolver(t, host)
	sourceURI := "oci://" + host + "/team/widgets:v1"

	meta, digest, err := r.LookupMetadata(context.Background(), sourceURI)
	require.NoError(t, err)
	assert.Equal(t, wantDigest, digest)
	assert.Equal(t, "widgets", meta.Packet.Name)
	assert.Equal(t, "library", meta.Packet.Kind)
}

func TestResolver_LookupMetadata_CachesByDigest(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	_, _ = pushTestPacket(t, host, "team/widgets:v1")
	r := newTestResolver(t, host)
	sourceURI := "oci://" + host + "/team/widgets:v1"

	_, digest1, err := r.LookupMetadata(context.Background(), sourceURI)
	require.NoError(t, err)

	// Second call should hit the alias cache and never touch the network
	// again; closing the server first proves no further HTTP calls occur.
	srv.Close()
	_, digest2, err := r.LookupMetadata(context.Background(), sourceURI)
	require.NoError(t, err)
	assert.Equal(t, digest1, digest2)
}

func TestResolver_ResolveAndFetch_MaterializesOpaquePayloadBlob(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	_, digest := pushTestPacket(t, host, "team/widgets:v1")
	r := newTestResolver(t, host)
	sourceURI := "oci://" + host + "/team/widgets@" + digest

	dir, gotDigest, err := r.ResolveAndFetch(context.Background(), sourceURI)
	require.NoError(t, err)
	assert.Equal(t, digest, gotDigest)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "the metadata blob layer should have been materialized as an opaque file")
}

func TestResolver_ResolveAndFetch_CacheHitShortCircuits(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	_, digest := pushTestPacket(t, host, "team/widgets:v1")
	r := newTestResolver(t, host)

	payloadDir := r.Layout.PayloadDir(digest)
	require.NoError(t, os.MkdirAll(payloadDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(payloadDir, "manifest.json"), []byte(`{}`), 0o644))

	srv.Close() // prove no network call is needed for a cache hit
	sourceURI := "oci://" + host + "/team/widgets@" + digest
	dir, gotDigest, err := r.ResolveAndFetch(context.Background(), sourceURI)
	require.NoError(t, err)
	assert.Equal(t, payloadDir, dir)
	assert.Equal(t, digest, gotDigest)
}
