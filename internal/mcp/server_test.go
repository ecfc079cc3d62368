package mcp

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpm-dev/cpm/internal/cas"
	"github.com/cpm-dev/cpm/internal/config"
	"github.com/cpm-dev/cpm/internal/embed"
	"github.com/cpm-dev/cpm/internal/oci"
	"github.com/cpm-dev/cpm/internal/packetio"
	"github.com/cpm-dev/cpm/internal/retrieval"
)

type oneHotEmbedder struct{ dim int }

func (e *oneHotEmbedder) Embed(_ context.Context, texts []string, _ embed.Hints) (embed.Matrix, error) {
	m := make(embed.Matrix, len(texts))
	for i, t := range texts {
		row := make([]float32, e.dim)
		var h int
		for _, r := range t {
			h = (h*31 + int(r)) % e.dim
			if h < 0 {
				h += e.dim
			}
		}
		row[h] = 1
		m[i] = row
	}
	return m, nil
}

func buildTestTarGz(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, data := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func pushTestPacket(t *testing.T, host, repoTag, metadata string, payload map[string][]byte) string {
	t.Helper()
	layers := []v1.Layer{static.NewLayer([]byte(metadata), oci.MetadataMediaType)}
	if payload != nil {
		layers = append(layers, static.NewLayer(buildTestTarGz(t, payload), oci.PayloadMediaType))
	}
	img, err := mutate.AppendLayers(empty.Image, layers...)
	require.NoError(t, err)
	ref, err := name.ParseReference(host + "/" + repoTag)
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img))
	digest, err := img.Digest()
	require.NoError(t, err)
	return digest.String()
}

func testDocLine(t *testing.T, id, text, path string, start, end int) []byte {
	t.Helper()
	chunk := packetio.DocChunk{
		ID:   id,
		Text: text,
		Hash: "h-" + id,
		Metadata: map[string]string{
			"path":       path,
			"line_start": strconv.Itoa(start),
			"line_end":   strconv.Itoa(end),
		},
	}
	data, err := json.Marshal(chunk)
	require.NoError(t, err)
	return append(data, '\n')
}

func testManifestJSON(t *testing.T) []byte {
	t.Helper()
	m := packetio.PacketManifest{
		SchemaVersion: "1.0",
		PacketID:      "widgets@1.0.0",
		Files:         packetio.ManifestFiles{Docs: "docs.jsonl"},
		Checksums:     map[string]packetio.ChecksumEntry{},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

const testPacketMetadata = `{
	"schema": "cpm.packet.metadata",
	"schema_version": "1.0",
	"packet": {"name": "widgets", "version": "1.0.0", "kind": "library"},
	"payload": {"files": [{"name": "docs.jsonl"}]}
}`

func newTestServer(t *testing.T, host string, dim int) *Server {
	t.Helper()
	layout := cas.NewLayout(t.TempDir())
	policy := oci.Policy{AllowHTTPHosts: []string{strings.Split(host, ":")[0]}}
	resolver := oci.NewResolver(layout, policy, "", 900)
	embedder := &oneHotEmbedder{dim: dim}
	spec := packetio.EmbeddingSpec{Provider: "test", Model: "test-model", Dim: uint32(dim), Dtype: "f32", Normalized: true}
	cfg := config.RetrievalConfig{KDefault: 10, KMax: 20, MaxChars: 1200}
	engine := retrieval.NewEngine(layout, resolver, embedder, cfg, spec)

	srv, err := NewServer(engine, resolver, config.NewConfig())
	require.NoError(t, err)
	return srv
}

func TestMcpQueryHandler_RequiresRefAndQ(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")
	s := newTestServer(t, host, 4)

	_, _, err := s.mcpQueryHandler(context.Background(), nil, QueryInput{Q: "x"})
	require.Error(t, err)

	_, _, err = s.mcpQueryHandler(context.Background(), nil, QueryInput{Ref: "oci://x/y:v1"})
	require.Error(t, err)
}

func TestMcpQueryHandler_ReturnsHits(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	docs := testDocLine(t, "a.go:0", "alpha function", "a.go", 1, 3)
	pushTestPacket(t, host, "team/widgets:v1", testPacketMetadata, map[string][]byte{
		"docs.jsonl":    docs,
		"manifest.json": testManifestJSON(t),
	})

	s := newTestServer(t, host, 4)
	_, out, err := s.mcpQueryHandler(context.Background(), nil, QueryInput{
		Ref: "oci://" + host + "/team/widgets:v1",
		Q:   "alpha function",
		K:   1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "a.go", out.Results[0].Path)
}

func TestMcpPlanHandler_RequiresIntentAndCandidates(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")
	s := newTestServer(t, host, 4)

	_, _, err := s.mcpPlanHandler(context.Background(), nil, PlanInput{SourceURIs: []string{"oci://x/y:v1"}})
	require.Error(t, err)

	_, _, err = s.mcpPlanHandler(context.Background(), nil, PlanInput{Intent: "do a thing"})
	require.Error(t, err)
}

func TestMcpPlanHandler_SelectsBestCandidate(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	authMeta := `{"schema":"cpm.packet.metadata","schema_version":"1.0","packet":{"name":"auth-lib","version":"1.0.0","kind":"library","description":"authentication and session handling"},"payload":{"files":[{"name":"docs.jsonl"}]}}`
	billingMeta := `{"schema":"cpm.packet.metadata","schema_version":"1.0","packet":{"name":"billing-lib","version":"1.0.0","kind":"library","description":"invoice and billing"},"payload":{"files":[{"name":"docs.jsonl"}]}}`
	pushTestPacket(t, host, "team/auth:v1", authMeta, nil)
	pushTestPacket(t, host, "team/billing:v1", billingMeta, nil)

	s := newTestServer(t, host, 4)
	_, out, err := s.mcpPlanHandler(context.Background(), nil, PlanInput{
		Intent:     "authenticate user session",
		SourceURIs: []string{"oci://" + host + "/team/auth:v1", "oci://" + host + "/team/billing:v1"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Selected)
	assert.Equal(t, "auth-lib", out.Selected.Name)
}

func TestMcpEvidenceHandler_RequiresRefAndQ(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")
	s := newTestServer(t, host, 4)

	_, _, err := s.mcpEvidenceHandler(context.Background(), nil, EvidenceInput{Q: "x"})
	require.Error(t, err)
}

func TestMcpEvidenceHandler_ReturnsSummary(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	docs := testDocLine(t, "a.go:0", "alpha function", "a.go", 1, 3)
	pushTestPacket(t, host, "team/widgets:v1", testPacketMetadata, map[string][]byte{
		"docs.jsonl":    docs,
		"manifest.json": testManifestJSON(t),
	})

	s := newTestServer(t, host, 4)
	_, out, err := s.mcpEvidenceHandler(context.Background(), nil, EvidenceInput{
		Ref: "oci://" + host + "/team/widgets:v1",
		Q:   "alpha function",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Digest)
}
