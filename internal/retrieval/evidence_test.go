package retrieval

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvidenceDigest_DedupesAndSummarizes(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	docs := append(
		docChunkLine(t, "a.go:0", "alpha function", "a.go", 1, 3),
		docChunkLine(t, "b.go:0", "alpha function", "b.go", 1, 3)...,
	)
	payload := map[string][]byte{
		"docs.jsonl":    docs,
		"manifest.json": plainManifestJSON(t, "", "", nil),
	}
	pushPacket(t, host, "team/widgets:v1", payload)

	engine, _, _ := newTestEngine(t, host, 4)
	result, err := EvidenceDigest(context.Background(), engine, "oci://"+host+"/team/widgets:v1", "alpha function", 2, 0)
	require.NoError(t, err)
	require.Len(t, result.Snippets, 2)
	assert.False(t, result.Truncated)
	assert.Contains(t, result.Digest, "2 snippet(s) from 2 file(s)")
}

func TestEvidenceDigest_TruncatesToMaxChars(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	longText := strings.Repeat("alpha function token ", 50)
	docs := docChunkLine(t, "a.go:0", longText, "a.go", 1, 3)
	payload := map[string][]byte{
		"docs.jsonl":    docs,
		"manifest.json": plainManifestJSON(t, "", "", nil),
	}
	pushPacket(t, host, "team/widgets:v1", payload)

	engine, _, _ := newTestEngine(t, host, 4)
	result, err := EvidenceDigest(context.Background(), engine, "oci://"+host+"/team/widgets:v1", "alpha function", 1, 20)
	require.NoError(t, err)
	require.NotEmpty(t, result.Snippets)
	assert.True(t, result.Truncated)
	assert.LessOrEqual(t, len(result.Snippets[0].Snippet), 20)
}

func TestEvidenceDigest_DefaultMaxCharsAndK(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	docs := docChunkLine(t, "a.go:0", "alpha function", "a.go", 1, 3)
	payload := map[string][]byte{
		"docs.jsonl":    docs,
		"manifest.json": plainManifestJSON(t, "", "", nil),
	}
	pushPacket(t, host, "team/widgets:v1", payload)

	engine, _, _ := newTestEngine(t, host, 4)
	result, err := EvidenceDigest(context.Background(), engine, "oci://"+host+"/team/widgets:v1", "alpha function", 0, 0)
	require.NoError(t, err)
	assert.NotEqual(t, "no evidence found", result.Digest)
}
