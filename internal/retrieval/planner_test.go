package retrieval

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpm-dev/cpm/internal/cas"
	"github.com/cpm-dev/cpm/internal/oci"
)

func metadataJSONFor(name, description, kind string, tags []string) string {
	tagsJSON := `[]`
	if len(tags) > 0 {
		tagsJSON = `["` + strings.Join(tags, `","`) + `"]`
	}
	return `{
		"schema": "cpm.packet.metadata",
		"schema_version": "1.0",
		"packet": {"name": "` + name + `", "version": "1.0.0", "kind": "` + kind + `", "description": "` + description + `", "tags": ` + tagsJSON + `},
		"payload": {"files": [{"name": "docs.jsonl"}]}
	}`
}

func TestPlanFromIntent_PicksHighestTokenOverlap(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	pushPacketWithMetadata(t, host, "team/auth:v1",
		[]byte(metadataJSONFor("widgets-auth", "user authentication and session handling", "library", []string{"auth", "session"})), nil)
	pushPacketWithMetadata(t, host, "team/billing:v1",
		[]byte(metadataJSONFor("widgets-billing", "invoice generation and billing", "library", []string{"billing", "invoice"})), nil)
	pushPacketWithMetadata(t, host, "team/docs:v1",
		[]byte(metadataJSONFor("widgets-docs", "project documentation guide", "docs", []string{"guide"})), nil)

	layout := cas.NewLayout(t.TempDir())
	policy := oci.Policy{AllowHTTPHosts: []string{strings.Split(host, ":")[0]}}
	resolver := oci.NewResolver(layout, policy, "", 900)

	uris := []string{
		"oci://" + host + "/team/auth:v1",
		"oci://" + host + "/team/billing:v1",
		"oci://" + host + "/team/docs:v1",
	}

	result, err := PlanFromIntent(context.Background(), nil, resolver, "authenticate user session", uris, Constraints{})
	require.NoError(t, err)
	require.NotNil(t, result.Selected)
	assert.Equal(t, "widgets-auth", result.Selected.Name)
	assert.Equal(t, IntentLookup, result.Intent)
	assert.Len(t, result.Fallbacks, 2)
}

func TestPlanFromIntent_ConstraintMatchBreaksWeakOverlap(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	pushPacketWithMetadata(t, host, "team/a:v1",
		[]byte(metadataJSONFor("widgets-a", "generic helper utilities", "library", nil)), nil)
	pushPacketWithMetadata(t, host, "team/b:v1",
		[]byte(metadataJSONFor("widgets-b", "generic helper utilities", "cli", nil)), nil)

	layout := cas.NewLayout(t.TempDir())
	policy := oci.Policy{AllowHTTPHosts: []string{strings.Split(host, ":")[0]}}
	resolver := oci.NewResolver(layout, policy, "", 900)

	uris := []string{"oci://" + host + "/team/a:v1", "oci://" + host + "/team/b:v1"}

	result, err := PlanFromIntent(context.Background(), nil, resolver, "helper utilities", uris, Constraints{Kind: "cli"})
	require.NoError(t, err)
	require.NotNil(t, result.Selected)
	assert.Equal(t, "widgets-b", result.Selected.Name)
	assert.Contains(t, result.Selected.MatchedOn, "kind")
}

func TestPlanFromIntent_ProbesTiedCandidates(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	docsA := docChunkLine(t, "a.go:0", "alpha function", "a.go", 1, 3)
	docsB := docChunkLine(t, "b.go:0", "gamma function", "b.go", 1, 3)

	pushPacketWithMetadata(t, host, "team/tie-a:v1",
		[]byte(metadataJSONFor("tie-a", "shared widgets", "library", nil)),
		map[string][]byte{"docs.jsonl": docsA, "manifest.json": plainManifestJSON(t, "", "", nil)})
	pushPacketWithMetadata(t, host, "team/tie-b:v1",
		[]byte(metadataJSONFor("tie-b", "shared widgets", "library", nil)),
		map[string][]byte{"docs.jsonl": docsB, "manifest.json": plainManifestJSON(t, "", "", nil)})

	engine, _, _ := newTestEngine(t, host, 4)
	uris := []string{"oci://" + host + "/team/tie-a:v1", "oci://" + host + "/team/tie-b:v1"}

	result, err := PlanFromIntent(context.Background(), engine, engine.Resolver, "alpha function", uris, Constraints{})
	require.NoError(t, err)
	require.NotNil(t, result.Selected)
	assert.Equal(t, IntentQuery, result.Intent)
	assert.Equal(t, "tie-a", result.Selected.Name)
	assert.Contains(t, result.Selected.MatchedOn, "probe_query")
}

func TestPlanFromIntent_NoCandidatesResolve(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	layout := cas.NewLayout(t.TempDir())
	policy := oci.Policy{AllowHTTPHosts: []string{strings.Split(host, ":")[0]}}
	resolver := oci.NewResolver(layout, policy, "", 900)

	result, err := PlanFromIntent(context.Background(), nil, resolver, "anything", []string{"oci://" + host + "/team/missing:v1"}, Constraints{})
	require.NoError(t, err)
	assert.Nil(t, result.Selected)
	assert.Equal(t, IntentQuery, result.Intent)
}
