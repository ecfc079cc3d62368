package packetio

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocsJSONL_RoundTrips(t *testing.T) {
	chunks := []DocChunk{
		{ID: "a.py:0", Text: "def f(): pass", Hash: SHA256Hex([]byte("def f(): pass")), Metadata: map[string]string{"path": "a.py", "ext": ".py"}},
		{ID: "a.py:1", Text: "def g(): pass", Hash: SHA256Hex([]byte("def g(): pass")), Metadata: map[string]string{"path": "a.py", "ext": ".py"}},
	}
	path := filepath.Join(t.TempDir(), "docs.jsonl")
	require.NoError(t, WriteDocsJSONL(path, chunks))

	got, err := ReadDocsJSONL(path)
	require.NoError(t, err)
	assert.Equal(t, chunks, got)
}

func TestByteOffsets_MatchesSequentialReads(t *testing.T) {
	chunks := []DocChunk{
		{ID: "x:0", Text: "one", Hash: "h0", Metadata: map[string]string{"path": "x"}},
		{ID: "x:1", Text: "two", Hash: "h1", Metadata: map[string]string{"path": "x"}},
		{ID: "x:2", Text: "three", Hash: "h2", Metadata: map[string]string{"path": "x"}},
	}
	path := filepath.Join(t.TempDir(), "docs.jsonl")
	require.NoError(t, WriteDocsJSONL(path, chunks))

	offsets, err := ByteOffsets(path)
	require.NoError(t, err)
	require.Len(t, offsets, 3)

	for i, off := range offsets {
		doc, err := ReadDocAt(path, off)
		require.NoError(t, err)
		assert.Equal(t, chunks[i].ID, doc.ID)
	}
}

func TestVectorsF16_RoundTripsWithinTolerance(t *testing.T) {
	matrix := [][]float32{
		{0.1, 0.2, 0.3, 0.4},
		{-1.0, 1.0, 0.0, 0.5},
	}
	path := filepath.Join(t.TempDir(), "vectors.f16.bin")
	require.NoError(t, WriteVectorsF16(path, matrix))

	got, err := ReadVectorsF16(path, 4)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, row := range matrix {
		for j, v := range row {
			assert.InDelta(t, float64(v), float64(got[i][j]), 1e-2)
		}
	}
}

func TestVectorsF16_RowAlignmentWithDocs(t *testing.T) {
	chunks := []DocChunk{
		{ID: "a:0", Text: "t0", Hash: "h0"},
		{ID: "a:1", Text: "t1", Hash: "h1"},
	}
	matrix := [][]float32{{1, 0}, {0, 1}}

	docsPath := filepath.Join(t.TempDir(), "docs.jsonl")
	vecPath := filepath.Join(t.TempDir(), "vectors.f16.bin")
	require.NoError(t, WriteDocsJSONL(docsPath, chunks))
	require.NoError(t, WriteVectorsF16(vecPath, matrix))

	docs, err := ReadDocsJSONL(docsPath)
	require.NoError(t, err)
	vecs, err := ReadVectorsF16(vecPath, 2)
	require.NoError(t, err)
	require.Equal(t, len(docs), len(vecs))
}

func TestFloat16RoundTrip_SpecialValues(t *testing.T) {
	values := []float32{0, -0, 1, -1, 0.5, 1e-5, 65504, -65504}
	for _, v := range values {
		h := float32ToFloat16(v)
		back := float16ToFloat32(h)
		assert.InDelta(t, float64(v), float64(back), 4.0, "value %v", v)
	}
}

func TestFloat16_InfAndNaN(t *testing.T) {
	inf := float32ToFloat16(float32(math.Inf(1)))
	assert.True(t, math.IsInf(float64(float16ToFloat32(inf)), 1))

	nan := float32ToFloat16(float32(math.NaN()))
	assert.True(t, math.IsNaN(float64(float16ToFloat32(nan))))
}

func TestCanonicalJSON_SortsKeysAndOmitsTrailingNewline(t *testing.T) {
	data, err := CanonicalJSON(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(data))
}

func TestCanonicalJSON_Deterministic(t *testing.T) {
	m := &PacketManifest{
		SchemaVersion: "1.0",
		PacketID:      "abc",
		Embedding:     EmbeddingSpec{Model: "m", Dim: 8, Dtype: "f16", Normalized: true},
		Checksums:     map[string]ChecksumEntry{"docs.jsonl": {Algo: "sha256", Value: "x"}},
	}
	a, err := CanonicalJSON(m)
	require.NoError(t, err)
	b, err := CanonicalJSON(m)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTreeFingerprint_OrderIndependent(t *testing.T) {
	a := map[string]string{"b.py": "h2", "a.py": "h1"}
	b := map[string]string{"a.py": "h1", "b.py": "h2"}
	assert.Equal(t, TreeFingerprint(a), TreeFingerprint(b))
}

func TestTreeFingerprint_ChangesWithContent(t *testing.T) {
	a := map[string]string{"a.py": "h1"}
	b := map[string]string{"a.py": "h2"}
	assert.NotEqual(t, TreeFingerprint(a), TreeFingerprint(b))
}

func TestPacketID_Stable(t *testing.T) {
	id1 := PacketID("demo", "1.0.0", "default", "/src", "cfg-hash")
	id2 := PacketID("demo", "1.0.0", "default", "/src", "cfg-hash")
	assert.Equal(t, id1, id2)

	id3 := PacketID("demo", "1.0.1", "default", "/src", "cfg-hash")
	assert.NotEqual(t, id1, id3)
}

func TestEmbeddingFingerprint_Stable(t *testing.T) {
	fp1 := EmbeddingFingerprint("model-a", 768, true)
	fp2 := EmbeddingFingerprint("model-a", 768, true)
	assert.Equal(t, fp1, fp2)

	fp3 := EmbeddingFingerprint("model-a", 768, false)
	assert.NotEqual(t, fp1, fp3)
}

func TestManifest_RoundTrips(t *testing.T) {
	m := NewPartialManifest("pkt-1", EmbeddingSpec{Model: "m", Dim: 8, Dtype: "f16"}, 3)
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, WriteManifest(path, m))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, m.PacketID, got.PacketID)
	assert.Nil(t, got.Files.Vectors)
}

func TestManifest_MarkEmbeddingFailed(t *testing.T) {
	m := NewPartialManifest("pkt-1", EmbeddingSpec{}, 0)
	m.MarkEmbeddingFailed("upstream 503")
	assert.Equal(t, BuildStatusEmbeddingFailed, m.Extras["build_status"])
	assert.Equal(t, "upstream 503", m.Extras["build_error"])
}

func TestCPMYAML_RoundTrips(t *testing.T) {
	y := CPMYAML{
		CPMSchema:           "cpm.yml/v1",
		Name:                "demo",
		Version:             "1.0.0",
		Tags:                JoinCSV([]string{"a", "b"}),
		EmbeddingModel:      "m",
		EmbeddingDim:        8,
		EmbeddingNormalized: true,
		CreatedAt:           RFC3339Now(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	path := filepath.Join(t.TempDir(), "cpm.yml")
	require.NoError(t, WriteCPMYAML(path, y))

	got, err := ReadCPMYAML(path)
	require.NoError(t, err)
	assert.Equal(t, y.Name, got.Name)
	assert.Equal(t, []string{"a", "b"}, SplitCSV(got.Tags))
}
