package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, 800, cfg.Build.ChunkTokens)
	assert.Equal(t, 80, cfg.Build.OverlapTokens)
	assert.Equal(t, 12, cfg.Build.MaxSymbolBlocksPerChunk)
	assert.Equal(t, 2000, cfg.Build.HardCapTokens)
	assert.Equal(t, "auto", cfg.Build.Normalize)
	assert.Equal(t, 900, cfg.Resolver.AliasTTLSeconds)
	assert.True(t, cfg.Resolver.StrictVerify)
	assert.Equal(t, 10, cfg.Retrieval.KDefault)
	assert.Equal(t, 20, cfg.Retrieval.KMax)
	assert.Equal(t, 1200, cfg.Retrieval.MaxChars)
	assert.Equal(t, "stdio", cfg.Server.Transport)

	require.NoError(t, cfg.Validate())
}

func TestLoad_NoProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, NewConfig().Build.ChunkTokens, cfg.Build.ChunkTokens)
}

func TestLoad_ProjectConfigOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))

	yaml := `
build:
  chunk_tokens: 400
  overlap_tokens: 40
resolver:
  default_registry: registry.example.com
retrieval:
  k_default: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "cpm.yml"), []byte(yaml), 0o644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, 400, cfg.Build.ChunkTokens)
	assert.Equal(t, 40, cfg.Build.OverlapTokens)
	assert.Equal(t, "registry.example.com", cfg.Resolver.DefaultRegistry)
	assert.Equal(t, 5, cfg.Retrieval.KDefault)
}

func TestLoad_EnvOverridesProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))
	t.Setenv("CPM_CHUNK_TOKENS", "1000")
	t.Setenv("REGISTRY", "env-registry.example.com")

	yaml := `
build:
  chunk_tokens: 400
resolver:
  default_registry: registry.example.com
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "cpm.yml"), []byte(yaml), 0o644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Build.ChunkTokens)
	assert.Equal(t, "env-registry.example.com", cfg.Resolver.DefaultRegistry)
}

func TestLoad_LegacyEnvAliases(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))
	t.Setenv("RAG_EMBED_URL", "http://legacy:9000/embed")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "http://legacy:9000/embed", cfg.Retrieval.EmbeddingURL)
}

func TestResolveRoot_Default(t *testing.T) {
	t.Setenv("CPM_ROOT", "")
	t.Setenv("RAG_CPM_DIR", "")

	root := ResolveRoot("/work/project")
	assert.Equal(t, filepath.Join("/work/project", ".cpm"), root)
}

func TestResolveRoot_EnvOverride(t *testing.T) {
	t.Setenv("CPM_ROOT", "/custom/cache")
	root := ResolveRoot("/work/project")
	assert.Equal(t, "/custom/cache", root)
}

func TestResolveRoot_LegacyFallback(t *testing.T) {
	t.Setenv("CPM_ROOT", "")
	t.Setenv("RAG_CPM_DIR", "legacy-cache")
	root := ResolveRoot("/work/project")
	assert.Equal(t, filepath.Join("/work/project", "legacy-cache"), root)
}

func TestValidate_RejectsBadOverlap(t *testing.T) {
	cfg := NewConfig()
	cfg.Build.OverlapTokens = cfg.Build.ChunkTokens
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsOversizeKMax(t *testing.T) {
	cfg := NewConfig()
	cfg.Retrieval.KMax = 21
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownNormalize(t *testing.T) {
	cfg := NewConfig()
	cfg.Build.Normalize = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestClampK(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 1, cfg.ClampK(0))
	assert.Equal(t, 1, cfg.ClampK(-5))
	assert.Equal(t, 10, cfg.ClampK(10))
	assert.Equal(t, 20, cfg.ClampK(20))
	assert.Equal(t, 20, cfg.ClampK(1000))
}

func TestWriteYAML_RoundTrips(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "out.yaml")

	cfg := NewConfig()
	cfg.Build.ChunkTokens = 333
	require.NoError(t, cfg.WriteYAML(path))

	loaded := NewConfig()
	require.NoError(t, loaded.loadYAML(path))
	assert.Equal(t, 333, loaded.Build.ChunkTokens)
}

func TestFindProjectRoot_FindsGitDir(t *testing.T) {
	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, ".git"), 0o755))

	root, err := FindProjectRoot(nested)
	require.NoError(t, err)
	assert.Equal(t, tmpDir, root)
}

func TestFindProjectRoot_FindsCPMConfig(t *testing.T) {
	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "sub")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "cpm.yml"), []byte("version: 1\n"), 0o644))

	root, err := FindProjectRoot(nested)
	require.NoError(t, err)
	assert.Equal(t, tmpDir, root)
}

func TestUserConfigPath_XDGOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg/home")
	assert.Equal(t, filepath.Join("/xdg/home", "cpm", "config.yaml"), GetUserConfigPath())
}
