package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Edge case tests for config loading and CPM_ROOT resolution - scenarios
// that could silently fall back to defaults instead of surfacing a problem.

func TestFindProjectRoot_NonExistentDir_ReturnsAbsPath(t *testing.T) {
	nonExistent := "/nonexistent/path/that/does/not/exist"

	root, err := FindProjectRoot(nonExistent)
	require.NoError(t, err)
	assert.Equal(t, nonExistent, root)
}

func TestFindProjectRoot_StopsAtFilesystemRoot(t *testing.T) {
	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "x", "y")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	root, err := FindProjectRoot(nested)
	require.NoError(t, err)
	// No .git or cpm.yml anywhere above tmpDir: falls back to the start dir.
	assert.Equal(t, nested, root)
}

func TestLoad_MalformedYAML_ReturnsError(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "cpm.yml"), []byte("build: [this is not a map"), 0o644))

	_, err := Load(tmpDir)
	assert.Error(t, err)
}

func TestLoad_PrefersYMLOverYAMLExtension(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "cpm.yml"), []byte("build:\n  chunk_tokens: 111\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "cpm.yaml"), []byte("build:\n  chunk_tokens: 222\n"), 0o644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, 111, cfg.Build.ChunkTokens)
}

func TestLoad_InvalidChunkTokensEnv_IsIgnored(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))
	t.Setenv("CPM_CHUNK_TOKENS", "not-a-number")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, NewConfig().Build.ChunkTokens, cfg.Build.ChunkTokens)
}

func TestLoad_NegativeChunkTokensEnv_IsIgnored(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))
	t.Setenv("CPM_CHUNK_TOKENS", "-5")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, NewConfig().Build.ChunkTokens, cfg.Build.ChunkTokens)
}

func TestResolveRoot_RelativeEnvOverride_JoinsWithDir(t *testing.T) {
	t.Setenv("CPM_ROOT", "custom/.cpm-alt")
	root := ResolveRoot("/work/project")
	assert.Equal(t, filepath.Join("/work/project", "custom/.cpm-alt"), root)
}

func TestResolveRoot_CPMRootTakesPrecedenceOverLegacy(t *testing.T) {
	t.Setenv("CPM_ROOT", "/preferred")
	t.Setenv("RAG_CPM_DIR", "/legacy")
	assert.Equal(t, "/preferred", ResolveRoot("/work/project"))
}

func TestValidate_RejectsHardCapBelowChunkTokens(t *testing.T) {
	cfg := NewConfig()
	cfg.Build.HardCapTokens = cfg.Build.ChunkTokens - 1
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsKDefaultAboveKMax(t *testing.T) {
	cfg := NewConfig()
	cfg.Retrieval.KDefault = cfg.Retrieval.KMax + 1
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownTransport(t *testing.T) {
	cfg := NewConfig()
	cfg.Server.Transport = "http"
	assert.Error(t, cfg.Validate())
}

func TestMergeWith_ProjectHostAllowlistIsNotSilentlyDropped(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-empty"))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "cpm.yml"), []byte("resolver:\n  host_allowlist: [\"registry.internal\"]\n"), 0o644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"registry.internal"}, cfg.Resolver.HostAllowlist)
}

func TestUserConfigExists_FalseWhenAbsent(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "nonexistent"))
	assert.False(t, UserConfigExists())
}
