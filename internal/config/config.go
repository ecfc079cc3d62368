package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete, layered CPM configuration: build-time chunking and
// embedding defaults, OCI resolver policy, and retrieval-engine tuning. It
// never carries CPM_ROOT itself — CPM_ROOT is resolved once, explicitly, by
// ResolveRoot and passed as a parameter to every constructor (§9 of the base
// spec forbids package-level global cache state).
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	Build     BuildConfig     `yaml:"build" json:"build"`
	Resolver  ResolverConfig  `yaml:"resolver" json:"resolver"`
	Retrieval RetrievalConfig `yaml:"retrieval" json:"retrieval"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

// BuildConfig configures the token budgeter and embedding submission used by
// `cpm build run`/`build embed` (spec §4.1, §4.5).
type BuildConfig struct {
	ChunkTokens             int     `yaml:"chunk_tokens" json:"chunk_tokens"`
	OverlapTokens           int     `yaml:"overlap_tokens" json:"overlap_tokens"`
	MaxSymbolBlocksPerChunk int     `yaml:"max_symbol_blocks_per_chunk" json:"max_symbol_blocks_per_chunk"`
	HardCapTokens           int     `yaml:"hard_cap_tokens" json:"hard_cap_tokens"`
	EmbeddingModel          string  `yaml:"embedding_model" json:"embedding_model"`
	EmbeddingDim            int     `yaml:"embedding_dim" json:"embedding_dim"`
	MaxSeqLength            *uint32 `yaml:"max_seq_length,omitempty" json:"max_seq_length,omitempty"`
	Normalize               string  `yaml:"normalize" json:"normalize"` // server | client | auto
	BatchSize               int     `yaml:"batch_size" json:"batch_size"`
	BatchConcurrency        int     `yaml:"batch_concurrency" json:"batch_concurrency"`
	Minimal                 bool    `yaml:"minimal" json:"minimal"`
	IncludeDocs             bool    `yaml:"include_docs" json:"include_docs"`
	IncludeEmbeddings       bool    `yaml:"include_embeddings" json:"include_embeddings"`
}

// ResolverConfig configures `internal/oci`'s trust and caching policy
// (spec §4.2.2/§4.2.3).
type ResolverConfig struct {
	DefaultRegistry  string   `yaml:"default_registry" json:"default_registry"`
	HostAllowlist    []string `yaml:"host_allowlist" json:"host_allowlist"`
	AllowHTTPHosts   []string `yaml:"allow_http_hosts" json:"allow_http_hosts"`
	AliasTTLSeconds  int      `yaml:"alias_ttl_seconds" json:"alias_ttl_seconds"`
	StrictVerify     bool     `yaml:"strict_verify" json:"strict_verify"`
}

// RetrievalConfig configures the query engine and MCP evidence-digest tool
// (spec §4.4, §4.4.5).
type RetrievalConfig struct {
	EmbeddingURL      string `yaml:"embedding_url" json:"embedding_url"`
	KDefault          int    `yaml:"k_default" json:"k_default"`
	KMax              int    `yaml:"k_max" json:"k_max"`
	MaxChars          int    `yaml:"max_chars" json:"max_chars"`
	QueryCacheTTLSecs int    `yaml:"query_cache_ttl_seconds" json:"query_cache_ttl_seconds"`
}

// ServerConfig configures the MCP server transport.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// NewConfig creates a Config populated with the spec's defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Build: BuildConfig{
			ChunkTokens:             800,
			OverlapTokens:           80,
			MaxSymbolBlocksPerChunk: 12,
			HardCapTokens:           2000,
			EmbeddingModel:          "",
			EmbeddingDim:            0, // 0 triggers auto-detect from first embed response
			Normalize:               "auto",
			BatchSize:               32,
			BatchConcurrency:        runtime.NumCPU(),
			Minimal:                 false,
			IncludeDocs:             true,
			IncludeEmbeddings:       true,
		},
		Resolver: ResolverConfig{
			DefaultRegistry: "",
			HostAllowlist:   nil, // empty = no allowlist restriction beyond https-only
			AllowHTTPHosts:  []string{"localhost", "127.0.0.1"},
			AliasTTLSeconds: 900,
			StrictVerify:    true,
		},
		Retrieval: RetrievalConfig{
			EmbeddingURL:      "",
			KDefault:          10,
			KMax:              20,
			MaxChars:          1200,
			QueryCacheTTLSecs: 60,
		},
		Server: ServerConfig{
			Transport: "stdio",
			LogLevel:  "info",
		},
	}
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/cpm/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/cpm/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cpm", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "cpm", "config.yaml")
	}
	return filepath.Join(home, ".config", "cpm", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig loads the user/global configuration file if it exists.
// Returns nil config and nil error if the file doesn't exist (that's OK).
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// Load loads configuration from the specified project directory, applying
// overrides in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/cpm/config.yaml)
//  3. Project config (cpm.yml/cpm.yaml in dir)
//  4. Environment variables (CPM_*, plus legacy aliases)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from cpm.yml or cpm.yaml.
func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{"cpm.yml", "cpm.yaml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil // no project config is fine - use defaults
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Build.ChunkTokens != 0 {
		c.Build.ChunkTokens = other.Build.ChunkTokens
	}
	if other.Build.OverlapTokens != 0 {
		c.Build.OverlapTokens = other.Build.OverlapTokens
	}
	if other.Build.MaxSymbolBlocksPerChunk != 0 {
		c.Build.MaxSymbolBlocksPerChunk = other.Build.MaxSymbolBlocksPerChunk
	}
	if other.Build.HardCapTokens != 0 {
		c.Build.HardCapTokens = other.Build.HardCapTokens
	}
	if other.Build.EmbeddingModel != "" {
		c.Build.EmbeddingModel = other.Build.EmbeddingModel
	}
	if other.Build.EmbeddingDim != 0 {
		c.Build.EmbeddingDim = other.Build.EmbeddingDim
	}
	if other.Build.MaxSeqLength != nil {
		c.Build.MaxSeqLength = other.Build.MaxSeqLength
	}
	if other.Build.Normalize != "" {
		c.Build.Normalize = other.Build.Normalize
	}
	if other.Build.BatchSize != 0 {
		c.Build.BatchSize = other.Build.BatchSize
	}
	if other.Build.BatchConcurrency != 0 {
		c.Build.BatchConcurrency = other.Build.BatchConcurrency
	}
	if other.Build.Minimal {
		c.Build.Minimal = other.Build.Minimal
	}

	if other.Resolver.DefaultRegistry != "" {
		c.Resolver.DefaultRegistry = other.Resolver.DefaultRegistry
	}
	if len(other.Resolver.HostAllowlist) > 0 {
		c.Resolver.HostAllowlist = other.Resolver.HostAllowlist
	}
	if len(other.Resolver.AllowHTTPHosts) > 0 {
		c.Resolver.AllowHTTPHosts = other.Resolver.AllowHTTPHosts
	}
	if other.Resolver.AliasTTLSeconds != 0 {
		c.Resolver.AliasTTLSeconds = other.Resolver.AliasTTLSeconds
	}
	if other.Resolver.StrictVerify {
		c.Resolver.StrictVerify = other.Resolver.StrictVerify
	}

	if other.Retrieval.EmbeddingURL != "" {
		c.Retrieval.EmbeddingURL = other.Retrieval.EmbeddingURL
	}
	if other.Retrieval.KDefault != 0 {
		c.Retrieval.KDefault = other.Retrieval.KDefault
	}
	if other.Retrieval.KMax != 0 {
		c.Retrieval.KMax = other.Retrieval.KMax
	}
	if other.Retrieval.MaxChars != 0 {
		c.Retrieval.MaxChars = other.Retrieval.MaxChars
	}
	if other.Retrieval.QueryCacheTTLSecs != 0 {
		c.Retrieval.QueryCacheTTLSecs = other.Retrieval.QueryCacheTTLSecs
	}

	if other.Server.Transport != "" {
		c.Server.Transport = other.Server.Transport
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
}

// applyEnvOverrides applies CPM_* environment variable overrides, plus the
// legacy RAG_* aliases honored per spec §6.5.
func (c *Config) applyEnvOverrides() {
	if v := firstNonEmpty(os.Getenv("REGISTRY")); v != "" {
		c.Resolver.DefaultRegistry = v
	}
	if v := firstNonEmpty(os.Getenv("EMBEDDING_URL"), os.Getenv("RAG_EMBED_URL")); v != "" {
		c.Retrieval.EmbeddingURL = v
	}
	if v := firstNonEmpty(os.Getenv("EMBEDDING_MODEL")); v != "" {
		c.Build.EmbeddingModel = v
	}
	if v := os.Getenv("RAG_EMBED_MODE"); v != "" {
		c.Build.Normalize = v
	}
	if v := os.Getenv("CPM_MAX_SEQ_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			u := uint32(n)
			c.Build.MaxSeqLength = &u
		}
	}
	if v := os.Getenv("CPM_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("CPM_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("CPM_CHUNK_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Build.ChunkTokens = n
		}
	}
	if v := os.Getenv("CPM_OVERLAP_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Build.OverlapTokens = n
		}
	}
	if v := os.Getenv("CPM_STRICT_VERIFY"); v != "" {
		c.Resolver.StrictVerify = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CPM_MAX_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retrieval.MaxChars = n
		}
	}
}

// firstNonEmpty returns the first non-empty string argument.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ResolveRoot resolves CPM_ROOT per spec §6.3: the CPM_ROOT environment
// variable takes precedence, falling back to the legacy RAG_CPM_DIR alias,
// defaulting to ".cpm" relative to dir. Callers must pass the result
// explicitly to every constructor — there is no package-level cache root.
func ResolveRoot(dir string) string {
	root := firstNonEmpty(os.Getenv("CPM_ROOT"), os.Getenv("RAG_CPM_DIR"))
	if root == "" {
		return filepath.Join(dir, ".cpm")
	}
	if filepath.IsAbs(root) {
		return root
	}
	return filepath.Join(dir, root)
}

// FindProjectRoot finds the project root directory by walking up from
// startDir looking for a .git directory or a cpm.yml/cpm.yaml file.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}
		if fileExists(filepath.Join(currentDir, "cpm.yml")) ||
			fileExists(filepath.Join(currentDir, "cpm.yaml")) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// dirExists checks if a directory exists.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Build.ChunkTokens <= 0 {
		return fmt.Errorf("build.chunk_tokens must be positive, got %d", c.Build.ChunkTokens)
	}
	if c.Build.OverlapTokens < 0 {
		return fmt.Errorf("build.overlap_tokens must be non-negative, got %d", c.Build.OverlapTokens)
	}
	if c.Build.OverlapTokens >= c.Build.ChunkTokens {
		return fmt.Errorf("build.overlap_tokens (%d) must be smaller than chunk_tokens (%d)", c.Build.OverlapTokens, c.Build.ChunkTokens)
	}
	if c.Build.HardCapTokens < c.Build.ChunkTokens {
		return fmt.Errorf("build.hard_cap_tokens (%d) must be >= chunk_tokens (%d)", c.Build.HardCapTokens, c.Build.ChunkTokens)
	}

	validNormalize := map[string]bool{"server": true, "client": true, "auto": true}
	if !validNormalize[strings.ToLower(c.Build.Normalize)] {
		return fmt.Errorf("build.normalize must be 'server', 'client', or 'auto', got %s", c.Build.Normalize)
	}

	if c.Retrieval.KMax <= 0 || c.Retrieval.KMax > 20 {
		return fmt.Errorf("retrieval.k_max must be in (0, 20], got %d", c.Retrieval.KMax)
	}
	if c.Retrieval.KDefault <= 0 || c.Retrieval.KDefault > c.Retrieval.KMax {
		return fmt.Errorf("retrieval.k_default must be in (0, k_max], got %d", c.Retrieval.KDefault)
	}
	if c.Retrieval.MaxChars <= 0 {
		return fmt.Errorf("retrieval.max_chars must be positive, got %d", c.Retrieval.MaxChars)
	}

	validTransports := map[string]bool{"stdio": true, "sse": true}
	if !validTransports[strings.ToLower(c.Server.Transport)] {
		return fmt.Errorf("server.transport must be 'stdio' or 'sse', got %s", c.Server.Transport)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadUserConfig loads the user configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

// ClampK clamps a requested k to [1, KMax] per spec §4.4.4.
func (c *Config) ClampK(k int) int {
	if k < 1 {
		return 1
	}
	if k > c.Retrieval.KMax {
		return c.Retrieval.KMax
	}
	return k
}
