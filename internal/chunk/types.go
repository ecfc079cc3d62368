package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// Chunk size defaults (based on 2025 RAG research)
const (
	DefaultMaxChunkTokens = 512 // Optimal for 85-90% recall
	DefaultOverlapTokens  = 64  // ~12.5% overlap
	MinChunkTokens        = 100 // Minimum viable chunk
	TokensPerChar         = 4   // Rough approximation: 4 chars = 1 token
)

// ContentType represents the type of content in a chunk
type ContentType string

const (
	ContentTypeCode     ContentType = "code"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
)

// Chunk is the internal, rich representation a strategy builds while walking
// a file. It carries more structure (raw content vs. surrounding context,
// extracted symbols) than the packet format needs; ToDocChunks flattens it
// into the on-disk DocChunk shape.
type Chunk struct {
	ID          string // content-derived, set by the strategy; ToDocChunks does not use it
	FilePath    string // Relative to project root
	Content     string // Full content with context
	RawContent  string // Just the symbol, no context (code only)
	Context     string // Imports, package decl (code only)
	ContentType ContentType
	Language    string
	StartLine   int // 1-indexed
	EndLine     int // Inclusive
	Symbols     []*Symbol
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DocChunk is one semantic segment of one source file, the unit persisted to
// docs.jsonl and embedded into a row of vectors.f16.bin. Immutable once
// written into a packet.
type DocChunk struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Hash     string         `json:"hash"`
	Metadata map[string]any `json:"metadata"`
}

// ToDocChunks sorts a strategy's chunks into source order and assigns each a
// per-file monotonic counter: <relpath>:<n> starting at 0. Content identity
// (Hash) is independent of the counter, which is what makes incremental
// reuse possible across file-local reorderings.
func ToDocChunks(filePath string, chunks []*Chunk) []*DocChunk {
	ordered := make([]*Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].StartLine != ordered[j].StartLine {
			return ordered[i].StartLine < ordered[j].StartLine
		}
		return ordered[i].EndLine < ordered[j].EndLine
	})

	out := make([]*DocChunk, 0, len(ordered))
	for i, c := range ordered {
		text := c.Content
		if text == "" {
			text = c.RawContent
		}
		sum := sha256.Sum256([]byte(text))
		meta := map[string]any{
			"path": filePath,
			"ext":  extOf(filePath),
		}
		if c.StartLine > 0 {
			meta["line_start"] = c.StartLine
		}
		if c.EndLine > 0 {
			meta["line_end"] = c.EndLine
		}
		if c.Language != "" {
			meta["lang"] = c.Language
		}
		if string(c.ContentType) != "" {
			meta["kind"] = string(c.ContentType)
		}
		for k, v := range c.Metadata {
			meta[k] = v
		}
		if len(c.Symbols) > 0 {
			meta["symbol"] = c.Symbols[0].Name
		}
		out = append(out, &DocChunk{
			ID:       docChunkID(filePath, i),
			Text:     text,
			Hash:     hex.EncodeToString(sum[:]),
			Metadata: meta,
		})
	}
	return out
}

func docChunkID(filePath string, counter int) string {
	return filePath + ":" + itoa(counter)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' {
			break
		}
	}
	return ""
}

// FileInput is input for the Strategy interface
type FileInput struct {
	Path     string // Relative path
	Content  []byte // File content
	Language string // go, typescript, python, etc.
}

// Strategy is a chunking strategy: a pure function (text, source_id, ext,
// config) -> ordered sequence of chunks, dispatched to by extension.
type Strategy interface {
	// Chunk splits a file into semantic chunks
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)

	// SupportedExtensions returns file extensions this chunker handles
	SupportedExtensions() []string
}

// Chunker is an alias retained for readability at call sites that think in
// terms of "the chunker for this extension" rather than "the strategy".
type Chunker = Strategy

// SymbolType represents the kind of code symbol
type SymbolType string

const (
	SymbolTypeFunction  SymbolType = "function"
	SymbolTypeClass     SymbolType = "class"
	SymbolTypeInterface SymbolType = "interface"
	SymbolTypeType      SymbolType = "type"
	SymbolTypeVariable  SymbolType = "variable"
	SymbolTypeConstant  SymbolType = "constant"
	SymbolTypeMethod    SymbolType = "method"
)

// Symbol represents a code symbol extracted from parsing
type Symbol struct {
	Name       string
	Type       SymbolType
	StartLine  int
	EndLine    int
	Signature  string
	DocComment string
}

// Tree represents a parsed AST
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node represents a node in the AST
type Node struct {
	Type       string
	StartByte  uint32
	EndByte    uint32
	StartPoint Point
	EndPoint   Point
	Children   []*Node
	HasError   bool
}

// Point represents a position in the source code
type Point struct {
	Row    uint32 // 0-indexed line number
	Column uint32
}

// LanguageConfig holds configuration for a supported language
type LanguageConfig struct {
	Name       string
	Extensions []string

	// Node types that indicate function declarations
	FunctionTypes []string

	// Node types that indicate class/struct definitions
	ClassTypes []string

	// Node types that indicate interface definitions
	InterfaceTypes []string

	// Node types that indicate method definitions
	MethodTypes []string

	// Node types that indicate type definitions
	TypeDefTypes []string

	// Node types that indicate constant declarations
	ConstantTypes []string

	// Node types that indicate variable declarations
	VariableTypes []string

	// Node type for name identifier
	NameField string
}
