package chunk

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
)

// Dispatcher selects a chunking Strategy by file extension, falling back to
// line-based text chunking for anything unregistered. It is the "polymorphic
// over {scan_and_chunk}" surface CPM exposes to the builder: no inheritance,
// no runtime class lookup, just a map lookup.
type Dispatcher struct {
	mu        sync.RWMutex
	byExt     map[string]Strategy
	fallback  Strategy
	codeChunk *CodeChunker
}

// NewDispatcher creates a dispatcher wired with the builtin code, markdown,
// and text strategies.
func NewDispatcher() *Dispatcher {
	code := NewCodeChunker()
	md := NewMarkdownChunker()
	d := &Dispatcher{
		byExt:     make(map[string]Strategy),
		fallback:  NewTextChunker(),
		codeChunk: code,
	}
	d.Register(code)
	d.Register(md)
	return d
}

// Register adds a strategy for all of its supported extensions, overriding
// any previous registration for those extensions (last writer wins, as with
// a plugin-supplied chunker overriding a builtin).
func (d *Dispatcher) Register(s Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ext := range s.SupportedExtensions() {
		d.byExt[normalizeExt(ext)] = s
	}
}

// Close releases resources held by strategies that need it (tree-sitter
// parsers), matching the teacher's CodeChunker.Close convention.
func (d *Dispatcher) Close() {
	if d.codeChunk != nil {
		d.codeChunk.Close()
	}
}

// ChunkFile dispatches a file to the strategy registered for its extension
// and returns the finalized, ID-assigned DocChunks in source order.
func (d *Dispatcher) ChunkFile(ctx context.Context, file *FileInput) ([]*DocChunk, error) {
	d.mu.RLock()
	strat, ok := d.byExt[normalizeExt(filepath.Ext(file.Path))]
	d.mu.RUnlock()
	if !ok {
		strat = d.fallback
	}

	chunks, err := strat.Chunk(ctx, file)
	if err != nil {
		return nil, err
	}
	return ToDocChunks(file.Path, chunks), nil
}

func normalizeExt(ext string) string {
	return strings.ToLower(ext)
}
