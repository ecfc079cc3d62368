package chunk

import "strings"

// BudgetConfig controls how the token budgeter packs logical blocks into
// chunks. Block order is preserved; overlap is the textual prefix of the
// next chunk that duplicates the suffix of the previous one.
type BudgetConfig struct {
	ChunkTokens             int // target size per chunk
	OverlapTokens           int // overlap between adjacent chunks
	MaxSymbolBlocksPerChunk int // cap on how many logical blocks one chunk may hold
	HardCapTokens           int // forces line-splitting of any oversize block
}

// DefaultBudgetConfig mirrors the package-level chunk size defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		ChunkTokens:             DefaultMaxChunkTokens,
		OverlapTokens:           DefaultOverlapTokens,
		MaxSymbolBlocksPerChunk: 8,
		HardCapTokens:           DefaultMaxChunkTokens * 4,
	}
}

func (c BudgetConfig) normalized() BudgetConfig {
	if c.ChunkTokens <= 0 {
		c.ChunkTokens = DefaultMaxChunkTokens
	}
	if c.OverlapTokens < 0 {
		c.OverlapTokens = 0
	}
	if c.MaxSymbolBlocksPerChunk <= 0 {
		c.MaxSymbolBlocksPerChunk = 8
	}
	if c.HardCapTokens <= 0 {
		c.HardCapTokens = c.ChunkTokens * 4
	}
	return c
}

// Block is one logical unit fed to the budgeter: a preamble, a whole symbol,
// or a symbol-child, each carrying whatever metadata the caller wants
// propagated onto the resulting chunk.
type Block struct {
	Text      string
	StartLine int
	EndLine   int
	Meta      map[string]string
}

// PackedChunk is one chunk assembled by Pack, still in the caller's Block
// vocabulary; callers convert it to a Chunk.
type PackedChunk struct {
	Text      string
	StartLine int
	EndLine   int
	Meta      map[string]string
}

// Pack packs ordered blocks into chunks obeying chunk_tokens, overlap_tokens,
// max_symbol_blocks_per_chunk, and hard_cap_tokens (oversize blocks are
// line-split before packing). Source order is preserved throughout.
func Pack(blocks []Block, cfg BudgetConfig) []PackedChunk {
	cfg = cfg.normalized()

	expanded := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if estimateTokens(b.Text) > cfg.HardCapTokens {
			expanded = append(expanded, splitOversizeBlock(b, cfg.HardCapTokens)...)
		} else {
			expanded = append(expanded, b)
		}
	}

	var out []PackedChunk
	i := 0
	for i < len(expanded) {
		var texts []string
		var meta map[string]string
		startLine := expanded[i].StartLine
		endLine := expanded[i].EndLine
		tokens := 0
		count := 0
		j := i
		for j < len(expanded) && count < cfg.MaxSymbolBlocksPerChunk {
			blockTokens := estimateTokens(expanded[j].Text)
			if count > 0 && tokens+blockTokens > cfg.ChunkTokens {
				break
			}
			texts = append(texts, expanded[j].Text)
			if meta == nil {
				meta = expanded[j].Meta
			}
			endLine = expanded[j].EndLine
			tokens += blockTokens
			count++
			j++
		}
		if count == 0 {
			// single block already exceeds target; take it alone
			texts = append(texts, expanded[j].Text)
			endLine = expanded[j].EndLine
			j++
		}

		out = append(out, PackedChunk{
			Text:      strings.Join(texts, "\n\n"),
			StartLine: startLine,
			EndLine:   endLine,
			Meta:      meta,
		})

		if j >= len(expanded) {
			break
		}

		// Next window starts where overlap_tokens of trailing text remain
		// unconsumed: walk back from j while the accumulated suffix stays
		// under the overlap budget.
		back := j
		overlapTok := 0
		for back > i && overlapTok < cfg.OverlapTokens {
			overlapTok += estimateTokens(expanded[back-1].Text)
			back--
		}
		if back <= i {
			i = j
		} else {
			i = back
		}
	}
	return out
}

// splitOversizeBlock forces a line-based split of a block whose token count
// exceeds hardCap, preserving line numbers.
func splitOversizeBlock(b Block, hardCap int) []Block {
	lines := strings.Split(b.Text, "\n")
	maxLinesPerPart := (hardCap * TokensPerChar) / 80
	if maxLinesPerPart < 1 {
		maxLinesPerPart = 1
	}
	var parts []Block
	for i := 0; i < len(lines); i += maxLinesPerPart {
		end := i + maxLinesPerPart
		if end > len(lines) {
			end = len(lines)
		}
		parts = append(parts, Block{
			Text:      strings.Join(lines[i:end], "\n"),
			StartLine: b.StartLine + i,
			EndLine:   b.StartLine + end - 1,
			Meta:      b.Meta,
		})
	}
	if len(parts) == 0 {
		parts = append(parts, b)
	}
	return parts
}
