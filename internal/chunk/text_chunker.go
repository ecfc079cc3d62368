package chunk

import (
	"context"
	"strings"
	"time"
)

// TextChunker is the fallback strategy for extensions with no dedicated
// chunker: plain line-based packing through the shared token budgeter.
type TextChunker struct {
	cfg BudgetConfig
}

// NewTextChunker creates a text chunker with default budget settings.
func NewTextChunker() *TextChunker {
	return &TextChunker{cfg: DefaultBudgetConfig()}
}

// NewTextChunkerWithBudget creates a text chunker with a custom budget.
func NewTextChunkerWithBudget(cfg BudgetConfig) *TextChunker {
	return &TextChunker{cfg: cfg}
}

func (c *TextChunker) SupportedExtensions() []string {
	return nil // registered as the catch-all, not keyed by extension
}

func (c *TextChunker) Chunk(_ context.Context, file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	lines := strings.Split(content, "\n")
	blocks := make([]Block, 0, 1)
	blocks = append(blocks, Block{Text: content, StartLine: 1, EndLine: len(lines)})

	packed := Pack(blocks, c.cfg)
	now := time.Now()
	chunks := make([]*Chunk, 0, len(packed))
	for _, p := range packed {
		chunks = append(chunks, &Chunk{
			FilePath:    file.Path,
			Content:     p.Text,
			RawContent:  p.Text,
			ContentType: ContentTypeText,
			Language:    file.Language,
			StartLine:   p.StartLine,
			EndLine:     p.EndLine,
			Metadata:    map[string]string{},
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return chunks, nil
}
