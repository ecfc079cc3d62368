package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxChars matches config.RetrievalConfig's documented default when a
// caller passes 0 (spec §4.4.5: "truncate ... to max_chars (default 1200)").
const DefaultMaxChars = 1200

// EvidenceResult is the evidence_digest MCP tool's return value: a deduped,
// length-bounded set of snippets plus a short deterministic summary.
type EvidenceResult struct {
	Digest    string `json:"digest"`
	Snippets  []Hit  `json:"snippets"`
	Truncated bool   `json:"truncated"`
}

// EvidenceDigest runs a query and reduces its hits to a caller-presentable
// digest: deduplicated by (path, snippet), truncated to maxChars, with a
// one-line deterministic summary of what's included (spec §4.4.5).
func EvidenceDigest(ctx context.Context, engine *Engine, ref, q string, k, maxChars int) (EvidenceResult, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	result, err := engine.Query(ctx, ref, q, k)
	if err != nil {
		return EvidenceResult{}, err
	}

	seen := make(map[string]struct{}, len(result.Results))
	deduped := make([]Hit, 0, len(result.Results))
	for _, h := range result.Results {
		key := h.Path + "\x00" + h.Snippet
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, h)
	}

	var (
		snippets  []Hit
		total     int
		truncated bool
	)
	for _, h := range deduped {
		remaining := maxChars - total
		if remaining <= 0 {
			truncated = true
			break
		}
		if len(h.Snippet) > remaining {
			h.Snippet = h.Snippet[:remaining]
			truncated = true
		}
		total += len(h.Snippet)
		snippets = append(snippets, h)
		if total >= maxChars {
			truncated = truncated || len(deduped) > len(snippets)
			break
		}
	}

	return EvidenceResult{
		Digest:    summarize(snippets),
		Snippets:  snippets,
		Truncated: truncated,
	}, nil
}

// summarize builds a short, deterministic one-line description of which
// files contributed evidence, independent of hit order beyond what Query
// already guarantees (sorted file paths, not insertion order).
func summarize(snippets []Hit) string {
	if len(snippets) == 0 {
		return "no evidence found"
	}
	paths := make(map[string]struct{}, len(snippets))
	for _, s := range snippets {
		paths[s.Path] = struct{}{}
	}
	unique := make([]string, 0, len(paths))
	for p := range paths {
		unique = append(unique, p)
	}
	sort.Strings(unique)
	return fmt.Sprintf("%d snippet(s) from %d file(s): %s", len(snippets), len(unique), strings.Join(unique, ", "))
}
