package mcp

import "github.com/cpm-dev/cpm/internal/retrieval"

// QueryInput defines the input schema for the query tool (spec §4.4).
type QueryInput struct {
	Ref string `json:"ref" jsonschema:"packet reference: oci URI, digest-pinned URI, or registry alias"`
	Q   string `json:"q" jsonschema:"the natural-language or code query to run against the packet"`
	K   int    `json:"k,omitempty" jsonschema:"number of results to return, clamped to [1,20], default 10"`
}

// QueryOutput defines the output schema for the query tool.
type QueryOutput struct {
	CacheHit  bool       `json:"cache_hit" jsonschema:"true if no OCI network call was needed to serve this query"`
	PinnedURI string     `json:"pinned_uri" jsonschema:"the digest-pinned URI this result was served from, for exact replay"`
	Digest    string     `json:"digest" jsonschema:"the content digest of the packet queried"`
	Results   []HitOutput `json:"results" jsonschema:"ranked hits, descending score"`
}

// HitOutput mirrors retrieval.Hit for the MCP wire schema.
type HitOutput struct {
	Score   float64 `json:"score" jsonschema:"inner-product similarity score over L2-normalized vectors"`
	Path    string  `json:"path" jsonschema:"source file path within the packet"`
	Start   int     `json:"start" jsonschema:"starting line of the matched chunk"`
	End     int     `json:"end" jsonschema:"ending line of the matched chunk"`
	Snippet string  `json:"snippet" jsonschema:"matched chunk text"`
}

func toQueryOutput(r retrieval.QueryResult) QueryOutput {
	out := QueryOutput{
		CacheHit:  r.CacheHit,
		PinnedURI: r.PinnedURI,
		Digest:    r.Digest,
		Results:   make([]HitOutput, 0, len(r.Results)),
	}
	for _, h := range r.Results {
		out.Results = append(out.Results, HitOutput{
			Score:   float64(h.Score),
			Path:    h.Path,
			Start:   h.Start,
			End:     h.End,
			Snippet: h.Snippet,
		})
	}
	return out
}

// PlanInput defines the input schema for the plan_from_intent tool (spec §4.4.5).
type PlanInput struct {
	Intent     string   `json:"intent" jsonschema:"the caller's goal, in plain language"`
	SourceURIs []string `json:"source_uris" jsonschema:"candidate packet source URIs to rank"`
	Kind       string   `json:"kind,omitempty" jsonschema:"require this packet kind"`
	Entrypoint string   `json:"entrypoint,omitempty" jsonschema:"require this entrypoint to be present"`
	Capability string   `json:"capability,omitempty" jsonschema:"require this capability to be present"`
}

// PlanOutput defines the output schema for the plan_from_intent tool.
type PlanOutput struct {
	Intent    string               `json:"intent" jsonschema:"lookup if metadata alone was sufficient, query if retrieval was needed"`
	Selected  *PlanCandidateOutput `json:"selected,omitempty" jsonschema:"the chosen candidate, omitted if none resolved"`
	Fallbacks []PlanCandidateOutput `json:"fallbacks" jsonschema:"runner-up candidates, best first"`
}

// PlanCandidateOutput mirrors retrieval.PlanCandidate for the MCP wire schema.
type PlanCandidateOutput struct {
	SourceURI string   `json:"source_uri"`
	Name      string   `json:"name"`
	Score     float64  `json:"score"`
	MatchedOn []string `json:"matched_on"`
}

func toPlanOutput(r retrieval.PlanResult) PlanOutput {
	out := PlanOutput{
		Intent:    r.Intent,
		Fallbacks: make([]PlanCandidateOutput, 0, len(r.Fallbacks)),
	}
	if r.Selected != nil {
		c := toPlanCandidateOutput(*r.Selected)
		out.Selected = &c
	}
	for _, c := range r.Fallbacks {
		out.Fallbacks = append(out.Fallbacks, toPlanCandidateOutput(c))
	}
	return out
}

func toPlanCandidateOutput(c retrieval.PlanCandidate) PlanCandidateOutput {
	return PlanCandidateOutput{
		SourceURI: c.SourceURI,
		Name:      c.Name,
		Score:     c.Score,
		MatchedOn: c.MatchedOn,
	}
}

// EvidenceInput defines the input schema for the evidence_digest tool.
type EvidenceInput struct {
	Ref      string `json:"ref" jsonschema:"packet reference: oci URI, digest-pinned URI, or registry alias"`
	Q        string `json:"q" jsonschema:"the query to gather evidence for"`
	K        int    `json:"k,omitempty" jsonschema:"number of hits to consider before deduping, default 10"`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"character budget for the combined snippets, default 1200"`
}

// EvidenceOutput defines the output schema for the evidence_digest tool.
type EvidenceOutput struct {
	Digest    string      `json:"digest" jsonschema:"short deterministic one-line summary of the evidence gathered"`
	Snippets  []HitOutput `json:"snippets" jsonschema:"deduplicated, length-bounded snippets"`
	Truncated bool        `json:"truncated" jsonschema:"true if max_chars cut off some evidence"`
}

func toEvidenceOutput(r retrieval.EvidenceResult) EvidenceOutput {
	out := EvidenceOutput{
		Digest:    r.Digest,
		Snippets:  make([]HitOutput, 0, len(r.Snippets)),
		Truncated: r.Truncated,
	}
	for _, h := range r.Snippets {
		out.Snippets = append(out.Snippets, HitOutput{
			Score:   float64(h.Score),
			Path:    h.Path,
			Start:   h.Start,
			End:     h.End,
			Snippet: h.Snippet,
		})
	}
	return out
}
