package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/cpm-dev/cpm/internal/oci"
)

// IntentLookup means the planner judged metadata alone sufficient to answer
// the caller's intent, with no retrieval call required. IntentQuery means
// retrieval is needed.
const (
	IntentLookup = "lookup"
	IntentQuery  = "query"
)

// indistinguishableMargin bounds how close two candidates' metadata scores
// must be before the planner resorts to a probe query to break the tie.
const indistinguishableMargin = 0.01

// Constraints narrows candidate scoring to packets whose metadata actually
// matches what the caller asked for.
type Constraints struct {
	Kind       string
	Entrypoint string
	Capability string
}

// PlanCandidate is one scored packet candidate considered by PlanFromIntent.
type PlanCandidate struct {
	SourceURI string   `json:"source_uri"`
	Name      string   `json:"name"`
	Score     float64  `json:"score"`
	MatchedOn []string `json:"matched_on"`
}

// PlanResult is the planner's output: a classified intent plus its chosen
// candidate and the runners-up (spec §4.4.5).
type PlanResult struct {
	Intent    string          `json:"intent"`
	Selected  *PlanCandidate  `json:"selected"`
	Fallbacks []PlanCandidate `json:"fallbacks"`
}

// PlanFromIntent scores sourceURIs against an intent string using
// metadata-only features, breaking ties with a single probe query per
// indistinguishable top candidate, and returns a deterministic selection
// (spec §4.4.5). engine may be nil when no probe is possible — in that case
// no probe runs and indistinguishable ties keep the base order (ascending
// source URI), with Intent set to "query".
func PlanFromIntent(ctx context.Context, engine *Engine, resolver *oci.Resolver, intent string, sourceURIs []string, constraints Constraints) (PlanResult, error) {
	tokens := intentTokens(intent)

	candidates := make([]PlanCandidate, 0, len(sourceURIs))
	metaByURI := make(map[string]oci.PacketMetadata, len(sourceURIs))
	for _, uri := range sourceURIs {
		meta, _, err := resolver.LookupMetadata(ctx, uri)
		if err != nil {
			continue // unreachable/denied candidates are silently excluded, not fatal to planning
		}
		metaByURI[uri] = meta
		score, matched := scoreCandidate(meta, tokens, constraints)
		candidates = append(candidates, PlanCandidate{
			SourceURI: uri,
			Name:      meta.Packet.Name,
			Score:     score,
			MatchedOn: matched,
		})
	}

	// Deterministic base order: descending score, ascending source URI.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].SourceURI < candidates[j].SourceURI
	})

	if len(candidates) == 0 {
		return PlanResult{Intent: IntentQuery}, nil
	}

	intentClass := IntentLookup
	if len(candidates) > 1 && math.Abs(candidates[0].Score-candidates[1].Score) <= indistinguishableMargin {
		intentClass = IntentQuery
		if engine != nil {
			probed, err := probeTieBreak(ctx, engine, intent, candidates)
			if err == nil {
				candidates = probed
			}
		}
	}

	selected := candidates[0]
	fallbacks := append([]PlanCandidate{}, candidates[1:]...)
	return PlanResult{Intent: intentClass, Selected: &selected, Fallbacks: fallbacks}, nil
}

// probeTieBreak re-scores only the metadata-indistinguishable leading
// candidates by running one real query each, then re-sorts.
func probeTieBreak(ctx context.Context, engine *Engine, intent string, candidates []PlanCandidate) ([]PlanCandidate, error) {
	lead := candidates[0].Score
	tied := 0
	for _, c := range candidates {
		if math.Abs(c.Score-lead) <= indistinguishableMargin {
			tied++
			continue
		}
		break
	}
	if tied < 2 {
		return candidates, nil
	}

	out := append([]PlanCandidate{}, candidates...)
	for i := 0; i < tied; i++ {
		result, err := engine.Query(ctx, out[i].SourceURI, intent, 1)
		if err != nil || len(result.Results) == 0 {
			continue
		}
		// Probe score folds into the metadata score as a small tiebreaking
		// nudge, never large enough to override a genuine metadata win
		// outside the indistinguishable band.
		out[i].Score += float64(result.Results[0].Score) * indistinguishableMargin
		out[i].MatchedOn = append(out[i].MatchedOn, "probe_query")
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SourceURI < out[j].SourceURI
	})
	return out, nil
}

// scoreCandidate computes a deterministic metadata-only score: name-hint
// token overlap plus bonuses for constraint matches on kind, entrypoints,
// and capabilities.
func scoreCandidate(meta oci.PacketMetadata, tokens []string, c Constraints) (float64, []string) {
	var score float64
	var matched []string

	haystack := strings.ToLower(meta.Packet.Name + " " + meta.Packet.Description + " " + strings.Join(meta.Packet.Tags, " "))
	overlap := 0
	for _, t := range tokens {
		if strings.Contains(haystack, t) {
			overlap++
		}
	}
	if len(tokens) > 0 {
		score += float64(overlap) / float64(len(tokens))
	}
	if overlap > 0 {
		matched = append(matched, "name_hint")
	}

	if c.Kind != "" && strings.EqualFold(meta.Packet.Kind, c.Kind) {
		score += 1.0
		matched = append(matched, "kind")
	}
	if c.Entrypoint != "" && containsFold(meta.Packet.Entrypoints, c.Entrypoint) {
		score += 1.0
		matched = append(matched, "entrypoint")
	}
	if c.Capability != "" && containsFold(meta.Packet.Capabilities, c.Capability) {
		score += 1.0
		matched = append(matched, "capability")
	}

	return score, matched
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// intentTokens splits an intent string into lowercase whitespace-delimited
// tokens, the same normalization on both sides of the name-hint match.
func intentTokens(intent string) []string {
	fields := strings.Fields(strings.ToLower(intent))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
