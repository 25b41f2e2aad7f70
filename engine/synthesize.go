package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lexgraph/lexgraph/corpus"
)

// synthResponse is the strict schema of the synthesis call.
type synthResponse struct {
	Summary          string   `json:"summary"`
	DetailedAnswer   string   `json:"detailed_answer"`
	CitedIdentifiers []string `json:"cited_identifiers"`
	Confidence       float64  `json:"confidence"`
}

func (s *synthResponse) Validate() error {
	if strings.TrimSpace(s.Summary) == "" {
		return fmt.Errorf("summary must be non-empty")
	}
	if strings.TrimSpace(s.DetailedAnswer) == "" {
		return fmt.Errorf("detailed_answer must be non-empty")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}

// synthesize produces the natural-language answer over the top results.
// It never fails: on any LLM problem the conventional fallback answer is
// returned with its Fallback flag set.
func (e *Engine) synthesize(ctx context.Context, st *requestState, results []corpus.SearchResult) *corpus.SynthesizedAnswer {
	top := results
	if len(top) > e.cfg.SynthTopN {
		top = top[:e.cfg.SynthTopN]
	}

	var resp synthResponse
	if err := e.askLLM(ctx, st, e.synthPrompt(st.query, top), &resp); err != nil {
		e.log.Info("synthesis unavailable, returning fallback answer",
			zap.String("request", st.id), zap.Error(err))
		return fallbackAnswer(st.query, top)
	}

	// Citations must reference returned provisions only.
	valid := make(map[string]bool, len(results))
	for _, r := range results {
		valid[r.ProvisionID] = true
	}
	cited := make([]string, 0, len(resp.CitedIdentifiers))
	for _, id := range resp.CitedIdentifiers {
		if valid[id] {
			cited = append(cited, id)
		}
	}

	return &corpus.SynthesizedAnswer{
		Summary:          resp.Summary,
		DetailedAnswer:   resp.DetailedAnswer,
		CitedIdentifiers: cited,
		Confidence:       resp.Confidence,
	}
}

func (e *Engine) synthPrompt(query string, top []corpus.SearchResult) string {
	const snippetLimit = 300

	var b strings.Builder
	b.WriteString("Answer the query from the retrieved legal provisions below. Cite only their identifiers.\n")
	fmt.Fprintf(&b, "Query: %q.\nProvisions:\n", query)
	for _, r := range top {
		snippet := r.Content
		if len(snippet) > snippetLimit {
			snippet = snippet[:snippetLimit] + "…"
		}
		fmt.Fprintf(&b, "- %s [domain %q, similarity %.2f]: %s\n",
			r.ProvisionID, r.SourceDomain, r.Similarity, snippet)
	}
	b.WriteString(`Respond with only a JSON object {"summary": string, "detailed_answer": string, "cited_identifiers": [string], "confidence": float in [0,1]}.`)
	return b.String()
}

func fallbackAnswer(query string, top []corpus.SearchResult) *corpus.SynthesizedAnswer {
	cited := make([]string, 0, len(top))
	var b strings.Builder
	fmt.Fprintf(&b, "The most relevant provisions for %q, in ranked order:\n", query)
	for _, r := range top {
		cited = append(cited, r.ProvisionID)
		fmt.Fprintf(&b, "- %s (similarity %.2f)\n", r.ProvisionID, r.Similarity)
	}
	return &corpus.SynthesizedAnswer{
		Summary:          fmt.Sprintf("Here are the top %d results for %q.", len(top), query),
		DetailedAnswer:   b.String(),
		CitedIdentifiers: cited,
		Confidence:       0,
		Fallback:         true,
	}
}
