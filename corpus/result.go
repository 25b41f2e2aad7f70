package corpus

import "sort"

// Stage names record which retrieval channels contributed a result.
// Expansion discoveries are tagged "expansion.<edge kind>".
const (
	StageExactMatch        = "exact_match"
	StageNodeEmbedding     = "node_embedding"
	StageRelationEmbedding = "relation_embedding"
	StageContainer         = "container"
	StageExpansionPrefix   = "expansion."
)

// SearchResult is a single ranked provision in a query response.
type SearchResult struct {
	// ProvisionID is the stable provision identifier.
	ProvisionID string `json:"provision_id"`

	// Content is the provision text.
	Content string `json:"content"`

	// Display fields, filled from the provision's denormalized attributes.
	// Absence is never fatal; they default to empty strings.
	DocumentTitle   string `json:"document_title"`
	ProvisionPath   string `json:"provision_path"`
	ProvisionNumber string `json:"provision_number"`

	// Similarity is the best similarity any contributing channel reported.
	Similarity float64 `json:"similarity"`

	// Stages is the set of channels the result appeared in, sorted.
	Stages []string `json:"stages"`

	// SourceDomain is the label of the domain that contributed the result.
	// When peers contribute the same provision, the highest-similarity
	// contributor wins and the full set is kept in SourceDomains.
	SourceDomain string `json:"source_domain"`

	// SourceDomains is the full contributor set when more than one domain
	// returned the provision.
	SourceDomains []string `json:"source_domains,omitempty"`

	// ViaA2A is true if any contributing source was a peer domain.
	ViaA2A bool `json:"via_a2a"`
}

// HasStage reports whether the result carries the given stage tag.
func (r *SearchResult) HasStage(stage string) bool {
	for _, s := range r.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// AddStage adds a stage tag if not already present, keeping Stages sorted.
func (r *SearchResult) AddStage(stage string) {
	if r.HasStage(stage) {
		return
	}
	r.Stages = append(r.Stages, stage)
	sort.Strings(r.Stages)
}

// Merge folds other into r: the higher similarity wins (together with its
// source domain), stage tags union, source-domain sets union, and ViaA2A
// becomes true if either side saw a peer. Merge is commutative up to the
// deterministic tie handling, so peer completion order never changes the
// final list.
func (r *SearchResult) Merge(other SearchResult) {
	if other.Similarity > r.Similarity {
		r.Similarity = other.Similarity
		r.SourceDomain = other.SourceDomain
	}
	for _, s := range other.Stages {
		r.AddStage(s)
	}
	r.SourceDomains = unionSorted(r.SourceDomains, other.SourceDomains)
	if other.SourceDomain != "" {
		r.SourceDomains = unionSorted(r.SourceDomains, []string{other.SourceDomain})
	}
	if r.SourceDomain != "" {
		r.SourceDomains = unionSorted(r.SourceDomains, []string{r.SourceDomain})
	}
	r.ViaA2A = r.ViaA2A || other.ViaA2A
}

// Stats summarizes one query execution for the response envelope.
type Stats struct {
	DomainsQueried int   `json:"domains_queried"`
	A2ATriggered   bool  `json:"a2a_triggered"`
	LLMCalls       int   `json:"llm_calls"`
	ElapsedMS      int64 `json:"elapsed_ms"`
}

// SynthesizedAnswer is the optional natural-language synthesis of the top
// results.
type SynthesizedAnswer struct {
	Summary          string   `json:"summary"`
	DetailedAnswer   string   `json:"detailed_answer"`
	CitedIdentifiers []string `json:"cited_identifiers"`
	Confidence       float64  `json:"confidence"`

	// Fallback is true when the LLM failed and the answer was synthesized
	// conventionally from the top results.
	Fallback bool `json:"fallback"`
}

func unionSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
