package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lexgraph/lexgraph/vector"
)

type labelResponse struct {
	Label string `json:"label"`
}

func (l *labelResponse) Validate() error {
	if strings.TrimSpace(l.Label) == "" {
		return fmt.Errorf("label must be non-empty")
	}
	return nil
}

// labelDomain names a domain from the provisions nearest its centroid.
// Labeling is best-effort: any failure (no LLM, unparseable response, store
// error) produces a deterministic fallback label, never an error, because a
// domain without a name is still routable.
func (r *Registry) labelDomain(ctx context.Context, domainID string, centroid []float64, memberIDs []string) string {
	if r.gw == nil {
		return fallbackLabel(domainID)
	}

	sample := r.sampleNearest(ctx, centroid, memberIDs, r.cfg.LabelSampleSize)
	if len(sample) == 0 {
		return fallbackLabel(domainID)
	}

	var b strings.Builder
	b.WriteString("You are naming a thematic group of legal provisions. ")
	b.WriteString("Based on the representative excerpts below, respond with a JSON object ")
	fmt.Fprintf(&b, "{\"label\": \"...\"} where label is a concise topical name, at most %d characters, ", r.cfg.MaxLabelLength)
	b.WriteString("in the style of a statute chapter heading. No explanation.\n\n")
	for i, s := range sample {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, s.path, s.excerpt)
	}

	var resp labelResponse
	if _, err := r.gw.Structured(ctx, b.String(), &resp); err != nil {
		r.log.Debug("domain labeling fell back", zap.String("domain", domainID), zap.Error(err))
		return fallbackLabel(domainID)
	}

	label := strings.TrimSpace(resp.Label)
	if len(label) > r.cfg.MaxLabelLength {
		label = strings.TrimSpace(label[:r.cfg.MaxLabelLength])
	}
	return label
}

type labelSample struct {
	path    string
	excerpt string
}

// sampleNearest loads the n member provisions closest to the centroid.
func (r *Registry) sampleNearest(ctx context.Context, centroid []float64, memberIDs []string, n int) []labelSample {
	const excerptLimit = 240

	provisions, _, err := r.store.BatchGetProvisions(ctx, memberIDs)
	if err != nil {
		return nil
	}

	type scored struct {
		idx int
		sim float64
	}
	ranked := make([]scored, 0, len(provisions))
	for i, p := range provisions {
		if !p.HasEmbedding() {
			continue
		}
		ranked = append(ranked, scored{i, vector.Cosine(p.Embedding, centroid)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].sim != ranked[j].sim {
			return ranked[i].sim > ranked[j].sim
		}
		return provisions[ranked[i].idx].ID < provisions[ranked[j].idx].ID
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	out := make([]labelSample, 0, len(ranked))
	for _, s := range ranked {
		p := provisions[s.idx]
		excerpt := p.Content
		if len(excerpt) > excerptLimit {
			excerpt = excerpt[:excerptLimit] + "…"
		}
		out = append(out, labelSample{path: p.Path, excerpt: excerpt})
	}
	return out
}
