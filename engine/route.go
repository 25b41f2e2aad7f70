package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/corpus"
	"github.com/lexgraph/lexgraph/vector"
)

type routeResult struct {
	primary *corpus.Domain
	peers   []*corpus.Domain
}

// assessResponse is the strict schema of a domain's self-assessment.
type assessResponse struct {
	CanAnswer  bool    `json:"can_answer"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func (a *assessResponse) Validate() error {
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", a.Confidence)
	}
	return nil
}

// askLLM issues one structured LLM call, counting it against the request's
// stats.
func (e *Engine) askLLM(ctx context.Context, st *requestState, prompt string, out any) error {
	st.llmCalls.Add(1)
	e.metrics.llmCalls.Add(ctx, 1)
	_, err := e.gw.Structured(ctx, prompt, out)
	return err
}

// route picks the primary domain and the peer-candidate list. Candidates are
// pre-filtered by centroid similarity; each is then asked, via the LLM, to
// self-assess whether it can answer. The blended score ranks them. With the
// LLM unavailable, the centroid ranking alone decides.
func (e *Engine) route(ctx context.Context, st *requestState) (*routeResult, error) {
	snapshot := e.registry.Snapshot()
	if len(snapshot) == 0 {
		return nil, lexgraph.E("Engine.route", lexgraph.KindNotInitialized, lexgraph.ErrNotInitialized)
	}

	type candidate struct {
		domain   *corpus.Domain
		sim      float64
		combined float64
	}
	candidates := make([]candidate, 0, len(snapshot))
	for _, d := range snapshot {
		candidates = append(candidates, candidate{
			domain: d,
			sim:    vector.Cosine(st.nodeVec, d.Centroid),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].domain.ID < candidates[j].domain.ID
	})
	if len(candidates) > e.cfg.RouteCandidates {
		candidates = candidates[:e.cfg.RouteCandidates]
	}

	// Self-assessments run concurrently; a failed assessment degrades that
	// candidate to its centroid score.
	alpha := e.cfg.LLMWeight
	g, gctx := errgroup.WithContext(ctx)
	for i := range candidates {
		g.Go(func() error {
			c := &candidates[i]
			var assess assessResponse
			err := e.askLLM(gctx, st, e.assessPrompt(st.query, c.domain), &assess)
			if err != nil {
				e.log.Debug("routing assessment degraded to centroid score",
					zap.String("domain", c.domain.Label), zap.Error(err))
				c.combined = c.sim
				return nil
			}
			c.combined = alpha*assess.Confidence + (1-alpha)*c.sim
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, lexgraph.E("Engine.route", lexgraph.KindOf(err), err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].combined != candidates[j].combined {
			return candidates[i].combined > candidates[j].combined
		}
		return candidates[i].domain.ID < candidates[j].domain.ID
	})

	route := &routeResult{primary: candidates[0].domain}
	for _, c := range candidates[1:] {
		if len(route.peers) == e.cfg.PeerCandidates {
			break
		}
		route.peers = append(route.peers, c.domain)
	}
	return route, nil
}

func (e *Engine) assessPrompt(query string, d *corpus.Domain) string {
	sample := e.registry.MemberSample(d.ID, 5)
	var b strings.Builder
	b.WriteString("You are the retrieval agent for one thematic domain of a legal corpus.\n")
	fmt.Fprintf(&b, "Domain label: %q. Member provisions: %d.\n", d.Label, d.Size)
	if len(sample) > 0 {
		fmt.Fprintf(&b, "Sample member identifiers: %s.\n", strings.Join(sample, ", "))
	}
	fmt.Fprintf(&b, "Query: %q.\n", query)
	b.WriteString("Can this domain answer the query from its own provisions? ")
	b.WriteString(`Respond with only a JSON object {"can_answer": bool, "confidence": float in [0,1], "reasoning": string}.`)
	return b.String()
}
