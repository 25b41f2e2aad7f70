package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lexgraph/lexgraph/corpus"
)

// collabResponse is the strict schema of the collaboration decision.
type collabResponse struct {
	ShouldCollaborate bool           `json:"should_collaborate"`
	Targets           []collabTarget `json:"targets"`
}

type collabTarget struct {
	DomainLabel  string `json:"domain_label"`
	RefinedQuery string `json:"refined_query"`
	Reason       string `json:"reason"`
}

// collaborate runs the A2A phase: the LLM decides whether and where to
// delegate, then the selected peers are searched in parallel with refined
// queries. Peers run at depth 1 and never cascade further. Every failure
// path here is a graceful skip; the primary's results always survive.
func (e *Engine) collaborate(ctx context.Context, st *requestState, route *routeResult,
	primary []corpus.SearchResult, merged *resultSet, em *Emitter) error {
	if len(route.peers) == 0 {
		return nil
	}

	var decision collabResponse
	if err := e.askLLM(ctx, st, e.collabPrompt(st.query, route, primary), &decision); err != nil {
		e.log.Info("collaboration decision unavailable, skipping peer delegation",
			zap.String("request", st.id), zap.Error(err))
		return nil
	}
	if !decision.ShouldCollaborate || len(decision.Targets) == 0 {
		return nil
	}

	targets := e.resolveTargets(decision.Targets, route)
	if len(targets) == 0 {
		return nil
	}

	st.a2a = true
	e.metrics.a2a.Add(ctx, int64(len(targets)))
	em.Emit(Event{Status: StatusA2AStarted, Targets: resolvedLabels(targets)})

	// Peers inherit the request deadline minus an overhead budget so a slow
	// peer can never stall the parent past its own deadline.
	peerCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		peerCtx, cancel = context.WithDeadline(ctx, deadline.Add(-e.cfg.A2AOverhead))
		defer cancel()
	}

	contributions := make([][]corpus.SearchResult, len(targets))
	g := &errgroup.Group{}
	g.SetLimit(e.cfg.MaxPeers)
	for i, target := range targets {
		g.Go(func() error {
			results := e.searchPeer(peerCtx, st, target)
			contributions[i] = results
			em.Emit(Event{
				Status:      StatusA2APeerCompleted,
				Target:      target.domain.Label,
				ResultCount: len(results),
			})
			return nil
		})
	}
	_ = g.Wait()

	for _, results := range contributions {
		merged.absorb(results)
	}
	st.domains += len(targets)
	return nil
}

type resolvedTarget struct {
	domain       *corpus.Domain
	refinedQuery string
}

// resolveTargets maps LLM-suggested labels onto actual peer-candidate
// domains, dropping unknown labels and duplicates, bounded by MaxPeers.
func (e *Engine) resolveTargets(suggested []collabTarget, route *routeResult) []resolvedTarget {
	byLabel := make(map[string]*corpus.Domain, len(route.peers))
	for _, p := range route.peers {
		byLabel[p.Label] = p
	}

	var out []resolvedTarget
	seen := map[string]bool{}
	for _, t := range suggested {
		if len(out) == e.cfg.MaxPeers {
			break
		}
		d, ok := byLabel[t.DomainLabel]
		if !ok || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, resolvedTarget{domain: d, refinedQuery: strings.TrimSpace(t.RefinedQuery)})
	}
	return out
}

// searchPeer runs one depth-1 sub-request. The refined query gets its own
// embeddings; if embedding fails the peer falls back to the parent's
// vectors. Any failure returns an empty contribution.
func (e *Engine) searchPeer(ctx context.Context, st *requestState, target resolvedTarget) []corpus.SearchResult {
	started := time.Now()
	query := target.refinedQuery
	if query == "" {
		query = st.query
	}

	p := searchParams{
		query:   query,
		nodeVec: st.nodeVec,
		relVec:  st.relVec,
		limit:   st.limit,
	}
	if query != st.query {
		if vec, err := e.gw.EmbedNode(ctx, query); err == nil {
			p.nodeVec = vec
		}
		if vec, err := e.gw.EmbedRelation(ctx, query); err == nil {
			p.relVec = vec
		}
	}

	results, err := e.searchDomain(ctx, p, target.domain, nil)
	if err != nil {
		e.log.Warn("peer search contributed nothing",
			zap.String("request", st.id),
			zap.String("peer", target.domain.Label),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return nil
	}
	for i := range results {
		results[i].ViaA2A = true
	}
	return results
}

func (e *Engine) collabPrompt(query string, route *routeResult, primary []corpus.SearchResult) string {
	var b strings.Builder
	b.WriteString("A legal-corpus search answered from its primary domain; decide whether peer domains should also be consulted.\n")
	fmt.Fprintf(&b, "Query: %q. Primary domain: %q.\n", query, route.primary.Label)

	if len(primary) == 0 {
		b.WriteString("Primary results: none.\n")
	} else {
		b.WriteString("Primary results (identifier, similarity):\n")
		top := primary
		if len(top) > 5 {
			top = top[:5]
		}
		for _, r := range top {
			fmt.Fprintf(&b, "- %s (%.2f)\n", r.ProvisionID, r.Similarity)
		}
	}

	b.WriteString("Available peer domains:\n")
	for _, p := range route.peers {
		fmt.Fprintf(&b, "- %q (%d provisions)\n", p.Label, p.Size)
	}
	fmt.Fprintf(&b, "Suggest at most %d peers, each with a refined query. ", e.cfg.MaxPeers)
	b.WriteString(`Respond with only a JSON object {"should_collaborate": bool, "targets": [{"domain_label": string, "refined_query": string, "reason": string}]}.`)
	return b.String()
}

func resolvedLabels(targets []resolvedTarget) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.domain.Label
	}
	return out
}
