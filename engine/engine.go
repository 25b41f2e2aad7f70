// Package engine implements the search orchestrator: routing a query to its
// primary domain, running hybrid retrieval plus relationship-aware
// expansion, delegating to peer domains when the primary's answer quality is
// insufficient, and optionally synthesizing a natural-language answer.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/corpus"
	"github.com/lexgraph/lexgraph/domain"
	"github.com/lexgraph/lexgraph/expand"
	"github.com/lexgraph/lexgraph/gateway"
	"github.com/lexgraph/lexgraph/graph"
	"github.com/lexgraph/lexgraph/retrieve"
)

// Config carries the orchestrator tunables.
type Config struct {
	// RouteCandidates is how many domains the centroid pre-filter keeps for
	// LLM assessment. Zero means 5.
	RouteCandidates int

	// PeerCandidates is how many runner-up domains are kept as potential
	// A2A targets. Zero means 4.
	PeerCandidates int

	// MaxPeers bounds concurrent A2A fan-out. Zero means 2.
	MaxPeers int

	// LLMWeight blends LLM confidence with centroid similarity during
	// routing. Zero means 0.7.
	LLMWeight float64

	// QualityFloor is the quality score under which A2A fires. Zero means
	// 0.60.
	QualityFloor float64

	// MinResults is the result count under which A2A fires regardless of
	// quality. Zero means 3.
	MinResults int

	// QualityTopK is how many top similarities feed the quality mean.
	// Zero means 5.
	QualityTopK int

	// RAESeeds is how many top fused hits seed the expansion. Zero means 5.
	RAESeeds int

	// SynthTopN is how many results are shown to the synthesis LLM. Zero
	// means 10.
	SynthTopN int

	// DefaultLimit and MaxLimit bound the per-request result limit. Zero
	// means 10 and 50.
	DefaultLimit int
	MaxLimit     int

	// A2AOverhead is subtracted from the parent deadline when deriving the
	// peer sub-request deadline. Zero means 500ms.
	A2AOverhead time.Duration
}

func (c Config) withDefaults() Config {
	if c.RouteCandidates <= 0 {
		c.RouteCandidates = 5
	}
	if c.PeerCandidates <= 0 {
		c.PeerCandidates = 4
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 2
	}
	if c.LLMWeight <= 0 {
		c.LLMWeight = 0.7
	}
	if c.QualityFloor <= 0 {
		c.QualityFloor = 0.60
	}
	if c.MinResults <= 0 {
		c.MinResults = 3
	}
	if c.QualityTopK <= 0 {
		c.QualityTopK = 5
	}
	if c.RAESeeds <= 0 {
		c.RAESeeds = 5
	}
	if c.SynthTopN <= 0 {
		c.SynthTopN = 10
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 50
	}
	if c.A2AOverhead <= 0 {
		c.A2AOverhead = 500 * time.Millisecond
	}
	return c
}

// Quality score weights: mean top-K similarity, result-count coverage, and
// exact-hit presence.
const (
	qualityMeanWeight  = 0.5
	qualityCountWeight = 0.3
	qualityExactWeight = 0.2
)

// Request is one search invocation.
type Request struct {
	Query      string
	Limit      int
	Synthesize bool

	// Timeout bounds the whole request. Zero means the caller's context
	// deadline alone applies.
	Timeout time.Duration
}

// Response is the aggregate answer to a search request.
type Response struct {
	Results       []corpus.SearchResult     `json:"results"`
	Stats         corpus.Stats              `json:"stats"`
	PrimaryDomain string                    `json:"primary_domain"`
	Synthesized   *corpus.SynthesizedAnswer `json:"synthesized_answer,omitempty"`
}

// Engine is the orchestrator.
type Engine struct {
	store     graph.Store
	gw        *gateway.Gateway
	registry  *domain.Registry
	retriever *retrieve.Retriever
	expander  *expand.Expander
	cfg       Config
	log       *zap.Logger
	tracer    trace.Tracer
	metrics   engineMetrics
}

// New wires the orchestrator over its collaborators.
func New(store graph.Store, gw *gateway.Gateway, registry *domain.Registry,
	retriever *retrieve.Retriever, expander *expand.Expander, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:     store,
		gw:        gw,
		registry:  registry,
		retriever: retriever,
		expander:  expander,
		cfg:       cfg.withDefaults(),
		log:       log,
		tracer:    otel.Tracer("lexgraph/engine"),
		metrics:   newEngineMetrics(),
	}
}

// requestState is the per-request mutable context threaded through the
// pipeline phases.
type requestState struct {
	id       string
	query    string
	limit    int
	nodeVec  []float64
	relVec   []float64
	started  time.Time
	llmCalls atomic.Int64
	domains  int
	a2a      bool
}

// Search executes one request end to end. Progress events go to em, which
// may be nil for synchronous callers. Exactly one terminal event is emitted:
// complete with the response, or error with the failure kind.
func (e *Engine) Search(ctx context.Context, req Request, em *Emitter) (*Response, error) {
	resp, err := e.run(ctx, req, em)
	if err != nil {
		em.Emit(Event{
			Status:  StatusError,
			Kind:    lexgraph.KindOf(err),
			Message: userMessage(err),
		})
		return nil, err
	}
	em.Emit(Event{
		Status:            StatusComplete,
		Results:           resp.Results,
		Stats:             &resp.Stats,
		PrimaryDomain:     resp.PrimaryDomain,
		SynthesizedAnswer: resp.Synthesized,
	})
	return resp, nil
}

func (e *Engine) run(ctx context.Context, req Request, em *Emitter) (*Response, error) {
	st, err := e.newState(req)
	if err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "engine.Search",
		trace.WithAttributes(
			attribute.String("request.id", st.id),
			attribute.Int("request.limit", st.limit),
		))
	defer span.End()
	e.metrics.searches.Add(ctx, 1)

	if err := e.embedQuery(ctx, st); err != nil {
		return nil, err
	}

	route, err := e.route(ctx, st)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("route.primary", route.primary.Label))

	em.Emit(Event{
		Status:        StatusStarted,
		PrimaryDomain: route.primary.Label,
		Peers:         domainLabels(route.peers),
		Timestamp:     time.Now().UnixMilli(),
	})

	primary, err := e.searchDomain(ctx, searchParams{
		query:   st.query,
		nodeVec: st.nodeVec,
		relVec:  st.relVec,
		limit:   st.limit,
	}, route.primary, em)
	if err != nil {
		return nil, err
	}
	st.domains = 1

	merged := newResultSet()
	merged.absorb(primary)

	q := e.quality(primary)
	if q < e.cfg.QualityFloor || len(primary) < e.cfg.MinResults {
		if err := e.collaborate(ctx, st, route, primary, merged, em); err != nil {
			return nil, err
		}
	}

	results := merged.ranked()
	if len(results) == 0 {
		return nil, lexgraph.E("Engine.Search", lexgraph.KindNoResults, lexgraph.ErrNoResults)
	}
	if len(results) > st.limit {
		results = results[:st.limit]
	}
	if err := e.enrich(ctx, results); err != nil {
		return nil, err
	}

	resp := &Response{
		Results:       results,
		PrimaryDomain: route.primary.Label,
	}
	if req.Synthesize {
		em.Emit(Event{Status: StatusSynthesizing})
		resp.Synthesized = e.synthesize(ctx, st, results)
	}
	resp.Stats = corpus.Stats{
		DomainsQueried: st.domains,
		A2ATriggered:   st.a2a,
		LLMCalls:       int(st.llmCalls.Load()),
		ElapsedMS:      time.Since(st.started).Milliseconds(),
	}
	return resp, nil
}

func (e *Engine) newState(req Request) (*requestState, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, lexgraph.E("Engine.Search", lexgraph.KindBadRequest, lexgraph.ErrBadRequest).
			WithContext("reason", "empty query")
	}
	limit := req.Limit
	if limit == 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit < 0 || limit > e.cfg.MaxLimit {
		return nil, lexgraph.E("Engine.Search", lexgraph.KindBadRequest, lexgraph.ErrBadRequest).
			WithContext("reason", fmt.Sprintf("limit must be in [1,%d]", e.cfg.MaxLimit))
	}
	return &requestState{
		id:      uuid.NewString(),
		query:   query,
		limit:   limit,
		started: time.Now(),
	}, nil
}

func (e *Engine) embedQuery(ctx context.Context, st *requestState) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := e.gw.EmbedNode(gctx, st.query)
		st.nodeVec = vec
		return err
	})
	g.Go(func() error {
		vec, err := e.gw.EmbedRelation(gctx, st.query)
		st.relVec = vec
		return err
	})
	return g.Wait()
}

// searchParams is what one per-domain search needs: peers search with a
// refined query and its own embeddings, primaries with the original.
type searchParams struct {
	query   string
	nodeVec []float64
	relVec  []float64
	limit   int
}

// searchDomain runs retrieval plus expansion against one domain. em is nil
// for peer sub-requests; only the primary search narrates progress. A
// SearchUnavailable from the retriever degrades to an empty contribution.
func (e *Engine) searchDomain(ctx context.Context, p searchParams, d *corpus.Domain, em *Emitter) ([]corpus.SearchResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.searchDomain",
		trace.WithAttributes(attribute.String("domain", d.Label)))
	defer span.End()

	em.Emit(Event{Status: StatusSearching, Stage: SearchStageExactMatch, Progress: 0.2})

	fused, err := e.retriever.Search(ctx, retrieve.Query{
		Text:    p.query,
		NodeVec: p.nodeVec,
		RelVec:  p.relVec,
		Members: e.registry.MembersOf(d.ID),
		Limit:   p.limit,
	})
	if err != nil {
		if lexgraph.KindOf(err) == lexgraph.KindSearch {
			e.log.Warn("domain search unavailable, contributing zero results",
				zap.String("domain", d.Label), zap.Error(err))
			fused = nil
		} else {
			return nil, err
		}
	}

	em.Emit(Event{Status: StatusSearching, Stage: SearchStageNodeEmbedding, Progress: 0.4})
	em.Emit(Event{Status: StatusSearching, Stage: SearchStageRelationEmbedding, Progress: 0.6})
	em.Emit(Event{Status: StatusSearching, Stage: SearchStageExpansion, Progress: 0.8})

	results := make([]corpus.SearchResult, 0, len(fused))
	for _, r := range fused {
		r.SourceDomain = d.Label
		r.SourceDomains = []string{d.Label}
		results = append(results, *r)
	}

	seeds := make([]expand.Seed, 0, e.cfg.RAESeeds)
	for _, r := range results {
		if len(seeds) == e.cfg.RAESeeds {
			break
		}
		seeds = append(seeds, expand.Seed{ID: r.ProvisionID, Similarity: r.Similarity})
	}
	discoveries, err := e.expander.Expand(ctx, seeds, p.nodeVec)
	if err != nil {
		if lexgraph.IsRetryable(err) {
			e.log.Warn("expansion degraded", zap.String("domain", d.Label), zap.Error(err))
			discoveries = nil
		} else {
			return nil, err
		}
	}

	// Expansion discoveries are deliberately not filtered by domain
	// membership: reaching into a sibling domain is a routing signal, not a
	// leak.
	byID := make(map[string]int, len(results))
	for i, r := range results {
		byID[r.ProvisionID] = i
	}
	for _, disc := range discoveries {
		stage := corpus.StageExpansionPrefix + string(disc.Kind)
		if i, ok := byID[disc.ID]; ok {
			results[i].AddStage(stage)
			if disc.Relevance > results[i].Similarity {
				results[i].Similarity = disc.Relevance
			}
			continue
		}
		results = append(results, corpus.SearchResult{
			ProvisionID:   disc.ID,
			Similarity:    disc.Relevance,
			Stages:        []string{stage},
			SourceDomain:  d.Label,
			SourceDomains: []string{d.Label},
		})
		byID[disc.ID] = len(results) - 1
	}
	return results, nil
}

// quality scores a domain's contribution for the A2A gate.
func (e *Engine) quality(results []corpus.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	k := e.cfg.QualityTopK
	top := results
	if len(top) > k {
		top = top[:k]
	}
	var sum float64
	for _, r := range top {
		sum += r.Similarity
	}
	mean := sum / float64(len(top))

	coverage := float64(len(results)) / float64(k)
	if coverage > 1 {
		coverage = 1
	}

	exact := 0.0
	for _, r := range results {
		if r.HasStage(corpus.StageExactMatch) {
			exact = 1
			break
		}
	}
	return qualityMeanWeight*mean + qualityCountWeight*coverage + qualityExactWeight*exact
}

// enrich fills display fields from the provisions' denormalized attributes.
// Missing provisions or fields are tolerated; display data is best-effort.
func (e *Engine) enrich(ctx context.Context, results []corpus.SearchResult) error {
	var missing []string
	for _, r := range results {
		if r.Content == "" {
			missing = append(missing, r.ProvisionID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	provisions, _, err := e.store.BatchGetProvisions(ctx, missing)
	if err != nil {
		if lexgraph.IsRetryable(err) {
			e.log.Warn("result enrichment degraded", zap.Error(err))
			return nil
		}
		return err
	}
	byID := make(map[string]*corpus.Provision, len(provisions))
	for _, p := range provisions {
		byID[p.ID] = p
	}
	for i := range results {
		p, ok := byID[results[i].ProvisionID]
		if !ok {
			continue
		}
		if results[i].Content == "" {
			results[i].Content = p.Content
		}
		results[i].DocumentTitle = p.DocumentTitle
		results[i].ProvisionPath = p.Path
		results[i].ProvisionNumber = p.Number
	}
	return nil
}

// resultSet accumulates contributions from the primary and peer domains,
// deduplicating by provision id while preserving first-insertion order so
// that the final stable sort keeps each domain's fused ranking among equal
// similarities.
type resultSet struct {
	order []string
	byID  map[string]*corpus.SearchResult
}

func newResultSet() *resultSet {
	return &resultSet{byID: map[string]*corpus.SearchResult{}}
}

func (s *resultSet) absorb(results []corpus.SearchResult) {
	for _, r := range results {
		if existing, ok := s.byID[r.ProvisionID]; ok {
			existing.Merge(r)
			continue
		}
		cp := r
		s.order = append(s.order, r.ProvisionID)
		s.byID[r.ProvisionID] = &cp
	}
}

// ranked returns the merged results stable-sorted by similarity descending.
func (s *resultSet) ranked() []corpus.SearchResult {
	out := make([]corpus.SearchResult, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	return out
}

func domainLabels(domains []*corpus.Domain) []string {
	out := make([]string, len(domains))
	for i, d := range domains {
		out[i] = d.Label
	}
	return out
}

// userMessage maps an error to the short user-visible message of the error
// frame. Internal detail stays in logs.
func userMessage(err error) string {
	switch lexgraph.KindOf(err) {
	case lexgraph.KindBadRequest:
		return "invalid request"
	case lexgraph.KindNotInitialized:
		return "no domains exist yet; ingest and bootstrap the corpus first"
	case lexgraph.KindNoResults:
		return "no results found"
	case lexgraph.KindDeadline:
		return "request deadline exceeded"
	case lexgraph.KindCancelled:
		return "request cancelled"
	case lexgraph.KindEmbedding:
		return "embedding service unavailable"
	case lexgraph.KindLLM:
		return "language model unavailable"
	case lexgraph.KindSearch:
		return "search backend unavailable"
	default:
		return "internal error"
	}
}
