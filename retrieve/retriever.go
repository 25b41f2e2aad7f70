// Package retrieve implements per-domain hybrid search: an exact-identifier
// channel, a node-embedding channel, and a relation-embedding channel run
// concurrently and are fused by reciprocal rank fusion.
package retrieve

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/corpus"
	"github.com/lexgraph/lexgraph/graph"
)

// Config carries the retriever tunables.
type Config struct {
	// RRFK is the reciprocal-rank-fusion constant. Zero means 60.
	RRFK int

	// NodeSimFloor discards node-embedding hits below this similarity.
	// Zero means 0.50.
	NodeSimFloor float64

	// ExpandFactor multiplies the caller's limit into each vector channel's
	// k, giving the fusion headroom. Zero means 3.
	ExpandFactor int

	// ExactBonus is added to the fused score of every exact-match hit so
	// exact hits dominate ties. Any single channel contributes at most
	// 1/(RRFK+1) per item, so the default of 1.0 always dominates.
	// Zero means 1.0.
	ExactBonus float64

	// ContainerSearch enables the section-container channel.
	ContainerSearch bool

	// ExcludedSectionTokens drops fused results whose identifier contains
	// any of these fragments.
	ExcludedSectionTokens []string

	// Filter is an optional compiled post-fusion predicate.
	Filter *ResultFilter
}

// DefaultExcludedSectionTokens covers the section families that hold
// transitional machinery rather than substantive provisions.
var DefaultExcludedSectionTokens = []string{"Transitional", "Supplementary", "Addenda"}

func (c Config) withDefaults() Config {
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	if c.NodeSimFloor <= 0 {
		c.NodeSimFloor = 0.50
	}
	if c.ExpandFactor <= 0 {
		c.ExpandFactor = 3
	}
	if c.ExactBonus <= 0 {
		c.ExactBonus = 1.0
	}
	return c
}

// Query is one per-domain search invocation.
type Query struct {
	// Text is the user's query, used by the exact-identifier channel.
	Text string

	// NodeVec is the node-space query embedding.
	NodeVec []float64

	// RelVec is the relation-space query embedding.
	RelVec []float64

	// Members restricts every channel to the domain's member set.
	Members map[string]struct{}

	// Limit bounds the fused output.
	Limit int
}

// Retriever runs hybrid search against one domain at a time.
type Retriever struct {
	store graph.Store
	cfg   Config
	log   *zap.Logger
}

// New creates a Retriever.
func New(store graph.Store, cfg Config, log *zap.Logger) *Retriever {
	if log == nil {
		log = zap.NewNop()
	}
	return &Retriever{store: store, cfg: cfg.withDefaults(), log: log}
}

type channelHit struct {
	id  string
	sim float64
}

type channelOut struct {
	stage string
	hits  []channelHit
	err   error
	ran   bool
}

// Search runs the channels concurrently and fuses their rankings. A channel
// that fails degrades to an empty contribution; if every channel that ran
// failed, the search reports SearchUnavailable.
func (r *Retriever) Search(ctx context.Context, q Query) ([]*corpus.SearchResult, error) {
	if q.Limit <= 0 {
		return nil, lexgraph.E("Retriever.Search", lexgraph.KindBadRequest, lexgraph.ErrBadRequest).
			WithContext("reason", "limit must be positive")
	}
	k := q.Limit * r.cfg.ExpandFactor

	exact := &channelOut{stage: corpus.StageExactMatch}
	node := &channelOut{stage: corpus.StageNodeEmbedding}
	rel := &channelOut{stage: corpus.StageRelationEmbedding}
	container := &channelOut{stage: corpus.StageContainer}
	exactProvisions := map[string]*corpus.Provision{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.exactChannel(gctx, q, exact, exactProvisions)
		return nil
	})
	g.Go(func() error {
		r.nodeChannel(gctx, q, k, node)
		return nil
	})
	g.Go(func() error {
		r.relationChannel(gctx, q, k, rel)
		return nil
	})
	if r.cfg.ContainerSearch {
		g.Go(func() error {
			r.containerChannel(gctx, q, k, container)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, lexgraph.E("Retriever.Search", lexgraph.KindOf(err), err)
	}

	channels := []*channelOut{exact, node, rel, container}
	ran, failed := 0, 0
	for _, c := range channels {
		if !c.ran {
			continue
		}
		ran++
		if c.err != nil {
			failed++
			r.log.Warn("retrieval channel degraded",
				zap.String("stage", c.stage), zap.Error(c.err))
		}
	}
	if ran == 0 || failed == ran {
		return nil, lexgraph.E("Retriever.Search", lexgraph.KindSearch, lexgraph.ErrSearchUnavailable)
	}

	fused := r.fuse(channels, exactProvisions)
	fused = r.filter(fused)
	if len(fused) > q.Limit {
		fused = fused[:q.Limit]
	}
	return fused, nil
}

// exactChannel parses an article reference out of the query and scans the
// identifier index. Hits are ranked statute before decree before rule, then
// by identifier, so the cited article itself precedes its implementing
// counterparts.
func (r *Retriever) exactChannel(ctx context.Context, q Query, out *channelOut, provisions map[string]*corpus.Provision) {
	ident, ok := ParseIdentifier(q.Text)
	if !ok {
		return
	}
	out.ran = true

	matches, err := r.store.FindByIdentifierPattern(ctx, ident.Pattern())
	if err != nil {
		out.err = err
		return
	}

	kept := matches[:0]
	for _, p := range matches {
		if _, member := q.Members[p.ID]; member {
			kept = append(kept, p)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if a, b := classRank(kept[i].Class), classRank(kept[j].Class); a != b {
			return a < b
		}
		return kept[i].ID < kept[j].ID
	})
	for _, p := range kept {
		out.hits = append(out.hits, channelHit{id: p.ID, sim: 1.0})
		provisions[p.ID] = p
	}
}

func (r *Retriever) nodeChannel(ctx context.Context, q Query, k int, out *channelOut) {
	if len(q.NodeVec) == 0 {
		return
	}
	out.ran = true

	hits, err := r.store.VectorSearchProvisions(ctx, q.NodeVec, k, q.Members)
	if err != nil {
		out.err = err
		return
	}
	for _, h := range hits {
		if h.Similarity < r.cfg.NodeSimFloor {
			continue
		}
		out.hits = append(out.hits, channelHit{id: h.ID, sim: h.Similarity})
	}
}

func (r *Retriever) relationChannel(ctx context.Context, q Query, k int, out *channelOut) {
	if len(q.RelVec) == 0 {
		return
	}
	out.ran = true

	hits, err := r.store.VectorSearchRelations(ctx, q.RelVec, k)
	if err != nil {
		out.err = err
		return
	}
	for _, h := range hits {
		if _, member := q.Members[h.ChildID]; !member {
			continue
		}
		out.hits = append(out.hits, channelHit{id: h.ChildID, sim: h.Similarity})
	}
}

// containerChannel searches section-container embeddings and expands each
// container hit to its member provisions, at the container's similarity.
func (r *Retriever) containerChannel(ctx context.Context, q Query, k int, out *channelOut) {
	if len(q.NodeVec) == 0 {
		return
	}
	out.ran = true

	sections, err := r.store.VectorSearchSections(ctx, q.NodeVec, k)
	if err != nil {
		out.err = err
		return
	}
	seen := map[string]bool{}
	for _, sec := range sections {
		children, err := r.store.SectionChildren(ctx, sec.ID)
		if err != nil {
			out.err = err
			return
		}
		for _, child := range children {
			if seen[child] {
				continue
			}
			if _, member := q.Members[child]; !member {
				continue
			}
			seen[child] = true
			out.hits = append(out.hits, channelHit{id: child, sim: sec.Similarity})
		}
	}
}

// fuse computes reciprocal-rank-fusion scores across the channels and
// returns results ordered by fused score descending, id ascending on ties.
func (r *Retriever) fuse(channels []*channelOut, exactProvisions map[string]*corpus.Provision) []*corpus.SearchResult {
	scores := map[string]float64{}
	results := map[string]*corpus.SearchResult{}

	for _, c := range channels {
		if !c.ran || c.err != nil {
			continue
		}
		for rank, h := range c.hits {
			scores[h.id] += 1.0 / float64(r.cfg.RRFK+rank+1)
			res, ok := results[h.id]
			if !ok {
				res = &corpus.SearchResult{ProvisionID: h.id}
				results[h.id] = res
			}
			res.AddStage(c.stage)
			if h.sim > res.Similarity {
				res.Similarity = h.sim
			}
		}
		if c.stage == corpus.StageExactMatch {
			for _, h := range c.hits {
				scores[h.id] += r.cfg.ExactBonus
			}
		}
	}

	out := make([]*corpus.SearchResult, 0, len(results))
	for id, res := range results {
		if p, ok := exactProvisions[id]; ok {
			res.Content = p.Content
			res.DocumentTitle = p.DocumentTitle
			res.ProvisionPath = p.Path
			res.ProvisionNumber = p.Number
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := scores[out[i].ProvisionID], scores[out[j].ProvisionID]
		if a != b {
			return a > b
		}
		return out[i].ProvisionID < out[j].ProvisionID
	})
	return out
}

// filter drops excluded-section results and applies the optional CEL
// predicate.
func (r *Retriever) filter(results []*corpus.SearchResult) []*corpus.SearchResult {
	kept := results[:0]
	for _, res := range results {
		if r.excluded(res.ProvisionID) {
			continue
		}
		if !r.cfg.Filter.Keep(res) {
			continue
		}
		kept = append(kept, res)
	}
	return kept
}

func (r *Retriever) excluded(id string) bool {
	lowered := strings.ToLower(id)
	for _, tok := range r.cfg.ExcludedSectionTokens {
		if strings.Contains(lowered, strings.ToLower(tok)) {
			return true
		}
	}
	return false
}

func classRank(c corpus.DocClass) int {
	switch c {
	case corpus.ClassStatute:
		return 0
	case corpus.ClassDecree:
		return 1
	case corpus.ClassRule:
		return 2
	default:
		return 3
	}
}
