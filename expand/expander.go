// Package expand walks the corpus graph outward from retrieval seeds,
// surfacing provisions the retriever missed but which are structurally or
// semantically adjacent to what it found.
//
// The walk is a uniform-cost search. Hierarchical and cross-document edges
// cost nothing: a retrieved provision always brings its structural context.
// Sibling edges cost 1 minus the similarity between the query and the edge's
// relation embedding (or the sibling's own node embedding when the edge
// carries none), so sideways moves are gated by relevance. The frontier
// breaks off as soon as the best remaining relevance falls under the
// similarity threshold, which bounds the work to the explored neighborhood.
package expand

import (
	"container/heap"
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/corpus"
	"github.com/lexgraph/lexgraph/graph"
	"github.com/lexgraph/lexgraph/vector"
)

// Config carries the expander tunables.
type Config struct {
	// SimilarityThreshold is the frontier cutoff: nodes whose best-known
	// relevance (1 - cost) falls below it are never explored. Zero means 0.75.
	SimilarityThreshold float64

	// MaxExpanded bounds how many nodes one expansion may reach, seeds
	// included. Zero means 50.
	MaxExpanded int
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.75
	}
	if c.MaxExpanded <= 0 {
		c.MaxExpanded = 50
	}
	return c
}

// Seed is a retrieval hit the walk starts from.
type Seed struct {
	ID         string
	Similarity float64
}

// Discovery is one provision reached by the walk, excluding the seeds
// themselves.
type Discovery struct {
	// ID is the discovered provision.
	ID string

	// Relevance is 1 minus the accumulated path cost.
	Relevance float64

	// Kind is the edge kind the provision was discovered through.
	Kind corpus.EdgeKind
}

// Expander runs relationship-aware expansion against the graph store.
type Expander struct {
	store graph.Store
	cfg   Config
	log   *zap.Logger
}

// New creates an Expander.
func New(store graph.Store, cfg Config, log *zap.Logger) *Expander {
	if log == nil {
		log = zap.NewNop()
	}
	return &Expander{store: store, cfg: cfg.withDefaults(), log: log}
}

type frontierItem struct {
	cost float64
	id   string
	kind corpus.EdgeKind
}

type frontier []frontierItem

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].cost != f[j].cost {
		return f[i].cost < f[j].cost
	}
	return f[i].id < f[j].id
}
func (f frontier) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)        { *f = append(*f, x.(frontierItem)) }
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	item := old[n-1]
	*f = old[:n-1]
	return item
}

type provenance struct {
	pred string
	kind corpus.EdgeKind
}

// Expand walks outward from the seeds. nodeQueryVec is the query's node-space
// embedding, used to cost sibling edges. Discoveries are ordered by cost
// ascending, id ascending.
func (e *Expander) Expand(ctx context.Context, seeds []Seed, nodeQueryVec []float64) ([]Discovery, error) {
	if len(seeds) == 0 {
		return nil, nil
	}

	pq := &frontier{}
	dist := map[string]float64{}
	via := map[string]provenance{}
	reached := map[string]bool{}
	seedSet := map[string]bool{}
	embCache := map[string][]float64{}

	for _, s := range seeds {
		cost := 1 - s.Similarity
		if prev, ok := dist[s.ID]; ok && prev <= cost {
			continue
		}
		dist[s.ID] = cost
		seedSet[s.ID] = true
		heap.Push(pq, frontierItem{cost: cost, id: s.ID, kind: corpus.EdgeSeed})
	}
	heap.Init(pq)

	for pq.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, lexgraph.E("Expander.Expand", lexgraph.KindOf(err), err)
		}
		item := heap.Pop(pq).(frontierItem)
		if reached[item.id] {
			continue
		}
		if 1-item.cost < e.cfg.SimilarityThreshold {
			break
		}
		reached[item.id] = true
		if len(reached) >= e.cfg.MaxExpanded {
			break
		}

		neighbors, err := e.store.Neighbors(ctx, item.id)
		if err != nil {
			if lexgraph.KindOf(err) == lexgraph.KindNotFound {
				continue
			}
			return nil, err
		}

		if err := e.prefetchSiblingEmbeddings(ctx, neighbors, embCache); err != nil {
			return nil, err
		}

		for _, n := range neighbors {
			edgeCost, ok := e.edgeCost(n, nodeQueryVec, embCache)
			if !ok {
				continue
			}
			alt := item.cost + edgeCost
			if prev, seen := dist[n.ID]; seen && prev <= alt {
				continue
			}
			dist[n.ID] = alt
			via[n.ID] = provenance{pred: item.id, kind: n.Kind}
			heap.Push(pq, frontierItem{cost: alt, id: n.ID, kind: n.Kind})
		}
	}

	out := make([]Discovery, 0, len(reached))
	for id := range reached {
		if seedSet[id] {
			continue
		}
		out = append(out, Discovery{ID: id, Relevance: 1 - dist[id], Kind: via[id].kind})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// edgeCost returns the traversal cost of an edge, or ok=false for edge kinds
// the walk does not follow.
func (e *Expander) edgeCost(n corpus.Neighbor, nodeQueryVec []float64, embCache map[string][]float64) (float64, bool) {
	switch n.Kind {
	case corpus.EdgeParent, corpus.EdgeChild, corpus.EdgeCrossDocument:
		return 0, true
	case corpus.EdgeSibling:
		if len(n.RelEmbedding) > 0 {
			return 1 - vector.Cosine(nodeQueryVec, n.RelEmbedding), true
		}
		if emb, ok := embCache[n.ID]; ok && len(emb) > 0 {
			return 1 - vector.Cosine(nodeQueryVec, emb), true
		}
		return math.Inf(1), false
	default:
		return math.Inf(1), false
	}
}

// prefetchSiblingEmbeddings batch-loads node embeddings for sibling
// neighbors whose edges carry no relation embedding, so edge costing never
// does per-neighbor round-trips.
func (e *Expander) prefetchSiblingEmbeddings(ctx context.Context, neighbors []corpus.Neighbor, embCache map[string][]float64) error {
	var missing []string
	for _, n := range neighbors {
		if n.Kind != corpus.EdgeSibling || len(n.RelEmbedding) > 0 {
			continue
		}
		if _, ok := embCache[n.ID]; !ok {
			missing = append(missing, n.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	provisions, _, err := e.store.BatchGetProvisions(ctx, missing)
	if err != nil {
		return err
	}
	for _, p := range provisions {
		embCache[p.ID] = p.Embedding
	}
	return nil
}
