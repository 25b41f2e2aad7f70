// Package domain implements the self-organizing domain registry: it
// partitions corpus provisions into domains by embedding clustering,
// maintains the partition via automatic split and merge as the corpus
// evolves, and materializes assignments in the graph store.
//
// The registry is read-heavy and write-rare. Readers (every search) snapshot
// centroids under a read lock; writers (incremental assignment, rebalance)
// compute new partitionings against a snapshot outside the lock and hold the
// write lock only around the in-memory swap. Persistence happens before the
// swap, so a persist failure leaves the in-memory state untouched.
package domain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/corpus"
	"github.com/lexgraph/lexgraph/gateway"
	"github.com/lexgraph/lexgraph/graph"
	"github.com/lexgraph/lexgraph/vector"
)

// Config carries the registry tunables with their documented defaults.
type Config struct {
	// MinDomainSize is the lower bound below which a domain is merged away.
	MinDomainSize int

	// MaxDomainSize is the upper bound above which a domain is split.
	MaxDomainSize int

	// JoinThreshold is the minimum centroid similarity for an added
	// provision to join an existing domain instead of seeding a new one.
	JoinThreshold float64

	// BootstrapMinProvisions gates the initial clustering: below this many
	// embedded provisions the corpus stays unpartitioned.
	BootstrapMinProvisions int

	// KMin and KMax bound the candidate cluster counts at bootstrap.
	KMin, KMax int

	// KMeansRuns is the number of seeded restarts per candidate k.
	KMeansRuns int

	// KMeansSeed fixes the clustering seed for reproducibility.
	KMeansSeed int64

	// KMeansSampleLimit caps how many embeddings bootstrap clustering and
	// silhouette scoring read.
	KMeansSampleLimit int

	// LabelSampleSize is how many provisions nearest the centroid are shown
	// to the LLM when naming a domain.
	LabelSampleSize int

	// MaxLabelLength truncates LLM-produced labels.
	MaxLabelLength int

	// MaxRebalanceIterations bounds the split/merge loop.
	MaxRebalanceIterations int

	// EmbeddingCacheSize bounds the provision-embedding cache used during
	// bulk operations.
	EmbeddingCacheSize int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinDomainSize:          50,
		MaxDomainSize:          500,
		JoinThreshold:          0.70,
		BootstrapMinProvisions: 100,
		KMin:                   3,
		KMax:                   12,
		KMeansRuns:             5,
		KMeansSeed:             42,
		KMeansSampleLimit:      2000,
		LabelSampleSize:        5,
		MaxLabelLength:         60,
		MaxRebalanceIterations: 10,
		EmbeddingCacheSize:     10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinDomainSize <= 0 {
		c.MinDomainSize = d.MinDomainSize
	}
	if c.MaxDomainSize <= 0 {
		c.MaxDomainSize = d.MaxDomainSize
	}
	if c.JoinThreshold <= 0 {
		c.JoinThreshold = d.JoinThreshold
	}
	if c.BootstrapMinProvisions <= 0 {
		c.BootstrapMinProvisions = d.BootstrapMinProvisions
	}
	if c.KMin <= 0 {
		c.KMin = d.KMin
	}
	if c.KMax <= 0 {
		c.KMax = d.KMax
	}
	if c.KMeansRuns <= 0 {
		c.KMeansRuns = d.KMeansRuns
	}
	if c.KMeansSeed == 0 {
		c.KMeansSeed = d.KMeansSeed
	}
	if c.KMeansSampleLimit <= 0 {
		c.KMeansSampleLimit = d.KMeansSampleLimit
	}
	if c.LabelSampleSize <= 0 {
		c.LabelSampleSize = d.LabelSampleSize
	}
	if c.MaxLabelLength <= 0 {
		c.MaxLabelLength = d.MaxLabelLength
	}
	if c.MaxRebalanceIterations <= 0 {
		c.MaxRebalanceIterations = d.MaxRebalanceIterations
	}
	if c.EmbeddingCacheSize <= 0 {
		c.EmbeddingCacheSize = d.EmbeddingCacheSize
	}
	return c
}

// Registry owns the set of domains in memory and their materialization in
// the graph.
type Registry struct {
	store graph.Store
	gw    *gateway.Gateway
	cfg   Config
	log   *zap.Logger

	mu          sync.RWMutex
	domains     map[string]*corpus.Domain
	members     map[string][]string
	byProvision map[string]string

	// rebalanceMu guarantees no two rebalance passes overlap.
	rebalanceMu sync.Mutex

	embMu    sync.Mutex
	embCache map[string][]float64
}

// NewRegistry creates a registry over the given store and gateway. The
// gateway may carry a nil LLM; labeling then always takes the synthesized
// fallback.
func NewRegistry(store graph.Store, gw *gateway.Gateway, cfg Config, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:       store,
		gw:          gw,
		cfg:         cfg.withDefaults(),
		log:         log,
		domains:     make(map[string]*corpus.Domain),
		members:     make(map[string][]string),
		byProvision: make(map[string]string),
	}
}

// Bootstrap loads existing domains from the graph. If none exist and the
// corpus holds enough embedded provisions, it runs the initial k-means
// partitioning.
func (r *Registry) Bootstrap(ctx context.Context) error {
	existing, err := r.store.ListDomains(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		domains := make(map[string]*corpus.Domain, len(existing))
		members := make(map[string][]string, len(existing))
		byProvision := make(map[string]string)
		for _, d := range existing {
			ids, err := r.store.DomainMembers(ctx, d.ID)
			if err != nil {
				return err
			}
			domains[d.ID] = d.Clone()
			members[d.ID] = ids
			for _, pid := range ids {
				byProvision[pid] = d.ID
			}
		}
		r.mu.Lock()
		r.domains, r.members, r.byProvision = domains, members, byProvision
		r.mu.Unlock()
		r.log.Info("loaded existing domains", zap.Int("count", len(existing)))
		return nil
	}

	n, err := r.store.CountEmbedded(ctx)
	if err != nil {
		return err
	}
	if n < r.cfg.BootstrapMinProvisions {
		r.log.Info("too few embedded provisions for bootstrap clustering",
			zap.Int("have", n), zap.Int("need", r.cfg.BootstrapMinProvisions))
		return nil
	}
	return r.kmeansInitialize(ctx)
}

// kmeansInitialize samples provision embeddings, clusters them for each k in
// [KMin, KMax], picks the k maximizing silhouette score, persists the
// resulting domains, and labels each via the LLM.
func (r *Registry) kmeansInitialize(ctx context.Context) error {
	sample, err := r.store.SampleEmbeddings(ctx, r.cfg.KMeansSampleLimit)
	if err != nil {
		return err
	}
	if len(sample) < 2 {
		return nil
	}

	ids := make([]string, len(sample))
	vecs := make([][]float64, len(sample))
	for i, e := range sample {
		ids[i] = e.ID
		vecs[i] = e.Embedding
	}

	bestScore := -2.0
	var best kmeansResult
	bestK := 0
	for k := r.cfg.KMin; k <= r.cfg.KMax && k <= len(vecs); k++ {
		result := kmeans(vecs, k, r.cfg.KMeansSeed, r.cfg.KMeansRuns)
		score := silhouette(vecs, result.labels, k)
		r.log.Debug("bootstrap clustering candidate",
			zap.Int("k", k), zap.Float64("silhouette", score))
		if score > bestScore {
			bestScore, best, bestK = score, result, k
		}
	}
	if bestK == 0 {
		return nil
	}

	// Materialize one domain per non-empty cluster.
	domains := make(map[string]*corpus.Domain)
	members := make(map[string][]string)
	byProvision := make(map[string]string)
	clusterToDomain := make(map[int]string, bestK)
	for c := 0; c < bestK; c++ {
		id := newDomainID()
		clusterToDomain[c] = id
	}
	for i, label := range best.labels {
		id := clusterToDomain[label]
		members[id] = append(members[id], ids[i])
		byProvision[ids[i]] = id
	}
	for c := 0; c < bestK; c++ {
		id := clusterToDomain[c]
		if len(members[id]) == 0 {
			delete(members, id)
			continue
		}
		domains[id] = &corpus.Domain{
			ID:        id,
			Size:      len(members[id]),
			Centroid:  best.centroids[c],
			CreatedAt: time.Now(),
		}
		domains[id].Label = r.labelDomain(ctx, id, domains[id].Centroid, members[id])
	}

	if err := r.persistPartition(ctx, domains, members); err != nil {
		return err
	}

	r.mu.Lock()
	r.domains, r.members, r.byProvision = domains, members, byProvision
	r.mu.Unlock()
	r.log.Info("bootstrap clustering complete",
		zap.Int("k", bestK), zap.Float64("silhouette", bestScore), zap.Int("provisions", len(ids)))
	return nil
}

// AssignIncremental assigns each provision, in order, to the most similar
// existing domain, or seeds a new domain when the best similarity falls
// below the join threshold. Similarity ties break toward the
// lexicographically lower domain id.
func (r *Registry) AssignIncremental(ctx context.Context, provisionIDs []string) error {
	for _, pid := range provisionIDs {
		emb, err := r.embeddingOf(ctx, pid)
		if err != nil {
			if lexgraph.KindOf(err) == lexgraph.KindNotFound {
				r.log.Warn("skipping unknown provision", zap.String("provision", pid))
				continue
			}
			return err
		}
		if len(emb) == 0 {
			r.log.Warn("skipping provision without embedding", zap.String("provision", pid))
			continue
		}

		bestID, bestSim := r.bestDomain(emb)
		if bestID != "" && bestSim >= r.cfg.JoinThreshold {
			if err := r.addToDomain(ctx, pid, emb, bestID, bestSim); err != nil {
				return err
			}
			continue
		}
		if err := r.seedDomain(ctx, pid, emb); err != nil {
			return err
		}
	}
	return nil
}

// bestDomain returns the domain with the highest centroid similarity to emb.
func (r *Registry) bestDomain(emb []float64) (string, float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.domains))
	for id := range r.domains {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	bestID, bestSim := "", -2.0
	for _, id := range ids {
		sim := vector.Cosine(emb, r.domains[id].Centroid)
		if sim > bestSim {
			bestID, bestSim = id, sim
		}
	}
	return bestID, bestSim
}

func (r *Registry) addToDomain(ctx context.Context, pid string, emb []float64, domainID string, sim float64) error {
	r.mu.RLock()
	d := r.domains[domainID].Clone()
	n := len(r.members[domainID])
	r.mu.RUnlock()

	// Incremental mean update keeps the centroid exact without refetching
	// every member embedding.
	centroid := make([]float64, len(d.Centroid))
	for i := range centroid {
		centroid[i] = (d.Centroid[i]*float64(n) + emb[i]) / float64(n+1)
	}
	d.Centroid = centroid
	d.Size = n + 1

	if err := r.store.UpsertDomain(ctx, d); err != nil {
		return err
	}
	if err := r.store.ReplaceAssignments(ctx, domainID, []string{pid}, []float64{sim}); err != nil {
		return err
	}

	r.mu.Lock()
	r.domains[domainID] = d
	r.members[domainID] = append(r.members[domainID], pid)
	r.byProvision[pid] = domainID
	r.mu.Unlock()
	return nil
}

func (r *Registry) seedDomain(ctx context.Context, pid string, emb []float64) error {
	d := &corpus.Domain{
		ID:        newDomainID(),
		Size:      1,
		Centroid:  append([]float64(nil), emb...),
		CreatedAt: time.Now(),
	}
	d.Label = r.labelDomain(ctx, d.ID, d.Centroid, []string{pid})

	if err := r.store.UpsertDomain(ctx, d); err != nil {
		return err
	}
	if err := r.store.ReplaceAssignments(ctx, d.ID, []string{pid}, []float64{1.0}); err != nil {
		return err
	}

	r.mu.Lock()
	r.domains[d.ID] = d
	r.members[d.ID] = []string{pid}
	r.byProvision[pid] = d.ID
	r.mu.Unlock()
	r.log.Info("seeded new domain", zap.String("domain", d.ID), zap.String("label", d.Label))
	return nil
}

// Snapshot returns a deep copy of every domain, for routing. Readers hold
// the read lock only for the duration of the copy.
func (r *Registry) Snapshot() []*corpus.Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*corpus.Domain, 0, len(r.domains))
	for _, d := range r.domains {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MembersOf returns the member id set of a domain, or nil if unknown.
func (r *Registry) MembersOf(domainID string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.members[domainID]
	if !ok {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// MemberSample returns up to n member ids of a domain in stable order, used
// when prompting the LLM with a flavor of the domain's contents.
func (r *Registry) MemberSample(domainID string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := append([]string(nil), r.members[domainID]...)
	sort.Strings(ids)
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// DomainByLabel resolves a domain by its human-readable label.
func (r *Registry) DomainByLabel(label string) (*corpus.Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.domains {
		if d.Label == label {
			return d.Clone(), true
		}
	}
	return nil, false
}

// Len returns the number of domains.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.domains)
}

// DomainOf returns the domain id a provision is assigned to.
func (r *Registry) DomainOf(provisionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byProvision[provisionID]
	return id, ok
}

// persistPartition writes a full set of domains and their assignments.
func (r *Registry) persistPartition(ctx context.Context, domains map[string]*corpus.Domain, members map[string][]string) error {
	ids := make([]string, 0, len(domains))
	for id := range domains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := r.store.UpsertDomain(ctx, domains[id]); err != nil {
			return err
		}
		memberIDs := members[id]
		sims := make([]float64, len(memberIDs))
		for i, pid := range memberIDs {
			emb, err := r.embeddingOf(ctx, pid)
			if err == nil {
				sims[i] = vector.Cosine(emb, domains[id].Centroid)
			}
		}
		if err := r.store.ReplaceAssignments(ctx, id, memberIDs, sims); err != nil {
			return err
		}
	}
	return nil
}

// embeddingOf returns the node embedding of a provision through the bounded
// cache.
func (r *Registry) embeddingOf(ctx context.Context, pid string) ([]float64, error) {
	r.embMu.Lock()
	if r.embCache != nil {
		if emb, ok := r.embCache[pid]; ok {
			r.embMu.Unlock()
			return emb, nil
		}
	}
	r.embMu.Unlock()

	p, err := r.store.GetProvision(ctx, pid)
	if err != nil {
		return nil, err
	}

	r.embMu.Lock()
	if r.embCache == nil {
		r.embCache = make(map[string][]float64)
	}
	if len(r.embCache) >= r.cfg.EmbeddingCacheSize {
		// Full reset beats tracking recency for a cache that only smooths
		// bulk passes.
		r.embCache = make(map[string][]float64)
	}
	r.embCache[pid] = p.Embedding
	r.embMu.Unlock()
	return p.Embedding, nil
}

// embeddingsFor batch-loads embeddings for ids, via the cache.
func (r *Registry) embeddingsFor(ctx context.Context, ids []string) (map[string][]float64, error) {
	out := make(map[string][]float64, len(ids))
	var misses []string

	r.embMu.Lock()
	for _, id := range ids {
		if emb, ok := r.embCache[id]; ok {
			out[id] = emb
		} else {
			misses = append(misses, id)
		}
	}
	r.embMu.Unlock()

	if len(misses) > 0 {
		provisions, _, err := r.store.BatchGetProvisions(ctx, misses)
		if err != nil {
			return nil, err
		}
		r.embMu.Lock()
		if r.embCache == nil {
			r.embCache = make(map[string][]float64)
		}
		for _, p := range provisions {
			out[p.ID] = p.Embedding
			if len(r.embCache) < r.cfg.EmbeddingCacheSize {
				r.embCache[p.ID] = p.Embedding
			}
		}
		r.embMu.Unlock()
	}
	return out, nil
}

func newDomainID() string {
	return "dom-" + uuid.NewString()
}

func fallbackLabel(domainID string) string {
	suffix := domainID
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return fmt.Sprintf("Domain %s", suffix)
}
