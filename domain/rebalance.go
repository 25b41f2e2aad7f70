package domain

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lexgraph/lexgraph/corpus"
	"github.com/lexgraph/lexgraph/vector"
)

// Rebalance restores the size invariants: every domain ends with
// MinDomainSize <= size <= MaxDomainSize, except that a single remaining
// domain may be undersized. Splits run before merges so a merge never has to
// absorb a domain a later split would have shrunk. The pass is idempotent: a
// second call on a balanced registry performs no mutations.
//
// Only one rebalance runs at a time; concurrent callers queue behind
// rebalanceMu. Searches keep routing against the previous partition until
// each split or merge commits its in-memory swap.
func (r *Registry) Rebalance(ctx context.Context) error {
	r.rebalanceMu.Lock()
	defer r.rebalanceMu.Unlock()

	for iter := 0; iter < r.cfg.MaxRebalanceIterations; iter++ {
		if did, err := r.splitOnce(ctx); err != nil {
			return err
		} else if did {
			continue
		}
		if did, err := r.mergeOnce(ctx); err != nil {
			return err
		} else if did {
			continue
		}
		if iter > 0 {
			r.log.Info("rebalance converged", zap.Int("iterations", iter))
		}
		break
	}
	return r.refreshNeighbors(ctx)
}

// splitOnce splits the largest oversized domain, if any, into two via
// 2-means on its member embeddings. Returns whether a split happened.
func (r *Registry) splitOnce(ctx context.Context) (bool, error) {
	r.mu.RLock()
	var target string
	targetSize := 0
	for id, d := range r.domains {
		if d.Size <= r.cfg.MaxDomainSize {
			continue
		}
		if d.Size > targetSize || (d.Size == targetSize && id < target) {
			target, targetSize = id, d.Size
		}
	}
	var memberIDs []string
	var old *corpus.Domain
	if target != "" {
		memberIDs = append([]string(nil), r.members[target]...)
		old = r.domains[target].Clone()
	}
	r.mu.RUnlock()

	if target == "" {
		return false, nil
	}

	embs, err := r.embeddingsFor(ctx, memberIDs)
	if err != nil {
		return false, err
	}

	// Cluster in a stable member order so the split is reproducible.
	sort.Strings(memberIDs)
	vecs := make([][]float64, 0, len(memberIDs))
	clustered := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		if emb, ok := embs[id]; ok && len(emb) > 0 {
			vecs = append(vecs, emb)
			clustered = append(clustered, id)
		}
	}
	if len(vecs) < 2 {
		return false, nil
	}

	result := kmeans(vecs, 2, r.cfg.KMeansSeed, r.cfg.KMeansRuns)

	halves := [2][]string{}
	for i, label := range result.labels {
		halves[label] = append(halves[label], clustered[i])
	}
	if len(halves[0]) == 0 || len(halves[1]) == 0 {
		// Degenerate clustering; the domain's members are indistinguishable.
		r.log.Warn("split produced an empty half, leaving domain oversized",
			zap.String("domain", target), zap.Int("size", old.Size))
		return false, nil
	}

	now := time.Now()
	newDomains := make([]*corpus.Domain, 2)
	for c := 0; c < 2; c++ {
		d := &corpus.Domain{
			ID:        newDomainID(),
			Size:      len(halves[c]),
			Centroid:  result.centroids[c],
			CreatedAt: now,
		}
		d.Label = r.labelDomain(ctx, d.ID, d.Centroid, halves[c])
		newDomains[c] = d
	}

	for c := 0; c < 2; c++ {
		if err := r.store.UpsertDomain(ctx, newDomains[c]); err != nil {
			return false, err
		}
		sims := make([]float64, len(halves[c]))
		for i, pid := range halves[c] {
			sims[i] = vector.Cosine(embs[pid], newDomains[c].Centroid)
		}
		if err := r.store.ReplaceAssignments(ctx, newDomains[c].ID, halves[c], sims); err != nil {
			return false, err
		}
	}
	if err := r.store.DeleteDomain(ctx, target); err != nil {
		return false, err
	}

	r.mu.Lock()
	delete(r.domains, target)
	delete(r.members, target)
	for c := 0; c < 2; c++ {
		r.domains[newDomains[c].ID] = newDomains[c]
		r.members[newDomains[c].ID] = halves[c]
		for _, pid := range halves[c] {
			r.byProvision[pid] = newDomains[c].ID
		}
	}
	r.mu.Unlock()

	r.log.Info("split oversized domain",
		zap.String("domain", target), zap.Int("size", old.Size),
		zap.String("into_a", newDomains[0].ID), zap.Int("size_a", len(halves[0])),
		zap.String("into_b", newDomains[1].ID), zap.Int("size_b", len(halves[1])))
	return true, nil
}

// mergeOnce merges the smallest undersized domain into its most similar
// peer, if at least two domains exist. The larger of the pair survives; on a
// size tie the lexicographically lower id survives. Returns whether a merge
// happened.
func (r *Registry) mergeOnce(ctx context.Context) (bool, error) {
	r.mu.RLock()
	if len(r.domains) < 2 {
		r.mu.RUnlock()
		return false, nil
	}
	var small *corpus.Domain
	for _, d := range r.domains {
		if d.Size >= r.cfg.MinDomainSize {
			continue
		}
		if small == nil || d.Size < small.Size || (d.Size == small.Size && d.ID < small.ID) {
			small = d
		}
	}
	var peer *corpus.Domain
	if small != nil {
		bestSim := -2.0
		for id, d := range r.domains {
			if id == small.ID {
				continue
			}
			sim := vector.Cosine(small.Centroid, d.Centroid)
			if sim > bestSim || (sim == bestSim && (peer == nil || id < peer.ID)) {
				bestSim, peer = sim, d
			}
		}
		small = small.Clone()
		peer = peer.Clone()
	}
	var smallMembers, peerMembers []string
	if small != nil {
		smallMembers = append([]string(nil), r.members[small.ID]...)
		peerMembers = append([]string(nil), r.members[peer.ID]...)
	}
	r.mu.RUnlock()

	if small == nil {
		return false, nil
	}

	survivor, absorbed := peer, small
	survivorMembers, absorbedMembers := peerMembers, smallMembers
	if small.Size > peer.Size || (small.Size == peer.Size && small.ID < peer.ID) {
		survivor, absorbed = small, peer
		survivorMembers, absorbedMembers = smallMembers, peerMembers
	}

	// Weighted centroid of the union.
	total := survivor.Size + absorbed.Size
	centroid := make([]float64, len(survivor.Centroid))
	for i := range centroid {
		centroid[i] = (survivor.Centroid[i]*float64(survivor.Size) +
			absorbed.Centroid[i]*float64(absorbed.Size)) / float64(total)
	}

	merged := survivor.Clone()
	merged.Centroid = centroid
	merged.Size = total
	merged.UpdatedAt = time.Now()

	if err := r.store.UpsertDomain(ctx, merged); err != nil {
		return false, err
	}
	embs, err := r.embeddingsFor(ctx, absorbedMembers)
	if err != nil {
		return false, err
	}
	sims := make([]float64, len(absorbedMembers))
	for i, pid := range absorbedMembers {
		sims[i] = vector.Cosine(embs[pid], centroid)
	}
	if err := r.store.ReplaceAssignments(ctx, merged.ID, absorbedMembers, sims); err != nil {
		return false, err
	}
	if err := r.store.DeleteDomain(ctx, absorbed.ID); err != nil {
		return false, err
	}

	r.mu.Lock()
	delete(r.domains, absorbed.ID)
	delete(r.members, absorbed.ID)
	r.domains[merged.ID] = merged
	r.members[merged.ID] = append(survivorMembers, absorbedMembers...)
	for _, pid := range absorbedMembers {
		r.byProvision[pid] = merged.ID
	}
	r.mu.Unlock()

	r.log.Info("merged undersized domain",
		zap.String("absorbed", absorbed.ID), zap.Int("absorbed_size", absorbed.Size),
		zap.String("survivor", merged.ID), zap.Int("merged_size", merged.Size))
	return true, nil
}

// refreshNeighbors recomputes each domain's nearest peers by centroid
// similarity, used as collaboration hints during routing.
func (r *Registry) refreshNeighbors(ctx context.Context) error {
	const neighborCount = 3

	snapshot := r.Snapshot()
	if len(snapshot) < 2 {
		return nil
	}

	updated := make(map[string][]string, len(snapshot))
	for _, d := range snapshot {
		type scored struct {
			id  string
			sim float64
		}
		peers := make([]scored, 0, len(snapshot)-1)
		for _, other := range snapshot {
			if other.ID == d.ID {
				continue
			}
			peers = append(peers, scored{other.ID, vector.Cosine(d.Centroid, other.Centroid)})
		}
		sort.Slice(peers, func(i, j int) bool {
			if peers[i].sim != peers[j].sim {
				return peers[i].sim > peers[j].sim
			}
			return peers[i].id < peers[j].id
		})
		n := neighborCount
		if n > len(peers) {
			n = len(peers)
		}
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			ids[i] = peers[i].id
		}
		updated[d.ID] = ids
	}

	r.mu.Lock()
	for id, neighbors := range updated {
		if d, ok := r.domains[id]; ok {
			d.Neighbors = neighbors
		}
	}
	toPersist := make([]*corpus.Domain, 0, len(updated))
	for id := range updated {
		if d, ok := r.domains[id]; ok {
			toPersist = append(toPersist, d.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(toPersist, func(i, j int) bool { return toPersist[i].ID < toPersist[j].ID })
	for _, d := range toPersist {
		if err := r.store.UpsertDomain(ctx, d); err != nil {
			return err
		}
	}
	return nil
}
