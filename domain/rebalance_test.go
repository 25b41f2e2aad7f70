package domain

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexgraph/lexgraph/corpus"
	"github.com/lexgraph/lexgraph/graph"
	"github.com/lexgraph/lexgraph/vector"
)

// seedDomainWith creates a persisted domain holding the given provisions,
// which must already exist in the store.
func seedDomainWith(t *testing.T, store *graph.MemoryStore, id string, ids []string, centroid []float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertDomain(ctx, &corpus.Domain{
		ID: id, Label: id, Size: len(ids), Centroid: centroid,
	}))
	sims := make([]float64, len(ids))
	for i := range sims {
		sims[i] = 0.9
	}
	require.NoError(t, store.ReplaceAssignments(ctx, id, ids, sims))
}

func TestRebalance_SplitsOversizedDomain(t *testing.T) {
	store := graph.NewMemoryStore()
	ctx := context.Background()

	// One domain holding two well-separated sub-clusters of 6 each.
	var ids []string
	for axis := 0; axis < 2; axis++ {
		for i := 0; i < 6; i++ {
			id := fmt.Sprintf("P.%d.%d", axis, i)
			store.AddProvision(&corpus.Provision{
				ID: id, Content: id, Embedding: clusteredVec(axis, i),
			})
			ids = append(ids, id)
		}
	}
	seedDomainWith(t, store, "dom-big", ids, vector.Normalize([]float64{1, 1, 0}))

	cfg := testConfig()
	cfg.MaxDomainSize = 10
	r := NewRegistry(store, nil, cfg, nil)
	require.NoError(t, r.Bootstrap(ctx))
	require.NoError(t, r.Rebalance(ctx))

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 2)
	for _, d := range snapshot {
		assert.Equal(t, 6, d.Size)
		assert.NotEqual(t, "dom-big", d.ID)
	}

	// Every provision stays assigned to exactly one of the halves, in
	// memory and in the store.
	for _, pid := range ids {
		got, ok := r.DomainOf(pid)
		require.True(t, ok, "provision %s lost its assignment", pid)
		assert.Contains(t, []string{snapshot[0].ID, snapshot[1].ID}, got)
	}
	persisted, err := store.ListDomains(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestRebalance_MergesUndersizedDomain(t *testing.T) {
	store := graph.NewMemoryStore()
	ctx := context.Background()

	var bigIDs []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("P.big.%d", i)
		store.AddProvision(&corpus.Provision{ID: id, Content: id, Embedding: clusteredVec(0, i)})
		bigIDs = append(bigIDs, id)
	}
	store.AddProvision(&corpus.Provision{
		ID: "P.tiny", Content: "tiny", Embedding: vector.Normalize([]float64{0.9, 0.2, 0}),
	})

	seedDomainWith(t, store, "dom-big", bigIDs, []float64{1, 0, 0})
	seedDomainWith(t, store, "dom-tiny", []string{"P.tiny"}, vector.Normalize([]float64{0.9, 0.2, 0}))

	cfg := testConfig()
	cfg.MinDomainSize = 3
	r := NewRegistry(store, nil, cfg, nil)
	require.NoError(t, r.Bootstrap(ctx))
	require.NoError(t, r.Rebalance(ctx))

	// The larger domain survives and absorbs the tiny one.
	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "dom-big", snapshot[0].ID)
	assert.Equal(t, 6, snapshot[0].Size)

	got, ok := r.DomainOf("P.tiny")
	require.True(t, ok)
	assert.Equal(t, "dom-big", got)

	_, err := store.DomainMembers(ctx, "dom-tiny")
	assert.Error(t, err)
}

func TestRebalance_LeavesSoleDomainAlone(t *testing.T) {
	store := graph.NewMemoryStore()
	store.AddProvision(&corpus.Provision{ID: "P.0", Content: "p", Embedding: []float64{1, 0, 0}})
	seedDomainWith(t, store, "dom-only", []string{"P.0"}, []float64{1, 0, 0})

	cfg := testConfig()
	cfg.MinDomainSize = 10
	r := NewRegistry(store, nil, cfg, nil)
	require.NoError(t, r.Bootstrap(context.Background()))
	require.NoError(t, r.Rebalance(context.Background()))

	assert.Equal(t, 1, r.Len())
}

func TestRebalance_Idempotent(t *testing.T) {
	store := graph.NewMemoryStore()
	ctx := context.Background()

	var ids []string
	for axis := 0; axis < 2; axis++ {
		for i := 0; i < 6; i++ {
			id := fmt.Sprintf("P.%d.%d", axis, i)
			store.AddProvision(&corpus.Provision{ID: id, Content: id, Embedding: clusteredVec(axis, i)})
			ids = append(ids, id)
		}
	}
	seedDomainWith(t, store, "dom-big", ids, vector.Normalize([]float64{1, 1, 0}))

	cfg := testConfig()
	cfg.MaxDomainSize = 10
	r := NewRegistry(store, nil, cfg, nil)
	require.NoError(t, r.Bootstrap(ctx))
	require.NoError(t, r.Rebalance(ctx))

	before := domainIDs(r)
	require.NoError(t, r.Rebalance(ctx))
	assert.Equal(t, before, domainIDs(r), "second pass on a balanced registry must not mutate")
}

func TestRefreshNeighbors(t *testing.T) {
	store := graph.NewMemoryStore()
	ctx := context.Background()

	store.AddProvision(&corpus.Provision{ID: "P.a", Content: "a", Embedding: []float64{1, 0, 0}})
	store.AddProvision(&corpus.Provision{ID: "P.b", Content: "b", Embedding: []float64{0, 1, 0}})
	store.AddProvision(&corpus.Provision{ID: "P.c", Content: "c", Embedding: vector.Normalize([]float64{1, 0.3, 0})})
	seedDomainWith(t, store, "dom-a", []string{"P.a"}, []float64{1, 0, 0})
	seedDomainWith(t, store, "dom-b", []string{"P.b"}, []float64{0, 1, 0})
	seedDomainWith(t, store, "dom-c", []string{"P.c"}, vector.Normalize([]float64{1, 0.3, 0}))

	cfg := testConfig()
	cfg.MinDomainSize = 1
	r := NewRegistry(store, nil, cfg, nil)
	require.NoError(t, r.Bootstrap(ctx))
	require.NoError(t, r.Rebalance(ctx))

	for _, d := range r.Snapshot() {
		if d.ID == "dom-a" {
			require.NotEmpty(t, d.Neighbors)
			assert.Equal(t, "dom-c", d.Neighbors[0], "nearest peer of dom-a should be dom-c")
		}
	}
}

func domainIDs(r *Registry) []string {
	var ids []string
	for _, d := range r.Snapshot() {
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)
	return ids
}
