package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/corpus"
)

func testStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	s.AddProvision(&corpus.Provision{ID: "S.Art.17", Content: "planning", Embedding: []float64{1, 0, 0}})
	s.AddProvision(&corpus.Provision{ID: "S.Art.17(2)", Content: "approvals", Embedding: []float64{0.9, 0.1, 0}})
	s.AddProvision(&corpus.Provision{ID: "S.Art.21", Content: "land use", Embedding: []float64{0, 1, 0}})
	s.AddProvision(&corpus.Provision{ID: "D.Art.17", Content: "procedures", Embedding: []float64{0.8, 0, 0.2}})

	s.AddSection(&corpus.Section{ID: "S.Ch.2", Label: "Chapter 2"})
	s.PlaceInSection("S.Art.17", "S.Ch.2")
	s.PlaceInSection("S.Art.21", "S.Ch.2")
	s.AddHierarchyEdge("S.Art.17", "S.Art.17(2)", []float64{0, 0, 1}, corpus.SemanticDetail, []string{"approval"})
	s.AddCrossDocument("S.Art.17", "D.Art.17")
	return s
}

func TestMemoryStore_GetProvision(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.GetProvision(ctx, "S.Art.17")
	require.NoError(t, err)
	assert.Equal(t, "planning", p.Content)

	_, err = s.GetProvision(ctx, "missing")
	assert.Equal(t, lexgraph.KindNotFound, lexgraph.KindOf(err))
}

func TestMemoryStore_BatchGetPreservesOrderAndSurfacesMissing(t *testing.T) {
	s := testStore(t)

	got, missing, err := s.BatchGetProvisions(context.Background(),
		[]string{"S.Art.21", "nope", "S.Art.17"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "S.Art.21", got[0].ID)
	assert.Equal(t, "S.Art.17", got[1].ID)
	assert.Equal(t, []string{"nope"}, missing)
}

func TestMemoryStore_VectorSearchProvisions(t *testing.T) {
	s := testStore(t)

	hits, err := s.VectorSearchProvisions(context.Background(), []float64{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "S.Art.17", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-9)

	// Membership filter restricts the candidate set.
	filter := map[string]struct{}{"S.Art.21": {}}
	hits, err = s.VectorSearchProvisions(context.Background(), []float64{1, 0, 0}, 5, filter)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "S.Art.21", hits[0].ID)
}

func TestMemoryStore_Neighbors(t *testing.T) {
	s := testStore(t)

	neighbors, err := s.Neighbors(context.Background(), "S.Art.17")
	require.NoError(t, err)

	kinds := map[corpus.EdgeKind][]string{}
	for _, n := range neighbors {
		kinds[n.Kind] = append(kinds[n.Kind], n.ID)
	}
	assert.Equal(t, []string{"S.Art.17(2)"}, kinds[corpus.EdgeChild])
	assert.Equal(t, []string{"S.Art.21"}, kinds[corpus.EdgeSibling])
	assert.Equal(t, []string{"D.Art.17"}, kinds[corpus.EdgeCrossDocument])

	// Hierarchy edge payload travels with the child neighbor.
	for _, n := range neighbors {
		if n.Kind == corpus.EdgeChild {
			assert.Equal(t, corpus.SemanticDetail, n.Semantic)
			assert.NotEmpty(t, n.RelEmbedding)
		}
	}
}

func TestMemoryStore_FindByIdentifierPattern(t *testing.T) {
	s := testStore(t)

	got, err := s.FindByIdentifierPattern(context.Background(), `Art\.17`)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "D.Art.17", got[0].ID)
	assert.Equal(t, "S.Art.17", got[1].ID)
	assert.Equal(t, "S.Art.17(2)", got[2].ID)
}

func TestMemoryStore_AssignmentLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDomain(ctx, &corpus.Domain{ID: "dom-a", Label: "Planning"}))
	require.NoError(t, s.UpsertDomain(ctx, &corpus.Domain{ID: "dom-b", Label: "Land"}))

	require.NoError(t, s.ReplaceAssignments(ctx, "dom-a", []string{"S.Art.17", "S.Art.17(2)"}, []float64{0.9, 0.8}))
	require.NoError(t, s.ReplaceAssignments(ctx, "dom-b", []string{"S.Art.21"}, []float64{0.7}))

	members, err := s.DomainMembers(ctx, "dom-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"S.Art.17", "S.Art.17(2)"}, members)

	// Reassignment moves the provision; the old edge is dropped and sizes
	// stay consistent with the member lists.
	require.NoError(t, s.ReplaceAssignments(ctx, "dom-b", []string{"S.Art.17"}, []float64{0.6}))
	domains, err := s.ListDomains(ctx)
	require.NoError(t, err)
	byID := map[string]*corpus.Domain{}
	for _, d := range domains {
		byID[d.ID] = d
	}
	assert.Equal(t, 1, byID["dom-a"].Size)
	assert.Equal(t, 2, byID["dom-b"].Size)

	// Deleting a domain with members is a constraint violation.
	err = s.DeleteDomain(ctx, "dom-b")
	assert.Equal(t, lexgraph.KindConstraint, lexgraph.KindOf(err))

	// After moving everyone out, deletion succeeds.
	require.NoError(t, s.ReplaceAssignments(ctx, "dom-a", []string{"S.Art.17", "S.Art.21"}, []float64{0.6, 0.6}))
	require.NoError(t, s.DeleteDomain(ctx, "dom-b"))
	_, err = s.DomainMembers(ctx, "dom-b")
	assert.Equal(t, lexgraph.KindNotFound, lexgraph.KindOf(err))
}

func TestMemoryStore_ReplaceAssignmentsFailedBatchLeavesStateUntouched(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDomain(ctx, &corpus.Domain{ID: "dom-a", Label: "Planning"}))
	require.NoError(t, s.UpsertDomain(ctx, &corpus.Domain{ID: "dom-b", Label: "Land"}))
	require.NoError(t, s.ReplaceAssignments(ctx, "dom-a", []string{"S.Art.17"}, []float64{0.9}))

	// An unknown id later in the batch rejects the whole flip; the ids before
	// it must keep their previous assignment.
	err := s.ReplaceAssignments(ctx, "dom-b", []string{"S.Art.17", "missing"}, []float64{0.6, 0.6})
	assert.Equal(t, lexgraph.KindNotFound, lexgraph.KindOf(err))

	members, err := s.DomainMembers(ctx, "dom-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"S.Art.17"}, members)

	membersB, err := s.DomainMembers(ctx, "dom-b")
	require.NoError(t, err)
	assert.Empty(t, membersB)

	domains, err := s.ListDomains(ctx)
	require.NoError(t, err)
	for _, d := range domains {
		ids, err := s.DomainMembers(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, len(ids), d.Size, d.ID)
	}
}

func TestMemoryStore_SampleEmbeddings(t *testing.T) {
	s := testStore(t)

	sample, err := s.SampleEmbeddings(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, sample, 2)
	assert.Equal(t, "D.Art.17", sample[0].ID)
	assert.Equal(t, "S.Art.17", sample[1].ID)

	n, err := s.CountEmbedded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
