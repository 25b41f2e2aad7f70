package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/corpus"
	"github.com/lexgraph/lexgraph/graph"
	"github.com/lexgraph/lexgraph/vector"
)

func TestParseIdentifier(t *testing.T) {
	cases := []struct {
		query string
		want  Identifier
		ok    bool
	}{
		{"Article 17", Identifier{Number: "17"}, true},
		{"what does article 17(2) say", Identifier{Number: "17", Sub: "2"}, true},
		{"Art. 17-3 scope", Identifier{Number: "17", Range: "3"}, true},
		{"§ 21", Identifier{Number: "21"}, true},
		{"urban planning procedure", Identifier{}, false},
	}
	for _, tc := range cases {
		got, ok := ParseIdentifier(tc.query)
		assert.Equal(t, tc.ok, ok, tc.query)
		if ok {
			assert.Equal(t, tc.want, got, tc.query)
		}
	}
}

func searchStore(t *testing.T) *graph.MemoryStore {
	t.Helper()
	s := graph.NewMemoryStore()
	add := func(id string, class corpus.DocClass, emb []float64, content string) {
		s.AddProvision(&corpus.Provision{
			ID: id, Class: class, Content: content,
			DocumentTitle: string(class), Path: id, Number: id,
			Embedding: vector.Normalize(emb),
		})
	}
	add("S.Art.17", corpus.ClassStatute, []float64{1, 0.1, 0}, "planning approvals require review")
	add("S.Art.17(2)", corpus.ClassStatute, []float64{0.9, 0.3, 0}, "planning approval conditions")
	add("D.Art.17", corpus.ClassDecree, []float64{0.8, 0.2, 0.1}, "planning procedures in detail")
	add("S.Art.21", corpus.ClassStatute, []float64{0, 1, 0}, "land use designation")
	add("S.Art.170", corpus.ClassStatute, []float64{0, 0, 1}, "unrelated long number")
	add("S.Transitional.1", corpus.ClassStatute, []float64{1, 0, 0}, "transitional measures")

	s.AddHierarchyEdge("S.Art.17", "S.Art.17(2)",
		vector.Normalize([]float64{1, 0.2, 0}), corpus.SemanticDetail, []string{"approvals"})
	return s
}

func members(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestSearch_ExactIdentifier(t *testing.T) {
	r := New(searchStore(t), Config{}, nil)

	results, err := r.Search(context.Background(), Query{
		Text:    "Article 17",
		NodeVec: vector.Normalize([]float64{1, 0.1, 0}),
		Members: members("S.Art.17", "S.Art.17(2)", "D.Art.17"),
		Limit:   5,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(results), 3)

	// Exact hits lead, statute before decree, at similarity 1.0.
	assert.Equal(t, "S.Art.17", results[0].ProvisionID)
	assert.Equal(t, "S.Art.17(2)", results[1].ProvisionID)
	assert.Equal(t, "D.Art.17", results[2].ProvisionID)
	for _, res := range results[:3] {
		assert.Equal(t, 1.0, res.Similarity)
		assert.True(t, res.HasStage(corpus.StageExactMatch), res.ProvisionID)
	}
}

func TestSearch_ExactDoesNotMatchLongerNumbers(t *testing.T) {
	r := New(searchStore(t), Config{}, nil)

	results, err := r.Search(context.Background(), Query{
		Text:    "Article 17",
		NodeVec: vector.Normalize([]float64{0, 0, 1}),
		Members: members("S.Art.17", "S.Art.170"),
		Limit:   5,
	})
	require.NoError(t, err)
	for _, res := range results {
		if res.ProvisionID == "S.Art.170" {
			assert.False(t, res.HasStage(corpus.StageExactMatch))
		}
	}
}

func TestSearch_ExactSubdivisionOnly(t *testing.T) {
	r := New(searchStore(t), Config{}, nil)

	results, err := r.Search(context.Background(), Query{
		Text:    "Article 17(2)",
		Members: members("S.Art.17", "S.Art.17(2)", "D.Art.17"),
		Limit:   5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "S.Art.17(2)", results[0].ProvisionID)
	for _, res := range results {
		assert.NotEqual(t, "S.Art.17", res.ProvisionID)
	}
}

func TestSearch_MemberFilterAppliesEverywhere(t *testing.T) {
	r := New(searchStore(t), Config{}, nil)

	results, err := r.Search(context.Background(), Query{
		Text:    "Article 17",
		NodeVec: vector.Normalize([]float64{1, 0.1, 0}),
		RelVec:  vector.Normalize([]float64{1, 0.2, 0}),
		Members: members("D.Art.17"),
		Limit:   5,
	})
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, "D.Art.17", res.ProvisionID)
	}
}

func TestSearch_NodeSimilarityFloor(t *testing.T) {
	r := New(searchStore(t), Config{NodeSimFloor: 0.9}, nil)

	results, err := r.Search(context.Background(), Query{
		Text:    "planning",
		NodeVec: vector.Normalize([]float64{1, 0.1, 0}),
		Members: members("S.Art.17", "S.Art.21"),
		Limit:   5,
	})
	require.NoError(t, err)
	for _, res := range results {
		assert.NotEqual(t, "S.Art.21", res.ProvisionID, "orthogonal hit should fall below the floor")
	}
}

func TestSearch_RelationChannelTagsStage(t *testing.T) {
	r := New(searchStore(t), Config{}, nil)

	results, err := r.Search(context.Background(), Query{
		Text:    "approval conditions",
		RelVec:  vector.Normalize([]float64{1, 0.2, 0}),
		Members: members("S.Art.17(2)"),
		Limit:   5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "S.Art.17(2)", results[0].ProvisionID)
	assert.True(t, results[0].HasStage(corpus.StageRelationEmbedding))
}

// A result at rank 1 in every channel must outscore a result present in only
// a subset of channels.
func TestSearch_FusionFavorsMultiChannelHits(t *testing.T) {
	r := New(searchStore(t), Config{}, nil)

	results, err := r.Search(context.Background(), Query{
		Text:    "Article 17 planning approvals",
		NodeVec: vector.Normalize([]float64{1, 0.1, 0}),
		RelVec:  vector.Normalize([]float64{1, 0.2, 0}),
		Members: members("S.Art.17", "S.Art.17(2)", "D.Art.17", "S.Art.21"),
		Limit:   5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	rank := map[string]int{}
	for i, res := range results {
		rank[res.ProvisionID] = i
	}
	// S.Art.17 appears in exact and node channels; S.Art.21 at best in one.
	require.Contains(t, rank, "S.Art.17")
	if i, ok := rank["S.Art.21"]; ok {
		assert.Less(t, rank["S.Art.17"], i)
	}
}

func TestSearch_DropsExcludedSections(t *testing.T) {
	r := New(searchStore(t), Config{ExcludedSectionTokens: DefaultExcludedSectionTokens}, nil)

	results, err := r.Search(context.Background(), Query{
		Text:    "measures",
		NodeVec: vector.Normalize([]float64{1, 0, 0}),
		Members: members("S.Art.17", "S.Transitional.1"),
		Limit:   5,
	})
	require.NoError(t, err)
	for _, res := range results {
		assert.NotEqual(t, "S.Transitional.1", res.ProvisionID)
	}
}

func TestSearch_CELFilter(t *testing.T) {
	filter, err := CompileFilter(`!id.contains("D.")`)
	require.NoError(t, err)
	r := New(searchStore(t), Config{Filter: filter}, nil)

	results, err := r.Search(context.Background(), Query{
		Text:    "Article 17",
		Members: members("S.Art.17", "D.Art.17"),
		Limit:   5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, res := range results {
		assert.NotContains(t, res.ProvisionID, "D.")
	}
}

func TestCompileFilter_RejectsNonBool(t *testing.T) {
	_, err := CompileFilter(`id + "x"`)
	require.Error(t, err)
	assert.Equal(t, lexgraph.KindBadRequest, lexgraph.KindOf(err))
}

type failingStore struct {
	graph.Store
}

func (f *failingStore) VectorSearchProvisions(context.Context, []float64, int, map[string]struct{}) ([]corpus.Hit, error) {
	return nil, lexgraph.E("Store.VectorSearchProvisions", lexgraph.KindTransient, lexgraph.ErrTransient)
}

func (f *failingStore) VectorSearchRelations(context.Context, []float64, int) ([]corpus.EdgeHit, error) {
	return nil, lexgraph.E("Store.VectorSearchRelations", lexgraph.KindTransient, lexgraph.ErrTransient)
}

func TestSearch_AllChannelsFailing(t *testing.T) {
	r := New(&failingStore{Store: searchStore(t)}, Config{}, nil)

	_, err := r.Search(context.Background(), Query{
		Text:    "urban planning",
		NodeVec: []float64{1, 0, 0},
		RelVec:  []float64{1, 0, 0},
		Members: members("S.Art.17"),
		Limit:   5,
	})
	require.Error(t, err)
	assert.Equal(t, lexgraph.KindSearch, lexgraph.KindOf(err))
}

func TestSearch_OneChannelFailureDegrades(t *testing.T) {
	r := New(&failingStore{Store: searchStore(t)}, Config{}, nil)

	// Exact channel still works; the failing vector channels degrade.
	results, err := r.Search(context.Background(), Query{
		Text:    "Article 17",
		NodeVec: []float64{1, 0, 0},
		Members: members("S.Art.17"),
		Limit:   5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "S.Art.17", results[0].ProvisionID)
}

func TestSearch_RejectsBadLimit(t *testing.T) {
	r := New(searchStore(t), Config{}, nil)
	_, err := r.Search(context.Background(), Query{Text: "q", Limit: 0})
	require.Error(t, err)
	assert.Equal(t, lexgraph.KindBadRequest, lexgraph.KindOf(err))
}
