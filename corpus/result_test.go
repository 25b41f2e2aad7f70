package corpus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSearchResult_Merge(t *testing.T) {
	a := SearchResult{
		ProvisionID:  "S.Art.17",
		Similarity:   0.8,
		Stages:       []string{StageNodeEmbedding},
		SourceDomain: "Planning",
	}
	b := SearchResult{
		ProvisionID:  "S.Art.17",
		Similarity:   1.0,
		Stages:       []string{StageExactMatch},
		SourceDomain: "Land",
		ViaA2A:       true,
	}

	merged := a
	merged.Merge(b)

	assert.Equal(t, 1.0, merged.Similarity)
	assert.Equal(t, "Land", merged.SourceDomain)
	assert.Equal(t, []string{StageExactMatch, StageNodeEmbedding}, merged.Stages)
	assert.Equal(t, []string{"Land", "Planning"}, merged.SourceDomains)
	assert.True(t, merged.ViaA2A)

	// Merge is order-independent for the fields the response exposes.
	other := b
	other.Merge(a)
	assert.Equal(t, merged.Similarity, other.Similarity)
	assert.Equal(t, merged.Stages, other.Stages)
	assert.Equal(t, merged.SourceDomains, other.SourceDomains)
	assert.Equal(t, merged.ViaA2A, other.ViaA2A)
}

func TestAddStageIdempotent(t *testing.T) {
	r := SearchResult{}
	r.AddStage(StageExactMatch)
	r.AddStage(StageExactMatch)
	assert.Equal(t, []string{StageExactMatch}, r.Stages)
}
