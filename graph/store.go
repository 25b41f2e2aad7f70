// Package graph is the only component that speaks to the underlying labeled
// property graph. It exposes typed, narrow operations to the rest of the
// engine and owns the mapping from backend failures to the engine's error
// taxonomy.
//
// Two implementations are provided: Neo4jStore against a Neo4j server with
// vector indexes on nodes and relationships, and MemoryStore, an embedded
// brute-force store used for tests and for running the engine without an
// external database. Production deployments wrap either in Resilient, which
// adds a transient-retry policy and a circuit breaker.
package graph

import (
	"context"

	"github.com/lexgraph/lexgraph/corpus"
)

// EmbeddedProvision pairs a provision id with its node-space embedding.
// Returned by SampleEmbeddings for clustering.
type EmbeddedProvision struct {
	ID        string
	Embedding []float64
}

// Store is the typed access surface over the corpus graph.
//
// Failure semantics: implementations return errors classified by the
// lexgraph error kinds. KindNotFound is returned for absent single entities;
// bulk reads surface missing ids instead. KindTransient marks retry-safe
// backend failures; KindConstraint marks writes that would break an
// invariant and must not be retried. All writes are idempotent (upsert and
// replace semantics).
type Store interface {
	// GetProvision returns the provision with the given id, or a
	// KindNotFound error.
	GetProvision(ctx context.Context, id string) (*corpus.Provision, error)

	// BatchGetProvisions returns the provisions for ids, order preserved,
	// with missing ids surfaced separately rather than failing the call.
	BatchGetProvisions(ctx context.Context, ids []string) ([]*corpus.Provision, []string, error)

	// VectorSearchProvisions returns the top-k provisions ranked by cosine
	// similarity of the node-embedding index against queryVec. A non-nil
	// filter restricts hits to the given provision ids (used to enforce
	// domain membership).
	VectorSearchProvisions(ctx context.Context, queryVec []float64, k int, filter map[string]struct{}) ([]corpus.Hit, error)

	// VectorSearchRelations searches the relation-space index over hierarchy
	// edges; each hit resolves to the edge's child provision id.
	VectorSearchRelations(ctx context.Context, queryVec []float64, k int) ([]corpus.EdgeHit, error)

	// VectorSearchSections searches section-container embeddings, when the
	// corpus carries them. Hits identify section containers.
	VectorSearchSections(ctx context.Context, queryVec []float64, k int) ([]corpus.Hit, error)

	// SectionChildren returns the provision ids directly under a section
	// container, in document order.
	SectionChildren(ctx context.Context, sectionID string) ([]string, error)

	// Neighbors returns the adjacent provisions of id with edge kind and
	// whatever payload (relation embedding, semantic type) the backend can
	// return without a second round-trip.
	Neighbors(ctx context.Context, id string) ([]corpus.Neighbor, error)

	// FindByIdentifierPattern matches the given regular expression against
	// the section-number component of provision identifiers.
	FindByIdentifierPattern(ctx context.Context, pattern string) ([]*corpus.Provision, error)

	// UpsertDomain creates or updates a domain node with centroid and
	// cardinality.
	UpsertDomain(ctx context.Context, d *corpus.Domain) error

	// ReplaceAssignments atomically drops all existing assignment edges from
	// the given provisions and creates new ones pointing at domainID,
	// carrying the provided centroid similarities.
	ReplaceAssignments(ctx context.Context, domainID string, provisionIDs []string, similarities []float64) error

	// DeleteDomain removes a domain node. Fails with KindConstraint while
	// any assignment edge still points at it; the caller must reassign
	// members first.
	DeleteDomain(ctx context.Context, domainID string) error

	// ListDomains returns every domain node in the graph.
	ListDomains(ctx context.Context) ([]*corpus.Domain, error)

	// DomainMembers returns the provision ids assigned to domainID.
	DomainMembers(ctx context.Context, domainID string) ([]string, error)

	// CountEmbedded returns the number of provisions that carry a node
	// embedding.
	CountEmbedded(ctx context.Context) (int, error)

	// SampleEmbeddings returns up to limit provisions with their node
	// embeddings, in stable id order, for clustering. limit <= 0 means all.
	SampleEmbeddings(ctx context.Context, limit int) ([]EmbeddedProvision, error)
}
