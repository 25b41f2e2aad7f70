package corpus

// EdgeKind classifies an edge seen from a provision during neighbor expansion.
type EdgeKind string

const (
	// EdgeParent points to the hierarchical parent (container or document).
	EdgeParent EdgeKind = "parent"

	// EdgeChild points to a hierarchical child (sub-provision).
	EdgeChild EdgeKind = "child"

	// EdgeSibling points to another provision under the same parent container.
	EdgeSibling EdgeKind = "sibling"

	// EdgeCrossDocument links corresponding provisions across document
	// classes (statute <-> decree <-> rule). Carries no embedding and is
	// traversed at zero cost.
	EdgeCrossDocument EdgeKind = "cross_document"

	// EdgeSeed marks a node inserted into the expansion frontier directly
	// from retrieval, not discovered through an edge.
	EdgeSeed EdgeKind = "seed"
)

// SemanticType is the discrete label on hierarchy edges that carry a
// relation-space embedding. Invariant: any edge with a relation embedding has
// a populated semantic type.
type SemanticType string

const (
	SemanticDetail    SemanticType = "detail"
	SemanticException SemanticType = "exception"
	SemanticReference SemanticType = "reference"
	SemanticCondition SemanticType = "condition"
	SemanticAddition  SemanticType = "addition"
	SemanticGeneral   SemanticType = "general"
)

// Neighbor is one entry of a neighbor expansion: the adjacent provision id,
// how it is connected, and whatever edge payload the store can return without
// a second round-trip.
type Neighbor struct {
	// ID is the neighbor provision id.
	ID string `json:"id"`

	// Kind is the edge classification relative to the expanded node.
	Kind EdgeKind `json:"kind"`

	// Position is the ordered position carried by hierarchy edges.
	Position int `json:"position,omitempty"`

	// RelEmbedding is the relation-space embedding on the edge, when present.
	RelEmbedding []float64 `json:"-"`

	// Semantic is the semantic type label, populated whenever RelEmbedding is.
	Semantic SemanticType `json:"semantic,omitempty"`

	// Keywords are the extracted keywords on the edge, when present.
	Keywords []string `json:"keywords,omitempty"`
}

// Hit is a scored provision id returned by a vector index query.
type Hit struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// EdgeHit is a scored hierarchy edge returned by the relation-space index.
// The edge is resolved to its child provision id.
type EdgeHit struct {
	ChildID    string  `json:"child_id"`
	Similarity float64 `json:"similarity"`
}
