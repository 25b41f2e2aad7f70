// Package corpus defines the data model of the hierarchical legal corpus:
// documents, section containers, provisions, domains, and the typed edges
// between them. These types are shared by the graph store, the domain
// registry, and the retrieval pipeline; they never hold object references to
// one another, only stable identifiers.
package corpus

import "time"

// DocClass identifies the class of a top-level legal instrument.
type DocClass string

const (
	// ClassStatute is a top-level statute.
	ClassStatute DocClass = "statute"

	// ClassDecree is an implementing decree of a statute.
	ClassDecree DocClass = "decree"

	// ClassRule is an implementing rule of a decree.
	ClassRule DocClass = "rule"
)

// Document is a top-level legal instrument (statute, decree, or rule).
type Document struct {
	// ID is the stable document identifier.
	ID string `json:"id"`

	// Title is the display title of the instrument.
	Title string `json:"title"`

	// Class is the document class.
	Class DocClass `json:"class"`
}

// Section is an inner hierarchical grouping of provisions (chapter, section,
// article head). It carries no textual content beyond its heading.
type Section struct {
	// ID identifies the container node.
	ID string `json:"id"`

	// Label is the display label (e.g., "Chapter 2").
	Label string `json:"label"`

	// Position is the ordered position within the parent.
	Position int `json:"position"`

	// Embedding is an optional node-space embedding of the heading.
	Embedding []float64 `json:"-"`
}

// Provision is the leaf unit of retrieval. Provisions are created by the
// external ingestion pipeline and are read-only with respect to the engine;
// only their embeddings may be rewritten.
type Provision struct {
	// ID is the globally unique identifier: the document title concatenated
	// with the path of section labels including the provision's own label.
	// Stable across ingestion runs; used as the external key everywhere.
	ID string `json:"id"`

	// Content is the plain-text content of the provision.
	Content string `json:"content"`

	// DocumentTitle is the denormalized document title for display.
	DocumentTitle string `json:"document_title"`

	// Path is the denormalized provision path for display.
	Path string `json:"provision_path"`

	// Number is the denormalized provision number for display (e.g., "17(2)").
	Number string `json:"provision_number"`

	// Class is the class of the owning document.
	Class DocClass `json:"class,omitempty"`

	// Embedding is the node-space embedding vector, when present.
	Embedding []float64 `json:"-"`

	// AltEmbedding is an optional secondary embedding of a different dimension.
	AltEmbedding []float64 `json:"-"`
}

// HasEmbedding reports whether the provision carries a node-space embedding.
func (p *Provision) HasEmbedding() bool {
	return len(p.Embedding) > 0
}

// Domain is a partition node. Every provision is assigned to exactly one
// domain; the engine maintains domains by automatic split and merge as the
// corpus evolves.
type Domain struct {
	// ID is the unique domain identifier.
	ID string `json:"id"`

	// Label is the human-readable label, produced by the LLM or synthesized.
	Label string `json:"label"`

	// Size is the cardinality counter. Invariant: equals the count of
	// incoming assignment edges and the length of the member list.
	Size int `json:"size"`

	// Centroid is the mean of the member node embeddings.
	Centroid []float64 `json:"-"`

	// Neighbors lists ids of peer domains.
	Neighbors []string `json:"neighbors,omitempty"`

	// CreatedAt is when the domain was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the domain was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the domain. Registry readers snapshot domains
// through Clone so background rebalance never mutates a slice under them.
func (d *Domain) Clone() *Domain {
	clone := *d
	clone.Centroid = append([]float64(nil), d.Centroid...)
	clone.Neighbors = append([]string(nil), d.Neighbors...)
	return &clone
}
