package graph

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/corpus"
	"github.com/lexgraph/lexgraph/vector"
)

// MemoryStore is an embedded, thread-safe Store backed by plain maps and
// brute-force vector scans. It is the test backend and a valid deployment
// choice for small corpora (a few tens of thousands of provisions scan in
// well under the latency budget).
type MemoryStore struct {
	mu sync.RWMutex

	provisions map[string]*corpus.Provision
	sections   map[string]*corpus.Section

	// Hierarchy between provisions (provision -> sub-provision).
	parentOf map[string]string
	children map[string][]string

	// Container membership for sibling derivation.
	containerOf      map[string]string
	containerMembers map[string][]string

	// Cross-document correspondence, symmetric.
	cross map[string][]string

	// Document order (provision -> next provision).
	next map[string]string

	// Relation-space payload on hierarchy edges, keyed parent -> child.
	relEdges map[string]map[string]relPayload

	domains       map[string]*corpus.Domain
	domainMembers map[string][]string
	assignment    map[string]assignmentEdge
}

type relPayload struct {
	embedding []float64
	semantic  corpus.SemanticType
	keywords  []string
}

type assignmentEdge struct {
	domainID   string
	similarity float64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		provisions:       make(map[string]*corpus.Provision),
		sections:         make(map[string]*corpus.Section),
		parentOf:         make(map[string]string),
		children:         make(map[string][]string),
		containerOf:      make(map[string]string),
		containerMembers: make(map[string][]string),
		cross:            make(map[string][]string),
		next:             make(map[string]string),
		relEdges:         make(map[string]map[string]relPayload),
		domains:          make(map[string]*corpus.Domain),
		domainMembers:    make(map[string][]string),
		assignment:       make(map[string]assignmentEdge),
	}
}

// AddProvision inserts or replaces a provision. Provisions are immutable with
// respect to the engine, so this is only called by ingestion and tests.
func (s *MemoryStore) AddProvision(p *corpus.Provision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.provisions[p.ID] = &cp
}

// AddSection inserts or replaces a section container.
func (s *MemoryStore) AddSection(sec *corpus.Section) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sec
	s.sections[sec.ID] = &cp
}

// PlaceInSection records that a provision sits under a section container.
// Provisions under the same container become siblings.
func (s *MemoryStore) PlaceInSection(provisionID, sectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.containerOf[provisionID]; ok {
		s.containerMembers[prev] = removeString(s.containerMembers[prev], provisionID)
	}
	s.containerOf[provisionID] = sectionID
	s.containerMembers[sectionID] = append(s.containerMembers[sectionID], provisionID)
}

// AddHierarchyEdge records a parent -> child edge between two provisions
// (e.g., article -> paragraph), with an optional relation-space embedding,
// semantic type, and keywords.
func (s *MemoryStore) AddHierarchyEdge(parentID, childID string, relEmbedding []float64, semantic corpus.SemanticType, keywords []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parentOf[childID] = parentID
	s.children[parentID] = appendUnique(s.children[parentID], childID)
	if len(relEmbedding) > 0 {
		if s.relEdges[parentID] == nil {
			s.relEdges[parentID] = make(map[string]relPayload)
		}
		s.relEdges[parentID][childID] = relPayload{
			embedding: append([]float64(nil), relEmbedding...),
			semantic:  semantic,
			keywords:  append([]string(nil), keywords...),
		}
	}
}

// AddCrossDocument links corresponding provisions across document classes.
// The link is symmetric.
func (s *MemoryStore) AddCrossDocument(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cross[a] = appendUnique(s.cross[a], b)
	s.cross[b] = appendUnique(s.cross[b], a)
}

// AddOrdering records the document-order successor of a provision.
func (s *MemoryStore) AddOrdering(id, nextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[id] = nextID
}

// GetProvision implements Store.
func (s *MemoryStore) GetProvision(_ context.Context, id string) (*corpus.Provision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.provisions[id]
	if !ok {
		return nil, lexgraph.E("Store.GetProvision", lexgraph.KindNotFound, lexgraph.ErrNotFound).WithContext("id", id)
	}
	cp := *p
	return &cp, nil
}

// BatchGetProvisions implements Store. Order is preserved; missing ids are
// surfaced in the second return value.
func (s *MemoryStore) BatchGetProvisions(_ context.Context, ids []string) ([]*corpus.Provision, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*corpus.Provision, 0, len(ids))
	var missing []string
	for _, id := range ids {
		p, ok := s.provisions[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, missing, nil
}

// VectorSearchProvisions implements Store with a brute-force cosine scan.
func (s *MemoryStore) VectorSearchProvisions(_ context.Context, queryVec []float64, k int, filter map[string]struct{}) ([]corpus.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hits := make([]corpus.Hit, 0, k)
	for id, p := range s.provisions {
		if filter != nil {
			if _, ok := filter[id]; !ok {
				continue
			}
		}
		if !p.HasEmbedding() {
			continue
		}
		hits = append(hits, corpus.Hit{ID: id, Similarity: vector.Cosine(queryVec, p.Embedding)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// VectorSearchRelations implements Store over hierarchy-edge relation
// embeddings; every hit resolves to the edge's child provision.
func (s *MemoryStore) VectorSearchRelations(_ context.Context, queryVec []float64, k int) ([]corpus.EdgeHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []corpus.EdgeHit
	for _, byChild := range s.relEdges {
		for child, payload := range byChild {
			hits = append(hits, corpus.EdgeHit{
				ChildID:    child,
				Similarity: vector.Cosine(queryVec, payload.embedding),
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ChildID < hits[j].ChildID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// VectorSearchSections implements Store over section-container embeddings.
func (s *MemoryStore) VectorSearchSections(_ context.Context, queryVec []float64, k int) ([]corpus.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []corpus.Hit
	for id, sec := range s.sections {
		if len(sec.Embedding) == 0 {
			continue
		}
		hits = append(hits, corpus.Hit{ID: id, Similarity: vector.Cosine(queryVec, sec.Embedding)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SectionChildren implements Store.
func (s *MemoryStore) SectionChildren(_ context.Context, sectionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.containerMembers[sectionID]...), nil
}

// Neighbors implements Store. Siblings are provisions under the same section
// container; parent/child follow hierarchy edges; cross_document follows the
// correspondence links. The relation-space payload of hierarchy edges is
// returned inline so the expander can cost edges without a second round-trip.
func (s *MemoryStore) Neighbors(_ context.Context, id string) ([]corpus.Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.provisions[id]; !ok {
		return nil, lexgraph.E("Store.Neighbors", lexgraph.KindNotFound, lexgraph.ErrNotFound).WithContext("id", id)
	}

	var out []corpus.Neighbor

	if parent, ok := s.parentOf[id]; ok {
		out = append(out, corpus.Neighbor{ID: parent, Kind: corpus.EdgeParent})
	}
	for i, child := range s.children[id] {
		n := corpus.Neighbor{ID: child, Kind: corpus.EdgeChild, Position: i}
		if payload, ok := s.relEdges[id][child]; ok {
			n.RelEmbedding = append([]float64(nil), payload.embedding...)
			n.Semantic = payload.semantic
			n.Keywords = append([]string(nil), payload.keywords...)
		}
		out = append(out, n)
	}
	if container, ok := s.containerOf[id]; ok {
		for i, sib := range s.containerMembers[container] {
			if sib == id {
				continue
			}
			n := corpus.Neighbor{ID: sib, Kind: corpus.EdgeSibling, Position: i}
			// Sibling edges inherit the relation payload of the sibling's own
			// hierarchy edge from the shared parent, when one exists.
			if parent, ok := s.parentOf[sib]; ok {
				if payload, ok := s.relEdges[parent][sib]; ok {
					n.RelEmbedding = append([]float64(nil), payload.embedding...)
					n.Semantic = payload.semantic
				}
			}
			out = append(out, n)
		}
	}
	for _, other := range s.cross[id] {
		out = append(out, corpus.Neighbor{ID: other, Kind: corpus.EdgeCrossDocument})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FindByIdentifierPattern implements Store by matching the compiled pattern
// against full provision identifiers.
func (s *MemoryStore) FindByIdentifierPattern(_ context.Context, pattern string) ([]*corpus.Provision, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, lexgraph.E("Store.FindByIdentifierPattern", lexgraph.KindBadRequest, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*corpus.Provision
	for id, p := range s.provisions {
		if re.MatchString(id) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertDomain implements Store.
func (s *MemoryStore) UpsertDomain(_ context.Context, d *corpus.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := d.Clone()
	if existing, ok := s.domains[d.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = time.Now()
	s.domains[d.ID] = clone
	return nil
}

// ReplaceAssignments implements Store. The flip is atomic under the store
// lock: all previous assignment edges of the given provisions are dropped and
// the new ones created in one critical section.
func (s *MemoryStore) ReplaceAssignments(_ context.Context, domainID string, provisionIDs []string, similarities []float64) error {
	if len(provisionIDs) != len(similarities) {
		return lexgraph.E("Store.ReplaceAssignments", lexgraph.KindBadRequest,
			fmt.Errorf("ids and similarities length mismatch: %d != %d", len(provisionIDs), len(similarities)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[domainID]; !ok {
		return lexgraph.E("Store.ReplaceAssignments", lexgraph.KindNotFound, lexgraph.ErrNotFound).WithContext("domain_id", domainID)
	}
	// Validate the whole batch before touching any edge, so a bad id can
	// never leave a half-flipped assignment set behind.
	for _, pid := range provisionIDs {
		if _, ok := s.provisions[pid]; !ok {
			return lexgraph.E("Store.ReplaceAssignments", lexgraph.KindNotFound, lexgraph.ErrNotFound).WithContext("provision_id", pid)
		}
	}
	for i, pid := range provisionIDs {
		if prev, ok := s.assignment[pid]; ok {
			s.domainMembers[prev.domainID] = removeString(s.domainMembers[prev.domainID], pid)
			if d, ok := s.domains[prev.domainID]; ok {
				d.Size = len(s.domainMembers[prev.domainID])
			}
		}
		s.assignment[pid] = assignmentEdge{domainID: domainID, similarity: similarities[i]}
		s.domainMembers[domainID] = appendUnique(s.domainMembers[domainID], pid)
	}
	s.domains[domainID].Size = len(s.domainMembers[domainID])
	return nil
}

// DeleteDomain implements Store. Fails while any assignment still points at
// the domain; callers must reassign first.
func (s *MemoryStore) DeleteDomain(_ context.Context, domainID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[domainID]; !ok {
		return lexgraph.E("Store.DeleteDomain", lexgraph.KindNotFound, lexgraph.ErrNotFound).WithContext("domain_id", domainID)
	}
	if len(s.domainMembers[domainID]) > 0 {
		return lexgraph.E("Store.DeleteDomain", lexgraph.KindConstraint, lexgraph.ErrConstraintViolation).
			WithContext("domain_id", domainID).
			WithContext("members", len(s.domainMembers[domainID]))
	}
	delete(s.domains, domainID)
	delete(s.domainMembers, domainID)
	return nil
}

// ListDomains implements Store.
func (s *MemoryStore) ListDomains(_ context.Context) ([]*corpus.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*corpus.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DomainMembers implements Store.
func (s *MemoryStore) DomainMembers(_ context.Context, domainID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.domains[domainID]; !ok {
		return nil, lexgraph.E("Store.DomainMembers", lexgraph.KindNotFound, lexgraph.ErrNotFound).WithContext("domain_id", domainID)
	}
	members := append([]string(nil), s.domainMembers[domainID]...)
	sort.Strings(members)
	return members, nil
}

// CountEmbedded implements Store.
func (s *MemoryStore) CountEmbedded(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.provisions {
		if p.HasEmbedding() {
			n++
		}
	}
	return n, nil
}

// SampleEmbeddings implements Store in stable id order.
func (s *MemoryStore) SampleEmbeddings(_ context.Context, limit int) ([]EmbeddedProvision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.provisions))
	for id, p := range s.provisions {
		if p.HasEmbedding() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]EmbeddedProvision, 0, len(ids))
	for _, id := range ids {
		out = append(out, EmbeddedProvision{
			ID:        id,
			Embedding: append([]float64(nil), s.provisions[id].Embedding...),
		})
	}
	return out, nil
}

func sortHits(hits []corpus.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
