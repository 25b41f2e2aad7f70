package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/corpus"
)

// Neo4j schema constants. The vector indexes are expected to exist with
// cosine similarity over the named properties.
const (
	provisionIndex = "provision_embedding"
	relationIndex  = "hierarchy_rel_embedding"
	sectionIndex   = "section_embedding"
)

// Neo4jConfig configures the Neo4j-backed store.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// Neo4jStore implements Store against a Neo4j server with vector indexes on
// provision nodes and hierarchy relationships.
//
// Sessions are never held across calls: every operation acquires a
// connection from the driver pool for the duration of one query, so a slow
// LLM call elsewhere in the request can never pin a database session.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	log      *zap.Logger
}

// NewNeo4jStore connects to Neo4j and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig, log *zap.Logger) (*Neo4jStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, lexgraph.E("Store.Connect", lexgraph.KindInternal, err)
	}
	verifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, lexgraph.E("Store.Connect", lexgraph.KindTransient, err)
	}
	db := cfg.Database
	if db == "" {
		db = "neo4j"
	}
	return &Neo4jStore{driver: driver, database: db, log: log}, nil
}

// Close releases the driver's connection pool.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) run(ctx context.Context, op, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.database))
	if err != nil {
		return nil, classifyNeo4jErr(op, err)
	}
	return result, nil
}

func classifyNeo4jErr(op string, err error) error {
	if neo4j.IsRetryable(err) {
		return lexgraph.E(op, lexgraph.KindTransient, err)
	}
	return lexgraph.E(op, lexgraph.KindInternal, err)
}

// GetProvision implements Store.
func (s *Neo4jStore) GetProvision(ctx context.Context, id string) (*corpus.Provision, error) {
	const cypher = `
		MATCH (p:Provision {id: $id})
		RETURN p.id AS id, p.content AS content, p.document_title AS document_title,
		       p.provision_path AS provision_path, p.provision_number AS provision_number,
		       p.embedding AS embedding`
	result, err := s.run(ctx, "Store.GetProvision", cypher, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(result.Records) == 0 {
		return nil, lexgraph.E("Store.GetProvision", lexgraph.KindNotFound, lexgraph.ErrNotFound).WithContext("id", id)
	}
	return provisionFromRecord(result.Records[0].AsMap()), nil
}

// BatchGetProvisions implements Store.
func (s *Neo4jStore) BatchGetProvisions(ctx context.Context, ids []string) ([]*corpus.Provision, []string, error) {
	const cypher = `
		UNWIND $ids AS wanted
		MATCH (p:Provision {id: wanted})
		RETURN p.id AS id, p.content AS content, p.document_title AS document_title,
		       p.provision_path AS provision_path, p.provision_number AS provision_number,
		       p.embedding AS embedding`
	result, err := s.run(ctx, "Store.BatchGetProvisions", cypher, map[string]any{"ids": ids})
	if err != nil {
		return nil, nil, err
	}
	found := make(map[string]*corpus.Provision, len(result.Records))
	for _, rec := range result.Records {
		p := provisionFromRecord(rec.AsMap())
		found[p.ID] = p
	}
	out := make([]*corpus.Provision, 0, len(ids))
	var missing []string
	for _, id := range ids {
		if p, ok := found[id]; ok {
			out = append(out, p)
		} else {
			missing = append(missing, id)
		}
	}
	return out, missing, nil
}

// VectorSearchProvisions implements Store via the node vector index. The
// membership filter is applied after the index call; k is widened so the
// post-filter still returns k hits for reasonably sized domains.
func (s *Neo4jStore) VectorSearchProvisions(ctx context.Context, queryVec []float64, k int, filter map[string]struct{}) ([]corpus.Hit, error) {
	fetch := k
	if filter != nil {
		fetch = k * 4
	}
	const cypher = `
		CALL db.index.vector.queryNodes($index, $k, $vec) YIELD node, score
		RETURN node.id AS id, score`
	result, err := s.run(ctx, "Store.VectorSearchProvisions", cypher, map[string]any{
		"index": provisionIndex, "k": fetch, "vec": queryVec,
	})
	if err != nil {
		return nil, err
	}
	hits := make([]corpus.Hit, 0, k)
	for _, rec := range result.Records {
		m := rec.AsMap()
		id := asString(m["id"])
		if filter != nil {
			if _, ok := filter[id]; !ok {
				continue
			}
		}
		hits = append(hits, corpus.Hit{ID: id, Similarity: asFloat(m["score"])})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// VectorSearchRelations implements Store via the relationship vector index.
func (s *Neo4jStore) VectorSearchRelations(ctx context.Context, queryVec []float64, k int) ([]corpus.EdgeHit, error) {
	const cypher = `
		CALL db.index.vector.queryRelationships($index, $k, $vec) YIELD relationship, score
		MATCH ()-[r:HAS_CHILD]->(child:Provision) WHERE r = relationship
		RETURN child.id AS child_id, score`
	result, err := s.run(ctx, "Store.VectorSearchRelations", cypher, map[string]any{
		"index": relationIndex, "k": k, "vec": queryVec,
	})
	if err != nil {
		return nil, err
	}
	hits := make([]corpus.EdgeHit, 0, len(result.Records))
	for _, rec := range result.Records {
		m := rec.AsMap()
		hits = append(hits, corpus.EdgeHit{ChildID: asString(m["child_id"]), Similarity: asFloat(m["score"])})
	}
	return hits, nil
}

// VectorSearchSections implements Store via the section vector index.
func (s *Neo4jStore) VectorSearchSections(ctx context.Context, queryVec []float64, k int) ([]corpus.Hit, error) {
	const cypher = `
		CALL db.index.vector.queryNodes($index, $k, $vec) YIELD node, score
		RETURN node.id AS id, score`
	result, err := s.run(ctx, "Store.VectorSearchSections", cypher, map[string]any{
		"index": sectionIndex, "k": k, "vec": queryVec,
	})
	if err != nil {
		return nil, err
	}
	hits := make([]corpus.Hit, 0, len(result.Records))
	for _, rec := range result.Records {
		m := rec.AsMap()
		hits = append(hits, corpus.Hit{ID: asString(m["id"]), Similarity: asFloat(m["score"])})
	}
	return hits, nil
}

// SectionChildren implements Store.
func (s *Neo4jStore) SectionChildren(ctx context.Context, sectionID string) ([]string, error) {
	const cypher = `
		MATCH (:Section {id: $id})-[c:CONTAINS]->(p:Provision)
		RETURN p.id AS id ORDER BY c.position`
	result, err := s.run(ctx, "Store.SectionChildren", cypher, map[string]any{"id": sectionID})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(result.Records))
	for _, rec := range result.Records {
		out = append(out, asString(rec.AsMap()["id"]))
	}
	return out, nil
}

// Neighbors implements Store with one round-trip covering all four edge
// kinds. Sibling rows carry the relation payload of the sibling's own
// hierarchy edge so the expander can cost them without refetching.
func (s *Neo4jStore) Neighbors(ctx context.Context, id string) ([]corpus.Neighbor, error) {
	const cypher = `
		MATCH (p:Provision {id: $id})
		CALL {
			WITH p
			MATCH (parent:Provision)-[:HAS_CHILD]->(p)
			RETURN parent.id AS id, 'parent' AS kind, NULL AS emb, NULL AS semantic, 0 AS position
			UNION ALL
			WITH p
			MATCH (p)-[h:HAS_CHILD]->(child:Provision)
			RETURN child.id AS id, 'child' AS kind, h.embedding AS emb, h.semantic_type AS semantic, h.position AS position
			UNION ALL
			WITH p
			MATCH (sec:Section)-[:CONTAINS]->(p), (sec)-[c:CONTAINS]->(sib:Provision)
			WHERE sib.id <> p.id
			OPTIONAL MATCH (sp:Provision)-[h:HAS_CHILD]->(sib)
			RETURN sib.id AS id, 'sibling' AS kind, h.embedding AS emb, h.semantic_type AS semantic, c.position AS position
			UNION ALL
			WITH p
			MATCH (p)-[:CORRESPONDS_TO]-(other:Provision)
			RETURN other.id AS id, 'cross_document' AS kind, NULL AS emb, NULL AS semantic, 0 AS position
		}
		RETURN id, kind, emb, semantic, position`
	result, err := s.run(ctx, "Store.Neighbors", cypher, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	out := make([]corpus.Neighbor, 0, len(result.Records))
	for _, rec := range result.Records {
		m := rec.AsMap()
		out = append(out, corpus.Neighbor{
			ID:           asString(m["id"]),
			Kind:         corpus.EdgeKind(asString(m["kind"])),
			Position:     int(asInt(m["position"])),
			RelEmbedding: asVector(m["emb"]),
			Semantic:     corpus.SemanticType(asString(m["semantic"])),
		})
	}
	return out, nil
}

// FindByIdentifierPattern implements Store using Neo4j's regex operator.
func (s *Neo4jStore) FindByIdentifierPattern(ctx context.Context, pattern string) ([]*corpus.Provision, error) {
	const cypher = `
		MATCH (p:Provision) WHERE p.id =~ $pattern
		RETURN p.id AS id, p.content AS content, p.document_title AS document_title,
		       p.provision_path AS provision_path, p.provision_number AS provision_number,
		       p.embedding AS embedding
		ORDER BY p.id`
	// Neo4j regex matches the whole string; wrap for substring semantics.
	result, err := s.run(ctx, "Store.FindByIdentifierPattern", cypher,
		map[string]any{"pattern": ".*" + pattern + ".*"})
	if err != nil {
		return nil, err
	}
	out := make([]*corpus.Provision, 0, len(result.Records))
	for _, rec := range result.Records {
		out = append(out, provisionFromRecord(rec.AsMap()))
	}
	return out, nil
}

// UpsertDomain implements Store.
func (s *Neo4jStore) UpsertDomain(ctx context.Context, d *corpus.Domain) error {
	const cypher = `
		MERGE (d:Domain {id: $id})
		ON CREATE SET d.created_at = timestamp()
		SET d.label = $label, d.size = $size, d.centroid = $centroid,
		    d.neighbors = $neighbors, d.updated_at = timestamp()`
	_, err := s.run(ctx, "Store.UpsertDomain", cypher, map[string]any{
		"id": d.ID, "label": d.Label, "size": d.Size,
		"centroid": d.Centroid, "neighbors": d.Neighbors,
	})
	return err
}

// ReplaceAssignments implements Store. The flip runs as a single query so it
// is atomic per transaction: previous assignment edges of the given
// provisions are deleted and the new ones created together.
func (s *Neo4jStore) ReplaceAssignments(ctx context.Context, domainID string, provisionIDs []string, similarities []float64) error {
	if len(provisionIDs) != len(similarities) {
		return lexgraph.E("Store.ReplaceAssignments", lexgraph.KindBadRequest,
			fmt.Errorf("ids and similarities length mismatch"))
	}
	rows := make([]map[string]any, len(provisionIDs))
	for i, id := range provisionIDs {
		rows[i] = map[string]any{"id": id, "sim": similarities[i]}
	}
	_, err := s.run(ctx, "Store.ReplaceAssignments", replaceAssignmentsCypher, map[string]any{
		"domain_id": domainID, "rows": rows,
	})
	return err
}

// replaceAssignmentsCypher rewrites the assignment edges, then recounts the
// domain's members. After the UNWIND the query carries one row per assigned
// provision, so the recount must collapse back to one row per domain first;
// without the DISTINCT the tail MATCH multiplies the edge count by the row
// count and writes an inflated size.
const replaceAssignmentsCypher = `
	MATCH (d:Domain {id: $domain_id})
	UNWIND $rows AS row
	MATCH (p:Provision {id: row.id})
	OPTIONAL MATCH (p)-[old:ASSIGNED_TO]->(:Domain)
	DELETE old
	MERGE (p)-[a:ASSIGNED_TO]->(d)
	SET a.similarity = row.sim
	WITH DISTINCT d
	MATCH (:Provision)-[e:ASSIGNED_TO]->(d)
	WITH d, count(e) AS n
	SET d.size = n`

// DeleteDomain implements Store.
func (s *Neo4jStore) DeleteDomain(ctx context.Context, domainID string) error {
	const check = `
		MATCH (d:Domain {id: $id})
		OPTIONAL MATCH (:Provision)-[a:ASSIGNED_TO]->(d)
		RETURN d.id AS id, count(a) AS assignments`
	result, err := s.run(ctx, "Store.DeleteDomain", check, map[string]any{"id": domainID})
	if err != nil {
		return err
	}
	if len(result.Records) == 0 {
		return lexgraph.E("Store.DeleteDomain", lexgraph.KindNotFound, lexgraph.ErrNotFound).WithContext("domain_id", domainID)
	}
	if n := asInt(result.Records[0].AsMap()["assignments"]); n > 0 {
		return lexgraph.E("Store.DeleteDomain", lexgraph.KindConstraint, lexgraph.ErrConstraintViolation).
			WithContext("domain_id", domainID).WithContext("members", n)
	}
	_, err = s.run(ctx, "Store.DeleteDomain", `MATCH (d:Domain {id: $id}) DETACH DELETE d`,
		map[string]any{"id": domainID})
	return err
}

// ListDomains implements Store.
func (s *Neo4jStore) ListDomains(ctx context.Context) ([]*corpus.Domain, error) {
	const cypher = `
		MATCH (d:Domain)
		RETURN d.id AS id, d.label AS label, d.size AS size, d.centroid AS centroid,
		       d.neighbors AS neighbors
		ORDER BY d.id`
	result, err := s.run(ctx, "Store.ListDomains", cypher, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*corpus.Domain, 0, len(result.Records))
	for _, rec := range result.Records {
		m := rec.AsMap()
		out = append(out, &corpus.Domain{
			ID:        asString(m["id"]),
			Label:     asString(m["label"]),
			Size:      int(asInt(m["size"])),
			Centroid:  asVector(m["centroid"]),
			Neighbors: asStrings(m["neighbors"]),
		})
	}
	return out, nil
}

// DomainMembers implements Store.
func (s *Neo4jStore) DomainMembers(ctx context.Context, domainID string) ([]string, error) {
	const cypher = `
		MATCH (p:Provision)-[:ASSIGNED_TO]->(:Domain {id: $id})
		RETURN p.id AS id ORDER BY p.id`
	result, err := s.run(ctx, "Store.DomainMembers", cypher, map[string]any{"id": domainID})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(result.Records))
	for _, rec := range result.Records {
		out = append(out, asString(rec.AsMap()["id"]))
	}
	return out, nil
}

// CountEmbedded implements Store.
func (s *Neo4jStore) CountEmbedded(ctx context.Context) (int, error) {
	result, err := s.run(ctx, "Store.CountEmbedded",
		`MATCH (p:Provision) WHERE p.embedding IS NOT NULL RETURN count(p) AS n`, nil)
	if err != nil {
		return 0, err
	}
	if len(result.Records) == 0 {
		return 0, nil
	}
	return int(asInt(result.Records[0].AsMap()["n"])), nil
}

// SampleEmbeddings implements Store.
func (s *Neo4jStore) SampleEmbeddings(ctx context.Context, limit int) ([]EmbeddedProvision, error) {
	cypher := `MATCH (p:Provision) WHERE p.embedding IS NOT NULL
		RETURN p.id AS id, p.embedding AS embedding ORDER BY p.id`
	params := map[string]any{}
	if limit > 0 {
		cypher += ` LIMIT $limit`
		params["limit"] = limit
	}
	result, err := s.run(ctx, "Store.SampleEmbeddings", cypher, params)
	if err != nil {
		return nil, err
	}
	out := make([]EmbeddedProvision, 0, len(result.Records))
	for _, rec := range result.Records {
		m := rec.AsMap()
		out = append(out, EmbeddedProvision{ID: asString(m["id"]), Embedding: asVector(m["embedding"])})
	}
	return out, nil
}

func provisionFromRecord(m map[string]any) *corpus.Provision {
	return &corpus.Provision{
		ID:            asString(m["id"]),
		Content:       asString(m["content"]),
		DocumentTitle: asString(m["document_title"]),
		Path:          asString(m["provision_path"]),
		Number:        asString(m["provision_number"]),
		Embedding:     asVector(m["embedding"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	}
	return 0
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	}
	return 0
}

func asVector(v any) []float64 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(list))
	for _, e := range list {
		out = append(out, asFloat(e))
	}
	return out
}

func asStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, asString(e))
	}
	return out
}
