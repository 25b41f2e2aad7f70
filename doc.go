// Package lexgraph is a multi-agent retrieval engine over a hierarchical
// legal corpus stored as a labeled property graph.
//
// A single user query returns a ranked list of legal provisions drawn from
// multiple self-managed "domain" partitions of the corpus, together with
// optional inter-domain collaboration and an optional natural-language
// synthesis. Progress is streamed incrementally to clients.
//
// # Architecture
//
// The engine decomposes into a small set of packages, leaves first:
//
//   - graph: the only component that speaks to the underlying property graph
//     (Neo4j or the embedded in-memory store)
//   - gateway: deterministic, typed access to two embedding models and an LLM
//   - domain: the self-organizing domain registry (clustering, split/merge)
//   - retrieve: per-domain hybrid retrieval fused with reciprocal rank fusion
//   - expand: relationship-aware expansion from retrieval seeds
//   - engine: the orchestrator (routing, quality gate, peer delegation,
//     merging, synthesis, incremental progress events)
//   - serve: the HTTP and SSE surface
//
// Supporting packages: provider (Gemini-backed Embedder/LLM), coord (the
// cross-replica rebalance lock), config, and vector.
//
// # Error Handling
//
// All components surface errors through the structured Error type in this
// package, categorized by stable Kind strings. LLM-driven steps always have
// deterministic fallbacks: an unreachable LLM degrades routing to centroid
// similarity, skips peer collaboration, and skips synthesis, but never fails
// a query on its own.
package lexgraph
