package engine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics carries the orchestrator's counters. Instruments come from
// the global meter provider; without a configured exporter they are no-ops.
type engineMetrics struct {
	searches metric.Int64Counter
	llmCalls metric.Int64Counter
	a2a      metric.Int64Counter
}

func newEngineMetrics() engineMetrics {
	meter := otel.Meter("lexgraph/engine")
	searches, _ := meter.Int64Counter("lexgraph.searches",
		metric.WithDescription("search requests started"))
	llmCalls, _ := meter.Int64Counter("lexgraph.llm_calls",
		metric.WithDescription("structured LLM calls issued"))
	a2a, _ := meter.Int64Counter("lexgraph.a2a_requests",
		metric.WithDescription("peer collaborations dispatched"))
	return engineMetrics{searches: searches, llmCalls: llmCalls, a2a: a2a}
}
