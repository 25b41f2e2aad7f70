package engine

import (
	"sync"

	"github.com/lexgraph/lexgraph/corpus"
)

// Event statuses, in the order a successful streamed query produces them.
const (
	StatusStarted          = "started"
	StatusSearching        = "searching"
	StatusA2AStarted       = "a2a_started"
	StatusA2APeerCompleted = "a2a_peer_completed"
	StatusSynthesizing     = "synthesizing"
	StatusComplete         = "complete"
	StatusError            = "error"
)

// Searching stage names carried by StatusSearching events.
const (
	SearchStageExactMatch        = "exact_match"
	SearchStageNodeEmbedding     = "node_embedding"
	SearchStageRelationEmbedding = "relation_embedding"
	SearchStageExpansion         = "expansion"
	SearchStageEnrichment        = "enrichment"
)

// Event is one record in a query's incremental progress stream. Fields are
// populated per status; unused ones are omitted from the wire form.
type Event struct {
	Status string `json:"status"`

	// started
	PrimaryDomain string   `json:"primary_domain,omitempty"`
	Peers         []string `json:"peers,omitempty"`
	Timestamp     int64    `json:"timestamp,omitempty"`

	// searching
	Stage    string  `json:"stage,omitempty"`
	Progress float64 `json:"progress,omitempty"`

	// a2a_started
	Targets []string `json:"targets,omitempty"`

	// a2a_peer_completed
	Target      string `json:"target,omitempty"`
	ResultCount int    `json:"result_count,omitempty"`

	// complete
	Results           []corpus.SearchResult     `json:"results,omitempty"`
	Stats             *corpus.Stats             `json:"stats,omitempty"`
	SynthesizedAnswer *corpus.SynthesizedAnswer `json:"synthesized_answer,omitempty"`

	// error
	Kind           string                `json:"kind,omitempty"`
	Message        string                `json:"message,omitempty"`
	PartialResults []corpus.SearchResult `json:"partial_results,omitempty"`
}

// Emitter delivers progress events to at most one consumer. Emission is
// fire-and-forget: a nil emitter or nil sink swallows events. Progress is
// enforced monotonic, and exactly one terminal event (complete or error) is
// let through; anything after the terminal is dropped.
type Emitter struct {
	mu       sync.Mutex
	sink     func(Event)
	progress float64
	done     bool
}

// NewEmitter wraps a sink callback. The sink is called synchronously in
// event order; it must not block for long.
func NewEmitter(sink func(Event)) *Emitter {
	return &Emitter{sink: sink}
}

// Emit delivers one event, subject to the monotonicity and single-terminal
// rules.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.sink == nil {
		return
	}
	if ev.Status == StatusSearching {
		if ev.Progress < e.progress {
			ev.Progress = e.progress
		}
		e.progress = ev.Progress
	}
	if ev.Status == StatusComplete || ev.Status == StatusError {
		e.done = true
	}
	e.sink(ev)
}

// Terminated reports whether a terminal event has been emitted.
func (e *Emitter) Terminated() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}
