package lexgraph

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common engine error conditions.
// These errors can be used with errors.Is() for error checking.
var (
	// ErrNotFound indicates a referenced entity (provision, domain, edge) is absent.
	// Fatal for single-entity operations; bulk operations treat it as a skipped item.
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation indicates a write would break a corpus invariant,
	// such as orphaning a provision or deleting a domain that still has members.
	// Never retried.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrTransient indicates a temporary graph store or network failure.
	// Safe to retry with backoff.
	ErrTransient = errors.New("transient backend error")

	// ErrEmbeddingUnavailable indicates the embedding model could not be reached.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrLLMUnavailable indicates the LLM endpoint failed or timed out.
	// Consumers degrade to deterministic fallbacks instead of failing the request.
	ErrLLMUnavailable = errors.New("llm unavailable")

	// ErrSearchUnavailable indicates every retrieval channel failed for a domain.
	ErrSearchUnavailable = errors.New("search unavailable")

	// ErrNotInitialized indicates the domain registry holds no domains,
	// so no query can be routed.
	ErrNotInitialized = errors.New("not initialized")

	// ErrNoResults indicates neither the primary domain nor any peer produced results.
	ErrNoResults = errors.New("no results")

	// ErrBadRequest indicates a malformed query, invalid limit, or unknown option.
	ErrBadRequest = errors.New("bad request")
)

// Error kinds categorize errors by their type. The kind is the stable,
// user-visible string carried in error frames; it never leaks internals.
const (
	// KindNotFound represents errors where an entity was not found.
	KindNotFound = "not_found"

	// KindConstraint represents writes rejected to protect an invariant.
	KindConstraint = "constraint_violation"

	// KindTransient represents retry-safe backend failures.
	KindTransient = "transient"

	// KindEmbedding represents embedding model failures.
	KindEmbedding = "embedding_unavailable"

	// KindLLM represents LLM endpoint failures.
	KindLLM = "llm_unavailable"

	// KindSearch represents total retrieval-channel failure for a domain.
	KindSearch = "search_unavailable"

	// KindCancelled represents caller-initiated cancellation.
	KindCancelled = "cancelled"

	// KindDeadline represents request deadline expiry.
	KindDeadline = "deadline"

	// KindBadRequest represents invalid client input.
	KindBadRequest = "bad_request"

	// KindNotInitialized represents an engine with no domains to route to.
	KindNotInitialized = "not_initialized"

	// KindNoResults represents a query for which no domain produced anything.
	KindNoResults = "no_results"

	// KindInternal represents internal engine errors.
	KindInternal = "internal"
)

// Error is a structured error type that wraps underlying errors with
// additional context about the operation that failed and the category of error.
//
// Error implements the error interface and supports error unwrapping,
// making it compatible with errors.Is() and errors.As().
//
// Example usage:
//
//	err := &lexgraph.Error{
//		Op:   "Registry.Split",
//		Kind: lexgraph.KindConstraint,
//		Err:  lexgraph.ErrConstraintViolation,
//	}
type Error struct {
	// Op is the operation that failed (e.g., "Store.GetProvision", "Engine.Search").
	Op string

	// Kind categorizes the error (e.g., KindNotFound, KindTransient).
	Kind string

	// Err is the underlying error that caused this error.
	Err error

	// Context provides additional context about the error (optional).
	// This can include entity IDs, parameter values, or other debugging information.
	Context map[string]any
}

// Error implements the error interface, returning a formatted error message
// that includes the operation, kind, and underlying error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("lexgraph: %s: %s", e.Op, e.Kind)
	}
	if len(e.Context) > 0 {
		return fmt.Sprintf("lexgraph: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}
	return fmt.Sprintf("lexgraph: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error, allowing errors.Is() and errors.As()
// to work correctly with wrapped errors.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error matching for Error, allowing comparison against either
// another Error (matched by Kind, and by Op when the target sets one) or any
// plain error wrapped underneath.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if t, ok := target.(*Error); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			return t.Op == "" || e.Op == t.Op
		}
		return false
	}
	return errors.Is(e.Err, target)
}

// E constructs an Error with the given operation, kind, and underlying error.
func E(op, kind string, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// WithContext returns a copy of the error with the given context key set.
func (e *Error) WithContext(key string, value any) *Error {
	clone := *e
	clone.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		clone.Context[k] = v
	}
	clone.Context[key] = value
	return &clone
}

// KindOf returns the kind string of err. It unwraps structured errors,
// maps the sentinel errors to their kinds, and recognizes context
// cancellation and deadline expiry. Unknown errors report KindInternal.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) && le.Kind != "" {
		return le.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConstraintViolation):
		return KindConstraint
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrEmbeddingUnavailable):
		return KindEmbedding
	case errors.Is(err, ErrLLMUnavailable):
		return KindLLM
	case errors.Is(err, ErrSearchUnavailable):
		return KindSearch
	case errors.Is(err, ErrNotInitialized):
		return KindNotInitialized
	case errors.Is(err, ErrNoResults):
		return KindNoResults
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadline
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}

// IsRetryable reports whether err is safe to retry. Only transient backend
// failures qualify; constraint violations and not-found are never retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
