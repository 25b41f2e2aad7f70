package graph

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/corpus"
)

// RetryPolicy bounds the transient-retry behavior of Resilient.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retries per call (RETRY_MAX).
	MaxRetries int

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
}

// DefaultRetryPolicy matches the documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: 100 * time.Millisecond}
}

// Resilient decorates a Store with a bounded exponential-backoff retry for
// transient errors and a circuit breaker that sheds load when the backend is
// persistently failing. Only KindTransient errors are retried; constraint
// violations and not-found surface immediately.
type Resilient struct {
	inner   Store
	policy  RetryPolicy
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewResilient wraps inner with the given retry policy.
func NewResilient(inner Store, policy RetryPolicy, log *zap.Logger) *Resilient {
	if log == nil {
		log = zap.NewNop()
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultRetryPolicy().MaxRetries
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy().InitialInterval
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "graph-store",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Only transient backend failures count against the breaker.
			return err == nil || !lexgraph.IsRetryable(err)
		},
	})
	return &Resilient{inner: inner, policy: policy, breaker: cb, log: log}
}

func execute[T any](ctx context.Context, r *Resilient, op string, fn func() (T, error)) (T, error) {
	var out T
	run := func() error {
		v, err := r.breaker.Execute(func() (any, error) {
			return fn()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				err = lexgraph.E(op, lexgraph.KindTransient, err)
			}
			if !lexgraph.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			r.log.Warn("transient graph store failure, retrying",
				zap.String("op", op), zap.Error(err))
			return err
		}
		if v != nil {
			out = v.(T)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	err := backoff.Retry(run, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(r.policy.MaxRetries)), ctx))
	return out, err
}

// GetProvision implements Store.
func (r *Resilient) GetProvision(ctx context.Context, id string) (*corpus.Provision, error) {
	return execute(ctx, r, "Store.GetProvision", func() (*corpus.Provision, error) {
		return r.inner.GetProvision(ctx, id)
	})
}

// BatchGetProvisions implements Store.
func (r *Resilient) BatchGetProvisions(ctx context.Context, ids []string) ([]*corpus.Provision, []string, error) {
	type pair struct {
		provisions []*corpus.Provision
		missing    []string
	}
	out, err := execute(ctx, r, "Store.BatchGetProvisions", func() (pair, error) {
		p, m, err := r.inner.BatchGetProvisions(ctx, ids)
		return pair{p, m}, err
	})
	return out.provisions, out.missing, err
}

// VectorSearchProvisions implements Store.
func (r *Resilient) VectorSearchProvisions(ctx context.Context, queryVec []float64, k int, filter map[string]struct{}) ([]corpus.Hit, error) {
	return execute(ctx, r, "Store.VectorSearchProvisions", func() ([]corpus.Hit, error) {
		return r.inner.VectorSearchProvisions(ctx, queryVec, k, filter)
	})
}

// VectorSearchRelations implements Store.
func (r *Resilient) VectorSearchRelations(ctx context.Context, queryVec []float64, k int) ([]corpus.EdgeHit, error) {
	return execute(ctx, r, "Store.VectorSearchRelations", func() ([]corpus.EdgeHit, error) {
		return r.inner.VectorSearchRelations(ctx, queryVec, k)
	})
}

// VectorSearchSections implements Store.
func (r *Resilient) VectorSearchSections(ctx context.Context, queryVec []float64, k int) ([]corpus.Hit, error) {
	return execute(ctx, r, "Store.VectorSearchSections", func() ([]corpus.Hit, error) {
		return r.inner.VectorSearchSections(ctx, queryVec, k)
	})
}

// SectionChildren implements Store.
func (r *Resilient) SectionChildren(ctx context.Context, sectionID string) ([]string, error) {
	return execute(ctx, r, "Store.SectionChildren", func() ([]string, error) {
		return r.inner.SectionChildren(ctx, sectionID)
	})
}

// Neighbors implements Store.
func (r *Resilient) Neighbors(ctx context.Context, id string) ([]corpus.Neighbor, error) {
	return execute(ctx, r, "Store.Neighbors", func() ([]corpus.Neighbor, error) {
		return r.inner.Neighbors(ctx, id)
	})
}

// FindByIdentifierPattern implements Store.
func (r *Resilient) FindByIdentifierPattern(ctx context.Context, pattern string) ([]*corpus.Provision, error) {
	return execute(ctx, r, "Store.FindByIdentifierPattern", func() ([]*corpus.Provision, error) {
		return r.inner.FindByIdentifierPattern(ctx, pattern)
	})
}

// UpsertDomain implements Store.
func (r *Resilient) UpsertDomain(ctx context.Context, d *corpus.Domain) error {
	_, err := execute(ctx, r, "Store.UpsertDomain", func() (struct{}, error) {
		return struct{}{}, r.inner.UpsertDomain(ctx, d)
	})
	return err
}

// ReplaceAssignments implements Store.
func (r *Resilient) ReplaceAssignments(ctx context.Context, domainID string, provisionIDs []string, similarities []float64) error {
	_, err := execute(ctx, r, "Store.ReplaceAssignments", func() (struct{}, error) {
		return struct{}{}, r.inner.ReplaceAssignments(ctx, domainID, provisionIDs, similarities)
	})
	return err
}

// DeleteDomain implements Store.
func (r *Resilient) DeleteDomain(ctx context.Context, domainID string) error {
	_, err := execute(ctx, r, "Store.DeleteDomain", func() (struct{}, error) {
		return struct{}{}, r.inner.DeleteDomain(ctx, domainID)
	})
	return err
}

// ListDomains implements Store.
func (r *Resilient) ListDomains(ctx context.Context) ([]*corpus.Domain, error) {
	return execute(ctx, r, "Store.ListDomains", func() ([]*corpus.Domain, error) {
		return r.inner.ListDomains(ctx)
	})
}

// DomainMembers implements Store.
func (r *Resilient) DomainMembers(ctx context.Context, domainID string) ([]string, error) {
	return execute(ctx, r, "Store.DomainMembers", func() ([]string, error) {
		return r.inner.DomainMembers(ctx, domainID)
	})
}

// CountEmbedded implements Store.
func (r *Resilient) CountEmbedded(ctx context.Context) (int, error) {
	return execute(ctx, r, "Store.CountEmbedded", func() (int, error) {
		return r.inner.CountEmbedded(ctx)
	})
}

// SampleEmbeddings implements Store.
func (r *Resilient) SampleEmbeddings(ctx context.Context, limit int) ([]EmbeddedProvision, error) {
	return execute(ctx, r, "Store.SampleEmbeddings", func() ([]EmbeddedProvision, error) {
		return r.inner.SampleEmbeddings(ctx, limit)
	})
}
