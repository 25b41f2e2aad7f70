package coord

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Rebalancer periodically runs a maintenance function under the lock, so
// exactly one replica rebalances at a time.
type Rebalancer struct {
	locker   Locker
	interval time.Duration
	fn       func(context.Context) error
	log      *zap.Logger
}

// NewRebalancer wires a maintenance loop. interval zero means 10 minutes.
func NewRebalancer(locker Locker, interval time.Duration, fn func(context.Context) error, log *zap.Logger) *Rebalancer {
	if locker == nil {
		locker = &LocalLocker{}
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Rebalancer{locker: locker, interval: interval, fn: fn, log: log}
}

// Run blocks until ctx is cancelled, executing one locked pass per tick.
// Lock contention or a failed pass is logged and retried next tick; the
// loop itself never fails.
func (r *Rebalancer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Rebalancer) runOnce(ctx context.Context) {
	release, err := r.locker.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("rebalance lock unavailable, skipping pass", zap.Error(err))
		}
		return
	}
	defer release()

	started := time.Now()
	if err := r.fn(ctx); err != nil {
		r.log.Error("rebalance pass failed", zap.Error(err))
		return
	}
	r.log.Debug("rebalance pass done", zap.Duration("elapsed", time.Since(started)))
}
