package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pruner periodically deletes usage records older than the retention horizon.
// Lifetime aggregates are deliberately left alone.
type Pruner struct {
	store    Store
	horizon  time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewPruner(store Store, horizon, interval time.Duration, logger *zap.Logger) *Pruner {
	return &Pruner{
		store:    store,
		horizon:  horizon,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run prunes on a fixed interval until the context is canceled.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Error("usage retention pruning failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single pruning pass and returns the number of records
// deleted.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().Add(-p.horizon)
	deleted, err := p.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		p.logger.Info("pruned usage records",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}
