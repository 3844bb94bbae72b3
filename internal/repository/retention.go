package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Pruner deletes rows older than a cutoff.
type Pruner interface {
	PruneMedia(ctx context.Context, cutoff time.Time) (int64, error)
	PrunePlays(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention trims the media cache and the play log. Zero ages skip that
// table.
type Retention struct {
	Store    Pruner
	MediaTTL time.Duration
	PlayTTL  time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Run prunes both tables once. Both are attempted even if the first fails.
func (r Retention) Run(ctx context.Context) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error
	if r.MediaTTL > 0 {
		n, err := r.Store.PruneMedia(ctx, now().Add(-r.MediaTTL))
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			logger.InfoContext(ctx, "pruned media cache", "rows", n)
		}
	}
	if r.PlayTTL > 0 {
		n, err := r.Store.PrunePlays(ctx, now().Add(-r.PlayTTL))
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			logger.InfoContext(ctx, "pruned play log", "rows", n)
		}
	}
	return errors.Join(errs...)
}

var _ Pruner = (*PostgresRepository)(nil)
