package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/matt-riley/signcast/internal/repository"
)

// Subscriber delivers media cache invalidations written by other players.
type Subscriber interface {
	SubscribeMediaInvalidation(ctx context.Context) (<-chan repository.MediaKey, error)
}

// InvalidationListener applies NOTIFY-driven invalidations to a [Resolver].
// It is a supervised service: Serve returns an error when the subscription
// ends so the supervisor can restart it.
type InvalidationListener struct {
	resolver   *Resolver
	subscriber Subscriber
	logger     *slog.Logger
	onApply    func()
}

// NewInvalidationListener creates a listener. onApply, when non-nil, runs
// after every applied invalidation.
func NewInvalidationListener(resolver *Resolver, subscriber Subscriber, logger *slog.Logger, onApply func()) *InvalidationListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvalidationListener{
		resolver:   resolver,
		subscriber: subscriber,
		logger:     logger,
		onApply:    onApply,
	}
}

var errSubscriptionClosed = errors.New("media invalidation subscription closed")

func (l *InvalidationListener) Serve(ctx context.Context) error {
	invalidations, err := l.subscriber.SubscribeMediaInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe media invalidation: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case key, ok := <-invalidations:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errSubscriptionClosed
			}
			l.resolver.Invalidate(key)
			l.logger.Debug("media cache invalidated", "store_id", key.StoreID, "target_id", key.TargetID)
			if l.onApply != nil {
				l.onApply()
			}
		}
	}
}

func (l *InvalidationListener) String() string {
	return "media-invalidation"
}
