package webhook

import (
	"context"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/store"
)

// SubscriptionStore is the slice of the repository the matcher needs.
type SubscriptionStore interface {
	ListActiveSubscriptions(ctx context.Context, eventType string) ([]*store.Subscription, error)
}

// Matcher filters active subscriptions by event type. Each match fans
// out into an independent delivery job.
type Matcher struct {
	subs   SubscriptionStore
	logger *zap.Logger
}

// NewMatcher creates a matcher over the subscription store.
func NewMatcher(subs SubscriptionStore, logger *zap.Logger) *Matcher {
	return &Matcher{
		subs:   subs,
		logger: logger,
	}
}

// Match returns the active subscriptions whose event-type set contains
// eventType.
func (m *Matcher) Match(ctx context.Context, eventType string) ([]*store.Subscription, error) {
	subs, err := m.subs.ListActiveSubscriptions(ctx, eventType)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("subscriptions matched",
		zap.String("event_type", eventType),
		zap.Int("count", len(subs)),
	)
	return subs, nil
}
