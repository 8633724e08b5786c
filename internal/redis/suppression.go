package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// suppressionTTL bounds how long a hard-bounce suppression is honored
// before the recipient is eligible again. Long on purpose: providers
// penalize repeated sends to dead addresses.
const suppressionTTL = 90 * 24 * time.Hour

// SuppressionList is the global suppression set: recipients that a
// provider reported as permanently undeliverable (hard bounce, invalid
// phone number). The preference filter consults it before any job for
// the recipient is created.
type SuppressionList struct {
	client *Client
	logger *zap.Logger
}

// NewSuppressionList creates a suppression list over the Redis client.
func NewSuppressionList(client *Client, logger *zap.Logger) *SuppressionList {
	return &SuppressionList{
		client: client,
		logger: logger,
	}
}

func (s *SuppressionList) buildKey(channel, recipient string) string {
	return fmt.Sprintf("herald:suppress:%s:%s", channel, recipient)
}

// Suppress records a permanent delivery failure for the recipient on
// the channel. Called by dispatch workers on ProviderPermanentError.
func (s *SuppressionList) Suppress(ctx context.Context, channel, recipient, reason string) error {
	key := s.buildKey(channel, recipient)
	if err := s.client.rdb.Set(ctx, key, reason, suppressionTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.logger.Info("recipient suppressed",
		zap.String("channel", channel),
		zap.String("recipient", recipient),
		zap.String("reason", reason),
	)
	return nil
}

// IsSuppressed reports whether the recipient is suppressed on the channel.
func (s *SuppressionList) IsSuppressed(ctx context.Context, channel, recipient string) (bool, error) {
	n, err := s.client.rdb.Exists(ctx, s.buildKey(channel, recipient)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// Unsuppress removes a suppression, e.g. after the recipient fixes
// their address.
func (s *SuppressionList) Unsuppress(ctx context.Context, channel, recipient string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(channel, recipient)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
