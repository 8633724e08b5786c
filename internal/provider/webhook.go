package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/store"
)

// WebhookSender delivers signed JSON payloads to subscriber endpoints
// over HTTP. Delivery success is a 2xx acknowledgement within the
// configured timeout; timeouts and 5xx responses are transient, 4xx
// responses (except 408 and 429) are permanent.
type WebhookSender struct {
	client *http.Client
	name   string
	logger *zap.Logger
}

type WebhookConfig struct {
	Name    string
	Timeout time.Duration
}

func NewWebhookSender(cfg WebhookConfig, logger *zap.Logger) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	name := cfg.Name
	if name == "" {
		name = "webhook-http"
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		name:   name,
		logger: logger,
	}
}

// Send posts the signed envelope to the subscription's target URL.
func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != store.ChannelWebhook {
		return fmt.Errorf("webhook sender only supports webhooks, got: %s", msg.Channel)
	}
	if msg.Recipient == "" {
		return Permanent(errors.New("webhook message missing target url"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Recipient, bytes.NewReader(msg.RawBody))
	if err != nil {
		return Permanent(fmt.Errorf("failed to create webhook request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0")
	for key, value := range msg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Info("webhook delivered",
			zap.String("job_id", msg.JobID),
			zap.String("url", msg.Recipient),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil
	}

	err = fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(bodyBytes))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

func (s *WebhookSender) Channel() string { return store.ChannelWebhook }
func (s *WebhookSender) Name() string    { return s.name }

// HealthCheck for the generic HTTP sender only confirms the client is
// usable; there is no single upstream to probe.
func (s *WebhookSender) HealthCheck(ctx context.Context) error {
	return nil
}
