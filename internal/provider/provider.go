// Package provider holds the configured sending backends and the
// registry that selects among them by channel, priority, rate-limit
// capacity and health.
package provider

import (
	"context"
	"errors"
)

// ErrNoProviderAvailable is returned when every provider for a channel
// is disabled. It is fatal for the job: dead-lettered, never retried.
var ErrNoProviderAvailable = errors.New("no provider available for channel")

// ErrThrottled is returned when the selected provider's token bucket
// has no capacity. It is transient: the job is requeued with a delay
// without consuming an attempt.
var ErrThrottled = errors.New("provider rate limit exhausted")

// PermanentError marks a send failure that retrying cannot fix, e.g.
// the provider reports the recipient address as undeliverable. Jobs
// failing permanently are dead-lettered on first failure and the
// recipient may be suppressed.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is a permanent send failure.
// Everything else, including timeouts and 5xx responses, is treated
// as transient and retried per the backoff policy.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Message is a fully rendered, addressed payload handed to a sender.
type Message struct {
	JobID     string
	Channel   string
	Recipient string // email address, phone number, or target URL
	Subject   string
	Body      string
	HTMLBody  string
	RawBody   []byte            // webhook channel: the signed JSON envelope
	Headers   map[string]string // webhook channel: signature and metadata headers
}

// Sender is the polymorphic backend interface: one implementation per
// channel/vendor. Implementations: SES email, SNS SMS, HTTP webhooks.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Channel() string
	Name() string
	HealthCheck(ctx context.Context) error
}
