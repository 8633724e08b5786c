package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel constants
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// ValidChannel reports whether s names a supported delivery channel.
func ValidChannel(s string) bool {
	return s == ChannelEmail || s == ChannelSMS || s == ChannelWebhook
}

// Job status constants
const (
	JobQueued       = "queued"
	JobSending      = "sending"
	JobDelivered    = "delivered"
	JobDeadLettered = "dead_lettered"
	JobCancelled    = "cancelled"
)

// Attempt status constants
const (
	AttemptPending      = "pending"
	AttemptDelivered    = "delivered"
	AttemptFailed       = "failed"
	AttemptDeadLettered = "dead_lettered"
)

// Provider health constants
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthDisabled = "disabled"
)

// Template is a named, channel-specific message template. Templates are
// never mutated in place once referenced by a job; edits create new rows.
type Template struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Channel      string    `json:"channel"`
	Category     string    `json:"category"`
	Subject      *string   `json:"subject,omitempty"`
	Body         string    `json:"body"`
	HTMLBody     *string   `json:"html_body,omitempty"`
	RequiredVars []string  `json:"required_vars"`
	OptionalVars []string  `json:"optional_vars"`
	Language     string    `json:"language"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Provider is a configured sending backend for one channel. Health is
// mutated by the registry's failure tracking and the periodic prober.
type Provider struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	Channel    string          `json:"channel"`
	Priority   int             `json:"priority"`
	Config     json.RawMessage `json:"config"`
	RatePerSec float64         `json:"rate_per_sec"`
	RateBurst  int             `json:"rate_burst"`
	Health     string          `json:"health"`
	UpdatedAt  time.Time       `json:"updated_at"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Subscription is a webhook registration: which event types a target
// URL wants to receive, and the shared secret used to sign payloads.
type Subscription struct {
	ID         uuid.UUID `json:"id"`
	TargetURL  string    `json:"target_url"`
	Secret     string    `json:"-"`
	EventTypes []string  `json:"event_types"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Matches reports whether the subscription is active and subscribed to
// the given event type.
func (s *Subscription) Matches(eventType string) bool {
	if !s.Active {
		return false
	}
	for _, et := range s.EventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// Job is one pending unit of delivery work. For template-driven jobs
// TemplateID is set and Variables carries the bindings; for webhook
// fan-out jobs SubscriptionID, EventType and Payload are set instead.
// Retry state (Attempt, EligibleAt) lives on the row so backoff
// schedules survive process restarts.
type Job struct {
	ID             uuid.UUID         `json:"id"`
	BatchID        *uuid.UUID        `json:"batch_id,omitempty"`
	Channel        string            `json:"channel"`
	TemplateID     *uuid.UUID        `json:"template_id,omitempty"`
	SubscriptionID *uuid.UUID        `json:"subscription_id,omitempty"`
	EventType      *string           `json:"event_type,omitempty"`
	Recipient      string            `json:"recipient"`
	Variables      map[string]string `json:"variables,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	AdhocSubject   *string           `json:"adhoc_subject,omitempty"`
	AdhocBody      *string           `json:"adhoc_body,omitempty"`
	Priority       int               `json:"priority"`
	Status         string            `json:"status"`
	Attempt        int               `json:"attempt"`
	EligibleAt     time.Time         `json:"eligible_at"`
	LastError      *string           `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// DeliveryAttempt is one append-only row per send attempt. Immutable
// once CompletedAt is set.
type DeliveryAttempt struct {
	ID          uuid.UUID  `json:"id"`
	JobID       uuid.UUID  `json:"job_id"`
	ProviderID  *uuid.UUID `json:"provider_id,omitempty"`
	Attempt     int        `json:"attempt"`
	Status      string     `json:"status"`
	ErrorDetail *string    `json:"error_detail,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RecipientPreference is owned by the surrounding customer system and
// read-only to the engine.
type RecipientPreference struct {
	Recipient  string    `json:"recipient"`
	EmailOptIn bool      `json:"email_opt_in"`
	SMSOptIn   bool      `json:"sms_opt_in"`
	QuietStart *string   `json:"quiet_start,omitempty"` // "22:00"
	QuietEnd   *string   `json:"quiet_end,omitempty"`   // "07:00"
	Timezone   string    `json:"timezone"`
	Language   string    `json:"language"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OptedIn reports the opt-in flag for a recipient-addressed channel.
// Webhook jobs are subscription-addressed and never consult preferences.
func (p *RecipientPreference) OptedIn(channel string) bool {
	switch channel {
	case ChannelEmail:
		return p.EmailOptIn
	case ChannelSMS:
		return p.SMSOptIn
	default:
		return true
	}
}

// BlockedEvent is the audit record written when the preference filter
// denies delivery. Blocked events never become jobs.
type BlockedEvent struct {
	ID        uuid.UUID `json:"id"`
	Recipient string    `json:"recipient"`
	Channel   string    `json:"channel"`
	EventType string    `json:"event_type"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryStats is an aggregate over a time window.
type DeliveryStats struct {
	WindowStart   time.Time       `json:"window_start"`
	TotalAttempts int64           `json:"total_attempts"`
	Delivered     int64           `json:"delivered"`
	Failed        int64           `json:"failed"`
	DeliveryRate  float64         `json:"delivery_rate"`
	ByProvider    []ProviderStats `json:"by_provider"`
}

// ProviderStats is the per-provider slice of DeliveryStats.
type ProviderStats struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Attempts   int64     `json:"attempts"`
	Delivered  int64     `json:"delivered"`
	Rate       float64   `json:"rate"`
}
