package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateTemplate inserts a new template.
func (r *Repository) CreateTemplate(ctx context.Context, tpl *Template) error {
	query := `
		INSERT INTO templates (
			id, name, channel, category, subject, body, html_body,
			required_vars, optional_vars, language, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		tpl.ID,
		tpl.Name,
		tpl.Channel,
		tpl.Category,
		tpl.Subject,
		tpl.Body,
		tpl.HTMLBody,
		tpl.RequiredVars,
		tpl.OptionalVars,
		tpl.Language,
		tpl.Active,
	).Scan(&tpl.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}

	r.logger.Info("template created",
		zap.String("template_id", tpl.ID.String()),
		zap.String("name", tpl.Name),
		zap.String("channel", tpl.Channel),
	)
	return nil
}

const templateColumns = `
	id, name, channel, category, subject, body, html_body,
	required_vars, optional_vars, language, active, created_at
`

func scanTemplate(row pgx.Row) (*Template, error) {
	var tpl Template
	err := row.Scan(
		&tpl.ID,
		&tpl.Name,
		&tpl.Channel,
		&tpl.Category,
		&tpl.Subject,
		&tpl.Body,
		&tpl.HTMLBody,
		&tpl.RequiredVars,
		&tpl.OptionalVars,
		&tpl.Language,
		&tpl.Active,
		&tpl.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

// GetTemplate retrieves a template by ID.
func (r *Repository) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE id = $1`

	tpl, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return tpl, nil
}

// GetTemplateByName retrieves the active template with the given name
// and channel.
func (r *Repository) GetTemplateByName(ctx context.Context, name, channel string) (*Template, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM templates
		WHERE name = $1 AND channel = $2 AND active
		ORDER BY created_at DESC
		LIMIT 1
	`

	tpl, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, name, channel))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %q (%s): %w", name, channel, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return tpl, nil
}

// UpsertProvider persists a configured provider, keyed by name. Returns
// the stable row id so attempts can reference it.
func (r *Repository) UpsertProvider(ctx context.Context, p *Provider) error {
	query := `
		INSERT INTO providers (id, name, channel, priority, config, rate_per_sec, rate_burst, health)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE
		SET channel = EXCLUDED.channel,
		    priority = EXCLUDED.priority,
		    config = EXCLUDED.config,
		    rate_per_sec = EXCLUDED.rate_per_sec,
		    rate_burst = EXCLUDED.rate_burst,
		    updated_at = NOW()
		RETURNING id, health, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		p.ID, p.Name, p.Channel, p.Priority, p.Config, p.RatePerSec, p.RateBurst, p.Health,
	).Scan(&p.ID, &p.Health, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

// UpdateProviderHealth records a health state transition.
func (r *Repository) UpdateProviderHealth(ctx context.Context, id uuid.UUID, health string) error {
	query := `UPDATE providers SET health = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Pool().Exec(ctx, query, health, id)
	if err != nil {
		return fmt.Errorf("update provider health: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListProviders returns all configured providers.
func (r *Repository) ListProviders(ctx context.Context) ([]*Provider, error) {
	query := `
		SELECT id, name, channel, priority, config, rate_per_sec, rate_burst, health, updated_at, created_at
		FROM providers
		ORDER BY channel, priority DESC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		var p Provider
		err := rows.Scan(
			&p.ID, &p.Name, &p.Channel, &p.Priority, &p.Config,
			&p.RatePerSec, &p.RateBurst, &p.Health, &p.UpdatedAt, &p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return providers, nil
}

// CreateSubscription registers a webhook subscription.
func (r *Repository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (id, target_url, secret, event_types, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		sub.ID, sub.TargetURL, sub.Secret, sub.EventTypes, sub.Active,
	).Scan(&sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	r.logger.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("target_url", sub.TargetURL),
		zap.Strings("event_types", sub.EventTypes),
	)
	return nil
}

// GetSubscription retrieves a subscription by ID.
func (r *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	query := `
		SELECT id, target_url, secret, event_types, active, created_at
		FROM subscriptions
		WHERE id = $1
	`

	var sub Subscription
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&sub.ID, &sub.TargetURL, &sub.Secret, &sub.EventTypes, &sub.Active, &sub.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return &sub, nil
}

// UpdateSubscription replaces the mutable fields of a subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		UPDATE subscriptions
		SET target_url = $1, secret = $2, event_types = $3, active = $4
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query,
		sub.TargetURL, sub.Secret, sub.EventTypes, sub.Active, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrNotFound)
	}
	return nil
}

// DeleteSubscription deactivates a subscription. The row is kept
// because past jobs reference it; matching skips inactive rows.
func (r *Repository) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `UPDATE subscriptions SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListActiveSubscriptions returns active subscriptions subscribed to
// the given event type.
func (r *Repository) ListActiveSubscriptions(ctx context.Context, eventType string) ([]*Subscription, error) {
	query := `
		SELECT id, target_url, secret, event_types, active, created_at
		FROM subscriptions
		WHERE active AND $1 = ANY(event_types)
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, eventType)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var sub Subscription
		err := rows.Scan(&sub.ID, &sub.TargetURL, &sub.Secret, &sub.EventTypes, &sub.Active, &sub.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return subs, nil
}

// GetPreference retrieves delivery preferences for a recipient.
// Unknown recipients get a fully opted-in default.
func (r *Repository) GetPreference(ctx context.Context, recipient string) (*RecipientPreference, error) {
	query := `
		SELECT recipient, email_opt_in, sms_opt_in, quiet_start, quiet_end, timezone, language, updated_at
		FROM recipient_preferences
		WHERE recipient = $1
	`

	var pref RecipientPreference
	err := r.db.Pool().QueryRow(ctx, query, recipient).Scan(
		&pref.Recipient,
		&pref.EmailOptIn,
		&pref.SMSOptIn,
		&pref.QuietStart,
		&pref.QuietEnd,
		&pref.Timezone,
		&pref.Language,
		&pref.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &RecipientPreference{
			Recipient:  recipient,
			EmailOptIn: true,
			SMSOptIn:   true,
			Timezone:   "UTC",
			UpdatedAt:  time.Now(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}
	return &pref, nil
}
