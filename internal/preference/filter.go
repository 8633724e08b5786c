// Package preference decides whether delivery to a recipient over a
// channel is permitted: opt-outs, quiet hours, and the global
// suppression list. Denied events never become jobs.
package preference

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/store"
)

// Denial reasons recorded in the blocked-events audit log.
const (
	ReasonOptedOut   = "opted_out"
	ReasonQuietHours = "quiet_hours"
	ReasonSuppressed = "suppressed"
)

// PreferenceStore is the slice of the repository the filter reads.
type PreferenceStore interface {
	GetPreference(ctx context.Context, recipient string) (*store.RecipientPreference, error)
}

// SuppressionList reports hard-bounced recipients.
type SuppressionList interface {
	IsSuppressed(ctx context.Context, channel, recipient string) (bool, error)
}

// Decision is the outcome of a filter check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Config controls which event categories bypass quiet hours.
type Config struct {
	// UrgentCategories are delivered even inside a recipient's quiet
	// hours. Default: urgent, security.
	UrgentCategories []string
}

// Filter applies recipient preferences. It is read-only over
// preference state, which is owned by the surrounding customer system.
type Filter struct {
	prefs       PreferenceStore
	suppression SuppressionList
	urgent      map[string]struct{}
	logger      *zap.Logger
	now         func() time.Time
}

// NewFilter creates a filter. suppression may be nil when Redis is not
// configured; suppression checks are then skipped.
func NewFilter(prefs PreferenceStore, suppression SuppressionList, cfg Config, logger *zap.Logger) *Filter {
	categories := cfg.UrgentCategories
	if len(categories) == 0 {
		categories = []string{"urgent", "security"}
	}
	urgent := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		urgent[c] = struct{}{}
	}

	return &Filter{
		prefs:       prefs,
		suppression: suppression,
		urgent:      urgent,
		logger:      logger,
		now:         time.Now,
	}
}

// Check returns whether a (recipient, channel, category) delivery is
// permitted right now. Order matters: suppression and opt-out are
// absolute, quiet hours only defer non-urgent categories.
func (f *Filter) Check(ctx context.Context, recipient, channel, category string) (Decision, error) {
	if f.suppression != nil {
		suppressed, err := f.suppression.IsSuppressed(ctx, channel, recipient)
		if err != nil {
			return Decision{}, fmt.Errorf("suppression check: %w", err)
		}
		if suppressed {
			return Decision{Allowed: false, Reason: ReasonSuppressed}, nil
		}
	}

	pref, err := f.prefs.GetPreference(ctx, recipient)
	if err != nil {
		return Decision{}, fmt.Errorf("load preference: %w", err)
	}

	if !pref.OptedIn(channel) {
		return Decision{Allowed: false, Reason: ReasonOptedOut}, nil
	}

	if _, isUrgent := f.urgent[category]; !isUrgent {
		quiet, err := f.inQuietHours(pref)
		if err != nil {
			f.logger.Warn("quiet hours check failed, allowing delivery",
				zap.String("recipient", recipient),
				zap.Error(err),
			)
		} else if quiet {
			return Decision{Allowed: false, Reason: ReasonQuietHours}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// inQuietHours evaluates the recipient's quiet window in their own
// timezone. Windows may cross midnight (22:00-07:00).
func (f *Filter) inQuietHours(pref *store.RecipientPreference) (bool, error) {
	if pref.QuietStart == nil || pref.QuietEnd == nil {
		return false, nil
	}

	loc, err := time.LoadLocation(pref.Timezone)
	if err != nil {
		return false, fmt.Errorf("load timezone %q: %w", pref.Timezone, err)
	}

	start, err := parseClock(*pref.QuietStart)
	if err != nil {
		return false, err
	}
	end, err := parseClock(*pref.QuietEnd)
	if err != nil {
		return false, err
	}

	local := f.now().In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start == end {
		return false, nil
	}
	if start < end {
		return minute >= start && minute < end, nil
	}
	// Window crosses midnight.
	return minute >= start || minute < end, nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}
