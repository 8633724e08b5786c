package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Entry is a registered provider: the sender plus its selection
// metadata. The token bucket is the only state mutated concurrently by
// multiple workers; rate.Limiter updates it atomically.
type Entry struct {
	ID       uuid.UUID
	Sender   Sender
	Priority int
	Limiter  *rate.Limiter
	Health   *HealthTracker
}

// Allow consumes one rate-limit token if available. Callers must check
// job cancellation first so cancelled jobs never consume a token.
func (e *Entry) Allow() bool {
	return e.Limiter.Allow()
}

// Registry holds the configured providers and implements the selection
// policy: among non-disabled providers for a channel, prefer healthy
// over degraded, then highest priority with token-bucket capacity. If
// none has capacity the best candidate is still returned so the caller
// can back off and retry; only an all-disabled channel is fatal.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]*Entry // channel -> entries, sorted by priority desc
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string][]*Entry),
		logger:  logger,
	}
}

// Register adds a provider for its channel.
func (r *Registry) Register(entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := entry.Sender.Channel()
	r.entries[ch] = append(r.entries[ch], entry)
	sort.SliceStable(r.entries[ch], func(i, j int) bool {
		return r.entries[ch][i].Priority > r.entries[ch][j].Priority
	})

	r.logger.Info("provider registered",
		zap.String("provider", entry.Sender.Name()),
		zap.String("channel", ch),
		zap.Int("priority", entry.Priority),
		zap.Float64("rate_limit", float64(entry.Limiter.Limit())),
	)
}

// Select picks a provider for the channel. Returns
// ErrNoProviderAvailable when every provider is disabled (or none is
// configured), and ErrThrottled when a provider exists but no token
// bucket currently has capacity; in the throttled case the entry is
// still returned for observability.
func (r *Registry) Select(channel string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.entries[channel]
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoProviderAvailable, channel)
	}

	var fallback *Entry
	for _, want := range []HealthState{StateHealthy, StateDegraded} {
		for _, e := range entries {
			if e.Health.State() != want {
				continue
			}
			if fallback == nil {
				fallback = e
			}
			if e.Limiter.Tokens() >= 1 {
				return e, nil
			}
		}
	}

	if fallback == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoProviderAvailable, channel)
	}
	return fallback, fmt.Errorf("%w: %s", ErrThrottled, fallback.Sender.Name())
}

// Entries returns all registered entries across channels.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*Entry
	for _, entries := range r.entries {
		all = append(all, entries...)
	}
	return all
}

// Lookup finds an entry by provider name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entries := range r.entries {
		for _, e := range entries {
			if e.Sender.Name() == name {
				return e, true
			}
		}
	}
	return nil, false
}

// Stats returns health snapshots for every registered provider.
func (r *Registry) Stats() []HealthStats {
	entries := r.Entries()
	stats := make([]HealthStats, 0, len(entries))
	for _, e := range entries {
		stats = append(stats, e.Health.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
