// Package tracker exposes the delivery history: per-job status with
// its attempt trail, batch progress, dead-letter queries and
// aggregated delivery rates.
package tracker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/store"
)

// Store is the repository surface the tracker reads.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]*store.Job, error)
	ListJobsByBatch(ctx context.Context, batchID uuid.UUID) ([]*store.Job, error)
	ListAttemptsByJob(ctx context.Context, jobID uuid.UUID) ([]*store.DeliveryAttempt, error)
	ListBlockedEvents(ctx context.Context, recipient string, limit, offset int) ([]*store.BlockedEvent, error)
	DeliveryStats(ctx context.Context, windowStart time.Time) (*store.DeliveryStats, error)
	DiscardDeadLetter(ctx context.Context, id uuid.UUID) error
}

// JobStatus is one job with its full attempt history.
type JobStatus struct {
	Job      *store.Job               `json:"job"`
	Attempts []*store.DeliveryAttempt `json:"attempts"`
}

// BatchStatus summarizes a batch: its jobs plus a count per status.
type BatchStatus struct {
	BatchID uuid.UUID      `json:"batch_id"`
	Jobs    []*store.Job   `json:"jobs"`
	Counts  map[string]int `json:"counts"`
}

// Tracker answers delivery-history queries.
type Tracker struct {
	store  Store
	logger *zap.Logger
}

// New creates a tracker.
func New(st Store, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:  st,
		logger: logger,
	}
}

// JobStatus returns a job and every attempt made for it, oldest first.
func (t *Tracker) JobStatus(ctx context.Context, id uuid.UUID) (*JobStatus, error) {
	job, err := t.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := t.store.ListAttemptsByJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: job, Attempts: attempts}, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (t *Tracker) ListJobs(ctx context.Context, f store.JobFilter) ([]*store.Job, error) {
	return t.store.ListJobs(ctx, f)
}

// BatchStatus returns every job in a batch with per-status counts.
func (t *Tracker) BatchStatus(ctx context.Context, batchID uuid.UUID) (*BatchStatus, error) {
	jobs, err := t.store.ListJobsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, job := range jobs {
		counts[job.Status]++
	}
	return &BatchStatus{BatchID: batchID, Jobs: jobs, Counts: counts}, nil
}

// ListDeadLettered returns dead-lettered jobs, newest first.
func (t *Tracker) ListDeadLettered(ctx context.Context, limit, offset int) ([]*store.Job, error) {
	return t.store.ListJobs(ctx, store.JobFilter{
		Status: store.JobDeadLettered,
		Limit:  limit,
		Offset: offset,
	})
}

// Discard permanently removes a dead-lettered job and its attempt
// history.
func (t *Tracker) Discard(ctx context.Context, id uuid.UUID) error {
	if err := t.store.DiscardDeadLetter(ctx, id); err != nil {
		return err
	}
	t.logger.Info("dead-lettered job discarded", zap.String("job_id", id.String()))
	return nil
}

// ListBlockedEvents returns preference-filter denials for audit,
// newest first. An empty recipient returns all of them.
func (t *Tracker) ListBlockedEvents(ctx context.Context, recipient string, limit, offset int) ([]*store.BlockedEvent, error) {
	return t.store.ListBlockedEvents(ctx, recipient, limit, offset)
}

// Stats aggregates delivery attempts over the trailing window.
func (t *Tracker) Stats(ctx context.Context, window time.Duration) (*store.DeliveryStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return t.store.DeliveryStats(ctx, time.Now().Add(-window))
}
