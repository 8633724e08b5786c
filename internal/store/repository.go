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

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a state-guarded update matches no row,
// e.g. claiming a job that is no longer queued.
var ErrConflict = errors.New("conflicting state")

// Repository handles database operations for the delivery engine.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	id, batch_id, channel, template_id, subscription_id, event_type,
	recipient, variables, payload, adhoc_subject, adhoc_body,
	priority, status, attempt, eligible_at, last_error,
	created_at, updated_at
`

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	err := row.Scan(
		&job.ID,
		&job.BatchID,
		&job.Channel,
		&job.TemplateID,
		&job.SubscriptionID,
		&job.EventType,
		&job.Recipient,
		&job.Variables,
		&job.Payload,
		&job.AdhocSubject,
		&job.AdhocBody,
		&job.Priority,
		&job.Status,
		&job.Attempt,
		&job.EligibleAt,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob inserts a new job.
func (r *Repository) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, batch_id, channel, template_id, subscription_id, event_type,
			recipient, variables, payload, adhoc_subject, adhoc_body,
			priority, status, attempt, eligible_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		job.ID,
		job.BatchID,
		job.Channel,
		job.TemplateID,
		job.SubscriptionID,
		job.EventType,
		job.Recipient,
		job.Variables,
		job.Payload,
		job.AdhocSubject,
		job.AdhocBody,
		job.Priority,
		job.Status,
		job.Attempt,
		job.EligibleAt,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create job",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID.
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ClaimJob transitions a job from queued to sending. The status guard
// makes the claim exclusive: a job already claimed, cancelled or
// dead-lettered matches no row and returns ErrConflict.
func (r *Repository) ClaimJob(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, JobSending, id, JobQueued)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s not queued: %w", id, ErrConflict)
	}
	return nil
}

// MarkJobDelivered records terminal success.
func (r *Repository) MarkJobDelivered(ctx context.Context, id uuid.UUID, attempt int) error {
	return r.setJobStatus(ctx, id, JobDelivered, attempt, nil)
}

// MarkJobCancelled records cancellation. Only queued or sending jobs
// can be cancelled; terminal states are left untouched.
func (r *Repository) MarkJobCancelled(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`

	result, err := r.db.Pool().Exec(ctx, query, JobCancelled, id, JobQueued, JobSending)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s not cancellable: %w", id, ErrConflict)
	}
	return nil
}

// MarkJobDeadLettered records terminal failure. Dead-lettered jobs are
// never requeued automatically; resurrection creates a fresh job.
func (r *Repository) MarkJobDeadLettered(ctx context.Context, id uuid.UUID, attempt int, lastError string) error {
	return r.setJobStatus(ctx, id, JobDeadLettered, attempt, &lastError)
}

func (r *Repository) setJobStatus(ctx context.Context, id uuid.UUID, status string, attempt int, lastError *string) error {
	query := `
		UPDATE jobs
		SET status = $1, attempt = $2, last_error = $3, updated_at = NOW()
		WHERE id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, status, attempt, lastError, id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueJob puts a job back in queued state with its retry schedule.
func (r *Repository) RequeueJob(ctx context.Context, id uuid.UUID, attempt int, eligibleAt time.Time, lastError string) error {
	query := `
		UPDATE jobs
		SET status = $1, attempt = $2, eligible_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, JobQueued, attempt, eligibleAt, lastError, id)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecoverStaleSending returns orphaned in-flight jobs to queued state.
// This process is the queue's sole owner, so a sending row found at
// startup can only be the residue of a crash mid-attempt: no worker
// holds it and nothing else would ever move it on.
func (r *Repository) RecoverStaleSending(ctx context.Context) (int64, error) {
	query := `
		UPDATE jobs
		SET status = $1, eligible_at = NOW(), last_error = $2, updated_at = NOW()
		WHERE status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, JobQueued, "requeued after restart", JobSending)
	if err != nil {
		return 0, fmt.Errorf("recover stale sending: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListQueuedJobs returns all jobs in queued state, eligible or not.
// Used on startup to rebuild the in-memory delivery queue so backoff
// schedules survive restarts.
func (r *Repository) ListQueuedJobs(ctx context.Context, limit int) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1
		ORDER BY priority DESC, eligible_at ASC, created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, JobQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	Recipient string
	Channel   string
	Status    string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// ListJobs retrieves jobs matching the filter, newest first.
func (r *Repository) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE ($1 = '' OR recipient = $1)
		  AND ($2 = '' OR channel = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at < $5)
		ORDER BY created_at DESC
		LIMIT $6 OFFSET $7
	`

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var from, to *time.Time
	if !f.From.IsZero() {
		from = &f.From
	}
	if !f.To.IsZero() {
		to = &f.To
	}

	rows, err := r.db.Pool().Query(ctx, query, f.Recipient, f.Channel, f.Status, from, to, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListJobsByBatch retrieves all jobs sharing a batch id.
func (r *Repository) ListJobsByBatch(ctx context.Context, batchID uuid.UUID) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ResurrectJob creates a fresh queued job carrying the template,
// bindings and addressing of a dead-lettered one. The original row
// keeps its terminal status; only the new job enters the queue.
func (r *Repository) ResurrectJob(ctx context.Context, deadID uuid.UUID) (*Job, error) {
	orig, err := r.GetJob(ctx, deadID)
	if err != nil {
		return nil, err
	}
	if orig.Status != JobDeadLettered {
		return nil, fmt.Errorf("job %s is %s, not dead_lettered: %w", deadID, orig.Status, ErrConflict)
	}

	fresh := &Job{
		ID:             uuid.New(),
		BatchID:        orig.BatchID,
		Channel:        orig.Channel,
		TemplateID:     orig.TemplateID,
		SubscriptionID: orig.SubscriptionID,
		EventType:      orig.EventType,
		Recipient:      orig.Recipient,
		Variables:      orig.Variables,
		Payload:        orig.Payload,
		AdhocSubject:   orig.AdhocSubject,
		AdhocBody:      orig.AdhocBody,
		Priority:       orig.Priority,
		Status:         JobQueued,
		Attempt:        0,
		EligibleAt:     time.Now(),
	}

	if err := r.CreateJob(ctx, fresh); err != nil {
		return nil, err
	}

	r.logger.Info("dead-lettered job resurrected",
		zap.String("original_id", deadID.String()),
		zap.String("new_job_id", fresh.ID.String()),
	)

	return fresh, nil
}

// DiscardDeadLetter permanently removes a dead-lettered job and its
// attempt history. Only dead-lettered jobs can be discarded.
func (r *Repository) DiscardDeadLetter(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin discard: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if status != JobDeadLettered {
		return fmt.Errorf("job %s is %s, not dead_lettered: %w", id, status, ErrConflict)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM delivery_attempts WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("discard attempts: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("discard job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit discard: %w", err)
	}

	r.logger.Info("dead-lettered job discarded", zap.String("job_id", id.String()))
	return nil
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return jobs, nil
}

// CreateAttempt appends a delivery attempt row in pending state.
func (r *Repository) CreateAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts (
			id, job_id, provider_id, attempt, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		attempt.ID,
		attempt.JobID,
		attempt.ProviderID,
		attempt.Attempt,
		attempt.Status,
		attempt.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// CompleteAttempt sets the terminal status of an attempt. The
// completed_at guard keeps finished attempts immutable.
func (r *Repository) CompleteAttempt(ctx context.Context, id uuid.UUID, status string, errorDetail *string) error {
	query := `
		UPDATE delivery_attempts
		SET status = $1, error_detail = $2, completed_at = NOW()
		WHERE id = $3 AND completed_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, status, errorDetail, id)
	if err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("attempt %s already completed: %w", id, ErrConflict)
	}
	return nil
}

// ListAttemptsByJob returns the attempt history for a job, oldest first.
func (r *Repository) ListAttemptsByJob(ctx context.Context, jobID uuid.UUID) ([]*DeliveryAttempt, error) {
	query := `
		SELECT id, job_id, provider_id, attempt, status, error_detail, started_at, completed_at
		FROM delivery_attempts
		WHERE job_id = $1
		ORDER BY attempt ASC, started_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		err := rows.Scan(
			&a.ID,
			&a.JobID,
			&a.ProviderID,
			&a.Attempt,
			&a.Status,
			&a.ErrorDetail,
			&a.StartedAt,
			&a.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return attempts, nil
}

// InsertBlockedEvent records a preference-filter denial for audit.
func (r *Repository) InsertBlockedEvent(ctx context.Context, ev *BlockedEvent) error {
	query := `
		INSERT INTO blocked_events (id, recipient, channel, event_type, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		ev.ID, ev.Recipient, ev.Channel, ev.EventType, ev.Reason,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert blocked event: %w", err)
	}
	return nil
}

// ListBlockedEvents returns preference-filter denials, newest first,
// optionally filtered by recipient.
func (r *Repository) ListBlockedEvents(ctx context.Context, recipient string, limit, offset int) ([]*BlockedEvent, error) {
	query := `
		SELECT id, recipient, channel, event_type, reason, created_at
		FROM blocked_events
		WHERE ($1 = '' OR recipient = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, recipient, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query blocked events: %w", err)
	}
	defer rows.Close()

	var events []*BlockedEvent
	for rows.Next() {
		var ev BlockedEvent
		if err := rows.Scan(&ev.ID, &ev.Recipient, &ev.Channel, &ev.EventType, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan blocked event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}

// DeliveryStats aggregates completed attempts since windowStart.
func (r *Repository) DeliveryStats(ctx context.Context, windowStart time.Time) (*DeliveryStats, error) {
	stats := &DeliveryStats{WindowStart: windowStart}

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status IN ($2, $3))
		FROM delivery_attempts
		WHERE completed_at >= $4
	`

	err := r.db.Pool().QueryRow(ctx, query,
		AttemptDelivered, AttemptFailed, AttemptDeadLettered, windowStart,
	).Scan(&stats.TotalAttempts, &stats.Delivered, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("query delivery stats: %w", err)
	}
	if stats.TotalAttempts > 0 {
		stats.DeliveryRate = float64(stats.Delivered) / float64(stats.TotalAttempts)
	}

	perProvider := `
		SELECT provider_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $1)
		FROM delivery_attempts
		WHERE completed_at >= $2 AND provider_id IS NOT NULL
		GROUP BY provider_id
	`

	rows, err := r.db.Pool().Query(ctx, perProvider, AttemptDelivered, windowStart)
	if err != nil {
		return nil, fmt.Errorf("query provider stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ps ProviderStats
		if err := rows.Scan(&ps.ProviderID, &ps.Attempts, &ps.Delivered); err != nil {
			return nil, fmt.Errorf("scan provider stats: %w", err)
		}
		if ps.Attempts > 0 {
			ps.Rate = float64(ps.Delivered) / float64(ps.Attempts)
		}
		stats.ByProvider = append(stats.ByProvider, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return stats, nil
}
