// Package engine drives delivery: the service accepts send requests
// and fans events out to webhook subscribers, the worker pool claims
// queued jobs and pushes them through rendering, provider selection
// and retry handling until they reach a terminal state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/provider"
	"github.com/heraldhq/herald/internal/queue"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/internal/template"
	"github.com/heraldhq/herald/internal/webhook"
)

// Store is the repository surface the engine depends on.
type Store interface {
	CreateJob(ctx context.Context, job *store.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID) error
	MarkJobDelivered(ctx context.Context, id uuid.UUID, attempt int) error
	MarkJobCancelled(ctx context.Context, id uuid.UUID) error
	MarkJobDeadLettered(ctx context.Context, id uuid.UUID, attempt int, lastError string) error
	RequeueJob(ctx context.Context, id uuid.UUID, attempt int, eligibleAt time.Time, lastError string) error
	RecoverStaleSending(ctx context.Context) (int64, error)
	ListQueuedJobs(ctx context.Context, limit int) ([]*store.Job, error)
	ResurrectJob(ctx context.Context, deadID uuid.UUID) (*store.Job, error)
	CreateAttempt(ctx context.Context, attempt *store.DeliveryAttempt) error
	CompleteAttempt(ctx context.Context, id uuid.UUID, status string, errorDetail *string) error
	InsertBlockedEvent(ctx context.Context, ev *store.BlockedEvent) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*store.Template, error)
	GetTemplateByName(ctx context.Context, name, channel string) (*store.Template, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*store.Subscription, error)
}

// Suppressor adds hard-bounced recipients to the suppression list.
type Suppressor interface {
	Suppress(ctx context.Context, channel, recipient, reason string) error
}

// WorkerConfig tunes the delivery worker pool.
type WorkerConfig struct {
	Concurrency   int
	SendTimeout   time.Duration
	ThrottleDelay time.Duration
	Policy        RetryPolicy
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:   8,
		SendTimeout:   30 * time.Second,
		ThrottleDelay: time.Second,
		Policy:        DefaultRetryPolicy(),
	}
}

// Worker is the delivery worker pool. Each goroutine pops one job at a
// time, so a job never has more than one attempt in flight.
type Worker struct {
	store       Store
	queue       *queue.Queue
	registry    *provider.Registry
	renderer    *template.Renderer
	signer      *webhook.Signer
	suppression Suppressor
	cfg         WorkerConfig
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewWorker creates a worker pool. suppression may be nil when Redis
// is not configured.
func NewWorker(st Store, q *queue.Queue, reg *provider.Registry, suppression Suppressor, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.ThrottleDelay <= 0 {
		cfg.ThrottleDelay = time.Second
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultRetryPolicy()
	}

	return &Worker{
		store:       st,
		queue:       q,
		registry:    reg,
		renderer:    template.NewRenderer(),
		signer:      webhook.NewSigner(),
		suppression: suppression,
		cfg:         cfg,
		logger:      logger,
	}
}

// Start launches the worker goroutines. They run until the context is
// cancelled or the queue is closed and drained.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.run(ctx, id)
		}(i)
	}
	w.logger.Info("delivery workers started", zap.Int("concurrency", w.cfg.Concurrency))
}

// Wait blocks until every worker goroutine has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, id int) {
	for {
		job, err := w.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && !errors.Is(err, context.Canceled) {
				w.logger.Error("queue pop failed", zap.Int("worker", id), zap.Error(err))
			}
			return
		}
		metrics.SetQueueDepth(w.queue.Len())
		w.process(ctx, job)
	}
}

// process runs one delivery attempt for a claimed job and records the
// outcome. Exactly one of delivered / requeued / dead-lettered /
// cancelled results.
func (w *Worker) process(ctx context.Context, job *store.Job) {
	log := w.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("channel", job.Channel),
		zap.Int("attempt", job.Attempt+1),
	)

	if w.queue.Cancelled(job.ID) {
		if err := w.store.MarkJobCancelled(ctx, job.ID); err != nil && !errors.Is(err, store.ErrConflict) {
			log.Error("failed to record cancellation", zap.Error(err))
		}
		log.Info("job cancelled before send")
		return
	}

	if err := w.store.ClaimJob(ctx, job.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Debug("job no longer queued, skipping")
			return
		}
		log.Error("failed to claim job", zap.Error(err))
		w.requeueSoon(ctx, job, "claim failed: "+err.Error())
		return
	}

	msg, err := w.buildMessage(ctx, job)
	if err != nil {
		// Rendering and subscription lookups fail deterministically;
		// retrying cannot fix a missing variable or a deleted
		// subscription.
		w.deadLetter(ctx, job, nil, err)
		return
	}

	entry, err := w.registry.Select(job.Channel)
	if errors.Is(err, provider.ErrNoProviderAvailable) {
		w.deadLetter(ctx, job, nil, err)
		return
	}
	if errors.Is(err, provider.ErrThrottled) || !entry.Allow() {
		name := entry.Sender.Name()
		metrics.RecordThrottled(job.Channel, name)
		log.Debug("provider throttled, deferring", zap.String("provider", name))
		w.deferJob(ctx, job, w.cfg.ThrottleDelay, "throttled by "+name)
		return
	}

	attemptNum := job.Attempt + 1
	attempt := &store.DeliveryAttempt{
		ID:         uuid.New(),
		JobID:      job.ID,
		ProviderID: &entry.ID,
		Attempt:    attemptNum,
		Status:     store.AttemptPending,
		StartedAt:  time.Now(),
	}
	if err := w.store.CreateAttempt(ctx, attempt); err != nil {
		log.Error("failed to record attempt", zap.Error(err))
		w.requeueSoon(ctx, job, "attempt bookkeeping failed: "+err.Error())
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	start := time.Now()
	sendErr := entry.Sender.Send(sendCtx, msg)
	cancel()
	metrics.RecordSendDuration(job.Channel, entry.Sender.Name(), time.Since(start))

	switch {
	case sendErr == nil:
		entry.Health.RecordSuccess()
		w.queue.Forget(job.ID)
		w.completeAttempt(ctx, attempt.ID, store.AttemptDelivered, nil)
		if err := w.store.MarkJobDelivered(ctx, job.ID, attemptNum); err != nil {
			log.Error("failed to mark delivered", zap.Error(err))
			return
		}
		metrics.RecordAttempt("delivered", job.Channel, entry.Sender.Name())
		metrics.RecordDeliveryLatency(job.Channel, time.Since(job.CreatedAt))
		log.Info("delivered",
			zap.String("provider", entry.Sender.Name()),
			zap.Duration("send_duration", time.Since(start)),
		)

	case provider.IsPermanent(sendErr):
		entry.Health.RecordFailure()
		w.queue.Forget(job.ID)
		detail := sendErr.Error()
		w.completeAttempt(ctx, attempt.ID, store.AttemptDeadLettered, &detail)
		if err := w.store.MarkJobDeadLettered(ctx, job.ID, attemptNum, detail); err != nil {
			log.Error("failed to dead-letter job", zap.Error(err))
		}
		metrics.RecordAttempt("dead_lettered", job.Channel, entry.Sender.Name())
		metrics.RecordDeadLettered(job.Channel)
		w.maybeSuppress(ctx, job, detail)
		log.Warn("permanent send failure, dead-lettered", zap.String("error", detail))

	case w.cfg.Policy.Exhausted(attemptNum):
		entry.Health.RecordFailure()
		w.queue.Forget(job.ID)
		detail := sendErr.Error()
		w.completeAttempt(ctx, attempt.ID, store.AttemptDeadLettered, &detail)
		if err := w.store.MarkJobDeadLettered(ctx, job.ID, attemptNum, detail); err != nil {
			log.Error("failed to dead-letter job", zap.Error(err))
		}
		metrics.RecordAttempt("dead_lettered", job.Channel, entry.Sender.Name())
		metrics.RecordDeadLettered(job.Channel)
		log.Warn("retries exhausted, dead-lettered", zap.String("error", detail))

	default:
		entry.Health.RecordFailure()
		detail := sendErr.Error()
		w.completeAttempt(ctx, attempt.ID, store.AttemptFailed, &detail)
		delay := w.cfg.Policy.NextDelay(attemptNum)
		job.Attempt = attemptNum
		job.EligibleAt = time.Now().Add(delay)
		if err := w.store.RequeueJob(ctx, job.ID, job.Attempt, job.EligibleAt, detail); err != nil {
			log.Error("failed to requeue job", zap.Error(err))
			return
		}
		if err := w.queue.Push(job); err != nil {
			// Still queued in the database; recovered on next start.
			log.Warn("requeued job not buffered", zap.Error(err))
		}
		metrics.RecordAttempt("failed", job.Channel, entry.Sender.Name())
		log.Info("transient failure, retry scheduled",
			zap.String("error", detail),
			zap.Duration("delay", delay),
		)
	}
}

// buildMessage resolves the job into a concrete, addressed payload.
// Webhook jobs are signed fresh on every attempt so the timestamp in
// the envelope stays current.
func (w *Worker) buildMessage(ctx context.Context, job *store.Job) (*provider.Message, error) {
	msg := &provider.Message{
		JobID:     job.ID.String(),
		Channel:   job.Channel,
		Recipient: job.Recipient,
	}

	if job.Channel == store.ChannelWebhook {
		if job.SubscriptionID == nil || job.EventType == nil {
			return nil, fmt.Errorf("webhook job %s has no subscription", job.ID)
		}
		sub, err := w.store.GetSubscription(ctx, *job.SubscriptionID)
		if err != nil {
			return nil, fmt.Errorf("resolve subscription: %w", err)
		}
		if !sub.Active {
			return nil, fmt.Errorf("subscription %s inactive", sub.ID)
		}

		now := time.Now()
		body, err := w.signer.Envelope(*job.EventType, now, job.Payload)
		if err != nil {
			return nil, err
		}
		msg.Recipient = sub.TargetURL
		msg.RawBody = body
		msg.Headers = w.signer.Headers(sub.Secret, *job.EventType, now.Unix(), body)
		return msg, nil
	}

	if job.TemplateID != nil {
		tpl, err := w.store.GetTemplate(ctx, *job.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("resolve template: %w", err)
		}
		rendered, err := w.renderer.Render(tpl, job.Variables)
		if err != nil {
			return nil, err
		}
		msg.Subject = rendered.Subject
		msg.Body = rendered.Body
		msg.HTMLBody = rendered.HTMLBody
		return msg, nil
	}

	if job.AdhocSubject != nil {
		msg.Subject = *job.AdhocSubject
	}
	if job.AdhocBody != nil {
		msg.Body = *job.AdhocBody
	}
	return msg, nil
}

// deadLetter terminates a job that cannot be sent at all: no provider,
// unrenderable template, dead subscription. An attempt row with no
// provider is recorded so the history explains the outcome.
func (w *Worker) deadLetter(ctx context.Context, job *store.Job, providerID *uuid.UUID, cause error) {
	w.queue.Forget(job.ID)
	attemptNum := job.Attempt + 1
	detail := cause.Error()

	attempt := &store.DeliveryAttempt{
		ID:         uuid.New(),
		JobID:      job.ID,
		ProviderID: providerID,
		Attempt:    attemptNum,
		Status:     store.AttemptPending,
		StartedAt:  time.Now(),
	}
	if err := w.store.CreateAttempt(ctx, attempt); err != nil {
		w.logger.Error("failed to record attempt", zap.Error(err))
	} else {
		w.completeAttempt(ctx, attempt.ID, store.AttemptDeadLettered, &detail)
	}

	if err := w.store.MarkJobDeadLettered(ctx, job.ID, attemptNum, detail); err != nil {
		w.logger.Error("failed to dead-letter job",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordAttempt("dead_lettered", job.Channel, "")
	metrics.RecordDeadLettered(job.Channel)
	w.logger.Warn("job dead-lettered without send",
		zap.String("job_id", job.ID.String()),
		zap.String("error", detail),
	)
}

// deferJob puts a job back in the queue after delay without consuming an
// attempt. Used when the provider token bucket is empty.
func (w *Worker) deferJob(ctx context.Context, job *store.Job, delay time.Duration, reason string) {
	job.EligibleAt = time.Now().Add(delay)
	if err := w.store.RequeueJob(ctx, job.ID, job.Attempt, job.EligibleAt, reason); err != nil {
		w.logger.Error("failed to defer job",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return
	}
	if err := w.queue.Push(job); err != nil {
		w.logger.Warn("deferred job not buffered",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
	}
}

// requeueSoon handles infrastructure errors around a job (claim or
// bookkeeping failures) by deferring briefly.
func (w *Worker) requeueSoon(ctx context.Context, job *store.Job, reason string) {
	w.deferJob(ctx, job, w.cfg.ThrottleDelay, reason)
}

func (w *Worker) completeAttempt(ctx context.Context, id uuid.UUID, status string, detail *string) {
	if err := w.store.CompleteAttempt(ctx, id, status, detail); err != nil {
		w.logger.Error("failed to complete attempt",
			zap.String("attempt_id", id.String()),
			zap.Error(err),
		)
	}
}

// maybeSuppress adds the recipient to the suppression list after a
// permanent failure on a recipient-addressed channel. Webhook targets
// are subscription-addressed and handled by subscription health, not
// suppression.
func (w *Worker) maybeSuppress(ctx context.Context, job *store.Job, reason string) {
	if w.suppression == nil {
		return
	}
	if job.Channel != store.ChannelEmail && job.Channel != store.ChannelSMS {
		return
	}
	if err := w.suppression.Suppress(ctx, job.Channel, job.Recipient, reason); err != nil {
		w.logger.Error("failed to suppress recipient",
			zap.String("recipient", job.Recipient),
			zap.Error(err),
		)
	}
}
