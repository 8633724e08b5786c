package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/preference"
	"github.com/heraldhq/herald/internal/provider"
	"github.com/heraldhq/herald/internal/queue"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/internal/template"
	"github.com/heraldhq/herald/internal/webhook"
)

// ErrInvalidRequest marks a request the caller must fix: unknown
// channel, missing recipient, unresolvable template.
var ErrInvalidRequest = errors.New("invalid request")

// SendRequest is one requested delivery. Template-driven requests set
// Template and Variables; ad-hoc requests set Subject and Body.
type SendRequest struct {
	Channel   string            `json:"channel"`
	Recipient string            `json:"recipient"`
	Template  string            `json:"template,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body,omitempty"`
	Category  string            `json:"category,omitempty"`
	Priority  int               `json:"priority"`
}

// SendResult reports what became of one send request: either a queued
// job, or a preference-filter denial with its reason.
type SendResult struct {
	Job     *store.Job `json:"job,omitempty"`
	Blocked bool       `json:"blocked"`
	Reason  string     `json:"reason,omitempty"`
}

// BatchResult reports a batch enqueue: the shared batch id and one
// result per request, in request order.
type BatchResult struct {
	BatchID uuid.UUID    `json:"batch_id"`
	Results []SendResult `json:"results"`
}

// TestResult is the outcome of a test send: the rendered content and
// the provider that carried it.
type TestResult struct {
	Provider string             `json:"provider"`
	Rendered *template.Rendered `json:"rendered"`
}

// Service accepts delivery work: direct sends, batches, event fan-out,
// cancellation and dead-letter resurrection. Jobs it creates are
// persisted first and then buffered in the delivery queue.
type Service struct {
	store    Store
	queue    *queue.Queue
	registry *provider.Registry
	filter   *preference.Filter
	matcher  *webhook.Matcher
	renderer *template.Renderer
	logger   *zap.Logger
}

// NewService creates a delivery service.
func NewService(st Store, q *queue.Queue, reg *provider.Registry, filter *preference.Filter, matcher *webhook.Matcher, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		queue:    q,
		registry: reg,
		filter:   filter,
		matcher:  matcher,
		renderer: template.NewRenderer(),
		logger:   logger,
	}
}

// TriggerSend validates, filters and enqueues one delivery. A request
// denied by the preference filter is recorded in the blocked-events
// audit log and returns Blocked without creating a job.
func (s *Service) TriggerSend(ctx context.Context, req *SendRequest) (*SendResult, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, p, nil)
}

// EnqueueBatch enqueues every request under a shared batch id. Every
// item is validated before any is persisted, so an invalid item fails
// the whole batch without leaving partial work behind. Preference
// filtering stays per-item: one blocked recipient does not fail the
// batch.
func (s *Service) EnqueueBatch(ctx context.Context, reqs []*SendRequest) (*BatchResult, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidRequest)
	}

	preps := make([]*prepared, 0, len(reqs))
	for i, req := range reqs {
		p, err := s.prepare(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		preps = append(preps, p)
	}

	batchID := uuid.New()
	out := &BatchResult{BatchID: batchID}
	for i, p := range preps {
		res, err := s.commit(ctx, p, &batchID)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out.Results = append(out.Results, *res)
	}

	s.logger.Info("batch enqueued",
		zap.String("batch_id", batchID.String()),
		zap.Int("size", len(reqs)),
	)
	return out, nil
}

// prepared is a validated request with its template resolved, ready to
// persist.
type prepared struct {
	job      *store.Job
	category string
}

func (s *Service) prepare(ctx context.Context, req *SendRequest) (*prepared, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	job := &store.Job{
		ID:         uuid.New(),
		Channel:    req.Channel,
		Recipient:  req.Recipient,
		Priority:   req.Priority,
		Status:     store.JobQueued,
		EligibleAt: time.Now(),
	}

	category := req.Category
	if req.Template != "" {
		tpl, err := s.store.GetTemplateByName(ctx, req.Template, req.Channel)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			return nil, err
		}
		// Missing required variables fail here, at submit time, rather
		// than surfacing later as a dead-lettered job.
		if _, err := s.renderer.Render(tpl, req.Variables); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		job.TemplateID = &tpl.ID
		job.Variables = req.Variables
		if category == "" {
			category = tpl.Category
		}
	} else {
		subject := req.Subject
		body := req.Body
		if subject != "" {
			job.AdhocSubject = &subject
		}
		job.AdhocBody = &body
	}

	return &prepared{job: job, category: category}, nil
}

func (s *Service) commit(ctx context.Context, p *prepared, batchID *uuid.UUID) (*SendResult, error) {
	job := p.job
	job.BatchID = batchID

	decision, err := s.filter.Check(ctx, job.Recipient, job.Channel, p.category)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		metrics.RecordPreferenceBlock(decision.Reason, job.Channel)
		ev := &store.BlockedEvent{
			ID:        uuid.New(),
			Recipient: job.Recipient,
			Channel:   job.Channel,
			EventType: p.category,
			Reason:    decision.Reason,
		}
		if err := s.store.InsertBlockedEvent(ctx, ev); err != nil {
			s.logger.Error("failed to record blocked event", zap.Error(err))
		}
		s.logger.Info("delivery blocked by preferences",
			zap.String("recipient", job.Recipient),
			zap.String("channel", job.Channel),
			zap.String("reason", decision.Reason),
		)
		return &SendResult{Blocked: true, Reason: decision.Reason}, nil
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.push(job)
	metrics.RecordJobEnqueued(job.Channel)

	return &SendResult{Job: job}, nil
}

func (s *Service) validate(req *SendRequest) error {
	switch req.Channel {
	case store.ChannelEmail, store.ChannelSMS:
	case store.ChannelWebhook:
		return fmt.Errorf("%w: webhook deliveries are driven by events, not direct sends", ErrInvalidRequest)
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRequest, req.Channel)
	}
	if req.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	}
	if req.Template == "" && req.Body == "" {
		return fmt.Errorf("%w: template or body is required", ErrInvalidRequest)
	}
	if req.Template != "" && req.Body != "" {
		return fmt.Errorf("%w: template and body are mutually exclusive", ErrInvalidRequest)
	}
	return nil
}

// IngestEvent fans an event out to every active subscription matching
// its type, one independent job per subscriber. Returns the created
// jobs; an event with no subscribers returns an empty slice.
func (s *Service) IngestEvent(ctx context.Context, eventType string, payload json.RawMessage, priority int) ([]*store.Job, error) {
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidRequest)
	}

	subs, err := s.matcher.Match(ctx, eventType)
	if err != nil {
		return nil, err
	}

	jobs := make([]*store.Job, 0, len(subs))
	for _, sub := range subs {
		et := eventType
		subID := sub.ID
		job := &store.Job{
			ID:             uuid.New(),
			Channel:        store.ChannelWebhook,
			SubscriptionID: &subID,
			EventType:      &et,
			Recipient:      sub.TargetURL,
			Payload:        payload,
			Priority:       priority,
			Status:         store.JobQueued,
			EligibleAt:     time.Now(),
		}
		if err := s.store.CreateJob(ctx, job); err != nil {
			return jobs, err
		}
		s.push(job)
		metrics.RecordJobEnqueued(store.ChannelWebhook)
		jobs = append(jobs, job)
	}

	s.logger.Info("event ingested",
		zap.String("event_type", eventType),
		zap.Int("fan_out", len(jobs)),
	)
	return jobs, nil
}

// TestSend renders and sends immediately, bypassing the queue,
// preference filter and delivery tracking. Intended for verifying
// templates and provider connectivity.
func (s *Service) TestSend(ctx context.Context, req *SendRequest) (*TestResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	rendered := &template.Rendered{Subject: req.Subject, Body: req.Body}
	if req.Template != "" {
		tpl, err := s.store.GetTemplateByName(ctx, req.Template, req.Channel)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			return nil, err
		}
		rendered, err = s.renderer.Render(tpl, req.Variables)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	entry, err := s.registry.Select(req.Channel)
	if err != nil && !errors.Is(err, provider.ErrThrottled) {
		return nil, err
	}

	msg := &provider.Message{
		Channel:   req.Channel,
		Recipient: req.Recipient,
		Subject:   rendered.Subject,
		Body:      rendered.Body,
		HTMLBody:  rendered.HTMLBody,
	}
	if err := entry.Sender.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("test send via %s: %w", entry.Sender.Name(), err)
	}

	s.logger.Info("test send delivered",
		zap.String("channel", req.Channel),
		zap.String("provider", entry.Sender.Name()),
	)
	return &TestResult{Provider: entry.Sender.Name(), Rendered: rendered}, nil
}

// CancelJob stops a job that has not finished. Buffered jobs leave the
// queue immediately; a job already claimed is skipped right before its
// send starts. Terminal jobs return ErrConflict.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) error {
	s.queue.Cancel(id)
	if err := s.store.MarkJobCancelled(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job cancelled", zap.String("job_id", id.String()))
	return nil
}

// ResurrectJob re-enters a dead-lettered job as a fresh job with a
// clean attempt count. The dead-lettered original is left untouched.
func (s *Service) ResurrectJob(ctx context.Context, deadID uuid.UUID) (*store.Job, error) {
	job, err := s.store.ResurrectJob(ctx, deadID)
	if err != nil {
		return nil, err
	}
	s.push(job)
	metrics.RecordJobEnqueued(job.Channel)
	return job, nil
}

// Recover rebuilds the in-memory queue from jobs that were queued when
// the previous process stopped, preserving their backoff schedules.
// Jobs stranded in sending state by a crash mid-attempt are returned
// to queued first; their attempt count is untouched, so the interrupted
// attempt does not burn retry budget.
func (s *Service) Recover(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 10000
	}
	stale, err := s.store.RecoverStaleSending(ctx)
	if err != nil {
		return 0, err
	}
	if stale > 0 {
		s.logger.Warn("stale in-flight jobs requeued", zap.Int64("count", stale))
	}
	jobs, err := s.store.ListQueuedJobs(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if err := s.queue.Push(job); err != nil {
			return 0, fmt.Errorf("recover job %s: %w", job.ID, err)
		}
	}
	if len(jobs) > 0 {
		s.logger.Info("queued jobs recovered", zap.Int("count", len(jobs)))
	}
	metrics.SetQueueDepth(s.queue.Len())
	return len(jobs), nil
}

// push buffers a persisted job. A full or closed queue is not fatal:
// the job stays queued in the database and is recovered on restart.
func (s *Service) push(job *store.Job) {
	if err := s.queue.Push(job); err != nil {
		s.logger.Warn("job persisted but not buffered",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.SetQueueDepth(s.queue.Len())
}
