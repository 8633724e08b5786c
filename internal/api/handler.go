package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/engine"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/provider"
	"github.com/heraldhq/herald/internal/redis"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/internal/tracker"
)

// DeliveryService accepts delivery work.
type DeliveryService interface {
	TriggerSend(ctx context.Context, req *engine.SendRequest) (*engine.SendResult, error)
	EnqueueBatch(ctx context.Context, reqs []*engine.SendRequest) (*engine.BatchResult, error)
	TestSend(ctx context.Context, req *engine.SendRequest) (*engine.TestResult, error)
	IngestEvent(ctx context.Context, eventType string, payload json.RawMessage, priority int) ([]*store.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID) error
	ResurrectJob(ctx context.Context, deadID uuid.UUID) (*store.Job, error)
}

// DeliveryTracker answers delivery-history queries.
type DeliveryTracker interface {
	JobStatus(ctx context.Context, id uuid.UUID) (*tracker.JobStatus, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]*store.Job, error)
	BatchStatus(ctx context.Context, batchID uuid.UUID) (*tracker.BatchStatus, error)
	ListDeadLettered(ctx context.Context, limit, offset int) ([]*store.Job, error)
	ListBlockedEvents(ctx context.Context, recipient string, limit, offset int) ([]*store.BlockedEvent, error)
	Discard(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context, window time.Duration) (*store.DeliveryStats, error)
}

// Catalog manages templates and webhook subscriptions.
type Catalog interface {
	CreateTemplate(ctx context.Context, tpl *store.Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*store.Template, error)
	CreateSubscription(ctx context.Context, sub *store.Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*store.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *store.Subscription) error
	DeleteSubscription(ctx context.Context, id uuid.UUID) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	service     DeliveryService
	tracker     DeliveryTracker
	catalog     Catalog
	registry    *provider.Registry
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, service DeliveryService, trk DeliveryTracker, catalog Catalog, registry *provider.Registry) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		tracker:  trk,
		catalog:  catalog,
		registry: registry,
	}
}

// NewHandlerWithIdempotency creates a handler with idempotency support
func NewHandlerWithIdempotency(logger *zap.Logger, service DeliveryService, trk DeliveryTracker, catalog Catalog, registry *provider.Registry, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, service, trk, catalog, registry)
	h.idempotency = idempotency
	return h
}

func tenantFrom(r *http.Request) string {
	if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
		return tenant
	}
	return "default"
}

// CreateMessage handles POST /v1/messages
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")
	tenant := tenantFrom(r)

	var req engine.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, tenant, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	res, err := h.service.TriggerSend(ctx, &req)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid send request", err.Error())
			return
		}
		h.logger.Error("failed to create message", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create message", "")
		return
	}

	status := http.StatusAccepted
	if res.Blocked {
		status = http.StatusOK
	}

	body, err := json.Marshal(res)
	if err != nil {
		h.logger.Error("failed to encode send result", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create message", "")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{StatusCode: status, Body: body}
		if res.Job != nil {
			result.JobIDs = []string{res.Job.ID.String()}
		}
		if err := h.idempotency.Store(ctx, tenant, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// CreateBatch handles POST /v1/messages/batch
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqs []*engine.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	res, err := h.service.EnqueueBatch(ctx, reqs)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid batch", err.Error())
			return
		}
		h.logger.Error("failed to enqueue batch", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to enqueue batch", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(res)
}

// TestMessage handles POST /v1/messages/test
// Renders and sends immediately without queueing or tracking.
func (h *Handler) TestMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req engine.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	res, err := h.service.TestSend(ctx, &req)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid test send", err.Error())
			return
		}
		h.logger.Error("test send failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "send_failed", "Test send failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(res)
}

// EventRequest is the body of POST /v1/events
type EventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
}

// IngestEvent handles POST /v1/events
// Fans the event out to every matching webhook subscription.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	jobs, err := h.service.IngestEvent(ctx, req.EventType, req.Payload, req.Priority)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event", err.Error())
			return
		}
		h.logger.Error("failed to ingest event", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to ingest event", "")
		return
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID.String())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"event_type": req.EventType,
		"fan_out":    len(jobs),
		"job_ids":    ids,
	})
}

// GetJob handles GET /v1/jobs/{id}
// Returns the job with its full attempt history.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, ok := h.parseID(w, r, "Invalid job ID")
	if !ok {
		return
	}

	status, err := h.tracker.JobStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
			return
		}
		h.logger.Error("failed to get job", zap.Error(err), zap.String("job_id", jobID.String()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get job", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}

// ListJobs handles GET /v1/jobs?recipient=&channel=&status=&from=&to=&limit=20&offset=0
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := parsePagination(r)
	filter := store.JobFilter{
		Recipient: r.URL.Query().Get("recipient"),
		Channel:   r.URL.Query().Get("channel"),
		Status:    r.URL.Query().Get("status"),
		Limit:     limit,
		Offset:    offset,
	}
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from timestamp", "from must be RFC 3339")
			return
		}
		filter.From = t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to timestamp", "to must be RFC 3339")
			return
		}
		filter.To = t
	}

	jobs, err := h.tracker.ListJobs(ctx, filter)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list jobs", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   jobs,
		"limit":  limit,
		"offset": offset,
		"count":  len(jobs),
	})
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, ok := h.parseID(w, r, "Invalid job ID")
	if !ok {
		return
	}

	if err := h.service.CancelJob(ctx, jobID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		case errors.Is(err, store.ErrConflict):
			h.writeError(w, http.StatusConflict, "conflict", "Job already finished", err.Error())
		default:
			h.logger.Error("failed to cancel job", zap.Error(err), zap.String("job_id", jobID.String()))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to cancel job", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     jobID.String(),
		"status": store.JobCancelled,
	})
}

// GetBatch handles GET /v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	batchID, ok := h.parseID(w, r, "Invalid batch ID")
	if !ok {
		return
	}

	status, err := h.tracker.BatchStatus(ctx, batchID)
	if err != nil {
		h.logger.Error("failed to get batch", zap.Error(err), zap.String("batch_id", batchID.String()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get batch", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}

// GetStats handles GET /v1/stats?window_hours=24
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	window := 24 * time.Hour
	if hours := r.URL.Query().Get("window_hours"); hours != "" {
		if v, err := strconv.Atoi(hours); err == nil && v > 0 {
			window = time.Duration(v) * time.Hour
		}
	}

	stats, err := h.tracker.Stats(ctx, window)
	if err != nil {
		h.logger.Error("failed to compute stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to compute stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// ListBlockedEvents handles GET /v1/blocked?recipient=&limit=20&offset=0
// Audit log of preference-filter denials that never became jobs.
func (h *Handler) ListBlockedEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := parsePagination(r)
	events, err := h.tracker.ListBlockedEvents(ctx, r.URL.Query().Get("recipient"), limit, offset)
	if err != nil {
		h.logger.Error("failed to list blocked events", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list blocked events", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   events,
		"limit":  limit,
		"offset": offset,
		"count":  len(events),
	})
}

// ListDeadLetterQueue handles GET /v1/dlq?limit=20&offset=0
func (h *Handler) ListDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := parsePagination(r)
	jobs, err := h.tracker.ListDeadLettered(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letter queue", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list dead letter queue", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   jobs,
		"limit":  limit,
		"offset": offset,
		"count":  len(jobs),
	})
}

// RetryDeadLetterItem handles POST /v1/dlq/{id}/retry
// Creates a fresh job from the dead-lettered one.
func (h *Handler) RetryDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, ok := h.parseID(w, r, "Invalid DLQ ID")
	if !ok {
		return
	}

	fresh, err := h.service.ResurrectJob(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Dead letter item not found", "")
		case errors.Is(err, store.ErrConflict):
			h.writeError(w, http.StatusConflict, "conflict", "Job is not dead-lettered", err.Error())
		default:
			h.logger.Error("failed to retry dead letter item", zap.Error(err), zap.String("job_id", jobID.String()))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retry dead letter item", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":         jobID.String(),
		"status":     "retried",
		"new_job_id": fresh.ID.String(),
	})
}

// DiscardDeadLetterItem handles POST /v1/dlq/{id}/discard
func (h *Handler) DiscardDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, ok := h.parseID(w, r, "Invalid DLQ ID")
	if !ok {
		return
	}

	if err := h.tracker.Discard(ctx, jobID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Dead letter item not found", "")
		case errors.Is(err, store.ErrConflict):
			h.writeError(w, http.StatusConflict, "conflict", "Job is not dead-lettered", err.Error())
		default:
			h.logger.Error("failed to discard dead letter item", zap.Error(err), zap.String("job_id", jobID.String()))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to discard dead letter item", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     jobID.String(),
		"status": "discarded",
	})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, title string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit, offset = 20, 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
