package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/heraldhq/herald/internal/engine"
	"github.com/heraldhq/herald/internal/provider"
	"github.com/heraldhq/herald/internal/redis"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/internal/tracker"
)

type fakeService struct {
	sendResult   *engine.SendResult
	sendErr      error
	batchResult  *engine.BatchResult
	batchErr     error
	testResult   *engine.TestResult
	testErr      error
	ingestJobs   []*store.Job
	ingestErr    error
	cancelErr    error
	resurrected  *store.Job
	resurrectErr error

	lastSend  *engine.SendRequest
	sendCalls int
}

func (f *fakeService) TriggerSend(ctx context.Context, req *engine.SendRequest) (*engine.SendResult, error) {
	f.lastSend = req
	f.sendCalls++
	return f.sendResult, f.sendErr
}

func (f *fakeService) EnqueueBatch(ctx context.Context, reqs []*engine.SendRequest) (*engine.BatchResult, error) {
	return f.batchResult, f.batchErr
}

func (f *fakeService) TestSend(ctx context.Context, req *engine.SendRequest) (*engine.TestResult, error) {
	return f.testResult, f.testErr
}

func (f *fakeService) IngestEvent(ctx context.Context, eventType string, payload json.RawMessage, priority int) ([]*store.Job, error) {
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", engine.ErrInvalidRequest)
	}
	return f.ingestJobs, f.ingestErr
}

func (f *fakeService) CancelJob(ctx context.Context, id uuid.UUID) error {
	return f.cancelErr
}

func (f *fakeService) ResurrectJob(ctx context.Context, deadID uuid.UUID) (*store.Job, error) {
	return f.resurrected, f.resurrectErr
}

type fakeTracker struct {
	status     *tracker.JobStatus
	statusErr  error
	jobs       []*store.Job
	batch      *tracker.BatchStatus
	dlq        []*store.Job
	blocked    []*store.BlockedEvent
	discardErr error
	stats      *store.DeliveryStats
}

func (f *fakeTracker) JobStatus(ctx context.Context, id uuid.UUID) (*tracker.JobStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeTracker) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	return f.jobs, nil
}

func (f *fakeTracker) BatchStatus(ctx context.Context, batchID uuid.UUID) (*tracker.BatchStatus, error) {
	return f.batch, nil
}

func (f *fakeTracker) ListDeadLettered(ctx context.Context, limit, offset int) ([]*store.Job, error) {
	return f.dlq, nil
}

func (f *fakeTracker) ListBlockedEvents(ctx context.Context, recipient string, limit, offset int) ([]*store.BlockedEvent, error) {
	return f.blocked, nil
}

func (f *fakeTracker) Discard(ctx context.Context, id uuid.UUID) error {
	return f.discardErr
}

func (f *fakeTracker) Stats(ctx context.Context, window time.Duration) (*store.DeliveryStats, error) {
	return f.stats, nil
}

type fakeCatalog struct {
	templates map[uuid.UUID]*store.Template
	subs      map[uuid.UUID]*store.Subscription
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		templates: make(map[uuid.UUID]*store.Template),
		subs:      make(map[uuid.UUID]*store.Subscription),
	}
}

func (f *fakeCatalog) CreateTemplate(ctx context.Context, tpl *store.Template) error {
	f.templates[tpl.ID] = tpl
	return nil
}

func (f *fakeCatalog) GetTemplate(ctx context.Context, id uuid.UUID) (*store.Template, error) {
	tpl, ok := f.templates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return tpl, nil
}

func (f *fakeCatalog) CreateSubscription(ctx context.Context, sub *store.Subscription) error {
	f.subs[sub.ID] = sub
	return nil
}

func (f *fakeCatalog) GetSubscription(ctx context.Context, id uuid.UUID) (*store.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sub, nil
}

func (f *fakeCatalog) UpdateSubscription(ctx context.Context, sub *store.Subscription) error {
	if _, ok := f.subs[sub.ID]; !ok {
		return store.ErrNotFound
	}
	f.subs[sub.ID] = sub
	return nil
}

func (f *fakeCatalog) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	sub, ok := f.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	sub.Active = false
	return nil
}

type stubSender struct {
	name    string
	channel string
}

func (s *stubSender) Send(ctx context.Context, msg *provider.Message) error { return nil }
func (s *stubSender) Channel() string                                       { return s.channel }
func (s *stubSender) Name() string                                          { return s.name }
func (s *stubSender) HealthCheck(ctx context.Context) error                 { return nil }

func newTestHandler(svc *fakeService, trk *fakeTracker, cat *fakeCatalog) *Handler {
	reg := provider.NewRegistry(zap.NewNop())
	reg.Register(&provider.Entry{
		ID:       uuid.New(),
		Sender:   &stubSender{name: "ses-primary", channel: store.ChannelEmail},
		Priority: 100,
		Limiter:  rate.NewLimiter(rate.Limit(100), 100),
		Health:   provider.NewHealthTracker(provider.DefaultHealthConfig("ses-primary"), zap.NewNop()),
	})
	return NewHandler(zap.NewNop(), svc, trk, cat, reg)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateMessageAccepted(t *testing.T) {
	job := &store.Job{ID: uuid.New(), Channel: store.ChannelEmail, Status: store.JobQueued}
	svc := &fakeService{sendResult: &engine.SendResult{Job: job}}
	handler := newTestHandler(svc, &fakeTracker{}, newFakeCatalog())

	body := `{"channel":"email","recipient":"user@example.com","template":"welcome","variables":{"name":"Ada","plan":"pro"}}`
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.CreateMessage(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if svc.lastSend == nil || svc.lastSend.Template != "welcome" {
		t.Errorf("service received %+v", svc.lastSend)
	}

	var res engine.SendResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Job == nil || res.Job.ID != job.ID {
		t.Errorf("response job = %+v", res.Job)
	}
}

func TestCreateMessageIdempotentReplay(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client, err := redis.New(context.Background(), redis.Config{Addr: mr.Addr()}, zap.NewNop())
	if err != nil {
		t.Fatalf("redis.New: %v", err)
	}
	defer client.Close()

	job := &store.Job{ID: uuid.New(), Channel: store.ChannelEmail, Status: store.JobQueued}
	svc := &fakeService{sendResult: &engine.SendResult{Job: job}}
	handler := newTestHandler(svc, &fakeTracker{}, newFakeCatalog())
	handler.idempotency = redis.NewIdempotencyService(client, zap.NewNop())

	body := `{"channel":"email","recipient":"user@example.com","body":"hi"}`
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/messages", bytes.NewBufferString(body))
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		handler.CreateMessage(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", first.Code)
	}

	second := send()
	if second.Code != http.StatusAccepted {
		t.Fatalf("replay status = %d, want 202", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("replay missing X-Idempotency-Replayed header")
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body = %s, want original %s", second.Body.String(), first.Body.String())
	}
	if svc.sendCalls != 1 {
		t.Errorf("service called %d times, want 1", svc.sendCalls)
	}
}

func TestCreateMessageBlocked(t *testing.T) {
	svc := &fakeService{sendResult: &engine.SendResult{Blocked: true, Reason: "opted_out"}}
	handler := newTestHandler(svc, &fakeTracker{}, newFakeCatalog())

	body := `{"channel":"email","recipient":"optout@example.com","body":"hi"}`
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.CreateMessage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for blocked", rec.Code)
	}

	var res engine.SendResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !res.Blocked || res.Reason != "opted_out" {
		t.Errorf("response = %+v", res)
	}
}

func TestCreateMessageMalformedBody(t *testing.T) {
	handler := newTestHandler(&fakeService{}, &fakeTracker{}, newFakeCatalog())

	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	handler.CreateMessage(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestCreateMessageInvalidRequest(t *testing.T) {
	svc := &fakeService{sendErr: fmt.Errorf("%w: unknown channel", engine.ErrInvalidRequest)}
	handler := newTestHandler(svc, &fakeTracker{}, newFakeCatalog())

	body := `{"channel":"pigeon","recipient":"x","body":"hi"}`
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.CreateMessage(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIngestEventAccepted(t *testing.T) {
	jobs := []*store.Job{
		{ID: uuid.New(), Channel: store.ChannelWebhook},
		{ID: uuid.New(), Channel: store.ChannelWebhook},
	}
	handler := newTestHandler(&fakeService{ingestJobs: jobs}, &fakeTracker{}, newFakeCatalog())

	body := `{"event_type":"order.created","payload":{"order_id":"o-1"}}`
	req := httptest.NewRequest("POST", "/v1/events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.IngestEvent(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var res struct {
		FanOut int      `json:"fan_out"`
		JobIDs []string `json:"job_ids"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.FanOut != 2 || len(res.JobIDs) != 2 {
		t.Errorf("response = %+v", res)
	}
}

func TestIngestEventMissingType(t *testing.T) {
	handler := newTestHandler(&fakeService{}, &fakeTracker{}, newFakeCatalog())

	req := httptest.NewRequest("POST", "/v1/events", bytes.NewBufferString(`{"payload":{}}`))
	rec := httptest.NewRecorder()
	handler.IngestEvent(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetJobFound(t *testing.T) {
	jobID := uuid.New()
	trk := &fakeTracker{
		status: &tracker.JobStatus{
			Job: &store.Job{ID: jobID, Status: store.JobDelivered},
			Attempts: []*store.DeliveryAttempt{
				{ID: uuid.New(), JobID: jobID, Attempt: 1, Status: store.AttemptDelivered},
			},
		},
	}
	handler := newTestHandler(&fakeService{}, trk, newFakeCatalog())

	req := withURLParam(httptest.NewRequest("GET", "/v1/jobs/"+jobID.String(), nil), "id", jobID.String())
	rec := httptest.NewRecorder()
	handler.GetJob(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var res tracker.JobStatus
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Job.ID != jobID || len(res.Attempts) != 1 {
		t.Errorf("response = %+v", res)
	}
}

func TestGetJobNotFound(t *testing.T) {
	trk := &fakeTracker{statusErr: store.ErrNotFound}
	handler := newTestHandler(&fakeService{}, trk, newFakeCatalog())

	id := uuid.New().String()
	req := withURLParam(httptest.NewRequest("GET", "/v1/jobs/"+id, nil), "id", id)
	rec := httptest.NewRecorder()
	handler.GetJob(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetJobInvalidID(t *testing.T) {
	handler := newTestHandler(&fakeService{}, &fakeTracker{}, newFakeCatalog())

	req := withURLParam(httptest.NewRequest("GET", "/v1/jobs/not-a-uuid", nil), "id", "not-a-uuid")
	rec := httptest.NewRecorder()
	handler.GetJob(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCancelJobConflict(t *testing.T) {
	svc := &fakeService{cancelErr: fmt.Errorf("job finished: %w", store.ErrConflict)}
	handler := newTestHandler(svc, &fakeTracker{}, newFakeCatalog())

	id := uuid.New().String()
	req := withURLParam(httptest.NewRequest("POST", "/v1/jobs/"+id+"/cancel", nil), "id", id)
	rec := httptest.NewRecorder()
	handler.CancelJob(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestRetryDeadLetterItem(t *testing.T) {
	fresh := &store.Job{ID: uuid.New(), Status: store.JobQueued}
	handler := newTestHandler(&fakeService{resurrected: fresh}, &fakeTracker{}, newFakeCatalog())

	id := uuid.New().String()
	req := withURLParam(httptest.NewRequest("POST", "/v1/dlq/"+id+"/retry", nil), "id", id)
	rec := httptest.NewRecorder()
	handler.RetryDeadLetterItem(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var res map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res["new_job_id"] != fresh.ID.String() {
		t.Errorf("response = %v", res)
	}
}

func TestDiscardDeadLetterItemConflict(t *testing.T) {
	trk := &fakeTracker{discardErr: fmt.Errorf("not dead-lettered: %w", store.ErrConflict)}
	handler := newTestHandler(&fakeService{}, trk, newFakeCatalog())

	id := uuid.New().String()
	req := withURLParam(httptest.NewRequest("POST", "/v1/dlq/"+id+"/discard", nil), "id", id)
	rec := httptest.NewRecorder()
	handler.DiscardDeadLetterItem(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestCreateTemplate(t *testing.T) {
	cat := newFakeCatalog()
	handler := newTestHandler(&fakeService{}, &fakeTracker{}, cat)

	body := `{"name":"welcome","channel":"email","category":"transactional","subject":"Hi {{name}}","body":"Hello {{name}}","required_vars":["name"]}`
	req := httptest.NewRequest("POST", "/v1/templates", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.CreateTemplate(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if len(cat.templates) != 1 {
		t.Errorf("templates stored = %d", len(cat.templates))
	}
}

func TestCreateTemplateInvalidChannel(t *testing.T) {
	handler := newTestHandler(&fakeService{}, &fakeTracker{}, newFakeCatalog())

	body := `{"name":"welcome","channel":"pigeon","body":"Hello"}`
	req := httptest.NewRequest("POST", "/v1/templates", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.CreateTemplate(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateSubscription(t *testing.T) {
	cat := newFakeCatalog()
	handler := newTestHandler(&fakeService{}, &fakeTracker{}, cat)

	body := `{"target_url":"https://hooks.example.com/orders","secret":"whsec_1","event_types":["order.created"]}`
	req := httptest.NewRequest("POST", "/v1/subscriptions", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.CreateSubscription(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if len(cat.subs) != 1 {
		t.Errorf("subscriptions stored = %d", len(cat.subs))
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	handler := newTestHandler(&fakeService{}, &fakeTracker{}, newFakeCatalog())

	tests := []struct {
		name string
		body string
	}{
		{"missing target_url", `{"secret":"s","event_types":["a"]}`},
		{"missing secret", `{"target_url":"https://x","event_types":["a"]}`},
		{"missing event_types", `{"target_url":"https://x","secret":"s"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/subscriptions", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			handler.CreateSubscription(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestDeleteSubscription(t *testing.T) {
	cat := newFakeCatalog()
	sub := &store.Subscription{ID: uuid.New(), TargetURL: "https://x", Secret: "s", EventTypes: []string{"a"}, Active: true}
	cat.subs[sub.ID] = sub
	handler := newTestHandler(&fakeService{}, &fakeTracker{}, cat)

	req := withURLParam(httptest.NewRequest("DELETE", "/v1/subscriptions/"+sub.ID.String(), nil), "id", sub.ID.String())
	rec := httptest.NewRecorder()
	handler.DeleteSubscription(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if sub.Active {
		t.Error("subscription still active after delete")
	}
}

func TestListProviders(t *testing.T) {
	handler := newTestHandler(&fakeService{}, &fakeTracker{}, newFakeCatalog())

	req := httptest.NewRequest("GET", "/v1/providers", nil)
	rec := httptest.NewRecorder()
	handler.ListProviders(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var res struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("count = %d, want 1", res.Count)
	}
}

func TestResetProviderUnknown(t *testing.T) {
	handler := newTestHandler(&fakeService{}, &fakeTracker{}, newFakeCatalog())

	req := withURLParam(httptest.NewRequest("POST", "/v1/providers/nope/reset", nil), "name", "nope")
	rec := httptest.NewRecorder()
	handler.ResetProvider(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestResetProvider(t *testing.T) {
	handler := newTestHandler(&fakeService{}, &fakeTracker{}, newFakeCatalog())

	req := withURLParam(httptest.NewRequest("POST", "/v1/providers/ses-primary/reset", nil), "name", "ses-primary")
	rec := httptest.NewRecorder()
	handler.ResetProvider(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var res map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res["health"] != "healthy" {
		t.Errorf("health = %q", res["health"])
	}
}

func TestGetStats(t *testing.T) {
	trk := &fakeTracker{stats: &store.DeliveryStats{TotalAttempts: 100, Delivered: 97, DeliveryRate: 0.97}}
	handler := newTestHandler(&fakeService{}, trk, newFakeCatalog())

	req := httptest.NewRequest("GET", "/v1/stats?window_hours=1", nil)
	rec := httptest.NewRecorder()
	handler.GetStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var res store.DeliveryStats
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Delivered != 97 {
		t.Errorf("delivered = %d", res.Delivered)
	}
}
