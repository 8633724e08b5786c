package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/heraldhq/herald/internal/preference"
	"github.com/heraldhq/herald/internal/provider"
	"github.com/heraldhq/herald/internal/queue"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/internal/webhook"
)

type fakePrefs struct {
	prefs map[string]*store.RecipientPreference
}

func (f *fakePrefs) GetPreference(ctx context.Context, recipient string) (*store.RecipientPreference, error) {
	if p, ok := f.prefs[recipient]; ok {
		return p, nil
	}
	return &store.RecipientPreference{
		Recipient:  recipient,
		EmailOptIn: true,
		SMSOptIn:   true,
		Timezone:   "UTC",
	}, nil
}

type serviceFixture struct {
	svc    *Service
	store  *fakeStore
	queue  *queue.Queue
	sender *fakeSender
}

func newServiceFixture(t *testing.T, prefs map[string]*store.RecipientPreference) *serviceFixture {
	t.Helper()

	fs := newFakeStore()
	fs.addTemplate(welcomeTemplate())

	sender := &fakeSender{name: "ses-primary", channel: store.ChannelEmail}
	reg := provider.NewRegistry(zap.NewNop())
	reg.Register(newEntry(sender, rate.NewLimiter(rate.Limit(1000), 1000)))

	q := queue.New(100)
	filter := preference.NewFilter(&fakePrefs{prefs: prefs}, nil, preference.Config{}, zap.NewNop())
	matcher := webhook.NewMatcher(fs, zap.NewNop())

	return &serviceFixture{
		svc:    NewService(fs, q, reg, filter, matcher, zap.NewNop()),
		store:  fs,
		queue:  q,
		sender: sender,
	}
}

func TestTriggerSendEnqueues(t *testing.T) {
	fx := newServiceFixture(t, nil)

	res, err := fx.svc.TriggerSend(context.Background(), &SendRequest{
		Channel:   store.ChannelEmail,
		Recipient: "user@example.com",
		Template:  "welcome",
		Variables: map[string]string{"name": "Ada", "plan": "pro"},
		Priority:  50,
	})
	if err != nil {
		t.Fatalf("TriggerSend: %v", err)
	}
	if res.Blocked {
		t.Fatalf("unexpectedly blocked: %s", res.Reason)
	}
	if res.Job == nil {
		t.Fatal("no job returned")
	}
	if res.Job.Status != store.JobQueued {
		t.Errorf("job status = %s", res.Job.Status)
	}
	if fx.queue.Len() != 1 {
		t.Errorf("queue depth = %d, want 1", fx.queue.Len())
	}
	if got := fx.store.jobStatus(res.Job.ID); got != store.JobQueued {
		t.Errorf("persisted status = %s", got)
	}
}

func TestTriggerSendValidation(t *testing.T) {
	fx := newServiceFixture(t, nil)

	tests := []struct {
		name string
		req  *SendRequest
	}{
		{"unknown channel", &SendRequest{Channel: "pigeon", Recipient: "a", Body: "hi"}},
		{"webhook channel", &SendRequest{Channel: store.ChannelWebhook, Recipient: "https://x", Body: "hi"}},
		{"missing recipient", &SendRequest{Channel: store.ChannelEmail, Body: "hi"}},
		{"no content", &SendRequest{Channel: store.ChannelEmail, Recipient: "a"}},
		{"template and body", &SendRequest{Channel: store.ChannelEmail, Recipient: "a", Template: "welcome", Body: "hi"}},
		{"unknown template", &SendRequest{Channel: store.ChannelEmail, Recipient: "a", Template: "nope"}},
		{"missing variables", &SendRequest{Channel: store.ChannelEmail, Recipient: "a", Template: "welcome", Variables: map[string]string{"name": "Ada"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.svc.TriggerSend(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}

	if fx.queue.Len() != 0 {
		t.Errorf("invalid requests enqueued %d jobs", fx.queue.Len())
	}
}

func TestTriggerSendBlockedByOptOut(t *testing.T) {
	fx := newServiceFixture(t, map[string]*store.RecipientPreference{
		"optout@example.com": {
			Recipient:  "optout@example.com",
			EmailOptIn: false,
			SMSOptIn:   true,
			Timezone:   "UTC",
		},
	})

	res, err := fx.svc.TriggerSend(context.Background(), &SendRequest{
		Channel:   store.ChannelEmail,
		Recipient: "optout@example.com",
		Template:  "welcome",
		Variables: map[string]string{"name": "Ada", "plan": "pro"},
	})
	if err != nil {
		t.Fatalf("TriggerSend: %v", err)
	}
	if !res.Blocked || res.Reason != preference.ReasonOptedOut {
		t.Errorf("result = %+v, want blocked by opt-out", res)
	}
	if fx.queue.Len() != 0 {
		t.Error("blocked request was enqueued")
	}

	fx.store.mu.Lock()
	defer fx.store.mu.Unlock()
	if len(fx.store.jobs) != 0 {
		t.Error("blocked request created a job")
	}
	if len(fx.store.blocked) != 1 || fx.store.blocked[0].Reason != preference.ReasonOptedOut {
		t.Errorf("blocked events = %+v", fx.store.blocked)
	}
}

func TestEnqueueBatchSharesBatchID(t *testing.T) {
	fx := newServiceFixture(t, map[string]*store.RecipientPreference{
		"optout@example.com": {Recipient: "optout@example.com", Timezone: "UTC"},
	})

	reqs := []*SendRequest{
		{Channel: store.ChannelEmail, Recipient: "a@example.com", Template: "welcome", Variables: map[string]string{"name": "A", "plan": "pro"}},
		{Channel: store.ChannelEmail, Recipient: "optout@example.com", Template: "welcome", Variables: map[string]string{"name": "B", "plan": "pro"}},
		{Channel: store.ChannelEmail, Recipient: "c@example.com", Template: "welcome", Variables: map[string]string{"name": "C", "plan": "pro"}},
	}

	res, err := fx.svc.EnqueueBatch(context.Background(), reqs)
	if err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	if len(res.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(res.Results))
	}
	if !res.Results[1].Blocked {
		t.Error("opted-out recipient was not blocked")
	}
	for _, i := range []int{0, 2} {
		job := res.Results[i].Job
		if job == nil {
			t.Fatalf("result %d has no job", i)
		}
		if job.BatchID == nil || *job.BatchID != res.BatchID {
			t.Errorf("result %d batch id = %v, want %s", i, job.BatchID, res.BatchID)
		}
	}
	if fx.queue.Len() != 2 {
		t.Errorf("queue depth = %d, want 2", fx.queue.Len())
	}
}

func TestEnqueueBatchInvalidItemPersistsNothing(t *testing.T) {
	fx := newServiceFixture(t, nil)

	reqs := []*SendRequest{
		{Channel: store.ChannelEmail, Recipient: "a@example.com", Template: "welcome", Variables: map[string]string{"name": "A", "plan": "pro"}},
		{Channel: store.ChannelEmail, Recipient: "b@example.com", Template: "welcome", Variables: map[string]string{"name": "B", "plan": "pro"}},
		{Channel: "pigeon", Recipient: "c@example.com", Body: "hi"},
	}

	_, err := fx.svc.EnqueueBatch(context.Background(), reqs)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if fx.queue.Len() != 0 {
		t.Errorf("queue depth = %d, failed batch must not enqueue", fx.queue.Len())
	}

	fx.store.mu.Lock()
	defer fx.store.mu.Unlock()
	if len(fx.store.jobs) != 0 {
		t.Errorf("failed batch left %d jobs behind", len(fx.store.jobs))
	}
}

func TestEnqueueBatchEmpty(t *testing.T) {
	fx := newServiceFixture(t, nil)
	if _, err := fx.svc.EnqueueBatch(context.Background(), nil); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestIngestEventFansOut(t *testing.T) {
	fx := newServiceFixture(t, nil)

	matching1 := &store.Subscription{ID: uuid.New(), TargetURL: "https://a.example.com", Secret: "s1", EventTypes: []string{"order.created"}, Active: true}
	matching2 := &store.Subscription{ID: uuid.New(), TargetURL: "https://b.example.com", Secret: "s2", EventTypes: []string{"order.created", "order.refunded"}, Active: true}
	other := &store.Subscription{ID: uuid.New(), TargetURL: "https://c.example.com", Secret: "s3", EventTypes: []string{"user.deleted"}, Active: true}
	fx.store.addSubscription(matching1)
	fx.store.addSubscription(matching2)
	fx.store.addSubscription(other)

	jobs, err := fx.svc.IngestEvent(context.Background(), "order.created", []byte(`{"order_id":"o-1"}`), 50)
	if err != nil {
		t.Fatalf("IngestEvent: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("fan-out = %d jobs, want 2", len(jobs))
	}
	for _, job := range jobs {
		if job.Channel != store.ChannelWebhook {
			t.Errorf("job channel = %s", job.Channel)
		}
		if job.SubscriptionID == nil || job.EventType == nil || *job.EventType != "order.created" {
			t.Errorf("job %s missing subscription binding", job.ID)
		}
	}
	if fx.queue.Len() != 2 {
		t.Errorf("queue depth = %d, want 2", fx.queue.Len())
	}
}

func TestIngestEventNoSubscribers(t *testing.T) {
	fx := newServiceFixture(t, nil)

	jobs, err := fx.svc.IngestEvent(context.Background(), "order.created", []byte(`{}`), 0)
	if err != nil {
		t.Fatalf("IngestEvent: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("jobs = %d, want 0", len(jobs))
	}
}

func TestIngestEventRequiresType(t *testing.T) {
	fx := newServiceFixture(t, nil)
	if _, err := fx.svc.IngestEvent(context.Background(), "", []byte(`{}`), 0); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestTestSendBypassesQueue(t *testing.T) {
	fx := newServiceFixture(t, nil)

	res, err := fx.svc.TestSend(context.Background(), &SendRequest{
		Channel:   store.ChannelEmail,
		Recipient: "user@example.com",
		Template:  "welcome",
		Variables: map[string]string{"name": "Ada", "plan": "pro"},
	})
	if err != nil {
		t.Fatalf("TestSend: %v", err)
	}
	if res.Provider != "ses-primary" {
		t.Errorf("provider = %q", res.Provider)
	}
	if res.Rendered.Subject != "Welcome, Ada!" {
		t.Errorf("rendered subject = %q", res.Rendered.Subject)
	}
	if fx.sender.callCount() != 1 {
		t.Errorf("sender calls = %d, want 1", fx.sender.callCount())
	}
	if fx.queue.Len() != 0 {
		t.Error("test send was queued")
	}

	fx.store.mu.Lock()
	defer fx.store.mu.Unlock()
	if len(fx.store.jobs) != 0 {
		t.Error("test send was persisted")
	}
}

func TestCancelJob(t *testing.T) {
	fx := newServiceFixture(t, nil)

	res, err := fx.svc.TriggerSend(context.Background(), &SendRequest{
		Channel:   store.ChannelEmail,
		Recipient: "user@example.com",
		Template:  "welcome",
		Variables: map[string]string{"name": "Ada", "plan": "pro"},
	})
	if err != nil {
		t.Fatalf("TriggerSend: %v", err)
	}

	if err := fx.svc.CancelJob(context.Background(), res.Job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if got := fx.store.jobStatus(res.Job.ID); got != store.JobCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}
	if fx.queue.Len() != 0 {
		t.Error("cancelled job still buffered")
	}
}

func TestCancelJobTerminal(t *testing.T) {
	fx := newServiceFixture(t, nil)

	job := queuedEmailJob(fx.store, nil, nil)
	fx.store.setStatus(job.ID, store.JobDelivered, 1)

	if err := fx.svc.CancelJob(context.Background(), job.ID); !errors.Is(err, store.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestResurrectJob(t *testing.T) {
	fx := newServiceFixture(t, nil)

	dead := queuedEmailJob(fx.store, nil, nil)
	fx.store.MarkJobDeadLettered(context.Background(), dead.ID, 3, "timeout")

	fresh, err := fx.svc.ResurrectJob(context.Background(), dead.ID)
	if err != nil {
		t.Fatalf("ResurrectJob: %v", err)
	}
	if fresh.ID == dead.ID {
		t.Error("resurrection reused the dead job id")
	}
	if fresh.Attempt != 0 {
		t.Errorf("fresh attempt = %d, want 0", fresh.Attempt)
	}
	if got := fx.store.jobStatus(dead.ID); got != store.JobDeadLettered {
		t.Errorf("original status = %s, should stay dead_lettered", got)
	}
	if fx.queue.Len() != 1 {
		t.Errorf("queue depth = %d, want 1", fx.queue.Len())
	}
}

func TestRecoverRebuildsQueue(t *testing.T) {
	fx := newServiceFixture(t, nil)

	for i := 0; i < 3; i++ {
		job := queuedEmailJob(fx.store, nil, nil)
		// One job still in backoff; recovery keeps its schedule.
		if i == 0 {
			fx.store.RequeueJob(context.Background(), job.ID, 1, time.Now().Add(time.Hour), "timeout")
		}
	}

	n, err := fx.svc.Recover(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 3 {
		t.Errorf("recovered %d jobs, want 3", n)
	}
	if fx.queue.Len() != 3 {
		t.Errorf("queue depth = %d, want 3", fx.queue.Len())
	}
}

func TestRecoverRequeuesStaleInFlight(t *testing.T) {
	fx := newServiceFixture(t, nil)

	// Claimed but never completed: the previous process died mid-send.
	stale := queuedEmailJob(fx.store, nil, nil)
	if err := fx.store.ClaimJob(context.Background(), stale.ID); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	queuedEmailJob(fx.store, nil, nil)

	n, err := fx.svc.Recover(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d jobs, want 2", n)
	}
	if got := fx.store.jobStatus(stale.ID); got != store.JobQueued {
		t.Errorf("stale job status = %s, want queued", got)
	}
	if got := fx.store.jobAttempt(stale.ID); got != 0 {
		t.Errorf("stale job attempt = %d, interrupted attempt should not count", got)
	}
	if fx.queue.Len() != 2 {
		t.Errorf("queue depth = %d, want 2", fx.queue.Len())
	}
}
