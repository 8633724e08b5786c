package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordJobEnqueued(t *testing.T) {
	RecordJobEnqueued("email")
	RecordJobEnqueued("webhook")
}

func TestRecordAttempt(t *testing.T) {
	RecordAttempt("delivered", "email", "ses-primary")
	RecordAttempt("failed", "sms", "sns-primary")
	RecordAttempt("dead_lettered", "webhook", "http")
}

func TestRecordSendDuration(t *testing.T) {
	RecordSendDuration("email", "ses-primary", 120*time.Millisecond)
	RecordSendDuration("webhook", "http", 2*time.Second)
}

func TestRecordDeliveryLatency(t *testing.T) {
	RecordDeliveryLatency("email", 500*time.Millisecond)
	RecordDeliveryLatency("sms", 200*time.Millisecond)
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth(10)
	SetQueueDepth(5)
	SetQueueDepth(0)
}

func TestRecordPreferenceBlock(t *testing.T) {
	RecordPreferenceBlock("opted_out", "email")
	RecordPreferenceBlock("quiet_hours", "sms")
}

func TestRecordThrottled(t *testing.T) {
	RecordThrottled("email", "ses-primary")
}

func TestSetProviderHealth(t *testing.T) {
	SetProviderHealth("ses-primary", 0)
	SetProviderHealth("ses-primary", 1)
	SetProviderHealth("ses-primary", 2)
}

func TestRecordDeadLettered(t *testing.T) {
	RecordDeadLettered("email")
	RecordDeadLettered("webhook")
}

func TestRecordIdempotencyHit(t *testing.T) {
	RecordIdempotencyHit()
	RecordIdempotencyHit()
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("tenant-1")
	RecordRateLimitRejection("tenant-2")
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
