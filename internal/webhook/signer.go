// Package webhook produces signed event payloads for subscriber
// endpoints and matches events against registered subscriptions.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Transport headers attached to every webhook delivery. Receivers
// recompute the signature over the exact received body and compare in
// constant time; the timestamp lets them reject stale replays.
const (
	HeaderSignature = "X-Herald-Signature"
	HeaderTimestamp = "X-Herald-Timestamp"
	HeaderEvent     = "X-Herald-Event"
)

// Envelope is the wire payload delivered to subscriber endpoints.
type Envelope struct {
	EventType string          `json:"event_type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Signer computes HMAC-SHA256 message authentication codes over the
// canonical serialization "{event_type}.{timestamp}.{body}".
type Signer struct{}

// NewSigner creates a signer.
func NewSigner() *Signer {
	return &Signer{}
}

// Envelope builds the wire payload for an event at the given time.
func (s *Signer) Envelope(eventType string, at time.Time, data json.RawMessage) ([]byte, error) {
	env := Envelope{
		EventType: eventType,
		Timestamp: at.Unix(),
		Data:      data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return body, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of the canonical string for
// the given secret.
func (s *Signer) Sign(secret, eventType string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%d.", eventType, timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers builds the transport headers for a signed delivery.
func (s *Signer) Headers(secret, eventType string, timestamp int64, body []byte) map[string]string {
	return map[string]string{
		HeaderSignature: "sha256=" + s.Sign(secret, eventType, timestamp, body),
		HeaderTimestamp: fmt.Sprintf("%d", timestamp),
		HeaderEvent:     eventType,
	}
}

// Verify recomputes the signature and compares in constant time. The
// engine itself only signs; Verify exists for receiver implementations
// and tests.
func (s *Signer) Verify(secret, eventType string, timestamp int64, body []byte, signature string) bool {
	expected := s.Sign(secret, eventType, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
