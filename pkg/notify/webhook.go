// Package notify delivers signed job-lifecycle webhooks.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Romy-Signature"
	// EventHeader names the event type without requiring body parsing.
	EventHeader = "X-Romy-Event"
)

// Event is one webhook delivery payload.
type Event struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Notifier delivers events to a webhook endpoint.
type Notifier interface {
	Notify(ctx context.Context, url, secret string, event Event) error
}

// Option configures the webhook notifier.
type Option func(*webhookNotifier)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *webhookNotifier) {
		n.http = hc
	}
}

type webhookNotifier struct {
	http *http.Client
}

// NewWebhook creates a webhook notifier.
func NewWebhook(opts ...Option) Notifier {
	n := &webhookNotifier{
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches body under secret, in constant
// time. Receivers use this to authenticate deliveries.
func VerifySignature(secret string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}

func (n *webhookNotifier) Notify(ctx context.Context, url, secret string, event Event) error {
	if url == "" {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "notify: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event.Type)
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: send webhook")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return eris.Wrap(fmt.Errorf("status %d", resp.StatusCode), "notify: webhook rejected")
	}
	return nil
}
