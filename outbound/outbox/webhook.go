package outbox

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
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the exact POST body,
	// computed with the sink's shared secret. Absent when no secret is
	// configured.
	SignatureHeader = "X-Haven-Signature"

	defaultWebhookTimeout = 20 * time.Second

	// maxSinkErrorBodyBytes bounds how much of a non-2xx response body is
	// captured into last_error.
	maxSinkErrorBodyBytes = 500
)

// webhookEnvelope is the wire format posted to webhook receivers.
type webhookEnvelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// WebhookSink posts event envelopes to a single HTTP endpoint.
type WebhookSink struct {
	name       string
	endpoint   string
	secret     string
	httpClient *http.Client
}

// WebhookOption mutates webhook sink construction.
type WebhookOption func(*WebhookSink)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(httpClient *http.Client) WebhookOption {
	return func(sink *WebhookSink) {
		if httpClient != nil {
			sink.httpClient = httpClient
		}
	}
}

// NewWebhookSink creates a webhook sink from validated configuration.
func NewWebhookSink(cfg SinkConfig, opts ...WebhookOption) (*WebhookSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	sink := &WebhookSink{
		name:       cfg.Name,
		endpoint:   cfg.Endpoint,
		secret:     cfg.Secret,
		httpClient: &http.Client{Timeout: timeout},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}

	return sink, nil
}

// Name identifies the sink in logs and last_error attribution.
func (sink *WebhookSink) Name() string {
	return sink.name
}

// Deliver posts one envelope and reports the outcome. Success is any
// 2xx status; a non-2xx response or transport failure is returned as an
// error and never retried here.
func (sink *WebhookSink) Deliver(ctx context.Context, eventType string, data map[string]any) error {
	body, err := json.Marshal(webhookEnvelope{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	request.Header.Set("Content-Type", "application/json")

	if sink.secret != "" {
		request.Header.Set(SignatureHeader, sink.sign(body))
	}

	response, err := sink.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}

	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxSinkErrorBodyBytes))

	return fmt.Errorf("HTTP %d: %s", response.StatusCode, snippet)
}

// sign computes the hex HMAC-SHA256 signature over the exact body bytes.
func (sink *WebhookSink) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(sink.secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}
