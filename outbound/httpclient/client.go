package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AzRea7/OneHaven/outbound/backoff"
	"github.com/AzRea7/OneHaven/outbound/circuitbreaker"
	"github.com/AzRea7/OneHaven/outbound/log"
	"github.com/AzRea7/OneHaven/outbound/ratelimit"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxRetries  = 3
	defaultBackoffBase = time.Second

	// retrySleepCap bounds the sleep between attempts regardless of how
	// far the exponential has grown.
	retrySleepCap = 5 * time.Second

	maxErrorBodyBytes = 512
)

// retryableStatuses are converted into TransportError and retried.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Request describes one outbound call.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	Query  map[string]string
	// JSON, when non-nil, is marshaled as the request body with a JSON
	// content type. Mutually exclusive with Form.
	JSON any
	// Form, when non-empty, is sent urlencoded.
	Form url.Values
}

// Client issues HTTP requests guarded by a circuit breaker, a rate
// limiter gate, and bounded retry with backoff.
type Client struct {
	breaker     *circuitbreaker.Breaker
	gate        *ratelimit.Gate
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
	logger      log.Logger
}

// Option mutates client construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithMaxRetries sets how many times a transient failure is retried
// after the initial attempt.
func WithMaxRetries(maxRetries int) Option {
	return func(client *Client) {
		if maxRetries >= 0 {
			client.maxRetries = maxRetries
		}
	}
}

// WithBackoffBase sets the base delay doubled between attempts.
func WithBackoffBase(base time.Duration) Option {
	return func(client *Client) {
		if base > 0 {
			client.backoffBase = base
		}
	}
}

// WithTimeout sets the per-attempt timeout on the underlying http.Client.
func WithTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout > 0 {
			client.httpClient.Timeout = timeout
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger log.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// NewClient creates a resilient client around the given breaker and
// gate. The gate may be nil when pacing is not wanted.
func NewClient(breaker *circuitbreaker.Breaker, gate *ratelimit.Gate, opts ...Option) (*Client, error) {
	if breaker == nil {
		return nil, ErrBreakerRequired
	}

	client := &Client{
		breaker:     breaker,
		gate:        gate,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		logger:      log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	return client, nil
}

// Do issues the request with circuit-breaker, rate-limit, and retry
// guards applied.
//
// Fails fast with ErrCircuitOpen while the breaker is open. Otherwise
// the call is attempted up to maxRetries+1 times; each transient failure
// records a breaker failure and sleeps min(5s, base*2^attempt) before
// the next attempt. A success records a breaker success and returns the
// response with its body intact; the caller owns closing it.
func (client *Client) Do(ctx context.Context, request Request) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if client.breaker.IsOpen() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, request.URL)
	}

	if err := client.gate.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var lastErr error

	for attempt := 0; attempt <= client.maxRetries; attempt++ {
		response, err := client.attempt(ctx, request)
		if err == nil {
			client.breaker.RecordSuccess()

			return response, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}

		client.breaker.RecordFailure()

		if attempt >= client.maxRetries {
			break
		}

		delay := backoff.Exponential(client.backoffBase, attempt)
		if delay > retrySleepCap {
			delay = retrySleepCap
		}

		client.logger.Log(ctx, log.LevelWarn, "retrying external call",
			log.String("url", request.URL),
			log.Int("attempt", attempt+1),
			log.Duration("delay", delay),
			log.Err(err),
		)

		if sleepErr := backoff.SleepWithContext(ctx, delay); sleepErr != nil {
			return nil, fmt.Errorf("retry wait interrupted: %w", sleepErr)
		}
	}

	return nil, lastErr
}

// attempt performs one HTTP exchange and classifies the outcome.
func (client *Client) attempt(ctx context.Context, request Request) (*http.Response, error) {
	httpRequest, err := client.buildRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}

	if retryableStatuses[response.StatusCode] {
		drainAndClose(response.Body)

		return nil, &TransportError{
			Status: response.StatusCode,
			Cause:  fmt.Errorf("retryable status from %s", request.URL),
		}
	}

	if response.StatusCode >= http.StatusBadRequest {
		body := readTruncated(response.Body, maxErrorBodyBytes)
		response.Body.Close()

		return nil, &HTTPStatusError{Status: response.StatusCode, Body: body}
	}

	return response, nil
}

func (client *Client) buildRequest(ctx context.Context, request Request) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(request.Method))
	if method == "" {
		method = http.MethodGet
	}

	targetURL, err := url.Parse(request.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}

	if len(request.Query) > 0 {
		query := targetURL.Query()
		for key, value := range request.Query {
			query.Set(key, value)
		}

		targetURL.RawQuery = query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)

	switch {
	case request.JSON != nil:
		encoded, marshalErr := json.Marshal(request.JSON)
		if marshalErr != nil {
			return nil, fmt.Errorf("encoding json body: %w", marshalErr)
		}

		body = bytes.NewReader(encoded)
		contentType = "application/json"
	case len(request.Form) > 0:
		body = strings.NewReader(request.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, targetURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	for key, value := range request.Header {
		httpRequest.Header.Set(key, value)
	}

	if contentType != "" && httpRequest.Header.Get("Content-Type") == "" {
		httpRequest.Header.Set("Content-Type", contentType)
	}

	return httpRequest, nil
}

func readTruncated(reader io.Reader, limit int64) string {
	data, err := io.ReadAll(io.LimitReader(reader, limit))
	if err != nil {
		return ""
	}

	return string(data)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodyBytes))
	body.Close()
}
