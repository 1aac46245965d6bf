// Package llmclient provides the HTTP transport shared by every vendor client:
// - Opening streaming requests
// - Bounded retry of rate-limited (429) requests honoring retry-after
// - Cooperative cancellation while waiting
// - Standardized error parsing
// - Circuit breaking
package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"llmgateway/internal/core"
	"llmgateway/internal/httpclient"
)

// Config holds configuration for the LLM client
type Config struct {
	// ProviderName identifies the vendor for error messages and logs
	ProviderName string

	// MaxRetries bounds how often a rate-limited request is retried (default: 3).
	// A request that keeps hitting 429 is sent MaxRetries+1 times in total.
	MaxRetries int

	// DefaultRetryAfter is used when a 429 response carries no retry-after header (default: 60s)
	DefaultRetryAfter time.Duration

	// PollInterval is how often the cancel predicate is checked during a wait (default: 100ms)
	PollInterval time.Duration

	// Circuit breaker configuration
	CircuitBreaker *CircuitBreakerConfig
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close an open circuit
	SuccessThreshold int
	// Timeout is how long to wait before attempting to close an open circuit
	Timeout time.Duration
}

// DefaultConfig returns default client configuration
func DefaultConfig(providerName string) Config {
	return Config{
		ProviderName:      providerName,
		MaxRetries:        3,
		DefaultRetryAfter: 60 * time.Second,
		PollInterval:      100 * time.Millisecond,
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
}

// Cancelled is polled to decide whether the caller gave up.
type Cancelled func() bool

func never() bool { return false }

// Client opens streaming requests against vendor endpoints
type Client struct {
	httpClient     *http.Client
	config         Config
	circuitBreaker *circuitBreaker
	logger         *slog.Logger
}

// New creates a new LLM client with the default HTTP client
func New(config Config) *Client {
	return NewWithHTTPClient(httpclient.NewDefaultHTTPClient(), config)
}

// NewWithHTTPClient creates a new LLM client with a custom HTTP client
func NewWithHTTPClient(httpClient *http.Client, config Config) *Client {
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if config.DefaultRetryAfter <= 0 {
		config.DefaultRetryAfter = 60 * time.Second
	}
	c := &Client{
		httpClient: httpClient,
		config:     config,
		logger:     slog.Default().With("provider", config.ProviderName),
	}

	if config.CircuitBreaker != nil {
		c.circuitBreaker = newCircuitBreaker(
			config.CircuitBreaker.FailureThreshold,
			config.CircuitBreaker.SuccessThreshold,
			config.CircuitBreaker.Timeout,
		)
	}

	return c
}

// Request represents an HTTP request to be made
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
}

// Stream sends the request and returns the response body of the first
// successful attempt. A 429 response is retried after the vendor's
// retry-after delay, at most MaxRetries times. cancelled is checked before
// each attempt and while waiting; when it reports true Stream returns
// core.ErrCancelled.
func (c *Client) Stream(ctx context.Context, req Request, cancelled Cancelled) (io.ReadCloser, error) {
	if cancelled == nil {
		cancelled = never
	}

	retries := 0
	for {
		if cancelled() {
			return nil, core.ErrCancelled
		}
		if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
			return nil, core.NewProviderError(c.config.ProviderName, http.StatusServiceUnavailable,
				"circuit breaker is open - provider temporarily unavailable", nil)
		}

		resp, err := c.send(ctx, req)
		if err != nil {
			if c.circuitBreaker != nil {
				c.circuitBreaker.RecordFailure()
			}
			return nil, err
		}

		if resp.StatusCode == http.StatusOK {
			if c.circuitBreaker != nil {
				c.circuitBreaker.RecordSuccess()
			}
			return resp.Body, nil
		}

		body := readAndClose(resp.Body)

		if resp.StatusCode != http.StatusTooManyRequests {
			if c.circuitBreaker != nil && resp.StatusCode >= 500 {
				c.circuitBreaker.RecordFailure()
			}
			return nil, core.ParseProviderError(c.config.ProviderName, resp.StatusCode, body, nil)
		}

		retries++
		limitErr := core.ParseProviderError(c.config.ProviderName, resp.StatusCode, body, nil)
		if retries > c.config.MaxRetries {
			return nil, core.NewRateLimitError(c.config.ProviderName,
				"max retries exceeded for rate limit: "+limitErr.Message)
		}

		wait := c.retryAfter(resp.Header)
		c.logger.Warn("rate limit exceeded, waiting before retry",
			"error_type", gjson.GetBytes(body, "error.type").String(),
			"message", limitErr.Message,
			"wait", wait,
			"retry", retries,
			"max_retries", c.config.MaxRetries,
		)
		if err := c.wait(ctx, wait, cancelled); err != nil {
			return nil, err
		}
	}
}

// send executes a single HTTP request
func (c *Client) send(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to send request: "+err.Error(), err)
	}
	return resp, nil
}

// buildRequest creates an HTTP request from a Request
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, core.NewConfigurationError("failed to create request", err)
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

// retryAfter reads the vendor's retry-after header as seconds or an HTTP date.
func (c *Client) retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return c.config.DefaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return c.config.DefaultRetryAfter
}

// wait sleeps for d while watching ctx and the cancel predicate.
func (c *Client) wait(ctx context.Context, d time.Duration, cancelled Cancelled) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-ticker.C:
			if cancelled() {
				return core.ErrCancelled
			}
		}
	}
}

func readAndClose(body io.ReadCloser) []byte {
	defer func() {
		_ = body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return []byte(fmt.Sprintf("failed to read error response: %v", err))
	}
	return data
}

// circuitBreaker implements a simple circuit breaker pattern
type circuitBreaker struct {
	mu               sync.RWMutex
	state            circuitState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	lastFailure      time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func newCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:            circuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

// Allow checks if a request should be allowed through the circuit breaker
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		if time.Since(cb.lastFailure) > cb.timeout {
			cb.state = circuitHalfOpen
			cb.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful request
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = circuitClosed
			cb.failures = 0
		}
	case circuitClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed request
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case circuitClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = circuitOpen
		}
	case circuitHalfOpen:
		cb.state = circuitOpen
		cb.successes = 0
	}
}

// State returns the current circuit state (for testing/monitoring)
func (cb *circuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}
