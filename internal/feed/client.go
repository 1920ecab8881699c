// Package feed adapts the external performance-data service and the change
// executor over HTTP/JSON.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/retry"
)

// Default configuration values.
const (
	DefaultTimeout         = 10 * time.Second
	DefaultRequestsPerSec  = 20
	DefaultBurst           = 5
	DefaultBreakerInterval = 60 * time.Second
	DefaultBreakerTimeout  = 60 * time.Second
	maxErrorBody           = 512
)

// statusError is a non-2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// client is the shared transport of every adapter in this package.
type client struct {
	service  string
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	token    string
	log      zerolog.Logger
}

// ClientOption configures an adapter.
type ClientOption func(*client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *client) {
		c.http.Timeout = d
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *client) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, burst))
	}
}

// WithBreakerTimeout sets how long the breaker stays open before probing.
func WithBreakerTimeout(d time.Duration) ClientOption {
	return func(c *client) {
		c.breaker = newBreaker(c.service, d)
	}
}

// WithAuthToken sends a bearer token on every request.
func WithAuthToken(token string) ClientOption {
	return func(c *client) {
		c.token = token
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *client) {
		c.log = l.With().Str("component", "feed").Str("service", c.service).Logger()
	}
}

func newClient(service, endpoint string, opts ...ClientOption) *client {
	c := &client{
		service:  service,
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: DefaultTimeout},
		limiter:  rate.NewLimiter(DefaultRequestsPerSec, DefaultBurst),
		breaker:  newBreaker(service, DefaultBreakerTimeout),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newBreaker trips on 3 consecutive failures, or on a failure ratio above 5%
// once 20 requests were seen in the current interval. Client errors (4xx)
// do not count against the service.
func newBreaker(name string, timeout time.Duration) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{
		Name:     name,
		Interval: DefaultBreakerInterval,
		Timeout:  timeout,
	}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	st.IsSuccessful = func(err error) bool {
		var se *statusError
		if errors.As(err, &se) {
			return se.Code < 500 && se.Code != http.StatusTooManyRequests
		}
		return err == nil
	}
	return gobreaker.NewCircuitBreaker(st)
}

// do sends in as JSON and decodes the response into out (if non-nil).
// Failures come back as *domain.ExternalServiceError; client errors other
// than 429 are additionally marked permanent for the retry policy.
func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path
	wrap := func(err error) error {
		return &domain.ExternalServiceError{Service: c.service, Op: op, Err: err}
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return retry.Permanent(wrap(fmt.Errorf("marshal request: %w", err)))
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return wrap(fmt.Errorf("rate limit: %w", err))
		}
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if err == nil {
		return nil
	}

	var se *statusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests {
		return retry.Permanent(wrap(err))
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.log.Warn().Str("op", op).Msg("circuit open, request rejected")
	}
	return wrap(err)
}

func (c *client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusCode extracts the HTTP status from an error returned by do.
func statusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
