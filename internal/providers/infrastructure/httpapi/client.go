// Package httpapi is the HTTP client shared by the provider fetchers. It
// adds the bearer token, charges the per-user call budget, trips a circuit
// breaker on repeated transient failures and maps 401/429 to the fetcher
// error contract.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/felixgeelhaar/vitalsync/internal/providers/application"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/ratelimit"
	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

const maxBodyBytes = 4 << 20

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures
	// that opens the circuit.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		MaxRequests:      1,
	}
}

// Response is a fully read provider response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client performs provider requests.
type Client struct {
	provider   providers.Provider
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*Response]
	budget     ratelimit.Budget
	metrics    observability.Metrics
	logger     *slog.Logger
	queryAuth  bool
	now        func() time.Time
}

// NewClient creates a client for provider.
func NewClient(provider providers.Provider, breaker BreakerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		provider:   provider,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		budget:     ratelimit.Unlimited{},
		metrics:    observability.NoopMetrics{},
		logger:     logger,
		now:        time.Now,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        provider.String(),
		MaxRequests: breaker.MaxRequests,
		Timeout:     breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breaker.FailureThreshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("provider circuit breaker state changed",
				"provider", name,
				"from", from.String(),
				"to", to.String(),
			)
			c.metrics.Gauge(observability.MetricBreakerState, float64(to), observability.T("provider", name))
		},
	})
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(client *http.Client) *Client {
	if client != nil {
		c.httpClient = client
	}
	return c
}

// WithBudget charges every request to budget.
func (c *Client) WithBudget(budget ratelimit.Budget) *Client {
	if budget != nil {
		c.budget = budget
	}
	return c
}

// WithMetrics records request metrics.
func (c *Client) WithMetrics(metrics observability.Metrics) *Client {
	if metrics != nil {
		c.metrics = metrics
	}
	return c
}

// WithQueryAuth sends the token as an access_token query parameter instead
// of an Authorization header.
func (c *Client) WithQueryAuth(enabled bool) *Client {
	c.queryAuth = enabled
	return c
}

// Provider returns the provider the client talks to.
func (c *Client) Provider() providers.Provider {
	return c.provider
}

// Get issues an authenticated GET. Non-2xx responses are returned as
// errors: 401 as application.ErrTokenInvalid, 429 as
// *application.RateLimitError, everything else as *application.StatusError.
func (c *Client) Get(ctx context.Context, url, accessToken string) (*Response, error) {
	if err := c.reserve(ctx); err != nil {
		return nil, err
	}

	start := c.now()
	resp, err := c.breaker.Execute(func() (*Response, error) {
		return c.do(ctx, url, accessToken)
	})
	c.metrics.Timing(observability.MetricFetchDuration, c.now().Sub(start), observability.T("provider", c.provider.String()))
	c.metrics.Counter(observability.MetricFetchRequests, 1,
		observability.T("provider", c.provider.String()), observability.T("result", resultLabel(err)))

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s circuit open", application.ErrProviderUnavailable, c.provider)
	}
	if err != nil {
		c.logger.DebugContext(ctx, "provider request failed", "provider", c.provider, "error", err)
		return nil, err
	}
	return resp, nil
}

// BreakerState returns the breaker's current state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) reserve(ctx context.Context) error {
	key := ratelimit.Key(c.provider.String(), "anonymous")
	if userID, ok := application.UserFromContext(ctx); ok {
		key = ratelimit.Key(c.provider.String(), userID.String())
	}

	_, err := c.budget.Reserve(ctx, key)
	var exhausted *ratelimit.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return &application.RateLimitError{Provider: c.provider, RetryAfter: exhausted.RetryAfter, Local: true}
	case err != nil:
		// A broken budget store must not stop imports.
		c.logger.WarnContext(ctx, "call budget unavailable", "provider", c.provider, "error", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, url, accessToken string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.queryAuth {
		q := req.URL.Query()
		q.Set("access_token", accessToken)
		req.URL.RawQuery = q.Encode()
	} else {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", c.provider, err)
	}
	resp := &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized:
		return resp, application.ErrTokenInvalid
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return resp, &application.RateLimitError{
			Provider:   c.provider,
			RetryAfter: application.ParseRetryAfter(httpResp.Header.Get("Retry-After"), c.now()),
		}
	case httpResp.StatusCode < 200 || httpResp.StatusCode > 299:
		return resp, &application.StatusError{Provider: c.provider, Status: httpResp.StatusCode, Body: truncate(string(body), 200)}
	}
	return resp, nil
}

// countsAsSuccess keeps token and quota problems from tripping the
// breaker. They say nothing about the provider's health.
func countsAsSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, application.ErrTokenInvalid) ||
		errors.Is(err, application.ErrRateLimited) ||
		errors.Is(err, context.Canceled)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, application.ErrTokenInvalid):
		return "unauthorized"
	case errors.Is(err, application.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	default:
		return "error"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
