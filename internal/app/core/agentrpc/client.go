// Package agentrpc implements typed remote calls to worker agents over
// HTTP (spec §4.3): deploy/destroy/node actions, link setup, overlay
// convergence, carrier control, readiness checks, and image sync. Every
// call distinguishes transport failures (AgentUnavailable, retriable) from
// agent-reported application failures (AgentJob, not retried here).
package agentrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/archetype-labs/archetyped/infrastructure/errors"
	"github.com/archetype-labs/archetyped/infrastructure/httputil"
	"github.com/archetype-labs/archetyped/infrastructure/resilience"
)

// Config configures a Client's transport and retry behavior.
type Config struct {
	Token        string
	Timeout      time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	HTTPClient   *http.Client
}

// DefaultConfig returns sensible per-call defaults (spec §5: "Agent HTTP:
// per-call deadline, seconds to tens of seconds").
func DefaultConfig() Config {
	return Config{
		Timeout:      20 * time.Second,
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Client issues typed RPCs against a single agent's base URL. One Client is
// constructed per call site (the agent's address varies per call); callers
// cache Clients keyed by agent ID if desired.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   resilience.RetryConfig
}

// New builds a Client for the given agent base URL.
func New(baseURL string, cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: httputil.DefaultTransportWithMinTLS12()}
	}

	client, normalized, err := httputil.NewClientWithBaseURL(httputil.ClientConfig{
		BaseURL:    baseURL,
		ServiceID:  "archetype-controller",
		Timeout:    timeout,
		HTTPClient: httpClient,
	}, httputil.DefaultClientDefaults())
	if err != nil {
		return nil, fmt.Errorf("agentrpc: build client: %w", err)
	}

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultConfig().MaxAttempts
	}

	return &Client{
		baseURL: normalized,
		token:   cfg.Token,
		http:    client,
		retry: resilience.RetryConfig{
			MaxAttempts:  attempts,
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   2.0,
			Jitter:       0.1,
		},
	}, nil
}

// call performs one JSON-over-HTTP request, retrying transport-class
// failures (connection errors, timeouts, 5xx, 429) per the configured
// policy, and returning immediately on a non-retriable application failure
// (resilience.Retry only recognizes *backoff.PermanentError as a stop
// signal, so a non-retriable classification is handled here instead).
func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var lastErr error
	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	single := resilience.RetryConfig{MaxAttempts: 1}
	for attempt := 0; attempt < attempts; attempt++ {
		err := resilience.Retry(ctx, single, func() error {
			return c.doOnce(ctx, method, path, reqBody, respBody)
		})
		lastErr = err
		if err == nil {
			return nil
		}
		if !isRetriable(err) {
			return err
		}
		if attempt < attempts-1 {
			if waitErr := sleepBackoff(ctx, c.retry, attempt); waitErr != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("agentrpc: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.AgentUnavailable(c.baseURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.AgentUnavailable(c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apperrors.AgentUnavailable(c.baseURL, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return apperrors.AgentUnavailable(c.baseURL, fmt.Errorf("agent returned %d: %s", resp.StatusCode, data))
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.AgentUnavailable(c.baseURL, fmt.Errorf("agent rate-limited the request"))
	case resp.StatusCode >= 400:
		return apperrors.AgentJobFailed(c.baseURL, "", fmt.Sprintf("agent returned %d: %s", resp.StatusCode, data))
	}

	if respBody != nil && len(data) > 0 {
		if err := json.Unmarshal(data, respBody); err != nil {
			return apperrors.AgentJobFailed(c.baseURL, "", fmt.Sprintf("decode response: %v", err))
		}
	}
	return nil
}

func isRetriable(err error) bool {
	se := apperrors.GetServiceError(err)
	if se == nil {
		return false
	}
	return se.Code == apperrors.ErrCodeAgentUnavailable
}

// sleepBackoff waits out the exponential delay for the given attempt index,
// honoring ctx cancellation.
func sleepBackoff(ctx context.Context, cfg resilience.RetryConfig, attempt int) error {
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
