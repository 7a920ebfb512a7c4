// Package twitch is the anti-corruption layer between the speculator domain
// and the broadcast platform's APIs. Three contracts are exposed: stream
// metadata lookup, EventSub webhook subscription registration, and the
// PubSub viewer-count collector. Everything else about the platform's HTTP
// and auth mechanics stays inside this package.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"speculator/internal/types"
)

// TokenSource supplies an app access token for Helix requests. Token
// acquisition and refresh live behind this interface.
type TokenSource interface {
	AppToken(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token. Useful for tests and short-lived
// worker invocations where the token is injected by the environment.
type StaticTokenSource string

// AppToken returns the fixed token.
func (s StaticTokenSource) AppToken(context.Context) (string, error) {
	return string(s), nil
}

// RetryPolicy configures transport retry behavior.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for platform API calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// Transport wraps an *http.Client with a circuit breaker and bounded retry.
// All outbound platform calls flow through it so a platform outage degrades
// into fast failures instead of piled-up timeouts.
type Transport struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	retry   RetryPolicy
	sleepFn func(time.Duration)
}

// TransportOption is a functional option for configuring a Transport.
type TransportOption func(*Transport)

// WithSleepFunc overrides the sleep between retries. For tests.
func WithSleepFunc(fn func(time.Duration)) TransportOption {
	return func(t *Transport) {
		t.sleepFn = fn
	}
}

// NewTransport creates a Transport with the given http client and retry
// policy.
func NewTransport(httpClient *http.Client, retry RetryPolicy, opts ...TransportOption) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "twitch-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	t := &Transport{
		client:  httpClient,
		breaker: cb,
		retry:   retry,
		sleepFn: time.Sleep,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do executes a request through the breaker with retry on 429 and 5xx.
// The request body, if any, must be rebuildable, so callers pass raw bytes
// and a request factory instead of a one-shot *http.Request.
func (t *Transport) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			t.sleepFn(t.backoff(attempt))
		}

		req, err := build(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := t.breaker.Execute(func() (*http.Response, error) {
			return t.client.Do(req)
		})
		if err != nil {
			lastErr = types.NewAppError(types.ErrCodeUpstreamTwitch, "platform request failed", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			code := types.ErrCodeUpstreamTwitch
			if resp.StatusCode == http.StatusTooManyRequests {
				code = types.ErrCodeUpstreamRateLimit
			}
			lastErr = types.NewAppError(code,
				fmt.Sprintf("platform returned %d: %s", resp.StatusCode, bytes.TrimSpace(body)), nil)
			continue
		}

		return resp, nil
	}
	return nil, lastErr
}

// backoff computes the jittered exponential wait before the given attempt.
func (t *Transport) backoff(attempt int) time.Duration {
	wait := time.Duration(float64(t.retry.MinWait) * math.Pow(2, float64(attempt-1)))
	if wait > t.retry.MaxWait {
		wait = t.retry.MaxWait
	}
	// Full jitter.
	return time.Duration(rand.Int64N(int64(wait) + 1))
}

// doJSON executes a request and decodes a JSON response body into out.
// Non-2xx statuses (after transport-level retries) become AppErrors.
func (t *Transport) doJSON(ctx context.Context, build func(ctx context.Context) (*http.Request, error), out any) error {
	resp, err := t.Do(ctx, build)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.NewAppError(types.ErrCodeUpstreamTwitch,
			fmt.Sprintf("platform returned %d: %s", resp.StatusCode, bytes.TrimSpace(body)), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamTwitch, "decoding platform response", err)
	}
	return nil
}
