package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"notepipe/internal/taskerr"
)

// Provider is the raw, unretried call surface a backing AI service
// implements — either MockProvider (development/tests) or
// StandardProvider (an OpenAI-shaped HTTP endpoint). Client wraps a
// Provider with retry/backoff and deadline enforcement.
type Provider interface {
	OCR(ctx context.Context, imageBytes []byte, prompt string) (string, error)
	Correct(ctx context.Context, text string) (string, error)
	Summarize(ctx context.Context, text, template string) (SummaryContent, error)
	GenerateTags(ctx context.Context, summary SummaryContent, knowledgeText string, existingTags []string) (TagGenResult, error)
}

// RetryableError wraps a Provider error known to be transient (network,
// 5xx, rate-limit). Non-wrapped errors are treated as non-retryable
// (invalid request, auth failure, payload too large) and fail fast.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as transient so Client retries it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// RetryPolicy controls Client's backoff. Defaults match spec §4.A: up
// to 3 retries, base 1s, factor 2, jitter ±25%.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: time.Second}
}

// Client wraps a Provider with spec §4.A's retry policy and per-call
// deadline enforcement. Grounded on tts-worker/cmd/main.go's
// backoffDelay (exponential with ±jitter, capped) generalized from a
// connection-reconnect loop to a bounded per-call retry loop that also
// respects the caller's remaining task deadline.
type Client struct {
	Provider Provider
	Policy   RetryPolicy
	Prompts  *PromptRegistry
}

// NewClient constructs a Client with the default retry policy and
// prompt registry.
func NewClient(provider Provider) *Client {
	return &Client{
		Provider: provider,
		Policy:   DefaultRetryPolicy(),
		Prompts:  NewPromptRegistry(),
	}
}

func (c *Client) OCR(ctx context.Context, deadline time.Time, imageBytes []byte, prompt string) (string, error) {
	var result string
	err := c.withRetry(ctx, deadline, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.Provider.OCR(ctx, imageBytes, prompt)
		return callErr
	})
	return result, err
}

func (c *Client) Correct(ctx context.Context, deadline time.Time, text string) (string, error) {
	var result string
	err := c.withRetry(ctx, deadline, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.Provider.Correct(ctx, text)
		return callErr
	})
	return result, err
}

func (c *Client) Summarize(ctx context.Context, deadline time.Time, text, template string) (SummaryContent, error) {
	var result SummaryContent
	err := c.withRetry(ctx, deadline, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.Provider.Summarize(ctx, text, template)
		return callErr
	})
	return result, err
}

func (c *Client) GenerateTags(ctx context.Context, deadline time.Time, summary SummaryContent, knowledgeText string, existingTags []string) (TagGenResult, error) {
	var result TagGenResult
	err := c.withRetry(ctx, deadline, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.Provider.GenerateTags(ctx, summary, knowledgeText, existingTags)
		return callErr
	})
	return result, err
}

// withRetry runs fn, retrying on *RetryableError up to Policy.MaxRetries
// times with exponential backoff and ±25% jitter. Every wait and every
// attempt first checks ctx (cooperative cancellation) and the remaining
// task deadline; exceeding the deadline fails fast with ErrTimeout
// rather than attempting a retry that cannot possibly land in time.
func (c *Client) withRetry(ctx context.Context, deadline time.Time, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.Policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", taskerr.ErrCancelled, err)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w: deadline exceeded before attempt %d", taskerr.ErrTimeout, attempt)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var retryable *RetryableError
		if !errors.As(err, &retryable) {
			return fmt.Errorf("%w: %v", taskerr.ErrModelUnavailable, err)
		}
		if attempt == c.Policy.MaxRetries {
			break
		}

		wait := backoff(c.Policy.Base, attempt)
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining <= 0 {
				return fmt.Errorf("%w: deadline exceeded before retry %d", taskerr.ErrTimeout, attempt+1)
			} else if wait >= remaining {
				return fmt.Errorf("%w: retry %d would start after the deadline", taskerr.ErrTimeout, attempt+1)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", taskerr.ErrCancelled, ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%w: exhausted %d retries: %v", taskerr.ErrModelUnavailable, c.Policy.MaxRetries, lastErr)
}

// backoff computes exponential delay with ±25% jitter, matching spec
// §4.A's "base 1 s, factor 2, jitter ±25%" — the same shape as
// tts-worker's backoffDelay but symmetric jitter instead of one-sided.
func backoff(base time.Duration, attempt int) time.Duration {
	exp := float64(base) * math.Pow(2, float64(attempt))
	jitter := (rand.Float64()*2 - 1) * 0.25 * exp
	d := time.Duration(exp + jitter)
	if d < 0 {
		d = 0
	}
	return d
}
