// Package completion wraps an llm.Client with the process-wide rate
// limit and the retry policy for upstream failures.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/kinship/internal/llm"
	"github.com/nugget/kinship/internal/ratelimit"
)

// FallbackScript is returned in place of a model response when the
// provider is unavailable. It is a valid action script.
const FallbackScript = "[ACTION_BLOCK][TEXT]ugh, my brain is completely fried rn. ttyl.[/TEXT][/ACTION_BLOCK]"

// Retry policy.
const (
	MaxAttempts       = 3
	DefaultRetryAfter = 5 * time.Second
	BackoffStep       = 2 * time.Second
)

// Options are the sampling parameters for one completion.
type Options = llm.Options

// Config holds the dependencies for a Client.
type Config struct {
	LLM     llm.Client
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
	// Sleep overrides the wait between attempts in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client issues rate-limited completions with retries.
type Client struct {
	llm     llm.Client
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Client. A nil Limiter uses the default interval.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.New(0)
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Client{
		llm:     cfg.LLM,
		limiter: limiter,
		logger:  logger.With("component", "completion"),
		sleep:   sleep,
	}
}

// Complete returns the model's raw response for msgs.
//
// Every attempt first waits on the rate limiter. A 429 waits for the
// server's Retry-After (or DefaultRetryAfter) and tries again. A 503
// returns FallbackScript with a nil error straight away. Any other
// failure backs off BackoffStep times the attempt number. After
// MaxAttempts the last error is returned.
func (c *Client) Complete(ctx context.Context, msgs []llm.Message, opts Options) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return "", err
		}

		out, err := c.llm.Chat(ctx, msgs, opts)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if errors.Is(err, llm.ErrServiceUnavailable) {
			c.logger.Warn("completion service unavailable, using fallback", "attempt", attempt)
			return FallbackScript, nil
		}

		var wait time.Duration
		var rl *llm.RateLimitedError
		if errors.As(err, &rl) {
			wait = rl.RetryAfter
			if wait <= 0 {
				wait = DefaultRetryAfter
			}
		} else {
			wait = BackoffStep * time.Duration(attempt)
		}

		if attempt == MaxAttempts {
			break
		}
		c.logger.Warn("completion failed, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
		if err := c.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("completion failed after %d attempts: %w", MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
