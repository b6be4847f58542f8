// Package llm talks to the chat-completion endpoint that writes the
// persona's action scripts.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are per-request sampling parameters.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Client is implemented by chat-completion providers.
type Client interface {
	// Chat sends messages and returns the model's text.
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)
}

// ErrServiceUnavailable is returned when the provider answers 503.
// Callers should not retry.
var ErrServiceUnavailable = errors.New("llm service unavailable")

// RateLimitedError is returned when the provider answers 429.
type RateLimitedError struct {
	// RetryAfter is the server's requested wait. Zero when the
	// response carried no usable Retry-After header.
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("llm rate limited, retry after %s", e.RetryAfter)
	}
	return "llm rate limited"
}
