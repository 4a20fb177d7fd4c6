// Package completion implements clients for chat completion services.
// It provides an OpenAI-compatible backend and a Gemini backend behind a
// single interface.
package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgard/telegpt/internal/config"
)

// Role values used in completion messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation sent to the completion service.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a single completion call.
type Request struct {
	Model string
	// Params carries per-user model parameter overrides (temperature,
	// top_p, max_tokens and friends). Unknown keys are ignored.
	Params   map[string]any
	Messages []Message
}

// Response is the assistant answer plus the token usage reported upstream.
type Response struct {
	Content     string
	TotalTokens int
}

// APIError is returned when the upstream service answered with an error
// payload. Its message is user-safe and surfaced as assistant text.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion API error: %s", e.Message)
}

// Client is the completion service client used by the relay pipeline.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// New creates the completion client selected by the configuration.
func New(ctx context.Context, cfg config.CompletionConfig) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return newOpenAIClient(cfg)
	case "gemini":
		return newGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

// numParam reads a numeric override, accepting the types JSON and YAML
// decoding produce.
func numParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// IsAPIError reports whether err carries an upstream error payload and
// returns its user-safe message.
func IsAPIError(err error) (string, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message, true
	}
	return "", false
}
