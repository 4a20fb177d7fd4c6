package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/edgard/telegpt/internal/config"
)

type openAIClient struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

func newOpenAIClient(cfg config.CompletionConfig) (*openAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("completion API key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	log := slog.Default().With("component", "openai_client")
	log.Info("OpenAI completion client initialized", "model", cfg.Model, "base_url", clientCfg.BaseURL)

	return &openAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		log:    log,
	}, nil
}

func (c *openAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	applyParams(&chatReq, req.Params)

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			c.log.WarnContext(ctx, "OpenAI API returned error payload", "status", apiErr.HTTPStatusCode, "message", apiErr.Message)
			return nil, &APIError{Message: apiErr.Message}
		}
		return nil, fmt.Errorf("chat completion request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	return &Response{
		Content:     resp.Choices[0].Message.Content,
		TotalTokens: resp.Usage.TotalTokens,
	}, nil
}

// applyParams maps user parameter overrides onto the typed request. Only
// parameters the chat completions API understands are honored.
func applyParams(req *openai.ChatCompletionRequest, params map[string]any) {
	if v, ok := numParam(params, "temperature"); ok {
		req.Temperature = float32(v)
	}
	if v, ok := numParam(params, "top_p"); ok {
		req.TopP = float32(v)
	}
	if v, ok := numParam(params, "max_tokens"); ok {
		req.MaxTokens = int(v)
	}
	if v, ok := numParam(params, "presence_penalty"); ok {
		req.PresencePenalty = float32(v)
	}
	if v, ok := numParam(params, "frequency_penalty"); ok {
		req.FrequencyPenalty = float32(v)
	}
}
