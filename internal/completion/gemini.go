package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/edgard/telegpt/internal/config"
)

type geminiClient struct {
	client *genai.Client
	model  string
	log    *slog.Logger
}

func newGeminiClient(ctx context.Context, cfg config.CompletionConfig) (*geminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("completion API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	log := slog.Default().With("component", "gemini_client")
	log.Info("Gemini completion client initialized", "model", cfg.Model)

	return &geminiClient{
		client: gi,
		model:  cfg.Model,
		log:    log,
	}, nil
}

func (c *geminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	genCfg := &genai.GenerateContentConfig{}
	if v, ok := numParam(req.Params, "temperature"); ok {
		t := float32(v)
		genCfg.Temperature = &t
	}
	if v, ok := numParam(req.Params, "top_p"); ok {
		t := float32(v)
		genCfg.TopP = &t
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, genCfg)
	if err != nil {
		var apiErr *genai.APIError
		if errors.As(err, &apiErr) {
			c.log.WarnContext(ctx, "Gemini API returned error payload", "code", apiErr.Code, "message", apiErr.Message)
			return nil, &APIError{Message: apiErr.Message}
		}
		return nil, fmt.Errorf("content generation request failed: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("content generation returned empty response")
	}

	out := &Response{Content: resp.Text()}
	if resp.UsageMetadata != nil {
		out.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}
