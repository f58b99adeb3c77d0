// Package assistant answers free-form questions for the ai command through
// an OpenAI-compatible Responses API.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"astralune/pkg/config"
)

// ErrDisabled is returned by New when no API key is available.
var ErrDisabled = errors.New("assistant disabled: no API key")

const defaultInstructions = "You are a concise assistant inside a group chat bot. Answer in plain text without markdown tables."

// Answer is one completed prompt.
type Answer struct {
	Text  string
	Model string
	Usage Usage
}

// Usage captures token accounting for one answer.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

type Client struct {
	client         osdk.Client
	model          string
	instructions   string
	requestTimeout time.Duration
	log            *slog.Logger
}

func New(cfg config.AssistantConfig, log *slog.Logger) (*Client, error) {
	apiKey := resolveAPIKey(cfg)
	if apiKey == "" {
		return nil, ErrDisabled
	}
	if log == nil {
		log = slog.Default()
	}

	model, err := normalizeModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	requestTimeout := config.Seconds(cfg.RequestTimeoutSeconds)
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	instructions := strings.TrimSpace(cfg.Instructions)
	if instructions == "" {
		instructions = defaultInstructions
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		model:          model,
		instructions:   instructions,
		requestTimeout: requestTimeout,
		log:            log.With("component", "assistant"),
	}, nil
}

// Model returns the model answers are requested from.
func (c *Client) Model() string {
	return c.model
}

// Ask sends a single-turn prompt and returns the output text.
func (c *Client) Ask(ctx context.Context, prompt string) (Answer, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := c.log.With("operation", "ask")
	startedAt := time.Now()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Answer{}, errors.New("prompt is required")
	}
	log.Debug("assistant request started", "model", c.model, "prompt_length", len(prompt))

	response, err := c.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:        c.model,
		Instructions: osdk.String(c.instructions),
		Input:        responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
	})
	if err != nil {
		log.Debug("assistant request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return Answer{}, fmt.Errorf("prompt failed: %w", err)
	}

	text := strings.TrimSpace(response.OutputText())
	if text == "" {
		log.Debug("assistant request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return Answer{}, errors.New("prompt succeeded but returned no text")
	}
	log.Debug("assistant request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	return Answer{
		Text:  text,
		Model: c.model,
		Usage: Usage{
			InputTokens:  response.Usage.InputTokens,
			OutputTokens: response.Usage.OutputTokens,
			TotalTokens:  response.Usage.TotalTokens,
		},
	}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.AssistantConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported", providerID)
	}

	return modelID, nil
}
