package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pavelanni/mirror/internal/llm/prompts"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultMaxTokens bounds the length of the generated analysis.
	DefaultMaxTokens = 1500
	// DefaultTimeout bounds a single generation request.
	DefaultTimeout = 90 * time.Second
)

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api       *openai.Client
	model     string
	maxTokens int
}

// New creates a new LLM client. Zero maxTokens or timeout select the defaults.
func New(baseURL, apiKey, modelName string, maxTokens int, timeout time.Duration) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	config.HTTPClient = &http.Client{Timeout: timeout}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{
		api:       openai.NewClientWithConfig(config),
		model:     modelName,
		maxTokens: maxTokens,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Analyze sends the instructions as system context and the transcript as the
// single user message, and returns the raw generated text. It makes exactly
// one request; failures are not retried.
func (c *Client) Analyze(ctx context.Context, instructions, transcript string) (string, error) {
	var chatMsgs []openai.ChatCompletionMessage
	if instructions != "" {
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		})
	}
	chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompts.TaskMessage(transcript),
	})

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  chatMsgs,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("LLM API returned status %d: %w", apiErr.HTTPStatusCode, err)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return "", fmt.Errorf("LLM API returned status %d: %w", reqErr.HTTPStatusCode, err)
		}
		return "", fmt.Errorf("LLM API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response",
		"model", c.model,
		"elapsed", time.Since(start),
		"completion_tokens", resp.Usage.CompletionTokens,
		"raw", raw,
	)
	return raw, nil
}

// Ping checks that the endpoint answers an authenticated request.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}
