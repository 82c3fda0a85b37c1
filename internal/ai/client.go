// Package ai is a small client for the Anthropic Messages API used by the
// responder to draft replies.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const anthropicAPIURL = "https://api.anthropic.com/v1/messages"

// LLMClient abstracts LLM API calls for testability.
type LLMClient interface {
	Complete(ctx context.Context, req CompleteRequest) (string, error)
}

// Turn is one earlier exchange replayed before the prompt, letting a
// follow-up step build on a previous answer.
type Turn struct {
	Prompt   string
	Response string
}

// CompleteRequest holds parameters for an LLM completion call.
type CompleteRequest struct {
	Prompt       string
	History      []Turn
	SystemPrompt string  // overrides config default if non-empty
	Model        string  // overrides config default if non-empty
	MaxTokens    int     // overrides config default if > 0
	Temperature  float64 // -1 means use config default
}

// APIError is a non-200 response from the Messages API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic API error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// anthropicClient implements LLMClient using the Anthropic Messages API.
type anthropicClient struct {
	apiKey       string
	baseURL      string
	model        string
	maxTokens    int
	temperature  float64
	systemPrompt string
	http         *http.Client
	logger       zerolog.Logger
}

// NewAnthropicClient creates an LLM client for the Anthropic Messages API.
func NewAnthropicClient(cfg Config, logger zerolog.Logger) LLMClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicAPIURL
	}
	return &anthropicClient{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		systemPrompt: cfg.SystemPrompt,
		http:         &http.Client{Timeout: 90 * time.Second},
		logger:       logger.With().Str("component", "ai").Logger(),
	}
}

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesResponse is the Anthropic Messages API response body.
type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *usage         `json:"usage,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (c *anthropicClient) buildRequest(req CompleteRequest) messagesRequest {
	body := messagesRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		System:      c.systemPrompt,
	}
	if req.Model != "" {
		body.Model = req.Model
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature >= 0 {
		body.Temperature = req.Temperature
	}
	if req.SystemPrompt != "" {
		body.System = req.SystemPrompt
	}

	for _, turn := range req.History {
		body.Messages = append(body.Messages,
			message{Role: "user", Content: turn.Prompt},
			message{Role: "assistant", Content: turn.Response},
		)
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: req.Prompt})
	return body
}

func (c *anthropicClient) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	body := c.buildRequest(req)

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	c.logger.Debug().
		Str("model", body.Model).
		Int("max_tokens", body.MaxTokens).
		Int("turns", len(body.Messages)).
		Msg("calling Anthropic API")

	resp, err := c.http.Do(httpReq) // #nosec G704 -- URL is configured API base, not user input
	if err != nil {
		return "", fmt.Errorf("anthropic API request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var msgResp messagesResponse
	if err := json.Unmarshal(respBody, &msgResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	var text string
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("anthropic API returned empty content")
	}

	if msgResp.Usage != nil {
		c.logger.Debug().
			Int("input_tokens", msgResp.Usage.InputTokens).
			Int("output_tokens", msgResp.Usage.OutputTokens).
			Str("stop_reason", msgResp.StopReason).
			Msg("Anthropic API response")
	}

	return text, nil
}
