package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func newTestClient(url string) *anthropicClient {
	return &anthropicClient{
		apiKey:    "test-key",
		baseURL:   url,
		model:     "test-model",
		maxTokens: 1024,
		http:      http.DefaultClient,
		logger:    testLogger(),
	}
}

func TestAnthropicClient_Complete(t *testing.T) {
	var capturedReq messagesRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q, want %q", got, "test-key")
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %q, want %q", got, "2023-06-01")
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want %q", got, "application/json")
		}

		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &capturedReq)

		json.NewEncoder(w).Encode(messagesResponse{
			Content: []contentBlock{{Type: "text", Text: "Thanks, I'll take a look."}},
			Usage:   &usage{InputTokens: 12, OutputTokens: 7},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.model = "claude-sonnet-4-20250514"

	result, err := c.Complete(context.Background(), CompleteRequest{
		Prompt:      "draft a reply",
		Temperature: -1,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if result != "Thanks, I'll take a look." {
		t.Errorf("result = %q", result)
	}

	if capturedReq.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q, want %q", capturedReq.Model, "claude-sonnet-4-20250514")
	}
	if capturedReq.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d, want %d", capturedReq.MaxTokens, 1024)
	}
	if len(capturedReq.Messages) != 1 || capturedReq.Messages[0].Content != "draft a reply" {
		t.Errorf("messages = %+v, want single user message", capturedReq.Messages)
	}
}

func TestAnthropicClient_Overrides(t *testing.T) {
	var capturedReq messagesRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &capturedReq)
		json.NewEncoder(w).Encode(messagesResponse{
			Content: []contentBlock{{Type: "text", Text: "ok"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.temperature = 0.5
	c.systemPrompt = "default system"

	_, err := c.Complete(context.Background(), CompleteRequest{
		Prompt:       "test",
		Model:        "custom-model",
		MaxTokens:    256,
		Temperature:  0.0,
		SystemPrompt: "custom system",
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if capturedReq.Model != "custom-model" {
		t.Errorf("model = %q, want %q", capturedReq.Model, "custom-model")
	}
	if capturedReq.MaxTokens != 256 {
		t.Errorf("max_tokens = %d, want %d", capturedReq.MaxTokens, 256)
	}
	if capturedReq.Temperature != 0.0 {
		t.Errorf("temperature = %f, want %f", capturedReq.Temperature, 0.0)
	}
	if capturedReq.System != "custom system" {
		t.Errorf("system = %q, want %q", capturedReq.System, "custom system")
	}
}

func TestAnthropicClient_History(t *testing.T) {
	var capturedReq messagesRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &capturedReq)
		json.NewEncoder(w).Encode(messagesResponse{
			Content: []contentBlock{{Type: "text", Text: "Dear Bob,"}, {Type: "text", Text: " thanks."}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	result, err := c.Complete(context.Background(), CompleteRequest{
		Prompt:      "now write the reply",
		History:     []Turn{{Prompt: "research the email", Response: "Bob asks about invoices."}},
		Temperature: -1,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if result != "Dear Bob, thanks." {
		t.Errorf("result = %q, want joined text blocks", result)
	}

	wantRoles := []string{"user", "assistant", "user"}
	if len(capturedReq.Messages) != len(wantRoles) {
		t.Fatalf("messages = %+v", capturedReq.Messages)
	}
	for i, role := range wantRoles {
		if capturedReq.Messages[i].Role != role {
			t.Errorf("messages[%d].role = %q, want %q", i, capturedReq.Messages[i].Role, role)
		}
	}
	if capturedReq.Messages[1].Content != "Bob asks about invoices." {
		t.Errorf("assistant turn = %q", capturedReq.Messages[1].Content)
	}
}

func TestAnthropicClient_APIError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":{"type":"x","message":"nope"}}`))
		}))

		_, err := newTestClient(srv.URL).Complete(context.Background(), CompleteRequest{Prompt: "test", Temperature: -1})
		srv.Close()

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("status %d: err = %v, want *APIError", tt.status, err)
		}
		if apiErr.StatusCode != tt.status {
			t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
		}
		if apiErr.Retryable() != tt.retryable {
			t.Errorf("status %d: Retryable() = %v, want %v", tt.status, apiErr.Retryable(), tt.retryable)
		}
	}
}

func TestAnthropicClient_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messagesResponse{Content: []contentBlock{}})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), CompleteRequest{
		Prompt:      "test",
		Temperature: -1,
	})
	if err == nil {
		t.Fatal("expected error for empty content, got nil")
	}
}

func TestNewAnthropicClient_BaseURL(t *testing.T) {
	c := NewAnthropicClient(Config{APIKey: "k"}, zerolog.Nop()).(*anthropicClient)
	if c.baseURL != anthropicAPIURL {
		t.Errorf("baseURL = %q, want default", c.baseURL)
	}
	c = NewAnthropicClient(Config{BaseURL: "http://proxy.local/v1/messages"}, zerolog.Nop()).(*anthropicClient)
	if c.baseURL != "http://proxy.local/v1/messages" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}
