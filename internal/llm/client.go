// Package llm talks to OpenAI-compatible chat completion endpoints and
// turns agent turns into planner and summarizer prompts.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
)

const DefaultSystemPrompt = "You are a Linux operations assistant. Return concise answers and include safe shell commands when needed."

const maxErrorBody = 4096

// Config selects the provider and sampling settings for one request.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Validate reports the first blank required field.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.BaseURL) == "":
		return apperr.Validation("baseUrl cannot be empty")
	case strings.TrimSpace(c.APIKey) == "":
		return apperr.Validation("apiKey cannot be empty")
	case strings.TrimSpace(c.Model) == "":
		return apperr.Validation("model cannot be empty")
	}
	return nil
}

// ChatMessage is one entry of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client posts chat completions.
type Client struct {
	httpClient *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Complete sends messages to <BaseURL>/chat/completions and returns the
// trimmed content of the first choice.
func (c *Client) Complete(ctx context.Context, cfg Config, messages []ChatMessage) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(completionRequest{
		Model:       strings.TrimSpace(cfg.Model),
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}

	url := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", apperr.Validation("invalid baseUrl %q: %v", cfg.BaseURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Runtime(err, "ai request to %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", apperr.Runtime(nil, "ai request failed: status=%d, body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Runtime(err, "decode ai response")
	}
	if len(out.Choices) == 0 {
		return "", apperr.Runtime(nil, "ai response did not contain usable content")
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return "", apperr.Runtime(nil, "ai response did not contain usable content")
	}

	log.Printf("[llm] %s completion in %dms (%d chars)", cfg.Model, time.Since(start).Milliseconds(), len(content))
	return content, nil
}
