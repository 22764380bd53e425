// Package inference talks to an Ollama-compatible chat endpoint to produce
// review commentary for a commit diff.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"code-review-service/internal/httpx"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Model         string `json:"model"`
	EvalCount     int    `json:"eval_count"`
	TotalDuration int64  `json:"total_duration"`
}

// Result carries the generated text plus the timing metadata the endpoint
// reports, which the pipeline logs for capacity tracking.
type Result struct {
	Text          string
	Model         string
	EvalCount     int
	TotalDuration time.Duration
}

// Client calls the chat endpoint through the shared retrying client.
type Client struct {
	http    *httpx.Client
	chatURL string
	model   string
	logger  *slog.Logger
}

// NewClient creates an inference client. baseURL is the service root
// (e.g. http://localhost:11434); trailing path segments users sometimes
// include are stripped.
func NewClient(baseURL, model string, hc *httpx.Client, logger *slog.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/api/chat")

	return &Client{
		http:    hc,
		chatURL: baseURL + "/api/chat",
		model:   model,
		logger:  logger,
	}
}

// Analyze submits the prompt and returns the generated commentary. Transient
// failures are retried inside httpx; whatever error comes back here is final
// for this invocation and the record stays eligible for the next sweep.
func (c *Client) Analyze(ctx context.Context, prompt string) (Result, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshaling chat request: %w", err)
	}

	header := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := c.http.Do(ctx, http.MethodPost, c.chatURL, header, payload)
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("inference endpoint returned status %d: %s", resp.StatusCode, resp.Body)
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Result{}, fmt.Errorf("decoding chat response: %w", err)
	}
	if out.Message.Content == "" {
		return Result{}, fmt.Errorf("inference endpoint returned empty content")
	}

	return Result{
		Text:          out.Message.Content,
		Model:         out.Model,
		EvalCount:     out.EvalCount,
		TotalDuration: time.Duration(out.TotalDuration),
	}, nil
}
