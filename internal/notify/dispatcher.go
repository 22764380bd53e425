// Package notify formats per-commit review reports and delivers them to a
// WeChat-Work style chat webhook.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"code-review-service/internal/httpx"
	"code-review-service/internal/model"
)

const (
	maxMessageChars  = 200
	maxAnalysisChars = 3000
)

// ChatMessage is the destination webhook's payload shape.
type ChatMessage struct {
	MsgType  string           `json:"msgtype"`
	Markdown *MarkdownContent `json:"markdown,omitempty"`
	Text     *TextContent     `json:"text,omitempty"`
}

// MarkdownContent wraps a rich-text message body.
type MarkdownContent struct {
	Content string `json:"content"`
}

// TextContent wraps a plain-text message body.
type TextContent struct {
	Content string `json:"content"`
}

type webhookResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Dispatcher builds and sends commit reports. Delivery rate limiting (batch
// cap, inter-message delay) is enforced by the pipeline's notify stage; the
// dispatcher handles one message at a time.
type Dispatcher struct {
	http   *httpx.Client
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher on the shared retrying client.
func NewDispatcher(hc *httpx.Client, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{http: hc, logger: logger}
}

// Format renders one record as a markdown report.
func (d *Dispatcher) Format(rec model.CommitRecord) ChatMessage {
	message := truncate(rec.CommitMessage, maxMessageChars)

	analysis := "No analysis available"
	if rec.AnalysisSuggestion != nil {
		analysis = truncate(*rec.AnalysisSuggestion, maxAnalysisChars)
	}

	content := fmt.Sprintf(`# Code Review Result

**Commit:**
- **Author:** %s
- **SHA:** `+"`%s`"+`
- **Date:** %s
- **Message:** %s

**AI Analysis:**
%s`,
		rec.AuthorName,
		rec.ShortSHA(),
		rec.CommitTimestamp.Format(time.RFC3339),
		message,
		analysis,
	)

	return ChatMessage{
		MsgType:  "markdown",
		Markdown: &MarkdownContent{Content: content},
	}
}

// Deliver posts the message to the webhook. The destination reports
// application-level failures with errcode inside a 200 response, so both the
// HTTP status and the body are checked.
func (d *Dispatcher) Deliver(ctx context.Context, webhookURL string, msg ChatMessage) error {
	if webhookURL == "" {
		return fmt.Errorf("notification webhook URL not configured")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling chat message: %w", err)
	}

	header := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := d.http.Do(ctx, http.MethodPost, webhookURL, header, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}

	var out webhookResponse
	if err := json.Unmarshal(resp.Body, &out); err == nil && out.ErrCode != 0 {
		return fmt.Errorf("notification webhook rejected message: errcode=%d errmsg=%q", out.ErrCode, out.ErrMsg)
	}

	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
