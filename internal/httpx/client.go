// Package httpx is the single outbound HTTP implementation in the service.
// Every integration (source-control API, inference API, notification
// webhook) routes through it, either via Client.Do or via Transport, so all
// of them share one backoff schedule and one set of transient conditions.
package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Response is the terse outcome of a call. Non-2xx statuses outside the
// retryable set are returned here rather than as errors; the integration
// decides what they mean.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestError is returned when a call exhausts its retries or fails
// terminally. It carries enough to log and report without re-deriving
// anything from the transport.
type RequestError struct {
	Method     string
	URL        string
	Attempts   int
	LastStatus int
	Err        error
}

func (e *RequestError) Error() string {
	if e.LastStatus != 0 {
		return fmt.Sprintf("%s %s failed after %d attempt(s): last status %d", e.Method, e.URL, e.Attempts, e.LastStatus)
	}
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Method, e.URL, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Client issues JSON-ish requests with retries per its Policy. Each attempt
// gets its own timeout, distinct from any deadline on the caller's context.
type Client struct {
	hc      *http.Client
	policy  Policy
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a retrying client. timeout bounds each individual
// attempt, not the whole call.
func NewClient(policy Policy, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		hc:      &http.Client{},
		policy:  policy,
		timeout: timeout,
		logger:  logger,
	}
}

// Do performs the request, retrying transport errors and retryable status
// codes. On exhaustion it returns a *RequestError, never a panic or a bare
// transport error.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	var (
		resp       *Response
		lastStatus int
	)

	attempts, err := c.policy.run(ctx, func(attempt int) (bool, error) {
		actx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(actx, method, url, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		for k, vs := range header {
			req.Header[k] = vs
		}

		res, err := c.hc.Do(req)
		if err != nil {
			c.logger.Warn("request attempt failed", "method", method, "url", url, "attempt", attempt, "error", err)
			return true, err
		}
		defer res.Body.Close()

		b, err := io.ReadAll(res.Body)
		if err != nil {
			return true, err
		}

		if c.policy.RetryableStatus(res.StatusCode) {
			lastStatus = res.StatusCode
			c.logger.Warn("request attempt got transient status", "method", method, "url", url, "attempt", attempt, "status", res.StatusCode)
			return true, &StatusError{Code: res.StatusCode}
		}

		resp = &Response{StatusCode: res.StatusCode, Header: res.Header, Body: b}
		return false, nil
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			lastStatus = se.Code
		}
		return nil, &RequestError{Method: method, URL: url, Attempts: attempts, LastStatus: lastStatus, Err: err}
	}
	return resp, nil
}
