package httpx

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// Transport adapts the retry policy as an http.RoundTripper so library
// clients (go-github) share the same backoff as Client.Do. Requests with a
// body must be rewindable via GetBody; everything go-github sends qualifies.
type Transport struct {
	Base   http.RoundTripper
	Policy Policy
	Logger *slog.Logger
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip retries transport errors and retryable statuses. The final
// attempt's response is returned as-is even when its status is retryable,
// so callers see the real status instead of a synthetic error.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response

	attempts, err := t.Policy.run(req.Context(), func(attempt int) (bool, error) {
		r := req
		if attempt > 0 && req.Body != nil {
			if req.GetBody == nil {
				return false, errors.New("httpx: request body is not rewindable")
			}
			body, err := req.GetBody()
			if err != nil {
				return false, err
			}
			r = req.Clone(req.Context())
			r.Body = body
		}

		res, err := t.base().RoundTrip(r)
		if err != nil {
			if t.Logger != nil {
				t.Logger.Warn("round trip attempt failed", "method", req.Method, "url", req.URL.String(), "attempt", attempt, "error", err)
			}
			return true, err
		}

		if t.Policy.RetryableStatus(res.StatusCode) && attempt < t.Policy.MaxRetries {
			io.Copy(io.Discard, res.Body) //nolint:errcheck // keep the connection reusable
			res.Body.Close()
			if t.Logger != nil {
				t.Logger.Warn("round trip attempt got transient status", "method", req.Method, "url", req.URL.String(), "attempt", attempt, "status", res.StatusCode)
			}
			return true, &StatusError{Code: res.StatusCode}
		}

		resp = res
		return false, nil
	})
	if err != nil {
		return nil, &RequestError{Method: req.Method, URL: req.URL.String(), Attempts: attempts, Err: err}
	}
	return resp, nil
}
