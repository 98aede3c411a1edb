package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
)

// headerIdempotencyKey matches the server's Idempotency-Key middleware.
const headerIdempotencyKey = "Idempotency-Key"

// Client calls the Sentinel HTTP API.
type Client struct {
	base  string
	token string
	http  *retryablehttp.Client
}

// NewClient returns a client for base. Reads are retried on 429 and 5xx; writes
// only on transport errors, and always carry an Idempotency-Key so a retried write
// is rejected instead of applied twice.
func NewClient(base, token string, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil && resp != nil && resp.Request != nil && resp.Request.Method != http.MethodGet {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return &Client{base: strings.TrimRight(base, "/"), token: token, http: rc}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status   int
	Response errors.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Response.Error == "" {
		return fmt.Sprintf("server answered %d", e.Status)
	}
	msg := fmt.Sprintf("%s: %s", e.Response.Error, e.Response.ErrorDescription)
	if e.Response.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %ds)", e.Response.RetryAfter)
	}
	return msg
}

// Do sends in as JSON to path and decodes the answer into out. Either may be nil.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(constants.HeaderAuthorization, "Bearer "+c.token)
	}
	if method != http.MethodGet {
		req.Header.Set(headerIdempotencyKey, uuid.NewString())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, &apiErr.Response)
		// Some endpoints report a failed check in the body with a 409.
		if out != nil && resp.StatusCode == http.StatusConflict && apiErr.Response.Error == "" {
			if err := json.Unmarshal(raw, out); err == nil {
				return apiErr
			}
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
