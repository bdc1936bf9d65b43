package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rickgao/twitchkit/internal/auth"
	"github.com/rickgao/twitchkit/internal/version"
)

// APIError represents an error from the Helix API.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a backoff retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// IsUnauthorized returns true if the credential was rejected. Helix answers
// 400 for some malformed or revoked tokens.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnauthorized
}

// Is lets errors.Is(err, auth.ErrUnauthorized) match rejected credentials.
func (e *APIError) Is(target error) bool {
	return target == auth.ErrUnauthorized && e.IsUnauthorized()
}

func newAPIError(status int, body []byte) *APIError {
	msg := http.StatusText(status)
	if gjson.ValidBytes(body) {
		if m := gjson.GetBytes(body, "message").Str; m != "" {
			msg = m
		}
	}
	return &APIError{StatusCode: status, Message: msg, Body: body}
}

// doRequest performs an HTTP request with the given method and path.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, token string) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.clientID != "" {
		req.Header.Set("Client-Id", c.clientID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, newAPIError(resp.StatusCode, body)
	}

	return body, nil
}

// doWithRetry performs a request with exponential backoff retry.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values, token string) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := c.doRequest(ctx, method, path, query, token)
		if err == nil {
			return body, nil
		}

		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Get performs a GET under scope and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, scope auth.Scope, path string, query url.Values, out any) error {
	call := func(ctx context.Context, cred auth.Credential) error {
		body, err := c.doWithRetry(ctx, http.MethodGet, path, query, cred.AccessToken)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	}

	if c.gate == nil {
		return call(ctx, auth.Credential{})
	}
	return c.gate.Do(ctx, scope, call)
}
