package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/twitchkit/internal/auth"
)

// Client provides access to the Helix REST API.
type Client struct {
	baseURL    string
	clientID   string
	gate       *auth.Gate
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client. A nil gate sends requests
// without a credential.
func NewClient(baseURL, clientID string, gate *auth.Gate, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  baseURL,
		clientID: clientID,
		gate:     gate,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration for 5xx and 429 responses.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}
