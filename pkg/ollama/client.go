// Package ollama provides the HTTP client shared by the Ollama model
// provider and embedder.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kadirpekel/warden/pkg/httpclient"
)

const defaultBaseURL = "http://localhost:11434"

// Client talks to one Ollama server.
type Client struct {
	baseURL string
	http    *httpclient.Client
}

// NewClient builds a client for the given base URL. An empty URL
// targets the local default, a non-positive timeout falls back to 60s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}
}

// Post sends payload as JSON to the given API path.
func (c *Client) Post(ctx context.Context, path string, payload any) (*http.Response, error) {
	return c.post(ctx, path, payload, false)
}

// PostStream is Post with streaming response semantics requested.
func (c *Client) PostStream(ctx context.Context, path string, payload any) (*http.Response, error) {
	return c.post(ctx, path, payload, true)
}

func (c *Client) post(ctx context.Context, path string, payload any, stream bool) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "application/x-ndjson")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	return resp, nil
}

// BaseURL reports the server this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}
