// Package platform contains a minimal client for the streaming platform REST
// API: live channel listing, chat endpoint/auth-key lookup, and per-channel
// participant listing. All calls funnel through Get, which retries on HTTP 429
// with increasing backoff and errors on any other non-200 status.
package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// PageSize is the platform's maximum page size for list endpoints.
	PageSize = 100

	rateLimitMaxRetries = 10
	rateLimitBaseDelay  = 200 * time.Millisecond
)

// Client calls the platform REST API. BaseURL has no trailing slash.
// OAuthToken is only attached when a call asks for credentials.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	ClientID   string
	OAuthToken string

	mu           sync.Mutex
	channelNames map[int64]string
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Get fetches path (relative, e.g. "api/v1/channels?...") and returns the body.
// On 429 it backs off and retries within the same call; any other non-200 is an
// error. Rate limiting is never surfaced to callers as a failure unless the
// retry budget is exhausted.
func (c *Client) Get(ctx context.Context, path string, useCreds bool) ([]byte, error) {
	url := c.BaseURL + "/" + path
	for attempt := 1; attempt <= rateLimitMaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Client-ID", c.ClientID)
		if useCreds && c.OAuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.OAuthToken)
		}
		resp, err := c.http().Do(req)
		if err != nil {
			return nil, err
		}
		body, readErr := io.ReadAll(resp.Body)
		if err := resp.Body.Close(); err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * rateLimitBaseDelay):
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("platform request %s failed: %s: %s", path, resp.Status, string(body))
		}
		if readErr != nil {
			return nil, readErr
		}
		return body, nil
	}
	return nil, fmt.Errorf("platform request %s rate limited after %d attempts", path, rateLimitMaxRetries)
}
