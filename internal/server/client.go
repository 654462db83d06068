package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the status API of a running session from another
// invocation of the tool.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the API listening on addr (host:port)
// under basePath.
func NewClient(addr, basePath string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/") + sanitizeBase(basePath),
		client:  &http.Client{Timeout: timeout},
	}
}

// Reachable reports whether a session answers on the health endpoint.
func (c *Client) Reachable(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the status of every supervised process.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	resp, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return out, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return out, apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode status: %w", err)
	}
	return out, nil
}

// Stop asks the session to stop the named processes, or all of them.
// The call returns once the session finished stopping them.
func (c *Client) Stop(ctx context.Context, names ...string) error {
	q := url.Values{}
	for _, n := range names {
		q.Add("name", n)
	}
	resp, err := c.do(ctx, http.MethodPost, "/stop", q)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func apiError(resp *http.Response) error {
	var e errorResp
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("API error: %s", resp.Status)
	}
	return fmt.Errorf("API error: %s", e.Error)
}
