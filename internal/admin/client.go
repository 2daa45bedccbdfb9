package admin

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

	"relaybot/internal/breaker"
	"relaybot/internal/listener"
)

// DefaultClientTimeout covers a full ResetAll over a long listener list.
const DefaultClientTimeout = 5 * time.Minute

// Client calls a running admin API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// APIError is a request the server refused.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s", e.Status, e.Message)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

func (c *Client) Status(ctx context.Context) (listener.StatusReport, error) {
	var out listener.StatusReport
	err := c.do(ctx, http.MethodGet, apiPrefix+"/listeners", nil, &out)
	return out, err
}

func (c *Client) Add(ctx context.Context, chat string) (listener.Result, error) {
	var out listener.Result
	err := c.do(ctx, http.MethodPost, apiPrefix+"/listeners", addRequest{Chat: chat}, &out)
	return out, err
}

func (c *Client) Remove(ctx context.Context, chat string) (listener.Result, error) {
	var out listener.Result
	err := c.do(ctx, http.MethodDelete, apiPrefix+"/listeners/"+url.PathEscape(chat), nil, &out)
	return out, err
}

func (c *Client) Reset(ctx context.Context, chat string) (listener.ResetResult, error) {
	var out listener.ResetResult
	err := c.do(ctx, http.MethodPost, apiPrefix+"/listeners/"+url.PathEscape(chat)+"/reset", nil, &out)
	return out, err
}

func (c *Client) Refresh(ctx context.Context) (listener.RefreshReport, error) {
	var out listener.RefreshReport
	err := c.do(ctx, http.MethodPost, apiPrefix+"/listeners/refresh", nil, &out)
	return out, err
}

func (c *Client) ResetAll(ctx context.Context) (listener.ResetAllReport, error) {
	var out listener.ResetAllReport
	err := c.do(ctx, http.MethodPost, apiPrefix+"/listeners/reset-all", nil, &out)
	return out, err
}

func (c *Client) Breaker(ctx context.Context) (breaker.State, error) {
	var out breaker.State
	err := c.do(ctx, http.MethodGet, apiPrefix+"/breaker", nil, &out)
	return out, err
}

// do sends one request and decodes the envelope's data into out. An
// operation that ran but failed is not an error here; its result says so.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin api unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
