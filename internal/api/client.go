package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/harmonia-app/chatcore/internal/config"
	apperr "github.com/harmonia-app/chatcore/internal/errors"
)

// Client talks to the REST side of the chat backend: the limits snapshot,
// room bookkeeping and block endpoints. The realtime channel is handled
// separately by the conn package.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL: cfg.API.BaseURL,
		http:    &http.Client{Timeout: cfg.API.Timeout},
		token:   cfg.API.Token,
	}
}

// SetToken replaces the bearer credential after a rotation.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer credential.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// envelope is the server's standard JSON wrapper. Some endpoints return
// their payload at the top level instead; those decode the body directly.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// do performs one authenticated request and decodes the response body into
// out (skipped when out is nil). Non-2xx statuses are mapped into coded
// errors, with the server's message attached when it sent one.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, "encode request", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.MapTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode)
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			msg = env.Message
		}
		return apperr.MapHTTP(resp.StatusCode, msg)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "decode response", err)
	}
	return nil
}

func query(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return "?" + q.Encode()
}

// Timestamp formats a client timestamp the way the backend expects it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
