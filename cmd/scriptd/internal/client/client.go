// Package client talks to the admin API of a running engine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nfrund/scriptd/internal/lifecycle"
	"github.com/nfrund/scriptd/internal/messaging"
)

// Client is an admin API client.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the API at base, for example http://localhost:8089.
func New(base string) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx answer.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s", e.Status, e.Message)
}

// Scripts lists every script known to the engine.
func (c *Client) Scripts(ctx context.Context) ([]lifecycle.Status, error) {
	var out []lifecycle.Status
	err := c.do(ctx, http.MethodGet, "/api/scripts", nil, &out)
	return out, err
}

// Script returns one script.
func (c *Client) Script(ctx context.Context, id string) (*lifecycle.Status, error) {
	var out lifecycle.Status
	if err := c.do(ctx, http.MethodGet, "/api/scripts/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send delivers a message to script handlers and returns the reply.
func (c *Client) Send(ctx context.Context, msg messaging.ToScript) (*messaging.Reply, error) {
	var out messaging.Reply
	if err := c.do(ctx, http.MethodPost, "/api/messages", msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
