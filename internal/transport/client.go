// Package transport is the HTTP client for the remote completion store. The
// engine treats the remote as the source of truth: on any disagreement with
// the local optimistic cache, the server response wins.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hyperengineering/ritual/internal/types"
)

// Remote is the narrow interface the queue and coordinator depend on.
// Implemented by Client; tests substitute fakes.
type Remote interface {
	Ping(ctx context.Context) error
	GetLog(ctx context.Context, ritual types.RitualType, dateKey string) (*types.Completion, error)
	ListRange(ctx context.Context, ritual types.RitualType, fromKey, toKey string) ([]types.Completion, error)
	UpsertLog(ctx context.Context, c types.Completion) (*types.Completion, error)
}

// Client talks to the remote ritual service.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a transport client for the given base URL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Ping checks connectivity to the remote service.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return &Error{Category: CategoryTransient, Op: "ping", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Category: classifyStatus(resp.StatusCode), Op: "ping", Status: resp.StatusCode}
	}
	return nil
}

// GetLog fetches the zero-or-one completion for (ritual, dateKey).
// Returns (nil, nil) when no record exists.
func (c *Client) GetLog(ctx context.Context, ritual types.RitualType, dateKey string) (*types.Completion, error) {
	q := url.Values{}
	q.Set("type", string(ritual))
	q.Set("date", dateKey)

	resp, err := c.send(ctx, http.MethodGet, "/api/v1/logs?"+q.Encode(), nil)
	if err != nil {
		return nil, &Error{Category: CategoryTransient, Op: "get log", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Category: classifyStatus(resp.StatusCode), Op: "get log", Status: resp.StatusCode}
	}

	var out types.Completion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Category: CategoryTransient, Op: "get log", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

// ListRange fetches completions for a ritual with date keys in [fromKey, toKey].
func (c *Client) ListRange(ctx context.Context, ritual types.RitualType, fromKey, toKey string) ([]types.Completion, error) {
	q := url.Values{}
	q.Set("type", string(ritual))
	q.Set("from", fromKey)
	q.Set("to", toKey)

	resp, err := c.send(ctx, http.MethodGet, "/api/v1/logs/range?"+q.Encode(), nil)
	if err != nil {
		return nil, &Error{Category: CategoryTransient, Op: "list range", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Category: classifyStatus(resp.StatusCode), Op: "list range", Status: resp.StatusCode}
	}

	var out []types.Completion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Category: CategoryTransient, Op: "list range", Err: fmt.Errorf("decode response: %w", err)}
	}
	return out, nil
}

// UpsertLog performs an upsert by (type, dateKey) and returns the canonical
// stored record including the server timestamp. Re-delivery of an
// already-applied completion is a safe no-op.
func (c *Client) UpsertLog(ctx context.Context, completion types.Completion) (*types.Completion, error) {
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/logs", completion)
	if err != nil {
		return nil, &Error{Category: CategoryTransient, Op: "upsert log", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &Error{Category: classifyStatus(resp.StatusCode), Op: "upsert log", Status: resp.StatusCode}
	}

	var out types.Completion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Category: CategoryTransient, Op: "upsert log", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

// send issues an authenticated JSON request.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.client.Do(req)
}

var _ Remote = (*Client)(nil)
