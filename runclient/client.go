// Package runclient implements run.Store against the main
// application's internal REST API. The control plane never owns run
// storage; this client is the production persistence collaborator.
//
// Usage:
//
//	rc := runclient.New("https://app.internal",
//	    runclient.WithToken("svc_..."),
//	)
//	r, err := rc.GetRun(ctx, runID)
package runclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lattice "github.com/Richardson2512/testlattice-backend-sub001"
	"github.com/Richardson2512/testlattice-backend-sub001/id"
	"github.com/Richardson2512/testlattice-backend-sub001/run"
)

// Compile-time interface check.
var _ run.Store = (*Client)(nil)

// Client talks to the application's internal run API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token for internal API calls.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the internal run API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetRun implements run.Store.
func (c *Client) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	var r run.Run
	err := c.do(ctx, http.MethodGet, "/internal/runs/"+runID.String(), nil, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRun implements run.Store.
func (c *Client) UpdateRun(ctx context.Context, runID id.RunID, patch run.Patch) (*run.Run, error) {
	var r run.Run
	err := c.do(ctx, http.MethodPatch, "/internal/runs/"+runID.String(), patch, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListArtifacts implements run.Store.
func (c *Client) ListArtifacts(ctx context.Context, runID id.RunID) ([]*run.Artifact, error) {
	var resp struct {
		Artifacts []*run.Artifact `json:"artifacts"`
	}
	err := c.do(ctx, http.MethodGet, "/internal/runs/"+runID.String()+"/artifacts", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

// ListStaleRuns implements run.Store.
func (c *Client) ListStaleRuns(ctx context.Context, age time.Duration) ([]*run.Run, error) {
	var resp struct {
		Runs []*run.Run `json:"runs"`
	}
	path := fmt.Sprintf("/internal/runs/stale?age=%s", age)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// do performs one request with auth, mapping 404 to ErrRunNotFound.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("runclient: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("runclient: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("runclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do with the close error

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return lattice.ErrRunNotFound
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck // best-effort error body
		return fmt.Errorf("runclient: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("runclient: decode %s %s: %w", method, path, err)
	}
	return nil
}
