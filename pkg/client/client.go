// Package client is a typed HTTP client for the flowstudio API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/runtime"
	"github.com/tcmartin/flowstudio/pkg/storage"
	"github.com/tcmartin/flowstudio/pkg/workflow"
)

// Errors matched by APIError
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
)

// APIError is returned for every non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code onto the package sentinels
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}

// ValidationError reports the structural violations that blocked a save
type ValidationError struct {
	Violations []workflow.Violation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow has %d violation(s): %s",
		len(e.Violations), strings.Join(workflow.Messages(e.Violations), "; "))
}

// RunStartRequest is the optional body of a run-start request
type RunStartRequest struct {
	Version int                    `json:"version,omitempty"`
	Input   map[string]interface{} `json:"input,omitempty"`
}

type errorBody struct {
	Error      string               `json:"error"`
	Violations []workflow.Violation `json:"violations,omitempty"`
}

type validationBody struct {
	Valid      bool                 `json:"valid"`
	Violations []workflow.Violation `json:"violations"`
}

type ingestBody struct {
	Published int `json:"published"`
}

// Client talks to one flowstudio server on behalf of one company token
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the server at baseURL
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server URL the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the bearer token sent with each request
func (c *Client) Token() string {
	return c.token
}

// List returns the workflows of the company
func (c *Client) List(ctx context.Context) ([]storage.WorkflowMetadata, error) {
	var out []storage.WorkflowMetadata
	err := c.do(ctx, http.MethodGet, "/workflows", nil, &out)
	return out, err
}

// Get fetches the latest version of a workflow
func (c *Client) Get(ctx context.Context, id string) (*workflow.Document, error) {
	var doc workflow.Document
	if err := c.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetVersion fetches a specific version of a workflow
func (c *Client) GetVersion(ctx context.Context, id string, version int) (*workflow.Document, error) {
	var doc workflow.Document
	path := fmt.Sprintf("/workflows/%s/versions/%d", url.PathEscape(id), version)
	if err := c.do(ctx, http.MethodGet, path, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListVersions lists the stored versions of a workflow
func (c *Client) ListVersions(ctx context.Context, id string) ([]storage.VersionInfo, error) {
	var out []storage.VersionInfo
	err := c.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(id)+"/versions", nil, &out)
	return out, err
}

// Create stores a new workflow
func (c *Client) Create(ctx context.Context, req workflow.SaveRequest) (*workflow.Document, error) {
	var doc workflow.Document
	if err := c.do(ctx, http.MethodPost, "/workflows", req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Update stores a new version of a workflow
func (c *Client) Update(ctx context.Context, id string, req workflow.SaveRequest) (*workflow.Document, error) {
	var doc workflow.Document
	if err := c.do(ctx, http.MethodPut, "/workflows/"+url.PathEscape(id), req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// SetActive marks a workflow as active or inactive
func (c *Client) SetActive(ctx context.Context, id string, active bool) (*workflow.Document, error) {
	var doc workflow.Document
	body := map[string]bool{"is_active": active}
	if err := c.do(ctx, http.MethodPut, "/workflows/"+url.PathEscape(id)+"/active", body, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete removes a workflow with all its versions
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/workflows/"+url.PathEscape(id), nil, nil)
}

// Validate asks the server for the violations of a graph without storing it
func (c *Client) Validate(ctx context.Context, req workflow.SaveRequest) ([]workflow.Violation, error) {
	var out validationBody
	if err := c.do(ctx, http.MethodPost, "/workflows/validate", req, &out); err != nil {
		return nil, err
	}
	return out.Violations, nil
}

// Variables returns the variable suggestions for a node of a stored workflow
func (c *Client) Variables(ctx context.Context, id, nodeID string) ([]workflow.Suggestion, error) {
	var out []workflow.Suggestion
	path := fmt.Sprintf("/workflows/%s/nodes/%s/variables", url.PathEscape(id), url.PathEscape(nodeID))
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// StartRun starts a run of a stored workflow
func (c *Client) StartRun(ctx context.Context, id string, req RunStartRequest) (runtime.Run, error) {
	var run runtime.Run
	err := c.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(id)+"/runs", req, &run)
	return run, err
}

// Ingest publishes status envelopes to a session, as the execution engine does
func (c *Client) Ingest(ctx context.Context, sessionID string, envs ...runtime.Envelope) (int, error) {
	if len(envs) == 0 {
		return 0, nil
	}
	var out ingestBody
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/events", envs, &out)
	return out.Published, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorBody
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		if resp.StatusCode == http.StatusUnprocessableEntity && len(e.Violations) > 0 {
			return &ValidationError{Violations: e.Violations}
		}
		log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("API request failed")
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
