package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// httpEngine starts runs on a remote execution engine
type httpEngine struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPEngine creates an Engine that posts run requests to baseURL + /runs
func NewHTTPEngine(baseURL, token string, timeout time.Duration) Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *httpEngine) StartRun(ctx context.Context, req RunRequest) (Run, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Run{}, fmt.Errorf("failed to marshal run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return Run{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Run{}, fmt.Errorf("%w: failed to read response: %v", ErrEngine, err)
	}
	if resp.StatusCode >= 300 {
		return Run{}, fmt.Errorf("%w: status %d: %s", ErrEngine, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var run Run
	if err := json.Unmarshal(respBody, &run); err != nil {
		return Run{}, fmt.Errorf("%w: invalid response: %v", ErrEngine, err)
	}
	if run.SessionID == "" {
		run.SessionID = run.RunID
	}
	if run.RunID == "" {
		return Run{}, fmt.Errorf("%w: response has no run_id", ErrEngine)
	}
	if run.WorkflowID == "" {
		run.WorkflowID = req.WorkflowID
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	log.Info().
		Str("workflow_id", req.WorkflowID).
		Str("run_id", run.RunID).
		Msg("Run started on engine")
	return run, nil
}

// detachedEngine allocates run identifiers without contacting an engine.
// The engine is expected to pick the run up from the status ingest side.
type detachedEngine struct{}

// NewDetachedEngine creates an Engine that only allocates ids
func NewDetachedEngine() Engine {
	return detachedEngine{}
}

func (detachedEngine) StartRun(ctx context.Context, req RunRequest) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	id := uuid.New().String()
	log.Debug().Str("workflow_id", req.WorkflowID).Str("run_id", id).Msg("Allocated detached run")
	return Run{
		RunID:      id,
		SessionID:  id,
		WorkflowID: req.WorkflowID,
		StartedAt:  time.Now(),
	}, nil
}
