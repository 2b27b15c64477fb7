// Package runtime describes workflow runs as seen from the console: the run-start
// contract with the execution engine and the status events it reports back.
package runtime

import (
	"context"
	"errors"
	"time"
)

// Errors returned by engines and status parsing
var (
	ErrUnknownStatus = errors.New("unknown node status")
	ErrEngine        = errors.New("execution engine error")
)

// Engine starts workflow runs. The engine executes the run and reports
// node status changes back through the status ingest endpoint.
type Engine interface {
	// StartRun asks the engine to begin executing a workflow
	StartRun(ctx context.Context, req RunRequest) (Run, error)
}

// RunRequest identifies the workflow to execute
type RunRequest struct {
	CompanyID  string                 `json:"company_id"`
	WorkflowID string                 `json:"workflow_id"`
	Version    int                    `json:"version,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
}

// Run is a started execution instance
type Run struct {
	// RunID identifies the run
	RunID string `json:"run_id"`

	// SessionID addresses the status stream of the run
	SessionID string `json:"session_id"`

	// WorkflowID is the ID of the workflow being executed
	WorkflowID string `json:"workflow_id"`

	// StartedAt is when the run was accepted
	StartedAt time.Time `json:"started_at"`
}
