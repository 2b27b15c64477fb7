// Package registry provides functionality for managing workflow documents.
package registry

import (
	"github.com/tcmartin/flowstudio/pkg/storage"
	"github.com/tcmartin/flowstudio/pkg/workflow"
)

// WorkflowRegistry manages workflow documents of a company
type WorkflowRegistry interface {
	// Create validates and stores a new workflow as version 1
	Create(companyID string, req workflow.SaveRequest) (*workflow.Document, error)

	// Get retrieves the latest version of a workflow
	Get(companyID, id string) (*workflow.Document, error)

	// GetVersion retrieves a specific version of a workflow
	GetVersion(companyID, id string, version int) (*workflow.Document, error)

	// List returns all workflows of a company
	List(companyID string) ([]storage.WorkflowMetadata, error)

	// ListVersions returns all versions of a workflow
	ListVersions(companyID, id string) ([]storage.VersionInfo, error)

	// Update validates the request and stores it as a new version
	Update(companyID, id string, req workflow.SaveRequest) (*workflow.Document, error)

	// SetActive marks a workflow as active or inactive
	SetActive(companyID, id string, active bool) error

	// Delete removes a workflow and all its versions
	Delete(companyID, id string) error

	// Variables returns the variable suggestions for a node of a stored workflow
	Variables(companyID, id, nodeID string) ([]workflow.Suggestion, error)
}

// Options contains options for creating a workflow registry
type Options struct {
	// NewID generates workflow ids. Defaults to random UUIDs.
	NewID func() string

	// MaxRetries bounds how often a save is retried after a concurrent version conflict
	MaxRetries int
}
