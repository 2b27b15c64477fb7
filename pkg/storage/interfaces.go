// Package storage provides persistence for workflow documents and their versions.
package storage

import (
	"encoding/json"
	"errors"
)

// Errors returned by every storage provider
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrVersionNotFound  = errors.New("workflow version not found")
	ErrVersionConflict  = errors.New("workflow version already exists")
)

// StorageProvider defines the interface for persistence backends
type StorageProvider interface {
	// Initialize sets up the storage backend
	Initialize() error

	// Close cleans up resources
	Close() error

	// GetWorkflowStore returns a store for workflow documents
	GetWorkflowStore() WorkflowStore
}

// WorkflowStore manages workflow documents. Every save creates an immutable
// version; the latest version is the document returned by GetLatest.
type WorkflowStore interface {
	// SaveVersion persists rec as a new version. It fails with ErrVersionConflict
	// when the version already exists.
	SaveVersion(rec WorkflowRecord) error

	// GetLatest retrieves the most recent version of a workflow
	GetLatest(companyID, workflowID string) (WorkflowRecord, error)

	// GetVersion retrieves a specific version of a workflow
	GetVersion(companyID, workflowID string, version int) (WorkflowRecord, error)

	// ListVersions returns the versions of a workflow, oldest first
	ListVersions(companyID, workflowID string) ([]VersionInfo, error)

	// List returns the metadata of every workflow of a company
	List(companyID string) ([]WorkflowMetadata, error)

	// SetActive marks a workflow as active or inactive
	SetActive(companyID, workflowID string, active bool) error

	// Delete removes a workflow and all its versions
	Delete(companyID, workflowID string) error
}

// WorkflowRecord is one stored version of a workflow document
type WorkflowRecord struct {
	CompanyID   string          `json:"company_id"`
	WorkflowID  string          `json:"workflow_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Version     int             `json:"version"`
	IsActive    bool            `json:"is_active"`
	Steps       json.RawMessage `json:"visual_steps,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// WorkflowMetadata describes a workflow without its graph
type WorkflowMetadata struct {
	ID          string `json:"id"`
	CompanyID   string `json:"company_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     int    `json:"version"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// VersionInfo describes one stored version
type VersionInfo struct {
	Version     int    `json:"version"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
}

// Metadata returns the metadata of the record
func (r WorkflowRecord) Metadata() WorkflowMetadata {
	return WorkflowMetadata{
		ID:          r.WorkflowID,
		CompanyID:   r.CompanyID,
		Name:        r.Name,
		Description: r.Description,
		Version:     r.Version,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (r WorkflowRecord) versionInfo() VersionInfo {
	return VersionInfo{
		Version:     r.Version,
		Name:        r.Name,
		Description: r.Description,
		CreatedAt:   r.UpdatedAt,
	}
}
