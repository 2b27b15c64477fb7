package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tcmartin/flowstudio/pkg/storage"
	"github.com/tcmartin/flowstudio/pkg/workflow"
)

// Errors returned by the workflow registry
var (
	ErrInvalidWorkflow = errors.New("invalid workflow document")
	ErrNameRequired    = errors.New("workflow name is required")
)

// ValidationError is returned when a workflow graph has structural violations.
// Nothing is persisted when it is returned.
type ValidationError struct {
	Violations []workflow.Violation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow has %d violation(s): %s",
		len(e.Violations), strings.Join(workflow.Messages(e.Violations), "; "))
}

// WorkflowRegistryService implements the WorkflowRegistry interface
type WorkflowRegistryService struct {
	store      storage.WorkflowStore
	newID      func() string
	maxRetries int
}

// NewWorkflowRegistry creates a new workflow registry service
func NewWorkflowRegistry(store storage.WorkflowStore, options Options) *WorkflowRegistryService {
	if options.NewID == nil {
		options.NewID = uuid.NewString
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = 3
	}
	return &WorkflowRegistryService{
		store:      store,
		newID:      options.NewID,
		maxRetries: options.MaxRetries,
	}
}

// Create stores a new workflow
func (r *WorkflowRegistryService) Create(companyID string, req workflow.SaveRequest) (*workflow.Document, error) {
	steps, err := r.check(req)
	if err != nil {
		return nil, err
	}

	rec := storage.WorkflowRecord{
		CompanyID:   companyID,
		WorkflowID:  r.newID(),
		Name:        req.Name,
		Description: req.Description,
		Version:     1,
		Steps:       steps,
	}
	if err := r.store.SaveVersion(rec); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	log.Info().
		Str("company_id", companyID).
		Str("workflow_id", rec.WorkflowID).
		Msg("Workflow created")
	return r.Get(companyID, rec.WorkflowID)
}

// Get retrieves the latest version of a workflow
func (r *WorkflowRegistryService) Get(companyID, id string) (*workflow.Document, error) {
	rec, err := r.store.GetLatest(companyID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return toDocument(rec)
}

// GetVersion retrieves a specific version of a workflow
func (r *WorkflowRegistryService) GetVersion(companyID, id string, version int) (*workflow.Document, error) {
	rec, err := r.store.GetVersion(companyID, id, version)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow version: %w", err)
	}
	return toDocument(rec)
}

// List returns all workflows of a company
func (r *WorkflowRegistryService) List(companyID string) ([]storage.WorkflowMetadata, error) {
	list, err := r.store.List(companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return list, nil
}

// ListVersions returns all versions of a workflow
func (r *WorkflowRegistryService) ListVersions(companyID, id string) ([]storage.VersionInfo, error) {
	versions, err := r.store.ListVersions(companyID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow versions: %w", err)
	}
	return versions, nil
}

// Update stores the request as the next version of an existing workflow
func (r *WorkflowRegistryService) Update(companyID, id string, req workflow.SaveRequest) (*workflow.Document, error) {
	steps, err := r.check(req)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		latest, err := r.store.GetLatest(companyID, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get workflow: %w", err)
		}

		rec := storage.WorkflowRecord{
			CompanyID:   companyID,
			WorkflowID:  id,
			Name:        req.Name,
			Description: req.Description,
			Version:     latest.Version + 1,
			IsActive:    latest.IsActive,
			Steps:       steps,
		}
		err = r.store.SaveVersion(rec)
		if err == nil {
			log.Info().
				Str("company_id", companyID).
				Str("workflow_id", id).
				Int("version", rec.Version).
				Msg("Workflow saved")
			return r.GetVersion(companyID, id, rec.Version)
		}
		if !errors.Is(err, storage.ErrVersionConflict) || attempt+1 >= r.maxRetries {
			return nil, fmt.Errorf("failed to save workflow: %w", err)
		}
		log.Warn().
			Str("workflow_id", id).
			Int("version", rec.Version).
			Msg("Concurrent save detected, retrying")
	}
}

// SetActive marks a workflow as active or inactive
func (r *WorkflowRegistryService) SetActive(companyID, id string, active bool) error {
	if err := r.store.SetActive(companyID, id, active); err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return nil
}

// Delete removes a workflow
func (r *WorkflowRegistryService) Delete(companyID, id string) error {
	if err := r.store.Delete(companyID, id); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	log.Info().Str("company_id", companyID).Str("workflow_id", id).Msg("Workflow deleted")
	return nil
}

// Variables returns the variable suggestions for a node of the latest version
func (r *WorkflowRegistryService) Variables(companyID, id, nodeID string) ([]workflow.Suggestion, error) {
	doc, err := r.Get(companyID, id)
	if err != nil {
		return nil, err
	}
	g, err := doc.Graph()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	if !g.HasNode(nodeID) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrNodeNotFound, nodeID)
	}
	return workflow.Variables(g, nodeID), nil
}

// check runs the validation gate and returns the steps to persist
func (r *WorkflowRegistryService) check(req workflow.SaveRequest) (json.RawMessage, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, ErrNameRequired
	}
	g, err := req.Graph()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	if violations := workflow.Validate(g); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	steps, err := json.Marshal(g.Steps())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	return steps, nil
}

// toDocument converts a stored record. A record without steps gets a seeded graph.
func toDocument(rec storage.WorkflowRecord) (*workflow.Document, error) {
	doc := &workflow.Document{
		ID:          rec.WorkflowID,
		Name:        rec.Name,
		Description: rec.Description,
		Version:     rec.Version,
		IsActive:    rec.IsActive,
	}
	if rec.CreatedAt > 0 {
		t := time.Unix(rec.CreatedAt, 0).UTC()
		doc.CreatedAt = &t
	}
	if rec.UpdatedAt > 0 {
		t := time.Unix(rec.UpdatedAt, 0).UTC()
		doc.UpdatedAt = &t
	}

	if len(rec.Steps) == 0 || string(rec.Steps) == "null" {
		steps := workflow.NewSeededGraph().Steps()
		doc.VisualSteps = &steps
		return doc, nil
	}

	var steps workflow.VisualSteps
	if err := json.Unmarshal(rec.Steps, &steps); err != nil {
		return nil, fmt.Errorf("%w: workflow %s: %v", ErrInvalidWorkflow, rec.WorkflowID, err)
	}
	doc.VisualSteps = &steps
	return doc, nil
}
