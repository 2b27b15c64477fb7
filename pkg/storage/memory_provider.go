package storage

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryProvider implements the StorageProvider interface using in-memory storage
type MemoryProvider struct {
	workflowStore *MemoryWorkflowStore
}

// NewMemoryProvider creates a new in-memory storage provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		workflowStore: NewMemoryWorkflowStore(),
	}
}

// Initialize sets up the storage backend
func (p *MemoryProvider) Initialize() error {
	// Nothing to initialize for in-memory storage
	return nil
}

// Close cleans up resources
func (p *MemoryProvider) Close() error {
	return nil
}

// GetWorkflowStore returns a store for workflow documents
func (p *MemoryProvider) GetWorkflowStore() WorkflowStore {
	return p.workflowStore
}

// MemoryWorkflowStore implements the WorkflowStore interface using in-memory storage
type MemoryWorkflowStore struct {
	// companyID -> workflowID -> versions, oldest first
	versions map[string]map[string][]WorkflowRecord
	active   map[string]map[string]bool
	mu       sync.RWMutex
}

// NewMemoryWorkflowStore creates a new in-memory workflow store
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		versions: make(map[string]map[string][]WorkflowRecord),
		active:   make(map[string]map[string]bool),
	}
}

// SaveVersion persists a new version of a workflow
func (s *MemoryWorkflowStore) SaveVersion(rec WorkflowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[rec.CompanyID]; !ok {
		s.versions[rec.CompanyID] = make(map[string][]WorkflowRecord)
		s.active[rec.CompanyID] = make(map[string]bool)
	}

	existing := s.versions[rec.CompanyID][rec.WorkflowID]
	for _, v := range existing {
		if v.Version == rec.Version {
			return ErrVersionConflict
		}
	}

	now := time.Now().Unix()
	if len(existing) > 0 {
		rec.CreatedAt = existing[0].CreatedAt
	} else if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Steps = append(json.RawMessage(nil), rec.Steps...)

	existing = append(existing, rec)
	sort.Slice(existing, func(i, j int) bool { return existing[i].Version < existing[j].Version })
	s.versions[rec.CompanyID][rec.WorkflowID] = existing
	s.active[rec.CompanyID][rec.WorkflowID] = rec.IsActive
	return nil
}

// GetLatest retrieves the most recent version of a workflow
func (s *MemoryWorkflowStore) GetLatest(companyID, workflowID string) (WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.versions[companyID][workflowID]
	if len(versions) == 0 {
		return WorkflowRecord{}, ErrWorkflowNotFound
	}
	rec := versions[len(versions)-1]
	rec.IsActive = s.active[companyID][workflowID]
	return rec, nil
}

// GetVersion retrieves a specific version of a workflow
func (s *MemoryWorkflowStore) GetVersion(companyID, workflowID string, version int) (WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.versions[companyID][workflowID]
	if !ok {
		return WorkflowRecord{}, ErrWorkflowNotFound
	}
	for _, v := range versions {
		if v.Version == version {
			v.IsActive = s.active[companyID][workflowID]
			return v, nil
		}
	}
	return WorkflowRecord{}, ErrVersionNotFound
}

// ListVersions returns the versions of a workflow
func (s *MemoryWorkflowStore) ListVersions(companyID, workflowID string) ([]VersionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.versions[companyID][workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	out := make([]VersionInfo, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.versionInfo())
	}
	return out, nil
}

// List returns the metadata of every workflow of a company
func (s *MemoryWorkflowStore) List(companyID string) ([]WorkflowMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WorkflowMetadata, 0, len(s.versions[companyID]))
	for id, versions := range s.versions[companyID] {
		latest := versions[len(versions)-1]
		latest.IsActive = s.active[companyID][id]
		out = append(out, latest.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetActive marks a workflow as active or inactive
func (s *MemoryWorkflowStore) SetActive(companyID, workflowID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.versions[companyID][workflowID]) == 0 {
		return ErrWorkflowNotFound
	}
	s.active[companyID][workflowID] = active
	return nil
}

// Delete removes a workflow and all its versions
func (s *MemoryWorkflowStore) Delete(companyID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[companyID][workflowID]; !ok {
		return ErrWorkflowNotFound
	}
	delete(s.versions[companyID], workflowID)
	delete(s.active[companyID], workflowID)
	return nil
}
