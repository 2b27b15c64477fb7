package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgreSQLProvider implements the StorageProvider interface using PostgreSQL
type PostgreSQLProvider struct {
	db            *sql.DB
	workflowStore *PostgreSQLWorkflowStore
}

// PostgreSQLProviderConfig contains configuration for the PostgreSQL provider
type PostgreSQLProviderConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewPostgreSQLProvider creates a new PostgreSQL storage provider
func NewPostgreSQLProvider(config PostgreSQLProviderConfig) (*PostgreSQLProvider, error) {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &PostgreSQLProvider{
		db:            db,
		workflowStore: NewPostgreSQLWorkflowStore(db),
	}, nil
}

// Initialize sets up the storage backend
func (p *PostgreSQLProvider) Initialize() error {
	if err := p.workflowStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize workflow store: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *PostgreSQLProvider) Close() error {
	return p.db.Close()
}

// GetWorkflowStore returns a store for workflow documents
func (p *PostgreSQLProvider) GetWorkflowStore() WorkflowStore {
	return p.workflowStore
}

// PostgreSQLWorkflowStore implements the WorkflowStore interface using PostgreSQL
type PostgreSQLWorkflowStore struct {
	db *sql.DB
}

// NewPostgreSQLWorkflowStore creates a new PostgreSQL workflow store
func NewPostgreSQLWorkflowStore(db *sql.DB) *PostgreSQLWorkflowStore {
	return &PostgreSQLWorkflowStore{db: db}
}

// Initialize creates the PostgreSQL tables if they don't exist
func (s *PostgreSQLWorkflowStore) Initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			company_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			version INTEGER NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (company_id, workflow_id)
		);
		CREATE TABLE IF NOT EXISTS workflow_versions (
			company_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			visual_steps JSONB,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (company_id, workflow_id, version)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create workflow tables: %w", err)
	}
	return nil
}

// SaveVersion persists a new version and moves the workflow head to it
func (s *PostgreSQLWorkflowStore) SaveVersion(rec WorkflowRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var steps interface{}
	if len(rec.Steps) > 0 {
		steps = string(rec.Steps)
	}

	_, err = tx.Exec(
		`INSERT INTO workflow_versions (company_id, workflow_id, version, name, description, visual_steps, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.CompanyID, rec.WorkflowID, rec.Version, rec.Name, rec.Description, steps, now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to insert workflow version: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO workflows (company_id, workflow_id, name, description, version, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (company_id, workflow_id) DO UPDATE
		 SET name = EXCLUDED.name, description = EXCLUDED.description, version = EXCLUDED.version,
		     is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at`,
		rec.CompanyID, rec.WorkflowID, rec.Name, rec.Description, rec.Version, rec.IsActive, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow version: %w", err)
	}
	return nil
}

// GetLatest retrieves the most recent version of a workflow
func (s *PostgreSQLWorkflowStore) GetLatest(companyID, workflowID string) (WorkflowRecord, error) {
	var version int
	err := s.db.QueryRow(
		"SELECT version FROM workflows WHERE company_id = $1 AND workflow_id = $2",
		companyID, workflowID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return WorkflowRecord{}, ErrWorkflowNotFound
	}
	if err != nil {
		return WorkflowRecord{}, fmt.Errorf("failed to get workflow: %w", err)
	}
	return s.GetVersion(companyID, workflowID, version)
}

// GetVersion retrieves a specific version of a workflow
func (s *PostgreSQLWorkflowStore) GetVersion(companyID, workflowID string, version int) (WorkflowRecord, error) {
	var (
		rec         WorkflowRecord
		description sql.NullString
		steps       []byte
		createdAt   time.Time
		versionAt   time.Time
	)
	err := s.db.QueryRow(
		`SELECT w.is_active, w.created_at, v.name, v.description, v.visual_steps, v.created_at
		 FROM workflows w
		 JOIN workflow_versions v ON v.company_id = w.company_id AND v.workflow_id = w.workflow_id
		 WHERE w.company_id = $1 AND w.workflow_id = $2 AND v.version = $3`,
		companyID, workflowID, version,
	).Scan(&rec.IsActive, &createdAt, &rec.Name, &description, &steps, &versionAt)
	if err == sql.ErrNoRows {
		if _, headErr := s.headExists(companyID, workflowID); headErr != nil {
			return WorkflowRecord{}, headErr
		}
		return WorkflowRecord{}, ErrVersionNotFound
	}
	if err != nil {
		return WorkflowRecord{}, fmt.Errorf("failed to get workflow version: %w", err)
	}

	rec.CompanyID = companyID
	rec.WorkflowID = workflowID
	rec.Version = version
	rec.Description = description.String
	rec.Steps = steps
	rec.CreatedAt = createdAt.Unix()
	rec.UpdatedAt = versionAt.Unix()
	return rec, nil
}

// ListVersions returns the versions of a workflow
func (s *PostgreSQLWorkflowStore) ListVersions(companyID, workflowID string) ([]VersionInfo, error) {
	if _, err := s.headExists(companyID, workflowID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT version, name, description, created_at FROM workflow_versions
		 WHERE company_id = $1 AND workflow_id = $2 ORDER BY version`,
		companyID, workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow versions: %w", err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		var (
			info        VersionInfo
			description sql.NullString
			createdAt   time.Time
		)
		if err := rows.Scan(&info.Version, &info.Name, &description, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow version: %w", err)
		}
		info.Description = description.String
		info.CreatedAt = createdAt.Unix()
		out = append(out, info)
	}
	return out, rows.Err()
}

// List returns the metadata of every workflow of a company
func (s *PostgreSQLWorkflowStore) List(companyID string) ([]WorkflowMetadata, error) {
	rows, err := s.db.Query(
		`SELECT workflow_id, name, description, version, is_active, created_at, updated_at
		 FROM workflows WHERE company_id = $1 ORDER BY workflow_id`,
		companyID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	out := []WorkflowMetadata{}
	for rows.Next() {
		var (
			meta                 WorkflowMetadata
			description          sql.NullString
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&meta.ID, &meta.Name, &description, &meta.Version, &meta.IsActive, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		meta.CompanyID = companyID
		meta.Description = description.String
		meta.CreatedAt = createdAt.Unix()
		meta.UpdatedAt = updatedAt.Unix()
		out = append(out, meta)
	}
	return out, rows.Err()
}

// SetActive marks a workflow as active or inactive
func (s *PostgreSQLWorkflowStore) SetActive(companyID, workflowID string, active bool) error {
	result, err := s.db.Exec(
		"UPDATE workflows SET is_active = $1, updated_at = $2 WHERE company_id = $3 AND workflow_id = $4",
		active, time.Now(), companyID, workflowID,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return requireAffected(result)
}

// Delete removes a workflow and all its versions
func (s *PostgreSQLWorkflowStore) Delete(companyID, workflowID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM workflows WHERE company_id = $1 AND workflow_id = $2", companyID, workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM workflow_versions WHERE company_id = $1 AND workflow_id = $2", companyID, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow versions: %w", err)
	}
	return tx.Commit()
}

func (s *PostgreSQLWorkflowStore) headExists(companyID, workflowID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM workflows WHERE company_id = $1 AND workflow_id = $2)",
		companyID, workflowID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if workflow exists: %w", err)
	}
	if !exists {
		return false, ErrWorkflowNotFound
	}
	return true, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}
