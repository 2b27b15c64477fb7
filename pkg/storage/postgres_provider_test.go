package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPostgreSQLProvider tests the PostgreSQL provider
// Note: This test requires a PostgreSQL instance
// It will be skipped if the required environment variables are not set
func TestPostgreSQLProvider(t *testing.T) {
	host := os.Getenv("POSTGRES_HOST")
	user := os.Getenv("POSTGRES_USER")
	password := os.Getenv("POSTGRES_PASSWORD")
	dbName := os.Getenv("POSTGRES_DB")

	if host == "" || user == "" || password == "" || dbName == "" {
		t.Skip("Skipping PostgreSQL tests as credentials are not set")
	}

	provider, err := NewPostgreSQLProvider(PostgreSQLProviderConfig{
		Host:     host,
		Port:     5432,
		User:     user,
		Password: password,
		Database: dbName,
		SSLMode:  "disable",
	})
	require.NoError(t, err)
	defer provider.Close()

	require.NoError(t, provider.Initialize())
	assert.NotNil(t, provider.GetWorkflowStore())

	companyID := "test-company-pg"
	for _, table := range []string{"workflow_versions", "workflows"} {
		_, err = provider.db.Exec("DELETE FROM "+table+" WHERE company_id LIKE $1", companyID+"%")
		require.NoError(t, err)
	}

	testWorkflowStore(t, provider.GetWorkflowStore(), companyID)
}
