package storage

import (
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Load .env file from project root
	_ = godotenv.Load("../../.env")
}

func TestDynamoDBProvider(t *testing.T) {
	client, err := GetTestDynamoDBClient()
	require.NoError(t, err)

	provider := NewDynamoDBProviderWithClient(client, "test_")
	require.NoError(t, provider.Initialize())
	// a second initialize finds the tables
	require.NoError(t, provider.Initialize())
	assert.NotNil(t, provider.GetWorkflowStore())

	testWorkflowStore(t, provider.GetWorkflowStore(), "acme-dynamo")

	cleanupTables(t, provider)
}

func TestDynamoDBDeleteManyVersions(t *testing.T) {
	mock := NewMockDynamoDBAPI()
	store := NewDynamoDBWorkflowStore(mock, "test_")
	require.NoError(t, store.Initialize())

	for v := 1; v <= 60; v++ {
		require.NoError(t, store.SaveVersion(WorkflowRecord{
			CompanyID:  "acme",
			WorkflowID: "busy",
			Name:       fmt.Sprintf("v%d", v),
			Version:    v,
		}))
	}
	versions, err := store.ListVersions("acme", "busy")
	require.NoError(t, err)
	assert.Len(t, versions, 60)
	assert.Equal(t, 60, versions[59].Version)

	latest, err := store.GetLatest("acme", "busy")
	require.NoError(t, err)
	assert.Equal(t, "v60", latest.Name)

	require.NoError(t, store.Delete("acme", "busy"))
	assert.Equal(t, 0, mock.itemCount(store.versionsTableName))
	assert.Equal(t, 0, mock.itemCount(store.tableName))
}

// cleanupTables deletes the test tables
func cleanupTables(t *testing.T, provider *DynamoDBProvider) {
	tables := []string{
		provider.workflowStore.tableName,
		provider.workflowStore.versionsTableName,
	}

	for _, table := range tables {
		_, err := provider.client.DeleteTable(&dynamodb.DeleteTableInput{
			TableName: aws.String(table),
		})
		if err != nil {
			t.Logf("Failed to delete table %s: %v", table, err)
			continue
		}
		werr := provider.client.WaitUntilTableNotExists(&dynamodb.DescribeTableInput{
			TableName: aws.String(table),
		})
		if werr != nil {
			t.Logf("Failed to wait for table %s to be deleted: %v", table, werr)
		}
	}
}
