package storage

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

var (
	useRealDynamoDB = flag.Bool("real-dynamodb", false, "Use real DynamoDB for tests instead of mock")
)

// MockDynamoDBAPI implements the parts of dynamodbiface.DynamoDBAPI the workflow store uses
type MockDynamoDBAPI struct {
	dynamodbiface.DynamoDBAPI
	mu     sync.RWMutex
	tables map[string]*MockTable
}

// MockTable represents a DynamoDB table in memory
type MockTable struct {
	Name         string
	Items        map[string]map[string]*dynamodb.AttributeValue
	KeySchema    []*dynamodb.KeySchemaElement
	AttributeDef []*dynamodb.AttributeDefinition
}

// NewMockDynamoDBAPI creates a new mock DynamoDB client
func NewMockDynamoDBAPI() *MockDynamoDBAPI {
	return &MockDynamoDBAPI{
		tables: make(map[string]*MockTable),
	}
}

// CreateTable creates a mock table
func (m *MockDynamoDBAPI) CreateTable(input *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tableName := aws.StringValue(input.TableName)
	if _, exists := m.tables[tableName]; exists {
		return nil, awserr.New(dynamodb.ErrCodeResourceInUseException, "table already exists: "+tableName, nil)
	}

	m.tables[tableName] = &MockTable{
		Name:         tableName,
		Items:        make(map[string]map[string]*dynamodb.AttributeValue),
		KeySchema:    input.KeySchema,
		AttributeDef: input.AttributeDefinitions,
	}

	return &dynamodb.CreateTableOutput{
		TableDescription: &dynamodb.TableDescription{
			TableName:   input.TableName,
			TableStatus: aws.String("ACTIVE"),
		},
	}, nil
}

// DescribeTable describes a mock table
func (m *MockDynamoDBAPI) DescribeTable(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, exists := m.tables[aws.StringValue(input.TableName)]
	if !exists {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	}

	return &dynamodb.DescribeTableOutput{
		Table: &dynamodb.TableDescription{
			TableName:            aws.String(table.Name),
			TableStatus:          aws.String("ACTIVE"),
			KeySchema:            table.KeySchema,
			AttributeDefinitions: table.AttributeDef,
		},
	}, nil
}

// DeleteTable deletes a mock table
func (m *MockDynamoDBAPI) DeleteTable(input *dynamodb.DeleteTableInput) (*dynamodb.DeleteTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tableName := aws.StringValue(input.TableName)
	if _, exists := m.tables[tableName]; !exists {
		return nil, fmt.Errorf("table not found: %s", tableName)
	}
	delete(m.tables, tableName)
	return &dynamodb.DeleteTableOutput{}, nil
}

// PutItem puts an item in a mock table. Only attribute_not_exists conditions are understood.
func (m *MockDynamoDBAPI) PutItem(input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}

	key := m.generateKey(table.KeySchema, input.Item)
	if cond := aws.StringValue(input.ConditionExpression); strings.Contains(cond, "attribute_not_exists") {
		if _, exists := table.Items[key]; exists {
			return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
		}
	}
	table.Items[key] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

// GetItem gets an item from a mock table
func (m *MockDynamoDBAPI) GetItem(input *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}

	item, exists := table.Items[m.generateKey(table.KeySchema, input.Key)]
	if !exists {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

// Query returns the items matching every equality clause of the key condition
func (m *MockDynamoDBAPI) Query(input *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}

	clauses := strings.Split(aws.StringValue(input.KeyConditionExpression), " AND ")
	var resultItems []map[string]*dynamodb.AttributeValue
	for _, item := range table.Items {
		if matchesEquality(item, clauses, input.ExpressionAttributeNames, input.ExpressionAttributeValues) {
			resultItems = append(resultItems, item)
		}
	}

	return &dynamodb.QueryOutput{
		Items: resultItems,
		Count: aws.Int64(int64(len(resultItems))),
	}, nil
}

// BatchWriteItem performs batch write on mock table
func (m *MockDynamoDBAPI) BatchWriteItem(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tableName, writeRequests := range input.RequestItems {
		table, exists := m.tables[tableName]
		if !exists {
			return nil, fmt.Errorf("table not found: %s", tableName)
		}
		if len(writeRequests) > 25 {
			return nil, awserr.New("ValidationException", "too many items in batch", nil)
		}

		for _, writeRequest := range writeRequests {
			if writeRequest.PutRequest != nil {
				key := m.generateKey(table.KeySchema, writeRequest.PutRequest.Item)
				table.Items[key] = writeRequest.PutRequest.Item
			}
			if writeRequest.DeleteRequest != nil {
				key := m.generateKey(table.KeySchema, writeRequest.DeleteRequest.Key)
				delete(table.Items, key)
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

// DeleteItem deletes an item from a mock table
func (m *MockDynamoDBAPI) DeleteItem(input *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}
	delete(table.Items, m.generateKey(table.KeySchema, input.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

// WaitUntilTableExists waits for table to exist (mock always returns immediately)
func (m *MockDynamoDBAPI) WaitUntilTableExists(input *dynamodb.DescribeTableInput) error {
	return nil
}

// WaitUntilTableNotExists waits for table to not exist (mock always returns immediately)
func (m *MockDynamoDBAPI) WaitUntilTableNotExists(input *dynamodb.DescribeTableInput) error {
	return nil
}

// itemCount returns the number of items stored in a table
func (m *MockDynamoDBAPI) itemCount(tableName string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if table, ok := m.tables[tableName]; ok {
		return len(table.Items)
	}
	return 0
}

func (m *MockDynamoDBAPI) table(name *string) (*MockTable, error) {
	table, exists := m.tables[aws.StringValue(name)]
	if !exists {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "table not found: "+aws.StringValue(name), nil)
	}
	return table, nil
}

// generateKey generates a composite key from key schema and item attributes
func (m *MockDynamoDBAPI) generateKey(keySchema []*dynamodb.KeySchemaElement, item map[string]*dynamodb.AttributeValue) string {
	var keyParts []string
	for _, keyElement := range keySchema {
		attrName := aws.StringValue(keyElement.AttributeName)
		if attr, exists := item[attrName]; exists {
			if attr.S != nil {
				keyParts = append(keyParts, aws.StringValue(attr.S))
			} else if attr.N != nil {
				keyParts = append(keyParts, aws.StringValue(attr.N))
			}
		}
	}
	return strings.Join(keyParts, "#")
}

// matchesEquality evaluates clauses of the form "#name = :value"
func matchesEquality(item map[string]*dynamodb.AttributeValue, clauses []string, names map[string]*string, values map[string]*dynamodb.AttributeValue) bool {
	for _, clause := range clauses {
		fields := strings.Fields(strings.Trim(clause, "() "))
		if len(fields) != 3 || fields[1] != "=" {
			continue
		}
		name := fields[0]
		if alias, ok := names[name]; ok {
			name = aws.StringValue(alias)
		}
		want, ok := values[fields[2]]
		if !ok {
			return false
		}
		got, ok := item[name]
		if !ok {
			return false
		}
		if aws.StringValue(got.S) != aws.StringValue(want.S) || aws.StringValue(got.N) != aws.StringValue(want.N) {
			return false
		}
	}
	return true
}

// GetTestDynamoDBClient returns a real client when -real-dynamodb is set, otherwise the mock
func GetTestDynamoDBClient() (dynamodbiface.DynamoDBAPI, error) {
	if *useRealDynamoDB {
		accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
		endpoint := os.Getenv("DYNAMODB_ENDPOINT")

		awsConfig := &aws.Config{
			Region: aws.String("us-east-1"),
		}
		if accessKey != "" && secretKey != "" {
			awsConfig.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
		}
		if endpoint != "" {
			awsConfig.Endpoint = aws.String(endpoint)
		}

		sess, err := session.NewSession(awsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		return dynamodb.New(sess), nil
	}

	return NewMockDynamoDBAPI(), nil
}
