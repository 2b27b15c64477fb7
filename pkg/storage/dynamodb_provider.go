package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
)

// DynamoDBProvider implements the StorageProvider interface using DynamoDB
type DynamoDBProvider struct {
	client        dynamodbiface.DynamoDBAPI
	workflowStore *DynamoDBWorkflowStore
	tablePrefix   string
}

// DynamoDBProviderConfig contains configuration for the DynamoDB provider
type DynamoDBProviderConfig struct {
	Region      string
	AccessKey   string
	SecretKey   string
	TablePrefix string
	Endpoint    string // Optional, for local DynamoDB
}

// NewDynamoDBProvider creates a new DynamoDB storage provider
func NewDynamoDBProvider(config DynamoDBProviderConfig) (*DynamoDBProvider, error) {
	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}
	if config.AccessKey != "" && config.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewDynamoDBProviderWithClient(dynamodb.New(sess), config.TablePrefix), nil
}

// NewDynamoDBProviderWithClient creates a new DynamoDB storage provider with a custom client.
// This is primarily used for testing with mock clients.
func NewDynamoDBProviderWithClient(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBProvider {
	return &DynamoDBProvider{
		client:        client,
		workflowStore: NewDynamoDBWorkflowStore(client, tablePrefix),
		tablePrefix:   tablePrefix,
	}
}

// Initialize sets up the storage backend
func (p *DynamoDBProvider) Initialize() error {
	if err := p.workflowStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize workflow store: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *DynamoDBProvider) Close() error {
	// Nothing to close for DynamoDB client
	return nil
}

// GetWorkflowStore returns a store for workflow documents
func (p *DynamoDBProvider) GetWorkflowStore() WorkflowStore {
	return p.workflowStore
}

// DynamoDBWorkflowStore implements the WorkflowStore interface using DynamoDB.
// The workflows table holds one head item per workflow; the versions table
// holds every version keyed by company#workflow and version number.
type DynamoDBWorkflowStore struct {
	client            dynamodbiface.DynamoDBAPI
	tableName         string
	versionsTableName string
}

// NewDynamoDBWorkflowStore creates a new DynamoDB workflow store
func NewDynamoDBWorkflowStore(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBWorkflowStore {
	return &DynamoDBWorkflowStore{
		client:            client,
		tableName:         tablePrefix + "workflows",
		versionsTableName: tablePrefix + "workflow_versions",
	}
}

type dynamoDBWorkflowItem struct {
	CompanyID   string `dynamodbav:"CompanyID"`
	WorkflowID  string `dynamodbav:"WorkflowID"`
	Name        string `dynamodbav:"Name"`
	Description string `dynamodbav:"Description"`
	Version     int    `dynamodbav:"Version"`
	IsActive    bool   `dynamodbav:"IsActive"`
	CreatedAt   int64  `dynamodbav:"CreatedAt"`
	UpdatedAt   int64  `dynamodbav:"UpdatedAt"`
}

type dynamoDBVersionItem struct {
	WorkflowKey string `dynamodbav:"WorkflowKey"`
	Version     int    `dynamodbav:"Version"`
	Name        string `dynamodbav:"Name"`
	Description string `dynamodbav:"Description"`
	Steps       string `dynamodbav:"Steps"`
	CreatedAt   int64  `dynamodbav:"CreatedAt"`
}

func workflowKey(companyID, workflowID string) string {
	return companyID + "#" + workflowID
}

// Initialize creates the DynamoDB tables if they don't exist
func (s *DynamoDBWorkflowStore) Initialize() error {
	if err := s.ensureTable(s.tableName, "CompanyID", "S", "WorkflowID", "S"); err != nil {
		return err
	}
	return s.ensureTable(s.versionsTableName, "WorkflowKey", "S", "Version", "N")
}

func (s *DynamoDBWorkflowStore) ensureTable(name, hashKey, hashType, rangeKey, rangeType string) error {
	_, err := s.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err == nil {
		return nil
	}

	aerr, ok := err.(awserr.Error)
	if !ok || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to check if table %s exists: %w", name, err)
	}

	_, err = s.client.CreateTable(&dynamodb.CreateTableInput{
		TableName: aws.String(name),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String(hashKey), AttributeType: aws.String(hashType)},
			{AttributeName: aws.String(rangeKey), AttributeType: aws.String(rangeType)},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(hashKey), KeyType: aws.String("HASH")},
			{AttributeName: aws.String(rangeKey), KeyType: aws.String("RANGE")},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	err = s.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to wait for table %s creation: %w", name, err)
	}
	return nil
}

// SaveVersion persists a new version and moves the workflow head to it
func (s *DynamoDBWorkflowStore) SaveVersion(rec WorkflowRecord) error {
	now := time.Now().Unix()
	createdAt := now
	if head, err := s.getHead(rec.CompanyID, rec.WorkflowID); err == nil {
		createdAt = head.CreatedAt
	} else if err != ErrWorkflowNotFound {
		return err
	}

	version, err := dynamodbattribute.MarshalMap(dynamoDBVersionItem{
		WorkflowKey: workflowKey(rec.CompanyID, rec.WorkflowID),
		Version:     rec.Version,
		Name:        rec.Name,
		Description: rec.Description,
		Steps:       string(rec.Steps),
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow version: %w", err)
	}

	cond, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("Version"))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build condition: %w", err)
	}

	_, err = s.client.PutItem(&dynamodb.PutItemInput{
		TableName:                 aws.String(s.versionsTableName),
		Item:                      version,
		ConditionExpression:       cond.Condition(),
		ExpressionAttributeNames:  cond.Names(),
		ExpressionAttributeValues: cond.Values(),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to save workflow version: %w", err)
	}

	head, err := dynamodbattribute.MarshalMap(dynamoDBWorkflowItem{
		CompanyID:   rec.CompanyID,
		WorkflowID:  rec.WorkflowID,
		Name:        rec.Name,
		Description: rec.Description,
		Version:     rec.Version,
		IsActive:    rec.IsActive,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	_, err = s.client.PutItem(&dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      head,
	})
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetLatest retrieves the most recent version of a workflow
func (s *DynamoDBWorkflowStore) GetLatest(companyID, workflowID string) (WorkflowRecord, error) {
	head, err := s.getHead(companyID, workflowID)
	if err != nil {
		return WorkflowRecord{}, err
	}
	return s.getVersion(head, head.Version)
}

// GetVersion retrieves a specific version of a workflow
func (s *DynamoDBWorkflowStore) GetVersion(companyID, workflowID string, version int) (WorkflowRecord, error) {
	head, err := s.getHead(companyID, workflowID)
	if err != nil {
		return WorkflowRecord{}, err
	}
	return s.getVersion(head, version)
}

// ListVersions returns the versions of a workflow
func (s *DynamoDBWorkflowStore) ListVersions(companyID, workflowID string) ([]VersionInfo, error) {
	if _, err := s.getHead(companyID, workflowID); err != nil {
		return nil, err
	}

	items, err := s.queryVersions(companyID, workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]VersionInfo, 0, len(items))
	for _, item := range items {
		out = append(out, VersionInfo{
			Version:     item.Version,
			Name:        item.Name,
			Description: item.Description,
			CreatedAt:   item.CreatedAt,
		})
	}
	return out, nil
}

// List returns the metadata of every workflow of a company
func (s *DynamoDBWorkflowStore) List(companyID string) ([]WorkflowMetadata, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("CompanyID").Equal(expression.Value(companyID))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	out := []WorkflowMetadata{}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	for {
		result, err := s.client.Query(input)
		if err != nil {
			return nil, fmt.Errorf("failed to list workflows: %w", err)
		}
		var items []dynamoDBWorkflowItem
		if err := dynamodbattribute.UnmarshalListOfMaps(result.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflows: %w", err)
		}
		for _, item := range items {
			out = append(out, item.metadata())
		}
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetActive marks a workflow as active or inactive
func (s *DynamoDBWorkflowStore) SetActive(companyID, workflowID string, active bool) error {
	head, err := s.getHead(companyID, workflowID)
	if err != nil {
		return err
	}
	head.IsActive = active
	head.UpdatedAt = time.Now().Unix()

	item, err := dynamodbattribute.MarshalMap(head)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	_, err = s.client.PutItem(&dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return nil
}

// Delete removes a workflow and all its versions
func (s *DynamoDBWorkflowStore) Delete(companyID, workflowID string) error {
	if _, err := s.getHead(companyID, workflowID); err != nil {
		return err
	}

	items, err := s.queryVersions(companyID, workflowID)
	if err != nil {
		return err
	}

	// BatchWriteItem accepts at most 25 requests
	const batchSize = 25
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		requests := make([]*dynamodb.WriteRequest, 0, end-start)
		for _, item := range items[start:end] {
			requests = append(requests, &dynamodb.WriteRequest{
				DeleteRequest: &dynamodb.DeleteRequest{
					Key: map[string]*dynamodb.AttributeValue{
						"WorkflowKey": {S: aws.String(item.WorkflowKey)},
						"Version":     {N: aws.String(fmt.Sprint(item.Version))},
					},
				},
			})
		}
		_, err := s.client.BatchWriteItem(&dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]*dynamodb.WriteRequest{s.versionsTableName: requests},
		})
		if err != nil {
			return fmt.Errorf("failed to delete workflow versions: %w", err)
		}
	}

	_, err = s.client.DeleteItem(&dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"CompanyID":  {S: aws.String(companyID)},
			"WorkflowID": {S: aws.String(workflowID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	return nil
}

func (s *DynamoDBWorkflowStore) getHead(companyID, workflowID string) (dynamoDBWorkflowItem, error) {
	result, err := s.client.GetItem(&dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"CompanyID":  {S: aws.String(companyID)},
			"WorkflowID": {S: aws.String(workflowID)},
		},
	})
	if err != nil {
		return dynamoDBWorkflowItem{}, fmt.Errorf("failed to get workflow: %w", err)
	}
	if len(result.Item) == 0 {
		return dynamoDBWorkflowItem{}, ErrWorkflowNotFound
	}

	var head dynamoDBWorkflowItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &head); err != nil {
		return dynamoDBWorkflowItem{}, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return head, nil
}

func (s *DynamoDBWorkflowStore) getVersion(head dynamoDBWorkflowItem, version int) (WorkflowRecord, error) {
	result, err := s.client.GetItem(&dynamodb.GetItemInput{
		TableName: aws.String(s.versionsTableName),
		Key: map[string]*dynamodb.AttributeValue{
			"WorkflowKey": {S: aws.String(workflowKey(head.CompanyID, head.WorkflowID))},
			"Version":     {N: aws.String(fmt.Sprint(version))},
		},
	})
	if err != nil {
		return WorkflowRecord{}, fmt.Errorf("failed to get workflow version: %w", err)
	}
	if len(result.Item) == 0 {
		return WorkflowRecord{}, ErrVersionNotFound
	}

	var item dynamoDBVersionItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return WorkflowRecord{}, fmt.Errorf("failed to unmarshal workflow version: %w", err)
	}

	rec := WorkflowRecord{
		CompanyID:   head.CompanyID,
		WorkflowID:  head.WorkflowID,
		Name:        item.Name,
		Description: item.Description,
		Version:     item.Version,
		IsActive:    head.IsActive,
		CreatedAt:   head.CreatedAt,
		UpdatedAt:   item.CreatedAt,
	}
	if item.Steps != "" {
		rec.Steps = []byte(item.Steps)
	}
	return rec, nil
}

func (s *DynamoDBWorkflowStore) queryVersions(companyID, workflowID string) ([]dynamoDBVersionItem, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("WorkflowKey").Equal(expression.Value(workflowKey(companyID, workflowID)))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var out []dynamoDBVersionItem
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.versionsTableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	for {
		result, err := s.client.Query(input)
		if err != nil {
			return nil, fmt.Errorf("failed to query workflow versions: %w", err)
		}
		var items []dynamoDBVersionItem
		if err := dynamodbattribute.UnmarshalListOfMaps(result.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow versions: %w", err)
		}
		out = append(out, items...)
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (item dynamoDBWorkflowItem) metadata() WorkflowMetadata {
	return WorkflowMetadata{
		ID:          item.WorkflowID,
		CompanyID:   item.CompanyID,
		Name:        item.Name,
		Description: item.Description,
		Version:     item.Version,
		IsActive:    item.IsActive,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}
}
