package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/rs/zerolog"
)

// DynamoDBStore implements Store using AWS DynamoDB
type DynamoDBStore struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// For local mode, build the client directly without LoadDefaultConfig.
		// LoadDefaultConfig probes the EC2 IMDS endpoint which hangs on EC2
		// instances when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "dynamodb").Logger(),
	}

	// Create tables in local mode
	if cfg.Mode == DynamoModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Msg("DynamoDB store initialized")

	return store, nil
}

func (s *DynamoDBStore) GetCall(ctx context.Context, id string) (types.CallRequest, error) {
	var call types.CallRequest
	found, err := s.getItem(ctx, s.config.CallsTable, "ID", id, &call)
	if err != nil {
		return call, fmt.Errorf("failed to get call: %w", err)
	}
	if !found {
		return call, notFound("call", id)
	}
	return call, nil
}

func (s *DynamoDBStore) GetAgent(ctx context.Context, agentID string) (types.AgentState, error) {
	var agent types.AgentState
	found, err := s.getItem(ctx, s.config.AgentsTable, "AgentID", agentID, &agent)
	if err != nil {
		return agent, fmt.Errorf("failed to get agent: %w", err)
	}
	if !found {
		return agent, notFound("agent", agentID)
	}
	return agent, nil
}

func (s *DynamoDBStore) getItem(ctx context.Context, table, pk, id string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            map[string]dbtypes.AttributeValue{pk: &dbtypes.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, err
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return true, nil
}

// ListCallsByStatus scans with a filter. A GSI on Status would avoid the
// full scan once the table grows past the pending working set.
func (s *DynamoDBStore) ListCallsByStatus(ctx context.Context, status types.CallStatus) ([]types.CallRequest, error) {
	filter := expression.Name("Status").Equal(expression.Value(string(status)))
	return s.scanCalls(ctx, filter)
}

func (s *DynamoDBStore) ListCallsByAgent(ctx context.Context, agentID string) ([]types.CallRequest, error) {
	filter := expression.Name("AgentID").Equal(expression.Value(agentID))
	return s.scanCalls(ctx, filter)
}

func (s *DynamoDBStore) scanCalls(ctx context.Context, filter expression.ConditionBuilder) ([]types.CallRequest, error) {
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.CallsTable),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})

	var calls []types.CallRequest
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calls: %w", err)
		}
		var batch []types.CallRequest
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal calls: %w", err)
		}
		calls = append(calls, batch...)
	}

	sort.Slice(calls, func(i, j int) bool { return calls[i].Seq < calls[j].Seq })
	return calls, nil
}

func (s *DynamoDBStore) ListAgents(ctx context.Context) ([]types.AgentState, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.config.AgentsTable),
		ConsistentRead: aws.Bool(true),
	})

	var agents []types.AgentState
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agents: %w", err)
		}
		var batch []types.AgentState
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agents: %w", err)
		}
		agents = append(agents, batch...)
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents, nil
}

// Apply writes the change as one transaction, each put guarded by the
// record's expected version.
func (s *DynamoDBStore) Apply(ctx context.Context, change Change) error {
	if change.Empty() {
		return nil
	}

	items := make([]dbtypes.TransactWriteItem, 0, len(change.Calls)+len(change.Agents))
	for _, call := range change.Calls {
		next := call.Clone()
		next.Version++
		item, err := s.versionedPut(s.config.CallsTable, "ID", next, call.Version)
		if err != nil {
			return fmt.Errorf("failed to marshal call: %w", err)
		}
		items = append(items, item)
	}
	for _, agent := range change.Agents {
		next := *agent
		next.Version++
		item, err := s.versionedPut(s.config.AgentsTable, "AgentID", next, agent.Version)
		if err != nil {
			return fmt.Errorf("failed to marshal agent: %w", err)
		}
		items = append(items, item)
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var canceled *dbtypes.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
					return ErrConflict
				}
			}
		}
		return fmt.Errorf("failed to apply change: %w", err)
	}

	for _, call := range change.Calls {
		call.Version++
	}
	for _, agent := range change.Agents {
		agent.Version++
	}
	return nil
}

func (s *DynamoDBStore) versionedPut(table, pk string, record interface{}, expected int64) (dbtypes.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return dbtypes.TransactWriteItem{}, err
	}

	cond := expression.AttributeNotExists(expression.Name(pk))
	if expected > 0 {
		cond = expression.Name("Version").Equal(expression.Value(expected))
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return dbtypes.TransactWriteItem{}, err
	}

	return dbtypes.TransactWriteItem{
		Put: &dbtypes.Put{
			TableName:                 aws.String(table),
			Item:                      item,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}, nil
}

func (s *DynamoDBStore) Close() error { return nil }
