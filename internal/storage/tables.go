package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// tableActiveTimeout bounds how long bootstrap waits for a new table
const tableActiveTimeout = 2 * time.Minute

// tableSpec is a table keyed by a single string hash key
type tableSpec struct {
	name    string
	hashKey string
}

func tableSpecs(config DynamoConfig) []tableSpec {
	return []tableSpec{
		{name: config.CallsTable, hashKey: "ID"},
		{name: config.AgentsTable, hashKey: "AgentID"},
	}
}

// CreateTablesIfNotExist makes sure the call and agent tables exist and are
// active. Only a missing table is created; any other describe error aborts.
func CreateTablesIfNotExist(ctx context.Context, client *dynamodb.Client, config DynamoConfig, logger zerolog.Logger) error {
	for _, spec := range tableSpecs(config) {
		exists, err := tableExists(ctx, client, spec.name)
		if err != nil {
			return err
		}
		if exists {
			logger.Debug().Str("table", spec.name).Msg("table present")
			continue
		}

		if err := createTable(ctx, client, spec); err != nil {
			return err
		}

		waiter := dynamodb.NewTableExistsWaiter(client)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(spec.name)}, tableActiveTimeout); err != nil {
			return fmt.Errorf("table %s did not become active: %w", spec.name, err)
		}
		logger.Info().Str("table", spec.name).Str("hash_key", spec.hashKey).Msg("table created")
	}
	return nil
}

func tableExists(ctx context.Context, client *dynamodb.Client, name string) (bool, error) {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err == nil {
		return true, nil
	}
	var missing *dbtypes.ResourceNotFoundException
	if errors.As(err, &missing) {
		return false, nil
	}
	return false, fmt.Errorf("failed to describe table %s: %w", name, err)
}

func createTable(ctx context.Context, client *dynamodb.Client, spec tableSpec) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(spec.name),
		KeySchema: []dbtypes.KeySchemaElement{
			{AttributeName: aws.String(spec.hashKey), KeyType: dbtypes.KeyTypeHash},
		},
		AttributeDefinitions: []dbtypes.AttributeDefinition{
			{AttributeName: aws.String(spec.hashKey), AttributeType: dbtypes.ScalarAttributeTypeS},
		},
		BillingMode: dbtypes.BillingModePayPerRequest,
	})
	var inUse *dbtypes.ResourceInUseException
	if errors.As(err, &inUse) {
		// another instance created it first
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", spec.name, err)
	}
	return nil
}
