package storage

import "time"

// Mode selects the store backend
type Mode string

const (
	ModeMemory   Mode = "memory"
	ModeDynamoDB Mode = "dynamodb"
	ModePostgres Mode = "postgres"
)

// DynamoMode represents the DynamoDB connection mode
type DynamoMode string

const (
	DynamoModeLocal DynamoMode = "local"
	DynamoModeAWS   DynamoMode = "aws"
)

// Config holds store configuration
type Config struct {
	Mode     Mode
	Dynamo   DynamoConfig
	Postgres PostgresConfig
}

// DynamoConfig holds DynamoDB configuration
type DynamoConfig struct {
	Mode        DynamoMode
	Endpoint    string // for local mode
	Region      string
	CallsTable  string
	AgentsTable string
}

// PostgresConfig holds the connection string and pool sizing
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
