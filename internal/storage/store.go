package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/rs/zerolog"
)

// ErrConflict is returned by Apply when a record changed since it was read
var ErrConflict = errors.New("storage: record version conflict")

// Store persists call requests and agent states
type Store interface {
	GetCall(ctx context.Context, id string) (types.CallRequest, error)
	ListCallsByStatus(ctx context.Context, status types.CallStatus) ([]types.CallRequest, error)
	ListCallsByAgent(ctx context.Context, agentID string) ([]types.CallRequest, error)
	GetAgent(ctx context.Context, agentID string) (types.AgentState, error)
	ListAgents(ctx context.Context) ([]types.AgentState, error)

	// Apply writes every record of the change or none of them. A record
	// with Version 0 must not exist yet; any other record must still carry
	// the stored Version. On success each Version is incremented in place.
	Apply(ctx context.Context, change Change) error

	Close() error
}

// Change is a set of records written atomically
type Change struct {
	Calls  []*types.CallRequest
	Agents []*types.AgentState
}

// Empty reports whether the change writes nothing.
func (c Change) Empty() bool {
	return len(c.Calls) == 0 && len(c.Agents) == 0
}

// NewStore creates the appropriate store based on configuration
func NewStore(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Mode {
	case ModeDynamoDB:
		return NewDynamoDBStore(ctx, cfg.Dynamo, logger)
	case ModePostgres:
		return NewPostgresStore(ctx, cfg.Postgres, logger)
	case ModeMemory, "":
		logger.Info().Msg("using in-memory store (STORE_MODE=memory)")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store mode %q", cfg.Mode)
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, types.ErrNotFound)
}

// RetryOnConflict runs fn until it stops returning ErrConflict, at most
// attempts times. fn must re-read the records it writes.
func RetryOnConflict(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
