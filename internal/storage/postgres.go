package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/livecall/internal/types"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/rs/zerolog"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS call_requests (
	id              TEXT PRIMARY KEY,
	verification_id TEXT NOT NULL,
	customer_id     TEXT NOT NULL,
	agent_id        TEXT,
	priority        TEXT NOT NULL,
	status          TEXT NOT NULL,
	seq             BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	assigned_at     TIMESTAMPTZ,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	cancelled_at    TIMESTAMPTZ,
	notes           TEXT NOT NULL DEFAULT '',
	version         BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS call_requests_status_idx ON call_requests (status, seq);
CREATE INDEX IF NOT EXISTS call_requests_agent_idx ON call_requests (agent_id);

CREATE TABLE IF NOT EXISTS agent_states (
	agent_id        TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	last_heartbeat  TIMESTAMPTZ NOT NULL,
	current_call_id TEXT,
	calls_today     INTEGER NOT NULL DEFAULT 0,
	calls_date      TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL,
	idle_since      TIMESTAMPTZ,
	version         BIGINT NOT NULL
);

ALTER TABLE call_requests ADD COLUMN IF NOT EXISTS cancelled_at TIMESTAMPTZ;
ALTER TABLE agent_states ADD COLUMN IF NOT EXISTS idle_since TIMESTAMPTZ;
`

const callColumns = `id, verification_id, customer_id, agent_id, priority, status, seq,
	created_at, assigned_at, started_at, completed_at, cancelled_at, notes, version`

const agentColumns = `agent_id, status, last_heartbeat, current_call_id, calls_today,
	calls_date, updated_at, idle_since, version`

// PostgresStore implements Store on PostgreSQL through the pgx stdlib driver
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPostgresStore opens the pool, pings it and ensures the schema exists.
// The DSN contains credentials and is never logged.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for STORE_MODE=postgres")
	}

	db, err := OpenPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info().Int("max_open_conns", db.Stats().MaxOpenConnections).Msg("PostgreSQL store initialized")

	return &PostgresStore{
		db:     db,
		logger: logger.With().Str("component", "postgres").Logger(),
	}, nil
}

// OpenPostgres opens a pgx-backed database/sql pool with conservative defaults.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return db, nil
}

// WithTx runs fn inside a transaction. The transaction is rolled back when
// fn returns an error or panics.
func WithTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(ctx, tx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (types.CallRequest, error) {
	var (
		call                                            types.CallRequest
		agentID                                         sql.NullString
		assignedAt, startedAt, completedAt, cancelledAt sql.NullTime
	)
	err := row.Scan(&call.ID, &call.VerificationID, &call.CustomerID, &agentID, &call.Priority,
		&call.Status, &call.Seq, &call.CreatedAt, &assignedAt, &startedAt, &completedAt,
		&cancelledAt, &call.Notes, &call.Version)
	if err != nil {
		return call, err
	}
	call.AgentID = agentID.String
	call.AssignedAt = nullTimePtr(assignedAt)
	call.StartedAt = nullTimePtr(startedAt)
	call.CompletedAt = nullTimePtr(completedAt)
	call.CancelledAt = nullTimePtr(cancelledAt)
	return call, nil
}

func scanAgent(row rowScanner) (types.AgentState, error) {
	var (
		agent     types.AgentState
		callID    sql.NullString
		idleSince sql.NullTime
	)
	err := row.Scan(&agent.AgentID, &agent.Status, &agent.LastHeartbeat, &callID, &agent.CallsToday,
		&agent.CallsDate, &agent.UpdatedAt, &idleSince, &agent.Version)
	agent.CurrentCallID = callID.String
	agent.IdleSince = idleSince.Time
	return agent, err
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (types.CallRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_requests WHERE id = $1`, id)
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return call, notFound("call", id)
	}
	if err != nil {
		return call, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

func (s *PostgresStore) ListCallsByStatus(ctx context.Context, status types.CallStatus) ([]types.CallRequest, error) {
	return s.queryCalls(ctx, `SELECT `+callColumns+` FROM call_requests WHERE status = $1 ORDER BY seq`, string(status))
}

func (s *PostgresStore) ListCallsByAgent(ctx context.Context, agentID string) ([]types.CallRequest, error) {
	return s.queryCalls(ctx, `SELECT `+callColumns+` FROM call_requests WHERE agent_id = $1 ORDER BY seq`, agentID)
}

func (s *PostgresStore) queryCalls(ctx context.Context, query string, arg string) ([]types.CallRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer rows.Close()

	var calls []types.CallRequest
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (types.AgentState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agent_states WHERE agent_id = $1`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return agent, notFound("agent", agentID)
	}
	if err != nil {
		return agent, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]types.AgentState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agent_states ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []types.AgentState
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) Apply(ctx context.Context, change Change) error {
	if change.Empty() {
		return nil
	}

	err := WithTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		for _, call := range change.Calls {
			if err := putCall(ctx, tx, call); err != nil {
				return err
			}
		}
		for _, agent := range change.Agents {
			if err := putAgent(ctx, tx, agent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, call := range change.Calls {
		call.Version++
	}
	for _, agent := range change.Agents {
		agent.Version++
	}
	return nil
}

func putCall(ctx context.Context, tx *sql.Tx, c *types.CallRequest) error {
	args := []any{c.ID, c.VerificationID, c.CustomerID, nullString(c.AgentID), string(c.Priority),
		string(c.Status), c.Seq, c.CreatedAt, c.AssignedAt, c.StartedAt, c.CompletedAt, c.CancelledAt,
		c.Notes, c.Version + 1}

	var res sql.Result
	var err error
	if c.Version == 0 {
		res, err = tx.ExecContext(ctx, `INSERT INTO call_requests (`+callColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO NOTHING`, args...)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE call_requests SET
			verification_id = $2, customer_id = $3, agent_id = $4, priority = $5, status = $6,
			seq = $7, created_at = $8, assigned_at = $9, started_at = $10, completed_at = $11,
			cancelled_at = $12, notes = $13, version = $14
			WHERE id = $1 AND version = $15`, append(args, c.Version)...)
	}
	return checkAffected(res, err, "call")
}

func putAgent(ctx context.Context, tx *sql.Tx, a *types.AgentState) error {
	args := []any{a.AgentID, string(a.Status), a.LastHeartbeat, nullString(a.CurrentCallID),
		a.CallsToday, a.CallsDate, a.UpdatedAt, nullTime(a.IdleSince), a.Version + 1}

	var res sql.Result
	var err error
	if a.Version == 0 {
		res, err = tx.ExecContext(ctx, `INSERT INTO agent_states (`+agentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (agent_id) DO NOTHING`, args...)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE agent_states SET
			status = $2, last_heartbeat = $3, current_call_id = $4, calls_today = $5,
			calls_date = $6, updated_at = $7, idle_since = $8, version = $9
			WHERE agent_id = $1 AND version = $10`, append(args, a.Version)...)
	}
	return checkAffected(res, err, "agent")
}

func checkAffected(res sql.Result, err error, kind string) error {
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
