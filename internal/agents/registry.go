// Package agents tracks agent availability from heartbeats.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dennisdiepolder/livecall/internal/storage"
	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultLivenessWindow is how long a heartbeat keeps an agent available (two missed 30s beats)
	DefaultLivenessWindow = 60 * time.Second

	writeAttempts = 5
)

// Registry maintains agent availability records in the store. Expiry is
// evaluated at read time; nothing sweeps stale agents.
type Registry struct {
	store  storage.Store
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewRegistry creates a registry. A non-positive window uses the default.
func NewRegistry(store storage.Store, window time.Duration, logger zerolog.Logger) *Registry {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	return &Registry{
		store:  store,
		window: window,
		now:    time.Now,
		logger: logger.With().Str("component", "agents").Logger(),
	}
}

// Window returns the liveness window
func (r *Registry) Window() time.Duration {
	return r.window
}

// Heartbeat records that agentID is alive and reports status. A bound call
// is never cleared here: while the agent holds a call the stored busy or
// in_call status is kept and only the heartbeat time moves.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status types.AgentStatus) (types.AgentState, error) {
	if agentID == "" {
		return types.AgentState{}, fmt.Errorf("%w: agent id is required", types.ErrInvalidArgument)
	}
	if _, err := types.ParseAgentStatus(string(status)); err != nil {
		return types.AgentState{}, err
	}

	var state types.AgentState
	err := storage.RetryOnConflict(writeAttempts, func() error {
		now := r.now()
		current, err := r.store.GetAgent(ctx, agentID)
		switch {
		case errors.Is(err, types.ErrNotFound):
			current = types.AgentState{AgentID: agentID, Status: types.AgentStatusOffline}
		case err != nil:
			return err
		}

		if current.CurrentCallID == "" {
			if status.HoldsCall() {
				return fmt.Errorf("%w: agent %s has no call to be %s with", types.ErrInvalidTransition, agentID, status)
			}
			if status == types.AgentStatusOnline && (current.Status != types.AgentStatusOnline || current.IdleSince.IsZero()) {
				current.IdleSince = now
			}
			current.Status = status
		}
		current.LastHeartbeat = now
		current.UpdatedAt = now
		current.RollDay(now)

		if err := r.store.Apply(ctx, storage.Change{Agents: []*types.AgentState{&current}}); err != nil {
			return err
		}
		state = current
		return nil
	})
	if err != nil {
		return types.AgentState{}, fmt.Errorf("heartbeat %s: %w", agentID, err)
	}

	r.logger.Debug().
		Str("agent_id", agentID).
		Str("status", string(state.Status)).
		Msg("agent heartbeat")
	return state, nil
}

// ListAvailable returns online agents without a call whose heartbeat is
// inside the window, fewest calls today first, then by id.
func (r *Registry) ListAvailable(ctx context.Context) ([]types.AgentState, error) {
	all, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	now := r.now()
	available := make([]types.AgentState, 0, len(all))
	for _, a := range all {
		if a.Available(now, r.window) {
			a.CallsToday = a.CallsHandledOn(now)
			available = append(available, a)
		}
	}

	sort.SliceStable(available, func(i, j int) bool {
		if available[i].CallsToday != available[j].CallsToday {
			return available[i].CallsToday < available[j].CallsToday
		}
		return available[i].AgentID < available[j].AgentID
	})
	return available, nil
}

// IsAvailable reports whether the agent could take a call right now
func (r *Registry) IsAvailable(agent *types.AgentState) bool {
	return agent.Available(r.now(), r.window)
}

// Get returns one agent record
func (r *Registry) Get(ctx context.Context, agentID string) (types.AgentState, error) {
	return r.store.GetAgent(ctx, agentID)
}

// List returns every known agent, for supervisors
func (r *Registry) List(ctx context.Context) ([]types.AgentState, error) {
	all, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	now := r.now()
	for i := range all {
		all[i].CallsToday = all[i].CallsHandledOn(now)
	}
	return all, nil
}
