package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/dennisdiepolder/livecall/internal/types"
)

// MemoryStore keeps everything in process. Used for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	calls  map[string]types.CallRequest
	agents map[string]types.AgentState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:  make(map[string]types.CallRequest),
		agents: make(map[string]types.AgentState),
	}
}

func (s *MemoryStore) GetCall(_ context.Context, id string) (types.CallRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	call, ok := s.calls[id]
	if !ok {
		return types.CallRequest{}, notFound("call", id)
	}
	return call.Clone(), nil
}

func (s *MemoryStore) ListCallsByStatus(_ context.Context, status types.CallStatus) ([]types.CallRequest, error) {
	return s.filterCalls(func(c *types.CallRequest) bool { return c.Status == status }), nil
}

func (s *MemoryStore) ListCallsByAgent(_ context.Context, agentID string) ([]types.CallRequest, error) {
	return s.filterCalls(func(c *types.CallRequest) bool { return c.AgentID == agentID }), nil
}

func (s *MemoryStore) filterCalls(keep func(*types.CallRequest) bool) []types.CallRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.CallRequest
	for _, call := range s.calls {
		if keep(&call) {
			out = append(out, call.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *MemoryStore) GetAgent(_ context.Context, agentID string) (types.AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return types.AgentState{}, notFound("agent", agentID)
	}
	return agent, nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]types.AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.AgentState, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) Apply(_ context.Context, change Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stored versions start at 1, so a missing record reads as version 0.
	for _, call := range change.Calls {
		if s.calls[call.ID].Version != call.Version {
			return ErrConflict
		}
	}
	for _, agent := range change.Agents {
		if s.agents[agent.AgentID].Version != agent.Version {
			return ErrConflict
		}
	}

	for _, call := range change.Calls {
		call.Version++
		s.calls[call.ID] = call.Clone()
	}
	for _, agent := range change.Agents {
		agent.Version++
		s.agents[agent.AgentID] = *agent
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
