package callqueue

import (
	"github.com/dennisdiepolder/livecall/internal/types"
)

// RoutingStrategy selects the best agent to handle a call
type RoutingStrategy interface {
	SelectAgent(available []types.AgentState) *types.AgentState
}

// NewRoutingStrategy returns the strategy registered under name, falling
// back to FewestCallsFirst.
func NewRoutingStrategy(name string) RoutingStrategy {
	if name == "longest_idle" {
		return &LongestIdleFirst{}
	}
	return &FewestCallsFirst{}
}

// FewestCallsFirst spreads load by picking the agent with the fewest calls
// handled today. Ties go to the lowest agent id.
type FewestCallsFirst struct{}

func (f *FewestCallsFirst) SelectAgent(available []types.AgentState) *types.AgentState {
	if len(available) == 0 {
		return nil
	}

	best := &available[0]
	for i := 1; i < len(available); i++ {
		a := &available[i]
		if a.CallsToday < best.CallsToday || (a.CallsToday == best.CallsToday && a.AgentID < best.AgentID) {
			best = a
		}
	}
	return best
}

// LongestIdleFirst selects the agent that has been waiting longest since
// its last call ended or it came online. Ties go to the lowest agent id.
type LongestIdleFirst struct{}

func (l *LongestIdleFirst) SelectAgent(available []types.AgentState) *types.AgentState {
	if len(available) == 0 {
		return nil
	}

	oldest := &available[0]
	for i := 1; i < len(available); i++ {
		a := &available[i]
		if a.IdleSince.Before(oldest.IdleSince) || (a.IdleSince.Equal(oldest.IdleSince) && a.AgentID < oldest.AgentID) {
			oldest = a
		}
	}
	return oldest
}
