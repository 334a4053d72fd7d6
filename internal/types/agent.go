package types

import (
	"fmt"
	"time"
)

// AgentStatus is the availability an agent reports or the engine imposes
type AgentStatus string

const (
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusBusy    AgentStatus = "busy"    // Assigned a call, not yet talking
	AgentStatusInCall  AgentStatus = "in_call" // Talking to a customer
)

// ParseAgentStatus validates a status name.
func ParseAgentStatus(s string) (AgentStatus, error) {
	switch st := AgentStatus(s); st {
	case AgentStatusOffline, AgentStatusOnline, AgentStatusBusy, AgentStatusInCall:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown agent status %q", ErrInvalidArgument, s)
	}
}

// HoldsCall reports whether the status only makes sense with a bound call.
func (s AgentStatus) HoldsCall() bool {
	return s == AgentStatusBusy || s == AgentStatusInCall
}

// AgentState is the persisted availability record of one agent.
type AgentState struct {
	AgentID       string      `json:"agentId" dynamodbav:"AgentID"`
	Status        AgentStatus `json:"status" dynamodbav:"Status"`
	LastHeartbeat time.Time   `json:"lastHeartbeat" dynamodbav:"LastHeartbeat"`
	CurrentCallID string      `json:"currentCallId,omitempty" dynamodbav:"CurrentCallID,omitempty"`
	CallsToday    int         `json:"callsHandledToday" dynamodbav:"CallsToday"`
	CallsDate     string      `json:"-" dynamodbav:"CallsDate"` // YYYY-MM-DD the counter belongs to
	UpdatedAt     time.Time   `json:"updatedAt" dynamodbav:"UpdatedAt"`
	IdleSince     time.Time   `json:"idleSince,omitempty" dynamodbav:"IdleSince"` // end of the last call or start of the shift
	Version       int64       `json:"-" dynamodbav:"Version"`
}

// IsLive reports whether the last heartbeat falls inside the liveness window.
func (a *AgentState) IsLive(now time.Time, window time.Duration) bool {
	return !a.LastHeartbeat.IsZero() && now.Sub(a.LastHeartbeat) <= window
}

// Available reports whether the agent may be handed a new call.
func (a *AgentState) Available(now time.Time, window time.Duration) bool {
	return a.Status == AgentStatusOnline && a.CurrentCallID == "" && a.IsLive(now, window)
}

// RollDay resets the daily counter when the calendar day of now differs.
func (a *AgentState) RollDay(now time.Time) {
	today := now.UTC().Format("2006-01-02")
	if a.CallsDate != today {
		a.CallsDate = today
		a.CallsToday = 0
	}
}

// CallsHandledOn returns the counter value as seen on the day of now.
func (a *AgentState) CallsHandledOn(now time.Time) int {
	if a.CallsDate != now.UTC().Format("2006-01-02") {
		return 0
	}
	return a.CallsToday
}

// Bind marks the agent busy with callID.
func (a *AgentState) Bind(callID string, at time.Time) error {
	if a.CurrentCallID != "" {
		return fmt.Errorf("%w: agent %s already holds call %s", ErrInvalidTransition, a.AgentID, a.CurrentCallID)
	}
	a.Status = AgentStatusBusy
	a.CurrentCallID = callID
	a.UpdatedAt = at
	return nil
}

// Connect moves a busy agent into the call.
func (a *AgentState) Connect(callID string, at time.Time) {
	if a.CurrentCallID != callID {
		return
	}
	a.Status = AgentStatusInCall
	a.UpdatedAt = at
}

// Release frees the agent. A completed call counts towards today's total.
func (a *AgentState) Release(completed bool, at time.Time) {
	a.Status = AgentStatusOnline
	a.CurrentCallID = ""
	a.UpdatedAt = at
	a.IdleSince = at
	if completed {
		a.RollDay(at)
		a.CallsToday++
	}
}
