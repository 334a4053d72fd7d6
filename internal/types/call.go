package types

import (
	"fmt"
	"time"
)

// CallPriority orders pending calls. Lower rank is served first.
type CallPriority string

const (
	PriorityUrgent CallPriority = "urgent"
	PriorityHigh   CallPriority = "high"
	PriorityNormal CallPriority = "normal"
	PriorityLow    CallPriority = "low"
)

// Rank returns the serving order of the priority (urgent=0 ... low=3).
func (p CallPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ParsePriority validates a priority name. Empty means normal.
func ParsePriority(s string) (CallPriority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := CallPriority(s)
	if p.Rank() > 3 {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, s)
	}
	return p, nil
}

// CallStatus represents the lifecycle state of a call request
type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"     // Waiting in the queue
	CallStatusAssigned   CallStatus = "assigned"    // Bound to an agent, not yet connected
	CallStatusInProgress CallStatus = "in_progress" // Agent is talking to the customer
	CallStatusCompleted  CallStatus = "completed"
	CallStatusCancelled  CallStatus = "cancelled"
)

var callTransitions = map[CallStatus][]CallStatus{
	CallStatusPending:    {CallStatusAssigned, CallStatusCancelled},
	CallStatusAssigned:   {CallStatusInProgress, CallStatusCancelled},
	CallStatusInProgress: {CallStatusCompleted},
}

// CanTransition reports whether a call may move from s to next.
func (s CallStatus) CanTransition(next CallStatus) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s CallStatus) Terminal() bool {
	return s == CallStatusCompleted || s == CallStatusCancelled
}

// CallRequest is a customer's request for a live verification call.
// Version is the optimistic concurrency token maintained by the store.
type CallRequest struct {
	ID             string       `json:"id" dynamodbav:"ID"`
	VerificationID string       `json:"verificationId" dynamodbav:"VerificationID"`
	CustomerID     string       `json:"customerId" dynamodbav:"CustomerID"`
	AgentID        string       `json:"agentId,omitempty" dynamodbav:"AgentID,omitempty"`
	Priority       CallPriority `json:"priority" dynamodbav:"Priority"`
	Status         CallStatus   `json:"status" dynamodbav:"Status"`
	Seq            int64        `json:"-" dynamodbav:"Seq"`
	CreatedAt      time.Time    `json:"createdAt" dynamodbav:"CreatedAt"`
	AssignedAt     *time.Time   `json:"assignedAt,omitempty" dynamodbav:"AssignedAt,omitempty"`
	StartedAt      *time.Time   `json:"startedAt,omitempty" dynamodbav:"StartedAt,omitempty"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty" dynamodbav:"CompletedAt,omitempty"`
	CancelledAt    *time.Time   `json:"cancelledAt,omitempty" dynamodbav:"CancelledAt,omitempty"`
	Notes          string       `json:"notes,omitempty" dynamodbav:"Notes,omitempty"`
	Version        int64        `json:"-" dynamodbav:"Version"`

	// WaitSeconds is filled in for pending listings only
	WaitSeconds float64 `json:"waitTimeSeconds,omitempty" dynamodbav:"-"`
}

// Clone returns a copy that shares no pointers with c.
func (c CallRequest) Clone() CallRequest {
	c.AssignedAt = cloneTime(c.AssignedAt)
	c.StartedAt = cloneTime(c.StartedAt)
	c.CompletedAt = cloneTime(c.CompletedAt)
	c.CancelledAt = cloneTime(c.CancelledAt)
	return c
}

// WaitTime is how long the call has been (or was) waiting for an agent.
func (c *CallRequest) WaitTime(now time.Time) time.Duration {
	if c.AssignedAt != nil {
		return c.AssignedAt.Sub(c.CreatedAt)
	}
	return now.Sub(c.CreatedAt)
}

// MarkAssigned binds the call to an agent.
func (c *CallRequest) MarkAssigned(agentID string, at time.Time) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidArgument)
	}
	if err := c.transition(CallStatusAssigned); err != nil {
		return err
	}
	c.AgentID = agentID
	c.AssignedAt = &at
	return nil
}

// MarkStarted records that the agent connected to the customer.
func (c *CallRequest) MarkStarted(at time.Time) error {
	if err := c.transition(CallStatusInProgress); err != nil {
		return err
	}
	c.StartedAt = &at
	return nil
}

// MarkCompleted closes the call with optional agent notes.
func (c *CallRequest) MarkCompleted(notes string, at time.Time) error {
	if err := c.transition(CallStatusCompleted); err != nil {
		return err
	}
	c.CompletedAt = &at
	if notes != "" {
		c.Notes = notes
	}
	return nil
}

// MarkCancelled withdraws the call. AssignedAt is cleared since the call
// was never served; AgentID stays so the released agent can be told.
func (c *CallRequest) MarkCancelled(at time.Time) error {
	if err := c.transition(CallStatusCancelled); err != nil {
		return err
	}
	c.AssignedAt = nil
	c.CancelledAt = &at
	return nil
}

func (c *CallRequest) transition(next CallStatus) error {
	if !c.Status.CanTransition(next) {
		return fmt.Errorf("%w: call %s is %s, cannot become %s", ErrInvalidTransition, c.ID, c.Status, next)
	}
	c.Status = next
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
