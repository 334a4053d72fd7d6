// Package events publishes call lifecycle events for downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/rs/zerolog"
)

// Event types
const (
	CallQueued    = "call.queued"
	CallAssigned  = "call.assigned"
	CallStarted   = "call.started"
	CallCompleted = "call.completed"
	CallCancelled = "call.cancelled"
)

// Event is one state change of a call request
type Event struct {
	Type           string             `json:"type"`
	CallID         string             `json:"callId"`
	VerificationID string             `json:"verificationId"`
	CustomerID     string             `json:"customerId"`
	AgentID        string             `json:"agentId,omitempty"`
	Priority       types.CallPriority `json:"priority"`
	Status         types.CallStatus   `json:"status"`
	WaitSeconds    float64            `json:"waitSeconds,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// FromCall builds an event from the call's current state.
func FromCall(eventType string, call *types.CallRequest, at time.Time) Event {
	ev := Event{
		Type:           eventType,
		CallID:         call.ID,
		VerificationID: call.VerificationID,
		CustomerID:     call.CustomerID,
		AgentID:        call.AgentID,
		Priority:       call.Priority,
		Status:         call.Status,
		Timestamp:      at,
	}
	if call.AssignedAt != nil {
		ev.WaitSeconds = call.AssignedAt.Sub(call.CreatedAt).Seconds()
	}
	return ev
}

// Publisher delivers events. Publish must not block on the broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to the log when no broker is configured
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Debug().
		Str("type", ev.Type).
		Str("call_id", ev.CallID).
		Str("agent_id", ev.AgentID).
		Str("status", string(ev.Status)).
		Msg("call event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
