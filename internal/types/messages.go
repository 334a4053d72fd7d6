package types

import (
	"encoding/json"
	"time"
)

// Message types pushed on the updates channel
const (
	MsgNewCall       = "new_call"
	MsgCallAssigned  = "call_assigned"
	MsgCallCompleted = "call_completed"
	MsgCallCancelled = "call_cancelled"
	MsgQueueStats    = "queue_stats"
	MsgHeartbeat     = "heartbeat"
	MsgHeartbeatAck  = "heartbeat_ack"
	MsgPing          = "ping"
	MsgPong          = "pong"
	MsgError         = "error"
)

// Message types exchanged on the signaling channel
const (
	MsgIncomingCall = "incoming_call"
	MsgCallAccepted = "call_accepted"
	MsgCallRejected = "call_rejected"
	MsgCallEnded    = "call_ended"
	MsgOffer        = "offer"
	MsgAnswer       = "answer"
	MsgICECandidate = "ice_candidate"
)

// Envelope is decoded first to dispatch an inbound frame by type
type Envelope struct {
	Type string `json:"type"`
}

// NewCallMessage announces a freshly queued call
type NewCallMessage struct {
	Type           string       `json:"type"` // "new_call"
	CallID         string       `json:"call_id"`
	VerificationID string       `json:"verification_id"`
	Priority       CallPriority `json:"priority"`
	Timestamp      time.Time    `json:"timestamp"`
}

// CallAssignedMessage tells an agent (and supervisors) about a binding
type CallAssignedMessage struct {
	Type           string    `json:"type"` // "call_assigned"
	CallID         string    `json:"call_id"`
	VerificationID string    `json:"verification_id"`
	CustomerID     string    `json:"customer_id"`
	AgentID        string    `json:"agent_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// CallClosedMessage is sent when a call completes or is cancelled
type CallClosedMessage struct {
	Type      string    `json:"type"` // "call_completed" or "call_cancelled"
	CallID    string    `json:"call_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatMessage is sent by agents over the updates channel
type HeartbeatMessage struct {
	Type   string      `json:"type"` // "heartbeat"
	Status AgentStatus `json:"status,omitempty"`
}

// AckMessage answers ping and heartbeat frames
type AckMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage reports a rejected inbound frame to its sender
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// ServiceLevel tracks how many answered calls waited less than the threshold
type ServiceLevel struct {
	ThresholdSecs int     `json:"thresholdSecs"`
	AnsweredInSL  int     `json:"answeredInSL"`
	TotalAnswered int     `json:"totalAnswered"`
	CurrentSL     float64 `json:"currentSL"` // percentage, 100 when nothing answered yet
}

// QueueStats is the periodic queue summary
type QueueStats struct {
	Type            string       `json:"type"` // "queue_stats"
	Pending         int          `json:"pending"`
	LongestWaitSecs float64      `json:"longestWaitSecs"`
	AvailableAgents int          `json:"availableAgents"`
	ServiceLevel    ServiceLevel `json:"serviceLevel"`
	Timestamp       time.Time    `json:"timestamp"`
}

// SessionNotice carries session lifecycle events to a party
type SessionNotice struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	CallerID  string `json:"caller_id,omitempty"`
	CalleeID  string `json:"callee_id,omitempty"`
	EndedBy   string `json:"ended_by,omitempty"`
}

// SignalMessage carries media negotiation payloads between parties.
// Exactly one of Offer, Answer or Candidate is set, matching Type.
type SignalMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	From      string          `json:"from,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Payload returns the negotiation payload matching the message type.
func (m *SignalMessage) Payload() json.RawMessage {
	switch m.Type {
	case MsgOffer:
		return m.Offer
	case MsgAnswer:
		return m.Answer
	case MsgICECandidate:
		return m.Candidate
	}
	return nil
}

// NewSignalMessage builds the forwarded form of a negotiation payload.
func NewSignalMessage(kind, sessionID, from string, payload json.RawMessage) SignalMessage {
	msg := SignalMessage{Type: kind, SessionID: sessionID, From: from}
	switch kind {
	case MsgOffer:
		msg.Offer = payload
	case MsgAnswer:
		msg.Answer = payload
	case MsgICECandidate:
		msg.Candidate = payload
	}
	return msg
}

// IsSignalKind reports whether kind is a relayable negotiation message.
func IsSignalKind(kind string) bool {
	return kind == MsgOffer || kind == MsgAnswer || kind == MsgICECandidate
}
