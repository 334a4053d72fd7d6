package types

import "time"

// SessionStatus is the lifecycle of a signaling session
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// CallSession pairs a caller and a callee for media negotiation.
type CallSession struct {
	ID        string        `json:"session_id"`
	CallerID  string        `json:"caller_id"`
	CalleeID  string        `json:"callee_id"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	EndedBy   string        `json:"ended_by,omitempty"`
}

// HasParty reports whether identity is the caller or the callee.
func (s *CallSession) HasParty(identity string) bool {
	return identity == s.CallerID || identity == s.CalleeID
}

// Counterpart returns the other party of the session.
func (s *CallSession) Counterpart(identity string) string {
	if identity == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}
