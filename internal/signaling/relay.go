// Package signaling pairs two connected parties into a session and relays
// media negotiation messages between them.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/livecall/internal/metrics"
	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/dennisdiepolder/livecall/internal/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// Relay owns signaling sessions. Sessions live in memory only.
type Relay struct {
	registry *websocket.Registry[string]

	// mu guards sessions. Messages are never sent while it is held since
	// a failed send can re-enter DropParty through the registry.
	mu       sync.Mutex
	sessions map[string]*types.CallSession
	// ringing holds sessions whose incoming_call is still being delivered.
	// DropParty leaves them alone and flags them; Initiate then discards them.
	ringing map[string]bool

	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

// NewRelay creates a relay delivering over registry
func NewRelay(registry *websocket.Registry[string], m *metrics.Metrics, logger zerolog.Logger) *Relay {
	return &Relay{
		registry: registry,
		sessions: make(map[string]*types.CallSession),
		ringing:  make(map[string]bool),
		metrics:  m,
		now:      time.Now,
		logger:   logger.With().Str("component", "signaling").Logger(),
	}
}

// Initiate opens a pending session from caller to callee and rings the
// callee. Both parties must be connected.
func (r *Relay) Initiate(callerID, calleeID string) (types.CallSession, error) {
	if calleeID == "" {
		return types.CallSession{}, fmt.Errorf("%w: calleeId is required", types.ErrInvalidArgument)
	}
	if callerID == calleeID {
		return types.CallSession{}, fmt.Errorf("%w: cannot call yourself", types.ErrInvalidArgument)
	}
	if !r.registry.IsOnline(callerID) {
		return types.CallSession{}, fmt.Errorf("caller %s: %w", callerID, types.ErrNotOnline)
	}
	if !r.registry.IsOnline(calleeID) {
		return types.CallSession{}, fmt.Errorf("callee %s: %w", calleeID, types.ErrNotOnline)
	}

	session := types.CallSession{
		ID:        uuid.New().String(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    types.SessionPending,
		CreatedAt: r.now(),
	}

	stored := session
	r.mu.Lock()
	r.sessions[session.ID] = &stored
	r.ringing[session.ID] = false
	active := r.activeLocked()
	r.mu.Unlock()
	r.metrics.SetActiveSessions(active)

	ring := types.SessionNotice{Type: types.MsgIncomingCall, SessionID: session.ID, CallerID: callerID}
	delivered := r.send(calleeID, ring)

	r.mu.Lock()
	dropped := r.ringing[session.ID]
	delete(r.ringing, session.ID)
	if !delivered || dropped {
		// a party vanished while ringing; the caller never saw this id
		delete(r.sessions, session.ID)
	} else {
		session = stored
	}
	active = r.activeLocked()
	r.mu.Unlock()

	if !delivered || dropped {
		r.metrics.SetActiveSessions(active)
		return types.CallSession{}, fmt.Errorf("callee %s: %w", calleeID, types.ErrNotOnline)
	}

	r.logger.Info().
		Str("session_id", session.ID).
		Str("caller_id", callerID).
		Str("callee_id", calleeID).
		Msg("call session initiated")
	return session, nil
}

// Respond lets the callee accept or reject a pending session
func (r *Relay) Respond(sessionID, responderID, action string) (types.CallSession, error) {
	var next types.SessionStatus
	var notice string
	switch action {
	case ActionAccept:
		next, notice = types.SessionActive, types.MsgCallAccepted
	case ActionReject:
		next, notice = types.SessionEnded, types.MsgCallRejected
	default:
		return types.CallSession{}, fmt.Errorf("%w: action must be accept or reject", types.ErrInvalidArgument)
	}

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return types.CallSession{}, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if s.CalleeID != responderID {
		r.mu.Unlock()
		return types.CallSession{}, fmt.Errorf("%w: only the callee may respond", types.ErrUnauthorized)
	}
	if s.Status != types.SessionPending {
		r.mu.Unlock()
		return types.CallSession{}, fmt.Errorf("%w: session %s is %s", types.ErrInvalidTransition, sessionID, s.Status)
	}

	s.Status = next
	if next == types.SessionEnded {
		r.endLocked(s, responderID)
	}
	result := *s
	active := r.activeLocked()
	r.mu.Unlock()
	r.metrics.SetActiveSessions(active)

	r.send(result.CallerID, types.SessionNotice{Type: notice, SessionID: sessionID, CalleeID: responderID})

	r.logger.Info().
		Str("session_id", sessionID).
		Str("action", action).
		Msg("call session answered")
	return result, nil
}

// End closes a pending or active session on behalf of either party
func (r *Relay) End(sessionID, requesterID string) (types.CallSession, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return types.CallSession{}, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if !s.HasParty(requesterID) {
		r.mu.Unlock()
		return types.CallSession{}, fmt.Errorf("%w: not part of session %s", types.ErrUnauthorized, sessionID)
	}
	if s.Status == types.SessionEnded {
		r.mu.Unlock()
		return types.CallSession{}, fmt.Errorf("%w: session %s already ended", types.ErrInvalidTransition, sessionID)
	}

	r.endLocked(s, requesterID)
	result := *s
	active := r.activeLocked()
	r.mu.Unlock()
	r.metrics.SetActiveSessions(active)

	r.send(result.Counterpart(requesterID), types.SessionNotice{Type: types.MsgCallEnded, SessionID: sessionID, EndedBy: requesterID})

	r.logger.Info().
		Str("session_id", sessionID).
		Str("ended_by", requesterID).
		Msg("call session ended")
	return result, nil
}

// Relay forwards a negotiation payload from one party to the other. The
// sender never receives its own message.
func (r *Relay) Relay(sessionID, fromID, kind string, payload json.RawMessage) error {
	if !types.IsSignalKind(kind) {
		return fmt.Errorf("%w: %q is not a signaling message", types.ErrInvalidArgument, kind)
	}

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if !s.HasParty(fromID) {
		r.mu.Unlock()
		return fmt.Errorf("%w: not part of session %s", types.ErrUnauthorized, sessionID)
	}
	if s.Status == types.SessionEnded {
		r.mu.Unlock()
		return fmt.Errorf("%w: session %s has ended", types.ErrInvalidTransition, sessionID)
	}
	target := s.Counterpart(fromID)
	r.mu.Unlock()

	if !r.send(target, types.NewSignalMessage(kind, sessionID, fromID, payload)) {
		return fmt.Errorf("peer %s: %w", target, types.ErrNotOnline)
	}
	r.metrics.RecordRelayed(kind)
	return nil
}

// Get returns a session to one of its parties
func (r *Relay) Get(sessionID, requesterID string) (types.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return types.CallSession{}, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if !s.HasParty(requesterID) {
		return types.CallSession{}, fmt.Errorf("%w: not part of session %s", types.ErrUnauthorized, sessionID)
	}
	return *s, nil
}

// DropParty ends every open session of identity, typically after its
// channel went away, and tells the counterparts.
func (r *Relay) DropParty(identity string) int {
	type notice struct {
		to  string
		msg types.SessionNotice
	}
	var notices []notice

	r.mu.Lock()
	for _, s := range r.sessions {
		if s.Status == types.SessionEnded || !s.HasParty(identity) {
			continue
		}
		if _, ok := r.ringing[s.ID]; ok {
			r.ringing[s.ID] = true
			continue
		}
		r.endLocked(s, identity)
		notices = append(notices, notice{
			to:  s.Counterpart(identity),
			msg: types.SessionNotice{Type: types.MsgCallEnded, SessionID: s.ID, EndedBy: identity},
		})
	}
	active := r.activeLocked()
	r.mu.Unlock()

	if len(notices) == 0 {
		return 0
	}
	r.metrics.SetActiveSessions(active)

	for _, n := range notices {
		r.send(n.to, n.msg)
	}
	r.logger.Info().
		Str("identity", identity).
		Int("sessions", len(notices)).
		Msg("ended sessions of disconnected party")
	return len(notices)
}

// Sweep forgets sessions that ended more than maxAge ago
func (r *Relay) Sweep(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if s.Status == types.SessionEnded && s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug().Int("removed", removed).Msg("swept ended sessions")
	}
	return removed
}

// Run sweeps ended sessions every interval until ctx is cancelled
func (r *Relay) Run(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(retention)
		}
	}
}

// HandleMessage relays offer, answer and ice_candidate frames from the
// signaling channel. Failures are reported back to the sender only.
func (r *Relay) HandleMessage(_ context.Context, from websocket.Peer, msgType string, message []byte) {
	if !types.IsSignalKind(msgType) {
		r.reply(from, types.ErrorMessage{Type: types.MsgError, Message: "unknown message type " + msgType})
		return
	}

	var msg types.SignalMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		r.reply(from, types.ErrorMessage{Type: types.MsgError, Message: "invalid " + msgType + " message"})
		return
	}

	if err := r.Relay(msg.SessionID, from.Identity(), msgType, msg.Payload()); err != nil {
		r.logger.Debug().Err(err).Str("session_id", msg.SessionID).Str("type", msgType).Msg("relay rejected")
		r.reply(from, types.ErrorMessage{Type: types.MsgError, Message: err.Error()})
	}
}

func (r *Relay) endLocked(s *types.CallSession, by string) {
	now := r.now()
	s.Status = types.SessionEnded
	s.EndedAt = &now
	s.EndedBy = by
}

func (r *Relay) activeLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s.Status != types.SessionEnded {
			n++
		}
	}
	return n
}

func (r *Relay) send(to string, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal signaling message")
		return false
	}
	return r.registry.SendTo(to, data)
}

func (r *Relay) reply(p websocket.Peer, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		p.Send(data)
	}
}
