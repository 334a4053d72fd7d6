package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/rs/zerolog"
)

// Heartbeater records agent heartbeats
type Heartbeater interface {
	Heartbeat(ctx context.Context, agentID string, status types.AgentStatus) (types.AgentState, error)
}

// UpdatesDispatcher handles inbound frames on the agent updates channel.
// Agents may heartbeat over the socket instead of POST /agents/status.
type UpdatesDispatcher struct {
	agents Heartbeater
	logger zerolog.Logger
}

// NewUpdatesDispatcher creates a dispatcher for the updates channel
func NewUpdatesDispatcher(agents Heartbeater, logger zerolog.Logger) *UpdatesDispatcher {
	return &UpdatesDispatcher{
		agents: agents,
		logger: logger.With().Str("component", "updates").Logger(),
	}
}

func (d *UpdatesDispatcher) HandleMessage(ctx context.Context, from Peer, msgType string, message []byte) {
	switch msgType {
	case types.MsgHeartbeat:
		var hb types.HeartbeatMessage
		if err := json.Unmarshal(message, &hb); err != nil {
			d.logger.Debug().Err(err).Msg("failed to parse heartbeat message")
			sendJSON(from, types.ErrorMessage{Type: types.MsgError, Message: "invalid heartbeat"})
			return
		}
		if hb.Status == "" {
			hb.Status = types.AgentStatusOnline
		}

		if _, err := d.agents.Heartbeat(ctx, from.Identity(), hb.Status); err != nil {
			d.logger.Debug().Err(err).Str("agent_id", from.Identity()).Msg("heartbeat rejected")
			sendJSON(from, types.ErrorMessage{Type: types.MsgError, Message: err.Error()})
			return
		}
		sendJSON(from, types.AckMessage{Type: types.MsgHeartbeatAck, Timestamp: time.Now()})

	default:
		d.logger.Debug().Str("type", msgType).Msg("unknown message type")
		sendJSON(from, types.ErrorMessage{Type: types.MsgError, Message: "unknown message type " + msgType})
	}
}

// sendJSON marshals v and hands it to p, best-effort
func sendJSON(p Peer, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return p.Send(data)
}
