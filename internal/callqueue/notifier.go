package callqueue

import (
	"encoding/json"
	"time"

	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/rs/zerolog"
)

// Notifier pushes messages to agents over the updates channel
type Notifier interface {
	SendTo(agentID string, message []byte) bool
	Broadcast(message []byte) int
}

type nopNotifier struct{}

func (nopNotifier) SendTo(string, []byte) bool { return false }
func (nopNotifier) Broadcast([]byte) int       { return 0 }

// notifications marshals queue events and hands them to the Notifier.
// Delivery is best-effort.
type notifications struct {
	sender Notifier
	logger zerolog.Logger
}

func (n *notifications) newCall(call *types.CallRequest) {
	n.broadcast(types.NewCallMessage{
		Type:           types.MsgNewCall,
		CallID:         call.ID,
		VerificationID: call.VerificationID,
		Priority:       call.Priority,
		Timestamp:      time.Now(),
	})
}

func (n *notifications) assigned(call *types.CallRequest) {
	msg := types.CallAssignedMessage{
		Type:           types.MsgCallAssigned,
		CallID:         call.ID,
		VerificationID: call.VerificationID,
		CustomerID:     call.CustomerID,
		AgentID:        call.AgentID,
		Timestamp:      time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error().Err(err).Str("call_id", call.ID).Msg("failed to marshal call_assigned message")
		return
	}
	if !n.sender.SendTo(call.AgentID, data) {
		n.logger.Warn().
			Str("call_id", call.ID).
			Str("agent_id", call.AgentID).
			Msg("failed to send call_assigned to agent")
	}
}

func (n *notifications) closed(msgType string, call *types.CallRequest) {
	n.broadcast(types.CallClosedMessage{
		Type:      msgType,
		CallID:    call.ID,
		AgentID:   call.AgentID,
		Timestamp: time.Now(),
	})
}

func (n *notifications) broadcast(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to marshal broadcast message")
		return
	}
	n.sender.Broadcast(data)
}
