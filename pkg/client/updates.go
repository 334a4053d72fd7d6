package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Write timeout
	writeTimeout = 10 * time.Second

	// Reconnect backoff
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// UpdatesConn keeps an agent connected to the updates channel. It sends
// heartbeats on an interval and surfaces call assignments.
type UpdatesConn struct {
	url       string
	identity  Identity
	heartbeat time.Duration

	conn        *websocket.Conn
	status      types.AgentStatus
	assignments chan types.CallAssignedMessage
	stats       chan types.QueueStats
	mu          sync.Mutex
	connected   bool
	logger      zerolog.Logger

	heartbeatsSent int64
	reconnects     int64
}

// NewUpdatesConn creates a connection to baseURL's /ws/updates
func NewUpdatesConn(baseURL string, identity Identity, heartbeat time.Duration, logger zerolog.Logger) *UpdatesConn {
	return &UpdatesConn{
		url:         updatesURL(baseURL, identity),
		identity:    identity,
		heartbeat:   heartbeat,
		status:      types.AgentStatusOnline,
		assignments: make(chan types.CallAssignedMessage, 4),
		stats:       make(chan types.QueueStats, 1),
		logger:      logger.With().Str("agent_id", identity.UserID).Logger(),
	}
}

// updatesURL converts http(s) to ws(s). Dev identities ride in the query
// because browsers cannot set headers on a websocket upgrade.
func updatesURL(baseURL string, identity Identity) string {
	u := strings.TrimSuffix(baseURL, "/") + "/ws/updates"
	if strings.HasPrefix(u, "http") {
		u = "ws" + u[4:]
	}
	if identity.Token == "" {
		q := url.Values{}
		q.Set("user_id", identity.UserID)
		q.Set("role", identity.Role)
		u += "?" + q.Encode()
	}
	return u
}

// Assignments returns the channel where call_assigned messages for this agent arrive
func (uc *UpdatesConn) Assignments() <-chan types.CallAssignedMessage {
	return uc.assignments
}

// Stats returns the channel carrying the latest queue_stats message
func (uc *UpdatesConn) Stats() <-chan types.QueueStats {
	return uc.stats
}

// SetStatus changes the status reported by the next heartbeats
func (uc *UpdatesConn) SetStatus(status types.AgentStatus) {
	uc.mu.Lock()
	uc.status = status
	uc.mu.Unlock()
	uc.sendHeartbeat()
}

// Run connects and keeps the connection alive until ctx is cancelled
func (uc *UpdatesConn) Run(ctx context.Context) {
	reconnectDelay := initialReconnectDelay

	for {
		select {
		case <-ctx.Done():
			uc.Close()
			return
		default:
		}

		if err := uc.connect(ctx); err != nil {
			uc.logger.Debug().Err(err).Dur("retry_in", reconnectDelay).Msg("connection failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			reconnectDelay *= 2
			if reconnectDelay > maxReconnectDelay {
				reconnectDelay = maxReconnectDelay
			}
			uc.mu.Lock()
			uc.reconnects++
			uc.mu.Unlock()
			continue
		}

		reconnectDelay = initialReconnectDelay
		uc.sendHeartbeat()
		uc.runLoop(ctx)

		uc.mu.Lock()
		uc.connected = false
		if uc.conn != nil {
			uc.conn.Close()
			uc.conn = nil
		}
		uc.mu.Unlock()
	}
}

func (uc *UpdatesConn) connect(ctx context.Context) error {
	header := http.Header{}
	if uc.identity.Token != "" {
		header.Set("Authorization", "Bearer "+uc.identity.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, uc.url, header)
	if err != nil {
		return err
	}

	uc.mu.Lock()
	uc.conn = conn
	uc.connected = true
	uc.mu.Unlock()
	uc.logger.Debug().Msg("websocket connected")
	return nil
}

// Close drops the current connection
func (uc *UpdatesConn) Close() {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if uc.conn != nil {
		uc.conn.Close()
		uc.conn = nil
	}
	uc.connected = false
}

func (uc *UpdatesConn) runLoop(ctx context.Context) {
	heartbeatTicker := time.NewTicker(uc.heartbeat)
	defer heartbeatTicker.Stop()

	uc.mu.Lock()
	conn := uc.conn
	uc.mu.Unlock()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			uc.handleIncoming(message)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-heartbeatTicker.C:
			uc.sendHeartbeat()
		}
	}
}

func (uc *UpdatesConn) handleIncoming(message []byte) {
	var env types.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return
	}

	switch env.Type {
	case types.MsgCallAssigned:
		var msg types.CallAssignedMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		// Supervisors see every binding
		if msg.AgentID != uc.identity.UserID {
			return
		}
		select {
		case uc.assignments <- msg:
		default:
			uc.logger.Warn().Str("call_id", msg.CallID).Msg("assignment channel full, dropping")
		}
	case types.MsgQueueStats:
		var msg types.QueueStats
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		// Keep only the newest
		select {
		case <-uc.stats:
		default:
		}
		select {
		case uc.stats <- msg:
		default:
		}
	case types.MsgError:
		var msg types.ErrorMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			uc.logger.Warn().Str("error", msg.Message).Msg("server rejected frame")
		}
	}
}

func (uc *UpdatesConn) sendHeartbeat() {
	uc.mu.Lock()
	status := uc.status
	uc.mu.Unlock()

	data, err := json.Marshal(types.HeartbeatMessage{Type: types.MsgHeartbeat, Status: status})
	if err != nil {
		uc.logger.Error().Err(err).Msg("failed to marshal heartbeat")
		return
	}
	if uc.writeMessage(data) {
		uc.mu.Lock()
		uc.heartbeatsSent++
		uc.mu.Unlock()
	}
}

func (uc *UpdatesConn) writeMessage(data []byte) bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if uc.conn == nil || !uc.connected {
		return false
	}

	uc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := uc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		uc.logger.Debug().Err(err).Msg("write error")
		return false
	}
	return true
}

// Metrics returns heartbeat and reconnect counters
func (uc *UpdatesConn) Metrics() (heartbeats, reconnects int64) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.heartbeatsSent, uc.reconnects
}

// IsConnected returns whether the connection is established
func (uc *UpdatesConn) IsConnected() bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.connected
}
