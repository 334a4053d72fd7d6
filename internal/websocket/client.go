package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dennisdiepolder/livecall/internal/config"
	"github.com/dennisdiepolder/livecall/internal/metrics"
	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const sendBufferSize = 64

// Peer is the sending side of an inbound message
type Peer interface {
	Identity() string
	Send(message []byte) bool
}

// MessageHandler consumes inbound channel messages other than ping
type MessageHandler interface {
	HandleMessage(ctx context.Context, from Peer, msgType string, message []byte)
}

// Client is a middleman between the websocket connection and a registry
type Client struct {
	// Unique connection ID
	id string

	// Authenticated identity the connection is registered under
	identity string

	registry *Registry[string]
	handler  MessageHandler

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	// done is closed when the read pump exits
	done chan struct{}

	// closeOnce ensures send channel is closed only once
	closeOnce sync.Once

	config  *config.Config
	channel string
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewClient creates a new Client
func NewClient(identity, channel string, registry *Registry[string], handler MessageHandler, conn *websocket.Conn, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *Client {
	clientID := uuid.New().String()
	return &Client{
		id:       clientID,
		identity: identity,
		registry: registry,
		handler:  handler,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		config:   cfg,
		channel:  channel,
		metrics:  m,
		logger: logger.With().
			Str("client_id", clientID).
			Str("identity", identity).
			Logger(),
	}
}

// Identity returns the identity the client is registered under
func (c *Client) Identity() string {
	return c.identity
}

// readPump pumps messages from the websocket connection to the handler
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		close(c.done)
		c.registry.Release(c.identity, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Msg("websocket read error")
			}
			break
		}
		// Any inbound traffic proves the peer is alive
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		c.metrics.RecordWebSocketMessage(c.channel)

		c.handleMessage(ctx, message)
	}
}

func (c *Client) handleMessage(ctx context.Context, message []byte) {
	var envelope types.Envelope
	if err := json.Unmarshal(message, &envelope); err != nil || envelope.Type == "" {
		c.logger.Debug().Err(err).Msg("failed to parse message type")
		c.SendJSON(types.ErrorMessage{Type: types.MsgError, Message: "message must be a JSON object with a type"})
		return
	}

	if envelope.Type == types.MsgPing {
		c.SendJSON(types.AckMessage{Type: types.MsgPong, Timestamp: time.Now()})
		return
	}

	if c.handler == nil {
		c.logger.Debug().Str("type", envelope.Type).Msg("unknown message type")
		return
	}
	c.handler.HandleMessage(ctx, c, envelope.Type, message)
}

// writePump pumps messages from the registry to the websocket connection
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				// The registry closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One JSON document per frame so peers can decode frames directly
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Close safely closes the client's send channel (idempotent)
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		defer func() {
			recover() // absorb panic if channel was already closed
		}()
		close(c.send)
	})
}

// Send attempts to queue a message, recovering from panic if the channel
// is closed
func (c *Client) Send(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendJSON marshals v and queues it
func (c *Client) SendJSON(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal outbound message")
		return false
	}
	return c.Send(data)
}
