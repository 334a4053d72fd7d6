package websocket

import (
	"net/http"
	"strings"

	"github.com/dennisdiepolder/livecall/internal/auth"
	"github.com/dennisdiepolder/livecall/internal/config"
	"github.com/dennisdiepolder/livecall/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// newUpgrader accepts same-origin requests, non-browser clients and the
// configured origins. A "*" entry allows everything.
func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
		},
	}
}

// Handler upgrades authenticated requests and registers the connection
// under the caller's identity
type Handler struct {
	channel  string
	registry *Registry[string]
	messages MessageHandler
	upgrader websocket.Upgrader
	config   *config.Config
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewHandler creates a websocket endpoint for one channel. messages may
// be nil for push-only channels.
func NewHandler(channel string, registry *Registry[string], messages MessageHandler, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *Handler {
	return &Handler{
		channel:  channel,
		registry: registry,
		messages: messages,
		upgrader: newUpgrader(cfg.AllowedOrigins),
		config:   cfg,
		metrics:  m,
		logger:   logger.With().Str("component", "ws_handler").Str("channel", channel).Logger(),
	}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok || claims.ID() == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := NewClient(claims.ID(), h.channel, h.registry, h.messages, conn, h.config, h.metrics, h.logger)
	h.registry.Connect(claims.ID(), client)
	client.Start()
}
