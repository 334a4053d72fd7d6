package signaling

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dennisdiepolder/livecall/internal/auth"
	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/dennisdiepolder/livecall/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler exposes session control over HTTP. Negotiation payloads travel
// over the signaling websocket.
type Handler struct {
	relay    *Relay
	registry *websocket.Registry[string]
	logger   zerolog.Logger
}

// NewHandler creates a new signaling Handler
func NewHandler(relay *Relay, registry *websocket.Registry[string], logger zerolog.Logger) *Handler {
	return &Handler{
		relay:    relay,
		registry: registry,
		logger:   logger.With().Str("component", "signaling_handler").Logger(),
	}
}

// Routes mounts the handler under r
func (h *Handler) Routes(r chi.Router) {
	r.Route("/signaling", func(r chi.Router) {
		r.Post("/initiate", h.HandleInitiate)
		r.Post("/respond", h.HandleRespond)
		r.Post("/end/{sessionId}", h.HandleEnd)
		r.Get("/session/{sessionId}", h.HandleGetSession)
		r.Get("/online", h.HandleOnline)
	})
}

type initiateRequest struct {
	CalleeID string `json:"calleeId"`
}

// HandleInitiate handles POST /signaling/initiate
func (h *Handler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	session, err := h.relay.Initiate(callerID(r), req.CalleeID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": session.ID,
		"status":    session.Status,
		"message":   "Call initiated successfully",
	})
}

type respondRequest struct {
	SessionID string `json:"sessionId"`
	Action    string `json:"action"`
}

// HandleRespond handles POST /signaling/respond
func (h *Handler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	session, err := h.relay.Respond(req.SessionID, callerID(r), req.Action)
	if err != nil {
		writeError(w, err)
		return
	}

	msg := "Call accepted"
	if session.Status == types.SessionEnded {
		msg = "Call rejected"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg, "sessionId": session.ID})
}

// HandleEnd handles POST /signaling/end/{sessionId}
func (h *Handler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	if _, err := h.relay.End(chi.URLParam(r, "sessionId"), callerID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Call ended successfully"})
}

// HandleGetSession handles GET /signaling/session/{sessionId}
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.relay.Get(chi.URLParam(r, "sessionId"), callerID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleOnline handles GET /signaling/online
func (h *Handler) HandleOnline(w http.ResponseWriter, r *http.Request) {
	users := websocket.SortedOnline(h.registry)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"onlineUsers": users,
		"count":       len(users),
	})
}

func callerID(r *http.Request) string {
	if claims, ok := auth.GetUserFromContext(r.Context()); ok {
		return claims.ID()
	}
	return ""
}

// writeError maps domain errors onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrNotOnline):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrUnauthorized):
		status = http.StatusForbidden
	}
	writeJSONError(w, status, err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
