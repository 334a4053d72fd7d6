package callqueue

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dennisdiepolder/livecall/internal/auth"
	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// CallHandler exposes the queue, call lifecycle and agent endpoints
type CallHandler struct {
	engine *Engine
	logger zerolog.Logger
}

// NewCallHandler creates a new CallHandler
func NewCallHandler(engine *Engine, logger zerolog.Logger) *CallHandler {
	return &CallHandler{
		engine: engine,
		logger: logger.With().Str("component", "call_handler").Logger(),
	}
}

// Routes mounts the handler under r. Authentication must run before.
func (h *CallHandler) Routes(r chi.Router) {
	staff := auth.RequireAnyRole(auth.RoleAgent, auth.RoleManager, auth.RoleAdmin)
	supervisors := auth.RequireAnyRole(auth.RoleManager, auth.RoleAdmin)

	r.Route("/queue", func(r chi.Router) {
		r.Post("/", h.HandleEnqueue)
		r.With(staff).Get("/pending", h.HandleListPending)
		r.With(staff).Get("/stats", h.HandleStats)
	})

	r.Route("/calls/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGetCall)
		r.With(supervisors).Post("/assign", h.HandleAssign)
		r.With(staff).Post("/start", h.HandleStart)
		r.With(staff).Post("/complete", h.HandleComplete)
		r.Post("/cancel", h.HandleCancel)
	})

	r.Route("/agents", func(r chi.Router) {
		r.With(supervisors).Get("/", h.HandleListAgents)
		r.Get("/available", h.HandleListAvailable)
		r.With(staff).Post("/status", h.HandleHeartbeat)
		r.With(staff).Get("/{id}/calls", h.HandleAgentCalls)
	})
}

type enqueueRequest struct {
	VerificationID string `json:"verificationId"`
	CustomerID     string `json:"customerId,omitempty"`
	Priority       string `json:"priority,omitempty"`
}

// HandleEnqueue handles POST /queue
func (h *CallHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.CustomerID == "" {
		req.CustomerID = user.ID()
	}
	if req.CustomerID != user.ID() && !user.Staff() {
		writeError(w, types.ErrUnauthorized)
		return
	}

	call, err := h.engine.Enqueue(r.Context(), req.VerificationID, req.CustomerID, types.CallPriority(req.Priority))
	if err != nil {
		h.logFailure(err, "enqueue")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, call)
}

// HandleListPending handles GET /queue/pending?limit=
func (h *CallHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	calls, err := h.engine.Queue().ListPending(r.Context(), limit)
	if err != nil {
		h.logFailure(err, "list pending")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

// HandleStats handles GET /queue/stats
func (h *CallHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Snapshot(r.Context())
	if err != nil {
		h.logFailure(err, "queue stats")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleGetCall handles GET /calls/{id}
func (h *CallHandler) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)

	call, err := h.engine.Queue().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !user.Staff() && call.CustomerID != user.ID() {
		writeError(w, types.ErrUnauthorized)
		return
	}
	call.WaitSeconds = call.WaitTime(h.engine.now()).Seconds()
	writeJSON(w, http.StatusOK, call)
}

type assignRequest struct {
	AgentID string `json:"agentId"`
}

// HandleAssign handles POST /calls/{id}/assign
func (h *CallHandler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeJSONError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	call, err := h.engine.AssignAgent(r.Context(), chi.URLParam(r, "id"), req.AgentID)
	if err != nil {
		h.logFailure(err, "assign")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// HandleStart handles POST /calls/{id}/start
func (h *CallHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	if err := h.checkBoundAgent(r, callID); err != nil {
		writeError(w, err)
		return
	}

	call, err := h.engine.StartCall(r.Context(), callID)
	if err != nil {
		h.logFailure(err, "start")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

type completeRequest struct {
	Notes string `json:"notes,omitempty"`
}

// HandleComplete handles POST /calls/{id}/complete. The body is optional.
func (h *CallHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.checkBoundAgent(r, callID); err != nil {
		writeError(w, err)
		return
	}

	call, err := h.engine.CompleteCall(r.Context(), callID, req.Notes)
	if err != nil {
		h.logFailure(err, "complete")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// HandleCancel handles POST /calls/{id}/cancel
func (h *CallHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)

	call, err := h.engine.CancelCall(r.Context(), chi.URLParam(r, "id"), Actor{ID: user.ID(), Privileged: user.Privileged()})
	if err != nil {
		h.logFailure(err, "cancel")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// checkBoundAgent lets only the agent holding the call, or a supervisor,
// move it forward
func (h *CallHandler) checkBoundAgent(r *http.Request, callID string) error {
	user := mustUser(r)
	if user.Privileged() {
		return nil
	}
	call, err := h.engine.Queue().Get(r.Context(), callID)
	if err != nil {
		return err
	}
	if call.AgentID != user.ID() {
		return types.ErrUnauthorized
	}
	return nil
}

type statusRequest struct {
	Status string `json:"status"`
}

// HandleHeartbeat handles POST /agents/status for the calling agent
func (h *CallHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	state, err := h.engine.Heartbeat(r.Context(), user.ID(), types.AgentStatus(req.Status))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleListAvailable handles GET /agents/available
func (h *CallHandler) HandleListAvailable(w http.ResponseWriter, r *http.Request) {
	agents, err := h.engine.Agents().ListAvailable(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// HandleListAgents handles GET /agents
func (h *CallHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.engine.Agents().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// HandleAgentCalls handles GET /agents/{id}/calls?status=
func (h *CallHandler) HandleAgentCalls(w http.ResponseWriter, r *http.Request) {
	user := mustUser(r)
	agentID := chi.URLParam(r, "id")
	if !user.Privileged() && agentID != user.ID() {
		writeError(w, types.ErrUnauthorized)
		return
	}

	var statuses []types.CallStatus
	for _, s := range r.URL.Query()["status"] {
		statuses = append(statuses, types.CallStatus(s))
	}

	calls, err := h.engine.Queue().ListByAgent(r.Context(), agentID, statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (h *CallHandler) logFailure(err error, op string) {
	if statusFor(err) == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("op", op).Msg("call operation failed")
	}
}

// mustUser returns the caller. Routes are only mounted behind auth.
func mustUser(r *http.Request) *auth.Claims {
	if claims, ok := auth.GetUserFromContext(r.Context()); ok {
		return claims
	}
	return &auth.Claims{}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidReference):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrNotOnline):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps domain errors onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSONError(w, status, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
