package callqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dennisdiepolder/livecall/internal/auth"
	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (http.Handler, *engineFixture) {
	t.Helper()
	f := newEngineFixture(t)
	r := chi.NewRouter()
	r.Use(auth.NewAuthenticator(auth.Options{SkipAuth: true}, zerolog.Nop()).Middleware)
	NewCallHandler(f.engine, zerolog.Nop()).Routes(r)
	return r, f
}

func do(t *testing.T, h http.Handler, method, path, user, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-User-Id", user)
	req.Header.Set("X-User-Role", role)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeCall(t *testing.T, rec *httptest.ResponseRecorder) types.CallRequest {
	t.Helper()
	var call types.CallRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &call))
	return call
}

func TestHandleEnqueue(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/queue", "cust-1", "customer", `{"verificationId":"ver-1","priority":"high"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	call := decodeCall(t, rec)
	assert.Equal(t, "cust-1", call.CustomerID)
	assert.Equal(t, types.PriorityHigh, call.Priority)
	assert.Equal(t, types.CallStatusPending, call.Status)

	rec = do(t, h, http.MethodPost, "/queue", "cust-1", "customer", `{"verificationId":"ver-1","customerId":"cust-2"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/queue", "cust-1", "customer", `{"verificationId":"ver-1","priority":"whenever"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)

	rec = do(t, h, http.MethodPost, "/queue", "cust-1", "customer", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEnqueueUnknownVerification(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.queue.lookup = knownVerifications{}
	r := chi.NewRouter()
	r.Use(auth.NewAuthenticator(auth.Options{SkipAuth: true}, zerolog.Nop()).Middleware)
	NewCallHandler(f.engine, zerolog.Nop()).Routes(r)

	rec := do(t, r, http.MethodPost, "/queue", "cust-1", "customer", `{"verificationId":"nope"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPendingRequiresStaff(t *testing.T) {
	h, _ := newTestRouter(t)

	do(t, h, http.MethodPost, "/queue", "cust-1", "customer", `{"verificationId":"ver-1"}`)
	do(t, h, http.MethodPost, "/queue", "cust-2", "customer", `{"verificationId":"ver-2","priority":"urgent"}`)

	rec := do(t, h, http.MethodGet, "/queue/pending", "cust-1", "customer", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/queue/pending?limit=5", "agent-1", "agent", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var pending []types.CallRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 2)
	assert.Equal(t, "cust-2", pending[0].CustomerID)

	rec = do(t, h, http.MethodGet, "/queue/pending?limit=abc", "agent-1", "agent", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/queue/stats", "agent-1", "agent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats types.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Pending)
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	h, f := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/agents/status", "agent-1", "agent", `{"status":"online"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/queue", "cust-1", "customer", `{"verificationId":"ver-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	call := decodeCall(t, rec)
	require.Equal(t, "agent-1", call.AgentID)

	// only the bound agent or a supervisor moves the call
	rec = do(t, h, http.MethodPost, "/calls/"+call.ID+"/start", "agent-2", "agent", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/calls/"+call.ID+"/start", "agent-1", "agent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.CallStatusInProgress, decodeCall(t, rec).Status)

	rec = do(t, h, http.MethodPost, "/calls/"+call.ID+"/cancel", "cust-1", "customer", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/calls/"+call.ID+"/complete", "agent-1", "agent", `{"notes":"id confirmed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "id confirmed", decodeCall(t, rec).Notes)

	rec = do(t, h, http.MethodGet, "/calls/"+call.ID, "cust-1", "customer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.CallStatusCompleted, decodeCall(t, rec).Status)

	rec = do(t, h, http.MethodGet, "/calls/"+call.ID, "cust-2", "customer", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/agents/agent-1/calls", "agent-1", "agent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []types.CallRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)

	rec = do(t, h, http.MethodGet, "/agents/agent-1/calls", "agent-2", "agent", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Equal(t, 1, f.agent(t, "agent-1").CallsToday)
}

func TestAssignEndpoint(t *testing.T) {
	h, f := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/queue", "cust-1", "customer", `{"verificationId":"ver-1"}`)
	call := decodeCall(t, rec)

	rec = do(t, h, http.MethodPost, "/calls/"+call.ID+"/assign", "agent-1", "agent", `{"agentId":"agent-1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/calls/"+call.ID+"/assign", "boss", "manager", `{"agentId":"nobody"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := f.registry.Heartbeat(context.Background(), "agent-7", types.AgentStatusOnline)
	require.NoError(t, err)

	rec = do(t, h, http.MethodPost, "/calls/"+call.ID+"/assign", "boss", "manager", `{"agentId":"agent-7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-7", decodeCall(t, rec).AgentID)

	rec = do(t, h, http.MethodPost, "/calls/unknown/assign", "boss", "admin", `{"agentId":"agent-7"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentListings(t *testing.T) {
	h, _ := newTestRouter(t)

	do(t, h, http.MethodPost, "/agents/status", "agent-1", "agent", `{"status":"online"}`)
	do(t, h, http.MethodPost, "/agents/status", "agent-2", "agent", `{"status":"offline"}`)

	rec := do(t, h, http.MethodPost, "/agents/status", "agent-3", "agent", `{"status":"in_call"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/agents/available", "cust-1", "customer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var available []types.AgentState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &available))
	require.Len(t, available, 1)
	assert.Equal(t, "agent-1", available[0].AgentID)

	rec = do(t, h, http.MethodGet, "/agents", "agent-1", "agent", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/agents", "boss", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []types.AgentState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrInvalidReference, http.StatusUnprocessableEntity},
		{types.ErrInvalidTransition, http.StatusBadRequest},
		{types.ErrInvalidArgument, http.StatusBadRequest},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrNotOnline, http.StatusNotFound},
		{types.ErrUnauthorized, http.StatusForbidden},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
