package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dennisdiepolder/livecall/internal/config"
	"github.com/dennisdiepolder/livecall/internal/metrics"
	"github.com/dennisdiepolder/livecall/internal/storage"
	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/dennisdiepolder/livecall/pkg/client"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	healthHandler(rec, req)

	// Check status code
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	// Check content type
	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", contentType)
	}

	// Parse response body
	var response map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	// Check response fields
	if response["status"] != "ok" {
		t.Errorf("expected status ok, got %s", response["status"])
	}
	if response["service"] != "livecall" {
		t.Errorf("expected service livecall, got %s", response["service"])
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Env:              "development",
		AllowedOrigins:   []string{"*"},
		SkipAuth:         true,
		PongWait:         60 * time.Second,
		PingPeriod:       54 * time.Second,
		WriteWait:        10 * time.Second,
		MaxMessageSize:   65536,
		RoutingStrategy:  "fewest_calls",
		LivenessWindow:   60 * time.Second,
		PendingLimit:     50,
		SLThreshold:      20 * time.Second,
		StatsInterval:    50 * time.Millisecond,
		SessionRetention: 10 * time.Minute,
		Storage:          storage.Config{Mode: storage.ModeMemory},
		VerificationMode: "static",
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, err := newApp(ctx, testConfig(), metrics.New(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	a.startBackground(ctx)

	srv := httptest.NewServer(a.router(zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func TestPublicRoutes(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "livecall_http_requests_total"), "metrics page should expose request counters")
}

func TestCallLifecycleOverREST(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	agent := client.NewClient(srv.URL, client.Identity{UserID: "agent-1", Role: "agent"})
	customer := client.NewClient(srv.URL, client.Identity{UserID: "cust-1", Role: "customer"})

	_, err := agent.SetStatus(ctx, types.AgentStatusOnline)
	require.NoError(t, err)

	call, err := customer.Enqueue(ctx, "ver-1", types.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, types.CallStatusAssigned, call.Status)
	assert.Equal(t, "agent-1", call.AgentID)

	started, err := agent.StartCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CallStatusInProgress, started.Status)

	done, err := agent.CompleteCall(ctx, call.ID, "identity confirmed")
	require.NoError(t, err)
	assert.Equal(t, types.CallStatusCompleted, done.Status)
	assert.Equal(t, "identity confirmed", done.Notes)

	// Customers may read their own call but not queue internals
	own, err := customer.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CallStatusCompleted, own.Status)

	_, err = customer.Stats(ctx)
	apiErr, ok := err.(*client.APIError)
	require.True(t, ok, "expected APIError, got %v", err)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestAssignmentPushedOverUpdatesChannel(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identity := client.Identity{UserID: "agent-2", Role: "agent"}
	updates := client.NewUpdatesConn(srv.URL, identity, time.Second, zerolog.Nop())
	go updates.Run(ctx)

	// The socket heartbeat makes the agent available
	supervisor := client.NewClient(srv.URL, client.Identity{UserID: "sup-1", Role: "manager"})
	require.Eventually(t, func() bool {
		stats, err := supervisor.Stats(ctx)
		return err == nil && stats.AvailableAgents == 1
	}, 2*time.Second, 20*time.Millisecond)

	customer := client.NewClient(srv.URL, client.Identity{UserID: "cust-2", Role: "customer"})
	call, err := customer.Enqueue(ctx, "ver-2", types.PriorityHigh)
	require.NoError(t, err)

	select {
	case msg := <-updates.Assignments():
		assert.Equal(t, call.ID, msg.CallID)
		assert.Equal(t, "ver-2", msg.VerificationID)
	case <-time.After(2 * time.Second):
		t.Fatal("assignment was not pushed to the agent")
	}

	select {
	case stats := <-updates.Stats():
		assert.Equal(t, types.MsgQueueStats, stats.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("queue stats were not broadcast")
	}
}
