// Package client talks to the livecall API over REST and websocket.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/go-resty/resty/v2"
)

// Identity is who the client acts as. With a Token the server verifies the
// JWT; without one the dev headers are sent and the server must run with
// SKIP_AUTH.
type Identity struct {
	UserID string
	Role   string
	Token  string
}

// APIError is a non-2xx answer from the server
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("livecall api: %d %s", e.Status, e.Message)
}

type errorBody struct {
	Error string `json:"error"`
}

// Client provides access to the queue and agent endpoints
type Client struct {
	baseURL  string
	identity Identity
	http     *resty.Client
}

// NewClient creates a new Client
func NewClient(baseURL string, identity Identity) *Client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json").
		SetError(&errorBody{})

	if identity.Token != "" {
		r.SetAuthToken(identity.Token)
	} else {
		r.SetHeader("X-User-Id", identity.UserID)
		r.SetHeader("X-User-Role", identity.Role)
	}

	return &Client{
		baseURL:  baseURL,
		identity: identity,
		http:     r,
	}
}

// Identity returns who the client acts as
func (c *Client) Identity() Identity {
	return c.identity
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

// Enqueue places a call request for a verification
func (c *Client) Enqueue(ctx context.Context, verificationID string, priority types.CallPriority) (*types.CallRequest, error) {
	var call types.CallRequest
	body := map[string]string{"verificationId": verificationID, "priority": string(priority)}
	if _, err := c.do(ctx, http.MethodPost, "/queue", body, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// Pending lists waiting calls in serving order
func (c *Client) Pending(ctx context.Context) ([]types.CallRequest, error) {
	var calls []types.CallRequest
	if _, err := c.do(ctx, http.MethodGet, "/queue/pending", nil, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// Stats returns the queue summary
func (c *Client) Stats(ctx context.Context) (*types.QueueStats, error) {
	var stats types.QueueStats
	if _, err := c.do(ctx, http.MethodGet, "/queue/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetCall fetches one call
func (c *Client) GetCall(ctx context.Context, callID string) (*types.CallRequest, error) {
	return c.callAction(ctx, http.MethodGet, callID, "", nil)
}

// StartCall marks an assigned call as connected
func (c *Client) StartCall(ctx context.Context, callID string) (*types.CallRequest, error) {
	return c.callAction(ctx, http.MethodPost, callID, "/start", nil)
}

// CompleteCall closes a call with optional notes
func (c *Client) CompleteCall(ctx context.Context, callID, notes string) (*types.CallRequest, error) {
	return c.callAction(ctx, http.MethodPost, callID, "/complete", map[string]string{"notes": notes})
}

// CancelCall withdraws a call
func (c *Client) CancelCall(ctx context.Context, callID string) (*types.CallRequest, error) {
	return c.callAction(ctx, http.MethodPost, callID, "/cancel", nil)
}

// SetStatus reports the caller's availability. It doubles as a heartbeat.
func (c *Client) SetStatus(ctx context.Context, status types.AgentStatus) (*types.AgentState, error) {
	var state types.AgentState
	body := map[string]string{"status": string(status)}
	if _, err := c.do(ctx, http.MethodPost, "/agents/status", body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) callAction(ctx context.Context, method, callID, action string, body interface{}) (*types.CallRequest, error) {
	var call types.CallRequest
	if _, err := c.do(ctx, method, "/calls/"+callID+action, body, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}

	if resp.IsError() {
		msg := resp.Status()
		if e, ok := resp.Error().(*errorBody); ok && e.Error != "" {
			msg = e.Error
		}
		return resp, &APIError{Status: resp.StatusCode(), Message: msg}
	}

	return resp, nil
}
