package callqueue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dennisdiepolder/livecall/internal/agents"
	"github.com/dennisdiepolder/livecall/internal/events"
	"github.com/dennisdiepolder/livecall/internal/storage"
	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/dennisdiepolder/livecall/internal/verification"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	to   string // empty for broadcasts
	kind string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *recordingNotifier) record(to string, message []byte) {
	var env struct {
		Type string `json:"type"`
	}
	json.Unmarshal(message, &env)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{to: to, kind: env.Type})
}

func (n *recordingNotifier) SendTo(agentID string, message []byte) bool {
	n.record(agentID, message)
	return true
}

func (n *recordingNotifier) Broadcast(message []byte) int {
	n.record("", message)
	return 1
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		out = append(out, m.kind)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type engineFixture struct {
	engine    *Engine
	store     storage.Store
	registry  *agents.Registry
	notifier  *recordingNotifier
	publisher *recordingPublisher
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	queue := NewQueue(store, verification.Static{}, 0, 0, zerolog.Nop())
	registry := agents.NewRegistry(store, 0, zerolog.Nop())
	f := &engineFixture{
		store:     store,
		registry:  registry,
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
	}
	f.engine = NewEngine(queue, registry, zerolog.Nop(), WithNotifier(f.notifier), WithEvents(f.publisher))
	return f
}

// online registers an agent without triggering assignment
func (f *engineFixture) online(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.registry.Heartbeat(context.Background(), id, types.AgentStatusOnline)
		require.NoError(t, err)
	}
}

func (f *engineFixture) agent(t *testing.T, id string) types.AgentState {
	t.Helper()
	a, err := f.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *engineFixture) call(t *testing.T, id string) types.CallRequest {
	t.Helper()
	c, err := f.store.GetCall(context.Background(), id)
	require.NoError(t, err)
	return c
}

func pendingIDs(t *testing.T, q *Queue) []string {
	t.Helper()
	pending, err := q.ListPending(context.Background(), 0)
	require.NoError(t, err)
	ids := []string{}
	for _, c := range pending {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestPriorityScenarioWithAutoAssignOnCompletion(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	c1, err := f.engine.Enqueue(ctx, "ver-1", "C1", types.PriorityHigh)
	require.NoError(t, err)
	c2, err := f.engine.Enqueue(ctx, "ver-2", "C2", types.PriorityUrgent)
	require.NoError(t, err)
	assert.Equal(t, types.CallStatusPending, c1.Status)
	assert.Equal(t, types.CallStatusPending, c2.Status)

	assert.Equal(t, []string{c2.ID, c1.ID}, pendingIDs(t, f.engine.Queue()))

	f.online(t, "A1")
	assigned, err := f.engine.AutoAssignNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, assigned)
	assert.Equal(t, c2.ID, assigned.ID)
	assert.Equal(t, "A1", assigned.AgentID)
	assert.Equal(t, types.CallStatusAssigned, assigned.Status)

	assert.Equal(t, []string{c1.ID}, pendingIDs(t, f.engine.Queue()))

	_, err = f.engine.StartCall(ctx, c2.ID)
	require.NoError(t, err)
	completed, err := f.engine.CompleteCall(ctx, c2.ID, "verified")
	require.NoError(t, err)
	assert.Equal(t, types.CallStatusCompleted, completed.Status)
	assert.Equal(t, "verified", completed.Notes)

	// A1 was freed and is the only agent, so C1 follows at once
	next := f.call(t, c1.ID)
	assert.Equal(t, types.CallStatusAssigned, next.Status)
	assert.Equal(t, "A1", next.AgentID)
	assert.Empty(t, pendingIDs(t, f.engine.Queue()))

	a1 := f.agent(t, "A1")
	assert.Equal(t, c1.ID, a1.CurrentCallID)
	assert.Equal(t, types.AgentStatusBusy, a1.Status)
	assert.Equal(t, 1, a1.CallsToday)
}

func TestAutoAssignNextWithoutWork(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	assigned, err := f.engine.AutoAssignNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, assigned)

	_, err = f.engine.Enqueue(ctx, "ver-1", "C1", "")
	require.NoError(t, err)
	assigned, err = f.engine.AutoAssignNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, assigned, "no agent is available")
}

func TestEnqueueAssignsImmediatelyWhenAgentWaiting(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.online(t, "A1")

	call, err := f.engine.Enqueue(ctx, "ver-1", "C1", "")
	require.NoError(t, err)
	assert.Equal(t, types.CallStatusAssigned, call.Status)
	assert.Equal(t, "A1", call.AgentID)

	assert.Equal(t, []string{types.MsgNewCall, types.MsgCallAssigned}, f.notifier.kinds())
	assert.Equal(t, []string{events.CallQueued, events.CallAssigned}, f.publisher.eventTypes())

	f.notifier.mu.Lock()
	assert.Equal(t, "A1", f.notifier.sent[1].to)
	f.notifier.mu.Unlock()

	stats, err := f.engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.AvailableAgents)
	assert.Equal(t, 1, stats.ServiceLevel.TotalAnswered)
	assert.Equal(t, types.MsgQueueStats, stats.Type)
}

func TestConcurrentAutoAssignNeverDoubleBinds(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.engine.Queue().Enqueue(ctx, "ver", "cust", "")
		require.NoError(t, err)
	}
	f.online(t, "A1", "A2", "A3")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.AutoAssignNext(ctx)
		}()
	}
	wg.Wait()

	assigned, err := f.store.ListCallsByStatus(ctx, types.CallStatusAssigned)
	require.NoError(t, err)
	require.Len(t, assigned, 3)

	seen := map[string]string{}
	for _, c := range assigned {
		other, dup := seen[c.AgentID]
		require.False(t, dup, "agent %s bound to %s and %s", c.AgentID, other, c.ID)
		seen[c.AgentID] = c.ID
		assert.Equal(t, c.ID, f.agent(t, c.AgentID).CurrentCallID)
	}
	assert.Len(t, pendingIDs(t, f.engine.Queue()), 7)
}

func TestConcurrentEnginesSharingStoreNeverDoubleBind(t *testing.T) {
	// Two engines without a shared lock only have the store's version
	// checks between them
	store := storage.NewMemoryStore()
	ctx := context.Background()

	newEngine := func() *Engine {
		q := NewQueue(store, verification.Static{}, 0, 0, zerolog.Nop())
		return NewEngine(q, agents.NewRegistry(store, 0, zerolog.Nop()), zerolog.Nop())
	}
	e1, e2 := newEngine(), newEngine()

	for i := 0; i < 6; i++ {
		_, err := e1.Queue().Enqueue(ctx, "ver", "cust", "")
		require.NoError(t, err)
	}
	for _, id := range []string{"A1", "A2"} {
		_, err := e1.Agents().Heartbeat(ctx, id, types.AgentStatusOnline)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); e1.AutoAssignNext(ctx) }()
		go func() { defer wg.Done(); e2.AutoAssignNext(ctx) }()
	}
	wg.Wait()

	assigned, err := store.ListCallsByStatus(ctx, types.CallStatusAssigned)
	require.NoError(t, err)
	require.Len(t, assigned, 2)
	assert.NotEqual(t, assigned[0].AgentID, assigned[1].AgentID)
}

func TestCompleteCallReleasesAgent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.online(t, "A1")

	call, err := f.engine.Enqueue(ctx, "ver-1", "C1", "")
	require.NoError(t, err)
	require.Equal(t, "A1", call.AgentID)

	started, err := f.engine.StartCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CallStatusInProgress, started.Status)
	assert.NotNil(t, started.StartedAt)
	assert.Equal(t, types.AgentStatusInCall, f.agent(t, "A1").Status)

	before := f.agent(t, "A1").CallsToday
	completed, err := f.engine.CompleteCall(ctx, call.ID, "")
	require.NoError(t, err)
	assert.NotNil(t, completed.CompletedAt)

	a1 := f.agent(t, "A1")
	assert.Equal(t, types.AgentStatusOnline, a1.Status)
	assert.Empty(t, a1.CurrentCallID)
	assert.Equal(t, before+1, a1.CallsToday)

	_, err = f.engine.CompleteCall(ctx, call.ID, "")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, before+1, f.agent(t, "A1").CallsToday)
}

func TestCompleteRequiresStart(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.online(t, "A1")

	call, err := f.engine.Enqueue(ctx, "ver-1", "C1", "")
	require.NoError(t, err)

	_, err = f.engine.CompleteCall(ctx, call.ID, "customer hung up")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	a1 := f.agent(t, "A1")
	assert.Equal(t, call.ID, a1.CurrentCallID)
	assert.Equal(t, 0, a1.CallsToday)
	assert.Equal(t, types.CallStatusAssigned, f.call(t, call.ID).Status)
}

func TestStartRequiresAssignment(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	call, err := f.engine.Enqueue(ctx, "ver-1", "C1", "")
	require.NoError(t, err)

	_, err = f.engine.StartCall(ctx, call.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	_, err = f.engine.StartCall(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAssignAgentOverride(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	call, err := f.engine.Enqueue(ctx, "ver-1", "C1", "")
	require.NoError(t, err)

	_, err = f.engine.AssignAgent(ctx, call.ID, "ghost")
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "unknown agent")

	_, err = f.registry.Heartbeat(ctx, "A9", types.AgentStatusOffline)
	require.NoError(t, err)

	assigned, err := f.engine.AssignAgent(ctx, call.ID, "A9")
	require.NoError(t, err, "offline agents may be assigned by a supervisor")
	assert.Equal(t, "A9", assigned.AgentID)
	assert.Equal(t, call.ID, f.agent(t, "A9").CurrentCallID)

	_, err = f.engine.AssignAgent(ctx, call.ID, "A9")
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "call no longer pending")

	other, err := f.engine.Enqueue(ctx, "ver-2", "C2", "")
	require.NoError(t, err)
	_, err = f.engine.AssignAgent(ctx, other.ID, "A9")
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "agent already holds a call")

	_, err = f.engine.AssignAgent(ctx, "missing", "A9")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCancelCall(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	call, err := f.engine.Enqueue(ctx, "ver-1", "C1", "")
	require.NoError(t, err)

	_, err = f.engine.CancelCall(ctx, call.ID, Actor{ID: "C2"})
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	cancelled, err := f.engine.CancelCall(ctx, call.ID, Actor{ID: "C1"})
	require.NoError(t, err)
	assert.Equal(t, types.CallStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.AssignedAt)
	assert.Nil(t, cancelled.CompletedAt)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Empty(t, pendingIDs(t, f.engine.Queue()))

	_, err = f.engine.CancelCall(ctx, call.ID, Actor{ID: "C1"})
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Contains(t, f.notifier.kinds(), types.MsgCallCancelled)
}

func TestCancelAssignedCallFreesAgentForNextCall(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.online(t, "A1")

	first, err := f.engine.Enqueue(ctx, "ver-1", "C1", "")
	require.NoError(t, err)
	second, err := f.engine.Enqueue(ctx, "ver-2", "C2", "")
	require.NoError(t, err)
	require.Equal(t, types.CallStatusAssigned, first.Status)
	require.Equal(t, types.CallStatusPending, second.Status)

	_, err = f.engine.CancelCall(ctx, first.ID, Actor{ID: "C1"})
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "customers cannot cancel assigned calls")

	cancelled, err := f.engine.CancelCall(ctx, first.ID, Actor{ID: "boss", Privileged: true})
	require.NoError(t, err)

	stored := f.call(t, first.ID)
	for _, c := range []types.CallRequest{cancelled, stored} {
		assert.Equal(t, types.CallStatusCancelled, c.Status)
		assert.Nil(t, c.AssignedAt, "a cancelled call was never served")
		assert.Nil(t, c.CompletedAt)
		assert.NotNil(t, c.CancelledAt)
	}

	a1 := f.agent(t, "A1")
	assert.Equal(t, second.ID, a1.CurrentCallID)
	assert.Equal(t, 0, a1.CallsToday, "cancelled calls do not count")
	assert.Equal(t, types.CallStatusAssigned, f.call(t, second.ID).Status)
}

func TestHeartbeatPicksUpWaitingCall(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	call, err := f.engine.Enqueue(ctx, "ver-1", "C1", "")
	require.NoError(t, err)

	state, err := f.engine.Heartbeat(ctx, "A1", types.AgentStatusOnline)
	require.NoError(t, err)
	assert.Equal(t, call.ID, state.CurrentCallID)
	assert.Equal(t, types.AgentStatusBusy, state.Status)

	// staying online while busy changes nothing
	state, err = f.engine.Heartbeat(ctx, "A1", types.AgentStatusOnline)
	require.NoError(t, err)
	assert.Equal(t, call.ID, state.CurrentCallID)
}
