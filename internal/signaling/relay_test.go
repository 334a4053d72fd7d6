package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/dennisdiepolder/livecall/internal/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	identity string
	mu       sync.Mutex
	msgs     []map[string]interface{}
}

func (b *inbox) Identity() string { return b.identity }

func (b *inbox) Send(message []byte) bool {
	var m map[string]interface{}
	json.Unmarshal(message, &m)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
	return true
}

func (b *inbox) Close() {}

func (b *inbox) kinds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.msgs {
		out = append(out, m["type"].(string))
	}
	return out
}

func (b *inbox) last() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return nil
	}
	return b.msgs[len(b.msgs)-1]
}

type relayFixture struct {
	relay    *Relay
	registry *websocket.Registry[string]
	boxes    map[string]*inbox
}

func newRelayFixture(t *testing.T, online ...string) *relayFixture {
	t.Helper()
	registry := websocket.NewRegistry[string]("signaling", nil, zerolog.Nop())
	f := &relayFixture{
		relay:    NewRelay(registry, nil, zerolog.Nop()),
		registry: registry,
		boxes:    map[string]*inbox{},
	}
	for _, id := range online {
		f.boxes[id] = &inbox{identity: id}
		registry.Connect(id, f.boxes[id])
	}
	return f
}

func TestInitiateRequiresCalleeOnline(t *testing.T) {
	f := newRelayFixture(t, "u1")

	_, err := f.relay.Initiate("u1", "u2")
	assert.ErrorIs(t, err, types.ErrNotOnline)

	f.relay.mu.Lock()
	assert.Empty(t, f.relay.sessions, "no session may be created")
	f.relay.mu.Unlock()
}

func TestInitiateRequiresCallerOnline(t *testing.T) {
	f := newRelayFixture(t, "u2")

	_, err := f.relay.Initiate("u1", "u2")
	assert.ErrorIs(t, err, types.ErrNotOnline)
	assert.Empty(t, f.boxes["u2"].kinds())
}

func TestInitiateRejectsSelfCall(t *testing.T) {
	f := newRelayFixture(t, "u1")

	_, err := f.relay.Initiate("u1", "u1")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestInitiateRingsCallee(t *testing.T) {
	f := newRelayFixture(t, "u1", "u2")

	session, err := f.relay.Initiate("u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, session.Status)

	ring := f.boxes["u2"].last()
	require.NotNil(t, ring)
	assert.Equal(t, types.MsgIncomingCall, ring["type"])
	assert.Equal(t, session.ID, ring["session_id"])
	assert.Equal(t, "u1", ring["caller_id"])
	assert.Empty(t, f.boxes["u1"].kinds())
}

func TestRespondOnlyByCallee(t *testing.T) {
	f := newRelayFixture(t, "u1", "u2", "u3")

	session, err := f.relay.Initiate("u1", "u2")
	require.NoError(t, err)

	_, err = f.relay.Respond(session.ID, "u3", ActionAccept)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	got, err := f.relay.Get(session.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, got.Status)

	_, err = f.relay.Respond(session.ID, "u2", "maybe")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	accepted, err := f.relay.Respond(session.ID, "u2", ActionAccept)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, accepted.Status)
	assert.Equal(t, types.MsgCallAccepted, f.boxes["u1"].last()["type"])
	assert.Equal(t, "u2", f.boxes["u1"].last()["callee_id"])

	_, err = f.relay.Respond(session.ID, "u2", ActionAccept)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	_, err = f.relay.Respond("nope", "u2", ActionAccept)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRejectEndsSession(t *testing.T) {
	f := newRelayFixture(t, "u1", "u2")

	session, err := f.relay.Initiate("u1", "u2")
	require.NoError(t, err)

	rejected, err := f.relay.Respond(session.ID, "u2", ActionReject)
	require.NoError(t, err)
	assert.Equal(t, types.SessionEnded, rejected.Status)
	assert.NotNil(t, rejected.EndedAt)
	assert.Equal(t, types.MsgCallRejected, f.boxes["u1"].last()["type"])
}

func TestRelayForwardsToCounterpartOnly(t *testing.T) {
	f := newRelayFixture(t, "u1", "u2", "u3")

	session, err := f.relay.Initiate("u1", "u2")
	require.NoError(t, err)
	_, err = f.relay.Respond(session.ID, "u2", ActionAccept)
	require.NoError(t, err)

	before := len(f.boxes["u1"].kinds())
	offer := json.RawMessage(`{"sdp":"v=0","type":"offer"}`)
	require.NoError(t, f.relay.Relay(session.ID, "u1", types.MsgOffer, offer))

	got := f.boxes["u2"].last()
	assert.Equal(t, types.MsgOffer, got["type"])
	assert.Equal(t, "u1", got["from"])
	assert.Equal(t, map[string]interface{}{"sdp": "v=0", "type": "offer"}, got["offer"])
	assert.Len(t, f.boxes["u1"].kinds(), before, "sender must not receive its own offer")

	require.NoError(t, f.relay.Relay(session.ID, "u2", types.MsgAnswer, json.RawMessage(`{"sdp":"answer"}`)))
	assert.Equal(t, types.MsgAnswer, f.boxes["u1"].last()["type"])

	err = f.relay.Relay(session.ID, "u3", types.MsgICECandidate, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Empty(t, f.boxes["u3"].kinds())

	err = f.relay.Relay(session.ID, "u1", "chat", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestRelayStopsAfterEnd(t *testing.T) {
	f := newRelayFixture(t, "u1", "u2")

	session, err := f.relay.Initiate("u1", "u2")
	require.NoError(t, err)

	// negotiation may start before the callee answers
	require.NoError(t, f.relay.Relay(session.ID, "u1", types.MsgICECandidate, json.RawMessage(`{"candidate":"a"}`)))

	ended, err := f.relay.End(session.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", ended.EndedBy)
	notice := f.boxes["u1"].last()
	assert.Equal(t, types.MsgCallEnded, notice["type"])
	assert.Equal(t, "u2", notice["ended_by"])

	count := len(f.boxes["u2"].kinds())
	err = f.relay.Relay(session.ID, "u1", types.MsgICECandidate, json.RawMessage(`{"candidate":"b"}`))
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Len(t, f.boxes["u2"].kinds(), count)

	_, err = f.relay.End(session.ID, "u1")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestEndByOutsider(t *testing.T) {
	f := newRelayFixture(t, "u1", "u2")

	session, err := f.relay.Initiate("u1", "u2")
	require.NoError(t, err)

	_, err = f.relay.End(session.ID, "u9")
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	_, err = f.relay.Get(session.ID, "u9")
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	_, err = f.relay.End("missing", "u1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDisconnectEndsSessions(t *testing.T) {
	f := newRelayFixture(t, "u1", "u2", "u3")
	f.registry.OnDisconnect(func(id string) { f.relay.DropParty(id) })

	s1, err := f.relay.Initiate("u1", "u2")
	require.NoError(t, err)
	s2, err := f.relay.Initiate("u3", "u1")
	require.NoError(t, err)

	f.registry.Disconnect("u1")

	for _, id := range []string{s1.ID, s2.ID} {
		f.relay.mu.Lock()
		status := f.relay.sessions[id].Status
		f.relay.mu.Unlock()
		assert.Equal(t, types.SessionEnded, status)
	}
	assert.Equal(t, types.MsgCallEnded, f.boxes["u2"].last()["type"])
	assert.Equal(t, types.MsgCallEnded, f.boxes["u3"].last()["type"])
	assert.Equal(t, 0, f.relay.DropParty("u1"))
}

// brokenConn fails every send, as a socket whose write buffer is full does
type brokenConn struct{}

func (c brokenConn) Send([]byte) bool { return false }
func (c brokenConn) Close()           {}

// hookConn runs fn while a message is being delivered
type hookConn struct{ fn func() }

func (c hookConn) Send([]byte) bool { c.fn(); return true }
func (c hookConn) Close()           {}

func TestInitiateFailedRingLeavesCallerUntouched(t *testing.T) {
	f := newRelayFixture(t, "u1")
	f.registry.OnDisconnect(func(id string) { f.relay.DropParty(id) })
	f.registry.Connect("u2", brokenConn{})

	_, err := f.relay.Initiate("u1", "u2")
	assert.ErrorIs(t, err, types.ErrNotOnline)

	assert.Empty(t, f.boxes["u1"].kinds(), "caller must not hear about a session it was never given")
	assert.False(t, f.registry.IsOnline("u2"))

	f.relay.mu.Lock()
	defer f.relay.mu.Unlock()
	assert.Empty(t, f.relay.sessions)
	assert.Empty(t, f.relay.ringing)
}

func TestInitiateDiscardsSessionWhenPartyDropsWhileRinging(t *testing.T) {
	f := newRelayFixture(t, "u1", "u3")
	f.registry.OnDisconnect(func(id string) { f.relay.DropParty(id) })

	// an older session between u1 and u3 must still be ended normally
	older, err := f.relay.Initiate("u3", "u1")
	require.NoError(t, err)

	f.registry.Connect("u2", hookConn{fn: func() { f.registry.Disconnect("u1") }})

	_, err = f.relay.Initiate("u1", "u2")
	assert.ErrorIs(t, err, types.ErrNotOnline)

	f.relay.mu.Lock()
	assert.Len(t, f.relay.sessions, 1)
	assert.Equal(t, types.SessionEnded, f.relay.sessions[older.ID].Status)
	assert.Empty(t, f.relay.ringing)
	f.relay.mu.Unlock()

	assert.Equal(t, types.MsgCallEnded, f.boxes["u3"].last()["type"])
	assert.Equal(t, older.ID, f.boxes["u3"].last()["session_id"])
}

func TestSweepRemovesOldEndedSessions(t *testing.T) {
	f := newRelayFixture(t, "u1", "u2")
	start := time.Now()
	f.relay.now = func() time.Time { return start }

	old, err := f.relay.Initiate("u1", "u2")
	require.NoError(t, err)
	_, err = f.relay.End(old.ID, "u1")
	require.NoError(t, err)

	open, err := f.relay.Initiate("u1", "u2")
	require.NoError(t, err)

	f.relay.now = func() time.Time { return start.Add(11 * time.Minute) }
	assert.Equal(t, 1, f.relay.Sweep(10*time.Minute))

	_, err = f.relay.Get(old.ID, "u1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.relay.Get(open.ID, "u1")
	assert.NoError(t, err, "open sessions are never swept")
}

func TestHandleMessageReportsErrorsToSender(t *testing.T) {
	f := newRelayFixture(t, "u1", "u2")

	session, err := f.relay.Initiate("u1", "u2")
	require.NoError(t, err)

	frame, _ := json.Marshal(types.NewSignalMessage(types.MsgOffer, session.ID, "", json.RawMessage(`{"sdp":"x"}`)))
	f.relay.HandleMessage(context.Background(), f.boxes["u1"], types.MsgOffer, frame)
	assert.Equal(t, types.MsgOffer, f.boxes["u2"].last()["type"])

	frame, _ = json.Marshal(types.NewSignalMessage(types.MsgOffer, "missing", "", json.RawMessage(`{}`)))
	f.relay.HandleMessage(context.Background(), f.boxes["u1"], types.MsgOffer, frame)
	assert.Equal(t, types.MsgError, f.boxes["u1"].last()["type"])

	f.relay.HandleMessage(context.Background(), f.boxes["u1"], "dance", []byte(`{"type":"dance"}`))
	assert.Equal(t, types.MsgError, f.boxes["u1"].last()["type"])
}
