package websocket

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type fakeConn struct {
	mu     sync.Mutex
	got    [][]byte
	fail   bool
	closed bool
}

func (c *fakeConn) Send(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return false
	}
	c.got = append(c.got, message)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRegistryConnectReplacesPrevious(t *testing.T) {
	r := NewRegistry[string]("test", nil, zerolog.Nop())

	first, second := &fakeConn{}, &fakeConn{}
	r.Connect("u1", first)
	r.Connect("u1", second)

	if r.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", r.Count())
	}
	if !first.isClosed() {
		t.Error("expected replaced connection to be closed")
	}

	if !r.SendTo("u1", []byte("hi")) {
		t.Fatal("expected send to succeed")
	}
	if first.received() != 0 || second.received() != 1 {
		t.Errorf("message went to the wrong connection: first=%d second=%d", first.received(), second.received())
	}
}

func TestRegistryReleaseIgnoresStaleConnection(t *testing.T) {
	r := NewRegistry[string]("test", nil, zerolog.Nop())

	var dropped []string
	r.OnDisconnect(func(id string) { dropped = append(dropped, id) })

	old, current := &fakeConn{}, &fakeConn{}
	r.Connect("u1", old)
	r.Connect("u1", current)

	if r.Release("u1", old) {
		t.Error("stale connection must not evict its replacement")
	}
	if !r.IsOnline("u1") {
		t.Fatal("expected u1 to stay online")
	}
	if len(dropped) != 0 {
		t.Errorf("expected no disconnect hook, got %v", dropped)
	}

	if !r.Release("u1", current) {
		t.Error("expected release of current connection")
	}
	if r.IsOnline("u1") {
		t.Error("expected u1 offline")
	}
	if len(dropped) != 1 || dropped[0] != "u1" {
		t.Errorf("expected disconnect hook for u1, got %v", dropped)
	}
}

func TestRegistryDisconnectIdempotent(t *testing.T) {
	r := NewRegistry[string]("test", nil, zerolog.Nop())

	calls := 0
	r.OnDisconnect(func(string) { calls++ })

	c := &fakeConn{}
	r.Connect("u1", c)
	r.Disconnect("u1")
	r.Disconnect("u1")
	r.Disconnect("never-connected")

	if calls != 1 {
		t.Errorf("expected 1 disconnect hook call, got %d", calls)
	}
	if !c.isClosed() {
		t.Error("expected connection closed")
	}
}

func TestRegistrySendToRemovesFailedConnection(t *testing.T) {
	r := NewRegistry[string]("test", nil, zerolog.Nop())

	r.Connect("u1", &fakeConn{fail: true})

	if r.SendTo("u1", []byte("x")) {
		t.Error("expected send to fail")
	}
	if r.IsOnline("u1") {
		t.Error("expected failed connection to be removed")
	}
	if r.SendTo("nobody", []byte("x")) {
		t.Error("expected send to unknown identity to fail")
	}
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry[string]("test", nil, zerolog.Nop())

	a, b, broken := &fakeConn{}, &fakeConn{}, &fakeConn{fail: true}
	r.Connect("a", a)
	r.Connect("b", b)
	r.Connect("broken", broken)

	if n := r.Broadcast([]byte("stats")); n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}
	if a.received() != 1 || b.received() != 1 {
		t.Error("expected both healthy connections to receive the broadcast")
	}
	if r.IsOnline("broken") {
		t.Error("expected broken connection removed")
	}

	online := SortedOnline(r)
	if len(online) != 2 || online[0] != "a" || online[1] != "b" {
		t.Errorf("unexpected online list %v", online)
	}
}

func TestRegistryGenericKey(t *testing.T) {
	r := NewRegistry[int]("numeric", nil, zerolog.Nop())
	r.Connect(42, &fakeConn{})

	if !r.IsOnline(42) || r.IsOnline(7) {
		t.Error("unexpected presence for int identities")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry[string]("test", nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%5))
			c := &fakeConn{}
			r.Connect(id, c)
			r.SendTo(id, []byte("x"))
			r.Broadcast([]byte("y"))
			r.Release(id, c)
		}(i)
	}
	wg.Wait()

	if r.Count() > 5 {
		t.Errorf("expected at most 5 identities, got %d", r.Count())
	}
}
