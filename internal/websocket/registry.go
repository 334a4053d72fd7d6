package websocket

import (
	"sort"
	"sync"

	"github.com/dennisdiepolder/livecall/internal/metrics"
	"github.com/rs/zerolog"
)

// Conn is one live channel to a remote party
type Conn interface {
	// Send queues a message without blocking. False means the channel is
	// gone or cannot keep up.
	Send(message []byte) bool
	Close()
}

// Registry maps identities to their live channel. An identity has at most
// one channel; connecting again replaces and closes the previous one.
type Registry[K comparable] struct {
	// name labels metrics and logs (updates, signaling)
	name string

	conns map[K]Conn
	mu    sync.RWMutex

	onDisconnect []func(K)

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry[K comparable](name string, m *metrics.Metrics, logger zerolog.Logger) *Registry[K] {
	return &Registry[K]{
		name:    name,
		conns:   make(map[K]Conn),
		metrics: m,
		logger:  logger.With().Str("component", "registry").Str("channel", name).Logger(),
	}
}

// OnDisconnect registers fn to run after an identity loses its channel.
// Hooks run outside the registry lock.
func (r *Registry[K]) OnDisconnect(fn func(K)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

// Connect binds id to c, closing any channel id had before
func (r *Registry[K]) Connect(id K, c Conn) {
	r.mu.Lock()
	existing, replaced := r.conns[id]
	r.conns[id] = c
	total := len(r.conns)
	r.mu.Unlock()

	if replaced && existing != c {
		existing.Close()
		r.metrics.RecordWebSocketDisconnect(r.name)
	}
	r.metrics.RecordWebSocketConnect(r.name)

	r.logger.Debug().
		Interface("identity", id).
		Bool("replaced", replaced).
		Int("total_connections", total).
		Msg("connection registered")
}

// Disconnect drops whatever channel id has. Safe to call repeatedly.
func (r *Registry[K]) Disconnect(id K) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if ok {
		r.closed(id, c)
	}
}

// Release drops id only while it is still bound to c, so a finished pump
// cannot evict the connection that replaced it.
func (r *Registry[K]) Release(id K, c Conn) bool {
	r.mu.Lock()
	current, ok := r.conns[id]
	if ok && current == c {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok || current != c {
		return false
	}
	r.closed(id, c)
	return true
}

func (r *Registry[K]) closed(id K, c Conn) {
	c.Close()
	r.metrics.RecordWebSocketDisconnect(r.name)

	r.mu.RLock()
	hooks := append([]func(K){}, r.onDisconnect...)
	total := len(r.conns)
	r.mu.RUnlock()

	r.logger.Debug().
		Interface("identity", id).
		Int("total_connections", total).
		Msg("connection removed")

	for _, fn := range hooks {
		fn(id)
	}
}

// SendTo delivers message to id. Delivery is best-effort: a channel that
// fails is removed and false is returned.
func (r *Registry[K]) SendTo(id K, message []byte) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	if c.Send(message) {
		return true
	}

	r.metrics.RecordSendFailure(r.name)
	r.logger.Warn().Interface("identity", id).Msg("send failed, dropping connection")
	r.Release(id, c)
	return false
}

// Broadcast sends message to every identity and returns how many accepted it
func (r *Registry[K]) Broadcast(message []byte) int {
	type target struct {
		id K
		c  Conn
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.conns))
	for id, c := range r.conns {
		targets = append(targets, target{id, c})
	}
	r.mu.RUnlock()

	sent := 0
	for _, t := range targets {
		if t.c.Send(message) {
			sent++
			continue
		}
		r.metrics.RecordSendFailure(r.name)
		r.Release(t.id, t.c)
	}
	return sent
}

// IsOnline reports whether id has a channel
func (r *Registry[K]) IsOnline(id K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// Online lists connected identities
func (r *Registry[K]) Online() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]K, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of connected identities
func (r *Registry[K]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SortedOnline lists connected string identities in order
func SortedOnline(r *Registry[string]) []string {
	ids := r.Online()
	sort.Strings(ids)
	return ids
}
