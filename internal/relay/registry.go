package relay

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Registry tracks live connections. Iteration always works on a snapshot
// so connections may come and go during a broadcast.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers c and marks it open.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
	connsActive.Inc()
}

// Remove unregisters c. Removing an unknown connection is a no-op.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	_, ok := r.conns[c.id]
	delete(r.conns, c.id)
	r.mu.Unlock()
	if ok {
		connsActive.Dec()
	}
}

// Snapshot returns the registered connections at this instant.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast queues b on every open connection and returns how many
// accepted it. A slow or closed connection never delays the others.
func (r *Registry) Broadcast(b []byte) int {
	delivered := 0
	for _, c := range r.Snapshot() {
		if c.State() != StateOpen {
			broadcastDrops.WithLabelValues("not_open").Inc()
			continue
		}
		if !c.Enqueue(b) {
			broadcastDrops.WithLabelValues("queue_full").Inc()
			c.log.Warn().Msg("outbound queue full, frame dropped")
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll sends a going-away close to every connection.
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}
