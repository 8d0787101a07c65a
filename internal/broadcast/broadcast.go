// Package broadcast fans the engine's latest payload out to connected
// viewers at a fixed cadence. Delivery is lossy on purpose: a viewer that is
// still sending skips frames instead of queueing them, so one slow consumer
// never stalls the rest.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kerbside-data/traffic.watch/internal/engine"
	"github.com/kerbside-data/traffic.watch/internal/monitoring"
)

// Conn is the viewer connection surface. Satisfied by *websocket.Conn.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// PayloadSource supplies the latest broadcast payload. A read consumes it.
// Implemented by *engine.Engine.
type PayloadSource interface {
	TakeBroadcast() *engine.BroadcastPayload
}

type client struct {
	conn    Conn
	ready   bool
	sent    int
	dropped int
}

// Registry tracks connected viewers and their delivery counters.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*client)}
}

// Add registers a connection and returns its id.
func (r *Registry) Add(conn Conn) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.clients[id] = &client{conn: conn, ready: true}
	n := len(r.clients)
	r.mu.Unlock()
	monitoring.Logf("broadcast: viewer %s connected (%d total)", id, n)
	return id
}

// Remove unregisters a connection and logs its delivery stats.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	n := len(r.clients)
	r.mu.Unlock()
	if !ok {
		return
	}

	total := c.sent + c.dropped
	dropPct := 0.0
	if total > 0 {
		dropPct = float64(c.dropped) / float64(total) * 100
	}
	monitoring.Logf("broadcast: viewer %s disconnected, sent=%d dropped=%d (%.1f%% dropped, %d remaining)",
		id, c.sent, c.dropped, dropPct, n)
}

// Count returns the number of connected viewers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Broadcast delivers the payload to every ready viewer. Viewers with a send
// still in flight are skipped and their dropped counter incremented; at most
// one send per viewer is ever in flight. Write errors are swallowed here,
// the read loop owning the connection notices the failure and removes it.
func (r *Registry) Broadcast(payload *engine.BroadcastPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.clients {
		if !c.ready {
			c.dropped++
			continue
		}
		c.ready = false
		go func(c *client) {
			err := c.conn.WriteJSON(payload)
			r.mu.Lock()
			if err == nil {
				c.sent++
			}
			c.ready = true
			r.mu.Unlock()
		}(c)
	}
}

// Stats reports a viewer's delivery counters. Used by tests and diagnostics.
func (r *Registry) Stats(id string) (sent, dropped int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.clients[id]
	if !found {
		return 0, 0, false
	}
	return c.sent, c.dropped, true
}

// Hub drains the payload mailbox on a fixed interval and fans it out.
type Hub struct {
	source   PayloadSource
	registry *Registry
	interval time.Duration
}

// NewHub creates a hub ticking at the given broadcast rate.
func NewHub(source PayloadSource, registry *Registry, broadcastFPS int) *Hub {
	if broadcastFPS <= 0 {
		broadcastFPS = 15
	}
	return &Hub{
		source:   source,
		registry: registry,
		interval: time.Second / time.Duration(broadcastFPS),
	}
}

// Registry exposes the hub's viewer registry for connection handlers.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run ticks until the context is canceled. A tick with no new payload, or no
// connected viewers, sends nothing.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	monitoring.Logf("broadcast: hub running at %v interval", h.interval)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("broadcast: hub stopped")
			return
		case <-ticker.C:
			payload := h.source.TakeBroadcast()
			if payload == nil || h.registry.Count() == 0 {
				continue
			}
			h.registry.Broadcast(payload)
		}
	}
}
