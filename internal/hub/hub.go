package hub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrHubClosed           = errors.New("hub closed")
	ErrUnknownConnection   = errors.New("unknown connection")
)

// Connection is one registered client channel.
type Connection struct {
	ID           string
	Subscription domain.Subscription
	ConnectedAt  time.Time

	transport    Transport
	lastActivity atomic.Int64
}

// LastActivity is the time of the last successful push.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) push(f Frame) error {
	if err := c.transport.Send(f); err != nil {
		return err
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// Hub is the registry of open connections on this process. It is safe for
// concurrent use; fan-out iterates a snapshot, so connections may come and go
// while a broadcast is running.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{conns: make(map[string]*Connection)}
}

// Register adds a connection. The id must be unique.
func (h *Hub) Register(id string, sub domain.Subscription, t Transport) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}

	now := time.Now()
	conn := &Connection{
		ID:           id,
		Subscription: sub,
		ConnectedAt:  now,
		transport:    t,
	}
	conn.lastActivity.Store(now.UnixNano())

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if _, ok := h.conns[id]; ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}
	h.conns[id] = conn
	h.mu.Unlock()

	l := log.L()
	l.Debug().
		Str(log.FieldConnectionID, id).
		Str(log.FieldSubscription, string(sub.Kind)).
		Str(log.FieldStreamID, sub.StreamID).
		Msg("connection registered")
	return nil
}

// Unregister removes a connection and closes its transport. Unknown ids are
// ignored.
func (h *Hub) Unregister(id string) {
	h.remove(id, nil)
}

func (h *Hub) remove(id string, cause error) bool {
	h.mu.Lock()
	conn, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	conn.transport.Close()

	l := log.L()
	evt := l.Debug()
	if cause != nil {
		evt = l.Warn().Err(cause)
	}
	evt.Str(log.FieldConnectionID, id).Msg("connection unregistered")
	return true
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CountByKind returns connection counts per subscription kind.
func (h *Hub) CountByKind() map[domain.SubscriptionKind]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[domain.SubscriptionKind]int, 3)
	for _, c := range h.conns {
		counts[c.Subscription.Kind]++
	}
	return counts
}

// Get returns the connection registered under id.
func (h *Hub) Get(id string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// Close unregisters every connection. Further registrations fail with
// ErrHubClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := h.conns
	h.conns = make(map[string]*Connection)
	h.mu.Unlock()

	for _, c := range conns {
		c.transport.Close()
	}

	l := log.L()
	l.Info().Int(log.FieldConnections, len(conns)).Msg("hub closed")
	return nil
}
