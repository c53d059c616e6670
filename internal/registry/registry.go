package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Sink is the outbound half of a connection. The registry never calls it; it
// only hands it to callers that resolve a connection id.
type Sink interface {
	// Send enqueues a frame for delivery and reports whether it was accepted.
	// It must never block.
	Send(frame []byte) bool
}

// Connection is a snapshot of the per-connection metadata held by Registry.
type Connection struct {
	ID       string
	Name     string
	Metadata map[string]json.RawMessage
	// RoomID is empty while the connection is not in a room.
	RoomID string

	// Announced reports whether the client has sent a register event.
	Announced   bool
	ConnectedAt time.Time

	Sink Sink
}

// Registry maps transport-assigned connection ids to Connection metadata.
//
// It is pure state: presence notifications are sent by the caller.
type Registry struct {
	now func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connection
}

func New() *Registry {
	return &Registry{
		now:   time.Now,
		conns: make(map[string]*Connection),
	}
}

// DefaultName derives the display name used until a client registers one.
func DefaultName(id string) string {
	if len(id) > 6 {
		id = id[:6]
	}
	return "User-" + id
}

func (r *Registry) Register(id string, sink Sink) error {
	if id == "" {
		return fmt.Errorf("register: empty connection id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; ok {
		return fmt.Errorf("register %q: %w", id, ErrDuplicateID)
	}
	r.conns[id] = &Connection{
		ID:          id,
		Name:        DefaultName(id),
		ConnectedAt: r.now(),
		Sink:        sink,
	}
	return nil
}

// Announce records the profile a client sent with its register event. An empty
// name keeps the current one.
func (r *Registry) Announce(id, name string, metadata map[string]json.RawMessage) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return Connection{}, fmt.Errorf("announce %q: %w", id, ErrNotFound)
	}
	if name != "" {
		c.Name = name
	}
	c.Metadata = cloneMetadata(metadata)
	c.Announced = true
	return c.snapshot(), nil
}

func (r *Registry) SetRoom(id, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("set room %q: %w", id, ErrNotFound)
	}
	c.RoomID = roomID
	return nil
}

func (r *Registry) Lookup(id string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return c.snapshot(), nil
}

// Remove deletes id and returns the removed entry. Removing an unknown id is a
// no-op.
func (r *Registry) Remove(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.conns, id)
	return c.snapshot(), true
}

// List returns every connection ordered by connect time, then id.
func (r *Registry) List() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (c *Connection) snapshot() Connection {
	out := *c
	out.Metadata = cloneMetadata(c.Metadata)
	return out
}

func cloneMetadata(m map[string]json.RawMessage) map[string]json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
