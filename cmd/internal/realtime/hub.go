package realtime

import (
	"log/slog"
	"sync"

	"huddle/cmd/internal/chat"
	v1 "huddle/shared/contracts/realtime/v1"
)

// Hub owns the process-local connection and room registries.
// Persistence and authorization live behind chat.Service.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	rooms   map[string]*Room
	clients map[string]*Client

	locksMu sync.Mutex
	locks   map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		rooms:   make(map[string]*Room),
		clients: make(map[string]*Client),
		locks:   make(map[string]*convLock),
	}
}

// Register makes client addressable by its connection id.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
}

// Unregister removes connID from every room and from the registry.
func (h *Hub) Unregister(connID string) *Client {
	h.mu.Lock()
	cl := h.clients[connID]
	delete(h.clients, connID)
	h.mu.Unlock()

	if cl == nil {
		return nil
	}
	for _, id := range cl.Rooms() {
		h.Leave(id, connID)
	}
	return cl
}

// Client returns the registered client for connID, or nil.
func (h *Hub) Client(connID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[connID]
}

// Room returns the room of conversationID, or nil when nobody is joined.
func (h *Hub) Room(conversationID string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[conversationID]
}

// Join subscribes client to the room of conversationID, creating it on first join.
// It reports whether the client was newly added.
func (h *Hub) Join(conversationID string, kind chat.Kind, client *Client) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[conversationID]
	if !ok {
		r = newRoom(h.log, conversationID, kind)
		h.rooms[conversationID] = r
	}
	return r, r.join(client)
}

// Leave unsubscribes connID. Empty rooms are dropped.
func (h *Hub) Leave(conversationID, connID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[conversationID]
	if !ok {
		return nil
	}
	cl := r.leave(connID)
	if r.Len() == 0 {
		delete(h.rooms, conversationID)
	}
	return cl
}

// CloseRoom drops the room of conversationID and returns its former members.
func (h *Hub) CloseRoom(conversationID string) []*Client {
	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	delete(h.rooms, conversationID)
	h.mu.Unlock()

	if !ok {
		return nil
	}
	members := r.snapshot()
	for _, m := range members {
		m.markLeft(conversationID)
	}
	return members
}

// BroadcastAll queues env on every registered client except exceptConnID.
func (h *Hub) BroadcastAll(env v1.Envelope, exceptConnID string, metrics *Metrics) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if id == exceptConnID {
			continue
		}
		metrics.delivered(env.Type, c.trySend(env))
	}
}

// Lock serializes append + fan-out and room membership changes per conversation inside this process.
// The returned func releases the lock.
func (h *Hub) Lock(conversationID string) func() {
	h.locksMu.Lock()
	l, ok := h.locks[conversationID]
	if !ok {
		l = &convLock{}
		h.locks[conversationID] = l
	}
	l.refs++
	h.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, conversationID)
		}
		h.locksMu.Unlock()
	}
}
