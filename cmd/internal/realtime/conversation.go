package realtime

import (
	"log/slog"
	"sync"

	"huddle/cmd/internal/chat"
	v1 "huddle/shared/contracts/realtime/v1"
)

// Room is the in-memory delivery channel of one conversation.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log  *slog.Logger
	ID   string
	Kind chat.Kind

	mu      sync.RWMutex
	members map[string]*Client
}

func newRoom(log *slog.Logger, id string, kind chat.Kind) *Room {
	return &Room{
		log:     log,
		ID:      id,
		Kind:    kind,
		members: make(map[string]*Client),
	}
}

// join adds client and reports whether it was not already a member.
func (r *Room) join(client *Client) bool {
	r.mu.Lock()
	_, had := r.members[client.ID]
	r.members[client.ID] = client
	r.mu.Unlock()

	client.markJoined(r.ID)
	if !had {
		r.log.Debug("room.member.join", "conversation_id", r.ID, "conn_id", client.ID, "user_id", client.UserID)
	}
	return !had
}

// leave removes connID and returns the removed client, or nil.
// Unlike teardown, leaving a room does not close the client: it may stay in other rooms.
func (r *Room) leave(connID string) *Client {
	r.mu.Lock()
	cl := r.members[connID]
	delete(r.members, connID)
	r.mu.Unlock()

	if cl != nil {
		cl.markLeft(r.ID)
		r.log.Debug("room.member.leave", "conversation_id", r.ID, "conn_id", connID)
	}
	return cl
}

// Has reports whether connID is joined.
func (r *Room) Has(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[connID]
	return ok
}

// Len returns the number of joined connections.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// HasUser reports whether any connection of userID is joined, ignoring exceptConnID.
func (r *Room) HasUser(userID, exceptConnID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, m := range r.members {
		if id != exceptConnID && m.UserID == userID {
			return true
		}
	}
	return false
}

// Broadcast fans env out to all members except exceptConnID.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope, exceptConnID string, metrics *Metrics) (delivered, dropped int) {
	return r.broadcastWhere(env, metrics, func(m *Client) bool { return m.ID != exceptConnID })
}

func (r *Room) broadcastWhere(env v1.Envelope, metrics *Metrics, keep func(*Client) bool) (delivered, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil || !keep(m) {
			continue
		}
		ok := m.trySend(env)
		metrics.delivered(env.Type, ok)
		if ok {
			delivered++
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		r.log.Warn("room.broadcast.dropped", "conversation_id", r.ID, "type", env.Type, "dropped", dropped)
	}
	return delivered, dropped
}

func (r *Room) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}
