package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType names a domain event.
type EventType string

const (
	EventMessageCreated      EventType = "message.created"
	EventConversationCreated EventType = "conversation.created"
	EventConversationUpdated EventType = "conversation.updated"
	EventConversationDeleted EventType = "conversation.deleted"
	EventParticipantAdded    EventType = "participant.added"
	EventParticipantRemoved  EventType = "participant.removed"
)

// Event is published after a state change committed.
type Event struct {
	Type           EventType
	ConversationID string
	ActorID        string
	// SubjectID is the affected user for participant events.
	SubjectID    string
	Message      *Message
	Conversation *Conversation
	At           time.Time
}

// Publisher receives domain events. Delivery is best-effort: failures are logged, never returned to callers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

const (
	eventQueueSize      = 1024
	eventDrainTimeout   = 5 * time.Second
	eventPublishTimeout = 2 * time.Second
)

// eventQueue hands events to a Publisher on one background goroutine, in enqueue order.
// A full queue drops the event so a degraded broker never slows the write path.
type eventQueue struct {
	log  *slog.Logger
	next Publisher

	mu     sync.Mutex
	closed bool
	events chan Event
	done   chan struct{}
}

func newEventQueue(log *slog.Logger, next Publisher, size int) *eventQueue {
	q := &eventQueue{
		log:    log,
		next:   next,
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *eventQueue) enqueue(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.events <- ev:
		return true
	default:
		q.log.Warn("chat.event.dropped", "type", ev.Type, "conversation_id", ev.ConversationID)
		return false
	}
}

func (q *eventQueue) drain() {
	defer close(q.done)
	for ev := range q.events {
		ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
		err := q.next.Publish(ctx, ev)
		cancel()
		if err != nil {
			q.log.Warn("chat.event.publish.fail", "type", ev.Type, "conversation_id", ev.ConversationID, "err", err)
		}
	}
}

// close stops accepting events and waits up to timeout for queued ones to be published.
func (q *eventQueue) close(timeout time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()

	select {
	case <-q.done:
	case <-time.After(timeout):
		q.log.Warn("chat.event.drain.timeout", "pending", len(q.events))
	}
}
