package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"huddle/cmd/identity/ids"
	"huddle/cmd/internal/profile"
)

const (
	defaultQueryTimeout = 5 * time.Second
	personalRetries     = 3
)

// Service is the Conversation Resolver and Message Store used by every transport.
type Service struct {
	log    *slog.Logger
	store  Store
	dir    profile.Directory
	repair Repairer
	events Publisher
	queue  *eventQueue

	queryTimeout time.Duration

	now   func() time.Time
	newID func(time.Time) (string, error)

	ownedRepairer *RetryRepairer
}

// Option configures Service.
type Option func(*Service)

// WithRepairer replaces the default in-process summary repairer.
func WithRepairer(r Repairer) Option {
	return func(s *Service) {
		if r != nil {
			s.repair = r
		}
	}
}

// WithPublisher sets the domain event sink.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// WithQueryTimeout bounds store calls whose context has no deadline.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a Service. dir may be nil, in which case display fields use the fallbacks.
func NewService(log *slog.Logger, st Store, dir profile.Directory, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("chat: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:          log,
		store:        st,
		dir:          dir,
		events:       NopPublisher{},
		queryTimeout: defaultQueryTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        ids.NewULID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.repair == nil {
		s.ownedRepairer = NewRetryRepairer(log, st)
		s.repair = s.ownedRepairer
	}
	if _, nop := s.events.(NopPublisher); !nop {
		s.queue = newEventQueue(log, s.events, eventQueueSize)
	}
	return s, nil
}

// Close stops background work owned by the service and flushes queued events.
// The store and the publisher are closed by their owners.
func (s *Service) Close() {
	if s.queue != nil {
		s.queue.close(eventDrainTimeout)
	}
	if s.ownedRepairer != nil {
		s.ownedRepairer.Close()
	}
}

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// publish queues ev for the background publisher. It never blocks the caller.
func (s *Service) publish(ev Event) {
	if s.queue == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.queue.enqueue(ev)
}

// fail logs store failures once and converts them to the generic Internal kind.
func (s *Service) fail(op string, err error) error {
	out := internal(op, err)
	if KindOf(out) == ErrInternal {
		s.log.Error("chat.store.fail", "op", op, "err", err)
	}
	return out
}

// ---- Conversation Resolver ----

// OpenPersonal returns the unique personal conversation for {userA, userB}, creating it on first use.
func (s *Service) OpenPersonal(ctx context.Context, userA, userB string) (ConversationView, error) {
	const op = "chat.OpenPersonal"

	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" {
		return ConversationView{}, invalid(op, "missing user id")
	}
	if userB == "" {
		return ConversationView{}, invalid(op, "missing peer id")
	}
	if userA == userB {
		return ConversationView{}, invalid(op, "cannot open a personal chat with yourself")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var (
		conv    Conversation
		created bool
		err     error
	)
	for attempt := 0; attempt < personalRetries; attempt++ {
		now := s.now()
		id, idErr := s.newID(now)
		if idErr != nil {
			return ConversationView{}, s.fail(op, idErr)
		}
		conv, created, err = s.store.FindOrCreatePersonal(ctx, NewPersonal(id, userA, userB, now))
		if !errors.Is(err, ErrConflict) {
			break
		}
		s.log.Info("chat.personal.conflict.retry", "pair_key", PairKey(userA, userB), "attempt", attempt+1)
	}
	if errors.Is(err, ErrConflict) {
		return ConversationView{}, opErr(op, ErrConflict, "personal chat is being created concurrently, retry")
	}
	if err != nil {
		return ConversationView{}, s.fail(op, err)
	}

	if created {
		s.log.Info("chat.personal.created", "conversation_id", conv.ID, "pair_key", conv.PairKey)
		cp := conv.Clone()
		s.publish(Event{Type: EventConversationCreated, ConversationID: conv.ID, ActorID: userA, Conversation: &cp})
	}
	return s.viewFor(ctx, conv, userA), nil
}

// CreateGroupInput describes a new group conversation.
type CreateGroupInput struct {
	CreatorID      string
	Name           string
	Avatar         string
	ParticipantIDs []string
}

// CreateGroup creates a group. The creator is always a participant and an admin.
func (s *Service) CreateGroup(ctx context.Context, in CreateGroupInput) (ConversationView, error) {
	const op = "chat.CreateGroup"

	creator := strings.TrimSpace(in.CreatorID)
	if creator == "" {
		return ConversationView{}, invalid(op, "missing creator id")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return ConversationView{}, invalid(op, "group name is required")
	}
	if utf8.RuneCountInString(name) > MaxGroupNameChars {
		return ConversationView{}, invalid(op, "group name too long")
	}

	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return ConversationView{}, s.fail(op, err)
	}
	conv := NewGroup(id, creator, name, strings.TrimSpace(in.Avatar), in.ParticipantIDs, now)
	if len(conv.Participants) > MaxGroupMembers {
		return ConversationView{}, invalid(op, "too many participants")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return ConversationView{}, s.fail(op, err)
	}

	s.log.Info("chat.group.created", "conversation_id", conv.ID, "creator_id", creator, "participants", len(conv.Participants))
	cp := conv.Clone()
	s.publish(Event{Type: EventConversationCreated, ConversationID: conv.ID, ActorID: creator, Conversation: &cp})
	return s.viewFor(ctx, conv, creator), nil
}

// mutateGroup checks that conversationID is a group administered by actorID and applies fn under the row lock.
// selfOK lets a participant act on themselves without being an admin (leaving a group).
func (s *Service) mutateGroup(
	ctx context.Context,
	op, actorID, conversationID, subjectID string,
	selfOK bool,
	fn func(*Conversation) (bool, error),
) (Conversation, bool, error) {
	check := func(c Conversation) error {
		if c.Kind != KindGroup {
			return opErr(op, ErrInvalidOperation, "not a group chat")
		}
		if c.IsAdmin(actorID) {
			return nil
		}
		if selfOK && actorID == subjectID && c.HasParticipant(actorID) {
			return nil
		}
		return forbidden(op, "only group admins can do this")
	}

	// Fast path: classify NotFound / InvalidOperation / Forbidden without taking the row lock.
	cur, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return Conversation{}, false, notFound(op, "conversation not found")
	}
	if err != nil {
		return Conversation{}, false, s.fail(op, err)
	}
	if err := check(cur); err != nil {
		return Conversation{}, false, err
	}

	changed := false
	updated, err := s.store.UpdateConversation(ctx, conversationID, func(c *Conversation) error {
		// Re-check under the lock: admin set and kind are what the write is based on.
		if err := check(*c); err != nil {
			return err
		}
		ch, err := fn(c)
		changed = ch
		return err
	})
	if err != nil {
		var oe *OpError
		if !errors.As(err, &oe) && errors.Is(err, ErrNotFound) {
			// Deleted between the read and the locked update.
			return Conversation{}, false, notFound(op, "conversation not found")
		}
		return Conversation{}, false, s.fail(op, err)
	}
	return updated, changed, nil
}

// AddParticipant adds userID to a group. Idempotent when already present.
func (s *Service) AddParticipant(ctx context.Context, actorID, conversationID, userID string) (ConversationView, bool, error) {
	const op = "chat.AddParticipant"

	actorID, conversationID, userID = strings.TrimSpace(actorID), strings.TrimSpace(conversationID), strings.TrimSpace(userID)
	if conversationID == "" || userID == "" || actorID == "" {
		return ConversationView{}, false, invalid(op, "missing conversation or user id")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	conv, changed, err := s.mutateGroup(ctx, op, actorID, conversationID, userID, false, func(c *Conversation) (bool, error) {
		if c.HasParticipant(userID) {
			return false, nil
		}
		if len(c.Participants) >= MaxGroupMembers {
			return false, invalid(op, "group is full")
		}
		return c.addParticipant(userID), nil
	})
	if err != nil {
		return ConversationView{}, false, err
	}

	if changed {
		s.log.Info("chat.participant.added", "conversation_id", conversationID, "user_id", userID, "by", actorID)
		s.publish(Event{Type: EventParticipantAdded, ConversationID: conversationID, ActorID: actorID, SubjectID: userID})
	}
	return s.viewFor(ctx, conv, actorID), changed, nil
}

// RemoveParticipant removes userID from a group. Admins may remove anyone; any participant may remove themselves.
// Idempotent when already absent. The last participant cannot be removed.
func (s *Service) RemoveParticipant(ctx context.Context, actorID, conversationID, userID string) (ConversationView, bool, error) {
	const op = "chat.RemoveParticipant"

	actorID, conversationID, userID = strings.TrimSpace(actorID), strings.TrimSpace(conversationID), strings.TrimSpace(userID)
	if conversationID == "" || userID == "" || actorID == "" {
		return ConversationView{}, false, invalid(op, "missing conversation or user id")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	conv, changed, err := s.mutateGroup(ctx, op, actorID, conversationID, userID, true, func(c *Conversation) (bool, error) {
		if !c.HasParticipant(userID) {
			return false, nil
		}
		if len(c.Participants) == 1 {
			return false, opErr(op, ErrInvalidOperation, "cannot remove the last participant, delete the group instead")
		}
		return c.removeParticipant(userID), nil
	})
	if err != nil {
		return ConversationView{}, false, err
	}

	if changed {
		s.log.Info("chat.participant.removed", "conversation_id", conversationID, "user_id", userID, "by", actorID)
		s.publish(Event{Type: EventParticipantRemoved, ConversationID: conversationID, ActorID: actorID, SubjectID: userID})
	}
	return s.viewFor(ctx, conv, actorID), changed, nil
}

// Patch is a group metadata update. Nil fields are left unchanged.
type Patch struct {
	Name   *string
	Avatar *string
}

// UpdateConversation patches group name/avatar. Admins only.
func (s *Service) UpdateConversation(ctx context.Context, actorID, conversationID string, p Patch) (ConversationView, error) {
	const op = "chat.UpdateConversation"

	actorID, conversationID = strings.TrimSpace(actorID), strings.TrimSpace(conversationID)
	if conversationID == "" || actorID == "" {
		return ConversationView{}, invalid(op, "missing conversation id")
	}
	if p.Name == nil && p.Avatar == nil {
		return ConversationView{}, invalid(op, "no valid fields to update")
	}

	var name, avatar string
	if p.Name != nil {
		name = strings.TrimSpace(*p.Name)
		if name == "" {
			return ConversationView{}, invalid(op, "group name cannot be empty")
		}
		if utf8.RuneCountInString(name) > MaxGroupNameChars {
			return ConversationView{}, invalid(op, "group name too long")
		}
	}
	if p.Avatar != nil {
		avatar = strings.TrimSpace(*p.Avatar)
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	conv, _, err := s.mutateGroup(ctx, op, actorID, conversationID, "", false, func(c *Conversation) (bool, error) {
		if p.Name != nil {
			c.Group.Name = name
		}
		if p.Avatar != nil {
			c.Group.Avatar = avatar
		}
		return true, nil
	})
	if err != nil {
		return ConversationView{}, err
	}

	cp := conv.Clone()
	s.publish(Event{Type: EventConversationUpdated, ConversationID: conversationID, ActorID: actorID, Conversation: &cp})
	return s.viewFor(ctx, conv, actorID), nil
}

// DeleteConversation removes a conversation and all of its messages.
// A missing conversation yields (false, NotFound). Personal chats may be deleted by either participant,
// groups only by an admin.
func (s *Service) DeleteConversation(ctx context.Context, actorID, conversationID string) (Conversation, bool, error) {
	const op = "chat.DeleteConversation"

	actorID, conversationID = strings.TrimSpace(actorID), strings.TrimSpace(conversationID)
	if conversationID == "" || actorID == "" {
		return Conversation{}, false, invalid(op, "missing conversation id")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return Conversation{}, false, notFound(op, "conversation not found")
	}
	if err != nil {
		return Conversation{}, false, s.fail(op, err)
	}

	switch conv.Kind {
	case KindPersonal:
		if !conv.HasParticipant(actorID) {
			return Conversation{}, false, forbidden(op, "not a participant")
		}
	case KindGroup:
		if !conv.IsAdmin(actorID) {
			return Conversation{}, false, forbidden(op, "only group admins can delete a group")
		}
	}

	deleted, err := s.store.DeleteConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, false, s.fail(op, err)
	}
	if !deleted {
		return Conversation{}, false, notFound(op, "conversation not found")
	}

	s.log.Info("chat.conversation.deleted", "conversation_id", conversationID, "by", actorID)
	cp := conv.Clone()
	s.publish(Event{Type: EventConversationDeleted, ConversationID: conversationID, ActorID: actorID, Conversation: &cp})
	return conv, true, nil
}

// CanJoin returns the conversation when userID may subscribe to its realtime room.
func (s *Service) CanJoin(ctx context.Context, conversationID, userID string) (Conversation, error) {
	const op = "chat.CanJoin"

	conversationID, userID = strings.TrimSpace(conversationID), strings.TrimSpace(userID)
	if conversationID == "" {
		return Conversation{}, invalid(op, "missing conversation_id")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return Conversation{}, notFound(op, "conversation not found")
	}
	if err != nil {
		return Conversation{}, s.fail(op, err)
	}
	if !conv.HasParticipant(userID) {
		return Conversation{}, forbidden(op, "not a participant")
	}
	return conv, nil
}
