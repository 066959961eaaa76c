package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"unicode/utf8"
)

const maxClientMsgIDLen = 128

// AddMessageInput is a send request from any transport.
type AddMessageInput struct {
	ConversationID string
	SenderID       string
	Text           string
	Attachments    []Attachment
	ReplyTo        string
	ClientMsgID    string
}

// AddMessageResult carries the stored message and the conversation it was appended to.
// Duplicated is true when ClientMsgID matched an earlier message; nothing new was stored.
type AddMessageResult struct {
	Message      Message
	Conversation Conversation
	Duplicated   bool
}

// MessagePage is one window of history.
type MessagePage struct {
	Conversation ConversationView
	Messages     []Message
	Total        int
	Skip         int
	Limit        int
	Sort         SortOrder
}

// ReadMarker is a participant's read position.
type ReadMarker struct {
	ConversationID string
	UserID         string
	LastReadSeq    int64
}

func validateMessage(op string, in *AddMessageInput) error {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.SenderID = strings.TrimSpace(in.SenderID)
	in.ReplyTo = strings.TrimSpace(in.ReplyTo)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)

	if in.ConversationID == "" {
		return invalid(op, "missing conversation_id")
	}
	if in.SenderID == "" {
		return opErr(op, ErrUnauthorized, "missing sender")
	}
	if strings.TrimSpace(in.Text) == "" {
		in.Text = ""
	}
	if in.Text == "" && len(in.Attachments) == 0 {
		return invalid(op, "message text or attachments required")
	}
	if utf8.RuneCountInString(in.Text) > MaxMessageChars {
		return invalid(op, "message text too long")
	}
	if len(in.Attachments) > MaxAttachments {
		return invalid(op, "too many attachments")
	}
	for i := range in.Attachments {
		a := &in.Attachments[i]
		a.URL = strings.TrimSpace(a.URL)
		if a.URL == "" {
			return invalid(op, "attachment url is required")
		}
		if a.Size < 0 {
			return invalid(op, "attachment size must be >= 0")
		}
	}
	if len(in.ClientMsgID) > maxClientMsgIDLen {
		return invalid(op, "client_msg_id too long")
	}
	return nil
}

// AddMessage validates, authorizes, and appends a message, then updates the lastMessage summary.
func (s *Service) AddMessage(ctx context.Context, in AddMessageInput) (AddMessageResult, error) {
	const op = "chat.AddMessage"

	if err := validateMessage(op, &in); err != nil {
		return AddMessageResult{}, err
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	conv, err := s.store.GetConversation(ctx, in.ConversationID)
	if errors.Is(err, ErrNotFound) {
		return AddMessageResult{}, notFound(op, "conversation not found")
	}
	if err != nil {
		return AddMessageResult{}, s.fail(op, err)
	}
	if !conv.HasParticipant(in.SenderID) {
		return AddMessageResult{}, forbidden(op, "not a participant")
	}

	if in.ReplyTo != "" {
		if _, err := s.store.GetMessage(ctx, in.ConversationID, in.ReplyTo); err != nil {
			if errors.Is(err, ErrNotFound) {
				return AddMessageResult{}, invalid(op, "reply_to is not a message of this conversation")
			}
			return AddMessageResult{}, s.fail(op, err)
		}
	}

	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return AddMessageResult{}, s.fail(op, err)
	}

	res, err := s.store.AppendMessage(ctx, AppendInput{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           in.Text,
		Attachments:    slices.Clone(in.Attachments),
		ReplyTo:        in.ReplyTo,
		ClientMsgID:    in.ClientMsgID,
		Now:            now,
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return AddMessageResult{}, notFound(op, "conversation not found")
	case errors.Is(err, ErrForbidden):
		return AddMessageResult{}, forbidden(op, "not a participant")
	case err != nil:
		return AddMessageResult{}, s.fail(op, err)
	}

	if res.Duplicated {
		return AddMessageResult{Message: res.Message, Conversation: conv, Duplicated: true}, nil
	}

	summary := res.Message.Summary()
	applied, err := s.store.SetLastMessage(ctx, in.ConversationID, summary)
	if err != nil {
		// The message is durable; the summary is a cache that the repairer recomputes from history.
		s.log.Warn("chat.summary.update.fail",
			"conversation_id", in.ConversationID,
			"message_id", res.Message.ID,
			"seq", res.Message.Seq,
			"err", err,
		)
		if rerr := s.repair.Schedule(context.WithoutCancel(ctx), in.ConversationID); rerr != nil {
			s.log.Error("chat.summary.repair.schedule.fail", "conversation_id", in.ConversationID, "err", rerr)
		}
	}
	if applied {
		conv.LastMessage = &summary
	}

	msg := res.Message
	s.publish(Event{Type: EventMessageCreated, ConversationID: in.ConversationID, ActorID: in.SenderID, Message: &msg})

	return AddMessageResult{Message: res.Message, Conversation: conv}, nil
}

// GetMessages returns one page of history. Only participants may read.
func (s *Service) GetMessages(ctx context.Context, conversationID, requesterID string, q PageQuery) (MessagePage, error) {
	const op = "chat.GetMessages"

	conversationID, requesterID = strings.TrimSpace(conversationID), strings.TrimSpace(requesterID)
	if conversationID == "" {
		return MessagePage{}, invalid(op, "missing conversation id")
	}
	if q.Sort != "" && q.Sort != SortAsc && q.Sort != SortDesc {
		return MessagePage{}, invalid(op, "sort must be asc or desc")
	}
	q = q.Normalize()

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return MessagePage{}, notFound(op, "conversation not found")
	}
	if err != nil {
		return MessagePage{}, s.fail(op, err)
	}
	if !conv.HasParticipant(requesterID) {
		return MessagePage{}, forbidden(op, "not a participant")
	}

	msgs, total, err := s.store.ListMessages(ctx, conversationID, q)
	if err != nil {
		return MessagePage{}, s.fail(op, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}

	return MessagePage{
		Conversation: s.viewFor(ctx, conv, requesterID),
		Messages:     msgs,
		Total:        total,
		Skip:         q.Skip,
		Limit:        q.Limit,
		Sort:         q.Sort,
	}, nil
}

// ListConversations returns every conversation of userID, most recently active first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]ConversationView, error) {
	const op = "chat.ListConversations"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, opErr(op, ErrUnauthorized, "missing user id")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, s.fail(op, err)
	}

	unread, err := s.store.UnreadCounts(ctx, userID)
	if err != nil {
		// Counts are decoration; the list is still useful without them.
		s.log.Warn("chat.unread.fail", "user_id", userID, "err", err)
		unread = nil
	}

	slices.SortFunc(convs, compareActivity)
	return s.viewsFor(ctx, convs, userID, unread), nil
}

// compareActivity orders by last activity desc, then id desc.
func compareActivity(a, b Conversation) int {
	at, bt := a.CreatedAt, b.CreatedAt
	if a.LastMessage != nil {
		at = a.LastMessage.CreatedAt
	}
	if b.LastMessage != nil {
		bt = b.LastMessage.CreatedAt
	}
	if c := bt.Compare(at); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

// MarkSeen advances userID's read marker to the newest message.
func (s *Service) MarkSeen(ctx context.Context, conversationID, userID string) (ReadMarker, error) {
	const op = "chat.MarkSeen"

	conversationID, userID = strings.TrimSpace(conversationID), strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return ReadMarker{}, invalid(op, "missing conversation or user id")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	seq, err := s.store.MarkRead(ctx, conversationID, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		return ReadMarker{}, notFound(op, "conversation not found")
	case errors.Is(err, ErrForbidden):
		return ReadMarker{}, forbidden(op, "not a participant")
	case err != nil:
		return ReadMarker{}, s.fail(op, err)
	}
	return ReadMarker{ConversationID: conversationID, UserID: userID, LastReadSeq: seq}, nil
}

// RepairSummary recomputes lastMessage from history. Used by the job worker.
func (s *Service) RepairSummary(ctx context.Context, conversationID string) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return RepairSummary(ctx, s.store, conversationID)
}
