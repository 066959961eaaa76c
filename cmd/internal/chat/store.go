package chat

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Store is the persistence contract behind Service.
//
// Requirements:
//   - FindOrCreatePersonal is atomic per pair key (no duplicate personal rows under concurrency)
//   - AppendMessage allocates a strictly increasing per-conversation Seq and re-checks that the
//     sender is a participant inside the same atomic step (ErrForbidden / ErrNotFound)
//   - Idempotency per (conversation_id, client_msg_id) when ClientMsgID is set
//   - SetLastMessage only overwrites when the new Seq is greater (compare-and-swap)
//   - DeleteConversation removes messages before the header and reports whether a row was deleted
//
// Errors: ErrNotFound and ErrForbidden are returned as-is (or wrapped); anything else is a store failure.
type Store interface {
	FindOrCreatePersonal(ctx context.Context, c Conversation) (Conversation, bool, error)
	CreateConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	// UpdateConversation runs fn on the current header under the store's row lock and persists the result.
	// fn errors abort the update and are returned unchanged.
	UpdateConversation(ctx context.Context, id string, fn func(*Conversation) error) (Conversation, error)
	DeleteConversation(ctx context.Context, id string) (bool, error)

	AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error)
	GetMessage(ctx context.Context, conversationID, messageID string) (Message, error)
	ListMessages(ctx context.Context, conversationID string, q PageQuery) ([]Message, int, error)
	LatestMessage(ctx context.Context, conversationID string) (Message, error)
	SetLastMessage(ctx context.Context, conversationID string, lm LastMessage) (bool, error)

	// MarkRead advances the participant's read marker to the latest seq and returns it.
	MarkRead(ctx context.Context, conversationID, userID string) (int64, error)
	// UnreadCounts returns, per conversation of userID, messages newer than the read marker not sent by userID.
	UnreadCounts(ctx context.Context, userID string) (map[string]int, error)

	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Attachments    []Attachment
	ReplyTo        string
	ClientMsgID    string
	// Now is the requested created_at. Stores raise it to the previous message's created_at when earlier.
	Now time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Message    Message
	Duplicated bool
}

// SortOrder for history pages.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ParseSortOrder accepts "", "asc", "desc" (case-insensitive). Empty means ascending.
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asc", "ascending", "1":
		return SortAsc, nil
	case "desc", "descending", "-1":
		return SortDesc, nil
	default:
		return "", opErr("chat.ParseSortOrder", ErrInvalidArgument, "sort must be asc or desc")
	}
}

// PageQuery selects a window of history ordered by (CreatedAt, Seq).
type PageQuery struct {
	Skip  int
	Limit int
	Sort  SortOrder
}

// Normalize clamps the query: negative skip -> 0, limit <= 0 -> DefaultPageLimit, limit capped at MaxPageLimit.
func (q PageQuery) Normalize() PageQuery {
	if q.Skip < 0 {
		q.Skip = 0
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	if q.Sort != SortDesc {
		q.Sort = SortAsc
	}
	return q
}

// RepairSummary recomputes the lastMessage summary of conversationID from its newest message.
// The write goes through SetLastMessage, so it can never regress a newer summary.
func RepairSummary(ctx context.Context, st Store, conversationID string) error {
	latest, err := st.LatestMessage(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = st.SetLastMessage(ctx, conversationID, latest.Summary())
	return err
}
