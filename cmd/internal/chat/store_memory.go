package chat

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore is the dev/test Store used when no database is configured.
// A single mutex makes every operation atomic, which satisfies the Store contract trivially.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
	pairs map[string]string // pair key -> conversation id
}

type memConv struct {
	conv     Conversation
	seq      int64
	msgs     []Message          // ordered by seq
	dedupe   map[string]Message // client_msg_id -> stored message
	lastRead map[string]int64   // user id -> seq
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*memConv),
		pairs: make(map[string]string),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func newMemConv(c Conversation) *memConv {
	return &memConv{
		conv:     c.Clone(),
		dedupe:   make(map[string]Message),
		lastRead: make(map[string]int64),
	}
}

func (s *MemoryStore) FindOrCreatePersonal(ctx context.Context, c Conversation) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	if !c.Valid() || c.Kind != KindPersonal {
		return Conversation{}, false, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pairs[c.PairKey]; ok {
		return s.convs[id].conv.Clone(), false, nil
	}
	s.convs[c.ID] = newMemConv(c)
	s.pairs[c.PairKey] = c.ID
	return c.Clone(), true, nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.Valid() {
		return ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[c.ID]; ok {
		return ErrConflict
	}
	if c.Kind == KindPersonal {
		if _, ok := s.pairs[c.PairKey]; ok {
			return ErrConflict
		}
		s.pairs[c.PairKey] = c.ID
	}
	s.convs[c.ID] = newMemConv(c)
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[id]
	if mc == nil {
		return Conversation{}, ErrNotFound
	}
	return mc.conv.Clone(), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0)
	for _, mc := range s.convs {
		if mc.conv.HasParticipant(userID) {
			out = append(out, mc.conv.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Conversation) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) UpdateConversation(ctx context.Context, id string, fn func(*Conversation) error) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[id]
	if mc == nil {
		return Conversation{}, ErrNotFound
	}
	next := mc.conv.Clone()
	if err := fn(&next); err != nil {
		return Conversation{}, err
	}
	// Identity and kind are immutable.
	next.ID, next.Kind, next.PairKey, next.CreatedAt = mc.conv.ID, mc.conv.Kind, mc.conv.PairKey, mc.conv.CreatedAt
	mc.conv = next.Clone()
	return next, nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[id]
	if mc == nil {
		return false, nil
	}
	if mc.conv.PairKey != "" {
		delete(s.pairs, mc.conv.PairKey)
	}
	delete(s.convs, id)
	return true, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.ConversationID == "" || in.SenderID == "" || in.ID == "" {
		return AppendResult{}, ErrInvalidArgument
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[in.ConversationID]
	if mc == nil {
		return AppendResult{}, ErrNotFound
	}
	if !mc.conv.HasParticipant(in.SenderID) {
		return AppendResult{}, ErrForbidden
	}

	if in.ClientMsgID != "" {
		if existing, ok := mc.dedupe[in.ClientMsgID]; ok {
			return AppendResult{Message: cloneMessage(existing), Duplicated: true}, nil
		}
	}

	// created_at never goes backwards within a conversation, so history order matches seq order.
	created := in.Now.UTC()
	if n := len(mc.msgs); n > 0 && mc.msgs[n-1].CreatedAt.After(created) {
		created = mc.msgs[n-1].CreatedAt
	}

	mc.seq++
	msg := Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		Seq:            mc.seq,
		SenderID:       in.SenderID,
		Text:           in.Text,
		Attachments:    slices.Clone(in.Attachments),
		ReplyTo:        in.ReplyTo,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      created,
	}
	if in.ClientMsgID != "" {
		mc.dedupe[in.ClientMsgID] = msg
	}
	mc.msgs = append(mc.msgs, msg)

	return AppendResult{Message: cloneMessage(msg)}, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, conversationID, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[conversationID]
	if mc == nil {
		return Message{}, ErrNotFound
	}
	for _, m := range mc.msgs {
		if m.ID == messageID {
			return cloneMessage(m), nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, q PageQuery) ([]Message, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	q = q.Normalize()

	s.mu.Lock()
	mc := s.convs[conversationID]
	var snap []Message
	if mc != nil {
		snap = slices.Clone(mc.msgs)
	}
	s.mu.Unlock()

	if mc == nil {
		return nil, 0, ErrNotFound
	}

	slices.SortFunc(snap, compareMessages)
	if q.Sort == SortDesc {
		slices.Reverse(snap)
	}

	total := len(snap)
	if q.Skip >= total {
		return []Message{}, total, nil
	}
	end := min(q.Skip+q.Limit, total)
	out := make([]Message, 0, end-q.Skip)
	for _, m := range snap[q.Skip:end] {
		out = append(out, cloneMessage(m))
	}
	return out, total, nil
}

func (s *MemoryStore) LatestMessage(ctx context.Context, conversationID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[conversationID]
	if mc == nil || len(mc.msgs) == 0 {
		return Message{}, ErrNotFound
	}
	return cloneMessage(mc.msgs[len(mc.msgs)-1]), nil
}

func (s *MemoryStore) SetLastMessage(ctx context.Context, conversationID string, lm LastMessage) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[conversationID]
	if mc == nil {
		return false, ErrNotFound
	}
	if cur := mc.conv.LastMessage; cur != nil && cur.Seq >= lm.Seq {
		return false, nil
	}
	mc.conv.LastMessage = &lm
	return true, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[conversationID]
	if mc == nil {
		return 0, ErrNotFound
	}
	if !mc.conv.HasParticipant(userID) {
		return 0, ErrForbidden
	}
	if mc.seq > mc.lastRead[userID] {
		mc.lastRead[userID] = mc.seq
	}
	return mc.lastRead[userID], nil
}

func (s *MemoryStore) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int)
	for id, mc := range s.convs {
		if !mc.conv.HasParticipant(userID) {
			continue
		}
		read := mc.lastRead[userID]
		n := 0
		for i := len(mc.msgs) - 1; i >= 0 && mc.msgs[i].Seq > read; i-- {
			if mc.msgs[i].SenderID != userID {
				n++
			}
		}
		if n > 0 {
			out[id] = n
		}
	}
	return out, nil
}

// compareMessages is the history order: CreatedAt, then Seq.
func compareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

func cloneMessage(m Message) Message {
	m.Attachments = slices.Clone(m.Attachments)
	return m
}
