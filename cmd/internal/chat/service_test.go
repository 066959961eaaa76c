package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"huddle/cmd/internal/profile"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

// Now advances by one millisecond per call so every write gets a distinct timestamp.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type recordingRepairer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRepairer) Schedule(_ context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, conversationID)
	return nil
}

func (r *recordingRepairer) scheduled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type testEnv struct {
	svc    *Service
	store  *MemoryStore
	dir    *profile.MemoryDirectory
	repair *recordingRepairer
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithStore(t, NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, st Store) testEnv {
	t.Helper()

	dir := profile.NewMemoryDirectory()
	rep := &recordingRepairer{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := NewService(log, st, dir, WithRepairer(rep), WithClock(newStepClock().Now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	env := testEnv{svc: svc, dir: dir, repair: rep}
	if ms, ok := st.(*MemoryStore); ok {
		env.store = ms
	}
	return env
}

func mustOpenPersonal(t *testing.T, svc *Service, a, b string) ConversationView {
	t.Helper()
	v, err := svc.OpenPersonal(context.Background(), a, b)
	if err != nil {
		t.Fatalf("open personal %s/%s: %v", a, b, err)
	}
	return v
}

func mustSend(t *testing.T, svc *Service, convID, sender, text string) Message {
	t.Helper()
	res, err := svc.AddMessage(context.Background(), AddMessageInput{
		ConversationID: convID,
		SenderID:       sender,
		Text:           text,
	})
	if err != nil {
		t.Fatalf("add message %q: %v", text, err)
	}
	return res.Message
}

func TestOpenPersonal_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	cases := []struct {
		name string
		a, b string
	}{
		{"missing user", "", "bob"},
		{"missing peer", "alice", "  "},
		{"self", "alice", "alice"},
		{"self after trim", "alice", " alice "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.OpenPersonal(context.Background(), tc.a, tc.b)
			if !IsInvalidArgument(err) {
				t.Fatalf("expected invalid_argument, got %v", err)
			}
		})
	}
}

func TestOpenPersonal_ConcurrentCallersConverge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	const n = 32
	ids := make([]string, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			v, err := env.svc.OpenPersonal(context.Background(), a, b)
			ids[i], errs[i] = v.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("call %d returned %q, want %q", i, ids[i], ids[0])
		}
	}

	convs, err := env.store.ListConversations(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected exactly one personal conversation, got %d", len(convs))
	}
	if convs[0].PairKey != "alice:bob" {
		t.Fatalf("pair key=%q", convs[0].PairKey)
	}
}

func TestOpenPersonal_DisplayFieldsAreLive(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.dir.Put("bob", profile.DisplayInfo{Name: "Bob", Image: "bob.png"})

	v := mustOpenPersonal(t, env.svc, "alice", "bob")
	if v.Name != "Bob" || v.Image != "bob.png" || v.PeerID != "bob" {
		t.Fatalf("unexpected view: name=%q image=%q peer=%q", v.Name, v.Image, v.PeerID)
	}

	env.dir.Put("bob", profile.DisplayInfo{Name: "Robert", Image: "robert.png"})

	page, err := env.svc.GetMessages(context.Background(), v.ID, "alice", PageQuery{})
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if page.Conversation.Name != "Robert" || page.Conversation.Image != "robert.png" {
		t.Fatalf("expected renamed peer, got name=%q image=%q", page.Conversation.Name, page.Conversation.Image)
	}

	// Viewed from the other side, alice has no profile.
	other := mustOpenPersonal(t, env.svc, "bob", "alice")
	if other.ID != v.ID {
		t.Fatalf("reverse open returned a different conversation")
	}
	if other.Name != FallbackUserName {
		t.Fatalf("expected fallback name, got %q", other.Name)
	}
}

func TestCreateGroup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	v, err := env.svc.CreateGroup(context.Background(), CreateGroupInput{
		CreatorID:      "alice",
		Name:           "  Team  ",
		ParticipantIDs: []string{"carol", "bob", "bob", "", "alice"},
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if v.Kind != KindGroup || v.Name != "Team" {
		t.Fatalf("unexpected group view: kind=%q name=%q", v.Kind, v.Name)
	}
	if got := strings.Join(v.Participants, ","); got != "alice,bob,carol" {
		t.Fatalf("participants=%s", got)
	}
	if !v.IsAdmin("alice") || v.IsAdmin("bob") {
		t.Fatalf("expected only the creator to be admin, admins=%v", v.Group.Admins)
	}
	if v.Group.CreatedBy != "alice" {
		t.Fatalf("created_by=%q", v.Group.CreatedBy)
	}

	cases := []CreateGroupInput{
		{CreatorID: "alice", Name: "   "},
		{CreatorID: "", Name: "x"},
		{CreatorID: "alice", Name: strings.Repeat("n", MaxGroupNameChars+1)},
	}
	for i, in := range cases {
		if _, err := env.svc.CreateGroup(context.Background(), in); !IsInvalidArgument(err) {
			t.Fatalf("case %d: expected invalid_argument, got %v", i, err)
		}
	}
}

func TestAddMessage_OrderingAndSummary(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conv := mustOpenPersonal(t, env.svc, "alice", "bob")

	for i := 1; i <= 3; i++ {
		m := mustSend(t, env.svc, conv.ID, "alice", fmt.Sprintf("m%d", i))
		if m.Seq != int64(i) {
			t.Fatalf("message %d: seq=%d", i, m.Seq)
		}
	}

	asc, err := env.svc.GetMessages(context.Background(), conv.ID, "bob", PageQuery{})
	if err != nil {
		t.Fatalf("get asc: %v", err)
	}
	if asc.Total != 3 || len(asc.Messages) != 3 {
		t.Fatalf("total=%d len=%d", asc.Total, len(asc.Messages))
	}
	for i, m := range asc.Messages {
		if m.Text != fmt.Sprintf("m%d", i+1) {
			t.Fatalf("asc[%d]=%q", i, m.Text)
		}
	}

	desc, err := env.svc.GetMessages(context.Background(), conv.ID, "bob", PageQuery{Sort: SortDesc})
	if err != nil {
		t.Fatalf("get desc: %v", err)
	}
	if desc.Messages[0].Text != "m3" || desc.Messages[2].Text != "m1" {
		t.Fatalf("desc order wrong: first=%q last=%q", desc.Messages[0].Text, desc.Messages[2].Text)
	}

	c, err := env.store.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if c.LastMessage == nil || c.LastMessage.Seq != 3 || c.LastMessage.Text != "m3" {
		t.Fatalf("unexpected last message: %+v", c.LastMessage)
	}
}

func TestSetLastMessage_NeverRegresses(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conv := mustOpenPersonal(t, env.svc, "alice", "bob")
	m1 := mustSend(t, env.svc, conv.ID, "alice", "first")
	m2 := mustSend(t, env.svc, conv.ID, "bob", "second")

	ctx := context.Background()

	// Replay the summary writes in reverse order.
	if ok, err := env.store.SetLastMessage(ctx, conv.ID, m2.Summary()); err != nil || ok {
		t.Fatalf("rewrite of current summary: ok=%v err=%v", ok, err)
	}
	if ok, err := env.store.SetLastMessage(ctx, conv.ID, m1.Summary()); err != nil || ok {
		t.Fatalf("stale summary applied: ok=%v err=%v", ok, err)
	}

	if err := env.svc.RepairSummary(ctx, conv.ID); err != nil {
		t.Fatalf("repair: %v", err)
	}

	c, _ := env.store.GetConversation(ctx, conv.ID)
	if c.LastMessage == nil || c.LastMessage.MessageID != m2.ID {
		t.Fatalf("expected last message %s, got %+v", m2.ID, c.LastMessage)
	}
}

func TestAddMessage_NonParticipantForbidden(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conv := mustOpenPersonal(t, env.svc, "alice", "bob")

	_, err := env.svc.AddMessage(context.Background(), AddMessageInput{
		ConversationID: conv.ID,
		SenderID:       "mallory",
		Text:           "hi",
	})
	if !IsForbidden(err) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	_, err = env.svc.GetMessages(context.Background(), conv.ID, "mallory", PageQuery{})
	if !IsForbidden(err) {
		t.Fatalf("expected forbidden read, got %v", err)
	}

	page, err := env.svc.GetMessages(context.Background(), conv.ID, "alice", PageQuery{})
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("forbidden send was stored: total=%d", page.Total)
	}
}

func TestAddMessage_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conv := mustOpenPersonal(t, env.svc, "alice", "bob")

	tooMany := make([]Attachment, MaxAttachments+1)
	for i := range tooMany {
		tooMany[i] = Attachment{URL: fmt.Sprintf("https://cdn.example/%d", i)}
	}

	cases := []struct {
		name string
		in   AddMessageInput
		want error
	}{
		{"empty text", AddMessageInput{ConversationID: conv.ID, SenderID: "alice", Text: "   "}, ErrInvalidArgument},
		{"too long", AddMessageInput{ConversationID: conv.ID, SenderID: "alice", Text: strings.Repeat("é", MaxMessageChars+1)}, ErrInvalidArgument},
		{"too many attachments", AddMessageInput{ConversationID: conv.ID, SenderID: "alice", Attachments: tooMany}, ErrInvalidArgument},
		{"attachment without url", AddMessageInput{ConversationID: conv.ID, SenderID: "alice", Attachments: []Attachment{{Name: "a.png"}}}, ErrInvalidArgument},
		{"missing conversation id", AddMessageInput{SenderID: "alice", Text: "x"}, ErrInvalidArgument},
		{"missing sender", AddMessageInput{ConversationID: conv.ID, Text: "x"}, ErrUnauthorized},
		{"unknown conversation", AddMessageInput{ConversationID: "nope", SenderID: "alice", Text: "x"}, ErrNotFound},
		{"unknown reply_to", AddMessageInput{ConversationID: conv.ID, SenderID: "alice", Text: "x", ReplyTo: "missing"}, ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.AddMessage(context.Background(), tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// Exactly at the limit is accepted.
	if _, err := env.svc.AddMessage(context.Background(), AddMessageInput{
		ConversationID: conv.ID, SenderID: "alice", Text: strings.Repeat("é", MaxMessageChars),
	}); err != nil {
		t.Fatalf("max length message rejected: %v", err)
	}

	// Attachment-only messages are accepted and summarized.
	res, err := env.svc.AddMessage(context.Background(), AddMessageInput{
		ConversationID: conv.ID, SenderID: "bob", Attachments: []Attachment{{URL: "https://cdn.example/a.png", Type: "image"}},
	})
	if err != nil {
		t.Fatalf("attachment-only message: %v", err)
	}
	if res.Conversation.LastMessage == nil || res.Conversation.LastMessage.Text != "[attachment]" {
		t.Fatalf("unexpected summary: %+v", res.Conversation.LastMessage)
	}

	reply, err := env.svc.AddMessage(context.Background(), AddMessageInput{
		ConversationID: conv.ID, SenderID: "alice", Text: "nice", ReplyTo: res.Message.ID,
	})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Message.ReplyTo != res.Message.ID {
		t.Fatalf("reply_to=%q", reply.Message.ReplyTo)
	}
}

func TestAddMessage_ClientMsgIDDedupe(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conv := mustOpenPersonal(t, env.svc, "alice", "bob")

	in := AddMessageInput{ConversationID: conv.ID, SenderID: "alice", Text: "once", ClientMsgID: "c-1"}
	first, err := env.svc.AddMessage(context.Background(), in)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := env.svc.AddMessage(context.Background(), in)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Duplicated || second.Message.ID != first.Message.ID || second.Message.Seq != first.Message.Seq {
		t.Fatalf("expected duplicate of %s, got %+v", first.Message.ID, second)
	}

	next := mustSend(t, env.svc, conv.ID, "alice", "after")
	if next.Seq != 2 {
		t.Fatalf("duplicate consumed a seq: next seq=%d", next.Seq)
	}
}

func TestAddMessage_SummaryFailureIsRepairedNotRolledBack(t *testing.T) {
	t.Parallel()

	st := &flakySummaryStore{MemoryStore: NewMemoryStore()}
	env := newTestEnvWithStore(t, st)
	conv := mustOpenPersonal(t, env.svc, "alice", "bob")

	st.fail.Store(true)
	res, err := env.svc.AddMessage(context.Background(), AddMessageInput{ConversationID: conv.ID, SenderID: "alice", Text: "kept"})
	if err != nil {
		t.Fatalf("add message must succeed when only the summary fails: %v", err)
	}

	page, err := env.svc.GetMessages(context.Background(), conv.ID, "alice", PageQuery{})
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if page.Total != 1 || page.Messages[0].ID != res.Message.ID {
		t.Fatalf("message was not persisted: %+v", page.Messages)
	}

	if got := env.repair.scheduled(); len(got) != 1 || got[0] != conv.ID {
		t.Fatalf("expected one repair for %s, got %v", conv.ID, got)
	}

	st.fail.Store(false)
	if err := env.svc.RepairSummary(context.Background(), conv.ID); err != nil {
		t.Fatalf("repair: %v", err)
	}
	c, _ := st.GetConversation(context.Background(), conv.ID)
	if c.LastMessage == nil || c.LastMessage.MessageID != res.Message.ID {
		t.Fatalf("summary not repaired: %+v", c.LastMessage)
	}
}

func TestGetMessages_Pagination(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conv := mustOpenPersonal(t, env.svc, "alice", "bob")
	for i := 0; i < 5; i++ {
		mustSend(t, env.svc, conv.ID, "alice", fmt.Sprintf("m%d", i))
	}

	cases := []struct {
		name      string
		q         PageQuery
		wantLen   int
		wantSkip  int
		wantLimit int
		wantFirst string
	}{
		{"defaults", PageQuery{}, 5, 0, DefaultPageLimit, "m0"},
		{"window", PageQuery{Skip: 1, Limit: 2}, 2, 1, 2, "m1"},
		{"negative skip", PageQuery{Skip: -3, Limit: 1}, 1, 0, 1, "m0"},
		{"limit capped", PageQuery{Limit: 10_000}, 5, 0, MaxPageLimit, "m0"},
		{"skip past end", PageQuery{Skip: 1000}, 0, 1000, DefaultPageLimit, ""},
		{"desc window", PageQuery{Skip: 1, Limit: 1, Sort: SortDesc}, 1, 1, 1, "m3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := env.svc.GetMessages(context.Background(), conv.ID, "bob", tc.q)
			if err != nil {
				t.Fatalf("get messages: %v", err)
			}
			if page.Total != 5 {
				t.Fatalf("total=%d want 5", page.Total)
			}
			if len(page.Messages) != tc.wantLen || page.Skip != tc.wantSkip || page.Limit != tc.wantLimit {
				t.Fatalf("len=%d skip=%d limit=%d", len(page.Messages), page.Skip, page.Limit)
			}
			if page.Messages == nil {
				t.Fatalf("messages must be non-nil")
			}
			if tc.wantFirst != "" && page.Messages[0].Text != tc.wantFirst {
				t.Fatalf("first=%q want %q", page.Messages[0].Text, tc.wantFirst)
			}
		})
	}

	if _, err := env.svc.GetMessages(context.Background(), conv.ID, "bob", PageQuery{Sort: "sideways"}); !IsInvalidArgument(err) {
		t.Fatalf("expected invalid sort, got %v", err)
	}
	if _, err := env.svc.GetMessages(context.Background(), "missing", "bob", PageQuery{}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteConversation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	conv := mustOpenPersonal(t, env.svc, "alice", "bob")
	mustSend(t, env.svc, conv.ID, "alice", "bye")

	if _, _, err := env.svc.DeleteConversation(ctx, "mallory", conv.ID); !IsForbidden(err) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	_, deleted, err := env.svc.DeleteConversation(ctx, "bob", conv.ID)
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}

	_, deleted, err = env.svc.DeleteConversation(ctx, "bob", conv.ID)
	if deleted || !IsNotFound(err) {
		t.Fatalf("second delete: deleted=%v err=%v", deleted, err)
	}

	if _, err := env.svc.GetMessages(ctx, conv.ID, "alice", PageQuery{}); !IsNotFound(err) {
		t.Fatalf("messages survived delete: %v", err)
	}

	// The pair can be reopened as a fresh conversation.
	again := mustOpenPersonal(t, env.svc, "alice", "bob")
	if again.ID == conv.ID {
		t.Fatalf("reopened conversation reused a deleted id")
	}

	group, err := env.svc.CreateGroup(ctx, CreateGroupInput{CreatorID: "alice", Name: "g", ParticipantIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, _, err := env.svc.DeleteConversation(ctx, "bob", group.ID); !IsForbidden(err) {
		t.Fatalf("non-admin deleted a group: %v", err)
	}
	if _, deleted, err := env.svc.DeleteConversation(ctx, "alice", group.ID); err != nil || !deleted {
		t.Fatalf("admin delete: deleted=%v err=%v", deleted, err)
	}
}

func TestParticipants(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	personal := mustOpenPersonal(t, env.svc, "alice", "bob")
	if _, _, err := env.svc.AddParticipant(ctx, "alice", personal.ID, "carol"); !IsInvalidOperation(err) {
		t.Fatalf("expected invalid_operation for personal add, got %v", err)
	}
	if _, _, err := env.svc.RemoveParticipant(ctx, "alice", personal.ID, "bob"); !IsInvalidOperation(err) {
		t.Fatalf("expected invalid_operation for personal remove, got %v", err)
	}
	if _, _, err := env.svc.AddParticipant(ctx, "alice", "missing", "carol"); !IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}

	g, err := env.svc.CreateGroup(ctx, CreateGroupInput{CreatorID: "alice", Name: "g", ParticipantIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if _, _, err := env.svc.AddParticipant(ctx, "bob", g.ID, "carol"); !IsForbidden(err) {
		t.Fatalf("non-admin add: %v", err)
	}

	v, changed, err := env.svc.AddParticipant(ctx, "alice", g.ID, "carol")
	if err != nil || !changed || !v.HasParticipant("carol") {
		t.Fatalf("add: changed=%v err=%v participants=%v", changed, err, v.Participants)
	}
	if _, changed, err := env.svc.AddParticipant(ctx, "alice", g.ID, "carol"); err != nil || changed {
		t.Fatalf("re-add must be idempotent: changed=%v err=%v", changed, err)
	}

	// The new participant can post.
	mustSend(t, env.svc, g.ID, "carol", "hello")

	if _, _, err := env.svc.RemoveParticipant(ctx, "bob", g.ID, "carol"); !IsForbidden(err) {
		t.Fatalf("non-admin removed someone else: %v", err)
	}

	// Admin leaves: the lowest remaining participant is promoted.
	v, changed, err = env.svc.RemoveParticipant(ctx, "alice", g.ID, "alice")
	if err != nil || !changed {
		t.Fatalf("admin leave: changed=%v err=%v", changed, err)
	}
	if v.HasParticipant("alice") || !v.IsAdmin("bob") {
		t.Fatalf("expected bob promoted: participants=%v admins=%v", v.Participants, v.Group.Admins)
	}

	// Removed users lose write access.
	if _, err := env.svc.AddMessage(ctx, AddMessageInput{ConversationID: g.ID, SenderID: "alice", Text: "back?"}); !IsForbidden(err) {
		t.Fatalf("removed user could post: %v", err)
	}

	// Self removal without admin rights.
	if _, changed, err := env.svc.RemoveParticipant(ctx, "carol", g.ID, "carol"); err != nil || !changed {
		t.Fatalf("self leave: changed=%v err=%v", changed, err)
	}
	if _, changed, err := env.svc.RemoveParticipant(ctx, "bob", g.ID, "carol"); err != nil || changed {
		t.Fatalf("removing an absent user must be idempotent: changed=%v err=%v", changed, err)
	}

	if _, _, err := env.svc.RemoveParticipant(ctx, "bob", g.ID, "bob"); !IsInvalidOperation(err) {
		t.Fatalf("removed the last participant: %v", err)
	}
}

func TestUpdateConversation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	g, err := env.svc.CreateGroup(ctx, CreateGroupInput{CreatorID: "alice", Name: "old", ParticipantIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	name := "  new  "
	avatar := "https://cdn.example/g.png"
	empty := " "

	if _, err := env.svc.UpdateConversation(ctx, "alice", g.ID, Patch{}); !IsInvalidArgument(err) {
		t.Fatalf("empty patch: %v", err)
	}
	if _, err := env.svc.UpdateConversation(ctx, "alice", g.ID, Patch{Name: &empty}); !IsInvalidArgument(err) {
		t.Fatalf("blank name: %v", err)
	}
	if _, err := env.svc.UpdateConversation(ctx, "bob", g.ID, Patch{Name: &name}); !IsForbidden(err) {
		t.Fatalf("non-admin update: %v", err)
	}

	v, err := env.svc.UpdateConversation(ctx, "alice", g.ID, Patch{Name: &name, Avatar: &avatar})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v.Name != "new" || v.Image != avatar {
		t.Fatalf("name=%q image=%q", v.Name, v.Image)
	}

	personal := mustOpenPersonal(t, env.svc, "alice", "bob")
	if _, err := env.svc.UpdateConversation(ctx, "alice", personal.ID, Patch{Name: &name}); !IsInvalidOperation(err) {
		t.Fatalf("personal update: %v", err)
	}
}

func TestListConversations_SortedByActivityWithUnread(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.Put("bob", profile.DisplayInfo{Name: "Bob"})

	withBob := mustOpenPersonal(t, env.svc, "alice", "bob")
	group, err := env.svc.CreateGroup(ctx, CreateGroupInput{CreatorID: "carol", Name: "g", ParticipantIDs: []string{"alice"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	withDave := mustOpenPersonal(t, env.svc, "alice", "dave")

	mustSend(t, env.svc, group.ID, "carol", "g1")
	mustSend(t, env.svc, withBob.ID, "bob", "b1")
	mustSend(t, env.svc, withBob.ID, "bob", "b2")

	list, err := env.svc.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(list))
	}

	// withBob: newest message; group: older message; withDave: no messages but newest header.
	// Conversations without messages sort by creation time.
	if list[0].ID != withBob.ID {
		t.Fatalf("first=%s want %s", list[0].ID, withBob.ID)
	}
	if list[1].ID != group.ID || list[2].ID != withDave.ID {
		t.Fatalf("order=%s,%s want %s,%s", list[1].ID, list[2].ID, group.ID, withDave.ID)
	}
	if list[0].Name != "Bob" || list[0].UnreadCount != 2 {
		t.Fatalf("withBob view: name=%q unread=%d", list[0].Name, list[0].UnreadCount)
	}
	if list[2].Name != FallbackUserName {
		t.Fatalf("missing profile name=%q", list[2].Name)
	}

	marker, err := env.svc.MarkSeen(ctx, withBob.ID, "alice")
	if err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if marker.LastReadSeq != 2 {
		t.Fatalf("last_read_seq=%d", marker.LastReadSeq)
	}

	list, _ = env.svc.ListConversations(ctx, "alice")
	if list[0].UnreadCount != 0 {
		t.Fatalf("unread after mark seen=%d", list[0].UnreadCount)
	}

	if _, err := env.svc.MarkSeen(ctx, withBob.ID, "mallory"); !IsForbidden(err) {
		t.Fatalf("non-participant mark seen: %v", err)
	}
}

func TestCanJoin(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conv := mustOpenPersonal(t, env.svc, "alice", "bob")

	if _, err := env.svc.CanJoin(context.Background(), conv.ID, "alice"); err != nil {
		t.Fatalf("participant join: %v", err)
	}
	if _, err := env.svc.CanJoin(context.Background(), conv.ID, "mallory"); !IsForbidden(err) {
		t.Fatalf("non-participant join: %v", err)
	}
	if _, err := env.svc.CanJoin(context.Background(), "missing", "alice"); !IsNotFound(err) {
		t.Fatalf("missing join: %v", err)
	}
}

func TestStoreFailureIsInternal(t *testing.T) {
	t.Parallel()

	env := newTestEnvWithStore(t, brokenStore{MemoryStore: NewMemoryStore()})

	_, err := env.svc.OpenPersonal(context.Background(), "alice", "bob")
	if KindOf(err) != ErrInternal {
		t.Fatalf("expected internal, got %v", err)
	}
	if msg := PublicMessage(err); msg != "internal error" {
		t.Fatalf("store detail leaked to caller: %q", msg)
	}
}

// gatedPublisher blocks every Publish until release is closed.
type gatedPublisher struct {
	release chan struct{}

	mu     sync.Mutex
	events []Event
}

func (p *gatedPublisher) Publish(ctx context.Context, ev Event) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *gatedPublisher) published() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func TestPublish_SlowBrokerDoesNotDelayWrites(t *testing.T) {
	pub := &gatedPublisher{release: make(chan struct{})}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewService(log, NewMemoryStore(), nil, WithPublisher(pub), WithClock(newStepClock().Now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	start := time.Now()
	conv := mustOpenPersonal(t, svc, "alice", "bob")
	for i := 0; i < 3; i++ {
		mustSend(t, svc, conv.ID, "alice", fmt.Sprintf("m%d", i))
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("writes waited on the publisher: %v", d)
	}

	close(pub.release)
	svc.Close()

	got := pub.published()
	if len(got) != 4 {
		t.Fatalf("published %d events want 4", len(got))
	}
	if got[0].Type != EventConversationCreated {
		t.Fatalf("first event: %s", got[0].Type)
	}
	for i, ev := range got[1:] {
		if ev.Type != EventMessageCreated || ev.Message == nil || ev.Message.Seq != int64(i+1) {
			t.Fatalf("event %d: %+v", i+1, ev)
		}
		if ev.At.IsZero() {
			t.Fatalf("event %d has no timestamp", i+1)
		}
	}
}
