package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// flakySummaryStore fails SetLastMessage while fail is set.
type flakySummaryStore struct {
	*MemoryStore
	fail atomic.Bool
}

func (s *flakySummaryStore) SetLastMessage(ctx context.Context, id string, lm LastMessage) (bool, error) {
	if s.fail.Load() {
		return false, errors.New("summary write timed out")
	}
	return s.MemoryStore.SetLastMessage(ctx, id, lm)
}

// brokenStore fails personal lookups the way a dropped connection would.
type brokenStore struct {
	*MemoryStore
}

func (brokenStore) FindOrCreatePersonal(context.Context, Conversation) (Conversation, bool, error) {
	return Conversation{}, false, errors.New("connection reset by peer")
}

var (
	_ Store = (*flakySummaryStore)(nil)
	_ Store = brokenStore{}
)

func TestMemoryStore_ConcurrentAppend_StrictSeq_NoGaps(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	conv := NewGroup("g1", "alice", "g", "", []string{"bob"}, now)
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			sender := "alice"
			if i%2 == 0 {
				sender = "bob"
			}
			_, err := st.AppendMessage(ctx, AppendInput{
				ID:             fmt.Sprintf("m-%d", i),
				ConversationID: conv.ID,
				SenderID:       sender,
				Text:           "x",
				Now:            now,
			})
			if err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("append: %v", err)
	}

	msgs, total, err := st.ListMessages(ctx, conv.ID, PageQuery{Limit: MaxPageLimit})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != n || len(msgs) != n {
		t.Fatalf("total=%d len=%d", total, len(msgs))
	}
	// Same timestamp everywhere: Seq is the tiebreak.
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("msgs[%d].Seq=%d", i, m.Seq)
		}
	}
}

func TestMemoryStore_AppendChecksMembership(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()

	conv := NewPersonal("p1", "alice", "bob", time.Now())
	if _, _, err := st.FindOrCreatePersonal(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := st.AppendMessage(ctx, AppendInput{ID: "m1", ConversationID: "p1", SenderID: "mallory", Text: "x", Now: time.Now()})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = st.AppendMessage(ctx, AppendInput{ID: "m1", ConversationID: "nope", SenderID: "alice", Text: "x", Now: time.Now()})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStore_FindOrCreatePersonal(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()

	first, created, err := st.FindOrCreatePersonal(ctx, NewPersonal("p1", "bob", "alice", time.Now()))
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}
	second, created, err := st.FindOrCreatePersonal(ctx, NewPersonal("p2", "alice", "bob", time.Now()))
	if err != nil || created {
		t.Fatalf("second: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("second=%s want %s", second.ID, first.ID)
	}

	if ok, err := st.DeleteConversation(ctx, first.ID); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if ok, err := st.DeleteConversation(ctx, first.ID); err != nil || ok {
		t.Fatalf("second delete: ok=%v err=%v", ok, err)
	}

	third, created, err := st.FindOrCreatePersonal(ctx, NewPersonal("p3", "alice", "bob", time.Now()))
	if err != nil || !created || third.ID != "p3" {
		t.Fatalf("after delete: id=%s created=%v err=%v", third.ID, created, err)
	}
}

func TestMemoryStore_CreatedAtNeverGoesBackwards(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, _, err := st.FindOrCreatePersonal(ctx, NewPersonal("p1", "alice", "bob", base)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Appended out of timestamp order (clock skew between writers).
	ats := []time.Time{base.Add(2 * time.Second), base.Add(time.Second), base.Add(3 * time.Second)}
	for i, at := range ats {
		if _, err := st.AppendMessage(ctx, AppendInput{
			ID: string(rune('a' + i)), ConversationID: "p1", SenderID: "alice", Text: "x", Now: at,
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, _, err := st.ListMessages(ctx, "p1", PageQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := msgs[0].ID + msgs[1].ID + msgs[2].ID
	if got != "abc" {
		t.Fatalf("order=%s want abc", got)
	}
	if !msgs[1].CreatedAt.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("skewed created_at=%v want raised to %v", msgs[1].CreatedAt, base.Add(2*time.Second))
	}
	if !msgs[2].CreatedAt.Equal(base.Add(3 * time.Second)) {
		t.Fatalf("created_at=%v want %v", msgs[2].CreatedAt, base.Add(3*time.Second))
	}

	msgs, _, _ = st.ListMessages(ctx, "p1", PageQuery{Sort: SortDesc})
	got = msgs[0].ID + msgs[1].ID + msgs[2].ID
	if got != "cba" {
		t.Fatalf("desc order=%s want cba", got)
	}
}

func TestMemoryStore_KeepsFullHistory(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := st.FindOrCreatePersonal(ctx, NewPersonal("p1", "alice", "bob", now)); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 10_050
	for i := 0; i < n; i++ {
		if _, err := st.AppendMessage(ctx, AppendInput{
			ID: fmt.Sprintf("m%05d", i), ConversationID: "p1", SenderID: "alice", Text: "x", Now: now,
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, total, err := st.ListMessages(ctx, "p1", PageQuery{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != n {
		t.Fatalf("total=%d want %d", total, n)
	}
	if len(msgs) != 1 || msgs[0].ID != "m00000" || msgs[0].Seq != 1 {
		t.Fatalf("oldest message: %+v", msgs)
	}
	if _, err := st.GetMessage(ctx, "p1", "m00000"); err != nil {
		t.Fatalf("oldest message lookup: %v", err)
	}
}

func TestMemoryStore_UpdateKeepsIdentity(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()

	g := NewGroup("g1", "alice", "g", "", nil, time.Now())
	if err := st.CreateConversation(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.CreateConversation(ctx, g); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create: %v", err)
	}

	updated, err := st.UpdateConversation(ctx, "g1", func(c *Conversation) error {
		c.ID = "hijacked"
		c.Kind = KindPersonal
		c.Group.Name = "renamed"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != "g1" || updated.Kind != KindGroup || updated.Group.Name != "renamed" {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	sentinel := errors.New("abort")
	if _, err := st.UpdateConversation(ctx, "g1", func(c *Conversation) error {
		c.Group.Name = "lost"
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("fn error not returned: %v", err)
	}
	cur, _ := st.GetConversation(ctx, "g1")
	if cur.Group.Name != "renamed" {
		t.Fatalf("aborted update was persisted: %q", cur.Group.Name)
	}
}
