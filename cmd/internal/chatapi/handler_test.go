package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/profile"

	paseto "aidanwoods.dev/go-paseto"
)

var _ Notifier = (*recordingNotifier)(nil)

// recordingNotifier appends through the service and records every notification.
type recordingNotifier struct {
	directNotifier

	mu      sync.Mutex
	sent    int
	added   []string
	removed []string
	deleted []string
}

func (n *recordingNotifier) SendMessage(ctx context.Context, in chat.AddMessageInput) (chat.AddMessageResult, error) {
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()
	return n.directNotifier.SendMessage(ctx, in)
}

func (n *recordingNotifier) NotifyParticipantAdded(_ context.Context, conv chat.Conversation, _, userID string) {
	n.mu.Lock()
	n.added = append(n.added, conv.ID+"/"+userID)
	n.mu.Unlock()
}

func (n *recordingNotifier) NotifyParticipantRemoved(_ context.Context, conv chat.Conversation, _, userID string) {
	n.mu.Lock()
	n.removed = append(n.removed, conv.ID+"/"+userID)
	n.mu.Unlock()
}

func (n *recordingNotifier) NotifyConversationDeleted(_ context.Context, conv chat.Conversation, _ string) {
	n.mu.Lock()
	n.deleted = append(n.deleted, conv.ID)
	n.mu.Unlock()
}

type apiTestEnv struct {
	srv      *httptest.Server
	tokens   *session.Manager
	dir      *profile.MemoryDirectory
	notifier *recordingNotifier
}

func newAPITestEnv(t *testing.T) *apiTestEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := profile.NewMemoryDirectory()
	svc, err := chat.NewService(log, chat.NewMemoryStore(), dir)
	if err != nil {
		t.Fatalf("chat.NewService: %v", err)
	}
	t.Cleanup(svc.Close)

	cfg := session.DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := session.NewManager(cfg)
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}

	n := &recordingNotifier{directNotifier: directNotifier{chats: svc}}
	h, err := NewHandler(log, Config{}, svc, tokens, WithNotifier(n), WithIdentityObserver(dir))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiTestEnv{srv: srv, tokens: tokens, dir: dir, notifier: n}
}

func (e *apiTestEnv) token(t *testing.T, userID, name string) string {
	t.Helper()
	tok, _, err := e.tokens.Issue(session.Identity{UserID: userID, Name: name}, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (e *apiTestEnv) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %T: %v (%s)", v, err, b)
	}
	return v
}

func errorCodeOf(t *testing.T, b []byte) string {
	t.Helper()
	return decode[errorResponse](t, b).Error.Code
}

func TestHandler_RequiresBearerToken(t *testing.T) {
	env := newAPITestEnv(t)

	for _, tok := range []string{"", "v4.public.bogus"} {
		status, body := env.do(t, http.MethodGet, "/chats", tok, nil)
		if status != http.StatusUnauthorized {
			t.Fatalf("token %q: status %d", tok, status)
		}
		if code := errorCodeOf(t, body); code != "unauthorized" {
			t.Fatalf("code: %q", code)
		}
	}

	status, _ := env.do(t, http.MethodPost, "/chats/personal", "", openPersonalRequest{PeerID: "bob"})
	if status != http.StatusUnauthorized {
		t.Fatalf("open personal without token: %d", status)
	}
}

func TestHandler_OpenPersonal(t *testing.T) {
	env := newAPITestEnv(t)
	alice := env.token(t, "alice", "Alice")
	env.dir.Put("bob", profile.DisplayInfo{Name: "Bob", Image: "https://img/bob.png"})

	status, body := env.do(t, http.MethodPost, "/chats/personal", alice, openPersonalRequest{PeerID: "bob"})
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, body)
	}
	first := decode[conversationResponse](t, body)
	if first.Kind != "personal" || first.Name != "Bob" || first.Image != "https://img/bob.png" || first.PeerID != "bob" {
		t.Fatalf("view: %+v", first)
	}

	// bob opening from his side resolves to the same conversation, named after alice.
	status, body = env.do(t, http.MethodPost, "/chats/personal", env.token(t, "bob", "Bob"), openPersonalRequest{PeerID: "alice"})
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, body)
	}
	second := decode[conversationResponse](t, body)
	if second.ID != first.ID || second.Name != "Alice" {
		t.Fatalf("reverse open: %+v", second)
	}

	cases := []struct {
		name string
		body any
	}{
		{"self", openPersonalRequest{PeerID: "alice"}},
		{"missing peer", openPersonalRequest{}},
		{"unknown field", `{"peer_id":"bob","extra":1}`},
		{"not json", `nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := env.do(t, http.MethodPost, "/chats/personal", alice, tc.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status %d", status)
			}
		})
	}
}

func TestHandler_GroupLifecycle(t *testing.T) {
	env := newAPITestEnv(t)
	alice := env.token(t, "alice", "Alice")
	bob := env.token(t, "bob", "Bob")

	status, body := env.do(t, http.MethodPost, "/chats/groups", alice, createGroupRequest{Name: "  "})
	if status != http.StatusBadRequest || errorCodeOf(t, body) != "invalid_argument" {
		t.Fatalf("missing name: %d %s", status, body)
	}

	status, body = env.do(t, http.MethodPost, "/chats/groups", alice, createGroupRequest{Name: "Ops", ParticipantIDs: []string{"bob"}})
	if status != http.StatusCreated {
		t.Fatalf("create: %d %s", status, body)
	}
	g := decode[conversationResponse](t, body)
	if g.Kind != "group" || g.Name != "Ops" || len(g.Participants) != 2 || g.CreatedBy != "alice" {
		t.Fatalf("group: %+v", g)
	}

	status, _ = env.do(t, http.MethodPost, "/chats/"+g.ID+"/participants", bob, addParticipantRequest{UserID: "carol"})
	if status != http.StatusForbidden {
		t.Fatalf("non-admin add: %d", status)
	}

	status, body = env.do(t, http.MethodPost, "/chats/"+g.ID+"/participants", alice, addParticipantRequest{UserID: "carol"})
	if status != http.StatusOK || len(decode[conversationResponse](t, body).Participants) != 3 {
		t.Fatalf("add: %d %s", status, body)
	}
	// Idempotent: no second notification.
	status, _ = env.do(t, http.MethodPost, "/chats/"+g.ID+"/participants", alice, addParticipantRequest{UserID: "carol"})
	if status != http.StatusOK {
		t.Fatalf("re-add: %d", status)
	}

	name := "Ops Team"
	status, body = env.do(t, http.MethodPatch, "/chats/"+g.ID, alice, patchConversationRequest{Name: &name})
	if status != http.StatusOK || decode[conversationResponse](t, body).Name != "Ops Team" {
		t.Fatalf("rename: %d %s", status, body)
	}

	status, body = env.do(t, http.MethodDelete, "/chats/"+g.ID+"/participants/bob", bob, nil)
	if status != http.StatusOK {
		t.Fatalf("self leave: %d %s", status, body)
	}

	status, _ = env.do(t, http.MethodPost, "/chats/nope/participants", alice, addParticipantRequest{UserID: "bob"})
	if status != http.StatusNotFound {
		t.Fatalf("unknown group: %d", status)
	}

	env.notifier.mu.Lock()
	added, removed := env.notifier.added, env.notifier.removed
	env.notifier.mu.Unlock()
	if len(added) != 1 || added[0] != g.ID+"/carol" {
		t.Fatalf("added notifications: %v", added)
	}
	if len(removed) != 1 || removed[0] != g.ID+"/bob" {
		t.Fatalf("removed notifications: %v", removed)
	}
}

func TestHandler_AddParticipantToPersonalIsBadRequest(t *testing.T) {
	env := newAPITestEnv(t)
	alice := env.token(t, "alice", "Alice")

	_, body := env.do(t, http.MethodPost, "/chats/personal", alice, openPersonalRequest{PeerID: "bob"})
	conv := decode[conversationResponse](t, body)

	status, body := env.do(t, http.MethodPost, "/chats/"+conv.ID+"/participants", alice, addParticipantRequest{UserID: "carol"})
	if status != http.StatusBadRequest || errorCodeOf(t, body) != "invalid_operation" {
		t.Fatalf("personal add: %d %s", status, body)
	}
}

func TestHandler_MessagesAndPaging(t *testing.T) {
	env := newAPITestEnv(t)
	alice := env.token(t, "alice", "Alice")
	bob := env.token(t, "bob", "Bob")
	carol := env.token(t, "carol", "Carol")

	_, body := env.do(t, http.MethodPost, "/chats/personal", alice, openPersonalRequest{PeerID: "bob"})
	conv := decode[conversationResponse](t, body)
	path := "/chats/" + conv.ID + "/messages"

	for i, text := range []string{"one", "two", "three"} {
		status, body := env.do(t, http.MethodPost, path, alice, postMessageRequest{Text: text})
		if status != http.StatusCreated {
			t.Fatalf("post %d: %d %s", i, status, body)
		}
		if m := decode[messageResponse](t, body); m.Seq != int64(i+1) {
			t.Fatalf("seq: got %d want %d", m.Seq, i+1)
		}
	}

	status, body := env.do(t, http.MethodPost, path, bob, postMessageRequest{Text: "yo", ClientMsgID: "k1"})
	if status != http.StatusCreated {
		t.Fatalf("bob post: %d %s", status, body)
	}
	first := decode[messageResponse](t, body)
	status, body = env.do(t, http.MethodPost, path, bob, postMessageRequest{Text: "yo", ClientMsgID: "k1"})
	dup := decode[messageResponse](t, body)
	if status != http.StatusOK || !dup.Duplicated || dup.ID != first.ID {
		t.Fatalf("duplicate: %d %+v", status, dup)
	}

	status, _ = env.do(t, http.MethodPost, path, carol, postMessageRequest{Text: "hi"})
	if status != http.StatusForbidden {
		t.Fatalf("outsider post: %d", status)
	}
	status, _ = env.do(t, http.MethodPost, "/chats/nope/messages", alice, postMessageRequest{Text: "hi"})
	if status != http.StatusNotFound {
		t.Fatalf("unknown conversation post: %d", status)
	}
	status, _ = env.do(t, http.MethodPost, path, alice, postMessageRequest{})
	if status != http.StatusBadRequest {
		t.Fatalf("empty message: %d", status)
	}

	status, body = env.do(t, http.MethodGet, path+"?sort=desc&limit=2", bob, nil)
	if status != http.StatusOK {
		t.Fatalf("page: %d %s", status, body)
	}
	page := decode[pageResponse](t, body)
	if page.Total != 4 || page.Limit != 2 || len(page.Messages) != 2 || page.Messages[0].Text != "yo" || page.Messages[1].Text != "three" {
		t.Fatalf("desc page: %+v", page)
	}

	status, body = env.do(t, http.MethodGet, path+"?skip=1000", bob, nil)
	page = decode[pageResponse](t, body)
	if status != http.StatusOK || len(page.Messages) != 0 || page.Total != 4 || page.Skip != 1000 {
		t.Fatalf("far page: %d %+v", status, page)
	}

	for _, q := range []string{"?sort=sideways", "?limit=ten"} {
		status, _ = env.do(t, http.MethodGet, path+q, bob, nil)
		if status != http.StatusBadRequest {
			t.Fatalf("query %s: %d", q, status)
		}
	}
	status, _ = env.do(t, http.MethodGet, path, carol, nil)
	if status != http.StatusForbidden {
		t.Fatalf("outsider page: %d", status)
	}

	status, body = env.do(t, http.MethodPatch, "/chats/"+conv.ID+"/seen", bob, nil)
	if status != http.StatusOK || decode[seenResponse](t, body).LastReadSeq != 4 {
		t.Fatalf("seen: %d %s", status, body)
	}

	env.notifier.mu.Lock()
	sent := env.notifier.sent
	env.notifier.mu.Unlock()
	if sent != 8 {
		t.Fatalf("posts routed through notifier: got %d want 8", sent)
	}
}

func TestHandler_ListOrdersByActivity(t *testing.T) {
	env := newAPITestEnv(t)
	alice := env.token(t, "alice", "Alice")

	_, body := env.do(t, http.MethodPost, "/chats/personal", alice, openPersonalRequest{PeerID: "bob"})
	withBob := decode[conversationResponse](t, body)
	_, body = env.do(t, http.MethodPost, "/chats/personal", alice, openPersonalRequest{PeerID: "carol"})
	withCarol := decode[conversationResponse](t, body)

	time.Sleep(5 * time.Millisecond)
	env.do(t, http.MethodPost, "/chats/"+withBob.ID+"/messages", env.token(t, "bob", "Bob"), postMessageRequest{Text: "ping"})

	status, body := env.do(t, http.MethodGet, "/chats", alice, nil)
	if status != http.StatusOK {
		t.Fatalf("list: %d %s", status, body)
	}
	list := decode[listResponse](t, body)
	if list.UserID != "alice" || list.Total != 2 || list.Chats[0].ID != withBob.ID || list.Chats[1].ID != withCarol.ID {
		t.Fatalf("list: %+v", list)
	}
	if list.Chats[0].LastMessage == nil || list.Chats[0].LastMessage.Text != "ping" || list.Chats[0].UnreadCount != 1 {
		t.Fatalf("summary: %+v", list.Chats[0])
	}
}

func TestHandler_DeleteConversation(t *testing.T) {
	env := newAPITestEnv(t)
	alice := env.token(t, "alice", "Alice")

	_, body := env.do(t, http.MethodPost, "/chats/personal", alice, openPersonalRequest{PeerID: "bob"})
	conv := decode[conversationResponse](t, body)

	status, _ := env.do(t, http.MethodDelete, "/chats/"+conv.ID, env.token(t, "carol", "Carol"), nil)
	if status != http.StatusForbidden {
		t.Fatalf("outsider delete: %d", status)
	}

	status, body = env.do(t, http.MethodDelete, "/chats/"+conv.ID, alice, nil)
	if status != http.StatusOK || !decode[deleteResponse](t, body).Deleted {
		t.Fatalf("delete: %d %s", status, body)
	}

	status, body = env.do(t, http.MethodDelete, "/chats/"+conv.ID, alice, nil)
	again := decode[deleteResponse](t, body)
	if status != http.StatusNotFound || again.Deleted || again.Error == nil || again.Error.Code != "not_found" {
		t.Fatalf("second delete: %d %s", status, body)
	}

	env.notifier.mu.Lock()
	deleted := env.notifier.deleted
	env.notifier.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != conv.ID {
		t.Fatalf("delete notifications: %v", deleted)
	}
}

func TestDecodeJSON_RejectsOversizedBody(t *testing.T) {
	big := `{"peer_id":"` + strings.Repeat("x", 64) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/chats/personal", strings.NewReader(big))
	w := httptest.NewRecorder()

	var req openPersonalRequest
	if err := decodeJSON(w, r, 16, &req); err == nil {
		t.Fatalf("expected size error")
	}

	r = httptest.NewRequest(http.MethodPost, "/chats/personal", strings.NewReader(`{"peer_id":"a"}{"peer_id":"b"}`))
	if err := decodeJSON(w, r, 1<<10, &req); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HUDDLE_API_MAX_BODY_BYTES", "2048")
	if got := LoadConfigFromEnv().MaxBodyBytes; got != 2048 {
		t.Fatalf("max body: %d", got)
	}
	t.Setenv("HUDDLE_API_MAX_BODY_BYTES", "-1")
	if got := LoadConfigFromEnv().MaxBodyBytes; got != defaultMaxBodyBytes {
		t.Fatalf("invalid max body fallback: %d", got)
	}
}
