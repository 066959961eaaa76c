package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/presence"
	"huddle/cmd/internal/profile"
	v1 "huddle/shared/contracts/realtime/v1"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type wsTestEnv struct {
	gw      *WSGateway
	svc     *chat.Service
	dir     *profile.MemoryDirectory
	reg     *presence.Registry
	tokens  *session.Manager
	metrics *Metrics
	srv     *httptest.Server
}

// newWSTestEnv wires a gateway over in-memory chat storage. Gateway env knobs must be set before calling it.
func newWSTestEnv(t *testing.T, st chat.Store) *wsTestEnv {
	t.Helper()
	if st == nil {
		st = chat.NewMemoryStore()
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := profile.NewMemoryDirectory()
	svc, err := chat.NewService(log, st, dir)
	if err != nil {
		t.Fatalf("chat.NewService: %v", err)
	}
	t.Cleanup(svc.Close)

	reg := presence.NewRegistry(log, dir)
	reg.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})

	tokens := newTestTokens(t)

	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	gw, err := NewWSGateway(log, NewHub(log), svc, reg, tokens, WithMetrics(metrics), WithIdentityObserver(dir))
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	srv := startWSTestServer(t, gw)
	t.Cleanup(srv.Close)

	return &wsTestEnv{gw: gw, svc: svc, dir: dir, reg: reg, tokens: tokens, metrics: metrics, srv: srv}
}

func newTestTokens(t *testing.T) *session.Manager {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := session.NewManager(cfg)
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	return tokens
}

func (e *wsTestEnv) token(t *testing.T, userID, name string) string {
	t.Helper()
	tok, _, err := e.tokens.Issue(session.Identity{UserID: userID, Name: name}, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

// connect dials as userID and consumes the initial online_users snapshot.
func (e *wsTestEnv) connect(t *testing.T, userID, name string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, e.srv.URL, "", e.token(t, userID, name))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	_ = readUntilType(t, conn, v1.TypeOnlineUsers, 4)
	return conn
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, baseHTTPURL string, origin string, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	writeRawWS(t, conn, b)
}

func writeRawWS(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, payload),
	})
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read (waiting for %s): %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

// expectNoType reads for wait and fails if typ arrives.
// A Read deadline closes the connection, so this must be the last read on conn.
func expectNoType(t *testing.T, conn *websocket.Conn, typ string, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err == nil && env.Type == typ {
			t.Fatalf("unexpected envelope %q: %s", typ, env.Payload)
		}
	}
}

func readError(t *testing.T, conn *websocket.Conn) v1.ErrorPayload {
	t.Helper()
	env := readUntilType(t, conn, v1.TypeError, 6)
	var p v1.ErrorPayload
	decodeInto(t, env, &p)
	return p
}

func decodeInto(t *testing.T, env v1.Envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
