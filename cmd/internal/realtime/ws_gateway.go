package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/presence"
	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "huddle.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// IdentityObserver learns display names carried by verified tokens.
type IdentityObserver interface {
	Observe(userID, name string)
}

// GatewayOption customizes a WSGateway.
type GatewayOption func(*WSGateway)

// WithMetrics records gateway activity on m.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// WithIdentityObserver forwards token display names to o on every handshake.
func WithIdentityObserver(o IdentityObserver) GatewayOption {
	return func(g *WSGateway) { g.observer = o }
}

// WSGateway is the WebSocket entrypoint for Huddle realtime.
//
// It enforces origin policy, token authentication, subprotocol selection,
// rate limits, and heartbeats, and routes validated envelopes to chat.Service.
// Delivery goes to joined rooms and, for connections not joined to a room,
// to each participant's connections listed by the presence registry.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	chats    *chat.Service
	presence *presence.Registry
	verifier session.Verifier
	metrics  *Metrics
	observer IdentityObserver

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	storeTimeout    time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults read from HUDDLE_WS_* variables.
// A nil hub gets a fresh one; chats, reg and verifier are required.
func NewWSGateway(
	log *slog.Logger,
	hub *Hub,
	chats *chat.Service,
	reg *presence.Registry,
	verifier session.Verifier,
	opts ...GatewayOption,
) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if chats == nil || reg == nil || verifier == nil {
		return nil, errors.New("realtime: chat service, presence registry and verifier are required")
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, chats: chats, presence: reg, verifier: verifier}

	// NOTE: InsecureSkipVerify is a dev-only knob. It is not an origin policy.
	g.devInsecure = envBoolWS("HUDDLE_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("HUDDLE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("HUDDLE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("HUDDLE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("HUDDLE_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.storeTimeout = envDurationWS("HUDDLE_WS_STORE_TIMEOUT", storeTimeout)

	g.sendQueueSize = envIntWS("HUDDLE_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("HUDDLE_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("HUDDLE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("HUDDLE_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("HUDDLE_WS_RATE_WINDOW", rateLimitWindow)

	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Hub exposes the room registry.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades an HTTP request, then runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Unauthenticated -> Authenticated happens before the upgrade: a bad token never sees a socket.
	ident, err := g.verifier.Verify(r.Context(), session.HandshakeToken(r))
	if err != nil {
		g.metrics.authFailed()
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := g.connect(ctx, ident)
	log := g.log.With("conn_id", client.ID, "user_id", client.UserID)
	defer g.disconnect(client)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.enqueue(ctx, client, newEnvelope(v1.TypeOnlineUsers, "", v1.OnlineUsersPayload{Users: g.onlineUsers()}))

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "", protoErr(codeBadJSON, "invalid JSON"))
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			// Written directly: queued events are abandoned once the connection closes.
			errEnv := g.errorEnvelope(client, env.ID, protoErr(codeRateLimited, "too many events"))
			werr := writeEnvelope(ctx, conn, errEnv, g.writeTimeout)
			if werr != nil {
				log.Info("ws.write.fail", "type", errEnv.Type, "err", werr)
			}
			g.metrics.delivered(errEnv.Type, werr == nil)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, env.ID, protoErr(codeBadEnvelope, err.Error()))
			continue readLoop
		}

		g.metrics.event(env.Type)
		if err := g.dispatch(ctx, client, env); err != nil {
			g.trySendError(ctx, client, env.ID, err)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// connect registers the authenticated connection and announces the user when they came online.
func (g *WSGateway) connect(ctx context.Context, ident session.Identity) *Client {
	if g.observer != nil && strings.TrimSpace(ident.Name) != "" {
		g.observer.Observe(ident.UserID, ident.Name)
	}

	sctx, cancel := g.storeCtx(ctx)
	info := g.chats.DisplayInfo(sctx, ident.UserID)
	cancel()
	if info.Name == chat.FallbackUserName && strings.TrimSpace(ident.Name) != "" {
		info.Name = strings.TrimSpace(ident.Name)
	}

	client := NewClient(NewConnID(time.Now().UTC()), ident.UserID, info.Name, g.sendQueueSize)
	g.hub.Register(client)

	tr := g.presence.OnConnect(client.ID, client.UserID, info)
	g.metrics.connOpened()
	g.metrics.setOnline(g.presence.OnlineCount())
	g.log.Info("ws.connect", "conn_id", client.ID, "user_id", client.UserID, "connections", tr.Connections)

	if tr.Online {
		g.broadcastPresence(client.UserID, v1.StatusOnline, client.ID)
	}
	return client
}

// disconnect leaves every room, releases the presence reference and announces the user when they went offline.
func (g *WSGateway) disconnect(client *Client) {
	client.Close()
	g.hub.Unregister(client.ID)

	tr := g.presence.OnDisconnect(client.ID)
	g.metrics.connClosed()
	g.metrics.setOnline(g.presence.OnlineCount())
	g.log.Info("ws.disconnect", "conn_id", client.ID, "user_id", client.UserID, "connections", tr.Connections)

	if tr.Offline {
		g.broadcastPresence(client.UserID, v1.StatusOffline, "")
	}
}

func (g *WSGateway) onlineUsers() []v1.OnlineUser {
	list := g.presence.ListOnline()
	out := make([]v1.OnlineUser, 0, len(list))
	for _, u := range list {
		out = append(out, v1.OnlineUser{
			UserID:      u.UserID,
			DisplayName: u.DisplayName,
			Connections: u.Connections,
			OnlineSince: u.OnlineSince,
		})
	}
	return out
}

func (g *WSGateway) broadcastPresence(userID, status, exceptConnID string) {
	env := newEnvelope(v1.TypeUpdateOnlineUsers, "", v1.UpdateOnlineUsersPayload{
		UserID: userID,
		Status: status,
		Users:  g.onlineUsers(),
	})
	g.hub.BroadcastAll(env, exceptConnID, g.metrics)
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, ref string, err error) {
	_ = g.enqueue(ctx, client, g.errorEnvelope(client, ref, err))
}

// errorEnvelope logs and counts err, then builds the error event for client.
func (g *WSGateway) errorEnvelope(client *Client, ref string, err error) v1.Envelope {
	code, msg := errorCode(err)
	g.metrics.errorSent(code)

	if code == codeInternal {
		g.log.Warn("ws.event.fail", "conn_id", client.ID, "user_id", client.UserID, "code", code, "err", err)
	} else {
		g.log.Debug("ws.event.reject", "conn_id", client.ID, "code", code, "err", err)
	}

	return newEnvelope(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg, Ref: ref})
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	ok := client.trySend(env)
	g.metrics.delivered(env.Type, ok)
	return ok
}

// storeCtx bounds a chat.Service call made for a connection.
func (g *WSGateway) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.storeTimeout)
}

// ---- envelope IO ----

func newEnvelope(typ, convID string, payload any) v1.Envelope {
	now := time.Now().UTC()
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte("{}")
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		ConvID:  convID,
		TS:      now,
		Payload: b,
	}
}

var errBadJSON = errors.New("invalid JSON")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, unique hosts of the allowlist.
// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
