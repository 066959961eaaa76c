// Package main provides a CI-friendly end-to-end smoke test for Huddle over REST and WebSocket.
//
// It validates:
//   - handshake with bearer token + subprotocol selection
//   - online_users snapshot on connect
//   - personal chat open over REST
//   - join_chat echo
//   - send_message -> message_ack
//   - receive_private_message to a peer that did not join
//   - history fetch over REST
//   - idempotent dedupe by client_msg_id
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "huddle.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

// presenceTypes may arrive at any point and are skipped while waiting for something else.
var presenceTypes = map[string]struct{}{
	v1.TypeOnlineUsers:       {},
	v1.TypeUpdateOnlineUsers: {},
}

type smokeClient struct {
	name   string
	userID string
	token  string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

type smokeConfig struct {
	baseURL string
	origin  string
	timeout time.Duration
	verbose bool
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "Server base URL (http/https)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		keyHex  = flag.String("key", os.Getenv("HUDDLE_PASETO_V4_SECRET_KEY_HEX"), "PASETO v4 secret key hex used to mint test tokens")
		issuer  = flag.String("issuer", envOr("HUDDLE_AUTH_ISSUER", "huddle-auth"), "Token issuer")
		aud     = flag.String("audience", os.Getenv("HUDDLE_AUTH_AUDIENCE"), "Token audience (optional)")
		text    = flag.String("text", "hello huddle 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*keyHex) == "" {
		fatalf("missing -key (or HUDDLE_PASETO_V4_SECRET_KEY_HEX)")
	}
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(*keyHex))
	if err != nil {
		fatalf("invalid -key: %v", err)
	}

	cfg := smokeConfig{
		baseURL: strings.TrimRight(*baseURL, "/"),
		origin:  *origin,
		timeout: *timeout,
		verbose: *verbose,
	}
	root := context.Background()

	run := time.Now().UnixNano()
	alice := fmt.Sprintf("smoke-a-%d", run)
	bob := fmt.Sprintf("smoke-b-%d", run)

	a := mustConnect(root, cfg, "A", alice, mintToken(secret, *issuer, *aud, alice, "Smoke A"))
	defer closeWS(a.conn)

	b := mustConnect(root, cfg, "B", bob, mintToken(secret, *issuer, *aud, bob, "Smoke B"))
	defer closeWS(b.conn)

	if cfg.verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, cfg.origin)
	}

	convID := mustOpenPersonal(root, cfg, a, b.userID)
	if cfg.verbose {
		fmt.Printf("opened personal conversation %s\n", convID)
	}

	mustJoin(root, cfg, a, convID)

	clientMsgID := fmt.Sprintf("cmsg-%d", run)

	msgID, seq, dup := mustSendAndAssertAck(root, cfg, a, convID, clientMsgID, *text)
	if dup {
		fatalf("first send reported duplicated")
	}

	mustAssertPrivate(root, cfg, b, convID, clientMsgID, msgID, seq, a.userID, *text)

	mustHistoryContains(root, cfg, b, convID, msgID, seq, *text)

	msgID2, seq2, dup2 := mustSendAndAssertAck(root, cfg, a, convID, clientMsgID, *text)
	if !dup2 || seq2 != seq || msgID2 != msgID {
		fatalf("dedupe: first=(%s,%d) second=(%s,%d,dup=%v)", msgID, seq, msgID2, seq2, dup2)
	}

	mustAssertNoType(root, b, v1.TypeReceivePrivateMessage, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s conversation_id=%s seq=%d message_id=%s\n", a.userID, b.userID, convID, seq, msgID)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func mintToken(secret paseto.V4AsymmetricSecretKey, issuer, audience, userID, name string) string {
	now := time.Now().UTC()
	tok := paseto.NewToken()
	tok.SetIssuer(issuer)
	if audience != "" {
		tok.SetAudience(audience)
	}
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(10 * time.Minute))
	_ = tok.Set("uid", userID)
	_ = tok.Set("name", name)
	return tok.V4Sign(secret, nil)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
}

func mustConnect(parent context.Context, cfg smokeConfig, name, userID, token string) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, cfg.timeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(cfg.origin) != "" {
		h.Set("Origin", cfg.origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL(cfg.baseURL), &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		token:  token,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	snap := c.mustReadUntilType(parent, v1.TypeOnlineUsers, cfg.timeout, nil)

	var p v1.OnlineUsersPayload
	if err := json.Unmarshal(snap.Payload, &p); err != nil {
		fatalf("unmarshal online_users payload (%s): %v", name, err)
	}
	found := false
	for _, u := range p.Users {
		if u.UserID == userID {
			found = true
			break
		}
	}
	if !found {
		fatalf("online_users snapshot missing self (%s)", name)
	}

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if env.V != v1.Version || strings.TrimSpace(env.Type) == "" {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: v=%q type=%q", env.V, env.Type):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustOpenPersonal(parent context.Context, cfg smokeConfig, c *smokeClient, peerID string) string {
	var out struct {
		ID     string `json:"id"`
		Kind   string `json:"kind"`
		PeerID string `json:"peer_id"`
	}
	mustREST(parent, cfg, c, http.MethodPost, "/chats/personal", map[string]string{"peer_id": peerID}, http.StatusOK, &out)
	if strings.TrimSpace(out.ID) == "" {
		fatalf("open personal: missing id")
	}
	if out.Kind != "personal" || out.PeerID != peerID {
		fatalf("open personal: kind=%q peer_id=%q", out.Kind, out.PeerID)
	}
	return out.ID
}

func mustJoin(parent context.Context, cfg smokeConfig, c *smokeClient, convID string) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoinChat,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ConversationRefPayload{ConversationID: convID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, cfg.timeout)

	echo := c.mustReadUntilType(parent, v1.TypeJoinChat, cfg.timeout, presenceTypes)

	var p v1.ConversationRefPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join echo conversation_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if strings.TrimSpace(p.Kind) == "" {
		fatalf("join echo missing kind (%s)", c.name)
	}
}

func mustSendAndAssertAck(parent context.Context, cfg smokeConfig, c *smokeClient, convID, clientMsgID, text string) (msgID string, seq int64, duplicated bool) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSendMessage,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{
			ConversationID: convID,
			ClientMsgID:    clientMsgID,
			Text:           text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, cfg.timeout)

	skip := map[string]struct{}{v1.TypeReceiveMessage: {}}
	for k := range presenceTypes {
		skip[k] = struct{}{}
	}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, cfg.timeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conversation_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	return p.MessageID, p.Seq, p.Duplicated
}

func mustAssertPrivate(parent context.Context, cfg smokeConfig, c *smokeClient, convID, clientMsgID, msgID string, seq int64, senderID, text string) {
	env := c.mustReadUntilType(parent, v1.TypeReceivePrivateMessage, cfg.timeout, presenceTypes)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receive_private_message payload (%s): %v", c.name, err)
	}

	if p.ConversationID != convID {
		fatalf("private conversation_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("private client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if p.ID != msgID {
		fatalf("private id mismatch (%s): got=%q want=%q", c.name, p.ID, msgID)
	}
	if p.Seq != seq {
		fatalf("private seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.SenderID != senderID {
		fatalf("private sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Text != text {
		fatalf("private text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if p.CreatedAt.IsZero() {
		fatalf("private created_at missing/zero (%s)", c.name)
	}
}

func mustHistoryContains(parent context.Context, cfg smokeConfig, c *smokeClient, convID, msgID string, seq int64, text string) {
	var page struct {
		Messages []struct {
			ID   string `json:"id"`
			Seq  int64  `json:"seq"`
			Text string `json:"text"`
		} `json:"messages"`
		Total int `json:"total"`
	}
	mustREST(parent, cfg, c, http.MethodGet, "/chats/"+url.PathEscape(convID)+"/messages?limit=50&sort=asc", nil, http.StatusOK, &page)

	for _, m := range page.Messages {
		if m.ID == msgID && m.Seq == seq && m.Text == text {
			return
		}
	}
	fatalf("history missing expected message (%s): total=%d", c.name, page.Total)
}

func mustREST(parent context.Context, cfg smokeConfig, c *smokeClient, method, path string, body any, wantStatus int, out any) {
	ctx, cancel := context.WithTimeout(parent, cfg.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(mustJSON(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.baseURL+path, rd)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s (%s): %v", method, path, c.name, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != wantStatus {
		fatalf("%s %s (%s): status=%d want=%d body=%s", method, path, c.name, resp.StatusCode, wantStatus, strings.TrimSpace(string(raw)))
	}
	if cfg.verbose {
		fmt.Printf("%s %s -> %d\n", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s (%s): decode: %v", method, path, c.name, err)
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q ref=%q", c.name, ep.Code, ep.Message, ep.Ref)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
