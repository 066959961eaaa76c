package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"huddle/cmd/internal/chat"
	v1 "huddle/shared/contracts/realtime/v1"
)

func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeJoinChat:
		return g.onJoin(ctx, client, env, false)
	case v1.TypeJoinGroup:
		return g.onJoin(ctx, client, env, true)
	case v1.TypeLeaveGroup:
		return g.onLeave(ctx, client, env)
	case v1.TypeSendMessage:
		return g.onSend(ctx, client, env, false)
	case v1.TypeSendGroupMessage:
		return g.onSend(ctx, client, env, true)
	case v1.TypeTyping:
		return g.onTyping(client, env)
	default:
		return protoErr(codeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

func decodePayload(env v1.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return protoErr(codeBadPayload, "invalid payload: "+err.Error())
	}
	return nil
}

func conversationIDOf(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", protoErr(codeBadPayload, "missing conversation_id")
	}
	return id, nil
}

// onJoin moves the connection to Joined for one conversation. Other joined rooms are kept.
func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope, groupOnly bool) error {
	var p v1.ConversationRefPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID, err := conversationIDOf(p.ConversationID)
	if err != nil {
		return err
	}

	// Held until the room is joined, so a concurrent removal evicts this connection afterwards.
	unlock := g.hub.Lock(convID)
	defer unlock()

	sctx, cancel := g.storeCtx(ctx)
	conv, err := g.chats.CanJoin(sctx, convID, client.UserID)
	cancel()
	if err != nil {
		return err
	}
	if groupOnly && conv.Kind != chat.KindGroup {
		return protoErr(codeInvalidOperation, "not a group conversation")
	}

	// Checked before joining so a second tab does not re-announce the user.
	alreadyPresent := false
	if r := g.hub.Room(conv.ID); r != nil {
		alreadyPresent = r.HasUser(client.UserID, client.ID)
	}

	room, added := g.hub.Join(conv.ID, conv.Kind, client)

	echo := newEnvelope(env.Type, conv.ID, v1.ConversationRefPayload{ConversationID: conv.ID, Kind: string(conv.Kind)})
	if !g.enqueue(ctx, client, echo) {
		g.hub.Leave(conv.ID, client.ID)
		return protoErr(codeBackpressure, "join echo dropped")
	}

	if groupOnly && added && !alreadyPresent {
		room.Broadcast(newEnvelope(v1.TypeUserJoined, conv.ID, v1.MembershipPayload{
			ConversationID: conv.ID,
			UserID:         client.UserID,
			DisplayName:    client.DisplayName,
		}), client.ID, g.metrics)
	}
	return nil
}

func (g *WSGateway) onLeave(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ConversationRefPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID, err := conversationIDOf(p.ConversationID)
	if err != nil {
		return err
	}
	if !client.InRoom(convID) {
		return protoErr(codeNotJoined, "not joined to conversation")
	}

	g.hub.Leave(convID, client.ID)
	g.enqueue(ctx, client, newEnvelope(env.Type, convID, v1.ConversationRefPayload{ConversationID: convID}))

	if r := g.hub.Room(convID); r != nil && !r.HasUser(client.UserID, "") {
		r.Broadcast(newEnvelope(v1.TypeUserLeft, convID, v1.MembershipPayload{
			ConversationID: convID,
			UserID:         client.UserID,
			DisplayName:    client.DisplayName,
		}), "", g.metrics)
	}
	return nil
}

func (g *WSGateway) onSend(ctx context.Context, client *Client, env v1.Envelope, groupOnly bool) error {
	var p v1.SendMessagePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID, err := conversationIDOf(p.ConversationID)
	if err != nil {
		return err
	}
	if !client.InRoom(convID) {
		return protoErr(codeNotJoined, "join the conversation first")
	}
	if groupOnly {
		if r := g.hub.Room(convID); r == nil || r.Kind != chat.KindGroup {
			return protoErr(codeInvalidOperation, "not a group conversation")
		}
	}

	_, err = g.send(ctx, client, chat.AddMessageInput{
		ConversationID: convID,
		SenderID:       client.UserID,
		Text:           p.Text,
		Attachments:    attachmentsFromWire(p.Attachments),
		ReplyTo:        p.ReplyTo,
		ClientMsgID:    p.ClientMsgID,
	})
	return err
}

// onTyping relays to other users' joined connections. Nothing is persisted.
func (g *WSGateway) onTyping(client *Client, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID, err := conversationIDOf(p.ConversationID)
	if err != nil {
		return err
	}
	if !client.InRoom(convID) {
		return protoErr(codeNotJoined, "join the conversation first")
	}

	room := g.hub.Room(convID)
	if room == nil {
		return nil
	}
	out := newEnvelope(v1.TypeUserTyping, convID, v1.UserTypingPayload{
		ConversationID: convID,
		UserID:         client.UserID,
		DisplayName:    client.DisplayName,
		IsTyping:       p.IsTyping,
	})
	room.broadcastWhere(out, g.metrics, func(m *Client) bool { return m.UserID != client.UserID })
	return nil
}
