package realtime

import (
	"context"

	"huddle/cmd/internal/chat"
	v1 "huddle/shared/contracts/realtime/v1"
)

// SendMessage appends a message through chat.Service and fans it out exactly like a realtime send.
// The REST API calls it so connected clients see messages posted over HTTP.
func (g *WSGateway) SendMessage(ctx context.Context, in chat.AddMessageInput) (chat.AddMessageResult, error) {
	return g.send(ctx, nil, in)
}

// send serializes append + fan-out per conversation, so joined connections observe seq order.
// origin, when set, receives the message_ack. Nothing is relayed when the append fails.
func (g *WSGateway) send(ctx context.Context, origin *Client, in chat.AddMessageInput) (chat.AddMessageResult, error) {
	// Resolved before locking: a slow directory must not stall other sends in the conversation.
	var senderName string
	if origin != nil {
		senderName = origin.DisplayName
	} else {
		senderName = g.displayName(ctx, in.SenderID)
	}

	unlock := g.hub.Lock(in.ConversationID)
	defer unlock()

	sctx, cancel := g.storeCtx(ctx)
	res, err := g.chats.AddMessage(sctx, in)
	cancel()
	if err != nil {
		return res, err
	}

	if origin != nil {
		ack := newEnvelope(v1.TypeMessageAck, res.Message.ConversationID, v1.MessageAckPayload{
			ConversationID: res.Message.ConversationID,
			ClientMsgID:    res.Message.ClientMsgID,
			MessageID:      res.Message.ID,
			Seq:            res.Message.Seq,
			CreatedAt:      res.Message.CreatedAt,
			Duplicated:     res.Duplicated,
		})
		if !g.enqueue(ctx, origin, ack) {
			g.log.Warn("ws.ack.dropped", "conn_id", origin.ID, "message_id", res.Message.ID)
		}
	}

	// A retried client_msg_id was already relayed the first time.
	if res.Duplicated {
		return res, nil
	}

	g.fanOutMessage(res, senderName)
	return res, nil
}

// displayName looks up userID under the gateway store timeout.
func (g *WSGateway) displayName(ctx context.Context, userID string) string {
	sctx, cancel := g.storeCtx(ctx)
	defer cancel()
	return g.chats.DisplayName(sctx, userID)
}

func (g *WSGateway) fanOutMessage(res chat.AddMessageResult, senderName string) {
	conv := res.Conversation
	payload := messagePayload(res.Message, conv.Kind, senderName)

	roomType, userType := v1.TypeReceiveMessage, v1.TypeReceivePrivateMessage
	if conv.Kind == chat.KindGroup {
		roomType, userType = v1.TypeReceiveGroupMessage, v1.TypeReceiveGroupMessage
	}

	room := g.hub.Room(conv.ID)
	delivered := 0
	if room != nil {
		delivered, _ = room.Broadcast(newEnvelope(roomType, conv.ID, payload), "", g.metrics)
	}
	notified := g.notifyUsers(conv.Participants, newEnvelope(userType, conv.ID, payload), room)

	g.log.Debug("ws.message.fanout",
		"conversation_id", conv.ID,
		"message_id", res.Message.ID,
		"seq", res.Message.Seq,
		"room", delivered,
		"users", notified,
	)
}

// notifyUsers delivers env on the per-user channel: every connection of userIDs not joined to room.
func (g *WSGateway) notifyUsers(userIDs []string, env v1.Envelope, room *Room) int {
	n := 0
	for _, uid := range userIDs {
		for _, connID := range g.presence.SocketsFor(uid) {
			if room != nil && room.Has(connID) {
				continue
			}
			c := g.hub.Client(connID)
			if c == nil {
				continue
			}
			ok := c.trySend(env)
			g.metrics.delivered(env.Type, ok)
			if ok {
				n++
			}
		}
	}
	return n
}

// NotifyParticipantAdded tells the room and the added user that userID joined conv.
func (g *WSGateway) NotifyParticipantAdded(ctx context.Context, conv chat.Conversation, actorID, userID string) {
	env := newEnvelope(v1.TypeUserJoined, conv.ID, v1.MembershipPayload{
		ConversationID: conv.ID,
		UserID:         userID,
		DisplayName:    g.displayName(ctx, userID),
		By:             actorID,
	})
	room := g.hub.Room(conv.ID)
	if room != nil {
		room.Broadcast(env, "", g.metrics)
	}
	g.notifyUsers([]string{userID}, env, room)
}

// NotifyParticipantRemoved evicts userID's connections from the room, then tells the room and the user.
// Eviction holds the conversation lock, so a join that passed CanJoin before the removal is evicted too.
func (g *WSGateway) NotifyParticipantRemoved(ctx context.Context, conv chat.Conversation, actorID, userID string) {
	env := newEnvelope(v1.TypeUserLeft, conv.ID, v1.MembershipPayload{
		ConversationID: conv.ID,
		UserID:         userID,
		DisplayName:    g.displayName(ctx, userID),
		By:             actorID,
	})

	unlock := g.hub.Lock(conv.ID)
	defer unlock()

	for _, connID := range g.presence.SocketsFor(userID) {
		g.hub.Leave(conv.ID, connID)
	}
	room := g.hub.Room(conv.ID)
	if room != nil {
		room.Broadcast(env, "", g.metrics)
	}
	g.notifyUsers([]string{userID}, env, room)
}

// NotifyConversationDeleted closes the room and tells every former member and online participant.
func (g *WSGateway) NotifyConversationDeleted(_ context.Context, conv chat.Conversation, actorID string) {
	env := newEnvelope(v1.TypeConversationDeleted, conv.ID, v1.ConversationDeletedPayload{
		ConversationID: conv.ID,
		By:             actorID,
	})

	unlock := g.hub.Lock(conv.ID)
	members := g.hub.CloseRoom(conv.ID)
	unlock()

	sent := make(map[string]struct{})
	for _, m := range members {
		sent[m.ID] = struct{}{}
		g.metrics.delivered(env.Type, m.trySend(env))
	}
	for _, uid := range conv.Participants {
		for _, connID := range g.presence.SocketsFor(uid) {
			if _, ok := sent[connID]; ok {
				continue
			}
			if c := g.hub.Client(connID); c != nil {
				g.metrics.delivered(env.Type, c.trySend(env))
			}
		}
	}
	g.log.Info("ws.conversation.closed", "conversation_id", conv.ID, "by", actorID)
}

// ---- wire conversion ----

func attachmentsFromWire(in []v1.Attachment) []chat.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]chat.Attachment, len(in))
	for i, a := range in {
		out[i] = chat.Attachment{URL: a.URL, Type: a.Type, Name: a.Name, Size: a.Size}
	}
	return out
}

func attachmentsToWire(in []chat.Attachment) []v1.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]v1.Attachment, len(in))
	for i, a := range in {
		out[i] = v1.Attachment{URL: a.URL, Type: a.Type, Name: a.Name, Size: a.Size}
	}
	return out
}

func messagePayload(m chat.Message, kind chat.Kind, senderName string) v1.MessagePayload {
	return v1.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Kind:           string(kind),
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		SenderName:     senderName,
		Text:           m.Text,
		Attachments:    attachmentsToWire(m.Attachments),
		ReplyTo:        m.ReplyTo,
		ClientMsgID:    m.ClientMsgID,
		CreatedAt:      m.CreatedAt,
	}
}
