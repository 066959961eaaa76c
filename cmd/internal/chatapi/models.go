package chatapi

import (
	"time"

	"huddle/cmd/internal/chat"
)

// ---- requests ----

type openPersonalRequest struct {
	PeerID string `json:"peer_id"`
}

type createGroupRequest struct {
	Name           string   `json:"name"`
	Avatar         string   `json:"avatar"`
	ParticipantIDs []string `json:"participant_ids"`
}

type attachmentBody struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type postMessageRequest struct {
	Text        string           `json:"text"`
	Attachments []attachmentBody `json:"attachments"`
	ReplyTo     string           `json:"reply_to"`
	ClientMsgID string           `json:"client_msg_id"`
}

type addParticipantRequest struct {
	UserID string `json:"user_id"`
}

type patchConversationRequest struct {
	Name   *string `json:"name"`
	Avatar *string `json:"avatar"`
}

// ---- responses ----

type lastMessageResponse struct {
	MessageID string    `json:"message_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type conversationResponse struct {
	ID           string               `json:"id"`
	Kind         string               `json:"kind"`
	Name         string               `json:"name"`
	Image        string               `json:"image,omitempty"`
	PeerID       string               `json:"peer_id,omitempty"`
	Participants []string             `json:"participants"`
	Admins       []string             `json:"admins,omitempty"`
	CreatedBy    string               `json:"created_by,omitempty"`
	LastMessage  *lastMessageResponse `json:"last_message,omitempty"`
	UnreadCount  int                  `json:"unread_count"`
	CreatedAt    time.Time            `json:"created_at"`
}

type messageResponse struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Seq            int64            `json:"seq"`
	SenderID       string           `json:"sender_id"`
	Text           string           `json:"text,omitempty"`
	Attachments    []attachmentBody `json:"attachments,omitempty"`
	ReplyTo        string           `json:"reply_to,omitempty"`
	ClientMsgID    string           `json:"client_msg_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	Duplicated     bool             `json:"duplicated,omitempty"`
}

type listResponse struct {
	UserID string                 `json:"user_id"`
	Chats  []conversationResponse `json:"chats"`
	Total  int                    `json:"total"`
}

type pageResponse struct {
	Conversation conversationResponse `json:"conversation"`
	Messages     []messageResponse    `json:"messages"`
	Total        int                  `json:"total"`
	Skip         int                  `json:"skip"`
	Limit        int                  `json:"limit"`
	Sort         string               `json:"sort"`
}

type seenResponse struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	LastReadSeq    int64  `json:"last_read_seq"`
}

type deleteResponse struct {
	Deleted bool      `json:"deleted"`
	Error   *apiError `json:"error,omitempty"`
}

func toConversationResponse(v chat.ConversationView) conversationResponse {
	out := conversationResponse{
		ID:           v.ID,
		Kind:         string(v.Kind),
		Name:         v.Name,
		Image:        v.Image,
		PeerID:       v.PeerID,
		Participants: v.Participants,
		UnreadCount:  v.UnreadCount,
		CreatedAt:    v.CreatedAt,
	}
	if out.Participants == nil {
		out.Participants = []string{}
	}
	if v.Group != nil {
		out.Admins = v.Group.Admins
		out.CreatedBy = v.Group.CreatedBy
	}
	if lm := v.LastMessage; lm != nil {
		out.LastMessage = &lastMessageResponse{
			MessageID: lm.MessageID,
			Seq:       lm.Seq,
			SenderID:  lm.SenderID,
			Text:      lm.Text,
			CreatedAt: lm.CreatedAt,
		}
	}
	return out
}

func toMessageResponse(m chat.Message) messageResponse {
	out := messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Text:           m.Text,
		ReplyTo:        m.ReplyTo,
		ClientMsgID:    m.ClientMsgID,
		CreatedAt:      m.CreatedAt,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, attachmentBody{URL: a.URL, Type: a.Type, Name: a.Name, Size: a.Size})
	}
	return out
}

func attachmentsFromBody(in []attachmentBody) []chat.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]chat.Attachment, len(in))
	for i, a := range in {
		out[i] = chat.Attachment{URL: a.URL, Type: a.Type, Name: a.Name, Size: a.Size}
	}
	return out
}
