package v1

import "time"

// ---- Client payloads ----

// ConversationRefPayload is used by join_chat, join_group and leave_group (and their echoes).
type ConversationRefPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind,omitempty"`
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// SendMessagePayload requests appending a message to a conversation.
// ClientMsgID is optional; when set, retries are deduplicated.
type SendMessagePayload struct {
	ConversationID string       `json:"conversation_id"`
	Text           string       `json:"text,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	ClientMsgID    string       `json:"client_msg_id,omitempty"`
}

// TypingPayload is a transient typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ---- Server payloads ----

// OnlineUser is one entry of the presence snapshot.
type OnlineUser struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Connections int       `json:"connections"`
	OnlineSince time.Time `json:"online_since"`
}

// OnlineUsersPayload is the presence snapshot sent to a new connection.
type OnlineUsersPayload struct {
	Users []OnlineUser `json:"users"`
}

// UpdateOnlineUsersPayload announces a presence transition plus the new snapshot.
type UpdateOnlineUsersPayload struct {
	UserID string       `json:"user_id"`
	Status string       `json:"status"`
	Users  []OnlineUser `json:"users"`
}

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// MembershipPayload is carried by user_joined and user_left.
type MembershipPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name,omitempty"`
	// By is the acting user for membership changes made through the API.
	By string `json:"by,omitempty"`
}

// MessagePayload is a persisted message as delivered to clients.
type MessagePayload struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Kind           string       `json:"kind"`
	Seq            int64        `json:"seq"`
	SenderID       string       `json:"sender_id"`
	SenderName     string       `json:"sender_name,omitempty"`
	Text           string       `json:"text,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	ClientMsgID    string       `json:"client_msg_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
type MessageAckPayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	MessageID      string    `json:"message_id"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
	Duplicated     bool      `json:"duplicated,omitempty"`
}

// UserTypingPayload relays a typing indicator to other room members.
type UserTypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

// ConversationDeletedPayload tells room members the conversation no longer exists.
type ConversationDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	By             string `json:"by,omitempty"`
}

// ErrorPayload is a generic error response payload.
// Ref echoes the envelope id that caused the error when known.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}
