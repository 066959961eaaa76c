// Package v1 defines the Huddle Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the smoke tool, and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// MaxPayloadBytes bounds a single envelope payload.
const MaxPayloadBytes = 64 << 10

// Client -> server types (wire-stable).
const (
	// TypeJoinChat subscribes to a conversation room. Echoed back on success.
	TypeJoinChat = "join_chat"
	// TypeJoinGroup subscribes to a group room. Echoed back on success.
	TypeJoinGroup = "join_group"
	// TypeLeaveGroup unsubscribes from a group room. Echoed back on success.
	TypeLeaveGroup = "leave_group"

	TypeSendMessage      = "send_message"
	TypeSendGroupMessage = "send_group_message"

	TypeTyping = "typing"
)

// Server -> client types (wire-stable).
const (
	TypeOnlineUsers       = "online_users"
	TypeUpdateOnlineUsers = "update_online_users"

	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"

	// TypeReceiveMessage is the room fan-out of a personal conversation message.
	TypeReceiveMessage = "receive_message"
	// TypeReceivePrivateMessage notifies a participant's connections that are not joined to the room.
	TypeReceivePrivateMessage = "receive_private_message"
	// TypeReceiveGroupMessage carries group messages, both room fan-out and per-user notification.
	TypeReceiveGroupMessage = "receive_group_message"

	TypeUserTyping = "user_typing"

	TypeMessageAck = "message_ack"

	TypeConversationDeleted = "conversation_deleted"

	TypeError = "error"
)

// ClientTypes is the set of envelope types a client may send.
var ClientTypes = map[string]struct{}{
	TypeJoinChat:         {},
	TypeJoinGroup:        {},
	TypeLeaveGroup:       {},
	TypeSendMessage:      {},
	TypeSendGroupMessage: {},
	TypeTyping:           {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for a client-sent Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := ClientTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	if len(e.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	if len(e.Payload) > MaxPayloadBytes {
		return fmt.Errorf("payload too large: max=%d bytes", MaxPayloadBytes)
	}
	return nil
}
