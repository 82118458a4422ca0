// Package v1 defines the chatsync live-channel protocol.
//
// This package is intentionally stable and dependency-light. It is shared
// between server and clients to keep the wire protocol authoritative.
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

// Type constants (wire-stable).
const (
	// TypeAuthenticate presents a credential (client -> server).
	TypeAuthenticate = "authenticate"
	// TypeAuthenticated confirms the credential (server -> client).
	TypeAuthenticated = "authenticated"
	// TypeAuthError rejects the credential; the connection stays open (server -> client).
	TypeAuthError = "auth-error"

	// TypeJoinConversation joins a conversation room (client -> server).
	TypeJoinConversation = "join-conversation"
	// TypeLeaveConversation leaves a conversation room (client -> server).
	TypeLeaveConversation = "leave-conversation"

	// TypeSendMessage sends an outbound message through the engine (client -> server).
	TypeSendMessage = "send-message"

	// TypeTypingStart / TypeTypingStop relay typing indicators (client -> server).
	TypeTypingStart = "typing-start"
	TypeTypingStop  = "typing-stop"

	// TypeNewMessage is pushed to the conversation room on apply (server -> room).
	TypeNewMessage = "new-message"
	// TypeMessageReceived is pushed to the recipient identity room (server -> room).
	TypeMessageReceived = "message-received"
	// TypeMessageStatus is pushed to the conversation room on a status apply (server -> room).
	TypeMessageStatus = "message-status"

	// TypeUserTyping relays a typing indicator (server -> room, sender excluded).
	TypeUserTyping = "user-typing"
	// TypeUserOnline / TypeUserOffline broadcast presence changes (server -> all others).
	TypeUserOnline  = "user-online"
	TypeUserOffline = "user-offline"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
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

	switch e.Type {
	case TypeAuthenticate,
		TypeAuthenticated,
		TypeAuthError,
		TypeJoinConversation,
		TypeLeaveConversation,
		TypeSendMessage,
		TypeTypingStart,
		TypeTypingStop,
		TypeNewMessage,
		TypeMessageReceived,
		TypeMessageStatus,
		TypeUserTyping,
		TypeUserOnline,
		TypeUserOffline,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// AuthenticatePayload carries the opaque credential.
type AuthenticatePayload struct {
	Credential string `json:"credential"`
}

// AuthenticatedPayload confirms authentication and echoes the session binding.
type AuthenticatedPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	PartyID   string `json:"party_id"`
}

// JoinConversationPayload names the conversation to join or leave.
type JoinConversationPayload struct {
	ConversationKey string `json:"conversation_key"`
}

// SendMessagePayload is a local send over the live channel.
type SendMessagePayload struct {
	ConversationExternalID string `json:"conversation_external_id"`
	Body                   string `json:"body"`
	DisplayName            string `json:"display_name,omitempty"`
}

// TypingPayload names the conversation a typing indicator applies to.
type TypingPayload struct {
	ConversationKey string `json:"conversation_key"`
}

// MessagePayload is the wire form of an applied message.
type MessagePayload struct {
	ExternalID        string    `json:"external_id"`
	ConversationKey   string    `json:"conversation_key"`
	ExternalPartyID   string    `json:"external_party_id"`
	LocalPartyID      string    `json:"local_party_id"`
	Body              string    `json:"body"`
	Kind              string    `json:"kind"`
	Direction         string    `json:"direction"`
	Status            string    `json:"status"`
	ProviderTimestamp string    `json:"provider_timestamp"`
	CreatedAt         time.Time `json:"created_at"`
}

// SummaryPayload is the wire form of the derived conversation rollup.
type SummaryPayload struct {
	ConversationKey      string    `json:"conversation_key"`
	ExternalPartyID      string    `json:"external_party_id"`
	ExternalPartyName    string    `json:"external_party_name"`
	LastMessageBody      string    `json:"last_message_body"`
	LastMessageTimestamp string    `json:"last_message_timestamp"`
	UnreadCount          int       `json:"unread_count"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// NewMessagePayload accompanies TypeNewMessage and TypeMessageReceived.
type NewMessagePayload struct {
	Message MessagePayload `json:"message"`
	Summary SummaryPayload `json:"summary"`
}

// MessageStatusPayload accompanies TypeMessageStatus.
type MessageStatusPayload struct {
	ExternalID      string `json:"external_id"`
	ConversationKey string `json:"conversation_key"`
	Status          string `json:"status"`
}

// UserTypingPayload accompanies TypeUserTyping.
type UserTypingPayload struct {
	PartyID         string `json:"party_id"`
	ConversationKey string `json:"conversation_key"`
	IsTyping        bool   `json:"is_typing"`
}

// PresencePayload accompanies TypeUserOnline and TypeUserOffline.
type PresencePayload struct {
	UserID   string    `json:"user_id"`
	PartyID  string    `json:"party_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
