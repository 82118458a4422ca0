// Package chat implements the conversation synchronization core: the canonical
// message/summary data model, the event normalizer for provider webhooks and
// local sends, the synchronization engine that applies events idempotently, and
// the read-side query service. Persistence lives behind the Store interface.
package chat

import "time"

// Direction says which party produced a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the delivery state of a message. The provider reports transitions
// sent -> delivered -> read; the engine applies them as received (see ApplyStatus).
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// ValidStatus reports whether s is a known delivery status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead:
		return true
	default:
		return false
	}
}

// MessageKind is the content type of a message. Only text is produced today;
// the field is kept open for provider media kinds.
type MessageKind string

const KindText MessageKind = "text"

// Message is one unit of conversation content.
//
// ExternalID is the provider-assigned identifier and the global idempotence
// key: a second event carrying the same ExternalID is a duplicate delivery and
// never creates a second record.
type Message struct {
	ExternalID      string    `json:"external_id"`
	ConversationKey string    `json:"conversation_key"`
	ExternalPartyID string    `json:"external_party_id"`
	LocalPartyID    string    `json:"local_party_id"`
	Body            string    `json:"body"`
	Kind            MessageKind `json:"kind"`
	Direction       Direction `json:"direction"`
	Status          Status    `json:"status"`

	// ProviderTimestamp is the provider-supplied epoch-seconds string, kept
	// verbatim. Providers disagree on precision, so it is never reparsed;
	// ordering uses CompareProviderTimestamps.
	ProviderTimestamp string `json:"provider_timestamp"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationSummary is the derived per-conversation rollup. Exactly one
// exists per conversation key with at least one message; it is created
// implicitly on first apply (upsert semantics).
type ConversationSummary struct {
	ConversationKey   string `json:"conversation_key"`
	ExternalPartyID   string `json:"external_party_id"`
	ExternalPartyName string `json:"external_party_name"`

	// LastMessageBody/LastMessageTimestamp mirror the message with the maximum
	// provider timestamp for this key, regardless of arrival order.
	LastMessageBody      string `json:"last_message_body"`
	LastMessageTimestamp string `json:"last_message_timestamp"`

	UnreadCount int `json:"unread_count"`

	// Presence is a best-effort cache written through by the realtime router.
	// Authoritative presence lives in the router for the life of a connection.
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageEvent is the canonical shape of an inbound provider message or a
// local send after normalization.
type MessageEvent struct {
	ExternalID        string
	ConversationKey   string
	ExternalPartyID   string
	ExternalPartyName string
	LocalPartyID      string
	Body              string
	Kind              MessageKind
	Direction         Direction
	ProviderTimestamp string
}

// StatusEvent is the canonical shape of a provider delivery/read receipt.
// ConversationKey may be empty: status payloads identify the message only by
// its external id.
type StatusEvent struct {
	ExternalID      string
	NewStatus       Status
	ConversationKey string
}

// ConversationKeyFor derives the deterministic key scoping one chat thread.
// It is never reassigned after the first message for the pair is applied.
func ConversationKeyFor(externalPartyID, localPartyID string) string {
	return externalPartyID + "_" + localPartyID
}

// CompareProviderTimestamps orders two provider timestamps without reparsing
// them. Values are non-negative digit strings without leading zeros, so a
// longer string is strictly greater and equal lengths compare byte-wise.
// An empty value sorts before any non-empty one.
func CompareProviderTimestamps(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
