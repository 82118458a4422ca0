package chat

import (
	"context"
	"time"
)

// SummaryFilter restricts ListSummaries.
type SummaryFilter string

const (
	FilterAll    SummaryFilter = "all"
	FilterUnread SummaryFilter = "unread"
)

// Store is the durable record storage the core depends on. Two backends exist
// with identical semantics: Postgres and an in-memory fallback; core code
// never branches on which one is active.
//
// Requirements:
//   - Message.ExternalID is unique across all messages.
//   - Exactly one summary row per conversation key (upsert semantics).
//   - Safe concurrent access for independent keys. Read-modify-write cycles
//     for one key are serialized by the Engine, not the Store.
type Store interface {
	// GetMessageByExternalID returns ErrMessageNotFound when absent.
	GetMessageByExternalID(ctx context.Context, externalID string) (Message, error)

	InsertMessage(ctx context.Context, msg Message) error

	// UpdateMessageStatus overwrites the delivery status and returns the
	// updated record, or ErrMessageNotFound.
	UpdateMessageStatus(ctx context.Context, externalID string, status Status, updatedAt time.Time) (Message, error)

	// MarkMessagesRead transitions every inbound message of the conversation
	// with status != read to read, returning how many changed.
	MarkMessagesRead(ctx context.Context, conversationKey string, updatedAt time.Time) (int64, error)

	// GetSummary returns ErrConversationNotFound when absent.
	GetSummary(ctx context.Context, conversationKey string) (ConversationSummary, error)

	UpsertSummary(ctx context.Context, summary ConversationSummary) error

	// ListSummaries returns summaries most-recently-updated first, ties broken
	// by insertion order.
	ListSummaries(ctx context.Context, filter SummaryFilter) ([]ConversationSummary, error)

	// ListMessagesPage returns one page ordered most-recent-first by provider
	// timestamp (ties by created_at), plus the total message count for the key.
	ListMessagesPage(ctx context.Context, conversationKey string, offset, limit int) ([]Message, int64, error)

	// SetPresence writes the presence cache onto the summary for the external
	// party, if one exists. Best effort: unknown parties are not an error.
	SetPresence(ctx context.Context, externalPartyID string, online bool, lastSeen time.Time) error

	Close() error
}
