package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Notifier receives apply notifications for live fan-out. Implementations must
// not block: the engine calls them while holding the per-conversation lock.
type Notifier interface {
	MessageApplied(msg Message, summary ConversationSummary)
	StatusApplied(msg Message)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) MessageApplied(Message, ConversationSummary) {}
func (NopNotifier) StatusApplied(Message)                       {}

// Engine applies canonical events to the Store.
//
// Concurrency model: every read-modify-write cycle for one conversation key
// runs under that key's mutex, so unread counts and the summary rollup cannot
// race under concurrent inbound/outbound traffic. Different keys proceed
// independently; there is no engine-wide lock.
type Engine struct {
	log    *slog.Logger
	store  Store
	notify Notifier
	locks  *keyedMutex

	now func() time.Time
}

// NewEngine constructs an Engine. A nil notifier disables fan-out.
func NewEngine(log *slog.Logger, store Store, notify Notifier) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Engine{
		log:    log,
		store:  store,
		notify: notify,
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ApplyMessageResult is the outcome of ApplyMessage.
type ApplyMessageResult struct {
	Message   Message
	Summary   ConversationSummary
	Duplicate bool
}

// ApplyMessage persists a normalized message event and derives the updated
// conversation summary. Duplicate external ids are a successful no-op: the
// existing record is returned, nothing is written, nothing is fanned out.
func (e *Engine) ApplyMessage(ctx context.Context, ev MessageEvent) (ApplyMessageResult, error) {
	if ev.ExternalID == "" || ev.ConversationKey == "" {
		return ApplyMessageResult{}, fmt.Errorf("%w: incomplete message event", ErrInvalidRequest)
	}

	unlock := e.locks.lock(ev.ConversationKey)
	defer unlock()

	existing, err := e.store.GetMessageByExternalID(ctx, ev.ExternalID)
	if err == nil {
		e.log.Debug("engine.message.duplicate", "external_id", ev.ExternalID, "conversation_key", ev.ConversationKey)
		summary, serr := e.store.GetSummary(ctx, existing.ConversationKey)
		if serr != nil && !errors.Is(serr, ErrConversationNotFound) {
			return ApplyMessageResult{}, serr
		}
		return ApplyMessageResult{Message: existing, Summary: summary, Duplicate: true}, nil
	}
	if !errors.Is(err, ErrMessageNotFound) {
		return ApplyMessageResult{}, err
	}

	now := e.now()

	msg := Message{
		ExternalID:        ev.ExternalID,
		ConversationKey:   ev.ConversationKey,
		ExternalPartyID:   ev.ExternalPartyID,
		LocalPartyID:      ev.LocalPartyID,
		Body:              ev.Body,
		Kind:              ev.Kind,
		Direction:         ev.Direction,
		Status:            StatusSent,
		ProviderTimestamp: ev.ProviderTimestamp,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return ApplyMessageResult{}, err
	}

	summary, err := e.store.GetSummary(ctx, ev.ConversationKey)
	switch {
	case errors.Is(err, ErrConversationNotFound):
		summary = ConversationSummary{
			ConversationKey: ev.ConversationKey,
			ExternalPartyID: ev.ExternalPartyID,
			CreatedAt:       now,
		}
	case err != nil:
		return ApplyMessageResult{}, err
	}

	if ev.ExternalPartyName != "" {
		summary.ExternalPartyName = ev.ExternalPartyName
	}
	// Monotonic by provider time: a late-arriving older message never
	// overwrites the rollup.
	if CompareProviderTimestamps(ev.ProviderTimestamp, summary.LastMessageTimestamp) >= 0 {
		summary.LastMessageBody = ev.Body
		summary.LastMessageTimestamp = ev.ProviderTimestamp
	}
	if ev.Direction == DirectionInbound {
		summary.UnreadCount++
	}
	summary.UpdatedAt = now

	if err := e.store.UpsertSummary(ctx, summary); err != nil {
		return ApplyMessageResult{}, err
	}

	e.log.Info("engine.message.applied",
		"external_id", msg.ExternalID,
		"conversation_key", msg.ConversationKey,
		"direction", msg.Direction,
	)
	e.notify.MessageApplied(msg, summary)

	return ApplyMessageResult{Message: msg, Summary: summary}, nil
}

// ApplyStatus applies a delivery/read receipt to the message it references.
//
// Transitions are applied as received: the provider may deliver receipts out
// of order and a regression (read back to delivered) is accepted rather than
// enforcing forward-only ranking. Callers must not assume read implies a
// delivered receipt was seen.
func (e *Engine) ApplyStatus(ctx context.Context, ev StatusEvent) (Message, error) {
	if ev.ExternalID == "" || !ValidStatus(ev.NewStatus) {
		return Message{}, fmt.Errorf("%w: incomplete status event", ErrInvalidRequest)
	}

	msg, err := e.store.GetMessageByExternalID(ctx, ev.ExternalID)
	if err != nil {
		return Message{}, err
	}

	unlock := e.locks.lock(msg.ConversationKey)
	defer unlock()

	updated, err := e.store.UpdateMessageStatus(ctx, ev.ExternalID, ev.NewStatus, e.now())
	if err != nil {
		return Message{}, err
	}

	e.log.Info("engine.status.applied",
		"external_id", updated.ExternalID,
		"conversation_key", updated.ConversationKey,
		"status", updated.Status,
	)
	e.notify.StatusApplied(updated)

	return updated, nil
}

// MarkConversationRead zeroes the unread count and transitions every unread
// inbound message of the conversation to read. Calling it again is a no-op.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationKey string) (ConversationSummary, error) {
	if conversationKey == "" {
		return ConversationSummary{}, fmt.Errorf("%w: missing conversation key", ErrInvalidRequest)
	}

	unlock := e.locks.lock(conversationKey)
	defer unlock()

	summary, err := e.store.GetSummary(ctx, conversationKey)
	if err != nil {
		return ConversationSummary{}, err
	}

	now := e.now()
	changed, err := e.store.MarkMessagesRead(ctx, conversationKey, now)
	if err != nil {
		return ConversationSummary{}, err
	}

	if summary.UnreadCount == 0 && changed == 0 {
		return summary, nil
	}

	summary.UnreadCount = 0
	summary.UpdatedAt = now
	if err := e.store.UpsertSummary(ctx, summary); err != nil {
		return ConversationSummary{}, err
	}

	e.log.Info("engine.conversation.read", "conversation_key", conversationKey, "messages", changed)
	return summary, nil
}
