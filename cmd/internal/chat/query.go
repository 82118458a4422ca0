package chat

import (
	"context"
	"log/slog"
)

const (
	// DefaultPageSize is the messages page size when the caller does not set one.
	DefaultPageSize = 50
	maxPageSize     = 200
)

// QueryService is the read side over the Store, independent of the write path.
type QueryService struct {
	log   *slog.Logger
	store Store
}

// NewQueryService constructs a QueryService.
func NewQueryService(log *slog.Logger, store Store) *QueryService {
	if log == nil {
		log = slog.Default()
	}
	return &QueryService{log: log, store: store}
}

// ListConversations returns summaries most-recently-updated first. Any filter
// other than "unread" means all.
func (q *QueryService) ListConversations(ctx context.Context, filter string) ([]ConversationSummary, error) {
	f := FilterAll
	if filter == string(FilterUnread) {
		f = FilterUnread
	}
	out, err := q.store.ListSummaries(ctx, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []ConversationSummary{}
	}
	return out, nil
}

// GetConversation returns one summary or ErrConversationNotFound.
func (q *QueryService) GetConversation(ctx context.Context, conversationKey string) (ConversationSummary, error) {
	return q.store.GetSummary(ctx, conversationKey)
}

// MessagesPage is one chronological page of a conversation transcript.
type MessagesPage struct {
	Messages []Message
	Page     int
	PageSize int
	Total    int64
	HasMore  bool
}

// GetMessages returns the page-th most recent window of messages in ascending
// chronological order: the newest page is fetched by provider-timestamp
// descending and reversed, so it reads top-to-bottom as a transcript.
// page and pageSize below 1 are clamped, never an error.
func (q *QueryService) GetMessages(ctx context.Context, conversationKey string, page, pageSize int) (MessagesPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	offset := (page - 1) * pageSize
	msgs, total, err := q.store.ListMessagesPage(ctx, conversationKey, offset, pageSize)
	if err != nil {
		return MessagesPage{}, err
	}

	// Store order is most-recent-first; reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []Message{}
	}

	return MessagesPage{
		Messages: msgs,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		HasMore:  int64(page)*int64(pageSize) < total,
	}, nil
}
