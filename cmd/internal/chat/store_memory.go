package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store backend, used when no database is
// configured. Semantics mirror the Postgres backend exactly.
type MemoryStore struct {
	mu sync.Mutex

	byExternalID map[string]*Message
	byConv       map[string][]*Message // insertion order per conversation

	summaries    map[string]*ConversationSummary
	summaryOrder []string // insertion order, for deterministic tie-breaks
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byExternalID: make(map[string]*Message),
		byConv:       make(map[string][]*Message),
		summaries:    make(map[string]*ConversationSummary),
	}
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetMessageByExternalID(ctx context.Context, externalID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byExternalID[externalID]
	if m == nil {
		return Message{}, ErrMessageNotFound
	}
	return *m, nil
}

func (s *MemoryStore) InsertMessage(ctx context.Context, msg Message) error {
	if msg.ExternalID == "" || msg.ConversationKey == "" {
		return errors.New("chat: invalid message")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byExternalID[msg.ExternalID]; ok {
		return errors.New("chat: duplicate external id")
	}

	stored := msg
	s.byExternalID[msg.ExternalID] = &stored
	s.byConv[msg.ConversationKey] = append(s.byConv[msg.ConversationKey], &stored)
	return nil
}

func (s *MemoryStore) UpdateMessageStatus(ctx context.Context, externalID string, status Status, updatedAt time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byExternalID[externalID]
	if m == nil {
		return Message{}, ErrMessageNotFound
	}
	m.Status = status
	m.UpdatedAt = updatedAt
	return *m, nil
}

func (s *MemoryStore) MarkMessagesRead(ctx context.Context, conversationKey string, updatedAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.byConv[conversationKey] {
		if m.Direction == DirectionInbound && m.Status != StatusRead {
			m.Status = StatusRead
			m.UpdatedAt = updatedAt
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetSummary(ctx context.Context, conversationKey string) (ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return ConversationSummary{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum := s.summaries[conversationKey]
	if sum == nil {
		return ConversationSummary{}, ErrConversationNotFound
	}
	return *sum, nil
}

func (s *MemoryStore) UpsertSummary(ctx context.Context, summary ConversationSummary) error {
	if summary.ConversationKey == "" {
		return errors.New("chat: invalid summary")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.summaries[summary.ConversationKey]; !ok {
		s.summaryOrder = append(s.summaryOrder, summary.ConversationKey)
	}
	stored := summary
	s.summaries[summary.ConversationKey] = &stored
	return nil
}

func (s *MemoryStore) ListSummaries(ctx context.Context, filter SummaryFilter) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]ConversationSummary, 0, len(s.summaryOrder))
	for _, key := range s.summaryOrder {
		sum := s.summaries[key]
		if sum == nil {
			continue
		}
		if filter == FilterUnread && sum.UnreadCount <= 0 {
			continue
		}
		out = append(out, *sum)
	}
	s.mu.Unlock()

	// Stable sort keeps insertion order for equal update times.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListMessagesPage(ctx context.Context, conversationKey string, offset, limit int) ([]Message, int64, error) {
	if conversationKey == "" {
		return nil, 0, errors.New("chat: missing conversation key")
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return nil, 0, errors.New("chat: invalid limit")
	}

	s.mu.Lock()
	snap := make([]Message, 0, len(s.byConv[conversationKey]))
	for _, m := range s.byConv[conversationKey] {
		snap = append(snap, *m)
	}
	s.mu.Unlock()

	total := int64(len(snap))
	if total == 0 {
		return nil, 0, nil
	}

	// Most recent first by provider timestamp, ties by created_at.
	sort.SliceStable(snap, func(i, j int) bool {
		if c := CompareProviderTimestamps(snap[i].ProviderTimestamp, snap[j].ProviderTimestamp); c != 0 {
			return c > 0
		}
		return snap[i].CreatedAt.After(snap[j].CreatedAt)
	})

	if offset >= len(snap) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(snap) {
		end = len(snap)
	}
	return snap[offset:end], total, nil
}

func (s *MemoryStore) SetPresence(ctx context.Context, externalPartyID string, online bool, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sum := range s.summaries {
		if sum.ExternalPartyID == externalPartyID {
			// UpdatedAt is left alone: presence must not reorder the
			// conversation list.
			sum.Online = online
			sum.LastSeen = lastSeen
		}
	}
	return nil
}
