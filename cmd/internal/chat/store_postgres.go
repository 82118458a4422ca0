package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable Store backend.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Tables (schema "chatsync" by default): messages keyed by external_id,
// conversations keyed by conversation_key. Provider timestamps are stored as
// text and ordered by (length, value), matching CompareProviderTimestamps.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chatsync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chatsync",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `external_id, conversation_key, external_party_id, local_party_id,
	body, kind, direction, status, provider_ts, created_at, updated_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ExternalID,
		&m.ConversationKey,
		&m.ExternalPartyID,
		&m.LocalPartyID,
		&m.Body,
		&m.Kind,
		&m.Direction,
		&m.Status,
		&m.ProviderTimestamp,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	return m, err
}

func (s *PostgresStore) GetMessageByExternalID(ctx context.Context, externalID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE external_id = $1`,
		externalID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) error {
	if msg.ExternalID == "" || msg.ConversationKey == "" {
		return errors.New("chat: invalid message")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ExternalID, msg.ConversationKey, msg.ExternalPartyID, msg.LocalPartyID,
		msg.Body, msg.Kind, msg.Direction, msg.Status, msg.ProviderTimestamp,
		msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, externalID string, status Status, updatedAt time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET status = $2, updated_at = $3
		  WHERE external_id = $1
		RETURNING `+messageColumns,
		externalID, status, updatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) MarkMessagesRead(ctx context.Context, conversationKey string, updatedAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET status = $2, updated_at = $3
		  WHERE conversation_key = $1 AND direction = $4 AND status <> $2`,
		conversationKey, StatusRead, updatedAt, DirectionInbound,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const summaryColumns = `conversation_key, external_party_id, external_party_name,
	last_message_body, last_message_ts, unread_count, online, last_seen, created_at, updated_at`

func scanSummary(row pgx.Row) (ConversationSummary, error) {
	var c ConversationSummary
	err := row.Scan(
		&c.ConversationKey,
		&c.ExternalPartyID,
		&c.ExternalPartyName,
		&c.LastMessageBody,
		&c.LastMessageTimestamp,
		&c.UnreadCount,
		&c.Online,
		&c.LastSeen,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func (s *PostgresStore) GetSummary(ctx context.Context, conversationKey string) (ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return ConversationSummary{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	c, err := scanSummary(s.pool.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM `+conversations+` WHERE conversation_key = $1`,
		conversationKey,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return ConversationSummary{}, ErrConversationNotFound
	}
	if err != nil {
		return ConversationSummary{}, err
	}
	return c, nil
}

func (s *PostgresStore) UpsertSummary(ctx context.Context, summary ConversationSummary) error {
	if summary.ConversationKey == "" {
		return errors.New("chat: invalid summary")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (`+summaryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (conversation_key) DO UPDATE SET
		     external_party_name = EXCLUDED.external_party_name,
		     last_message_body   = EXCLUDED.last_message_body,
		     last_message_ts     = EXCLUDED.last_message_ts,
		     unread_count        = EXCLUDED.unread_count,
		     online              = EXCLUDED.online,
		     last_seen           = EXCLUDED.last_seen,
		     updated_at          = EXCLUDED.updated_at`,
		summary.ConversationKey, summary.ExternalPartyID, summary.ExternalPartyName,
		summary.LastMessageBody, summary.LastMessageTimestamp, summary.UnreadCount,
		summary.Online, summary.LastSeen, summary.CreatedAt, summary.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSummaries(ctx context.Context, filter SummaryFilter) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")

	q := `SELECT ` + summaryColumns + ` FROM ` + conversations
	if filter == FilterUnread {
		q += ` WHERE unread_count > 0`
	}
	// created_at ASC approximates insertion order for equal update times.
	q += ` ORDER BY updated_at DESC, created_at ASC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		c, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListMessagesPage(ctx context.Context, conversationKey string, offset, limit int) ([]Message, int64, error) {
	if conversationKey == "" {
		return nil, 0, errors.New("chat: missing conversation key")
	}
	if limit <= 0 {
		return nil, 0, errors.New("chat: invalid limit")
	}
	if offset < 0 {
		offset = 0
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	messages := pgIdent(s.schema, "messages")

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+messages+` WHERE conversation_key = $1`,
		conversationKey,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	// length+value ordering on the text column matches CompareProviderTimestamps.
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE conversation_key = $1
		  ORDER BY length(provider_ts) DESC, provider_ts DESC, created_at DESC
		  OFFSET $2 LIMIT $3`,
		conversationKey, offset, limit,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

func (s *PostgresStore) SetPresence(ctx context.Context, externalPartyID string, online bool, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")

	// updated_at is left alone: presence must not reorder the conversation list.
	_, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+`
		    SET online = $2, last_seen = $3
		  WHERE external_party_id = $1`,
		externalPartyID, online, lastSeen,
	)
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
