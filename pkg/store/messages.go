package store

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// EnsureConversation inserts the conversation row if absent and bumps
// updated_at_ms otherwise.
func (s *Store) EnsureConversation(ctx context.Context, q db.Querier, conv lcm.Conversation) error {
	query := `
		INSERT INTO conversations (conversation_id, session_id, channel, created_at_ms, updated_at_ms)
		VALUES (:conversation_id, :session_id, :channel, :created_at_ms, :updated_at_ms)
		ON CONFLICT(conversation_id) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at_ms = excluded.updated_at_ms
	`
	if _, err := sqlx.NamedExecContext(ctx, q, query, conv); err != nil {
		return errors.Wrap(db.MapError(err), "failed to ensure conversation")
	}
	return nil
}

// GetConversation loads one conversation row.
func (s *Store) GetConversation(ctx context.Context, q db.Querier, id lcm.ConversationID) (lcm.Conversation, error) {
	var conv lcm.Conversation
	err := q.GetContext(ctx, &conv,
		"SELECT * FROM conversations WHERE conversation_id = ?", id)
	if err != nil {
		return lcm.Conversation{}, errors.Wrapf(db.MapError(err), "conversation %s", id)
	}
	return conv, nil
}

// CreateMessage appends one canonical message row. Messages are
// append-only; there is no update path.
func (s *Store) CreateMessage(ctx context.Context, q db.Querier, m lcm.Message) error {
	query := `
		INSERT INTO messages (message_id, conversation_id, ordinal, role, author_id, content_text, payload_json, created_at_ms)
		VALUES (:message_id, :conversation_id, :ordinal, :role, :author_id, :content_text, :payload_json, :created_at_ms)
	`
	if _, err := sqlx.NamedExecContext(ctx, q, query, m); err != nil {
		return errors.Wrapf(db.MapError(err), "failed to create message %s", m.MessageID)
	}
	return nil
}

// CreateMessageParts inserts the parts of a message.
func (s *Store) CreateMessageParts(ctx context.Context, q db.Querier, parts []lcm.MessagePart) error {
	query := `
		INSERT INTO message_parts (part_id, message_id, part_index, kind, mime_type, text_content, blob_path, token_count, payload_json, created_at_ms)
		VALUES (:part_id, :message_id, :part_index, :kind, :mime_type, :text_content, :blob_path, :token_count, :payload_json, :created_at_ms)
	`
	for _, part := range parts {
		if _, err := sqlx.NamedExecContext(ctx, q, query, part); err != nil {
			return errors.Wrapf(db.MapError(err), "failed to create part %s", part.PartID)
		}
	}
	return nil
}

// GetMessage loads one canonical message.
func (s *Store) GetMessage(ctx context.Context, q db.Querier, id lcm.MessageID) (lcm.Message, error) {
	var m lcm.Message
	err := q.GetContext(ctx, &m, "SELECT * FROM messages WHERE message_id = ?", id)
	if err != nil {
		return lcm.Message{}, errors.Wrapf(db.MapError(err), "message %s", id)
	}
	return m, nil
}

// ListMessages returns messages in ordinal order, optionally restricted
// to an explicit id set.
func (s *Store) ListMessages(ctx context.Context, q db.Querier, query MessageQuery) ([]lcm.Message, error) {
	sql := "SELECT * FROM messages WHERE conversation_id = ?"
	args := []any{query.ConversationID}

	if len(query.MessageIDs) > 0 {
		expanded, inArgs, err := sqlx.In(" AND message_id IN (?)", query.MessageIDs)
		if err != nil {
			return nil, errors.Wrap(err, "failed to expand message id list")
		}
		sql += expanded
		args = append(args, inArgs...)
	}

	sql += " ORDER BY ordinal ASC"
	if query.Limit > 0 {
		sql += " LIMIT ?"
		args = append(args, query.Limit)
	}

	var messages []lcm.Message
	if err := q.SelectContext(ctx, &messages, sql, args...); err != nil {
		return nil, errors.Wrap(db.MapError(err), "failed to list messages")
	}
	return messages, nil
}

// ListMessagesByIDs loads canonical messages across conversations,
// ordinal-ordered within each conversation.
func (s *Store) ListMessagesByIDs(ctx context.Context, q db.Querier, ids []lcm.MessageID) ([]lcm.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sql, args, err := sqlx.In(
		"SELECT * FROM messages WHERE message_id IN (?) ORDER BY conversation_id, ordinal ASC", ids)
	if err != nil {
		return nil, errors.Wrap(err, "failed to expand message id list")
	}
	var messages []lcm.Message
	if err := q.SelectContext(ctx, &messages, sql, args...); err != nil {
		return nil, errors.Wrap(db.MapError(err), "failed to load messages")
	}
	return messages, nil
}

// NextOrdinal returns the next dense ordinal for a conversation,
// starting at 0.
func (s *Store) NextOrdinal(ctx context.Context, q db.Querier, conv lcm.ConversationID) (int, error) {
	var next int
	err := q.GetContext(ctx, &next,
		"SELECT COALESCE(MAX(ordinal) + 1, 0) FROM messages WHERE conversation_id = ?", conv)
	if err != nil {
		return 0, errors.Wrap(db.MapError(err), "failed to compute next ordinal")
	}
	return next, nil
}

// CountMessages returns the number of canonical messages in a conversation.
func (s *Store) CountMessages(ctx context.Context, q db.Querier, conv lcm.ConversationID) (int, error) {
	var n int
	err := q.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conv)
	if err != nil {
		return 0, errors.Wrap(db.MapError(err), "failed to count messages")
	}
	return n, nil
}
