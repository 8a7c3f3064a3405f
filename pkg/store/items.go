package store

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// AppendContextMessage creates the ContextItem{type=message} pointing at
// an already-inserted canonical message. The item body mirrors the
// message content so the full-text index covers raw turns.
func (s *Store) AppendContextMessage(ctx context.Context, q db.Querier, m lcm.Message, nowMs int64) (lcm.ContextItem, error) {
	msgID := m.MessageID
	item := lcm.ContextItem{
		ItemID:          lcm.ItemID(lcm.NewDeterministicID("itm", m.ConversationID, string(m.MessageID), nowMs)),
		ConversationID:  m.ConversationID,
		SourceMessageID: &msgID,
		ItemType:        lcm.ItemMessage,
		Depth:           0,
		Body:            m.ContentText,
		MetadataJSON:    "{}",
		CreatedAtMs:     nowMs,
		UpdatedAtMs:     nowMs,
	}
	if err := s.insertContextItem(ctx, q, item); err != nil {
		return lcm.ContextItem{}, err
	}
	return item, nil
}

// SummaryInput is the payload for InsertSummary.
type SummaryInput struct {
	ConversationID lcm.ConversationID
	Kind           lcm.SummaryKind
	Depth          int
	Title          string
	Body           string
	Metadata       map[string]any
	CreatedAtMs    int64
}

// InsertSummary inserts an active ContextItem{type=summary}. The summary
// kind is recorded in metadata under "kind".
func (s *Store) InsertSummary(ctx context.Context, q db.Querier, input SummaryInput) (lcm.ContextItem, error) {
	meta := map[string]any{}
	for k, v := range input.Metadata {
		meta[k] = v
	}
	meta["kind"] = string(input.Kind)

	item := lcm.ContextItem{
		ItemID:         lcm.ItemID(lcm.NewDeterministicID("sum", input.ConversationID, input.Title+input.Body[:min(len(input.Body), 64)], input.CreatedAtMs)),
		ConversationID: input.ConversationID,
		ItemType:       lcm.ItemSummary,
		Depth:          input.Depth,
		Title:          input.Title,
		Body:           input.Body,
		MetadataJSON:   lcm.MarshalJSONMap(meta),
		CreatedAtMs:    input.CreatedAtMs,
		UpdatedAtMs:    input.CreatedAtMs,
	}
	if err := s.insertContextItem(ctx, q, item); err != nil {
		return lcm.ContextItem{}, err
	}
	return item, nil
}

func (s *Store) insertContextItem(ctx context.Context, q db.Querier, item lcm.ContextItem) error {
	query := `
		INSERT INTO context_items (item_id, conversation_id, source_message_id, item_type, depth, title, body, metadata_json, tombstoned, created_at_ms, updated_at_ms)
		VALUES (:item_id, :conversation_id, :source_message_id, :item_type, :depth, :title, :body, :metadata_json, :tombstoned, :created_at_ms, :updated_at_ms)
	`
	if _, err := sqlx.NamedExecContext(ctx, q, query, item); err != nil {
		return errors.Wrapf(db.MapError(err), "failed to insert context item %s", item.ItemID)
	}
	return nil
}

// GetContextItem loads one context item, tombstoned or not.
func (s *Store) GetContextItem(ctx context.Context, q db.Querier, id lcm.ItemID) (lcm.ContextItem, error) {
	var item lcm.ContextItem
	err := q.GetContext(ctx, &item, "SELECT * FROM context_items WHERE item_id = ?", id)
	if err != nil {
		return lcm.ContextItem{}, errors.Wrapf(db.MapError(err), "context item %s", id)
	}
	return item, nil
}

// GetContextItems lists context items ordered by (created_at_ms, item_id)
// ascending, excluding tombstoned rows unless asked for.
func (s *Store) GetContextItems(ctx context.Context, q db.Querier, query ContextItemQuery) ([]lcm.ContextItem, error) {
	sql := "SELECT * FROM context_items WHERE conversation_id = ?"
	args := []any{query.ConversationID}

	if !query.IncludeTombstoned {
		sql += " AND tombstoned = 0"
	}
	if len(query.ItemTypes) > 0 {
		expanded, inArgs, err := sqlx.In(" AND item_type IN (?)", query.ItemTypes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to expand item type list")
		}
		sql += expanded
		args = append(args, inArgs...)
	}

	sql += " ORDER BY created_at_ms ASC, item_id ASC"
	if query.Limit > 0 {
		sql += " LIMIT ?"
		args = append(args, query.Limit)
	}

	var items []lcm.ContextItem
	if err := q.SelectContext(ctx, &items, sql, args...); err != nil {
		return nil, errors.Wrap(db.MapError(err), "failed to list context items")
	}
	return items, nil
}

// CountActiveMessageItems returns the number of active message-type
// context items, the figure the compaction message threshold is
// evaluated against.
func (s *Store) CountActiveMessageItems(ctx context.Context, q db.Querier, conv lcm.ConversationID) (int, error) {
	var n int
	err := q.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM context_items WHERE conversation_id = ? AND tombstoned = 0 AND item_type = 'message'", conv)
	if err != nil {
		return 0, errors.Wrap(db.MapError(err), "failed to count active message items")
	}
	return n, nil
}

// ReplaceContextRangeWithSummary atomically tombstones every active item
// in the [start..end] range (by created_at_ms, item_id order) and links
// the already-inserted summary to each replaced item. The relation is
// condenses when every replaced item is a summary, summarizes otherwise.
// Must run inside a transaction; the caller composes it with
// InsertSummary under one WithTx.
func (s *Store) ReplaceContextRangeWithSummary(ctx context.Context, q db.Querier, conv lcm.ConversationID, summaryID lcm.ItemID, startItemID, endItemID lcm.ItemID, nowMs int64) error {
	start, err := s.GetContextItem(ctx, q, startItemID)
	if err != nil {
		return err
	}
	end, err := s.GetContextItem(ctx, q, endItemID)
	if err != nil {
		return err
	}
	if start.ConversationID != conv || end.ConversationID != conv {
		return errors.Wrap(lcm.ErrInvariantViolation, "range endpoints outside conversation")
	}

	var replaced []lcm.ContextItem
	err = q.SelectContext(ctx, &replaced, `
		SELECT * FROM context_items
		WHERE conversation_id = ? AND tombstoned = 0 AND item_id <> ?
		  AND (created_at_ms > ? OR (created_at_ms = ? AND item_id >= ?))
		  AND (created_at_ms < ? OR (created_at_ms = ? AND item_id <= ?))
		ORDER BY created_at_ms ASC, item_id ASC
	`, conv, summaryID,
		start.CreatedAtMs, start.CreatedAtMs, start.ItemID,
		end.CreatedAtMs, end.CreatedAtMs, end.ItemID)
	if err != nil {
		return errors.Wrap(db.MapError(err), "failed to load replacement range")
	}
	if len(replaced) == 0 {
		return errors.Wrap(lcm.ErrInvariantViolation, "empty replacement range")
	}

	relation := lcm.RelationSummarizes
	allSummaries := true
	for _, item := range replaced {
		if item.ItemType != lcm.ItemSummary {
			allSummaries = false
			break
		}
	}
	if allSummaries {
		relation = lcm.RelationCondenses
	}

	for _, item := range replaced {
		if _, err := q.ExecContext(ctx,
			"UPDATE context_items SET tombstoned = 1, updated_at_ms = ? WHERE item_id = ?",
			nowMs, item.ItemID); err != nil {
			return errors.Wrapf(db.MapError(err), "failed to tombstone item %s", item.ItemID)
		}
		if err := s.insertLineageEdge(ctx, q, lcm.LineageEdge{
			ParentItemID: summaryID,
			ChildItemID:  item.ItemID,
			Relation:     relation,
			MetadataJSON: "{}",
			CreatedAtMs:  nowMs,
		}); err != nil {
			return err
		}
	}

	return nil
}
