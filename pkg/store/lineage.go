package store

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

func (s *Store) insertLineageEdge(ctx context.Context, q db.Querier, edge lcm.LineageEdge) error {
	query := `
		INSERT INTO lineage_edges (parent_item_id, child_item_id, relation, metadata_json, created_at_ms)
		VALUES (:parent_item_id, :child_item_id, :relation, :metadata_json, :created_at_ms)
		ON CONFLICT(parent_item_id, child_item_id, relation) DO NOTHING
	`
	if _, err := sqlx.NamedExecContext(ctx, q, query, edge); err != nil {
		return errors.Wrapf(db.MapError(err), "failed to insert lineage edge %s -> %s", edge.ParentItemID, edge.ChildItemID)
	}
	return nil
}

// LinkSummaryToMessages adds summarizes edges from the summary item to
// the context items backing the given canonical messages.
func (s *Store) LinkSummaryToMessages(ctx context.Context, q db.Querier, summaryID lcm.ItemID, messageIDs []lcm.MessageID, nowMs int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	sql, args, err := sqlx.In(
		"SELECT * FROM context_items WHERE source_message_id IN (?) AND item_type = 'message'", messageIDs)
	if err != nil {
		return errors.Wrap(err, "failed to expand message id list")
	}
	var items []lcm.ContextItem
	if err := q.SelectContext(ctx, &items, sql, args...); err != nil {
		return errors.Wrap(db.MapError(err), "failed to resolve message items")
	}

	for _, item := range items {
		if err := s.insertLineageEdge(ctx, q, lcm.LineageEdge{
			ParentItemID: summaryID,
			ChildItemID:  item.ItemID,
			Relation:     lcm.RelationSummarizes,
			MetadataJSON: "{}",
			CreatedAtMs:  nowMs,
		}); err != nil {
			return err
		}
	}
	return nil
}

// LinkSummaryToParents adds condenses edges from a condensed summary to
// the leaf summaries it merged.
func (s *Store) LinkSummaryToParents(ctx context.Context, q db.Querier, summaryID lcm.ItemID, parentSummaryIDs []lcm.ItemID, nowMs int64) error {
	for _, parent := range parentSummaryIDs {
		if err := s.insertLineageEdge(ctx, q, lcm.LineageEdge{
			ParentItemID: summaryID,
			ChildItemID:  parent,
			Relation:     lcm.RelationCondenses,
			MetadataJSON: "{}",
			CreatedAtMs:  nowMs,
		}); err != nil {
			return err
		}
	}
	return nil
}

// GetChildEdges returns outgoing edges (items this item summarizes or
// condenses).
func (s *Store) GetChildEdges(ctx context.Context, q db.Querier, parent lcm.ItemID) ([]lcm.LineageEdge, error) {
	var edges []lcm.LineageEdge
	err := q.SelectContext(ctx, &edges,
		"SELECT * FROM lineage_edges WHERE parent_item_id = ? ORDER BY created_at_ms ASC, child_item_id ASC", parent)
	if err != nil {
		return nil, errors.Wrap(db.MapError(err), "failed to load child edges")
	}
	return edges, nil
}

// GetParentEdges returns incoming edges (summaries that replaced this
// item).
func (s *Store) GetParentEdges(ctx context.Context, q db.Querier, child lcm.ItemID) ([]lcm.LineageEdge, error) {
	var edges []lcm.LineageEdge
	err := q.SelectContext(ctx, &edges,
		"SELECT * FROM lineage_edges WHERE child_item_id = ? ORDER BY created_at_ms ASC, parent_item_id ASC", child)
	if err != nil {
		return nil, errors.Wrap(db.MapError(err), "failed to load parent edges")
	}
	return edges, nil
}

// GetSummaryMessages returns the canonical messages reachable from a
// summary through any-length summarizes/condenses chains, in ordinal
// order. Tombstoned descendants still contribute; their source pointer
// survives tombstoning.
func (s *Store) GetSummaryMessages(ctx context.Context, q db.Querier, summaryID lcm.ItemID, limit int) ([]lcm.Message, error) {
	sql := `
		WITH RECURSIVE descendants(item_id) AS (
			SELECT child_item_id FROM lineage_edges
			WHERE parent_item_id = ? AND relation IN ('summarizes', 'condenses')
			UNION
			SELECT e.child_item_id FROM lineage_edges e
			JOIN descendants d ON e.parent_item_id = d.item_id
			WHERE e.relation IN ('summarizes', 'condenses')
		)
		SELECT m.* FROM messages m
		JOIN context_items ci ON ci.source_message_id = m.message_id
		JOIN descendants d ON d.item_id = ci.item_id
		ORDER BY m.ordinal ASC
	`
	args := []any{summaryID}
	if limit > 0 {
		sql += " LIMIT ?"
		args = append(args, limit)
	}

	var messages []lcm.Message
	if err := q.SelectContext(ctx, &messages, sql, args...); err != nil {
		return nil, errors.Wrap(db.MapError(err), "failed to resolve summary messages")
	}
	return messages, nil
}
