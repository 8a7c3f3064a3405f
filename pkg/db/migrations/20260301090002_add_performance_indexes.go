package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/db"
)

// Migration20260301090002AddPerformanceIndexes adds indexes for the hot
// query paths: ordinal-ordered message listing, active context item
// scans, lineage traversal, and run history.
func Migration20260301090002AddPerformanceIndexes() db.Migration {
	return db.Migration{
		Version:     20260301090002,
		Description: "Add performance indexes for messages, context items, lineage edges, compaction runs",
		Up: func(tx *sql.Tx) error {
			indexes := []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_conversation_ordinal ON messages(conversation_id, ordinal)",
				"CREATE INDEX IF NOT EXISTS idx_context_items_active ON context_items(conversation_id, tombstoned, created_at_ms)",
				"CREATE INDEX IF NOT EXISTS idx_context_items_source_message ON context_items(source_message_id)",
				"CREATE INDEX IF NOT EXISTS idx_lineage_edges_child ON lineage_edges(child_item_id)",
				"CREATE INDEX IF NOT EXISTS idx_compaction_runs_conversation ON compaction_runs(conversation_id, started_at_ms)",
				"CREATE INDEX IF NOT EXISTS idx_artifacts_conversation ON artifacts(conversation_id, created_at_ms)",
			}
			for _, ddl := range indexes {
				if _, err := tx.Exec(ddl); err != nil {
					return errors.Wrap(err, "failed to create index")
				}
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			indexes := []string{
				"DROP INDEX IF EXISTS idx_messages_conversation_ordinal",
				"DROP INDEX IF EXISTS idx_context_items_active",
				"DROP INDEX IF EXISTS idx_context_items_source_message",
				"DROP INDEX IF EXISTS idx_lineage_edges_child",
				"DROP INDEX IF EXISTS idx_compaction_runs_conversation",
				"DROP INDEX IF EXISTS idx_artifacts_conversation",
			}
			for _, ddl := range indexes {
				if _, err := tx.Exec(ddl); err != nil {
					return errors.Wrap(err, "failed to drop index")
				}
			}
			return nil
		},
	}
}
