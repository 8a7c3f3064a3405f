package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/db"
)

// Migration20260301090000CreateCoreSchema creates the canonical
// conversation store: conversations, messages, message parts, context
// items, lineage edges, compaction runs, and artifacts.
func Migration20260301090000CreateCoreSchema() db.Migration {
	return db.Migration{
		Version:     20260301090000,
		Description: "Create conversations, messages, context items, lineage edges, compaction runs, artifacts",
		Up: func(tx *sql.Tx) error {
			statements := []struct {
				name string
				ddl  string
			}{
				{"conversations", `
					CREATE TABLE IF NOT EXISTS conversations (
						conversation_id TEXT PRIMARY KEY,
						session_id TEXT NOT NULL,
						channel TEXT NOT NULL DEFAULT '',
						created_at_ms INTEGER NOT NULL,
						updated_at_ms INTEGER NOT NULL
					)
				`},
				{"messages", `
					CREATE TABLE IF NOT EXISTS messages (
						message_id TEXT PRIMARY KEY,
						conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
						ordinal INTEGER NOT NULL,
						role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant', 'tool')),
						author_id TEXT NOT NULL DEFAULT '',
						content_text TEXT NOT NULL,
						payload_json TEXT NOT NULL DEFAULT '{}',
						created_at_ms INTEGER NOT NULL,
						UNIQUE (conversation_id, ordinal)
					)
				`},
				{"message_parts", `
					CREATE TABLE IF NOT EXISTS message_parts (
						part_id TEXT PRIMARY KEY,
						message_id TEXT NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
						part_index INTEGER NOT NULL,
						kind TEXT NOT NULL,
						mime_type TEXT NOT NULL DEFAULT '',
						text_content TEXT NOT NULL DEFAULT '',
						blob_path TEXT NOT NULL DEFAULT '',
						token_count INTEGER NOT NULL DEFAULT 0,
						payload_json TEXT NOT NULL DEFAULT '{}',
						created_at_ms INTEGER NOT NULL,
						UNIQUE (message_id, part_index)
					)
				`},
				{"context_items", `
					CREATE TABLE IF NOT EXISTS context_items (
						item_id TEXT PRIMARY KEY,
						conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
						source_message_id TEXT REFERENCES messages(message_id) ON DELETE SET NULL,
						item_type TEXT NOT NULL CHECK (item_type IN ('message', 'summary', 'note', 'artifact')),
						depth INTEGER NOT NULL DEFAULT 0,
						title TEXT NOT NULL DEFAULT '',
						body TEXT NOT NULL,
						metadata_json TEXT NOT NULL DEFAULT '{}',
						tombstoned INTEGER NOT NULL DEFAULT 0 CHECK (tombstoned IN (0, 1)),
						created_at_ms INTEGER NOT NULL,
						updated_at_ms INTEGER NOT NULL
					)
				`},
				{"lineage_edges", `
					CREATE TABLE IF NOT EXISTS lineage_edges (
						parent_item_id TEXT NOT NULL REFERENCES context_items(item_id) ON DELETE CASCADE,
						child_item_id TEXT NOT NULL REFERENCES context_items(item_id) ON DELETE CASCADE,
						relation TEXT NOT NULL,
						metadata_json TEXT NOT NULL DEFAULT '{}',
						created_at_ms INTEGER NOT NULL,
						PRIMARY KEY (parent_item_id, child_item_id, relation),
						CHECK (parent_item_id <> child_item_id)
					)
				`},
				{"compaction_runs", `
					CREATE TABLE IF NOT EXISTS compaction_runs (
						run_id TEXT PRIMARY KEY,
						conversation_id TEXT NOT NULL,
						strategy TEXT NOT NULL,
						status TEXT NOT NULL,
						summary_item_id TEXT,
						input_item_count INTEGER NOT NULL DEFAULT 0,
						output_item_count INTEGER NOT NULL DEFAULT 0,
						error_text TEXT NOT NULL DEFAULT '',
						started_at_ms INTEGER NOT NULL,
						finished_at_ms INTEGER
					)
				`},
				{"artifacts", `
					CREATE TABLE IF NOT EXISTS artifacts (
						artifact_id TEXT PRIMARY KEY,
						conversation_id TEXT NOT NULL,
						message_id TEXT,
						part_id TEXT,
						path TEXT NOT NULL,
						mime_type TEXT NOT NULL DEFAULT '',
						bytes INTEGER NOT NULL DEFAULT 0,
						sha256 TEXT NOT NULL DEFAULT '',
						created_at_ms INTEGER NOT NULL
					)
				`},
			}

			for _, stmt := range statements {
				if _, err := tx.Exec(stmt.ddl); err != nil {
					return errors.Wrapf(err, "failed to create %s table", stmt.name)
				}
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			tables := []string{
				"artifacts", "compaction_runs", "lineage_edges",
				"context_items", "message_parts", "messages", "conversations",
			}
			for _, table := range tables {
				if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
					return errors.Wrapf(err, "failed to drop %s table", table)
				}
			}
			return nil
		},
	}
}
