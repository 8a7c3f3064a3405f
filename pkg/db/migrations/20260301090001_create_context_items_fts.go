package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/db"
)

// Migration20260301090001CreateContextItemsFTS creates the FTS5 index
// over context item titles and bodies, with triggers that keep the
// index in sync and exclude tombstoned rows.
func Migration20260301090001CreateContextItemsFTS() db.Migration {
	return db.Migration{
		Version:     20260301090001,
		Description: "Create context_items_fts full-text index and sync triggers",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE VIRTUAL TABLE IF NOT EXISTS context_items_fts USING fts5(
					item_id UNINDEXED, title, body
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create context_items_fts table")
			}

			// Tombstoned rows never enter the index; tombstoning via
			// UPDATE removes the row, un-tombstoning never happens.
			triggers := []string{
				`CREATE TRIGGER IF NOT EXISTS context_items_fts_insert AFTER INSERT ON context_items
				WHEN new.tombstoned = 0 BEGIN
					INSERT INTO context_items_fts(item_id, title, body)
					VALUES (new.item_id, new.title, new.body);
				END`,

				`CREATE TRIGGER IF NOT EXISTS context_items_fts_update AFTER UPDATE ON context_items BEGIN
					DELETE FROM context_items_fts WHERE item_id = old.item_id;
					INSERT INTO context_items_fts(item_id, title, body)
					SELECT new.item_id, new.title, new.body WHERE new.tombstoned = 0;
				END`,

				`CREATE TRIGGER IF NOT EXISTS context_items_fts_delete AFTER DELETE ON context_items BEGIN
					DELETE FROM context_items_fts WHERE item_id = old.item_id;
				END`,
			}

			for _, trigger := range triggers {
				if _, err := tx.Exec(trigger); err != nil {
					return errors.Wrap(err, "failed to create FTS trigger")
				}
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			for _, stmt := range []string{
				"DROP TRIGGER IF EXISTS context_items_fts_insert",
				"DROP TRIGGER IF EXISTS context_items_fts_update",
				"DROP TRIGGER IF EXISTS context_items_fts_delete",
				"DROP TABLE IF EXISTS context_items_fts",
			} {
				if _, err := tx.Exec(stmt); err != nil {
					return errors.Wrap(err, "failed to drop FTS objects")
				}
			}
			return nil
		},
	}
}
