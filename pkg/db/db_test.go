package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/lcm/pkg/types/lcm"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return database
}

func TestOpen_ConfiguresWALAndForeignKeys(t *testing.T) {
	database := openTestDB(t)

	var journalMode string
	require.NoError(t, database.Get(&journalMode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, database.Get(&foreignKeys, "PRAGMA foreign_keys"))
	assert.Equal(t, 1, foreignKeys)
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	_, err := database.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	err = database.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec("INSERT INTO kv (k, v) VALUES ('a', '1')")
		return err
	})
	require.NoError(t, err)

	var v string
	require.NoError(t, database.Get(&v, "SELECT v FROM kv WHERE k = 'a'"))
	assert.Equal(t, "1", v)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	_, err := database.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = database.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec("INSERT INTO kv (k, v) VALUES ('a', '1')"); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)

	var count int
	require.NoError(t, database.Get(&count, "SELECT COUNT(*) FROM kv"))
	assert.Equal(t, 0, count, "failed transaction must leave no partial writes")
}

func TestMigrationRunner_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	applied := 0
	migration := Migration{
		Version:     20260301000000,
		Description: "create kv",
		Up: func(tx *sql.Tx) error {
			applied++
			_, err := tx.Exec("CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY)")
			return err
		},
	}

	runner := NewMigrationRunner(database.DB)
	require.NoError(t, runner.Run(ctx, []Migration{migration}))
	require.NoError(t, runner.Run(ctx, []Migration{migration}))
	assert.Equal(t, 1, applied, "re-applying must be a no-op")

	versions, err := runner.GetAppliedVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{20260301000000}, versions)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", sql.ErrNoRows, lcm.ErrNotFound},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), lcm.ErrStorageBusy},
		{"unique", errors.New("UNIQUE constraint failed: messages.ordinal"), lcm.ErrInvariantViolation},
		{"foreign key", errors.New("FOREIGN KEY constraint failed"), lcm.ErrInvariantViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.in)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestFTSAvailable_Probe(t *testing.T) {
	database := openTestDB(t)
	// modernc sqlite ships FTS5; the probe should detect it.
	assert.True(t, database.FTSAvailable())
}
