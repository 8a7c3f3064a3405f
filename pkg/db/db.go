// Package db provides the embedded SQLite storage backend: connection
// setup with WAL and enforced foreign keys, a retrying transaction
// primitive, and the migration runner.
package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/openclaw/lcm/pkg/logger"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// DB wraps the sqlx handle together with capability flags probed at
// open time.
type DB struct {
	*sqlx.DB
	path         string
	ftsAvailable bool
}

// Open opens or creates the SQLite database at dbPath, applies the WAL
// pragmas, and probes FTS5 support.
func Open(ctx context.Context, dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(lcm.ErrStorageUnavailable, err.Error())
	}

	sqlDB, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(lcm.ErrStorageUnavailable, err.Error())
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(lcm.ErrStorageUnavailable, err.Error())
	}

	if err := Configure(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	db := &DB{DB: sqlDB, path: dbPath}
	db.ftsAvailable = probeFTS(ctx, sqlDB)
	if !db.ftsAvailable {
		logger.G(ctx).Warn("sqlite build lacks FTS5, full-text search falls back to scan+regex")
	}

	return db, nil
}

// Configure sets up SQLite pragmas for WAL operation and constrains the
// pool to a single connection, the single-writer guarantee the rest of
// the engine relies on.
func Configure(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=1000",
		"PRAGMA temp_store=memory",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(lcm.ErrStorageUnavailable, "failed to execute pragma %s: %v", pragma, err)
		}
	}

	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return errors.Wrap(lcm.ErrStorageUnavailable, err.Error())
	}
	if strings.ToLower(journalMode) != "wal" {
		return errors.Wrapf(lcm.ErrStorageUnavailable, "WAL mode not enabled, current mode: %s", journalMode)
	}

	return nil
}

// probeFTS checks whether the compiled sqlite supports FTS5 virtual
// tables.
func probeFTS(ctx context.Context, db *sqlx.DB) bool {
	_, err := db.ExecContext(ctx, "CREATE VIRTUAL TABLE IF NOT EXISTS fts_probe USING fts5(x)")
	if err != nil {
		return false
	}
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS fts_probe")
	return true
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// FTSAvailable reports whether the full-text index can be used.
// Retrieval falls back to scan+regex when false.
func (d *DB) FTSAvailable() bool { return d.ftsAvailable }

// MapError classifies a raw sqlite error into the storage taxonomy:
// contention maps to ErrStorageBusy (retryable), constraint breaches to
// ErrInvariantViolation, sql.ErrNoRows to ErrNotFound.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return lcm.ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return errors.Wrap(lcm.ErrStorageBusy, msg)
	case strings.Contains(msg, "constraint failed"), strings.Contains(msg, "FOREIGN KEY constraint"),
		strings.Contains(msg, "UNIQUE constraint"), strings.Contains(msg, "CHECK constraint"):
		return errors.Wrap(lcm.ErrInvariantViolation, msg)
	}
	return err
}
