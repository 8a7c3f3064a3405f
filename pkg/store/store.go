// Package store is the typed façade over the storage backend for
// conversations, messages, parts, context items, summaries, lineage
// edges, compaction runs, and artifacts. Every method takes an explicit
// Querier so mutations compose inside a single db.WithTx transaction.
package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// Store exposes the typed conversation API.
type Store struct {
	db *db.DB
}

// New creates a store over an opened database.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// DB returns the underlying database handle.
func (s *Store) DB() *db.DB { return s.db }

// Q returns the plain (non-transactional) querier.
func (s *Store) Q() db.Querier { return s.db.DB }

// WithTx runs fn in a transaction with busy retry; see db.WithTx.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.db.WithTx(ctx, fn)
}

// FTSAvailable reports whether full-text queries can use the index.
func (s *Store) FTSAvailable() bool { return s.db.FTSAvailable() }

// ContextItemQuery filters GetContextItems.
type ContextItemQuery struct {
	ConversationID    lcm.ConversationID
	IncludeTombstoned bool
	ItemTypes         []lcm.ItemType
	Limit             int
}

// MessageQuery filters ListMessages.
type MessageQuery struct {
	ConversationID lcm.ConversationID
	MessageIDs     []lcm.MessageID
	Limit          int
}
