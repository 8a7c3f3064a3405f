package store

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// SearchMode selects between the full-text index and regex scanning.
type SearchMode string

// Search modes.
const (
	SearchFullText SearchMode = "full_text"
	SearchRegex    SearchMode = "regex"
)

// DefaultScanCap bounds how many candidate rows a regex search reads
// before filtering in-engine.
const DefaultScanCap = 2000

// SearchQuery drives SearchMessages and SearchSummaries.
type SearchQuery struct {
	Query          string
	Mode           SearchMode
	ConversationID lcm.ConversationID // empty = all conversations
	Limit          int
	ScanCap        int
}

// MessageMatch is one message hit with its index rank (full-text only).
type MessageMatch struct {
	Message lcm.Message
	Rank    float64
}

// SummaryMatch is one summary hit with its index rank (full-text only).
type SummaryMatch struct {
	Item lcm.ContextItem
	Rank float64
}

// SanitizeFTSQuery converts arbitrary user input into a safe FTS5 MATCH
// expression: each whitespace-delimited token is stripped of inner
// quotes and wrapped as a literal phrase, so boolean-operator words in
// the input cannot change query semantics. Empty input yields the
// literal empty phrase.
func SanitizeFTSQuery(input string) string {
	fields := strings.Fields(input)
	phrases := make([]string, 0, len(fields))
	for _, field := range fields {
		token := strings.ReplaceAll(field, `"`, "")
		if token == "" {
			continue
		}
		phrases = append(phrases, `"`+token+`"`)
	}
	if len(phrases) == 0 {
		return `""`
	}
	return strings.Join(phrases, " ")
}

type ftsMessageRow struct {
	lcm.Message
	Rank float64 `db:"rank"`
}

type ftsSummaryRow struct {
	lcm.ContextItem
	Rank float64 `db:"rank"`
}

// SearchMessages finds canonical messages whose active context item
// matches the query. Full-text mode uses the index ordered best-first;
// regex mode scans bounded candidates in ordinal order.
func (s *Store) SearchMessages(ctx context.Context, q db.Querier, query SearchQuery) ([]MessageMatch, int, error) {
	if query.Mode == SearchFullText && s.FTSAvailable() {
		return s.searchMessagesFTS(ctx, q, query)
	}
	return s.searchMessagesRegex(ctx, q, query)
}

func (s *Store) searchMessagesFTS(ctx context.Context, q db.Querier, query SearchQuery) ([]MessageMatch, int, error) {
	sql := `
		SELECT m.*, rank
		FROM context_items_fts
		JOIN context_items ci ON ci.item_id = context_items_fts.item_id
		JOIN messages m ON m.message_id = ci.source_message_id
		WHERE context_items_fts MATCH ? AND ci.item_type = 'message'
	`
	args := []any{SanitizeFTSQuery(query.Query)}
	if query.ConversationID != "" {
		sql += " AND ci.conversation_id = ?"
		args = append(args, query.ConversationID)
	}
	sql += " ORDER BY rank ASC"
	if query.Limit > 0 {
		sql += " LIMIT ?"
		args = append(args, query.Limit)
	}

	var rows []ftsMessageRow
	if err := q.SelectContext(ctx, &rows, sql, args...); err != nil {
		return nil, 0, errors.Wrap(db.MapError(err), "full-text message search failed")
	}

	matches := make([]MessageMatch, len(rows))
	for i, row := range rows {
		matches[i] = MessageMatch{Message: row.Message, Rank: row.Rank}
	}
	return matches, len(rows), nil
}

func (s *Store) searchMessagesRegex(ctx context.Context, q db.Querier, query SearchQuery) ([]MessageMatch, int, error) {
	re, err := regexp.Compile(query.Query)
	if err != nil {
		return nil, 0, lcm.NewValidationError("query", "invalid regex: "+err.Error())
	}

	scanCap := query.ScanCap
	if scanCap <= 0 {
		scanCap = DefaultScanCap
	}

	// Canonical messages are append-only, so regex search covers the
	// full archive including compacted turns.
	sql := "SELECT m.* FROM messages m WHERE 1=1"
	args := []any{}
	if query.ConversationID != "" {
		sql += " AND m.conversation_id = ?"
		args = append(args, query.ConversationID)
	}
	sql += " ORDER BY m.conversation_id, m.ordinal ASC LIMIT ?"
	args = append(args, scanCap)

	var candidates []lcm.Message
	if err := q.SelectContext(ctx, &candidates, sql, args...); err != nil {
		return nil, 0, errors.Wrap(db.MapError(err), "regex message scan failed")
	}

	var matches []MessageMatch
	for _, m := range candidates {
		if re.MatchString(m.ContentText) {
			matches = append(matches, MessageMatch{Message: m})
			if query.Limit > 0 && len(matches) >= query.Limit {
				break
			}
		}
	}
	return matches, len(candidates), nil
}

// SearchSummaries finds active summary items matching the query.
func (s *Store) SearchSummaries(ctx context.Context, q db.Querier, query SearchQuery) ([]SummaryMatch, int, error) {
	if query.Mode == SearchFullText && s.FTSAvailable() {
		return s.searchSummariesFTS(ctx, q, query)
	}
	return s.searchSummariesRegex(ctx, q, query)
}

func (s *Store) searchSummariesFTS(ctx context.Context, q db.Querier, query SearchQuery) ([]SummaryMatch, int, error) {
	sql := `
		SELECT ci.*, rank
		FROM context_items_fts
		JOIN context_items ci ON ci.item_id = context_items_fts.item_id
		WHERE context_items_fts MATCH ? AND ci.item_type = 'summary'
	`
	args := []any{SanitizeFTSQuery(query.Query)}
	if query.ConversationID != "" {
		sql += " AND ci.conversation_id = ?"
		args = append(args, query.ConversationID)
	}
	sql += " ORDER BY rank ASC"
	if query.Limit > 0 {
		sql += " LIMIT ?"
		args = append(args, query.Limit)
	}

	var rows []ftsSummaryRow
	if err := q.SelectContext(ctx, &rows, sql, args...); err != nil {
		return nil, 0, errors.Wrap(db.MapError(err), "full-text summary search failed")
	}

	matches := make([]SummaryMatch, len(rows))
	for i, row := range rows {
		matches[i] = SummaryMatch{Item: row.ContextItem, Rank: row.Rank}
	}
	return matches, len(rows), nil
}

func (s *Store) searchSummariesRegex(ctx context.Context, q db.Querier, query SearchQuery) ([]SummaryMatch, int, error) {
	re, err := regexp.Compile(query.Query)
	if err != nil {
		return nil, 0, lcm.NewValidationError("query", "invalid regex: "+err.Error())
	}

	scanCap := query.ScanCap
	if scanCap <= 0 {
		scanCap = DefaultScanCap
	}

	sql := "SELECT * FROM context_items WHERE item_type = 'summary' AND tombstoned = 0"
	args := []any{}
	if query.ConversationID != "" {
		sql += " AND conversation_id = ?"
		args = append(args, query.ConversationID)
	}
	sql += " ORDER BY created_at_ms ASC, item_id ASC LIMIT ?"
	args = append(args, scanCap)

	var candidates []lcm.ContextItem
	if err := q.SelectContext(ctx, &candidates, sql, args...); err != nil {
		return nil, 0, errors.Wrap(db.MapError(err), "regex summary scan failed")
	}

	var matches []SummaryMatch
	for _, item := range candidates {
		if re.MatchString(item.Title) || re.MatchString(item.Body) {
			matches = append(matches, SummaryMatch{Item: item})
			if query.Limit > 0 && len(matches) >= query.Limit {
				break
			}
		}
	}
	return matches, len(candidates), nil
}
