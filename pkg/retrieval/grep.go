package retrieval

import (
	"context"

	"github.com/openclaw/lcm/pkg/expansionauth"
	"github.com/openclaw/lcm/pkg/metrics"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// Scope selects what grep searches.
type Scope string

// Grep scopes.
const (
	ScopeMessages  Scope = "messages"
	ScopeSummaries Scope = "summaries"
	ScopeBoth      Scope = "both"
)

// DefaultGrepLimit bounds grep results when the caller gives none.
const DefaultGrepLimit = 20

// GrepRequest drives Grep.
type GrepRequest struct {
	Query          string
	Mode           store.SearchMode // default full_text
	Scope          Scope            // default both
	ConversationID lcm.ConversationID
	Limit          int
	Auth           Auth
}

// GrepMatch is one hit.
type GrepMatch struct {
	Kind           string             `json:"kind"` // message | summary
	ID             string             `json:"id"`
	ConversationID lcm.ConversationID `json:"conversationId"`
	Ordinal        int                `json:"ordinal,omitempty"`
	Role           lcm.Role           `json:"role,omitempty"`
	Title          string             `json:"title,omitempty"`
	CreatedAtMs    int64              `json:"createdAt"`
	Snippet        string             `json:"snippet"`
	Score          *float64           `json:"score,omitempty"`
}

// GrepResult is the grep outcome.
type GrepResult struct {
	Matches      []GrepMatch `json:"matches"`
	ScannedCount int         `json:"scannedCount"`
	Truncated    bool        `json:"truncated"`
}

// Grep searches messages and/or summaries. Full-text mode hits the
// index with the sanitized phrase query ordered best-first; regex mode
// scans bounded candidate rows in chronological order.
func (e *Engine) Grep(ctx context.Context, req GrepRequest) (GrepResult, error) {
	if req.Query == "" {
		return GrepResult{}, lcm.NewValidationError("query", "must not be empty")
	}
	if req.Mode == "" {
		req.Mode = store.SearchFullText
	}
	if req.Mode != store.SearchFullText && req.Mode != store.SearchRegex {
		return GrepResult{}, lcm.NewValidationError("mode", "must be regex or full_text")
	}
	if req.Scope == "" {
		req.Scope = ScopeBoth
	}
	if req.Limit <= 0 {
		req.Limit = DefaultGrepLimit
	}

	if _, err := e.auth.Authorize(expansionauth.AuthRequest{
		SessionKey:     req.Auth.SessionKey,
		ConversationID: req.ConversationID,
	}); err != nil {
		return GrepResult{}, err
	}

	started := e.now()
	var result GrepResult

	query := store.SearchQuery{
		Query:          req.Query,
		Mode:           req.Mode,
		ConversationID: req.ConversationID,
		Limit:          req.Limit + 1, // detect truncation
	}

	if req.Scope == ScopeMessages || req.Scope == ScopeBoth {
		matches, scanned, err := e.store.SearchMessages(ctx, e.store.Q(), query)
		if err != nil {
			return GrepResult{}, err
		}
		result.ScannedCount += scanned
		for _, m := range matches {
			match := GrepMatch{
				Kind:           "message",
				ID:             string(m.Message.MessageID),
				ConversationID: m.Message.ConversationID,
				Ordinal:        m.Message.Ordinal,
				Role:           m.Message.Role,
				CreatedAtMs:    m.Message.CreatedAtMs,
				Snippet:        Snippet(m.Message.ContentText),
			}
			if req.Mode == store.SearchFullText {
				rank := m.Rank
				match.Score = &rank
			}
			result.Matches = append(result.Matches, match)
		}
	}

	if req.Scope == ScopeSummaries || req.Scope == ScopeBoth {
		matches, scanned, err := e.store.SearchSummaries(ctx, e.store.Q(), query)
		if err != nil {
			return GrepResult{}, err
		}
		result.ScannedCount += scanned
		for _, m := range matches {
			match := GrepMatch{
				Kind:           "summary",
				ID:             string(m.Item.ItemID),
				ConversationID: m.Item.ConversationID,
				Title:          m.Item.Title,
				CreatedAtMs:    m.Item.CreatedAtMs,
				Snippet:        Snippet(m.Item.Body),
			}
			if req.Mode == store.SearchFullText {
				rank := m.Rank
				match.Score = &rank
			}
			result.Matches = append(result.Matches, match)
		}
	}

	if len(result.Matches) > req.Limit {
		result.Matches = result.Matches[:req.Limit]
		result.Truncated = true
	}

	e.recorder.Record(metrics.Event{
		Family:         metrics.FamilySearchLatency,
		ConversationID: string(req.ConversationID),
		Scope:          string(req.Scope),
		Mode:           string(req.Mode),
		ScannedCount:   result.ScannedCount,
		ResultCount:    len(result.Matches),
		LatencyMs:      e.now() - started,
		AtMs:           e.now(),
	})

	return result, nil
}
