package retrieval

import (
	"context"

	"github.com/openclaw/lcm/pkg/expansionauth"
	"github.com/openclaw/lcm/pkg/metrics"
	"github.com/openclaw/lcm/pkg/types/lcm"
	"github.com/pkg/errors"
)

// Default expansion bounds.
const (
	DefaultExpandDepth    = 2
	DefaultExpandTokenCap = 4000
	DefaultExpandLimit    = 50
)

// ExpandRequest drives Expand.
type ExpandRequest struct {
	SummaryID       lcm.ItemID
	Depth           int
	IncludeMessages bool
	TokenCap        int
	Limit           int
	Auth            Auth
}

// ExpandResult is the traversal outcome.
type ExpandResult struct {
	RootSummaryID   lcm.ItemID         `json:"rootSummaryId"`
	ConversationID  lcm.ConversationID `json:"conversationId"`
	Summaries       []lcm.ContextItem  `json:"summaries"`
	Messages        []lcm.Message      `json:"messages"`
	EstimatedTokens int                `json:"estimatedTokens"`
	Truncated       bool               `json:"truncated"`
	NextSummaryIDs  []lcm.ItemID       `json:"nextSummaryIds"`
}

// Expand walks the lineage graph breadth-first from a root summary,
// charging each visited node against the token cap. When the budget
// stops the walk, the unvisited frontier is reported as nextSummaryIds
// so the caller can resume. With IncludeMessages, terminal summaries
// also yield their canonical messages under the same budget.
func (e *Engine) Expand(ctx context.Context, req ExpandRequest) (ExpandResult, error) {
	if req.SummaryID == "" {
		return ExpandResult{}, lcm.NewValidationError("summaryId", "must not be empty")
	}
	if req.Depth <= 0 {
		req.Depth = DefaultExpandDepth
	}
	if req.TokenCap <= 0 {
		req.TokenCap = DefaultExpandTokenCap
	}
	if req.TokenCap > lcm.MaxExpandTokensCeiling {
		req.TokenCap = lcm.MaxExpandTokensCeiling
	}
	if req.Limit <= 0 {
		req.Limit = DefaultExpandLimit
	}

	root, err := e.store.GetContextItem(ctx, e.store.Q(), req.SummaryID)
	if err != nil {
		if errors.Is(err, lcm.ErrNotFound) {
			return ExpandResult{}, errors.Wrapf(lcm.ErrNotFound, "summary %s", req.SummaryID)
		}
		return ExpandResult{}, err
	}
	if root.ItemType != lcm.ItemSummary {
		return ExpandResult{}, lcm.NewValidationError("summaryId", "id does not reference a summary")
	}

	if _, err := e.auth.Authorize(expansionauth.AuthRequest{
		SessionKey:     req.Auth.SessionKey,
		ConversationID: root.ConversationID,
		Depth:          req.Depth,
		TokenCap:       req.TokenCap,
	}); err != nil {
		return ExpandResult{}, err
	}

	started := e.now()
	result := ExpandResult{
		RootSummaryID:  root.ItemID,
		ConversationID: root.ConversationID,
	}

	type frontierNode struct {
		item  lcm.ContextItem
		depth int
	}

	cost := func(item lcm.ContextItem) int {
		return e.estimator.Estimate(item.Title + "\n" + item.Body)
	}

	visited := map[lcm.ItemID]bool{}
	queue := []frontierNode{{item: root, depth: 0}}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return ExpandResult{}, ctx.Err()
		}

		node := queue[0]
		queue = queue[1:]
		if visited[node.item.ItemID] {
			continue
		}

		next := cost(node.item)
		if result.EstimatedTokens+next > req.TokenCap || len(result.Summaries) >= req.Limit {
			result.Truncated = true
			result.NextSummaryIDs = append(result.NextSummaryIDs, node.item.ItemID)
			for _, rest := range queue {
				if !visited[rest.item.ItemID] {
					result.NextSummaryIDs = append(result.NextSummaryIDs, rest.item.ItemID)
				}
			}
			break
		}

		visited[node.item.ItemID] = true
		result.EstimatedTokens += next
		result.Summaries = append(result.Summaries, node.item)

		if node.depth >= req.Depth {
			continue
		}

		edges, err := e.store.GetChildEdges(ctx, e.store.Q(), node.item.ItemID)
		if err != nil {
			return ExpandResult{}, err
		}
		for _, edge := range edges {
			if edge.Relation != lcm.RelationSummarizes && edge.Relation != lcm.RelationCondenses {
				continue
			}
			child, err := e.store.GetContextItem(ctx, e.store.Q(), edge.ChildItemID)
			if err != nil {
				if errors.Is(err, lcm.ErrNotFound) {
					continue
				}
				return ExpandResult{}, err
			}
			if child.ItemType != lcm.ItemSummary || visited[child.ItemID] {
				continue
			}
			queue = append(queue, frontierNode{item: child, depth: node.depth + 1})
		}
	}

	if req.IncludeMessages && !result.Truncated {
		if err := e.attachMessages(ctx, &result, req.TokenCap); err != nil {
			return ExpandResult{}, err
		}
	}

	e.recorder.Record(metrics.Event{
		Family:         metrics.FamilyExpandLatency,
		ConversationID: string(result.ConversationID),
		SummaryID:      string(root.ItemID),
		ResultCount:    len(result.Summaries),
		LatencyMs:      e.now() - started,
		AtMs:           e.now(),
	})

	return result, nil
}

// attachMessages loads canonical messages for terminal summaries (those
// with no visited summary descendants), continuing token accounting
// under the same cap.
func (e *Engine) attachMessages(ctx context.Context, result *ExpandResult, tokenCap int) error {
	inResult := map[lcm.ItemID]bool{}
	for _, s := range result.Summaries {
		inResult[s.ItemID] = true
	}

	seen := map[lcm.MessageID]bool{}
	for _, summary := range result.Summaries {
		terminal, err := e.isTerminal(ctx, summary, inResult)
		if err != nil {
			return err
		}
		if !terminal {
			continue
		}

		messages, err := e.store.GetSummaryMessages(ctx, e.store.Q(), summary.ItemID, 0)
		if err != nil {
			return err
		}
		for _, m := range messages {
			if seen[m.MessageID] {
				continue
			}
			next := e.estimator.Estimate(m.ContentText)
			if result.EstimatedTokens+next > tokenCap {
				result.Truncated = true
				return nil
			}
			seen[m.MessageID] = true
			result.EstimatedTokens += next
			result.Messages = append(result.Messages, m)
		}
	}
	return nil
}

// isTerminal reports whether none of the summary's lineage children are
// summaries included in the result (i.e. the walk bottomed out here).
func (e *Engine) isTerminal(ctx context.Context, summary lcm.ContextItem, inResult map[lcm.ItemID]bool) (bool, error) {
	edges, err := e.store.GetChildEdges(ctx, e.store.Q(), summary.ItemID)
	if err != nil {
		return false, err
	}
	for _, edge := range edges {
		if inResult[edge.ChildItemID] {
			return false, nil
		}
	}
	return true, nil
}
