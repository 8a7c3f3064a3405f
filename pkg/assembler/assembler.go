// Package assembler deterministically selects context under a token
// target: policy messages first, then the freshest raw turns, then the
// best-scoring summaries.
package assembler

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/tokens"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// Assembly is the selection result. Messages hold policy messages
// followed by the fresh tail in chronological order; Summaries are in
// selection (score) order.
type Assembly struct {
	Messages      []lcm.Message
	Summaries     []lcm.ContextItem
	TokenEstimate int
}

// Assembler selects bounded context for a conversation.
type Assembler struct {
	store     *store.Store
	estimator tokens.Estimator
}

// New creates an assembler.
func New(st *store.Store, est tokens.Estimator) *Assembler {
	return &Assembler{store: st, estimator: est}
}

var anchorToken = regexp.MustCompile(`[a-z0-9]{3,}`)

// Assemble picks context items for the conversation under targetTokens.
// Policy messages are always included and never dropped, even past the
// target; fresh-tail turns and summaries are admitted only while they
// fit.
func (a *Assembler) Assemble(ctx context.Context, conv lcm.ConversationID, targetTokens, freshTailCount int) (Assembly, error) {
	if targetTokens < 0 {
		return Assembly{}, lcm.NewValidationError("targetTokens", "must be >= 0")
	}

	items, err := a.store.GetContextItems(ctx, a.store.Q(), store.ContextItemQuery{
		ConversationID: conv,
		ItemTypes:      []lcm.ItemType{lcm.ItemMessage, lcm.ItemSummary},
	})
	if err != nil {
		return Assembly{}, err
	}

	var messageIDs []lcm.MessageID
	var summaries []lcm.ContextItem
	for _, item := range items {
		switch item.ItemType {
		case lcm.ItemMessage:
			if item.SourceMessageID != nil {
				messageIDs = append(messageIDs, *item.SourceMessageID)
			}
		case lcm.ItemSummary:
			summaries = append(summaries, item)
		}
	}

	messages, err := a.store.ListMessagesByIDs(ctx, a.store.Q(), messageIDs)
	if err != nil {
		return Assembly{}, err
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Ordinal < messages[j].Ordinal })

	var policy, regular []lcm.Message
	for _, m := range messages {
		if IsPolicyMessage(m) {
			policy = append(policy, m)
		} else {
			regular = append(regular, m)
		}
	}

	// Policy content is charged once and never dropped.
	running := 0
	for _, m := range policy {
		running += a.estimator.Estimate(m.ContentText)
	}

	fresh := a.selectFreshTail(regular, freshTailCount, targetTokens, &running)

	var oldestFreshTS int64 = -1
	if len(fresh) > 0 {
		oldestFreshTS = fresh[0].CreatedAtMs
	}

	selected := a.selectSummaries(summaries, policy, fresh, oldestFreshTS, targetTokens, &running)

	out := Assembly{TokenEstimate: running}
	out.Messages = append(out.Messages, policy...)
	out.Messages = append(out.Messages, fresh...)
	out.Summaries = selected
	return out, nil
}

// selectFreshTail walks the last freshTailCount regular messages newest
// first, admitting each only if it fits the remaining budget, then
// restores chronological order.
func (a *Assembler) selectFreshTail(regular []lcm.Message, freshTailCount, targetTokens int, running *int) []lcm.Message {
	if freshTailCount <= 0 || len(regular) == 0 {
		return nil
	}

	start := len(regular) - freshTailCount
	if start < 0 {
		start = 0
	}
	tail := regular[start:]

	var picked []lcm.Message
	for i := len(tail) - 1; i >= 0; i-- {
		cost := a.estimator.Estimate(tail[i].ContentText)
		if *running+cost > targetTokens {
			continue
		}
		*running += cost
		picked = append(picked, tail[i])
	}

	sort.Slice(picked, func(i, j int) bool { return picked[i].Ordinal < picked[j].Ordinal })
	return picked
}

// selectSummaries scores candidate summaries against the retained raw
// content and admits them greedily while the budget holds. Summaries
// newer than the oldest retained fresh turn are excluded, since the raw
// turns they would describe are already present.
func (a *Assembler) selectSummaries(summaries []lcm.ContextItem, policy, fresh []lcm.Message, oldestFreshTS int64, targetTokens int, running *int) []lcm.ContextItem {
	var anchor strings.Builder
	for _, m := range policy {
		anchor.WriteString(m.ContentText)
		anchor.WriteString("\n")
	}
	for _, m := range fresh {
		anchor.WriteString(m.ContentText)
		anchor.WriteString("\n")
	}
	anchorSet := tokenSet(anchor.String())

	type scored struct {
		item  lcm.ContextItem
		score float64
	}
	var candidates []scored
	for _, s := range summaries {
		if oldestFreshTS >= 0 && s.CreatedAtMs >= oldestFreshTS {
			continue
		}
		candidates = append(candidates, scored{item: s, score: overlapScore(anchorSet, s.Body)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].item.CreatedAtMs != candidates[j].item.CreatedAtMs {
			return candidates[i].item.CreatedAtMs > candidates[j].item.CreatedAtMs
		}
		return candidates[i].item.ItemID < candidates[j].item.ItemID
	})

	var picked []lcm.ContextItem
	for _, c := range candidates {
		cost := a.estimator.Estimate(c.item.Title + "\n" + c.item.Body)
		if *running+cost > targetTokens {
			continue
		}
		*running += cost
		picked = append(picked, c.item)
	}
	return picked
}

// IsPolicyMessage reports whether a message is retained unconditionally:
// system role, a policy:/instruction: text prefix, or payload.policy.
func IsPolicyMessage(m lcm.Message) bool {
	if m.Role == lcm.RoleSystem {
		return true
	}
	text := strings.ToLower(strings.TrimSpace(m.ContentText))
	if strings.HasPrefix(text, "policy:") || strings.HasPrefix(text, "instruction:") {
		return true
	}
	if policy, ok := m.Payload()["policy"].(bool); ok && policy {
		return true
	}
	return false
}

func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range anchorToken.FindAllString(strings.ToLower(text), -1) {
		set[tok] = struct{}{}
	}
	return set
}

// overlapScore is |tokens(anchor) ∩ tokens(body)| / |tokens(body)|.
func overlapScore(anchorSet map[string]struct{}, body string) float64 {
	bodySet := tokenSet(body)
	if len(bodySet) == 0 {
		return 0
	}
	hits := 0
	for tok := range bodySet {
		if _, ok := anchorSet[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(bodySet))
}
