// Package compaction implements the two-pass hierarchical summarization
// engine: a leaf pass that folds old raw turns into leaf summaries, and
// a condensed pass that merges adjacent leaf summaries. Runs are
// serialized per conversation; distinct conversations compact in
// parallel.
package compaction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/openclaw/lcm/pkg/logger"
	"github.com/openclaw/lcm/pkg/metrics"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/tokens"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// Summarizer is the injected LLM capability. It receives the
// deterministic summary body and may rewrite it; aggressive is set for
// condensed-pass merges. A nil Summarizer keeps the deterministic body.
type Summarizer func(ctx context.Context, text string, aggressive bool) (string, error)

// Params configures one compaction call.
type Params struct {
	ConversationID     lcm.ConversationID
	ModelBudget        int
	ContextThreshold   float64
	TargetTokens       int
	FreshTailCount     int
	LeafBatchSize      int
	MaxActiveMessages  int
	Manual             bool
	CustomInstructions string
}

// Batches counts how many summaries each pass produced.
type Batches struct {
	Leaf      int `json:"leaf"`
	Condensed int `json:"condensed"`
}

// Result is the outcome of a compaction call.
type Result struct {
	Compacted    bool              `json:"compacted"`
	Decision     Decision          `json:"decision"`
	Summaries    []lcm.ContextItem `json:"summaries"`
	TokensBefore int               `json:"tokensBefore"`
	TokensAfter  int               `json:"tokensAfter"`
	Batches      Batches           `json:"batches"`
}

// Engine runs compactions against the store.
type Engine struct {
	store      *store.Store
	estimator  tokens.Estimator
	recorder   *metrics.Recorder
	summarizer Summarizer
	locks      *conversationLocks
	now        func() int64
}

// Option configures the engine.
type Option func(*Engine)

// WithSummarizer injects the LLM summarization capability.
func WithSummarizer(s Summarizer) Option {
	return func(e *Engine) { e.summarizer = s }
}

// WithClock overrides the millisecond clock, for tests.
func WithClock(now func() int64) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a compaction engine.
func NewEngine(st *store.Store, est tokens.Estimator, rec *metrics.Recorder, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		estimator: est,
		recorder:  rec,
		locks:     newConversationLocks(),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compact evaluates the trigger and, when it fires, runs the leaf and
// condensed passes until the token target is met or no eligible work
// remains. At most one compaction is in flight per conversation;
// concurrent calls on the same conversation queue FIFO.
func (e *Engine) Compact(ctx context.Context, p Params) (Result, error) {
	if err := p.ConversationID.Validate(); err != nil {
		return Result{}, lcm.NewValidationError("conversationId", err.Error())
	}
	if p.LeafBatchSize < 2 {
		p.LeafBatchSize = 2
	}
	if p.TargetTokens < 0 {
		return Result{}, lcm.NewValidationError("targetTokens", "must be >= 0")
	}

	release, err := e.locks.Acquire(ctx, p.ConversationID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	started := e.now()
	log := logger.G(ctx).WithField("conversation_id", p.ConversationID)

	activeTokens, activeMessages, err := e.measure(ctx, p.ConversationID)
	if err != nil {
		return Result{}, err
	}

	decision := EvaluateTrigger(TriggerInput{
		AssembledTokens:   activeTokens,
		ModelBudget:       p.ModelBudget,
		ContextThreshold:  p.ContextThreshold,
		ActiveMessages:    activeMessages,
		MaxActiveMessages: p.MaxActiveMessages,
		Manual:            p.Manual,
	})
	if decision.Reason == ReasonNone {
		return Result{Compacted: false, Decision: decision, TokensBefore: activeTokens, TokensAfter: activeTokens}, nil
	}

	run := lcm.CompactionRun{
		RunID:          lcm.RunID("run_" + uuid.NewString()),
		ConversationID: p.ConversationID,
		Strategy:       "two_pass",
		Status:         lcm.RunStatusRunning,
		StartedAtMs:    started,
	}
	if err := e.store.CreateCompactionRun(ctx, e.store.Q(), run); err != nil {
		return Result{}, err
	}

	result := Result{Decision: decision, TokensBefore: activeTokens}

	leafSummaries, replacedLeaf, err := e.leafPass(ctx, p)
	if err != nil {
		e.finishRun(ctx, run, lcm.RunStatusFailed, nil, 0, 0, err)
		return Result{}, err
	}
	result.Summaries = append(result.Summaries, leafSummaries...)
	result.Batches.Leaf = len(leafSummaries)

	condensed, replacedCondensed, err := e.condensedPass(ctx, p)
	if err != nil {
		e.finishRun(ctx, run, lcm.RunStatusFailed, nil, 0, 0, err)
		return Result{}, err
	}
	result.Summaries = append(result.Summaries, condensed...)
	result.Batches.Condensed = len(condensed)

	result.TokensAfter, _, err = e.measure(ctx, p.ConversationID)
	if err != nil {
		e.finishRun(ctx, run, lcm.RunStatusFailed, nil, 0, 0, err)
		return Result{}, err
	}
	result.Compacted = len(result.Summaries) > 0

	var lastSummary *lcm.ItemID
	if n := len(result.Summaries); n > 0 {
		id := result.Summaries[n-1].ItemID
		lastSummary = &id
	}
	status := lcm.RunStatusCompleted
	if !result.Compacted {
		status = lcm.RunStatusSkipped
	}
	e.finishRun(ctx, run, status, lastSummary, replacedLeaf+replacedCondensed, len(result.Summaries), nil)

	e.recorder.Record(metrics.Event{
		Family:         metrics.FamilyCompactionRun,
		ConversationID: string(p.ConversationID),
		CompactionID:   string(run.RunID),
		TriggerReason:  string(decision.Reason),
		TokenBefore:    result.TokensBefore,
		TokenAfter:     result.TokensAfter,
		LatencyMs:      e.now() - started,
		AtMs:           e.now(),
	})
	e.recorder.Record(metrics.Event{
		Family:         metrics.FamilyContextTokens,
		ConversationID: string(p.ConversationID),
		TokenBefore:    result.TokensBefore,
		TokenAfter:     result.TokensAfter,
		AtMs:           e.now(),
	})

	log.WithField("reason", decision.Reason).
		WithField("tokens_before", result.TokensBefore).
		WithField("tokens_after", result.TokensAfter).
		WithField("leaf_batches", result.Batches.Leaf).
		WithField("condensed_batches", result.Batches.Condensed).
		Info("compaction finished")

	return result, nil
}

// measure sums token estimates over active context items (title+body)
// and counts active message items.
func (e *Engine) measure(ctx context.Context, conv lcm.ConversationID) (int, int, error) {
	items, err := e.store.GetContextItems(ctx, e.store.Q(), store.ContextItemQuery{ConversationID: conv})
	if err != nil {
		return 0, 0, err
	}

	total, messages := 0, 0
	for _, item := range items {
		total += e.estimator.Estimate(item.Title + "\n" + item.Body)
		if item.ItemType == lcm.ItemMessage {
			messages++
		}
	}
	return total, messages, nil
}

// leafPass folds batches of old message items into leaf summaries until
// the target is met or fewer than two eligible items remain.
func (e *Engine) leafPass(ctx context.Context, p Params) ([]lcm.ContextItem, int, error) {
	var created []lcm.ContextItem
	replaced := 0

	for {
		items, err := e.store.GetContextItems(ctx, e.store.Q(), store.ContextItemQuery{ConversationID: p.ConversationID})
		if err != nil {
			return nil, 0, err
		}

		var messageItems []lcm.ContextItem
		for _, item := range items {
			if item.ItemType == lcm.ItemMessage {
				messageItems = append(messageItems, item)
			}
		}

		eligible := messageItems
		if p.FreshTailCount > 0 && len(eligible) > p.FreshTailCount {
			eligible = eligible[:len(eligible)-p.FreshTailCount]
		} else if p.FreshTailCount > 0 {
			eligible = nil
		}
		if len(eligible) < 2 {
			return created, replaced, nil
		}

		batch := eligible
		if len(batch) > p.LeafBatchSize {
			batch = batch[:p.LeafBatchSize]
		}

		summary, err := e.compactLeafBatch(ctx, p, batch)
		if err != nil {
			return nil, 0, err
		}
		created = append(created, summary)
		replaced += len(batch)

		activeTokens, _, err := e.measure(ctx, p.ConversationID)
		if err != nil {
			return nil, 0, err
		}
		if p.TargetTokens > 0 && activeTokens <= p.TargetTokens {
			return created, replaced, nil
		}
	}
}

func (e *Engine) compactLeafBatch(ctx context.Context, p Params, batch []lcm.ContextItem) (lcm.ContextItem, error) {
	var messageIDs []lcm.MessageID
	for _, item := range batch {
		if item.SourceMessageID != nil {
			messageIDs = append(messageIDs, *item.SourceMessageID)
		}
	}
	messages, err := e.store.ListMessagesByIDs(ctx, e.store.Q(), messageIDs)
	if err != nil {
		return lcm.ContextItem{}, err
	}
	if len(messages) < 2 {
		return lcm.ContextItem{}, errors.Wrap(lcm.ErrInvariantViolation, "leaf batch lost canonical messages")
	}

	body := LeafSummaryBody(messages, p.CustomInstructions)
	body = e.polish(ctx, body, false)

	nowMs := e.now()
	var summary lcm.ContextItem
	err = e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		summary, txErr = e.store.InsertSummary(ctx, tx, store.SummaryInput{
			ConversationID: p.ConversationID,
			Kind:           lcm.SummaryLeaf,
			Depth:          1,
			Title:          LeafSummaryTitle(len(messages)),
			Body:           body,
			CreatedAtMs:    batch[0].CreatedAtMs,
		})
		if txErr != nil {
			return txErr
		}
		if txErr = e.store.LinkSummaryToMessages(ctx, tx, summary.ItemID, messageIDs, nowMs); txErr != nil {
			return txErr
		}
		return e.store.ReplaceContextRangeWithSummary(ctx, tx, p.ConversationID,
			summary.ItemID, batch[0].ItemID, batch[len(batch)-1].ItemID, nowMs)
	})
	if err != nil {
		return lcm.ContextItem{}, err
	}

	e.recorder.Record(metrics.Event{
		Family:         metrics.FamilySummaryCreated,
		ConversationID: string(p.ConversationID),
		SummaryID:      string(summary.ItemID),
		Kind:           string(lcm.SummaryLeaf),
		AtMs:           nowMs,
	})
	return summary, nil
}

// condensedPass merges the first adjacent run of old leaf summaries
// into a condensed summary, looping until no eligible run remains or
// the target is met.
func (e *Engine) condensedPass(ctx context.Context, p Params) ([]lcm.ContextItem, int, error) {
	var created []lcm.ContextItem
	replaced := 0

	for {
		items, err := e.store.GetContextItems(ctx, e.store.Q(), store.ContextItemQuery{ConversationID: p.ConversationID})
		if err != nil {
			return nil, 0, err
		}

		newestMessageTS := int64(-1)
		for _, item := range items {
			if item.ItemType == lcm.ItemMessage && item.CreatedAtMs > newestMessageTS {
				newestMessageTS = item.CreatedAtMs
			}
		}

		run := firstLeafRun(items, newestMessageTS)
		if len(run) < 2 {
			return created, replaced, nil
		}

		summary, err := e.condenseRun(ctx, p, run)
		if err != nil {
			return nil, 0, err
		}
		created = append(created, summary)
		replaced += len(run)

		activeTokens, _, err := e.measure(ctx, p.ConversationID)
		if err != nil {
			return nil, 0, err
		}
		if p.TargetTokens > 0 && activeTokens <= p.TargetTokens {
			return created, replaced, nil
		}
	}
}

// firstLeafRun finds the first maximal run of adjacent active leaf
// summaries older than the newest active message. A negative
// newestMessageTS means no active messages remain and every leaf
// qualifies.
func firstLeafRun(items []lcm.ContextItem, newestMessageTS int64) []lcm.ContextItem {
	var run []lcm.ContextItem
	for _, item := range items {
		eligible := item.ItemType == lcm.ItemSummary &&
			item.SummaryKind() == lcm.SummaryLeaf &&
			(newestMessageTS < 0 || item.CreatedAtMs < newestMessageTS)
		if eligible {
			run = append(run, item)
			continue
		}
		if len(run) >= 2 {
			return run
		}
		run = nil
	}
	if len(run) >= 2 {
		return run
	}
	return nil
}

func (e *Engine) condenseRun(ctx context.Context, p Params, run []lcm.ContextItem) (lcm.ContextItem, error) {
	body := CondensedSummaryBody(run, p.CustomInstructions)
	body = e.polish(ctx, body, true)

	parentIDs := make([]lcm.ItemID, len(run))
	for i, leaf := range run {
		parentIDs[i] = leaf.ItemID
	}

	nowMs := e.now()
	var summary lcm.ContextItem
	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		summary, txErr = e.store.InsertSummary(ctx, tx, store.SummaryInput{
			ConversationID: p.ConversationID,
			Kind:           lcm.SummaryCondensed,
			Depth:          run[0].Depth + 1,
			Title:          CondensedSummaryTitle(len(run)),
			Body:           body,
			CreatedAtMs:    run[0].CreatedAtMs,
		})
		if txErr != nil {
			return txErr
		}
		if txErr = e.store.LinkSummaryToParents(ctx, tx, summary.ItemID, parentIDs, nowMs); txErr != nil {
			return txErr
		}
		return e.store.ReplaceContextRangeWithSummary(ctx, tx, p.ConversationID,
			summary.ItemID, run[0].ItemID, run[len(run)-1].ItemID, nowMs)
	})
	if err != nil {
		return lcm.ContextItem{}, err
	}

	e.recorder.Record(metrics.Event{
		Family:         metrics.FamilySummaryCreated,
		ConversationID: string(p.ConversationID),
		SummaryID:      string(summary.ItemID),
		Kind:           string(lcm.SummaryCondensed),
		AtMs:           nowMs,
	})
	return summary, nil
}

// polish runs the injected summarizer over the deterministic body,
// keeping the original on error or empty output.
func (e *Engine) polish(ctx context.Context, body string, aggressive bool) string {
	if e.summarizer == nil {
		return body
	}
	out, err := e.summarizer(ctx, body, aggressive)
	if err != nil || out == "" {
		logger.G(ctx).WithError(err).Debug("summarizer unavailable, keeping deterministic body")
		return body
	}
	return out
}

func (e *Engine) finishRun(ctx context.Context, run lcm.CompactionRun, status string, summaryID *lcm.ItemID, inputCount, outputCount int, cause error) {
	run.Status = status
	run.SummaryItemID = summaryID
	run.InputItemCount = inputCount
	run.OutputItemCount = outputCount
	if cause != nil {
		run.ErrorText = cause.Error()
	}
	finished := e.now()
	run.FinishedAtMs = &finished

	if err := e.store.FinishCompactionRun(ctx, e.store.Q(), run); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to record compaction run outcome")
	}
}
