// Package engine wires ingestion, assembly, and compaction behind the
// ContextEngine facade the host runtime consumes.
package engine

import (
	"context"
	"time"

	"github.com/openclaw/lcm/pkg/assembler"
	"github.com/openclaw/lcm/pkg/compaction"
	"github.com/openclaw/lcm/pkg/ingest"
	"github.com/openclaw/lcm/pkg/logger"
	"github.com/openclaw/lcm/pkg/metrics"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/tokens"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// ContextEngine is the facade over the LCM data plane.
type ContextEngine struct {
	cfg       lcm.Config
	store     *store.Store
	ingestor  *ingest.Ingestor
	assembler *assembler.Assembler
	compactor *compaction.Engine
	recorder  *metrics.Recorder
	now       func() int64
}

// New assembles the engine from its components.
func New(cfg lcm.Config, st *store.Store, est tokens.Estimator, rec *metrics.Recorder, opts ...compaction.Option) (*ContextEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ContextEngine{
		cfg:       cfg,
		store:     st,
		ingestor:  ingest.New(st),
		assembler: assembler.New(st, est),
		compactor: compaction.NewEngine(st, est, rec, opts...),
		recorder:  rec,
		now:       func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Ingest normalizes and persists an external message batch.
func (e *ContextEngine) Ingest(ctx context.Context, messages []ingest.IncomingMessage, provider, modelID, sessionID string, meta ingest.Meta) (ingest.Result, error) {
	if !e.cfg.Enabled {
		return ingest.Result{}, lcm.NewValidationError("enabled", "engine is disabled")
	}

	result, err := e.ingestor.Ingest(ctx, sessionID, meta, messages, e.now())
	if err != nil {
		return ingest.Result{}, err
	}

	logger.G(ctx).WithField("provider", provider).
		WithField("model_id", modelID).
		WithField("conversation_id", result.ConversationID).
		Debug("ingest complete")
	return result, nil
}

// Assemble selects bounded context for the session's conversation.
// historyTurnLimit overrides the configured fresh tail when positive.
func (e *ContextEngine) Assemble(ctx context.Context, sessionID string, historyTurnLimit int, meta ingest.Meta) (assembler.Assembly, error) {
	if !e.cfg.Enabled {
		return assembler.Assembly{}, lcm.NewValidationError("enabled", "engine is disabled")
	}

	conv := ingest.ResolveConversationID(sessionID, meta)
	freshTail := e.cfg.FreshTailCount
	if historyTurnLimit > 0 {
		freshTail = historyTurnLimit
	}

	assembly, err := e.assembler.Assemble(ctx, conv, e.cfg.TargetTokens, freshTail)
	if err != nil {
		return assembler.Assembly{}, err
	}

	e.recorder.Record(metrics.Event{
		Family:         metrics.FamilyContextTokens,
		ConversationID: string(conv),
		SessionID:      sessionID,
		TokenAfter:     assembly.TokenEstimate,
		AtMs:           e.now(),
	})

	return assembly, nil
}

// CompactOptions drives Compact.
type CompactOptions struct {
	SessionID          string
	Meta               ingest.Meta
	TokenBudget        int
	CustomInstructions string
	Manual             bool
}

// CompactOutcome reports a compaction request.
type CompactOutcome struct {
	OK              bool               `json:"ok"`
	Compacted       bool               `json:"compacted"`
	Summary         string             `json:"summary,omitempty"`
	FirstKeptItemID lcm.ItemID         `json:"firstKeptEntryId,omitempty"`
	TokensBefore    int                `json:"tokensBefore"`
	TokensAfter     int                `json:"tokensAfter"`
	Details         *compaction.Result `json:"details,omitempty"`
	Reason          string             `json:"reason,omitempty"`
}

// Compact evaluates the trigger and runs compaction for the session's
// conversation.
func (e *ContextEngine) Compact(ctx context.Context, opts CompactOptions) (CompactOutcome, error) {
	if !e.cfg.Enabled {
		return CompactOutcome{OK: false, Reason: "engine disabled"}, nil
	}
	if e.cfg.AutocompactDisabled && !opts.Manual {
		return CompactOutcome{OK: true, Reason: "autocompact disabled"}, nil
	}

	conv := ingest.ResolveConversationID(opts.SessionID, opts.Meta)
	budget := opts.TokenBudget
	if budget <= 0 {
		budget = e.cfg.TargetTokens
	}

	result, err := e.compactor.Compact(ctx, compaction.Params{
		ConversationID:     conv,
		ModelBudget:        budget,
		ContextThreshold:   e.cfg.ContextThreshold,
		TargetTokens:       e.cfg.TargetTokens,
		FreshTailCount:     e.cfg.FreshTailCount,
		LeafBatchSize:      e.cfg.LeafBatchSize,
		MaxActiveMessages:  e.cfg.MaxActiveMessages,
		Manual:             opts.Manual,
		CustomInstructions: opts.CustomInstructions,
	})
	if err != nil {
		return CompactOutcome{}, err
	}

	outcome := CompactOutcome{
		OK:           true,
		Compacted:    result.Compacted,
		TokensBefore: result.TokensBefore,
		TokensAfter:  result.TokensAfter,
		Details:      &result,
		Reason:       string(result.Decision.Reason),
	}
	if n := len(result.Summaries); n > 0 {
		outcome.Summary = result.Summaries[n-1].Body
	}

	if result.Compacted {
		items, err := e.store.GetContextItems(ctx, e.store.Q(), store.ContextItemQuery{ConversationID: conv, Limit: 1})
		if err == nil && len(items) > 0 {
			outcome.FirstKeptItemID = items[0].ItemID
		}
	}

	return outcome, nil
}

// Config returns the engine configuration.
func (e *ContextEngine) Config() lcm.Config { return e.cfg }

// Store exposes the underlying store for the retrieval surfaces.
func (e *ContextEngine) Store() *store.Store { return e.store }
