package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/lcm/pkg/expansion"
	"github.com/openclaw/lcm/pkg/logger"
	"github.com/openclaw/lcm/pkg/retrieval"
	"github.com/openclaw/lcm/pkg/routing"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/types/lcm"
	tooltypes "github.com/openclaw/lcm/pkg/types/tools"
)

// Execution paths recorded in expand observability.
const (
	PathDirect         = "direct"
	PathShallow        = "shallow"
	PathDelegated      = "delegated"
	PathDirectFallback = "direct_fallback"
)

// ExpandTool expands compaction summaries back into detail.
type ExpandTool struct {
	deps Deps
}

// ExpandInput defines the input parameters for lcm_expand.
type ExpandInput struct {
	SummaryIDs       []string `json:"summaryIds,omitempty" jsonschema:"description=Explicit summary ids to expand"`
	Query            string   `json:"query,omitempty" jsonschema:"description=Search query to locate candidate summaries (used when summaryIds is empty)"`
	MaxDepth         int      `json:"maxDepth,omitempty" jsonschema:"description=Maximum lineage depth to traverse (1-8)"`
	TokenCap         int      `json:"tokenCap,omitempty" jsonschema:"description=Token budget for expanded content"`
	IncludeMessages  bool     `json:"includeMessages,omitempty" jsonschema:"description=Also return canonical messages under terminal summaries"`
	ConversationID   string   `json:"conversationId,omitempty" jsonschema:"description=Restrict candidates to one conversation"`
	AllConversations bool     `json:"allConversations,omitempty" jsonschema:"description=Search candidates across all conversations"`
}

// DecisionPath pairs the policy action with how execution actually ran.
type DecisionPath struct {
	PolicyAction  string `json:"policyAction"`
	ExecutionPath string `json:"executionPath"`
}

// ExpandObservability is attached to the structured result.
type ExpandObservability struct {
	DecisionPath     DecisionPath `json:"decisionPath"`
	DelegatedRunRefs []string     `json:"delegatedRunRefs,omitempty"`
}

// ExpandMetadata is the structured companion to the markdown output.
type ExpandMetadata struct {
	ExpansionCount int                 `json:"expansionCount"`
	CitedIDs       []string            `json:"citedIds"`
	TotalTokens    int                 `json:"totalTokens"`
	Truncated      bool                `json:"truncated"`
	ExecutionPath  string              `json:"executionPath"`
	Policy         *routing.Decision   `json:"policy,omitempty"`
	Observability  ExpandObservability `json:"observability"`
	Delegated      *DelegatedInfo      `json:"delegated,omitempty"`
}

// DelegatedInfo reports the delegated run outcome.
type DelegatedInfo struct {
	Status string `json:"status"`
	RunIDs []string `json:"runIds,omitempty"`
}

// ExpandToolResult carries the expansion output.
type ExpandToolResult struct {
	result   string
	err      string
	metadata ExpandMetadata
}

// GetResult returns the rendered expansion.
func (r *ExpandToolResult) GetResult() string { return r.result }

// GetError returns the error message.
func (r *ExpandToolResult) GetError() string { return r.err }

// IsError reports failure.
func (r *ExpandToolResult) IsError() bool { return r.err != "" }

// AssistantFacing returns the string representation for the assistant.
func (r *ExpandToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.result, r.err)
}

// StructuredData returns the expansion metadata.
func (r *ExpandToolResult) StructuredData() tooltypes.StructuredToolResult {
	return tooltypes.StructuredToolResult{
		ToolName:  "lcm_expand",
		Success:   !r.IsError(),
		Error:     r.err,
		Metadata:  r.metadata,
		Timestamp: time.Now(),
	}
}

// Name returns the tool name.
func (t *ExpandTool) Name() string { return "lcm_expand" }

// GenerateSchema generates the JSON schema for the input parameters.
func (t *ExpandTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[ExpandInput]()
}

// Description returns the tool description.
func (t *ExpandTool) Description() string {
	return `Expand compaction summaries back into the detail they replaced.

Give explicit summaryIds, or a query that locates candidates. A routing policy decides whether the request is answered from the candidate descriptors, expanded shallowly in-process, or delegated to a traversal sub-agent. Results carry cited ids for follow-up lcm_describe / lcm_expand calls.`
}

// ValidateInput validates the input parameters.
func (t *ExpandTool) ValidateInput(parameters string) error {
	input := &ExpandInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if len(input.SummaryIDs) == 0 && input.Query == "" {
		return errors.New("either summaryIds or query is required")
	}
	if input.MaxDepth < 0 || input.MaxDepth > lcm.MaxExpandDepth {
		return errors.Errorf("maxDepth must be in [0, %d]", lcm.MaxExpandDepth)
	}
	if input.TokenCap < 0 || input.TokenCap > lcm.MaxExpandTokensCeiling {
		return errors.Errorf("tokenCap must be in [0, %d]", lcm.MaxExpandTokensCeiling)
	}
	return nil
}

// TracingKVs returns tracing attributes.
func (t *ExpandTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &ExpandInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.Int("summary_ids", len(input.SummaryIDs)),
		attribute.String("query", input.Query),
		attribute.Int("max_depth", input.MaxDepth),
	}, nil
}

// Execute routes and runs the expansion.
func (t *ExpandTool) Execute(ctx context.Context, parameters string) tooltypes.ToolResult {
	input := &ExpandInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &ExpandToolResult{err: err.Error()}
	}

	tokenCap := input.TokenCap
	if tokenCap <= 0 {
		tokenCap = t.deps.Config.MaxExpandTokens
	}

	candidates, err := t.resolveCandidates(ctx, input)
	if err != nil {
		return &ExpandToolResult{err: err.Error()}
	}

	intent := routing.IntentExplicitExpand
	if len(input.SummaryIDs) == 0 {
		intent = routing.IntentQueryProbe
	}
	decision := routing.Decide(routing.Input{
		Intent:                intent,
		Query:                 input.Query,
		RequestedMaxDepth:     input.MaxDepth,
		CandidateSummaryCount: len(candidates),
		TokenCap:              tokenCap,
		IncludeMessages:       input.IncludeMessages,
	})

	metadata := ExpandMetadata{Policy: &decision}

	switch decision.Action {
	case routing.AnswerDirectly:
		return t.answerDirectly(ctx, candidates, decision, metadata)
	case routing.ExpandShallow:
		return t.runOrchestrated(ctx, input, candidates, decision, metadata, expansion.StrategyDirect, PathShallow)
	default:
		result := t.runOrchestrated(ctx, input, candidates, decision, metadata, expansion.StrategySubagent, PathDelegated)
		if expandResult, ok := result.(*ExpandToolResult); ok && expandResult.IsError() {
			logger.G(ctx).WithField("error", expandResult.err).Warn("delegated expansion failed, falling back to direct")
			return t.runOrchestrated(ctx, input, candidates, decision, metadata, expansion.StrategyDirect, PathDirectFallback)
		}
		return result
	}
}

// resolveCandidates returns explicit ids or searches summaries by query.
func (t *ExpandTool) resolveCandidates(ctx context.Context, input *ExpandInput) ([]lcm.ItemID, error) {
	if len(input.SummaryIDs) > 0 {
		ids := make([]lcm.ItemID, len(input.SummaryIDs))
		for i, id := range input.SummaryIDs {
			ids[i] = lcm.ItemID(id)
		}
		return ids, nil
	}

	conv := lcm.ConversationID(input.ConversationID)
	if input.AllConversations {
		conv = ""
	}
	found, err := t.deps.Retrieval.Grep(ctx, retrieval.GrepRequest{
		Query:          input.Query,
		Mode:           store.SearchFullText,
		Scope:          retrieval.ScopeSummaries,
		ConversationID: conv,
		Limit:          t.deps.Config.RetrievalK,
		Auth:           retrieval.Auth{SessionKey: t.deps.SessionKey},
	})
	if err != nil {
		return nil, err
	}

	ids := make([]lcm.ItemID, 0, len(found.Matches))
	for _, m := range found.Matches {
		ids = append(ids, lcm.ItemID(m.ID))
	}
	return ids, nil
}

// answerDirectly renders candidate descriptors without traversal.
func (t *ExpandTool) answerDirectly(ctx context.Context, candidates []lcm.ItemID, decision routing.Decision, metadata ExpandMetadata) tooltypes.ToolResult {
	metadata.ExecutionPath = PathDirect
	metadata.Observability = ExpandObservability{
		DecisionPath: DecisionPath{PolicyAction: string(decision.Action), ExecutionPath: PathDirect},
	}

	if len(candidates) == 0 {
		return &ExpandToolResult{result: "No matching summaries.", metadata: metadata}
	}

	var b strings.Builder
	b.WriteString("Candidate summaries (no expansion needed):\n")
	for _, id := range candidates {
		desc, err := t.deps.Retrieval.Describe(ctx, string(id), retrieval.Auth{SessionKey: t.deps.SessionKey})
		if err != nil {
			return &ExpandToolResult{err: err.Error()}
		}
		if desc == nil || desc.Summary == nil {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s (~%d tokens)\n", desc.Summary.ID, desc.Summary.Title, desc.Summary.TokenEstimate)
		metadata.CitedIDs = append(metadata.CitedIDs, string(desc.Summary.ID))
	}
	metadata.ExpansionCount = len(metadata.CitedIDs)

	return &ExpandToolResult{result: strings.TrimSuffix(b.String(), "\n"), metadata: metadata}
}

func (t *ExpandTool) runOrchestrated(ctx context.Context, input *ExpandInput, candidates []lcm.ItemID, decision routing.Decision, metadata ExpandMetadata, strategy expansion.Strategy, path string) tooltypes.ToolResult {
	if len(candidates) == 0 {
		return &ExpandToolResult{err: "no candidate summaries to expand"}
	}

	tokenCap := input.TokenCap
	if tokenCap <= 0 {
		tokenCap = t.deps.Config.MaxExpandTokens
	}

	result, err := t.deps.Orchestrator.Run(ctx, expansion.Request{
		TargetIDs:       candidates,
		Question:        input.Query,
		SessionKey:      t.deps.SessionKey,
		Depth:           input.MaxDepth,
		TokenCap:        tokenCap,
		IncludeMessages: input.IncludeMessages,
		Strategy:        strategy,
	})
	if err != nil {
		return &ExpandToolResult{err: err.Error()}
	}

	metadata.ExpansionCount = len(result.CitedIDs)
	metadata.CitedIDs = result.CitedIDs
	metadata.TotalTokens = result.EstimatedTokens
	metadata.Truncated = result.Truncated
	metadata.ExecutionPath = path
	metadata.Observability = ExpandObservability{
		DecisionPath:     DecisionPath{PolicyAction: string(decision.Action), ExecutionPath: path},
		DelegatedRunRefs: result.DelegatedRunIDs,
	}
	if result.Strategy == expansion.StrategySubagent {
		status := expansion.WaitOK
		if n := len(result.Passes); n > 0 {
			status = result.Passes[n-1].Status
		}
		metadata.Delegated = &DelegatedInfo{Status: status, RunIDs: result.DelegatedRunIDs}
	}

	var b strings.Builder
	if result.Synthesis != "" {
		b.WriteString(result.Synthesis)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Expanded %d items (~%d tokens", len(result.CitedIDs), result.EstimatedTokens)
	if result.Truncated {
		b.WriteString(", truncated")
	}
	b.WriteString(").")
	if len(result.NextSummaryIDs) > 0 {
		fmt.Fprintf(&b, " Continue with: %s", joinIDs(result.NextSummaryIDs))
	}

	return &ExpandToolResult{result: b.String(), metadata: metadata}
}
