package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/lcm/pkg/expansion"
	"github.com/openclaw/lcm/pkg/retrieval"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/types/lcm"
	tooltypes "github.com/openclaw/lcm/pkg/types/tools"
)

// ExpandQueryTool answers a question over expanded summary content.
type ExpandQueryTool struct {
	deps Deps
}

// ExpandQueryInput defines the input parameters for lcm_expand_query.
type ExpandQueryInput struct {
	SummaryIDs       []string `json:"summaryIds,omitempty" jsonschema:"description=Explicit summary ids to expand"`
	Query            string   `json:"query,omitempty" jsonschema:"description=Search query to locate candidate summaries (used when summaryIds is empty)"`
	Prompt           string   `json:"prompt" jsonschema:"description=The question to answer from the expanded content"`
	ConversationID   string   `json:"conversationId,omitempty" jsonschema:"description=Restrict candidates to one conversation"`
	AllConversations bool     `json:"allConversations,omitempty" jsonschema:"description=Search candidates across all conversations"`
	MaxTokens        int      `json:"maxTokens,omitempty" jsonschema:"description=Token budget for the expansion"`
}

// ExpandQueryMetadata is the structured result payload.
type ExpandQueryMetadata struct {
	Answer               string         `json:"answer,omitempty"`
	CitedIDs             []string       `json:"citedIds,omitempty"`
	SourceConversationID string         `json:"sourceConversationId,omitempty"`
	ExpandedSummaryCount int            `json:"expandedSummaryCount"`
	TotalSourceTokens    int            `json:"totalSourceTokens"`
	Truncated            bool           `json:"truncated"`
	Delegated            *DelegatedInfo `json:"delegated,omitempty"`
}

// ExpandQueryToolResult carries the answer.
type ExpandQueryToolResult struct {
	result   string
	err      string
	metadata ExpandQueryMetadata
}

// GetResult returns the answer text.
func (r *ExpandQueryToolResult) GetResult() string { return r.result }

// GetError returns the error message.
func (r *ExpandQueryToolResult) GetError() string { return r.err }

// IsError reports failure.
func (r *ExpandQueryToolResult) IsError() bool { return r.err != "" }

// AssistantFacing returns the string representation for the assistant.
func (r *ExpandQueryToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.result, r.err)
}

// StructuredData returns the answer metadata.
func (r *ExpandQueryToolResult) StructuredData() tooltypes.StructuredToolResult {
	return tooltypes.StructuredToolResult{
		ToolName:  "lcm_expand_query",
		Success:   !r.IsError(),
		Error:     r.err,
		Metadata:  r.metadata,
		Timestamp: time.Now(),
	}
}

// Name returns the tool name.
func (t *ExpandQueryTool) Name() string { return "lcm_expand_query" }

// GenerateSchema generates the JSON schema for the input parameters.
func (t *ExpandQueryTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[ExpandQueryInput]()
}

// Description returns the tool description.
func (t *ExpandQueryTool) Description() string {
	return `Answer a question from archived conversation history without pulling the raw content into your context.

The engine expands the relevant summaries (delegating to a traversal sub-agent when available) and returns a synthesized answer plus the ids of the sources it cited. Unlike lcm_expand, the expanded content itself stays out of your context.`
}

// ValidateInput validates the input parameters.
func (t *ExpandQueryTool) ValidateInput(parameters string) error {
	input := &ExpandQueryInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if input.Prompt == "" {
		return errors.New("prompt is required")
	}
	if len(input.SummaryIDs) == 0 && input.Query == "" {
		return errors.New("either summaryIds or query is required")
	}
	return nil
}

// TracingKVs returns tracing attributes.
func (t *ExpandQueryTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &ExpandQueryInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.Int("summary_ids", len(input.SummaryIDs)),
		attribute.String("query", input.Query),
	}, nil
}

// Execute expands the sources and answers the prompt.
func (t *ExpandQueryTool) Execute(ctx context.Context, parameters string) tooltypes.ToolResult {
	input := &ExpandQueryInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &ExpandQueryToolResult{err: err.Error()}
	}

	candidates, err := t.resolveCandidates(ctx, input)
	if err != nil {
		return &ExpandQueryToolResult{err: err.Error()}
	}
	if len(candidates) == 0 {
		return &ExpandQueryToolResult{err: "no matching summaries found"}
	}

	tokenCap := input.MaxTokens
	if tokenCap <= 0 {
		tokenCap = t.deps.Config.MaxExpandTokens
	}

	result, runErr := t.deps.Orchestrator.Run(ctx, expansion.Request{
		TargetIDs:       candidates,
		Question:        input.Prompt,
		SessionKey:      t.deps.SessionKey,
		Depth:           lcm.MaxExpandDepth,
		TokenCap:        tokenCap,
		IncludeMessages: true,
		Strategy:        expansion.StrategyAuto,
	})

	metadata := ExpandQueryMetadata{
		CitedIDs:             result.CitedIDs,
		ExpandedSummaryCount: len(result.CitedIDs),
		TotalSourceTokens:    result.EstimatedTokens,
		Truncated:            result.Truncated,
	}
	if result.Strategy == expansion.StrategySubagent {
		status := expansion.WaitOK
		if n := len(result.Passes); n > 0 {
			status = result.Passes[n-1].Status
		}
		metadata.Delegated = &DelegatedInfo{Status: status, RunIDs: result.DelegatedRunIDs}
	}
	if conv := t.sourceConversation(ctx, candidates); conv != "" {
		metadata.SourceConversationID = string(conv)
	}

	if runErr != nil {
		return &ExpandQueryToolResult{err: runErr.Error(), metadata: metadata}
	}

	answer := result.Synthesis
	if answer == "" {
		answer = "No answer could be synthesized from the expanded content."
	}
	metadata.Answer = answer

	return &ExpandQueryToolResult{result: answer, metadata: metadata}
}

func (t *ExpandQueryTool) resolveCandidates(ctx context.Context, input *ExpandQueryInput) ([]lcm.ItemID, error) {
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

func (t *ExpandQueryTool) sourceConversation(ctx context.Context, candidates []lcm.ItemID) lcm.ConversationID {
	for _, id := range candidates {
		desc, err := t.deps.Retrieval.Describe(ctx, string(id), retrieval.Auth{SessionKey: t.deps.SessionKey})
		if err != nil || desc == nil || desc.Summary == nil {
			continue
		}
		return desc.Summary.ConversationID
	}
	return ""
}
