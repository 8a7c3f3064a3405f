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

	"github.com/openclaw/lcm/pkg/retrieval"
	"github.com/openclaw/lcm/pkg/store"
	"github.com/openclaw/lcm/pkg/types/lcm"
	tooltypes "github.com/openclaw/lcm/pkg/types/tools"
)

// GrepTool searches messages and summaries.
type GrepTool struct {
	deps Deps
}

// GrepInput defines the input parameters for lcm_grep.
type GrepInput struct {
	Pattern        string `json:"pattern" jsonschema:"description=Search pattern: plain words for full_text or a regular expression for regex mode"`
	Mode           string `json:"mode,omitempty" jsonschema:"description=Search mode,enum=full_text,enum=regex"`
	Scope          string `json:"scope,omitempty" jsonschema:"description=What to search,enum=messages,enum=summaries,enum=both"`
	ConversationID string `json:"conversationId,omitempty" jsonschema:"description=Restrict the search to one conversation"`
	Limit          int    `json:"limit,omitempty" jsonschema:"description=Maximum matches to return"`
}

// GrepMetadata is the structured companion to the markdown output.
type GrepMetadata struct {
	MessageCount int `json:"messageCount"`
	SummaryCount int `json:"summaryCount"`
	TotalMatches int `json:"totalMatches"`
	ScannedCount int `json:"scannedCount"`
	Truncated    bool `json:"truncated"`
}

// GrepToolResult carries the search output.
type GrepToolResult struct {
	result   string
	err      string
	metadata GrepMetadata
}

// GetResult returns the rendered matches.
func (r *GrepToolResult) GetResult() string { return r.result }

// GetError returns the error message.
func (r *GrepToolResult) GetError() string { return r.err }

// IsError reports failure.
func (r *GrepToolResult) IsError() bool { return r.err != "" }

// AssistantFacing returns the string representation for the assistant.
func (r *GrepToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.result, r.err)
}

// StructuredData returns the match counts.
func (r *GrepToolResult) StructuredData() tooltypes.StructuredToolResult {
	return tooltypes.StructuredToolResult{
		ToolName:  "lcm_grep",
		Success:   !r.IsError(),
		Error:     r.err,
		Metadata:  r.metadata,
		Timestamp: time.Now(),
	}
}

// Name returns the tool name.
func (t *GrepTool) Name() string { return "lcm_grep" }

// GenerateSchema generates the JSON schema for the input parameters.
func (t *GrepTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[GrepInput]()
}

// Description returns the tool description.
func (t *GrepTool) Description() string {
	return `Search archived conversation history: raw messages, compaction summaries, or both.

full_text mode (default) uses the store's full-text index; pass plain words, ranking is best-first. regex mode scans a bounded window of rows and filters with the given regular expression, chronological order. Matches return ids usable with lcm_describe and lcm_expand.`
}

// ValidateInput validates the input parameters.
func (t *GrepTool) ValidateInput(parameters string) error {
	input := &GrepInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if input.Pattern == "" {
		return errors.New("pattern is required")
	}
	switch input.Mode {
	case "", string(store.SearchFullText), string(store.SearchRegex):
	default:
		return errors.Errorf("unknown mode %q", input.Mode)
	}
	switch input.Scope {
	case "", string(retrieval.ScopeMessages), string(retrieval.ScopeSummaries), string(retrieval.ScopeBoth):
	default:
		return errors.Errorf("unknown scope %q", input.Scope)
	}
	return nil
}

// TracingKVs returns tracing attributes.
func (t *GrepTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &GrepInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.String("pattern", input.Pattern),
		attribute.String("mode", input.Mode),
		attribute.String("scope", input.Scope),
	}, nil
}

// Execute runs the search.
func (t *GrepTool) Execute(ctx context.Context, parameters string) tooltypes.ToolResult {
	input := &GrepInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &GrepToolResult{err: err.Error()}
	}

	result, err := t.deps.Retrieval.Grep(ctx, retrieval.GrepRequest{
		Query:          input.Pattern,
		Mode:           store.SearchMode(input.Mode),
		Scope:          retrieval.Scope(input.Scope),
		ConversationID: lcm.ConversationID(input.ConversationID),
		Limit:          input.Limit,
		Auth:           retrieval.Auth{SessionKey: t.deps.SessionKey},
	})
	if err != nil {
		return &GrepToolResult{err: err.Error()}
	}

	metadata := GrepMetadata{
		TotalMatches: len(result.Matches),
		ScannedCount: result.ScannedCount,
		Truncated:    result.Truncated,
	}
	for _, m := range result.Matches {
		if m.Kind == "message" {
			metadata.MessageCount++
		} else {
			metadata.SummaryCount++
		}
	}

	return &GrepToolResult{result: renderMatches(result), metadata: metadata}
}

func renderMatches(result retrieval.GrepResult) string {
	if len(result.Matches) == 0 {
		return "No matches."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d matches (scanned %d rows", len(result.Matches), result.ScannedCount)
	if result.Truncated {
		b.WriteString(", truncated")
	}
	b.WriteString("):\n")

	for _, m := range result.Matches {
		switch m.Kind {
		case "message":
			fmt.Fprintf(&b, "- [message %s] #%d %s: %s\n", m.ID, m.Ordinal, m.Role, m.Snippet)
		default:
			fmt.Fprintf(&b, "- [summary %s] %s: %s\n", m.ID, m.Title, m.Snippet)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
