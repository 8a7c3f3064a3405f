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
	"github.com/openclaw/lcm/pkg/types/lcm"
	tooltypes "github.com/openclaw/lcm/pkg/types/tools"
)

// DescribeTool resolves a summary, context item, or artifact id into
// its descriptor.
type DescribeTool struct {
	deps Deps
}

// DescribeInput defines the input parameters for lcm_describe.
type DescribeInput struct {
	ID               string `json:"id" jsonschema:"description=Summary/context item or artifact id to describe"`
	ConversationID   string `json:"conversationId,omitempty" jsonschema:"description=Restrict the lookup to one conversation"`
	AllConversations bool   `json:"allConversations,omitempty" jsonschema:"description=Allow resolving ids from any conversation"`
}

// DescribeToolResult carries the descriptor.
type DescribeToolResult struct {
	result     string
	err        string
	descriptor *retrieval.Descriptor
}

// GetResult returns the rendered descriptor.
func (r *DescribeToolResult) GetResult() string { return r.result }

// GetError returns the error message.
func (r *DescribeToolResult) GetError() string { return r.err }

// IsError reports failure.
func (r *DescribeToolResult) IsError() bool { return r.err != "" }

// AssistantFacing returns the string representation for the assistant.
func (r *DescribeToolResult) AssistantFacing() string {
	return tooltypes.StringifyToolResult(r.result, r.err)
}

// StructuredData returns structured metadata about the lookup.
func (r *DescribeToolResult) StructuredData() tooltypes.StructuredToolResult {
	return tooltypes.StructuredToolResult{
		ToolName:  "lcm_describe",
		Success:   !r.IsError(),
		Error:     r.err,
		Metadata:  r.descriptor,
		Timestamp: time.Now(),
	}
}

// Name returns the tool name.
func (t *DescribeTool) Name() string { return "lcm_describe" }

// GenerateSchema generates the JSON schema for the input parameters.
func (t *DescribeTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[DescribeInput]()
}

// Description returns the tool description.
func (t *DescribeTool) Description() string {
	return `Describe a compaction summary, context item, or stored artifact by id.

Returns the item's type, title, token estimate, creation time, lineage (parent and child ids), and for summaries the ordinal range of the canonical messages it covers. Use this before lcm_expand to judge whether a summary is worth expanding.`
}

// ValidateInput validates the input parameters.
func (t *DescribeTool) ValidateInput(parameters string) error {
	input := &DescribeInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return err
	}
	if input.ID == "" {
		return errors.New("id is required")
	}
	return nil
}

// TracingKVs returns tracing attributes.
func (t *DescribeTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	input := &DescribeInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{attribute.String("id", input.ID)}, nil
}

// Execute resolves the id.
func (t *DescribeTool) Execute(ctx context.Context, parameters string) tooltypes.ToolResult {
	input := &DescribeInput{}
	if err := json.Unmarshal([]byte(parameters), input); err != nil {
		return &DescribeToolResult{err: err.Error()}
	}

	desc, err := t.deps.Retrieval.Describe(ctx, input.ID, retrieval.Auth{SessionKey: t.deps.SessionKey})
	if err != nil {
		return &DescribeToolResult{err: err.Error()}
	}
	if desc == nil {
		return &DescribeToolResult{err: fmt.Sprintf("unknown id: %s", input.ID)}
	}

	if input.ConversationID != "" && !input.AllConversations {
		conv := descriptorConversation(desc)
		if string(conv) != input.ConversationID {
			scopeErr := &lcm.ScopeError{Reason: fmt.Sprintf("id %s belongs to conversation %s", input.ID, conv)}
			return &DescribeToolResult{err: scopeErr.Error()}
		}
	}

	return &DescribeToolResult{result: renderDescriptor(desc), descriptor: desc}
}

func descriptorConversation(desc *retrieval.Descriptor) lcm.ConversationID {
	if desc.Summary != nil {
		return desc.Summary.ConversationID
	}
	return desc.File.ConversationID
}

func renderDescriptor(desc *retrieval.Descriptor) string {
	var b strings.Builder
	if s := desc.Summary; s != nil {
		fmt.Fprintf(&b, "## %s (%s)\n", s.ID, s.ItemType)
		if s.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n", s.Title)
		}
		fmt.Fprintf(&b, "Conversation: %s\n", s.ConversationID)
		fmt.Fprintf(&b, "Tokens: ~%d | Created: %s\n", s.TokenEstimate, formatMs(s.CreatedAtMs))
		if s.Tombstoned {
			b.WriteString("Tombstoned: yes\n")
		}
		if s.SourceMessageRange != nil {
			fmt.Fprintf(&b, "Covers message ordinals %d..%d\n", s.SourceMessageRange[0], s.SourceMessageRange[1])
		}
		if len(s.Lineage.ParentIDs) > 0 {
			fmt.Fprintf(&b, "Parents: %s\n", joinIDs(s.Lineage.ParentIDs))
		}
		if len(s.Lineage.ChildIDs) > 0 {
			fmt.Fprintf(&b, "Children: %s\n", joinIDs(s.Lineage.ChildIDs))
		}
		return strings.TrimSuffix(b.String(), "\n")
	}

	f := desc.File
	fmt.Fprintf(&b, "## %s (file)\n", f.ID)
	fmt.Fprintf(&b, "Path: %s\n", f.Path)
	fmt.Fprintf(&b, "Conversation: %s\n", f.ConversationID)
	if f.MimeType != "" {
		fmt.Fprintf(&b, "Mime: %s\n", f.MimeType)
	}
	if f.Bytes > 0 {
		fmt.Fprintf(&b, "Bytes: %d\n", f.Bytes)
	}
	if f.SHA256 != "" {
		fmt.Fprintf(&b, "SHA256: %s\n", f.SHA256)
	}
	if f.RelatedMessageID != nil {
		fmt.Fprintf(&b, "Message: %s\n", *f.RelatedMessageID)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func joinIDs(ids []lcm.ItemID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
