// Package tools defines the interfaces for the retrieval tool surface
// the agent layer consumes: tool execution, result structures, and JSON
// schema generation for LLM tool integration.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// Tool is one agent-facing tool.
type Tool interface {
	GenerateSchema() *jsonschema.Schema
	Name() string
	Description() string
	ValidateInput(parameters string) error
	Execute(ctx context.Context, parameters string) ToolResult
	TracingKVs(parameters string) ([]attribute.KeyValue, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult interface {
	AssistantFacing() string
	IsError() bool
	GetError() string
	GetResult() string
	StructuredData() StructuredToolResult
}

// StructuredToolResult is the machine-readable companion to the
// assistant-facing text.
type StructuredToolResult struct {
	ToolName  string    `json:"toolName"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Metadata  any       `json:"metadata,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BaseToolResult is a plain result/error pair.
type BaseToolResult struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

// AssistantFacing returns the formatted representation for the LLM.
func (t BaseToolResult) AssistantFacing() string {
	return StringifyToolResult(t.Result, t.Error)
}

// IsError reports whether the execution failed.
func (t BaseToolResult) IsError() bool { return t.Error != "" }

// GetError returns the error message, if any.
func (t BaseToolResult) GetError() string { return t.Error }

// GetResult returns the result string.
func (t BaseToolResult) GetResult() string { return t.Result }

// StructuredData returns the structured representation.
func (t BaseToolResult) StructuredData() StructuredToolResult {
	return StructuredToolResult{
		ToolName:  "unknown",
		Success:   !t.IsError(),
		Error:     t.Error,
		Timestamp: time.Now(),
	}
}

// StringifyToolResult formats a result and optional error into the
// assistant-facing wrapper.
func StringifyToolResult(result, err string) string {
	out := ""
	if err != "" {
		out = fmt.Sprintf("<error>\n%s\n</error>\n", err)
	}
	if result == "" {
		result = "(No output)"
	}
	out += fmt.Sprintf("<result>\n%s\n</result>\n", result)
	return out
}
