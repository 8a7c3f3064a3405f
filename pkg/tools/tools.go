// Package tools implements the agent-facing retrieval tool surface:
// lcm_describe, lcm_grep, lcm_expand, and lcm_expand_query.
package tools

import (
	"github.com/invopop/jsonschema"

	"github.com/openclaw/lcm/pkg/expansion"
	"github.com/openclaw/lcm/pkg/retrieval"
	tooltypes "github.com/openclaw/lcm/pkg/types/tools"
	"github.com/openclaw/lcm/pkg/types/lcm"
)

// GenerateSchema builds the JSON schema for a tool input type.
func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T

	return reflector.Reflect(v)
}

// Deps carries the engines the tools execute against.
type Deps struct {
	Retrieval    *retrieval.Engine
	Orchestrator *expansion.Orchestrator
	Config       lcm.Config
	// SessionKey identifies the calling session for delegated auth.
	// Empty for the main agent.
	SessionKey string
}

// All returns the LCM tool set.
func All(deps Deps) []tooltypes.Tool {
	return []tooltypes.Tool{
		&DescribeTool{deps: deps},
		&GrepTool{deps: deps},
		&ExpandTool{deps: deps},
		&ExpandQueryTool{deps: deps},
	}
}
