package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/metherx/cellagent/types"
)

// Tool is a named capability with a declared JSON schema for its input.
// Handlers are black boxes: they may be slow or fail, and the Registry
// brackets every call with a timeout.
type Tool interface {
	Definition() types.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

type Handler func(ctx context.Context, args json.RawMessage) (any, error)

type FuncTool struct {
	def types.ToolDefinition
	fn  Handler
}

func NewFuncTool(name, description string, schema map[string]any, fn Handler) *FuncTool {
	return &FuncTool{
		def: types.ToolDefinition{
			Name:        name,
			Description: description,
			JSONSchema:  schema,
		},
		fn: fn,
	}
}

func (t *FuncTool) Definition() types.ToolDefinition {
	return t.def
}

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool %q has no execute function", t.def.Name)
	}
	return t.fn(ctx, args)
}
