package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/metherx/cellagent/types"
)

const defaultCallTimeout = 30 * time.Second

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry maps tool names to capabilities with declared input schemas.
// It is an explicitly constructed instance, safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	timeout time.Duration
}

type RegistryOption func(*Registry)

// WithCallTimeout bounds every Invoke. Zero disables the bound.
func WithCallTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout >= 0 {
			r.timeout = timeout
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: map[string]*entry{},
		timeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	def := tool.Definition()
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}

	var compiled *gojsonschema.Schema
	if def.JSONSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.JSONSchema))
		if err != nil {
			return fmt.Errorf("tool %q has an invalid schema: %w", name, err)
		}
		compiled = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.entries[name] = &entry{tool: tool, schema: compiled}
	return nil
}

func (r *Registry) RegisterFunc(name, description string, schema map[string]any, fn Handler) error {
	return r.Register(NewFuncTool(name, description, schema, fn))
}

func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.tool.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke resolves a tool by name, validates the arguments against its
// declared schema, and runs the handler under the per-call timeout.
// Failures are typed: ErrUnknownTool, *SchemaValidationError,
// *ExecutionError, ErrTimeout. ErrAsyncPending passes through unwrapped.
// The registry never retries; a timed-out handler's late result is dropped,
// never delivered.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := validateArgs(name, e.schema, args); err != nil {
		return nil, err
	}

	callCtx := ctx
	cancel := func() {}
	if r.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	// Buffered so a late handler result is dropped instead of delivered.
	done := make(chan outcome, 1)
	go func() {
		value, err := e.tool.Execute(callCtx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tool %q: %w", name, ErrTimeout)
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, ErrAsyncPending) {
				return nil, ErrAsyncPending
			}
			return nil, &ExecutionError{Tool: name, Err: out.err}
		}
		raw, err := json.Marshal(out.value)
		if err != nil {
			return nil, &ExecutionError{Tool: name, Err: fmt.Errorf("failed to encode tool output: %w", err)}
		}
		return raw, nil
	}
}

func validateArgs(name string, schema *gojsonschema.Schema, args json.RawMessage) error {
	if schema == nil {
		if !json.Valid(args) {
			return &SchemaValidationError{Tool: name, Causes: []string{"arguments are not valid JSON"}}
		}
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &SchemaValidationError{Tool: name, Causes: []string{err.Error()}}
	}
	if !result.Valid() {
		causes := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			causes = append(causes, desc.String())
		}
		return &SchemaValidationError{Tool: name, Causes: causes}
	}
	return nil
}
