package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/metherx/cellagent/llm"
	"github.com/metherx/cellagent/observe"
	"github.com/metherx/cellagent/retrieval"
	"github.com/metherx/cellagent/tools"
	"github.com/metherx/cellagent/types"
)

const (
	// KnowledgeSearchToolName is the reserved tool the model calls to ask
	// for retrieval. It is offered to the provider like any other tool but
	// routed to the retrieval assembler instead of the registry.
	KnowledgeSearchToolName = "knowledge_search"

	defaultStepLimit         = 8
	defaultCorrectiveRetries = 1

	defaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help, " +
		"and call knowledge_search when you need facts from the knowledge base. " +
		"Answer directly once you have what you need."

	stepLimitAnswer = "I could not finish reasoning about this within the allowed number of steps."
)

func knowledgeSearchDefinition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        KnowledgeSearchToolName,
		Description: "Search the knowledge base for passages relevant to a natural language query.",
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look up in the knowledge base.",
				},
			},
			"required":             []any{"query"},
			"additionalProperties": false,
		},
	}
}

// Engine drives one turn through the reasoning graph a single transition
// at a time. Each Step call executes exactly one node, so the caller can
// checkpoint between transitions.
type Engine struct {
	provider          llm.Provider
	registry          *tools.Registry
	assembler         *retrieval.Assembler
	sink              observe.Sink
	retry             RetryPolicy
	stepLimit         int
	correctiveRetries int
	systemPrompt      string
	model             string
}

type EngineOption func(*Engine)

func WithRegistry(registry *tools.Registry) EngineOption {
	return func(e *Engine) {
		if registry != nil {
			e.registry = registry
		}
	}
}

// WithAssembler enables retrieval. Without it the knowledge_search tool
// is never offered to the provider.
func WithAssembler(assembler *retrieval.Assembler) EngineOption {
	return func(e *Engine) {
		e.assembler = assembler
	}
}

func WithSink(sink observe.Sink) EngineOption {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.retry = NormalizeRetryPolicy(policy)
	}
}

func WithStepLimit(limit int) EngineOption {
	return func(e *Engine) {
		if limit > 0 {
			e.stepLimit = limit
		}
	}
}

// WithCorrectiveRetries sets how many invalid calls per tool the model
// may correct before the turn fails.
func WithCorrectiveRetries(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.correctiveRetries = n
		}
	}
}

func WithSystemPrompt(prompt string) EngineOption {
	return func(e *Engine) {
		if prompt != "" {
			e.systemPrompt = prompt
		}
	}
}

func WithModel(model string) EngineOption {
	return func(e *Engine) {
		e.model = model
	}
}

func New(provider llm.Provider, opts ...EngineOption) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	e := &Engine{
		provider:          provider,
		registry:          tools.NewRegistry(),
		sink:              observe.NoopSink{},
		retry:             defaultRetryPolicy(),
		stepLimit:         defaultStepLimit,
		correctiveRetries: defaultCorrectiveRetries,
		systemPrompt:      defaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewTurn starts turn state for one user input.
func (e *Engine) NewTurn(conversationID, turnID, input string) *State {
	return NewState(conversationID, turnID, input)
}

// ContinueTurn starts turn state for a follow-up input, seeded with the
// message history accumulated by the conversation's earlier turns.
func (e *Engine) ContinueTurn(conversationID, turnID, input string, history []types.Message) *State {
	return ContinueState(conversationID, turnID, input, history)
}

// Step executes one graph transition. Terminal and awaiting states are
// no-ops so a replayed Step after resume never re-runs work.
func (e *Engine) Step(ctx context.Context, st *State) error {
	if st == nil {
		return fmt.Errorf("state is required")
	}
	if st.Terminal() || st.Status == StatusAwaitingTool {
		return nil
	}
	if err := ctx.Err(); err != nil {
		st.Status = StatusSuspended
		st.UpdatedAt = time.Now().UTC()
		return err
	}
	st.Status = StatusRunning

	switch st.Phase {
	case PhaseReasoning:
		return e.stepReasoning(ctx, st)
	case PhaseToolCall:
		return e.stepToolCall(ctx, st)
	case PhaseRetrieval:
		return e.stepRetrieval(ctx, st)
	case PhaseFinal:
		return e.stepFinal(ctx, st)
	default:
		err := fmt.Errorf("unknown phase %q", st.Phase)
		st.fail(err.Error())
		return err
	}
}

func (e *Engine) stepReasoning(ctx context.Context, st *State) error {
	if st.Steps >= e.stepLimit {
		st.StepLimitHit = true
		st.Phase = PhaseFinal
		e.emit(ctx, st, observe.Event{
			Kind:    observe.KindReason,
			Status:  observe.StatusCompleted,
			Message: "step limit reached, forcing final answer",
		})
		return nil
	}
	st.Steps++
	e.emit(ctx, st, observe.Event{Kind: observe.KindReason, Status: observe.StatusStarted})

	req := types.Request{
		Model:        e.model,
		SystemPrompt: e.systemPrompt,
		Messages:     st.Messages,
		Tools:        e.toolDefinitions(),
	}
	resp, err := e.generateWithRetry(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			st.Status = StatusSuspended
			st.UpdatedAt = time.Now().UTC()
			return ctx.Err()
		}
		st.fail(fmt.Sprintf("provider %s: %v", e.provider.Name(), err))
		e.emit(ctx, st, observe.Event{Kind: observe.KindReason, Status: observe.StatusFailed, Error: err.Error()})
		return fmt.Errorf("reasoning step failed: %w", err)
	}

	st.appendMessage(resp.Message)
	e.emit(ctx, st, observe.Event{Kind: observe.KindReason, Status: observe.StatusCompleted})

	calls := resp.Message.ToolCalls
	switch {
	case len(calls) == 0:
		st.Phase = PhaseFinal
	case calls[0].Name == KnowledgeSearchToolName:
		st.RetrievalQuery = parseRetrievalQuery(calls[0].Arguments, st.Input)
		// Calls batched behind the search run once retrieval is done.
		st.Queue = calls[1:]
		st.Phase = PhaseRetrieval
	default:
		st.Queue = calls
		st.Phase = PhaseToolCall
	}
	return nil
}

func (e *Engine) stepToolCall(ctx context.Context, st *State) error {
	if len(st.Queue) == 0 {
		st.Phase = PhaseReasoning
		return nil
	}
	call := st.Queue[0]
	st.Queue = st.Queue[1:]

	// knowledge_search is not in the registry; the model may batch it
	// anywhere in a call list, so route it by name wherever it appears.
	if call.Name == KnowledgeSearchToolName {
		st.RetrievalQuery = parseRetrievalQuery(call.Arguments, st.Input)
		st.Phase = PhaseRetrieval
		return nil
	}

	inv := ToolInvocation{
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		StartedAt: time.Now().UTC(),
	}
	e.emit(ctx, st, observe.Event{Kind: observe.KindTool, Status: observe.StatusStarted, ToolName: call.Name})

	result, err := e.registry.Invoke(ctx, call.Name, call.Arguments)
	switch {
	case err == nil:
		now := time.Now().UTC()
		inv.Result = result
		inv.CompletedAt = &now
		st.Invocations = append(st.Invocations, inv)
		st.appendMessage(types.Message{
			Role:       types.RoleTool,
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    string(result),
		})
		e.emit(ctx, st, observe.Event{Kind: observe.KindTool, Status: observe.StatusCompleted, ToolName: call.Name})

	case errors.Is(err, tools.ErrAsyncPending):
		st.Pending = &PendingCall{Call: call, DispatchedAt: inv.StartedAt}
		st.Status = StatusAwaitingTool
		st.UpdatedAt = time.Now().UTC()
		e.emit(ctx, st, observe.Event{
			Kind:     observe.KindTool,
			Status:   observe.StatusStarted,
			ToolName: call.Name,
			Message:  "dispatched, awaiting out-of-band result",
		})
		return nil

	case ctx.Err() != nil:
		st.Status = StatusSuspended
		st.UpdatedAt = time.Now().UTC()
		return ctx.Err()

	case errors.Is(err, tools.ErrInvalidArgs) || errors.Is(err, tools.ErrUnknownTool):
		now := time.Now().UTC()
		inv.Error = err.Error()
		inv.CompletedAt = &now
		st.Invocations = append(st.Invocations, inv)
		st.InvalidCalls[call.Name]++
		e.emit(ctx, st, observe.Event{Kind: observe.KindTool, Status: observe.StatusFailed, ToolName: call.Name, Error: err.Error()})
		if st.InvalidCalls[call.Name] > e.correctiveRetries {
			st.fail(err.Error())
			return fmt.Errorf("%w: tool %q: %v", ErrInvalidCallBudget, call.Name, err)
		}
		// Feed the validation failure back so the model can correct the call.
		st.appendMessage(types.Message{
			Role:       types.RoleTool,
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    errorPayload(err),
		})
		st.Queue = nil
		st.Phase = PhaseReasoning
		return nil

	default:
		// Execution failures and timeouts are reported back to the model,
		// which can retry, work around the tool, or answer without it.
		now := time.Now().UTC()
		inv.Error = err.Error()
		inv.CompletedAt = &now
		st.Invocations = append(st.Invocations, inv)
		st.appendMessage(types.Message{
			Role:       types.RoleTool,
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    errorPayload(err),
		})
		e.emit(ctx, st, observe.Event{Kind: observe.KindTool, Status: observe.StatusFailed, ToolName: call.Name, Error: err.Error()})
	}

	if len(st.Queue) == 0 {
		st.Phase = PhaseReasoning
	}
	return nil
}

func (e *Engine) stepRetrieval(ctx context.Context, st *State) error {
	e.emit(ctx, st, observe.Event{Kind: observe.KindRetrieval, Status: observe.StatusStarted, Message: st.RetrievalQuery})

	if e.assembler == nil {
		st.appendMessage(types.Message{
			Role:    types.RoleTool,
			Name:    KnowledgeSearchToolName,
			Content: "knowledge base is not configured",
		})
		st.Phase = afterRetrieval(st)
		return nil
	}

	bundle, err := e.assembler.Assemble(ctx, st.RetrievalQuery)
	if err != nil {
		if ctx.Err() != nil {
			st.Status = StatusSuspended
			st.UpdatedAt = time.Now().UTC()
			return ctx.Err()
		}
		// Retrieval backends going away must not kill the turn. Degrade to
		// an empty result and let the model answer without context.
		e.emit(ctx, st, observe.Event{Kind: observe.KindRetrieval, Status: observe.StatusFailed, Error: err.Error()})
		st.appendMessage(types.Message{
			Role:    types.RoleTool,
			Name:    KnowledgeSearchToolName,
			Content: "knowledge base is currently unavailable, answer from what you already know",
		})
		st.Phase = afterRetrieval(st)
		return nil
	}

	content := "no relevant knowledge found"
	if !bundle.Empty() {
		content = bundle.Render()
	}
	st.Retrievals++
	st.appendMessage(types.Message{
		Role:    types.RoleTool,
		Name:    KnowledgeSearchToolName,
		Content: content,
	})
	e.emit(ctx, st, observe.Event{
		Kind:       observe.KindRetrieval,
		Status:     observe.StatusCompleted,
		Attributes: map[string]any{"chunks": len(bundle.Chunks)},
	})
	st.Phase = afterRetrieval(st)
	return nil
}

// afterRetrieval drains tool calls batched alongside a knowledge_search
// before handing control back to the model.
func afterRetrieval(st *State) Phase {
	if len(st.Queue) > 0 {
		return PhaseToolCall
	}
	return PhaseReasoning
}

func (e *Engine) stepFinal(ctx context.Context, st *State) error {
	output := st.lastAssistantContent()
	if output == "" && st.StepLimitHit {
		output = stepLimitAnswer
	}
	st.Output = output
	st.Status = StatusCompleted
	st.UpdatedAt = time.Now().UTC()
	e.emit(ctx, st, observe.Event{Kind: observe.KindTurn, Status: observe.StatusCompleted, Message: output})
	return nil
}

// DeliverToolResult completes a pending out-of-band tool call. Delivery
// is idempotent per call id: a repeat for an already delivered call is a
// no-op.
func (e *Engine) DeliverToolResult(st *State, callID string, result json.RawMessage, toolErr string) error {
	if st == nil {
		return fmt.Errorf("state is required")
	}
	if st.Pending == nil {
		if alreadyDelivered(st, callID) {
			return nil
		}
		return ErrNoPendingTool
	}
	if st.Pending.Call.ID != callID {
		return fmt.Errorf("%w: expected call %q, got %q", ErrNoPendingTool, st.Pending.Call.ID, callID)
	}

	now := time.Now().UTC()
	call := st.Pending.Call
	inv := ToolInvocation{
		CallID:      call.ID,
		Name:        call.Name,
		Arguments:   call.Arguments,
		StartedAt:   st.Pending.DispatchedAt,
		CompletedAt: &now,
	}
	content := string(result)
	if toolErr != "" {
		inv.Error = toolErr
		content = errorPayload(errors.New(toolErr))
	} else {
		inv.Result = result
	}
	st.Invocations = append(st.Invocations, inv)
	st.appendMessage(types.Message{
		Role:       types.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    content,
	})
	st.Pending = nil
	st.Status = StatusRunning
	st.Phase = PhaseReasoning
	return nil
}

func alreadyDelivered(st *State, callID string) bool {
	for i := len(st.Invocations) - 1; i >= 0; i-- {
		if st.Invocations[i].CallID == callID && st.Invocations[i].CompletedAt != nil {
			return true
		}
	}
	return false
}

func (e *Engine) toolDefinitions() []types.ToolDefinition {
	defs := e.registry.Definitions()
	if e.assembler != nil {
		defs = append(defs, knowledgeSearchDefinition())
	}
	return defs
}

func (e *Engine) generateWithRetry(ctx context.Context, req types.Request) (types.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		resp, err := e.provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return types.Response{}, err
		}
		if attempt == e.retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return types.Response{}, ctx.Err()
		case <-time.After(e.retry.BackoffForAttempt(attempt)):
		}
	}
	return types.Response{}, lastErr
}

func (e *Engine) emit(ctx context.Context, st *State, event observe.Event) {
	event.ConversationID = st.ConversationID
	event.TurnID = st.TurnID
	event.Provider = e.provider.Name()
	_ = e.sink.Emit(ctx, event)
}

func parseRetrievalQuery(args json.RawMessage, fallback string) string {
	var parsed struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &parsed); err == nil && parsed.Query != "" {
		return parsed.Query
	}
	return fallback
}

func errorPayload(err error) string {
	raw, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(raw)
}
