package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/metherx/cellagent/agent"
	"github.com/metherx/cellagent/llm"
	"github.com/metherx/cellagent/state"
	memorystore "github.com/metherx/cellagent/state/memory"
	"github.com/metherx/cellagent/tools"
	"github.com/metherx/cellagent/types"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []types.Response
	requests  []types.Request
	calls     int
	delay     time.Duration
	inFlight  int
	maxFlight int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: true}
}

func (p *scriptedProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.inFlight++
	if p.inFlight > p.maxFlight {
		p.maxFlight = p.inFlight
	}
	if p.calls >= len(p.responses) {
		p.inFlight--
		p.mu.Unlock()
		return types.Response{}, fmt.Errorf("script exhausted after %d calls", p.calls)
	}
	resp := p.responses[p.calls]
	p.calls++
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(p.delay):
		}
	}

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	return resp, nil
}

func textResponse(content string) types.Response {
	return types.Response{Message: types.Message{Role: types.RoleAssistant, Content: content}}
}

func toolCallResponse(id, name, args string) types.Response {
	return types.Response{Message: types.Message{
		Role: types.RoleAssistant,
		ToolCalls: []types.ToolCall{
			{ID: id, Name: name, Arguments: json.RawMessage(args)},
		},
	}}
}

func calculatorCoordinator(t *testing.T, provider llm.Provider, store state.Store, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewCalculator())
	engine, err := agent.New(provider, agent.WithRegistry(registry))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	c, err := New(engine, store, opts...)
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return c
}

func TestCoordinator_CheckpointsEveryTransition(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		toolCallResponse("call-0", "calculator", `{"expression":"2+2"}`),
		textResponse("4"),
	}}
	store := memorystore.New()
	c := calculatorCoordinator(t, provider, store)

	res, err := c.HandleTurn(context.Background(), "conv-1", "what is 2+2?")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if res.Status != agent.StatusCompleted || res.Output != "4" {
		t.Fatalf("unexpected result: %#v", res)
	}

	// One checkpoint for the fresh state, then one per transition:
	// reasoning, tool_call, reasoning, final.
	checkpoints, err := store.ListCheckpoints(context.Background(), "conv-1", 100)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(checkpoints) != 5 {
		t.Fatalf("expected 5 checkpoints, got %d", len(checkpoints))
	}
	for i := 1; i < len(checkpoints); i++ {
		if checkpoints[i-1].Seq <= checkpoints[i].Seq {
			t.Fatalf("expected strictly decreasing listing order, got %#v", checkpoints)
		}
	}
	if res.LastCheckpoint != checkpoints[0].Seq {
		t.Fatalf("result should carry the final checkpoint seq: %d vs %d", res.LastCheckpoint, checkpoints[0].Seq)
	}

	turn, err := store.LoadTurn(context.Background(), res.TurnID)
	if err != nil {
		t.Fatalf("LoadTurn failed: %v", err)
	}
	if turn.Status != string(agent.StatusCompleted) || turn.Output != "4" {
		t.Fatalf("unexpected turn record: %#v", turn)
	}
}

func TestCoordinator_CarriesHistoryAcrossTurns(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		textResponse("the answer is 4"),
		textResponse("you asked what 2+2 is"),
	}}
	store := memorystore.New()
	c := calculatorCoordinator(t, provider, store)

	first, err := c.HandleTurn(context.Background(), "conv-hist", "what is 2+2?")
	if err != nil {
		t.Fatalf("first HandleTurn failed: %v", err)
	}
	second, err := c.HandleTurn(context.Background(), "conv-hist", "what did I just ask you?")
	if err != nil {
		t.Fatalf("second HandleTurn failed: %v", err)
	}
	if second.TurnID == first.TurnID {
		t.Fatalf("follow-up input must start its own turn, got %q twice", second.TurnID)
	}
	if second.Steps != 1 {
		t.Fatalf("step counter must reset per turn, got %d", second.Steps)
	}
	if second.Output != "you asked what 2+2 is" {
		t.Fatalf("unexpected second output: %q", second.Output)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.requests) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(provider.requests))
	}
	msgs := provider.requests[1].Messages
	if len(msgs) != 3 {
		t.Fatalf("second request must carry the first exchange, got %d messages: %#v", len(msgs), msgs)
	}
	if msgs[0].Role != types.RoleUser || msgs[0].Content != "what is 2+2?" {
		t.Fatalf("missing first user message: %#v", msgs[0])
	}
	if msgs[1].Role != types.RoleAssistant || msgs[1].Content != "the answer is 4" {
		t.Fatalf("missing first assistant message: %#v", msgs[1])
	}
	if msgs[2].Role != types.RoleUser || msgs[2].Content != "what did I just ask you?" {
		t.Fatalf("new input must be the last message: %#v", msgs[2])
	}
}

func asyncTicketCoordinator(t *testing.T, provider *scriptedProvider, store state.Store) *Coordinator {
	t.Helper()
	registry := tools.NewRegistry()
	if err := registry.RegisterFunc("lookup_ticket", "Looks up a support ticket.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string"},
		},
		"required": []any{"id"},
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		return nil, tools.ErrAsyncPending
	}); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	engine, err := agent.New(provider, agent.WithRegistry(registry))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	c, err := New(engine, store)
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return c
}

func TestCoordinator_PendingToolBlocksNewInput(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		toolCallResponse("call-0", "lookup_ticket", `{"id":"T-1"}`),
		textResponse("ticket is resolved"),
		textResponse("you first asked about ticket T-1"),
	}}
	store := memorystore.New()
	c := asyncTicketCoordinator(t, provider, store)

	res, err := c.HandleTurn(context.Background(), "conv-block", "check ticket T-1")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if res.Status != agent.StatusAwaitingTool {
		t.Fatalf("expected awaiting_tool, got %s", res.Status)
	}
	firstTurn := res.TurnID

	// A new input must not silently resume the parked turn.
	_, err = c.HandleTurn(context.Background(), "conv-block", "second question")
	if !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("expected ErrTurnInProgress, got %v", err)
	}

	if _, err := c.DeliverToolResult(context.Background(), "conv-block", "call-0", json.RawMessage(`{"status":"resolved"}`), ""); err != nil {
		t.Fatalf("DeliverToolResult failed: %v", err)
	}

	// Retrying the new input now runs it as its own turn, with the first
	// turn's exchange in the history.
	res, err = c.HandleTurn(context.Background(), "conv-block", "second question")
	if err != nil {
		t.Fatalf("retried HandleTurn failed: %v", err)
	}
	if res.TurnID == firstTurn {
		t.Fatalf("retried input must get its own turn id")
	}
	if res.Output != "you first asked about ticket T-1" {
		t.Fatalf("unexpected output: %q", res.Output)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	last := provider.requests[len(provider.requests)-1].Messages
	var sawFirstInput bool
	for _, msg := range last {
		if msg.Role == types.RoleUser && msg.Content == "check ticket T-1" {
			sawFirstInput = true
		}
	}
	if !sawFirstInput {
		t.Fatalf("second turn must see the first turn's input, got %#v", last)
	}
	if last[len(last)-1].Content != "second question" {
		t.Fatalf("new input must be the last message, got %#v", last[len(last)-1])
	}
}

type flakyStore struct {
	state.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) (int64, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.failures != 0
	if f.failures > 0 {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return 0, errors.New("disk full")
	}
	return f.Store.SaveCheckpoint(ctx, checkpoint)
}

func TestCoordinator_CheckpointWriteRetries(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		textResponse("hi"),
	}}
	store := &flakyStore{Store: memorystore.New(), failures: 1}
	c := calculatorCoordinator(t, provider, store,
		WithCheckpointBackoff(agent.RetryPolicy{BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))

	res, err := c.HandleTurn(context.Background(), "conv-retry", "hello")
	if err != nil {
		t.Fatalf("HandleTurn should survive one transient write failure: %v", err)
	}
	if res.Status != agent.StatusCompleted {
		t.Fatalf("unexpected status: %s", res.Status)
	}
}

func TestCoordinator_CheckpointWriteFailureFailsTurn(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		textResponse("hi"),
	}}
	store := &flakyStore{Store: memorystore.New(), failures: -1} // always fail
	c := calculatorCoordinator(t, provider, store,
		WithCheckpointAttempts(2),
		WithCheckpointBackoff(agent.RetryPolicy{BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))

	_, err := c.HandleTurn(context.Background(), "conv-fail", "hello")
	var writeErr *CheckpointWriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("expected CheckpointWriteError, got %v", err)
	}
	if writeErr.Attempts != 2 {
		t.Fatalf("expected 2 attempts recorded, got %d", writeErr.Attempts)
	}
	if store.attempts < 2 {
		t.Fatalf("expected at least 2 write attempts, got %d", store.attempts)
	}
}

func TestCoordinator_ResumesInterruptedTurn(t *testing.T) {
	store := memorystore.New()

	// First process: the reasoning transition completes and checkpoints,
	// then the process dies before the tool runs.
	first := &scriptedProvider{responses: []types.Response{
		toolCallResponse("call-0", "calculator", `{"expression":"2+2"}`),
	}}
	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewCalculator())
	engine, err := agent.New(first, agent.WithRegistry(registry))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	st := engine.NewTurn("conv-resume", "turn-1", "what is 2+2?")
	if err := engine.Step(context.Background(), st); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	snapshot, err := st.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if _, err := store.SaveCheckpoint(context.Background(), state.CheckpointRecord{
		ConversationID: "conv-resume",
		Phase:          string(st.Phase),
		State:          snapshot,
	}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// Second process resumes from the checkpoint and finishes the turn.
	second := &scriptedProvider{responses: []types.Response{
		textResponse("4"),
	}}
	c := calculatorCoordinator(t, second, store)

	res, err := c.Resume(context.Background(), "conv-resume")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if res.Status != agent.StatusCompleted || res.Output != "4" {
		t.Fatalf("unexpected resume result: %#v", res)
	}
	if res.TurnID != "turn-1" {
		t.Fatalf("resume must continue the same turn, got %q", res.TurnID)
	}

	// Nothing left to resume.
	if _, err := c.Resume(context.Background(), "conv-resume"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after completion, got %v", err)
	}
}

func TestCoordinator_AsyncToolDelivery(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.RegisterFunc("lookup_ticket", "Looks up a support ticket.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string"},
		},
		"required": []any{"id"},
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		return nil, tools.ErrAsyncPending
	}); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}

	provider := &scriptedProvider{responses: []types.Response{
		toolCallResponse("call-0", "lookup_ticket", `{"id":"T-1"}`),
		textResponse("ticket is resolved"),
	}}
	engine, err := agent.New(provider, agent.WithRegistry(registry))
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	store := memorystore.New()
	c, err := New(engine, store)
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	res, err := c.HandleTurn(context.Background(), "conv-async", "check ticket T-1")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if res.Status != agent.StatusAwaitingTool {
		t.Fatalf("expected awaiting_tool, got %s", res.Status)
	}

	res, err = c.DeliverToolResult(context.Background(), "conv-async", "call-0", json.RawMessage(`{"status":"resolved"}`), "")
	if err != nil {
		t.Fatalf("DeliverToolResult failed: %v", err)
	}
	if res.Status != agent.StatusCompleted || res.Output != "ticket is resolved" {
		t.Fatalf("unexpected result after delivery: %#v", res)
	}

	// A repeat delivery finds nothing to resume.
	_, err = c.DeliverToolResult(context.Background(), "conv-async", "call-0", json.RawMessage(`{"status":"resolved"}`), "")
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for delivery after completion, got %v", err)
	}
}

func TestCoordinator_SerializesConversationTurns(t *testing.T) {
	provider := &scriptedProvider{
		responses: []types.Response{
			textResponse("one"),
			textResponse("two"),
		},
		delay: 20 * time.Millisecond,
	}
	store := memorystore.New()
	c := calculatorCoordinator(t, provider, store)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.HandleTurn(context.Background(), "conv-serial", "hello"); err != nil {
				t.Errorf("HandleTurn failed: %v", err)
			}
		}()
	}
	wg.Wait()

	provider.mu.Lock()
	maxFlight := provider.maxFlight
	provider.mu.Unlock()
	if maxFlight != 1 {
		t.Fatalf("expected serialized turns, saw %d concurrent provider calls", maxFlight)
	}

	turns, err := store.ListTurns(context.Background(), state.ListTurnsQuery{ConversationID: "conv-serial", Limit: 10})
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turn records, got %d", len(turns))
	}
}
