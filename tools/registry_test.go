package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func echoSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required":             []any{"text"},
		"additionalProperties": false,
	}
}

func TestRegistry_InvokeSuccess(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterFunc("echo", "Echoes text back.", echoSchema(), func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return map[string]string{"echo": in.Text}, nil
	}); err != nil {
		t.Fatalf("RegisterFunc failed: %v", err)
	}

	result, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(string(result), `"echo":"hi"`) {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "missing", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestRegistry_SchemaValidation(t *testing.T) {
	r := NewRegistry()
	called := false
	if err := r.RegisterFunc("echo", "Echoes text back.", echoSchema(), func(ctx context.Context, args json.RawMessage) (any, error) {
		called = true
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterFunc failed: %v", err)
	}

	cases := []struct {
		name string
		args string
	}{
		{"missing required field", `{}`},
		{"wrong type", `{"text":42}`},
		{"unknown field", `{"text":"hi","extra":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Invoke(context.Background(), "echo", json.RawMessage(tc.args))
			var schemaErr *SchemaValidationError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected SchemaValidationError, got %v", err)
			}
			if !errors.Is(err, ErrInvalidArgs) {
				t.Fatalf("expected ErrInvalidArgs sentinel, got %v", err)
			}
			if len(schemaErr.Causes) == 0 {
				t.Fatalf("expected causes to be recorded")
			}
		})
	}
	if called {
		t.Fatalf("handler must not run on invalid arguments")
	}
}

func TestRegistry_ExecutionError(t *testing.T) {
	r := NewRegistry()
	handlerErr := errors.New("backend down")
	if err := r.RegisterFunc("broken", "Always fails.", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
		return nil, handlerErr
	}); err != nil {
		t.Fatalf("RegisterFunc failed: %v", err)
	}

	_, err := r.Invoke(context.Background(), "broken", nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected the handler cause to be wrapped, got %v", err)
	}
}

func TestRegistry_Timeout(t *testing.T) {
	r := NewRegistry(WithCallTimeout(20 * time.Millisecond))
	if err := r.RegisterFunc("slow", "Sleeps past the deadline.", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return "late", nil
		}
	}); err != nil {
		t.Fatalf("RegisterFunc failed: %v", err)
	}

	start := time.Now()
	_, err := r.Invoke(context.Background(), "slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("timeout took too long: %s", time.Since(start))
	}
}

func TestRegistry_ParentCancellationWinsOverTimeout(t *testing.T) {
	r := NewRegistry(WithCallTimeout(time.Second))
	if err := r.RegisterFunc("slow", "Blocks until cancelled.", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}); err != nil {
		t.Fatalf("RegisterFunc failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Invoke(ctx, "slow", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRegistry_AsyncPendingPassesThrough(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterFunc("dispatch", "Dispatches work out of band.", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
		return nil, ErrAsyncPending
	}); err != nil {
		t.Fatalf("RegisterFunc failed: %v", err)
	}

	_, err := r.Invoke(context.Background(), "dispatch", nil)
	if !errors.Is(err, ErrAsyncPending) {
		t.Fatalf("expected ErrAsyncPending, got %v", err)
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		t.Fatalf("async pending must not be wrapped as an execution failure")
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewCalculator()); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := r.Register(NewCalculator()); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.RegisterFunc(name, "test tool", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, nil
		}); err != nil {
			t.Fatalf("RegisterFunc %s failed: %v", name, err)
		}
	}

	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	if defs[0].Name != "alpha" || defs[1].Name != "mid" || defs[2].Name != "zeta" {
		t.Fatalf("definitions not sorted: %#v", defs)
	}
}
