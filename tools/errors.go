package tools

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownTool reports a call to a name absent from the registry.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrInvalidArgs is the sentinel wrapped by SchemaValidationError.
	ErrInvalidArgs = errors.New("tools: invalid arguments")

	// ErrTimeout reports that a handler exceeded the per-call timeout.
	ErrTimeout = errors.New("tools: call timed out")

	// ErrAsyncPending is returned by handlers that dispatched work to an
	// external system and will deliver the result out of band. The registry
	// passes it through unwrapped so callers can suspend on it.
	ErrAsyncPending = errors.New("tools: result pending")
)

// SchemaValidationError reports arguments that do not conform to the
// tool's declared input schema.
type SchemaValidationError struct {
	Tool   string
	Causes []string
}

func (e *SchemaValidationError) Error() string {
	if len(e.Causes) == 0 {
		return fmt.Sprintf("tool %q: invalid arguments", e.Tool)
	}
	return fmt.Sprintf("tool %q: invalid arguments: %s", e.Tool, strings.Join(e.Causes, "; "))
}

func (e *SchemaValidationError) Unwrap() error { return ErrInvalidArgs }

// ExecutionError carries a handler's own failure with its underlying cause.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q execution failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
