package agent

import "errors"

var (
	// ErrNoPendingTool reports a tool result delivery with nothing waiting.
	ErrNoPendingTool = errors.New("agent: no pending tool call")

	// ErrInvalidCallBudget reports that the model kept producing invalid
	// tool calls after its corrective retry was spent.
	ErrInvalidCallBudget = errors.New("agent: corrective retry budget exhausted")
)
