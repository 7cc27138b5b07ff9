package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/metherx/cellagent/types"
)

type Status string

const (
	StatusRunning      Status = "running"
	StatusAwaitingTool Status = "awaiting_tool"
	StatusSuspended    Status = "suspended"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Phase names the graph node the next Step call will execute.
type Phase string

const (
	PhaseReasoning Phase = "reasoning"
	PhaseToolCall  Phase = "tool_call"
	PhaseRetrieval Phase = "retrieval"
	PhaseFinal     Phase = "final"
)

// ToolInvocation is the durable record of one tool call, successful or
// not. Invalid and failed calls are recorded alongside successes so the
// turn history explains itself.
type ToolInvocation struct {
	CallID      string          `json:"callId,omitempty"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// PendingCall tracks a tool call whose result arrives out of band.
type PendingCall struct {
	Call         types.ToolCall `json:"call"`
	DispatchedAt time.Time      `json:"dispatchedAt"`
}

// State is the full working state of one turn. Everything here survives
// a JSON round trip, which is how checkpoints snapshot and restore it.
type State struct {
	ConversationID string           `json:"conversationId"`
	TurnID         string           `json:"turnId"`
	Status         Status           `json:"status"`
	Phase          Phase            `json:"phase"`
	Steps          int              `json:"steps"`
	StepLimitHit   bool             `json:"stepLimitHit,omitempty"`
	Input          string           `json:"input"`
	Output         string           `json:"output,omitempty"`
	FailureReason  string           `json:"failureReason,omitempty"`
	Messages       []types.Message  `json:"messages"`
	Invocations    []ToolInvocation `json:"invocations,omitempty"`
	Queue          []types.ToolCall `json:"queue,omitempty"`
	Pending        *PendingCall     `json:"pending,omitempty"`
	RetrievalQuery string           `json:"retrievalQuery,omitempty"`
	Retrievals     int              `json:"retrievals,omitempty"`
	InvalidCalls   map[string]int   `json:"invalidCalls,omitempty"`
	StartedAt      time.Time        `json:"startedAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// NewState begins a turn with the user input as the first message.
func NewState(conversationID, turnID, input string) *State {
	now := time.Now().UTC()
	return &State{
		ConversationID: conversationID,
		TurnID:         turnID,
		Status:         StatusRunning,
		Phase:          PhaseReasoning,
		Input:          input,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: input},
		},
		InvalidCalls: map[string]int{},
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// ContinueState begins a new turn on an existing conversation: the
// prior message history is carried forward and the new user input
// appended, while all per-turn bookkeeping starts clean.
func ContinueState(conversationID, turnID, input string, history []types.Message) *State {
	st := NewState(conversationID, turnID, input)
	if len(history) > 0 {
		st.Messages = append(append([]types.Message(nil), history...), st.Messages...)
	}
	return st
}

// Snapshot encodes the state as a generic map for checkpointing.
func (s *State) Snapshot() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode state snapshot: %w", err)
	}
	return out, nil
}

// Restore rebuilds a State from a checkpoint snapshot.
func Restore(snapshot map[string]any) (*State, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot is required")
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to restore state: %w", err)
	}
	if st.ConversationID == "" {
		return nil, fmt.Errorf("snapshot has no conversation id")
	}
	if st.InvalidCalls == nil {
		st.InvalidCalls = map[string]int{}
	}
	return &st, nil
}

// Terminal reports whether the turn has reached an end state.
func (s *State) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

func (s *State) appendMessage(msg types.Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
}

func (s *State) lastAssistantContent() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == types.RoleAssistant && s.Messages[i].Content != "" {
			return s.Messages[i].Content
		}
	}
	return ""
}

func (s *State) fail(reason string) {
	s.Status = StatusFailed
	s.FailureReason = reason
	s.UpdatedAt = time.Now().UTC()
}
