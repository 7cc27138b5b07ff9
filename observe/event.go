package observe

import "time"

type Kind string

type Status string

const (
	KindTurn       Kind = "turn"
	KindReason     Kind = "reason"
	KindTool       Kind = "tool"
	KindRetrieval  Kind = "retrieval"
	KindCheckpoint Kind = "checkpoint"
	KindCustom     Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	ConversationID string         `json:"conversationId,omitempty"`
	TurnID         string         `json:"turnId,omitempty"`
	Kind           Kind           `json:"kind"`
	Status         Status         `json:"status,omitempty"`
	Name           string         `json:"name,omitempty"`
	Provider       string         `json:"provider,omitempty"`
	ToolName       string         `json:"toolName,omitempty"`
	Message        string         `json:"message,omitempty"`
	Error          string         `json:"error,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
