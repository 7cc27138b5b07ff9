package state

import "time"

// TurnRecord is the durable audit row for one conversation turn.
type TurnRecord struct {
	TurnID         string         `json:"turnId"`
	ConversationID string         `json:"conversationId"`
	Status         string         `json:"status"`
	Input          string         `json:"input"`
	Output         string         `json:"output"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time     `json:"updatedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

// CheckpointRecord is one append-only snapshot of agent state. Seq is
// assigned by the store on save and is strictly increasing per
// conversation.
type CheckpointRecord struct {
	ConversationID string         `json:"conversationId"`
	Seq            int64          `json:"seq"`
	Phase          string         `json:"phase"`
	State          map[string]any `json:"state,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}
