// Package queue defines the deferred turn intake boundary: callers
// enqueue turns, workers claim them and drive the coordinator.
package queue

import (
	"context"
	"time"
)

// TurnTask is one queued user turn waiting for a worker.
type TurnTask struct {
	ConversationID string         `json:"conversationId"`
	Input          string         `json:"input"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"maxAttempts"`
	NotBefore      *time.Time     `json:"notBefore,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueuedAt"`
}

// Ready reports whether the task may run now.
func (t TurnTask) Ready(now time.Time) bool {
	return t.NotBefore == nil || !now.Before(*t.NotBefore)
}

// Delivery is a claimed task plus the broker bookkeeping needed to ack it.
type Delivery struct {
	ID       string    `json:"id"`
	Stream   string    `json:"stream"`
	Task     TurnTask  `json:"task"`
	Received time.Time `json:"received"`
}

type Stats struct {
	Queued     int64 `json:"queued"`
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"deadLetter"`
}

// Queue is the turn intake contract. Claim hands each task to exactly
// one consumer in the group; an unacked task stays pending and can be
// reclaimed after a worker dies.
type Queue interface {
	Enqueue(ctx context.Context, task TurnTask) (string, error)
	Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]Delivery, error)
	Ack(ctx context.Context, messageIDs ...string) error
	Requeue(ctx context.Context, task TurnTask, reason string, delay time.Duration) (string, error)
	DeadLetter(ctx context.Context, delivery Delivery, reason string) (string, error)
	ListDeadLetters(ctx context.Context, limit int) ([]Delivery, error)
	Redrive(ctx context.Context, id string) (string, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
