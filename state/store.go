package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

type ListTurnsQuery struct {
	ConversationID string
	Limit          int
	Offset         int
	Status         string
}

// Store persists turn audit rows and the append-only checkpoint log.
// SaveCheckpoint assigns and returns the sequence number; callers never
// pick their own.
type Store interface {
	SaveTurn(ctx context.Context, turn TurnRecord) error
	LoadTurn(ctx context.Context, turnID string) (TurnRecord, error)
	ListTurns(ctx context.Context, query ListTurnsQuery) ([]TurnRecord, error)

	SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) (int64, error)
	LoadLatestCheckpoint(ctx context.Context, conversationID string) (CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, conversationID string, limit int) ([]CheckpointRecord, error)

	Close() error
}

// Locker is implemented by stores that can arbitrate conversation
// ownership across processes.
type Locker interface {
	AcquireConversationLock(ctx context.Context, conversationID, owner string, ttl time.Duration) (bool, error)
	ReleaseConversationLock(ctx context.Context, conversationID, owner string) error
}
