package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/metherx/cellagent/state"
)

const defaultLimit = 50

// Store keeps turns and checkpoints in process memory. It is the
// default backend for tests and single-shot CLI runs.
type Store struct {
	mu          sync.RWMutex
	turns       map[string]state.TurnRecord
	checkpoints map[string][]state.CheckpointRecord
	seqs        map[string]int64
	locks       map[string]string
}

func New() *Store {
	return &Store{
		turns:       map[string]state.TurnRecord{},
		checkpoints: map[string][]state.CheckpointRecord{},
		seqs:        map[string]int64{},
		locks:       map[string]string{},
	}
}

func (s *Store) SaveTurn(ctx context.Context, turn state.TurnRecord) error {
	_ = ctx
	if turn.TurnID == "" {
		return fmt.Errorf("turn_id is required")
	}
	if turn.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	now := time.Now().UTC()
	if turn.CreatedAt == nil {
		turn.CreatedAt = &now
	}
	if turn.UpdatedAt == nil {
		turn.UpdatedAt = &now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.turns[turn.TurnID]; ok {
		turn.CreatedAt = existing.CreatedAt
	}
	s.turns[turn.TurnID] = turn
	return nil
}

func (s *Store) LoadTurn(ctx context.Context, turnID string) (state.TurnRecord, error) {
	_ = ctx
	if strings.TrimSpace(turnID) == "" {
		return state.TurnRecord{}, fmt.Errorf("turn_id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return state.TurnRecord{}, state.ErrNotFound
	}
	return turn, nil
}

func (s *Store) ListTurns(ctx context.Context, query state.ListTurnsQuery) ([]state.TurnRecord, error) {
	_ = ctx
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]state.TurnRecord, 0, len(s.turns))
	for _, turn := range s.turns {
		if query.ConversationID != "" && turn.ConversationID != query.ConversationID {
			continue
		}
		if query.Status != "" && turn.Status != query.Status {
			continue
		}
		out = append(out, turn)
	}
	sort.Slice(out, func(i, j int) bool {
		left, right := time.Time{}, time.Time{}
		if out[i].CreatedAt != nil {
			left = *out[i].CreatedAt
		}
		if out[j].CreatedAt != nil {
			right = *out[j].CreatedAt
		}
		if !left.Equal(right) {
			return left.After(right)
		}
		return out[i].TurnID < out[j].TurnID
	})

	if offset >= len(out) {
		return []state.TurnRecord{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) (int64, error) {
	_ = ctx
	if checkpoint.ConversationID == "" {
		return 0, fmt.Errorf("conversation_id is required")
	}
	if checkpoint.State == nil {
		checkpoint.State = map[string]any{}
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}
	// Deep copy through JSON so callers cannot mutate a stored snapshot.
	raw, err := json.Marshal(checkpoint.State)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return 0, fmt.Errorf("failed to copy checkpoint state: %w", err)
	}
	checkpoint.State = snapshot

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[checkpoint.ConversationID]++
	checkpoint.Seq = s.seqs[checkpoint.ConversationID]
	s.checkpoints[checkpoint.ConversationID] = append(s.checkpoints[checkpoint.ConversationID], checkpoint)
	return checkpoint.Seq, nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, conversationID string) (state.CheckpointRecord, error) {
	_ = ctx
	if conversationID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("conversation_id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.checkpoints[conversationID]
	if len(log) == 0 {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	return log[len(log)-1], nil
}

func (s *Store) ListCheckpoints(ctx context.Context, conversationID string, limit int) ([]state.CheckpointRecord, error) {
	_ = ctx
	if conversationID == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.checkpoints[conversationID]
	out := make([]state.CheckpointRecord, 0, limit)
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

func (s *Store) AcquireConversationLock(ctx context.Context, conversationID, owner string, ttl time.Duration) (bool, error) {
	_ = ctx
	_ = ttl
	if conversationID == "" || owner == "" {
		return false, fmt.Errorf("conversation_id and owner are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, held := s.locks[conversationID]; held && holder != owner {
		return false, nil
	}
	s.locks[conversationID] = owner
	return true, nil
}

func (s *Store) ReleaseConversationLock(ctx context.Context, conversationID, owner string) error {
	_ = ctx
	if conversationID == "" || owner == "" {
		return fmt.Errorf("conversation_id and owner are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[conversationID] == owner {
		delete(s.locks, conversationID)
	}
	return nil
}

func (s *Store) Close() error { return nil }
