package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/metherx/cellagent/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSQLiteStore_SaveLoadTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	record := state.TurnRecord{
		TurnID:         "turn-1",
		ConversationID: "conv-1",
		Status:         "running",
		Input:          "hello",
		Metadata:       map[string]any{"source": "test"},
		CreatedAt:      &now,
		UpdatedAt:      &now,
	}
	if err := s.SaveTurn(ctx, record); err != nil {
		t.Fatalf("SaveTurn failed: %v", err)
	}

	got, err := s.LoadTurn(ctx, "turn-1")
	if err != nil {
		t.Fatalf("LoadTurn failed: %v", err)
	}
	if got.TurnID != "turn-1" || got.ConversationID != "conv-1" {
		t.Fatalf("unexpected turn identity: %#v", got)
	}
	if got.Metadata["source"] != "test" {
		t.Fatalf("unexpected turn metadata: %#v", got.Metadata)
	}

	turns, err := s.ListTurns(ctx, state.ListTurnsQuery{ConversationID: "conv-1", Limit: 10})
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
}

func TestSQLiteStore_SaveTurnUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	record := state.TurnRecord{
		TurnID:         "turn-upsert",
		ConversationID: "conv-1",
		Status:         "running",
		Input:          "first",
		Metadata:       map[string]any{},
		CreatedAt:      &now,
		UpdatedAt:      &now,
	}
	if err := s.SaveTurn(ctx, record); err != nil {
		t.Fatalf("SaveTurn initial failed: %v", err)
	}

	updated := record
	updated.Status = "completed"
	updated.Output = "done"
	now2 := now.Add(time.Second)
	updated.UpdatedAt = &now2
	updated.CompletedAt = &now2
	if err := s.SaveTurn(ctx, updated); err != nil {
		t.Fatalf("SaveTurn upsert failed: %v", err)
	}

	got, err := s.LoadTurn(ctx, "turn-upsert")
	if err != nil {
		t.Fatalf("LoadTurn failed: %v", err)
	}
	if got.Status != "completed" || got.Output != "done" {
		t.Fatalf("upsert not applied: %#v", got)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at should be set after upsert")
	}
}

func TestSQLiteStore_CheckpointSequencesIncrease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	seq1, err := s.SaveCheckpoint(ctx, state.CheckpointRecord{
		ConversationID: "conv-ckpt",
		Phase:          "reasoning",
		State:          map[string]any{"k": "v1"},
		CreatedAt:      now,
	})
	if err != nil {
		t.Fatalf("SaveCheckpoint 1 failed: %v", err)
	}
	seq2, err := s.SaveCheckpoint(ctx, state.CheckpointRecord{
		ConversationID: "conv-ckpt",
		Phase:          "tool_call",
		State:          map[string]any{"k": "v2"},
		CreatedAt:      now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("SaveCheckpoint 2 failed: %v", err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("expected sequences 1 and 2, got %d and %d", seq1, seq2)
	}

	// A second conversation starts its own sequence.
	other, err := s.SaveCheckpoint(ctx, state.CheckpointRecord{
		ConversationID: "conv-other",
		Phase:          "reasoning",
		State:          map[string]any{},
		CreatedAt:      now,
	})
	if err != nil {
		t.Fatalf("SaveCheckpoint other failed: %v", err)
	}
	if other != 1 {
		t.Fatalf("expected seq 1 for a new conversation, got %d", other)
	}

	latest, err := s.LoadLatestCheckpoint(ctx, "conv-ckpt")
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint failed: %v", err)
	}
	if latest.Seq != 2 || latest.Phase != "tool_call" {
		t.Fatalf("unexpected latest checkpoint: %#v", latest)
	}
	if latest.State["k"] != "v2" {
		t.Fatalf("unexpected latest state: %#v", latest.State)
	}

	all, err := s.ListCheckpoints(ctx, "conv-ckpt", 10)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(all))
	}
	if all[0].Seq != 2 || all[1].Seq != 1 {
		t.Fatalf("unexpected checkpoint order: %#v", all)
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LoadTurn(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing turn, got %v", err)
	}
	if _, err := s.LoadLatestCheckpoint(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing checkpoint, got %v", err)
	}
}
