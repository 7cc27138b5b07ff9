package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/metherx/cellagent/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

// Store persists turns and checkpoints in a local sqlite file. It runs
// with a single write connection so checkpoint sequence assignment never
// races.
type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveTurn(ctx context.Context, turn state.TurnRecord) error {
	now := time.Now().UTC()
	if turn.CreatedAt == nil {
		turn.CreatedAt = &now
	}
	if turn.UpdatedAt == nil {
		turn.UpdatedAt = &now
	}
	if turn.TurnID == "" {
		return fmt.Errorf("turn_id is required")
	}
	if turn.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if turn.Status == "" {
		turn.Status = "running"
	}
	if turn.Metadata == nil {
		turn.Metadata = map[string]any{}
	}
	metaRaw, err := json.Marshal(turn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	const q = `
INSERT INTO turns (
  turn_id, conversation_id, status, input, output, metadata, error, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(turn_id) DO UPDATE SET
  conversation_id=excluded.conversation_id,
  status=excluded.status,
  input=excluded.input,
  output=excluded.output,
  metadata=excluded.metadata,
  error=excluded.error,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`

	_, err = s.db.ExecContext(
		ctx,
		q,
		turn.TurnID,
		turn.ConversationID,
		turn.Status,
		turn.Input,
		turn.Output,
		string(metaRaw),
		turn.Error,
		toNullableTime(turn.CreatedAt),
		toNullableTime(turn.UpdatedAt),
		toNullableTime(turn.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

func (s *Store) LoadTurn(ctx context.Context, turnID string) (state.TurnRecord, error) {
	if strings.TrimSpace(turnID) == "" {
		return state.TurnRecord{}, fmt.Errorf("turn_id is required")
	}

	const q = `
SELECT turn_id, conversation_id, status, input, output, metadata, error, created_at, updated_at, completed_at
FROM turns
WHERE turn_id = ?;
`
	var (
		turnRaw      state.TurnRecord
		metadataRaw  string
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)

	err := s.db.QueryRowContext(ctx, q, turnID).Scan(
		&turnRaw.TurnID,
		&turnRaw.ConversationID,
		&turnRaw.Status,
		&turnRaw.Input,
		&turnRaw.Output,
		&metadataRaw,
		&turnRaw.Error,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.TurnRecord{}, state.ErrNotFound
		}
		return state.TurnRecord{}, fmt.Errorf("failed to load turn: %w", err)
	}

	return decodeTurnRow(turnRaw, metadataRaw, createdRaw, updatedRaw, completedRaw)
}

func (s *Store) ListTurns(ctx context.Context, query state.ListTurnsQuery) ([]state.TurnRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, query.ConversationID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, query.Status)
	}

	sqlText := `
SELECT turn_id, conversation_id, status, input, output, metadata, error, created_at, updated_at, completed_at
FROM turns
`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	turns := make([]state.TurnRecord, 0, limit)
	for rows.Next() {
		var (
			turnRaw      state.TurnRecord
			metadataRaw  string
			createdRaw   string
			updatedRaw   string
			completedRaw sql.NullString
		)
		if err := rows.Scan(
			&turnRaw.TurnID,
			&turnRaw.ConversationID,
			&turnRaw.Status,
			&turnRaw.Input,
			&turnRaw.Output,
			&metadataRaw,
			&turnRaw.Error,
			&createdRaw,
			&updatedRaw,
			&completedRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turn, err := decodeTurnRow(turnRaw, metadataRaw, createdRaw, updatedRaw, completedRaw)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) (int64, error) {
	if checkpoint.ConversationID == "" {
		return 0, fmt.Errorf("conversation_id is required")
	}
	if checkpoint.Phase == "" {
		checkpoint.Phase = "unknown"
	}
	if checkpoint.State == nil {
		checkpoint.State = map[string]any{}
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	stateRaw, err := json.Marshal(checkpoint.State)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	// Sequence assignment and insert happen in one statement on the single
	// write connection, so sequences are gapless and strictly increasing.
	const q = `
INSERT INTO checkpoints (conversation_id, seq, phase, state, created_at)
VALUES (
  ?,
  (SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE conversation_id = ?),
  ?, ?, ?
)
RETURNING seq;
`
	var seq int64
	err = s.db.QueryRowContext(
		ctx,
		q,
		checkpoint.ConversationID,
		checkpoint.ConversationID,
		checkpoint.Phase,
		string(stateRaw),
		checkpoint.CreatedAt.UTC().Format(time.RFC3339Nano),
	).Scan(&seq)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, state.ErrConflict
		}
		return 0, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return seq, nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, conversationID string) (state.CheckpointRecord, error) {
	if conversationID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("conversation_id is required")
	}

	const q = `
SELECT conversation_id, seq, phase, state, created_at
FROM checkpoints
WHERE conversation_id = ?
ORDER BY seq DESC
LIMIT 1;
`

	var (
		record       state.CheckpointRecord
		stateRaw     string
		createdAtRaw string
	)
	err := s.db.QueryRowContext(ctx, q, conversationID).Scan(
		&record.ConversationID,
		&record.Seq,
		&record.Phase,
		&stateRaw,
		&createdAtRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	record.CreatedAt, err = parseRequiredTime(createdAtRaw)
	if err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to parse checkpoint created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(stateRaw), &record.State); err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	return record, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, conversationID string, limit int) ([]state.CheckpointRecord, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	const q = `
SELECT conversation_id, seq, phase, state, created_at
FROM checkpoints
WHERE conversation_id = ?
ORDER BY seq DESC
LIMIT ?;
`

	rows, err := s.db.QueryContext(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]state.CheckpointRecord, 0, limit)
	for rows.Next() {
		var (
			record       state.CheckpointRecord
			stateRaw     string
			createdAtRaw string
		)
		if err := rows.Scan(
			&record.ConversationID,
			&record.Seq,
			&record.Phase,
			&stateRaw,
			&createdAtRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		record.CreatedAt, err = parseRequiredTime(createdAtRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint time: %w", err)
		}
		if err := json.Unmarshal([]byte(stateRaw), &record.State); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeTurnRow(
	base state.TurnRecord,
	metadataRaw string,
	createdRaw string,
	updatedRaw string,
	completedRaw sql.NullString,
) (state.TurnRecord, error) {
	if strings.TrimSpace(metadataRaw) == "" {
		base.Metadata = map[string]any{}
	} else if err := json.Unmarshal([]byte(metadataRaw), &base.Metadata); err != nil {
		return state.TurnRecord{}, fmt.Errorf("failed to decode turn metadata: %w", err)
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.TurnRecord{}, fmt.Errorf("failed to parse turn created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.TurnRecord{}, fmt.Errorf("failed to parse turn updated_at: %w", err)
	}
	base.CreatedAt = &created
	base.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return state.TurnRecord{}, fmt.Errorf("failed to parse turn completed_at: %w", err)
		}
		base.CompletedAt = &completed
	}
	return base, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
