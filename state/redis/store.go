package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/metherx/cellagent/state"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "cellagent"
)

// Store keeps turns and checkpoints in redis. Checkpoint sequences come
// from an INCR counter per conversation, so they are strictly increasing
// even across processes.
type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

func (s *Store) SaveTurn(ctx context.Context, turn state.TurnRecord) error {
	if turn.TurnID == "" {
		return fmt.Errorf("turn_id is required")
	}
	if turn.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if turn.UpdatedAt == nil {
		now := time.Now().UTC()
		turn.UpdatedAt = &now
	}
	if turn.CreatedAt == nil {
		now := time.Now().UTC()
		turn.CreatedAt = &now
	}
	if turn.Metadata == nil {
		turn.Metadata = map[string]any{}
	}

	turnRaw, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	updatedUnix := float64(turn.UpdatedAt.Unix())
	turnKey := s.turnKey(turn.TurnID)
	conversationIdx := s.conversationIndexKey(turn.ConversationID)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, turnKey, string(turnRaw), s.ttl)
	pipe.ZAdd(ctx, conversationIdx, goredis.Z{
		Score:  updatedUnix,
		Member: turn.TurnID,
	})
	pipe.Expire(ctx, conversationIdx, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save turn in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadTurn(ctx context.Context, turnID string) (state.TurnRecord, error) {
	if turnID == "" {
		return state.TurnRecord{}, fmt.Errorf("turn_id is required")
	}

	raw, err := s.client.Get(ctx, s.turnKey(turnID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return state.TurnRecord{}, state.ErrNotFound
		}
		return state.TurnRecord{}, fmt.Errorf("failed to load turn from redis: %w", err)
	}

	var turn state.TurnRecord
	if err := json.Unmarshal([]byte(raw), &turn); err != nil {
		return state.TurnRecord{}, fmt.Errorf("failed to decode turn from redis: %w", err)
	}
	return turn, nil
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

	ids := make([]string, 0, limit)
	if query.ConversationID != "" {
		values, err := s.client.ZRevRange(ctx, s.conversationIndexKey(query.ConversationID), int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list turn ids by conversation: %w", err)
		}
		ids = append(ids, values...)
	} else {
		var cursor uint64
		match := s.turnPattern()
		for len(ids) < limit {
			keys, next, err := s.client.Scan(ctx, cursor, match, int64(limit)).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to scan redis turn keys: %w", err)
			}
			for _, key := range keys {
				if id := s.turnIDFromKey(key); id != "" {
					ids = append(ids, id)
				}
				if len(ids) >= limit {
					break
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	if len(ids) == 0 {
		return []state.TurnRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.turnKey(id)
	}

	loaded, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget turns from redis: %w", err)
	}

	out := make([]state.TurnRecord, 0, len(loaded))
	staleIDs := make([]string, 0)
	for i, raw := range loaded {
		if raw == nil {
			staleIDs = append(staleIDs, ids[i])
			continue
		}
		var turn state.TurnRecord
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &turn); err != nil {
			continue
		}
		if query.Status != "" && turn.Status != query.Status {
			continue
		}
		out = append(out, turn)
	}

	if query.ConversationID != "" && len(staleIDs) > 0 {
		members := make([]any, 0, len(staleIDs))
		for _, id := range staleIDs {
			members = append(members, id)
		}
		_ = s.client.ZRem(ctx, s.conversationIndexKey(query.ConversationID), members...).Err()
	}

	sort.Slice(out, func(i, j int) bool {
		left := time.Time{}
		if out[i].UpdatedAt != nil {
			left = *out[i].UpdatedAt
		}
		right := time.Time{}
		if out[j].UpdatedAt != nil {
			right = *out[j].UpdatedAt
		}
		return left.After(right)
	})

	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) (int64, error) {
	if checkpoint.ConversationID == "" {
		return 0, fmt.Errorf("conversation_id is required")
	}
	if checkpoint.State == nil {
		checkpoint.State = map[string]any{}
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	seq, err := s.client.Incr(ctx, s.checkpointCounterKey(checkpoint.ConversationID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to assign checkpoint seq: %w", err)
	}
	checkpoint.Seq = seq

	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// The counter hands each writer a distinct seq, so SetNX failing means
	// a duplicate write of the same snapshot.
	seqKey := s.checkpointSeqKey(checkpoint.ConversationID, seq)
	ok, err := s.client.SetNX(ctx, seqKey, string(raw), s.ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to save checkpoint in redis: %w", err)
	}
	if !ok {
		return 0, state.ErrConflict
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.latestCheckpointKey(checkpoint.ConversationID), string(raw), s.ttl)
	pipe.Expire(ctx, s.checkpointCounterKey(checkpoint.ConversationID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to set latest checkpoint: %w", err)
	}
	return seq, nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, conversationID string) (state.CheckpointRecord, error) {
	if conversationID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("conversation_id is required")
	}

	raw, err := s.client.Get(ctx, s.latestCheckpointKey(conversationID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}

	var checkpoint state.CheckpointRecord
	if err := json.Unmarshal([]byte(raw), &checkpoint); err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return checkpoint, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, conversationID string, limit int) ([]state.CheckpointRecord, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	pattern := s.checkpointSeqPattern(conversationID)
	var (
		cursor uint64
		keys   []string
	)
	for len(keys) < limit {
		found, next, err := s.client.Scan(ctx, cursor, pattern, int64(limit)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoints: %w", err)
		}
		keys = append(keys, found...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return []state.CheckpointRecord{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint values: %w", err)
	}
	out := make([]state.CheckpointRecord, 0, len(values))
	for _, raw := range values {
		if raw == nil {
			continue
		}
		var checkpoint state.CheckpointRecord
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &checkpoint); err != nil {
			continue
		}
		out = append(out, checkpoint)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq > out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AcquireConversationLock(ctx context.Context, conversationID, owner string, ttl time.Duration) (bool, error) {
	if conversationID == "" || owner == "" {
		return false, fmt.Errorf("conversation_id and owner are required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(conversationID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire conversation lock: %w", err)
	}
	return ok, nil
}

func (s *Store) ReleaseConversationLock(ctx context.Context, conversationID, owner string) error {
	if conversationID == "" || owner == "" {
		return fmt.Errorf("conversation_id and owner are required")
	}

	script := goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	if _, err := script.Run(ctx, s.client, []string{s.lockKey(conversationID)}, owner).Result(); err != nil {
		return fmt.Errorf("failed to release conversation lock: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) turnKey(turnID string) string {
	return fmt.Sprintf("%s:turn:%s", s.prefix, turnID)
}

func (s *Store) turnPattern() string {
	return fmt.Sprintf("%s:turn:*", s.prefix)
}

func (s *Store) turnIDFromKey(key string) string {
	prefix := fmt.Sprintf("%s:turn:", s.prefix)
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}

func (s *Store) conversationIndexKey(conversationID string) string {
	return fmt.Sprintf("%s:turnidx:conversation:%s", s.prefix, conversationID)
}

func (s *Store) checkpointCounterKey(conversationID string) string {
	return fmt.Sprintf("%s:ckptseq:%s", s.prefix, conversationID)
}

func (s *Store) latestCheckpointKey(conversationID string) string {
	return fmt.Sprintf("%s:ckpt:latest:%s", s.prefix, conversationID)
}

func (s *Store) checkpointSeqKey(conversationID string, seq int64) string {
	return fmt.Sprintf("%s:ckpt:%s:%d", s.prefix, conversationID, seq)
}

func (s *Store) checkpointSeqPattern(conversationID string) string {
	return fmt.Sprintf("%s:ckpt:%s:*", s.prefix, conversationID)
}

func (s *Store) lockKey(conversationID string) string {
	return fmt.Sprintf("%s:lock:conversation:%s", s.prefix, conversationID)
}
