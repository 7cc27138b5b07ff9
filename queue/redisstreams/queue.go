// Package redisstreams backs the turn queue with a Redis Stream and a
// consumer group, so several workers can drain conversations without
// double-claiming a task.
package redisstreams

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/metherx/cellagent/queue"
)

const (
	defaultPrefix      = "cellagent:turns"
	defaultGroup       = "runners"
	defaultMaxAttempts = 3
)

type Queue struct {
	client     *goredis.Client
	ownsClient bool
	prefix     string
	group      string
	stream     string
	dlqStream  string
}

type Option func(*Queue)

// WithClient reuses an existing client instead of dialing a new one.
func WithClient(client *goredis.Client) Option {
	return func(q *Queue) {
		if client != nil {
			q.client = client
			q.ownsClient = false
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			q.prefix = prefix
		}
	}
}

func WithGroup(group string) Option {
	return func(q *Queue) {
		if group = strings.TrimSpace(group); group != "" {
			q.group = group
		}
	}
}

func New(addr string, opts ...Option) (*Queue, error) {
	q := &Queue{
		prefix:     defaultPrefix,
		group:      defaultGroup,
		ownsClient: true,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.client == nil {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		q.client = goredis.NewClient(&goredis.Options{Addr: addr})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	q.stream = q.prefix + ":stream"
	q.dlqStream = q.prefix + ":dlq"
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return fmt.Errorf("failed to ensure consumer group: %w", err)
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, task queue.TurnTask) (string, error) {
	if strings.TrimSpace(task.ConversationID) == "" {
		return "", fmt.Errorf("conversation id is required")
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = defaultMaxAttempts
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal turn task: %w", err)
	}
	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue turn: %w", err)
	}
	return id, nil
}

func (q *Queue) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]queue.Delivery, error) {
	if strings.TrimSpace(consumer) == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if count <= 0 {
		count = 1
	}
	if block < 0 {
		block = 0
	}
	res, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim turns: %w", err)
	}
	var out []queue.Delivery
	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload, _ := msg.Values["payload"].(string)
			if payload == "" {
				_ = q.client.XAck(ctx, q.stream, q.group, msg.ID).Err()
				continue
			}
			var task queue.TurnTask
			if err := json.Unmarshal([]byte(payload), &task); err != nil {
				// Poisoned payloads go straight to the dead letter
				// stream rather than blocking the pending list.
				_, _ = q.client.XAdd(ctx, &goredis.XAddArgs{
					Stream: q.dlqStream,
					Values: map[string]any{"payload": payload, "reason": "undecodable payload", "source_id": msg.ID},
				}).Result()
				_ = q.client.XAck(ctx, q.stream, q.group, msg.ID).Err()
				continue
			}
			out = append(out, queue.Delivery{
				ID:       msg.ID,
				Stream:   stream.Stream,
				Task:     task,
				Received: time.Now().UTC(),
			})
		}
	}
	return out, nil
}

func (q *Queue) Ack(ctx context.Context, messageIDs ...string) error {
	ids := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.stream, q.group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack turn: %w", err)
	}
	_ = q.client.XDel(ctx, q.stream, ids...).Err()
	return nil
}

// Requeue appends the task again, bumping nothing itself: callers set
// Attempt before requeueing.
func (q *Queue) Requeue(ctx context.Context, task queue.TurnTask, reason string, delay time.Duration) (string, error) {
	if delay > 0 {
		at := time.Now().UTC().Add(delay)
		task.NotBefore = &at
	}
	if reason != "" {
		if task.Metadata == nil {
			task.Metadata = map[string]any{}
		}
		task.Metadata["requeue_reason"] = reason
	}
	return q.Enqueue(ctx, task)
}

func (q *Queue) DeadLetter(ctx context.Context, delivery queue.Delivery, reason string) (string, error) {
	payload, err := json.Marshal(delivery.Task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dead letter task: %w", err)
	}
	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.dlqStream,
		Values: map[string]any{
			"payload":   string(payload),
			"reason":    reason,
			"source_id": delivery.ID,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to dead letter turn: %w", err)
	}
	if delivery.ID != "" {
		_ = q.Ack(ctx, delivery.ID)
	}
	return id, nil
}

func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]queue.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := q.client.XRevRangeN(ctx, q.dlqStream, "+", "-", int64(limit)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([]queue.Delivery, 0, len(entries))
	for _, entry := range entries {
		payload, _ := entry.Values["payload"].(string)
		if payload == "" {
			continue
		}
		var task queue.TurnTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			continue
		}
		out = append(out, queue.Delivery{ID: entry.ID, Stream: q.dlqStream, Task: task, Received: time.Now().UTC()})
	}
	return out, nil
}

// Redrive moves one dead letter back onto the live stream with a fresh
// attempt counter.
func (q *Queue) Redrive(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("dead letter id is required")
	}
	entries, err := q.client.XRangeN(ctx, q.dlqStream, id, id, 1).Result()
	if err != nil {
		return "", fmt.Errorf("failed to load dead letter: %w", err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("dead letter %q not found", id)
	}
	payload, _ := entries[0].Values["payload"].(string)
	var task queue.TurnTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return "", fmt.Errorf("failed to decode dead letter payload: %w", err)
	}
	task.Attempt = 1
	task.NotBefore = nil
	task.EnqueuedAt = time.Now().UTC()
	newID, err := q.Enqueue(ctx, task)
	if err != nil {
		return "", err
	}
	_ = q.client.XDel(ctx, q.dlqStream, id).Err()
	return newID, nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	queued, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil && err != goredis.Nil {
		return queue.Stats{}, fmt.Errorf("failed to read stream length: %w", err)
	}
	dead, err := q.client.XLen(ctx, q.dlqStream).Result()
	if err != nil && err != goredis.Nil {
		return queue.Stats{}, fmt.Errorf("failed to read dead letter length: %w", err)
	}
	stats := queue.Stats{Queued: queued, DeadLetter: dead}
	if pending, err := q.client.XPending(ctx, q.stream, q.group).Result(); err == nil {
		stats.Pending = pending.Count
	}
	return stats, nil
}

func (q *Queue) Close() error {
	if q == nil || q.client == nil || !q.ownsClient {
		return nil
	}
	return q.client.Close()
}

var _ queue.Queue = (*Queue)(nil)
