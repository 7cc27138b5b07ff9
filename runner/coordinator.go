package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metherx/cellagent/agent"
	"github.com/metherx/cellagent/observe"
	"github.com/metherx/cellagent/state"
	"github.com/metherx/cellagent/types"
)

const (
	defaultCheckpointAttempts = 3
	defaultLockTTL            = 30 * time.Second
)

// ErrConversationBusy reports that another process holds the
// conversation lock.
var ErrConversationBusy = errors.New("runner: conversation is busy")

// ErrTurnInProgress reports that the conversation's current turn is
// parked waiting for an out-of-band tool result, so a new input cannot
// start yet. Callers retry after the result is delivered.
var ErrTurnInProgress = errors.New("runner: a turn is awaiting a tool result")

// CheckpointWriteError reports that the checkpoint log could not be
// written even after retries. The turn cannot continue safely past it.
type CheckpointWriteError struct {
	ConversationID string
	Attempts       int
	Err            error
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("failed to checkpoint conversation %q after %d attempts: %v", e.ConversationID, e.Attempts, e.Err)
}

func (e *CheckpointWriteError) Unwrap() error { return e.Err }

// TurnResult is what a caller gets back from one turn.
type TurnResult struct {
	ConversationID string       `json:"conversationId"`
	TurnID         string       `json:"turnId"`
	Status         agent.Status `json:"status"`
	Output         string       `json:"output,omitempty"`
	Error          string       `json:"error,omitempty"`
	Steps          int          `json:"steps"`
	LastCheckpoint int64        `json:"lastCheckpoint,omitempty"`
	StepLimitHit   bool         `json:"stepLimitHit,omitempty"`
}

// Coordinator serializes turns per conversation and checkpoints the
// agent state after every graph transition, so any crash resumes from
// the last completed transition.
type Coordinator struct {
	engine             *agent.Engine
	store              state.Store
	sink               observe.Sink
	checkpointAttempts int
	checkpointBackoff  agent.RetryPolicy
	lockTTL            time.Duration
	owner              string

	locks sync.Map // conversation id -> *sync.Mutex
}

type CoordinatorOption func(*Coordinator)

func WithSink(sink observe.Sink) CoordinatorOption {
	return func(c *Coordinator) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithCheckpointAttempts bounds retries of a failing checkpoint write.
func WithCheckpointAttempts(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.checkpointAttempts = n
		}
	}
}

func WithCheckpointBackoff(policy agent.RetryPolicy) CoordinatorOption {
	return func(c *Coordinator) {
		c.checkpointBackoff = agent.NormalizeRetryPolicy(policy)
	}
}

func WithLockTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

func New(engine *agent.Engine, store state.Store, opts ...CoordinatorOption) (*Coordinator, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	c := &Coordinator{
		engine:             engine,
		store:              store,
		sink:               observe.NoopSink{},
		checkpointAttempts: defaultCheckpointAttempts,
		checkpointBackoff:  agent.NormalizeRetryPolicy(agent.RetryPolicy{}),
		lockTTL:            defaultLockTTL,
		owner:              uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HandleTurn runs one user turn to a settled state: completed, failed,
// or awaiting an out-of-band tool result. An interrupted turn on the
// conversation is settled first, then the new input starts its own turn
// on top of the accumulated message history. A turn parked on a pending
// tool result surfaces ErrTurnInProgress instead of consuming the input.
func (c *Coordinator) HandleTurn(ctx context.Context, conversationID, input string) (TurnResult, error) {
	if conversationID == "" {
		return TurnResult{}, fmt.Errorf("conversation id is required")
	}

	unlock, err := c.lockConversation(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}
	defer unlock()

	prior, err := c.loadLatest(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}

	var history []types.Message
	if prior != nil {
		if !prior.Terminal() {
			if prior.Status == agent.StatusAwaitingTool {
				return c.result(prior), fmt.Errorf("%w: turn %s", ErrTurnInProgress, prior.TurnID)
			}
			if prior.Status == agent.StatusSuspended {
				prior.Status = agent.StatusRunning
			}
			res, resumeErr := c.drive(ctx, prior)
			if prior.Status == agent.StatusAwaitingTool {
				return res, fmt.Errorf("%w: turn %s", ErrTurnInProgress, prior.TurnID)
			}
			if resumeErr != nil && !prior.Terminal() {
				// Suspended again; the new input cannot start either.
				return res, resumeErr
			}
			// A resumed turn that failed is persisted under its own turn
			// id; the new input still gets its turn below.
		}
		history = prior.Messages
	}

	st := c.engine.ContinueTurn(conversationID, uuid.NewString(), input, history)
	if _, err := c.checkpoint(ctx, st); err != nil {
		return c.failTurn(ctx, st, err)
	}

	c.saveTurnRecord(ctx, st)
	c.emit(ctx, st, observe.Event{Kind: observe.KindTurn, Status: observe.StatusStarted, Message: input})

	return c.drive(ctx, st)
}

// Resume continues a previously interrupted turn, if any.
func (c *Coordinator) Resume(ctx context.Context, conversationID string) (TurnResult, error) {
	if conversationID == "" {
		return TurnResult{}, fmt.Errorf("conversation id is required")
	}

	unlock, err := c.lockConversation(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}
	defer unlock()

	st, err := c.loadUnfinished(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}
	if st == nil {
		return TurnResult{}, state.ErrNotFound
	}
	return c.drive(ctx, st)
}

// DeliverToolResult feeds an out-of-band tool result into a turn parked
// in awaiting_tool and drives it forward. Duplicate deliveries for the
// same call are absorbed without re-running anything.
func (c *Coordinator) DeliverToolResult(ctx context.Context, conversationID, callID string, result json.RawMessage, toolErr string) (TurnResult, error) {
	if conversationID == "" {
		return TurnResult{}, fmt.Errorf("conversation id is required")
	}

	unlock, err := c.lockConversation(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}
	defer unlock()

	st, err := c.loadUnfinished(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}
	if st == nil {
		return TurnResult{}, state.ErrNotFound
	}

	if err := c.engine.DeliverToolResult(st, callID, result, toolErr); err != nil {
		return c.result(st), err
	}
	if _, err := c.checkpoint(ctx, st); err != nil {
		return c.failTurn(ctx, st, err)
	}
	return c.drive(ctx, st)
}

// drive steps the graph until the turn settles, checkpointing after
// every transition.
func (c *Coordinator) drive(ctx context.Context, st *agent.State) (TurnResult, error) {
	var lastSeq int64
	for !st.Terminal() && st.Status != agent.StatusAwaitingTool {
		stepErr := c.engine.Step(ctx, st)

		seq, err := c.checkpoint(ctx, st)
		if err != nil {
			return c.failTurn(ctx, st, err)
		}
		lastSeq = seq
		if stepErr != nil {
			c.saveTurnRecord(ctx, st)
			c.emit(ctx, st, observe.Event{Kind: observe.KindTurn, Status: observe.StatusFailed, Error: stepErr.Error()})
			res := c.result(st)
			res.LastCheckpoint = lastSeq
			return res, stepErr
		}
	}

	c.saveTurnRecord(ctx, st)
	res := c.result(st)
	res.LastCheckpoint = lastSeq
	if st.Status == agent.StatusFailed {
		c.emit(ctx, st, observe.Event{Kind: observe.KindTurn, Status: observe.StatusFailed, Error: st.FailureReason})
		return res, fmt.Errorf("turn failed: %s", st.FailureReason)
	}
	return res, nil
}

// loadLatest restores the newest checkpointed state for the
// conversation, terminal or not. Nil without an error means the
// conversation has no checkpoints yet.
func (c *Coordinator) loadLatest(ctx context.Context, conversationID string) (*agent.State, error) {
	checkpoint, err := c.store.LoadLatestCheckpoint(ctx, conversationID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	st, err := agent.Restore(checkpoint.State)
	if err != nil {
		return nil, fmt.Errorf("failed to restore checkpoint %d: %w", checkpoint.Seq, err)
	}
	return st, nil
}

// loadUnfinished restores the latest checkpoint when it holds a turn
// that has not reached a terminal state. A missing or terminal
// checkpoint means there is nothing to resume.
func (c *Coordinator) loadUnfinished(ctx context.Context, conversationID string) (*agent.State, error) {
	st, err := c.loadLatest(ctx, conversationID)
	if err != nil || st == nil {
		return nil, err
	}
	if st.Terminal() {
		return nil, nil
	}
	// An interruption leaves the state marked running; it resumes from
	// the last checkpointed transition.
	if st.Status == agent.StatusSuspended {
		st.Status = agent.StatusRunning
	}
	return st, nil
}

func (c *Coordinator) checkpoint(ctx context.Context, st *agent.State) (int64, error) {
	snapshot, err := st.Snapshot()
	if err != nil {
		return 0, &CheckpointWriteError{ConversationID: st.ConversationID, Attempts: 0, Err: err}
	}
	record := state.CheckpointRecord{
		ConversationID: st.ConversationID,
		Phase:          string(st.Phase),
		State:          snapshot,
	}

	var lastErr error
	for attempt := 1; attempt <= c.checkpointAttempts; attempt++ {
		seq, err := c.store.SaveCheckpoint(ctx, record)
		if err == nil {
			c.emit(ctx, st, observe.Event{
				Kind:       observe.KindCheckpoint,
				Status:     observe.StatusCompleted,
				Attributes: map[string]any{"seq": seq, "phase": string(st.Phase)},
			})
			return seq, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < c.checkpointAttempts {
			select {
			case <-ctx.Done():
				attempt = c.checkpointAttempts
			case <-time.After(c.checkpointBackoff.BackoffForAttempt(attempt)):
			}
		}
	}
	c.emit(ctx, st, observe.Event{Kind: observe.KindCheckpoint, Status: observe.StatusFailed, Error: lastErr.Error()})
	return 0, &CheckpointWriteError{ConversationID: st.ConversationID, Attempts: c.checkpointAttempts, Err: lastErr}
}

// failTurn marks the state failed after a checkpoint write failure and
// makes a best-effort attempt to persist the failure itself.
func (c *Coordinator) failTurn(ctx context.Context, st *agent.State, cause error) (TurnResult, error) {
	st.Status = agent.StatusFailed
	st.FailureReason = cause.Error()
	if snapshot, err := st.Snapshot(); err == nil {
		_, _ = c.store.SaveCheckpoint(ctx, state.CheckpointRecord{
			ConversationID: st.ConversationID,
			Phase:          string(st.Phase),
			State:          snapshot,
		})
	}
	c.saveTurnRecord(ctx, st)
	c.emit(ctx, st, observe.Event{Kind: observe.KindTurn, Status: observe.StatusFailed, Error: cause.Error()})
	return c.result(st), cause
}

func (c *Coordinator) saveTurnRecord(ctx context.Context, st *agent.State) {
	record := state.TurnRecord{
		TurnID:         st.TurnID,
		ConversationID: st.ConversationID,
		Status:         string(st.Status),
		Input:          st.Input,
		Output:         st.Output,
		Error:          st.FailureReason,
		Metadata: map[string]any{
			"steps":        st.Steps,
			"invocations":  len(st.Invocations),
			"retrievals":   st.Retrievals,
			"stepLimitHit": st.StepLimitHit,
		},
		CreatedAt: &st.StartedAt,
	}
	if st.Terminal() {
		now := time.Now().UTC()
		record.CompletedAt = &now
	}
	if err := c.store.SaveTurn(ctx, record); err != nil {
		c.emit(ctx, st, observe.Event{Kind: observe.KindCustom, Status: observe.StatusFailed, Error: err.Error(), Message: "turn record write failed"})
	}
}

func (c *Coordinator) result(st *agent.State) TurnResult {
	return TurnResult{
		ConversationID: st.ConversationID,
		TurnID:         st.TurnID,
		Status:         st.Status,
		Output:         st.Output,
		Error:          st.FailureReason,
		Steps:          st.Steps,
		StepLimitHit:   st.StepLimitHit,
	}
}

// lockConversation takes the in-process mutex for the conversation and,
// when the store supports it, the cross-process lock too.
func (c *Coordinator) lockConversation(ctx context.Context, conversationID string) (func(), error) {
	value, _ := c.locks.LoadOrStore(conversationID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()

	locker, ok := c.store.(state.Locker)
	if !ok {
		return mu.Unlock, nil
	}
	acquired, err := locker.AcquireConversationLock(ctx, conversationID, c.owner, c.lockTTL)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("failed to acquire conversation lock: %w", err)
	}
	if !acquired {
		mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConversationBusy, conversationID)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = locker.ReleaseConversationLock(releaseCtx, conversationID, c.owner)
		mu.Unlock()
	}, nil
}

func (c *Coordinator) emit(ctx context.Context, st *agent.State, event observe.Event) {
	event.ConversationID = st.ConversationID
	event.TurnID = st.TurnID
	_ = c.sink.Emit(ctx, event)
}
