// Package offline implements the durable FIFO of writes that could not reach
// the remote document store. Tasks are delivered at least once: a task stays
// queued until a drain pass has run its handler successfully and the removal
// has been written back to the store.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/mapsync/internal/logger"
	"github.com/agentworkforce/mapsync/internal/metrics"
)

var (
	ErrInvalidTask    = errors.New("invalid offline task")
	ErrNotPersisted   = errors.New("offline queue not persisted")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Kind string

const (
	KindJobInsert       Kind = "job-insert"
	KindJobCancel       Kind = "job-cancel"
	KindLogInsert       Kind = "log-insert"
	KindWorkspaceUpsert Kind = "workspace-upsert"
)

type Task struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	Attempts       int             `json:"attempts,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
}

// Decode unmarshals the task payload into dst.
func (t Task) Decode(dst any) error {
	if err := json.Unmarshal(t.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidTask, t.Kind, err)
	}
	return nil
}

type Handler func(ctx context.Context, task Task) error

type Handlers map[Kind]Handler

// Merge returns a new handler set containing h and every set in others; later
// sets win on duplicate kinds.
func (h Handlers) Merge(others ...Handlers) Handlers {
	out := Handlers{}
	for kind, handler := range h {
		out[kind] = handler
	}
	for _, other := range others {
		for kind, handler := range other {
			out[kind] = handler
		}
	}
	return out
}

type DrainResult struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
	Remaining int
	Passes    int
	Coalesced bool
}

func (r *DrainResult) add(other DrainResult) {
	r.Processed += other.Processed
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Remaining = other.Remaining
	r.Passes += other.Passes
}

type Options struct {
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
	MaxTasks int
}

// Queue keeps the pending tasks in memory and writes the whole list through
// to its Store after every change.
type Queue struct {
	store    Store
	log      logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	maxTasks int

	mu    sync.Mutex
	items []Task

	flightMu   sync.Mutex
	running    bool
	rerun      bool
	waiting    int
	done       chan struct{}
	lastResult DrainResult
	lastErr    error
}

func Open(ctx context.Context, store Store, opts Options) (*Queue, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	q := &Queue{
		store:    store,
		log:      logger.OrNop(opts.Logger).With(logger.String("component", "offline_queue")),
		metrics:  opts.Metrics,
		now:      now,
		maxTasks: opts.MaxTasks,
		items:    []Task{},
	}
	items, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	q.items = append(q.items, items...)
	q.metrics.SetQueueDepth(len(q.items))
	return q, nil
}

// Enqueue appends a task and persists the queue. It never touches the
// network. When the queue cannot be persisted the task is dropped, logged at
// error level, and ErrNotPersisted is returned.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any) (Task, error) {
	if q == nil {
		return Task{}, ErrInvalidInput
	}
	if strings.TrimSpace(string(kind)) == "" {
		return Task{}, fmt.Errorf("%w: empty kind", ErrInvalidTask)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return Task{}, err
	}
	task := Task{
		ID:             uuid.NewString(),
		Kind:           kind,
		Payload:        raw,
		IdempotencyKey: uuid.NewString(),
		EnqueuedAt:     q.now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.items
	q.items = append(q.items, task)
	if q.maxTasks > 0 && len(q.items) > q.maxTasks {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.log.Warn("offline queue full, dropped oldest task",
			logger.String("task_id", dropped.ID),
			logger.String("kind", string(dropped.Kind)),
		)
	}
	if err := q.store.Save(ctx, q.items); err != nil {
		q.items = prev
		q.log.Error("offline queue persist failed, task dropped",
			logger.String("task_id", task.ID),
			logger.String("kind", string(kind)),
			logger.Error(err),
		)
		return task, fmt.Errorf("%w: %v", ErrNotPersisted, err)
	}
	q.metrics.OfflineWrite(string(kind))
	q.metrics.SetQueueDepth(len(q.items))
	q.log.Debug("offline task enqueued", logger.String("task_id", task.ID), logger.String("kind", string(kind)))
	return task, nil
}

func (q *Queue) Snapshot() []Task {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.items...)
}

func (q *Queue) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain runs one pass over the tasks queued when the pass starts. Concurrent
// calls coalesce: a call made while a pass is in flight marks a rerun and
// waits, and exactly one follow-up pass runs once the current one ends, no
// matter how many calls arrived meanwhile.
func (q *Queue) Drain(ctx context.Context, handlers Handlers) (DrainResult, error) {
	if q == nil {
		return DrainResult{}, ErrInvalidInput
	}
	q.flightMu.Lock()
	if q.running {
		q.rerun = true
		q.waiting++
		wait := q.done
		q.flightMu.Unlock()
		var ctxErr error
		select {
		case <-wait:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}
		q.flightMu.Lock()
		q.waiting--
		result, err := q.lastResult, q.lastErr
		q.flightMu.Unlock()
		if ctxErr != nil {
			return DrainResult{Coalesced: true}, ctxErr
		}
		result.Coalesced = true
		return result, err
	}
	q.running = true
	q.done = make(chan struct{})
	q.flightMu.Unlock()

	var total DrainResult
	var err error
	for {
		var pass DrainResult
		pass, err = q.drainPass(ctx, handlers)
		total.add(pass)

		q.flightMu.Lock()
		if q.rerun && ctx.Err() == nil {
			q.rerun = false
			q.flightMu.Unlock()
			continue
		}
		q.rerun = false
		q.running = false
		q.lastResult, q.lastErr = total, err
		close(q.done)
		q.flightMu.Unlock()
		return total, err
	}
}

func (q *Queue) drainPass(ctx context.Context, handlers Handlers) (DrainResult, error) {
	snapshot := q.Snapshot()
	result := DrainResult{Passes: 1}
	succeeded := map[string]struct{}{}
	failures := map[string]string{}

	for _, task := range snapshot {
		if ctx.Err() != nil {
			break
		}
		handler, ok := handlers[task.Kind]
		if !ok || handler == nil {
			result.Skipped++
			failures[task.ID] = "no handler registered for " + string(task.Kind)
			q.metrics.TaskOutcome(string(task.Kind), "skipped")
			continue
		}
		result.Processed++
		if err := invoke(ctx, handler, task); err != nil {
			result.Failed++
			failures[task.ID] = err.Error()
			q.metrics.TaskOutcome(string(task.Kind), "failed")
			q.log.Info("offline task replay failed, keeping it queued",
				logger.String("task_id", task.ID),
				logger.String("kind", string(task.Kind)),
				logger.Int("attempts", task.Attempts+1),
				logger.Error(err),
			)
			continue
		}
		result.Succeeded++
		succeeded[task.ID] = struct{}{}
		q.metrics.TaskOutcome(string(task.Kind), "succeeded")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	remaining := make([]Task, 0, len(q.items))
	for _, task := range q.items {
		if _, ok := succeeded[task.ID]; ok {
			continue
		}
		if errText, ok := failures[task.ID]; ok {
			task.Attempts++
			task.LastError = errText
		}
		remaining = append(remaining, task)
	}
	q.items = remaining
	result.Remaining = len(remaining)
	if len(succeeded) == 0 && len(failures) == 0 {
		return result, ctx.Err()
	}
	if err := q.store.Save(ctx, remaining); err != nil {
		q.log.Error("offline queue write-back failed, replayed tasks may run again",
			logger.Int("succeeded", len(succeeded)),
			logger.Error(err),
		)
		return result, fmt.Errorf("%w: %v", ErrNotPersisted, err)
	}
	q.metrics.SetQueueDepth(len(remaining))
	return result, ctx.Err()
}

func (q *Queue) Close() error {
	if q == nil || q.store == nil {
		return nil
	}
	return q.store.Close()
}

func invoke(ctx context.Context, handler Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidTask)
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid json", ErrInvalidTask)
		}
		return append(json.RawMessage(nil), v...), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
		return raw, nil
	}
}
