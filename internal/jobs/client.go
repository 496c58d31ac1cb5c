package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/mapsync/internal/logger"
	"github.com/agentworkforce/mapsync/internal/offline"
	"github.com/agentworkforce/mapsync/internal/remote"
)

// ErrNoUser keeps an offline job insert queued until someone is signed in.
var ErrNoUser = errors.New("no authenticated user")

const maxCancelAttempts = 3

type Options struct {
	Logger     logger.Logger
	Now        func() time.Time
	MaxRetries int
}

type Client struct {
	remote     remote.DocumentStore
	queue      *offline.Queue
	log        logger.Logger
	now        func() time.Time
	maxRetries int
}

func NewClient(r remote.DocumentStore, q *offline.Queue, opts Options) *Client {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Client{
		remote:     r,
		queue:      q,
		log:        logger.OrNop(opts.Logger).With(logger.String("component", "jobs")),
		now:        now,
		maxRetries: maxRetries,
	}
}

// Enqueue validates input and inserts a queued job. When nobody is signed in
// or the remote store is unreachable the insert goes to the offline queue and
// the ticket is marked offline.
func (c *Client) Enqueue(ctx context.Context, kind Kind, input Input) (Ticket, error) {
	if input == nil || input.Kind() != kind {
		return Ticket{}, fmt.Errorf("%w: input does not match kind %q", ErrInvalidInput, kind)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := ValidateInput(kind, raw); err != nil {
		return Ticket{}, err
	}
	now := c.now().UTC()
	job := Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Status:     StatusQueued,
		Input:      raw,
		MaxRetries: c.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	ticket := Ticket{ID: job.ID}
	user, signedIn := c.remote.CurrentUser(ctx)
	if signedIn {
		job.Owner = user.ID
		_, err = c.remote.Create(ctx, remote.CollectionJobs, job.ID, job)
	}
	if !signedIn || err != nil {
		if errors.Is(err, remote.ErrInvalidInput) {
			return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		c.log.Info("job insert queued offline",
			logger.String("job_id", job.ID),
			logger.String("kind", string(kind)),
			logger.Bool("signed_in", signedIn),
			logger.Error(err),
		)
		if _, qErr := c.queue.Enqueue(ctx, offline.KindJobInsert, job); qErr != nil {
			c.log.Error("job offline enqueue failed", logger.String("job_id", job.ID), logger.Error(qErr))
		}
		ticket.Offline = true
	}
	c.writeLog(ctx, job.ID, EventEnqueued, string(kind))
	return ticket, nil
}

// List returns jobs newest first. Empty kind or status matches any value.
func (c *Client) List(ctx context.Context, kind Kind, status Status, limit int) ([]Job, error) {
	return c.selectJobs(ctx, kind, status, limit, true)
}

// Oldest returns jobs oldest first, which is the order pollers claim them in.
func (c *Client) Oldest(ctx context.Context, kind Kind, status Status, limit int) ([]Job, error) {
	return c.selectJobs(ctx, kind, status, limit, false)
}

func (c *Client) selectJobs(ctx context.Context, kind Kind, status Status, limit int, desc bool) ([]Job, error) {
	filter := map[string]any{}
	if kind != "" {
		filter["kind"] = string(kind)
	}
	if status != "" {
		filter["status"] = string(status)
	}
	docs, err := c.remote.Select(ctx, remote.CollectionJobs, remote.Query{
		Filter:  filter,
		OrderBy: remote.OrderCreatedAt,
		Desc:    desc,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(docs))
	for _, doc := range docs {
		var job Job
		if err := doc.Decode(&job); err != nil {
			c.log.Warn("skipping undecodable job", logger.String("key", doc.Key), logger.Error(err))
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Get reads a job. A job whose insert is still in the offline queue returns
// ErrOfflineTicket.
func (c *Client) Get(ctx context.Context, id string) (Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Job{}, fmt.Errorf("%w: empty job id", ErrInvalidInput)
	}
	if c.pendingInsert(id) {
		return Job{}, ErrOfflineTicket
	}
	doc, err := c.remote.Get(ctx, remote.CollectionJobs, id)
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := doc.Decode(&job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Cancel moves a queued or running job to cancelled. Work already running is
// not interrupted; its completion loses the status compare-and-set. When the
// remote store is unreachable the cancel is queued offline.
func (c *Client) Cancel(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: empty job id", ErrInvalidInput)
	}
	if c.pendingInsert(id) {
		return c.queueCancel(ctx, id, nil)
	}
	err := c.cancelRemote(ctx, id)
	if err == nil || errors.Is(err, ErrInvalidTransition) || !remote.IsUnavailable(err) {
		return err
	}
	return c.queueCancel(ctx, id, err)
}

func (c *Client) cancelRemote(ctx context.Context, id string) error {
	var err error
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		var doc remote.Document
		doc, err = c.remote.Get(ctx, remote.CollectionJobs, id)
		if err != nil {
			return err
		}
		var job Job
		if err = doc.Decode(&job); err != nil {
			return err
		}
		if err = ValidateTransition(job.Status, StatusCancelled); err != nil {
			return err
		}
		now := c.now().UTC()
		err = c.remote.Update(ctx, remote.CollectionJobs, id, remote.Patch{
			Set:    map[string]any{"status": StatusCancelled, "updatedAt": now, "finishedAt": now},
			Expect: map[string]any{"status": job.Status},
		})
		if err == nil {
			c.writeLog(ctx, id, EventCancelled, "cancelled from "+string(job.Status))
			return nil
		}
		if !errors.Is(err, remote.ErrPreconditionFailed) {
			return err
		}
	}
	return err
}

func (c *Client) queueCancel(ctx context.Context, id string, cause error) error {
	c.log.Info("job cancel queued offline", logger.String("job_id", id), logger.Error(cause))
	if _, err := c.queue.Enqueue(ctx, offline.KindJobCancel, cancelPayload{ID: id}); err != nil {
		c.log.Error("job cancel offline enqueue failed", logger.String("job_id", id), logger.Error(err))
	}
	return nil
}

type cancelPayload struct {
	ID string `json:"id"`
}

// Claim moves a queued job to running. ErrPreconditionFailed means another
// worker got it first or it was cancelled.
func (c *Client) Claim(ctx context.Context, job Job) (Job, error) {
	if err := ValidateTransition(job.Status, StatusRunning); err != nil {
		return job, err
	}
	now := c.now().UTC()
	err := c.remote.Update(ctx, remote.CollectionJobs, job.ID, remote.Patch{
		Set:    map[string]any{"status": StatusRunning, "startedAt": now, "updatedAt": now},
		Expect: map[string]any{"status": StatusQueued},
	})
	if err != nil {
		return job, err
	}
	job.Status = StatusRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	c.writeLog(ctx, job.ID, EventClaimed, "")
	return job, nil
}

// Complete records a successful run. A job cancelled while running keeps its
// cancelled status and the result is dropped with ErrPreconditionFailed.
func (c *Client) Complete(ctx context.Context, job Job, result json.RawMessage) (Job, error) {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	now := c.now().UTC()
	err := c.remote.Update(ctx, remote.CollectionJobs, job.ID, remote.Patch{
		Set: map[string]any{
			"status":     StatusSucceeded,
			"result":     result,
			"error":      nil,
			"updatedAt":  now,
			"finishedAt": now,
		},
		Expect: map[string]any{"status": StatusRunning},
	})
	if err != nil {
		return job, err
	}
	job.Status = StatusSucceeded
	job.Result = result
	job.Error = ""
	job.UpdatedAt = now
	job.FinishedAt = &now
	c.writeLog(ctx, job.ID, EventSucceeded, "")
	return job, nil
}

// Fail records a failed run. The job goes back to queued until retries
// reaches maxRetries, then it is failed for good.
func (c *Client) Fail(ctx context.Context, job Job, cause error) (Job, error) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.maxRetries
	}
	now := c.now().UTC()
	retries := job.Retries + 1
	next := StatusQueued
	set := map[string]any{"retries": retries, "error": message, "updatedAt": now}
	if retries >= maxRetries {
		next = StatusFailed
		set["finishedAt"] = now
	}
	set["status"] = next
	err := c.remote.Update(ctx, remote.CollectionJobs, job.ID, remote.Patch{
		Set:    set,
		Expect: map[string]any{"status": StatusRunning},
	})
	if err != nil {
		return job, err
	}
	job.Status = next
	job.Retries = retries
	job.Error = message
	job.UpdatedAt = now
	if next == StatusFailed {
		job.FinishedAt = &now
		c.writeLog(ctx, job.ID, EventFailed, message)
	} else {
		c.writeLog(ctx, job.ID, EventRetry, message)
	}
	return job, nil
}

// FailInvalid fails a job whose stored input no longer validates, without
// spending retries on it.
func (c *Client) FailInvalid(ctx context.Context, job Job, cause error) (Job, error) {
	job.MaxRetries = job.Retries + 1
	return c.Fail(ctx, job, cause)
}

// Logs returns the audit rows of a job, oldest first.
func (c *Client) Logs(ctx context.Context, jobID string) ([]Log, error) {
	docs, err := c.remote.Select(ctx, remote.CollectionLogs, remote.Query{
		Filter:  map[string]any{"jobId": jobID},
		OrderBy: remote.OrderCreatedAt,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Log, 0, len(docs))
	for _, doc := range docs {
		var entry Log
		if err := doc.Decode(&entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *Client) writeLog(ctx context.Context, jobID string, event LogEvent, message string) {
	entry := Log{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Event:     event,
		Message:   message,
		CreatedAt: c.now().UTC(),
	}
	_, err := c.remote.Create(ctx, remote.CollectionLogs, entry.ID, entry)
	if err == nil {
		return
	}
	if !remote.IsUnavailable(err) {
		c.log.Warn("job log rejected", logger.String("job_id", jobID), logger.Error(err))
		return
	}
	if _, err := c.queue.Enqueue(ctx, offline.KindLogInsert, entry); err != nil {
		c.log.Error("job log offline enqueue failed", logger.String("job_id", jobID), logger.Error(err))
	}
}

func (c *Client) pendingInsert(id string) bool {
	for _, task := range c.queue.Snapshot() {
		if task.Kind != offline.KindJobInsert {
			continue
		}
		var pending struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(task.Payload, &pending) == nil && pending.ID == id {
			return true
		}
	}
	return false
}

// ReplayHandlers returns the offline handlers for job inserts, cancels and
// log inserts. Every handler is safe to run more than once for a task.
func (c *Client) ReplayHandlers() offline.Handlers {
	return offline.Handlers{
		offline.KindJobInsert: c.replayInsert,
		offline.KindJobCancel: c.replayCancel,
		offline.KindLogInsert: c.replayLog,
	}
}

func (c *Client) replayInsert(ctx context.Context, task offline.Task) error {
	var job Job
	if err := task.Decode(&job); err != nil || job.ID == "" {
		c.log.Error("dropping undecodable job insert", logger.String("task_id", task.ID), logger.Error(err))
		return nil
	}
	user, ok := c.remote.CurrentUser(ctx)
	if !ok {
		return ErrNoUser
	}
	if job.Owner == "" {
		job.Owner = user.ID
	}
	created, err := c.remote.Create(ctx, remote.CollectionJobs, job.ID, job)
	if err != nil {
		if errors.Is(err, remote.ErrInvalidInput) {
			c.log.Error("dropping rejected job insert", logger.String("job_id", job.ID), logger.Error(err))
			return nil
		}
		return err
	}
	if !created {
		c.log.Debug("job insert already applied", logger.String("job_id", job.ID))
	}
	return nil
}

func (c *Client) replayCancel(ctx context.Context, task offline.Task) error {
	var payload cancelPayload
	if err := task.Decode(&payload); err != nil || payload.ID == "" {
		c.log.Error("dropping undecodable job cancel", logger.String("task_id", task.ID), logger.Error(err))
		return nil
	}
	err := c.cancelRemote(ctx, payload.ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, remote.ErrNotFound) && c.pendingInsert(payload.ID):
		return fmt.Errorf("job %s insert still pending: %w", payload.ID, err)
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, remote.ErrNotFound):
		c.log.Info("dropping queued job cancel", logger.String("job_id", payload.ID), logger.Error(err))
		return nil
	default:
		return err
	}
}

func (c *Client) replayLog(ctx context.Context, task offline.Task) error {
	var entry Log
	if err := task.Decode(&entry); err != nil {
		c.log.Error("dropping undecodable job log", logger.String("task_id", task.ID), logger.Error(err))
		return nil
	}
	key := entry.ID
	if key == "" {
		key = task.IdempotencyKey
	}
	_, err := c.remote.Create(ctx, remote.CollectionLogs, key, entry)
	if errors.Is(err, remote.ErrInvalidInput) {
		return nil
	}
	return err
}
