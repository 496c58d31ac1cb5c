package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/agentworkforce/mapsync/internal/jobs"
	"github.com/agentworkforce/mapsync/internal/logger"
	"github.com/agentworkforce/mapsync/internal/metrics"
	"github.com/agentworkforce/mapsync/internal/remote"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollJitter   = 0.2
	DefaultBatchSize    = 5
)

// Processor runs one claimed job and returns its JSON result.
type Processor interface {
	Process(ctx context.Context, job jobs.Job, input jobs.Input) (json.RawMessage, error)
}

type ProcessorFunc func(ctx context.Context, job jobs.Job, input jobs.Input) (json.RawMessage, error)

func (f ProcessorFunc) Process(ctx context.Context, job jobs.Job, input jobs.Input) (json.RawMessage, error) {
	return f(ctx, job, input)
}

// JobStore is the part of jobs.Client a poller drives.
type JobStore interface {
	Oldest(ctx context.Context, kind jobs.Kind, status jobs.Status, limit int) ([]jobs.Job, error)
	Claim(ctx context.Context, job jobs.Job) (jobs.Job, error)
	Complete(ctx context.Context, job jobs.Job, result json.RawMessage) (jobs.Job, error)
	Fail(ctx context.Context, job jobs.Job, cause error) (jobs.Job, error)
	FailInvalid(ctx context.Context, job jobs.Job, cause error) (jobs.Job, error)
}

type PollerOptions struct {
	Kind      jobs.Kind
	Interval  time.Duration
	Jitter    float64
	BatchSize int
	Logger    logger.Logger
	Metrics   *metrics.Metrics
}

type JobPoller struct {
	store     JobStore
	processor Processor
	kind      jobs.Kind
	interval  time.Duration
	jitter    float64
	batchSize int
	log       logger.Logger
	metrics   *metrics.Metrics
}

func NewJobPoller(store JobStore, processor Processor, opts PollerOptions) (*JobPoller, error) {
	if store == nil || processor == nil {
		return nil, errors.New("job poller requires a store and a processor")
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", jobs.ErrInvalidInput, opts.Kind)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &JobPoller{
		store:     store,
		processor: processor,
		kind:      opts.Kind,
		interval:  interval,
		jitter:    clampJitterRatio(opts.Jitter),
		batchSize: batchSize,
		log:       logger.OrNop(opts.Logger).With(logger.String("component", "job_poller"), logger.String("kind", string(opts.Kind))),
		metrics:   opts.Metrics,
	}, nil
}

// Run polls until ctx is done. Poll errors are logged and the loop goes on.
func (p *JobPoller) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredInterval(p.interval, p.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("job poll failed", logger.Error(err))
			}
			timer.Reset(jitteredInterval(p.interval, p.jitter, rng.Float64()))
		}
	}
}

// PollOnce claims and runs up to BatchSize queued jobs, oldest first, and
// returns how many it ran.
func (p *JobPoller) PollOnce(ctx context.Context) (int, error) {
	queued, err := p.store.Oldest(ctx, p.kind, jobs.StatusQueued, p.batchSize)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, job := range queued {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		if p.runJob(ctx, job) {
			ran++
		}
	}
	return ran, nil
}

func (p *JobPoller) runJob(ctx context.Context, job jobs.Job) bool {
	claimed, err := p.store.Claim(ctx, job)
	if err != nil {
		if errors.Is(err, remote.ErrPreconditionFailed) || errors.Is(err, jobs.ErrInvalidTransition) {
			p.metrics.JobOutcome(string(p.kind), "lost_claim")
			return false
		}
		p.log.Warn("job claim failed", logger.String("job_id", job.ID), logger.Error(err))
		return false
	}

	input, err := claimed.DecodeInput()
	if err != nil {
		p.log.Warn("job input invalid, failing job", logger.String("job_id", job.ID), logger.Error(err))
		if _, failErr := p.store.FailInvalid(ctx, claimed, err); failErr != nil {
			p.log.Warn("job fail update failed", logger.String("job_id", job.ID), logger.Error(failErr))
		}
		p.metrics.JobOutcome(string(p.kind), "invalid")
		return true
	}

	result, err := p.process(ctx, claimed, input)
	if err != nil {
		updated, failErr := p.store.Fail(ctx, claimed, err)
		if failErr != nil {
			p.log.Warn("job fail update failed", logger.String("job_id", job.ID), logger.Error(failErr))
			return true
		}
		outcome := "retry"
		if updated.Status == jobs.StatusFailed {
			outcome = "failed"
		}
		p.metrics.JobOutcome(string(p.kind), outcome)
		p.log.Info("job run failed",
			logger.String("job_id", job.ID),
			logger.Int("retries", updated.Retries),
			logger.String("status", string(updated.Status)),
			logger.Error(err),
		)
		return true
	}

	if _, err := p.store.Complete(ctx, claimed, result); err != nil {
		if errors.Is(err, remote.ErrPreconditionFailed) {
			p.log.Info("job changed while running, result discarded", logger.String("job_id", job.ID))
			p.metrics.JobOutcome(string(p.kind), "discarded")
			return true
		}
		p.log.Warn("job complete update failed", logger.String("job_id", job.ID), logger.Error(err))
		return true
	}
	p.metrics.JobOutcome(string(p.kind), "succeeded")
	return true
}

func (p *JobPoller) process(ctx context.Context, job jobs.Job, input jobs.Input) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.processor.Process(ctx, job, input)
}
