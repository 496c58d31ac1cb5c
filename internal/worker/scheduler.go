// Package worker runs the background loops of the sync engine: the offline
// queue drain scheduler and one job poller per job kind.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentworkforce/mapsync/internal/connectivity"
	"github.com/agentworkforce/mapsync/internal/logger"
	"github.com/agentworkforce/mapsync/internal/metrics"
	"github.com/agentworkforce/mapsync/internal/offline"
)

const DefaultDrainInterval = 15 * time.Second

const (
	TriggerStart        = "start"
	TriggerInterval     = "interval"
	TriggerConnectivity = "connectivity"
	TriggerManual       = "manual"
)

type Drainer interface {
	Drain(ctx context.Context, handlers offline.Handlers) (offline.DrainResult, error)
}

type SchedulerOptions struct {
	// Schedule is a cron expression; it defaults to "@every <Interval>".
	Schedule string
	Interval time.Duration
	// Timeout bounds a single drain; 0 means no bound.
	Timeout time.Duration
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

type DrainScheduler struct {
	queue    Drainer
	handlers offline.Handlers
	schedule string
	timeout  time.Duration
	log      logger.Logger
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
}

func NewDrainScheduler(queue Drainer, handlers offline.Handlers, opts SchedulerOptions) (*DrainScheduler, error) {
	if queue == nil {
		return nil, errors.New("drain scheduler requires a queue")
	}
	schedule := opts.Schedule
	if schedule == "" {
		interval := opts.Interval
		if interval <= 0 {
			interval = DefaultDrainInterval
		}
		schedule = "@every " + interval.String()
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid drain schedule %q: %w", schedule, err)
	}
	return &DrainScheduler{
		queue:    queue,
		handlers: handlers,
		schedule: schedule,
		timeout:  opts.Timeout,
		log:      logger.OrNop(opts.Logger).With(logger.String("component", "drain_scheduler")),
		metrics:  opts.Metrics,
	}, nil
}

// Trigger runs one drain. Overlapping triggers coalesce inside the queue.
func (s *DrainScheduler) Trigger(ctx context.Context, trigger string) (offline.DrainResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.metrics.DrainPass(trigger)
	start := time.Now()
	result, err := s.queue.Drain(ctx, s.handlers)
	if err != nil {
		s.log.Warn("offline drain failed",
			logger.String("trigger", trigger),
			logger.Int("remaining", result.Remaining),
			logger.Error(err),
		)
		return result, err
	}
	if result.Processed > 0 || result.Skipped > 0 {
		s.log.Info("offline drain completed",
			logger.String("trigger", trigger),
			logger.Int("succeeded", result.Succeeded),
			logger.Int("failed", result.Failed),
			logger.Int("skipped", result.Skipped),
			logger.Int("remaining", result.Remaining),
			logger.Bool("coalesced", result.Coalesced),
			logger.Duration("duration", time.Since(start)),
		)
	}
	return result, nil
}

// Run drains once immediately, then on the cron schedule and on every
// transition to online read from events, until ctx is done. Drain errors
// never stop the loop.
func (s *DrainScheduler) Run(ctx context.Context, events <-chan connectivity.Event) error {
	s.fire(ctx, TriggerStart)

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{log: s.log})))
	if _, err := c.AddFunc(s.schedule, func() { s.fire(ctx, TriggerInterval) }); err != nil {
		return fmt.Errorf("schedule drain: %w", err)
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
		s.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Online {
				s.log.Info("connectivity restored, draining", logger.String("source", event.Source))
				s.fire(ctx, TriggerConnectivity)
			}
		}
	}
}

func (s *DrainScheduler) fire(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.Trigger(ctx, trigger)
	}()
}

type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, logger.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, logger.Error(err), logger.Any("details", keysAndValues))
}
