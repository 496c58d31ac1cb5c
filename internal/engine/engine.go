// Package engine wires the cache, offline queue, remote store, workspace and
// job clients and background workers into one lifecycle: New, Start, Close.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/mapsync/internal/cache"
	"github.com/agentworkforce/mapsync/internal/config"
	"github.com/agentworkforce/mapsync/internal/connectivity"
	"github.com/agentworkforce/mapsync/internal/geometry"
	"github.com/agentworkforce/mapsync/internal/jobs"
	"github.com/agentworkforce/mapsync/internal/logger"
	"github.com/agentworkforce/mapsync/internal/metrics"
	"github.com/agentworkforce/mapsync/internal/offline"
	"github.com/agentworkforce/mapsync/internal/remote"
	"github.com/agentworkforce/mapsync/internal/worker"
	"github.com/agentworkforce/mapsync/internal/workspace"
)

type Options struct {
	Logger   logger.Logger
	Registry *prometheus.Registry
	// Remote replaces the store built from the config.
	Remote remote.DocumentStore
	// Renderer handles the png and pdf export formats.
	Renderer worker.Renderer
	Sink     worker.ArtifactSink
}

type Engine struct {
	cfg      *config.Config
	log      logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	Cache      *cache.Cache
	Queue      *offline.Queue
	Remote     remote.DocumentStore
	Workspaces *workspace.Store
	Jobs       *jobs.Client
	// Geometry is nil when no geometry source is configured.
	Geometry *geometry.Fetcher

	scheduler *worker.DrainScheduler
	pollers   []*worker.JobPoller
	probes    []connectivity.Probe

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine requires a config")
	}
	log := logger.OrNop(opts.Logger)
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := metrics.New(registry)
	e := &Engine{cfg: cfg, log: log, registry: registry, metrics: m}

	tiers, err := cache.BuildTiersFromDSNs(cfg.Cache.Tiers)
	if err != nil {
		return nil, fmt.Errorf("build cache tiers: %w", err)
	}
	e.Cache = cache.New(tiers, cache.Options{Logger: log, Metrics: m})

	store, err := offline.BuildStoreFromDSN(cfg.Queue.DSN, e.Cache)
	if err != nil {
		_ = e.Cache.Close()
		return nil, fmt.Errorf("build offline queue store: %w", err)
	}
	e.Queue, err = offline.Open(ctx, store, offline.Options{Logger: log, Metrics: m, MaxTasks: cfg.Queue.MaxTasks})
	if err != nil {
		_ = store.Close()
		_ = e.Cache.Close()
		return nil, err
	}

	e.Remote = opts.Remote
	if e.Remote == nil {
		e.Remote, err = BuildRemote(cfg.Remote, log)
		if err != nil {
			_ = e.closeResources()
			return nil, err
		}
	}

	e.Workspaces = workspace.NewStore(e.Remote, e.Cache, e.Queue, workspace.Options{
		Logger:   log,
		CacheTTL: cfg.Cache.WorkspaceTTL,
	})
	e.Jobs = jobs.NewClient(e.Remote, e.Queue, jobs.Options{Logger: log, MaxRetries: cfg.Jobs.MaxRetries})
	if cfg.Geometry.SourceURL != "" {
		e.Geometry = geometry.NewFetcher(geometry.HTTPSource{BaseURL: cfg.Geometry.SourceURL}, e.Cache, geometry.Options{
			TTL:    cfg.Geometry.TTL,
			Logger: log,
		})
	}

	e.scheduler, err = worker.NewDrainScheduler(e.Queue, e.Handlers(), worker.SchedulerOptions{
		Schedule: cfg.Drain.Schedule,
		Interval: cfg.Drain.Interval,
		Timeout:  cfg.Drain.Timeout,
		Logger:   log,
		Metrics:  m,
	})
	if err != nil {
		_ = e.closeResources()
		return nil, err
	}

	if cfg.Jobs.Enabled {
		if err := e.buildPollers(ctx, opts); err != nil {
			_ = e.closeResources()
			return nil, err
		}
	}

	if cfg.Connectivity.HeartbeatURL != "" {
		e.probes = append(e.probes, &connectivity.WebsocketProbe{
			URL:          cfg.Connectivity.HeartbeatURL,
			PingInterval: cfg.Connectivity.PingInterval,
			Logger:       log,
		})
	}
	if cfg.Connectivity.FlagFile != "" {
		e.probes = append(e.probes, &connectivity.FlagFileProbe{Path: cfg.Connectivity.FlagFile, Logger: log})
	}
	return e, nil
}

func (e *Engine) buildPollers(ctx context.Context, opts Options) error {
	sink := opts.Sink
	if sink == nil {
		switch e.cfg.Export.Sink {
		case "minio":
			minioSink, err := worker.NewMinioSink(worker.MinioConfig{
				Endpoint:  e.cfg.Export.Endpoint,
				AccessKey: e.cfg.Export.AccessKey,
				SecretKey: e.cfg.Export.SecretKey,
				Bucket:    e.cfg.Export.Bucket,
				Region:    e.cfg.Export.Region,
				UseSSL:    e.cfg.Export.UseSSL,
				URLExpiry: e.cfg.Export.URLExpiry,
			})
			if err != nil {
				return err
			}
			if err := minioSink.EnsureBucket(ctx); err != nil {
				e.log.Warn("export bucket check failed", logger.Error(err))
			}
			sink = minioSink
		default:
			sink = worker.NewMemorySink()
		}
	}

	exportProcessor := worker.ExportProcessor{
		Renderer: worker.GeoJSONRenderer{Workspaces: e.Workspaces, Fallback: opts.Renderer},
		Sink:     sink,
	}
	processors := map[jobs.Kind]worker.Processor{
		jobs.KindAnalysis: worker.AnalysisProcessor{},
		jobs.KindExport:   exportProcessor,
	}
	for _, kind := range []jobs.Kind{jobs.KindAnalysis, jobs.KindExport} {
		poller, err := worker.NewJobPoller(e.Jobs, processors[kind], worker.PollerOptions{
			Kind:      kind,
			Interval:  e.cfg.Jobs.PollInterval,
			Jitter:    e.cfg.Jobs.Jitter,
			BatchSize: e.cfg.Jobs.BatchSize,
			Logger:    e.log,
			Metrics:   e.metrics,
		})
		if err != nil {
			return err
		}
		e.pollers = append(e.pollers, poller)
	}
	return nil
}

// Handlers is every offline replay handler the engine knows.
func (e *Engine) Handlers() offline.Handlers {
	return e.Workspaces.Handlers().Merge(e.Jobs.ReplayHandlers())
}

// Drain runs one drain pass through the scheduler's single-flight path.
func (e *Engine) Drain(ctx context.Context) (offline.DrainResult, error) {
	return e.scheduler.Trigger(ctx, worker.TriggerManual)
}

func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// Start launches the drain scheduler, the job pollers, the connectivity
// probes and the metrics listener. It returns immediately; Wait blocks until
// they stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.group != nil {
		return errors.New("engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	e.cancel = cancel
	e.group = g

	var events chan connectivity.Event
	if len(e.probes) > 0 {
		events = make(chan connectivity.Event)
		merged := connectivity.Merge(gctx, e.probes...)
		g.Go(func() error {
			defer close(events)
			for event := range merged {
				e.metrics.SetOnline(event.Online)
				e.log.Info("connectivity changed", logger.Bool("online", event.Online), logger.String("source", event.Source))
				select {
				case events <- event:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	g.Go(func() error { return e.scheduler.Run(gctx, events) })
	for _, poller := range e.pollers {
		g.Go(func() error { return poller.Run(gctx) })
	}
	if addr := e.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error { return e.serveMetrics(gctx, addr) })
	}
	e.log.Info("engine started",
		logger.Int("pollers", len(e.pollers)),
		logger.Int("probes", len(e.probes)),
		logger.Int("queued", e.Queue.Depth()),
	)
	return nil
}

func (e *Engine) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Wait blocks until every background loop has returned.
func (e *Engine) Wait() error {
	e.mu.Lock()
	g := e.group
	e.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Close stops the background loops and releases the queue, cache and
// remote store.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	waitErr := e.Wait()
	return errors.Join(waitErr, e.closeResources())
}

func (e *Engine) closeResources() error {
	var errs []error
	if e.Queue != nil {
		errs = append(errs, e.Queue.Close())
	}
	if closer, ok := e.Remote.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if e.Cache != nil {
		errs = append(errs, e.Cache.Close())
	}
	_ = e.log.Sync()
	return errors.Join(errs...)
}
