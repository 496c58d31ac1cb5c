package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/mapsync/internal/cache"
	"github.com/agentworkforce/mapsync/internal/connectivity"
	"github.com/agentworkforce/mapsync/internal/jobs"
	"github.com/agentworkforce/mapsync/internal/offline"
	"github.com/agentworkforce/mapsync/internal/remote"
	"github.com/agentworkforce/mapsync/internal/workspace"
)

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredInterval(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredInterval(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, jitteredInterval(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredInterval(base, 0.2, 1))
	assert.Equal(t, 12*time.Second, jitteredInterval(base, 0.2, 7))
	assert.Equal(t, time.Millisecond, jitteredInterval(base, 1, 0))
	assert.Zero(t, jitteredInterval(0, 0.2, 0.5))
	assert.Equal(t, 0.0, clampJitterRatio(-1))
	assert.Equal(t, 1.0, clampJitterRatio(3))
}

type countingDrainer struct {
	mu       sync.Mutex
	triggers int
	calls    chan struct{}
	err      error
}

func (d *countingDrainer) Drain(ctx context.Context, _ offline.Handlers) (offline.DrainResult, error) {
	d.mu.Lock()
	d.triggers++
	d.mu.Unlock()
	select {
	case d.calls <- struct{}{}:
	default:
	}
	return offline.DrainResult{Passes: 1}, d.err
}

func (d *countingDrainer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggers
}

func TestDrainSchedulerTriggers(t *testing.T) {
	drainer := &countingDrainer{calls: make(chan struct{}, 16), err: errors.New("remote down")}
	s, err := NewDrainScheduler(drainer, offline.Handlers{}, SchedulerOptions{Schedule: "@every 1h"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan connectivity.Event)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, events) }()

	require.Eventually(t, func() bool { return drainer.count() == 1 }, 5*time.Second, 10*time.Millisecond, "drain on start")

	events <- connectivity.Event{Online: false, Source: "test"}
	events <- connectivity.Event{Online: true, Source: "test"}
	require.Eventually(t, func() bool { return drainer.count() == 2 }, 5*time.Second, 10*time.Millisecond, "drain on reconnect")

	cancel()
	require.NoError(t, <-done, "drain errors never stop the scheduler")
	assert.Equal(t, 2, drainer.count())
}

func TestDrainSchedulerInterval(t *testing.T) {
	drainer := &countingDrainer{calls: make(chan struct{}, 16)}
	s, err := NewDrainScheduler(drainer, offline.Handlers{}, SchedulerOptions{Interval: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx, nil) }()
	require.Eventually(t, func() bool { return drainer.count() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestDrainSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewDrainScheduler(&countingDrainer{}, nil, SchedulerOptions{Schedule: "whenever"})
	assert.Error(t, err)
}

func TestDrainSchedulerDrainsRealQueue(t *testing.T) {
	ctx := context.Background()
	q, err := offline.Open(ctx, offline.NewMemoryStore(), offline.Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, offline.KindLogInsert, map[string]string{"id": "l1"})
	require.NoError(t, err)

	var replayed atomic.Int32
	handlers := offline.Handlers{offline.KindLogInsert: func(context.Context, offline.Task) error {
		replayed.Add(1)
		return nil
	}}
	s, err := NewDrainScheduler(q, handlers, SchedulerOptions{Timeout: time.Second})
	require.NoError(t, err)

	result, err := s.Trigger(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, int32(1), replayed.Load())
	assert.Zero(t, q.Depth())
}

type pollerFixture struct {
	remote *remote.Memory
	jobs   *jobs.Client
}

func newPollerFixture(t *testing.T) pollerFixture {
	t.Helper()
	r := remote.NewMemory()
	r.SetUser(&remote.User{ID: "u-1"})
	q, err := offline.Open(context.Background(), offline.NewMemoryStore(), offline.Options{})
	require.NoError(t, err)
	return pollerFixture{remote: r, jobs: jobs.NewClient(r, q, jobs.Options{})}
}

func polygonInput() jobs.AnalysisInput {
	return jobs.AnalysisInput{
		AOI:       json.RawMessage(`{"type":"Polygon","coordinates":[[[-80.30,36.60],[-80.29,36.60],[-80.29,36.61],[-80.30,36.60]]]}`),
		Model:     "buildings",
		Threshold: 0.2,
	}
}

func TestPollerRunsAnalysisJob(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	ticket, err := f.jobs.Enqueue(ctx, jobs.KindAnalysis, polygonInput())
	require.NoError(t, err)

	p, err := NewJobPoller(f.jobs, AnalysisProcessor{}, PollerOptions{Kind: jobs.KindAnalysis})
	require.NoError(t, err)
	ran, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	job, err := f.jobs.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSucceeded, job.Status)
	var result analysisResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, "buildings", result.Model)
	assert.Equal(t, 1, result.FeatureCount)
	assert.Len(t, result.Features, 1)
}

func TestAnalysisProcessorIsDeterministic(t *testing.T) {
	in := jobs.AnalysisInput{
		AOI:       json.RawMessage(`{"type":"MultiPolygon","coordinates":[[[[0,0],[0.01,0],[0.01,0.02],[0,0]]],[[[0.05,0.05],[0.06,0.05],[0.06,0.06],[0.05,0.05]]]]}`),
		Model:     "trees",
		Threshold: 0.25,
	}
	a, err := AnalysisProcessor{}.Process(context.Background(), jobs.Job{}, in)
	require.NoError(t, err)
	b, err := AnalysisProcessor{}.Process(context.Background(), jobs.Job{}, in)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))

	var result analysisResult
	require.NoError(t, json.Unmarshal(a, &result))
	assert.Equal(t, [4]float64{0, 0, 0.06, 0.06}, result.BBox)
	assert.Equal(t, 27, result.FeatureCount)
}

func TestPollerRetriesUntilBoundThenFails(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	ticket, err := f.jobs.Enqueue(ctx, jobs.KindAnalysis, polygonInput())
	require.NoError(t, err)

	var calls atomic.Int32
	failing := ProcessorFunc(func(context.Context, jobs.Job, jobs.Input) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("model offline")
	})
	p, err := NewJobPoller(f.jobs, failing, PollerOptions{Kind: jobs.KindAnalysis})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := p.PollOnce(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(jobs.DefaultMaxRetries), calls.Load(), "exactly maxRetries attempts")

	job, err := f.jobs.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, "model offline", job.Error)
}

func TestPollerRecoversProcessorPanic(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	ticket, err := f.jobs.Enqueue(ctx, jobs.KindAnalysis, polygonInput())
	require.NoError(t, err)

	panicking := ProcessorFunc(func(context.Context, jobs.Job, jobs.Input) (json.RawMessage, error) {
		panic("boom")
	})
	p, err := NewJobPoller(f.jobs, panicking, PollerOptions{Kind: jobs.KindAnalysis})
	require.NoError(t, err)
	_, err = p.PollOnce(ctx)
	require.NoError(t, err)

	job, err := f.jobs.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, 1, job.Retries)
	assert.Contains(t, job.Error, "boom")
}

func TestPollerFailsInvalidStoredInput(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := f.remote.Create(ctx, remote.CollectionJobs, "bad-1", jobs.Job{
		ID:         "bad-1",
		Kind:       jobs.KindAnalysis,
		Status:     jobs.StatusQueued,
		Input:      json.RawMessage(`{"aoi":{"type":"Point","coordinates":[0,0]},"model":"m","threshold":0.5}`),
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	require.NoError(t, err)

	called := false
	p, err := NewJobPoller(f.jobs, ProcessorFunc(func(context.Context, jobs.Job, jobs.Input) (json.RawMessage, error) {
		called = true
		return nil, nil
	}), PollerOptions{Kind: jobs.KindAnalysis})
	require.NoError(t, err)
	_, err = p.PollOnce(ctx)
	require.NoError(t, err)
	assert.False(t, called)

	job, err := f.jobs.Get(ctx, "bad-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
}

func TestPollerBatchSizeAndKind(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := f.jobs.Enqueue(ctx, jobs.KindAnalysis, polygonInput())
		require.NoError(t, err)
	}
	_, err := f.jobs.Enqueue(ctx, jobs.KindExport, jobs.ExportInput{Format: "png", Workspace: "default"})
	require.NoError(t, err)

	var seen atomic.Int32
	p, err := NewJobPoller(f.jobs, ProcessorFunc(func(_ context.Context, job jobs.Job, _ jobs.Input) (json.RawMessage, error) {
		assert.Equal(t, jobs.KindAnalysis, job.Kind)
		seen.Add(1)
		return json.RawMessage(`{}`), nil
	}), PollerOptions{Kind: jobs.KindAnalysis})
	require.NoError(t, err)

	ran, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, ran)
	ran, err = p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ran)
	assert.Equal(t, int32(7), seen.Load())
}

func TestPollerRunLoop(t *testing.T) {
	f := newPollerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticket, err := f.jobs.Enqueue(ctx, jobs.KindAnalysis, polygonInput())
	require.NoError(t, err)

	p, err := NewJobPoller(f.jobs, AnalysisProcessor{}, PollerOptions{Kind: jobs.KindAnalysis, Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := f.jobs.Get(context.Background(), ticket.ID)
		return err == nil && job.Status == jobs.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

type stubLoader map[string]workspace.State

func (l stubLoader) Load(_ context.Context, name string) (workspace.State, bool) {
	state, ok := l[name]
	return state, ok
}

func TestExportProcessorUploadsGeoJSON(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	sink := NewMemorySink()
	loader := stubLoader{"parcels": {Name: "parcels", Drawings: json.RawMessage(`{"type":"FeatureCollection","features":[{"type":"Feature","geometry":null,"properties":{}}]}`)}}
	processor := ExportProcessor{Renderer: GeoJSONRenderer{Workspaces: loader}, Sink: sink}

	ticket, err := f.jobs.Enqueue(ctx, jobs.KindExport, jobs.ExportInput{Format: "geojson", Workspace: "parcels"})
	require.NoError(t, err)
	p, err := NewJobPoller(f.jobs, processor, PollerOptions{Kind: jobs.KindExport})
	require.NoError(t, err)
	_, err = p.PollOnce(ctx)
	require.NoError(t, err)

	job, err := f.jobs.Get(ctx, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusSucceeded, job.Status)
	var result ExportResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, "exports/"+ticket.ID+".geojson", result.ObjectKey)
	assert.Equal(t, "memory://"+result.ObjectKey, result.URL)
	assert.Equal(t, "application/geo+json", result.ContentType)

	body, contentType, ok := sink.Get(result.ObjectKey)
	require.True(t, ok)
	assert.Equal(t, "application/geo+json", contentType)
	assert.Equal(t, result.Bytes, len(body))
}

func TestExportProcessorUnsupportedFormat(t *testing.T) {
	processor := ExportProcessor{Renderer: GeoJSONRenderer{Workspaces: stubLoader{}}, Sink: NewMemorySink()}
	_, err := processor.Process(context.Background(), jobs.Job{ID: "j"}, jobs.ExportInput{Format: "pdf", Workspace: "w"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestMinioSinkPutsObject(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewMinioSink(MinioConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "exports",
	})
	require.NoError(t, err)
	url, err := sink.Put(context.Background(), "exports/job-1.geojson", []byte(`{}`), "application/geo+json")
	require.NoError(t, err)
	assert.Contains(t, url, "/exports/exports/job-1.geojson")
	assert.Contains(t, url, "X-Amz-Signature")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, paths, "PUT /exports/exports/job-1.geojson")
}

func TestGeoJSONRendererServesCachedWorkspace(t *testing.T) {
	c := cache.New([]cache.Tier{cache.NewMemoryTier()}, cache.Options{})
	r := remote.NewMemory()
	r.SetOffline(true)
	q, err := offline.Open(context.Background(), offline.NewCacheStore(c), offline.Options{})
	require.NoError(t, err)
	ws := workspace.NewStore(r, c, q, workspace.Options{})
	_, err = ws.Save(context.Background(), workspace.State{Name: "field"})
	require.NoError(t, err)

	artifact, err := GeoJSONRenderer{Workspaces: ws}.Render(context.Background(), jobs.ExportInput{Format: "geojson", Workspace: "field"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(artifact.Body))
}
