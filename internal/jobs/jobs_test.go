package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/mapsync/internal/offline"
	"github.com/agentworkforce/mapsync/internal/remote"
)

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestClient(t *testing.T) (*Client, *remote.Memory, *offline.Queue) {
	t.Helper()
	clock := &tickingClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	r := remote.NewMemory()
	r.SetClock(clock.Now)
	r.SetUser(&remote.User{ID: "u-1", Email: "surveyor@example.com"})
	q, err := offline.Open(context.Background(), offline.NewMemoryStore(), offline.Options{})
	require.NoError(t, err)
	return NewClient(r, q, Options{Now: clock.Now}), r, q
}

func testAnalysisInput() AnalysisInput {
	return AnalysisInput{
		AOI:       json.RawMessage(`{"type":"Polygon","coordinates":[[[-80.3,36.6],[-80.2,36.6],[-80.2,36.7],[-80.3,36.6]]]}`),
		Model:     "solar-panels-v2",
		Threshold: 0.5,
	}
}

func TestValidateTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCancelled},
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusQueued},
		{StatusRunning, StatusCancelled},
	}
	for _, edge := range allowed {
		assert.NoError(t, ValidateTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	denied := [][2]Status{
		{StatusQueued, StatusSucceeded},
		{StatusQueued, StatusFailed},
		{StatusSucceeded, StatusQueued},
		{StatusFailed, StatusQueued},
		{StatusCancelled, StatusRunning},
		{StatusSucceeded, StatusCancelled},
		{"paused", StatusRunning},
	}
	for _, edge := range denied {
		assert.ErrorIs(t, ValidateTransition(edge[0], edge[1]), ErrInvalidTransition, "%s -> %s", edge[0], edge[1])
	}
}

func TestValidateInputSchemas(t *testing.T) {
	good, err := json.Marshal(testAnalysisInput())
	require.NoError(t, err)
	assert.NoError(t, ValidateInput(KindAnalysis, good))

	cases := map[string]struct {
		kind Kind
		raw  string
	}{
		"point aoi":        {KindAnalysis, `{"aoi":{"type":"Point","coordinates":[0,0]},"model":"m","threshold":0.1}`},
		"threshold range":  {KindAnalysis, `{"aoi":{"type":"Polygon","coordinates":[[]]},"model":"m","threshold":2}`},
		"missing model":    {KindAnalysis, `{"aoi":{"type":"Polygon","coordinates":[[]]},"threshold":0.1}`},
		"unknown format":   {KindExport, `{"format":"tiff","workspace":"default"}`},
		"fractional dpi":   {KindExport, `{"format":"png","workspace":"default","dpi":150.5}`},
		"extra field":      {KindExport, `{"format":"png","workspace":"default","color":"red"}`},
		"empty":            {KindExport, ``},
		"unknown job kind": {"tiling", `{}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateInput(tc.kind, []byte(tc.raw)), ErrInvalidInput)
		})
	}

	assert.NoError(t, ValidateInput(KindExport, []byte(`{"format":"pdf","workspace":"default","dpi":300,"options":{"title":"Parcel"}}`)))
}

func TestEnqueueOnlineInsertsQueuedJob(t *testing.T) {
	c, r, q := newTestClient(t)
	ctx := context.Background()

	ticket, err := c.Enqueue(ctx, KindAnalysis, testAnalysisInput())
	require.NoError(t, err)
	assert.False(t, ticket.Offline)
	assert.Zero(t, q.Depth())

	job, err := c.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, KindAnalysis, job.Kind)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)
	assert.Equal(t, "u-1", job.Owner)

	in, err := job.DecodeInput()
	require.NoError(t, err)
	assert.Equal(t, "solar-panels-v2", in.(AnalysisInput).Model)

	logs, err := c.Logs(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, EventEnqueued, logs[0].Event)
	assert.Equal(t, 1, r.Len(remote.CollectionLogs))
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	c, r, q := newTestClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, KindExport, ExportInput{Format: "bmp", Workspace: "default"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = c.Enqueue(ctx, KindExport, testAnalysisInput())
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Zero(t, q.Depth())
	assert.Zero(t, r.Len(remote.CollectionJobs))
}

func TestEnqueueWithoutUserGoesOffline(t *testing.T) {
	c, r, q := newTestClient(t)
	ctx := context.Background()
	r.SetUser(nil)

	ticket, err := c.Enqueue(ctx, KindExport, ExportInput{Format: "png", Workspace: "default"})
	require.NoError(t, err)
	assert.True(t, ticket.Offline)

	_, err = c.Get(ctx, ticket.ID)
	assert.ErrorIs(t, err, ErrOfflineTicket)

	tasks := q.Snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, offline.KindJobInsert, tasks[0].Kind)

	result, err := q.Drain(ctx, c.ReplayHandlers())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed, "insert must wait for a signed-in user")

	r.SetUser(&remote.User{ID: "u-2"})
	_, err = q.Drain(ctx, c.ReplayHandlers())
	require.NoError(t, err)
	assert.Zero(t, q.Depth())

	job, err := c.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "u-2", job.Owner)
}

func TestEnqueueRemoteDownQueuesInsertAndLog(t *testing.T) {
	c, r, q := newTestClient(t)
	ctx := context.Background()
	r.SetOffline(true)

	ticket, err := c.Enqueue(ctx, KindAnalysis, testAnalysisInput())
	require.NoError(t, err)
	assert.True(t, ticket.Offline)

	kinds := []offline.Kind{}
	for _, task := range q.Snapshot() {
		kinds = append(kinds, task.Kind)
	}
	assert.Equal(t, []offline.Kind{offline.KindJobInsert, offline.KindLogInsert}, kinds)

	r.SetOffline(false)
	result, err := q.Drain(ctx, c.ReplayHandlers())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, r.Len(remote.CollectionJobs))
	assert.Equal(t, 1, r.Len(remote.CollectionLogs))
}

func TestReplayInsertIsIdempotent(t *testing.T) {
	c, r, q := newTestClient(t)
	ctx := context.Background()
	r.SetOffline(true)
	ticket, err := c.Enqueue(ctx, KindAnalysis, testAnalysisInput())
	require.NoError(t, err)
	insert := q.Snapshot()[0]
	r.SetOffline(false)

	handler := c.ReplayHandlers()[offline.KindJobInsert]
	require.NoError(t, handler(ctx, insert))

	job, err := c.remote.Get(ctx, remote.CollectionJobs, ticket.ID)
	require.NoError(t, err)
	var stored Job
	require.NoError(t, job.Decode(&stored))
	claimed, err := c.Claim(ctx, stored)
	require.NoError(t, err)

	require.NoError(t, handler(ctx, insert))
	assert.Equal(t, 1, r.Len(remote.CollectionJobs))
	doc, err := c.remote.Get(ctx, remote.CollectionJobs, claimed.ID)
	require.NoError(t, err)
	require.NoError(t, doc.Decode(&stored))
	assert.Equal(t, StatusRunning, stored.Status, "a replayed insert must not reset a claimed job")
}

func TestCancelCompareAndSet(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	ticket, err := c.Enqueue(ctx, KindAnalysis, testAnalysisInput())
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, ticket.ID))

	job, err := c.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.NotNil(t, job.FinishedAt)

	assert.ErrorIs(t, c.Cancel(ctx, ticket.ID), ErrInvalidTransition)
	_, err = c.Claim(ctx, job)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, c.Cancel(ctx, "missing"), remote.ErrNotFound)
}

func TestCancelledRunningJobDiscardsResult(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	ticket, err := c.Enqueue(ctx, KindAnalysis, testAnalysisInput())
	require.NoError(t, err)
	job, err := c.Get(ctx, ticket.ID)
	require.NoError(t, err)
	running, err := c.Claim(ctx, job)
	require.NoError(t, err)

	require.NoError(t, c.Cancel(ctx, ticket.ID))
	_, err = c.Complete(ctx, running, json.RawMessage(`{"features":3}`))
	assert.ErrorIs(t, err, remote.ErrPreconditionFailed)

	job, err = c.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Empty(t, job.Result)
}

func TestCancelOfflineQueuesAndReplays(t *testing.T) {
	c, r, q := newTestClient(t)
	ctx := context.Background()
	ticket, err := c.Enqueue(ctx, KindAnalysis, testAnalysisInput())
	require.NoError(t, err)

	r.SetOffline(true)
	require.NoError(t, c.Cancel(ctx, ticket.ID))
	tasks := q.Snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, offline.KindJobCancel, tasks[0].Kind)

	r.SetOffline(false)
	_, err = q.Drain(ctx, c.ReplayHandlers())
	require.NoError(t, err)
	assert.Zero(t, q.Depth())

	job, err := c.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
}

func TestCancelOfOfflineTicketRunsAfterInsert(t *testing.T) {
	c, r, q := newTestClient(t)
	ctx := context.Background()
	r.SetOffline(true)
	ticket, err := c.Enqueue(ctx, KindExport, ExportInput{Format: "geojson", Workspace: "default"})
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, ticket.ID))

	r.SetOffline(false)
	_, err = q.Drain(ctx, c.ReplayHandlers())
	require.NoError(t, err)
	assert.Zero(t, q.Depth())

	job, err := c.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
}

func TestClaimOnlyOnce(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	ticket, err := c.Enqueue(ctx, KindAnalysis, testAnalysisInput())
	require.NoError(t, err)
	job, err := c.Get(ctx, ticket.ID)
	require.NoError(t, err)

	_, err = c.Claim(ctx, job)
	require.NoError(t, err)
	_, err = c.Claim(ctx, job)
	assert.ErrorIs(t, err, remote.ErrPreconditionFailed)
}

func TestFailRespectsRetryBound(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	ticket, err := c.Enqueue(ctx, KindAnalysis, testAnalysisInput())
	require.NoError(t, err)

	attempts := 0
	for {
		job, err := c.Get(ctx, ticket.ID)
		require.NoError(t, err)
		if job.Status != StatusQueued {
			assert.Equal(t, StatusFailed, job.Status)
			assert.Equal(t, DefaultMaxRetries, job.Retries)
			assert.Equal(t, "detector crashed", job.Error)
			break
		}
		running, err := c.Claim(ctx, job)
		require.NoError(t, err)
		attempts++
		_, err = c.Fail(ctx, running, errors.New("detector crashed"))
		require.NoError(t, err)
		require.LessOrEqual(t, attempts, DefaultMaxRetries)
	}
	assert.Equal(t, DefaultMaxRetries, attempts)

	logs, err := c.Logs(ctx, ticket.ID)
	require.NoError(t, err)
	events := []LogEvent{}
	for _, entry := range logs {
		events = append(events, entry.Event)
	}
	assert.Equal(t, []LogEvent{
		EventEnqueued,
		EventClaimed, EventRetry,
		EventClaimed, EventRetry,
		EventClaimed, EventFailed,
	}, events)
}

func TestListNewestFirstWithFilters(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	first, err := c.Enqueue(ctx, KindAnalysis, testAnalysisInput())
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, KindExport, ExportInput{Format: "png", Workspace: "default"})
	require.NoError(t, err)
	third, err := c.Enqueue(ctx, KindAnalysis, testAnalysisInput())
	require.NoError(t, err)

	jobs, err := c.List(ctx, KindAnalysis, StatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, third.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)

	oldest, err := c.Oldest(ctx, "", StatusQueued, 1)
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.Equal(t, first.ID, oldest[0].ID)
}
