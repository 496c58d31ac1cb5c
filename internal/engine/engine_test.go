package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/mapsync/internal/config"
	"github.com/agentworkforce/mapsync/internal/jobs"
	"github.com/agentworkforce/mapsync/internal/offline"
	"github.com/agentworkforce/mapsync/internal/remote"
	"github.com/agentworkforce/mapsync/internal/remote/httpstore"
	"github.com/agentworkforce/mapsync/internal/remote/pgstore"
	"github.com/agentworkforce/mapsync/internal/workspace"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Drain.Interval = time.Hour
	cfg.Jobs.PollInterval = 10 * time.Millisecond
	return cfg
}

func TestEngineReplaysWhenConnectivityReturns(t *testing.T) {
	cfg := testConfig(t)
	flag := filepath.Join(t.TempDir(), "offline")
	require.NoError(t, os.WriteFile(flag, nil, 0o644))
	cfg.Connectivity.FlagFile = flag

	ctx := context.Background()
	e, err := New(ctx, cfg, Options{})
	require.NoError(t, err)
	mem := e.Remote.(*remote.Memory)
	mem.SetOffline(true)

	result, err := e.Workspaces.Save(ctx, workspace.State{Name: "w1", MapView: workspace.MapView{Zoom: 11}})
	require.NoError(t, err)
	require.True(t, result.Offline)

	require.NoError(t, e.Start(ctx))
	mem.SetOffline(false)
	require.NoError(t, os.Remove(flag))

	require.Eventually(t, func() bool { return e.Queue.Depth() == 0 }, 5*time.Second, 20*time.Millisecond)
	doc, err := mem.Get(ctx, remote.CollectionWorkspaces, "w1")
	require.NoError(t, err)
	var state workspace.State
	require.NoError(t, doc.Decode(&state))
	assert.Equal(t, 11.0, state.MapView.Zoom)

	require.NoError(t, e.Close())
}

func TestEngineRunsJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Jobs.Enabled = true
	ctx := context.Background()
	e, err := New(ctx, cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	defer func() { assert.NoError(t, e.Close()) }()

	_, err = e.Workspaces.Save(ctx, workspace.State{Name: "default"})
	require.NoError(t, err)
	ticket, err := e.Jobs.Enqueue(ctx, jobs.KindExport, jobs.ExportInput{Format: "geojson", Workspace: "default"})
	require.NoError(t, err)
	require.False(t, ticket.Offline, "memory profile signs in the local user")

	require.Eventually(t, func() bool {
		job, err := e.Jobs.Get(ctx, ticket.ID)
		return err == nil && job.Status == jobs.StatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEngineDrainAndQueueDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.DSN = "file://" + filepath.Join(t.TempDir(), "queue.json")
	ctx := context.Background()

	e, err := New(ctx, cfg, Options{})
	require.NoError(t, err)
	mem := e.Remote.(*remote.Memory)
	mem.SetOffline(true)
	_, err = e.Jobs.Enqueue(ctx, jobs.KindAnalysis, jobs.AnalysisInput{
		AOI:       []byte(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`),
		Model:     "m",
		Threshold: 0.9,
	})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	reopened, err := New(ctx, cfg, Options{Remote: mem})
	require.NoError(t, err)
	defer reopened.Close()
	kinds := []offline.Kind{}
	for _, task := range reopened.Queue.Snapshot() {
		kinds = append(kinds, task.Kind)
	}
	assert.Equal(t, []offline.Kind{offline.KindJobInsert, offline.KindLogInsert}, kinds)

	mem.SetOffline(false)
	result, err := reopened.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, mem.Len(remote.CollectionJobs))
}

func TestBuildRemote(t *testing.T) {
	store, err := BuildRemote(config.RemoteConfig{DSN: "memory://", UserID: "u"}, nil)
	require.NoError(t, err)
	user, ok := store.CurrentUser(context.Background())
	require.True(t, ok)
	assert.Equal(t, "u", user.ID)

	store, err = BuildRemote(config.RemoteConfig{DSN: "https://sync.example.com", Token: "t"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &httpstore.Client{}, store)

	store, err = BuildRemote(config.RemoteConfig{DSN: "postgres://localhost/mapsync?sslmode=disable"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &pgstore.Store{}, store)

	_, err = BuildRemote(config.RemoteConfig{DSN: "ftp://example.com"}, nil)
	assert.Error(t, err)
}
