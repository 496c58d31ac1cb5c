package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUpsertIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := m.Upsert(ctx, CollectionWorkspaces, "default", map[string]any{"zoom": 10})
		require.NoError(t, err)
		assert.Equal(t, "default", id)
	}
	assert.Equal(t, 1, m.Len(CollectionWorkspaces))

	doc, err := m.Get(ctx, CollectionWorkspaces, "default")
	require.NoError(t, err)
	assert.JSONEq(t, `{"zoom":10}`, string(doc.Data))
}

func TestMemoryCreateKeepsFirstWrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	created, err := m.Create(ctx, CollectionJobs, "j1", map[string]string{"status": "queued"})
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, m.Update(ctx, CollectionJobs, "j1", Patch{Set: map[string]any{"status": "running"}}))

	created, err = m.Create(ctx, CollectionJobs, "j1", map[string]string{"status": "queued"})
	require.NoError(t, err)
	assert.False(t, created)

	doc, err := m.Get(ctx, CollectionJobs, "j1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"running"}`, string(doc.Data))
}

func TestMemoryGetMissing(t *testing.T) {
	_, err := NewMemory().Get(context.Background(), CollectionJobs, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsUnavailable(err))
}

func TestMemoryUpdateCompareAndSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.Upsert(ctx, CollectionJobs, "j1", map[string]any{"status": "queued", "retries": 0})
	require.NoError(t, err)

	err = m.Update(ctx, CollectionJobs, "j1", Patch{
		Set:    map[string]any{"status": "running"},
		Expect: map[string]any{"status": "queued"},
	})
	require.NoError(t, err)

	err = m.Update(ctx, CollectionJobs, "j1", Patch{
		Set:    map[string]any{"status": "running"},
		Expect: map[string]any{"status": "queued"},
	})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	err = m.Update(ctx, CollectionJobs, "j1", Patch{
		Set:    map[string]any{"retries": 1},
		Expect: map[string]any{"retries": 0},
	})
	require.NoError(t, err)

	err = m.Update(ctx, CollectionJobs, "missing", Patch{Set: map[string]any{"status": "x"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySelectFiltersOrdersAndLimits(t *testing.T) {
	m := NewMemory()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	ctx := context.Background()
	for _, job := range []struct{ id, kind, status string }{
		{"a", "analysis", "queued"},
		{"b", "export", "queued"},
		{"c", "analysis", "queued"},
		{"d", "analysis", "running"},
	} {
		_, err := m.Upsert(ctx, CollectionJobs, job.id, map[string]string{"kind": job.kind, "status": job.status})
		require.NoError(t, err)
	}

	docs, err := m.Select(ctx, CollectionJobs, Query{
		Filter:  map[string]any{"kind": "analysis", "status": "queued"},
		OrderBy: OrderCreatedAt,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Key)
	assert.Equal(t, "c", docs[1].Key)

	docs, err = m.Select(ctx, CollectionJobs, Query{OrderBy: OrderCreatedAt, Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "d", docs[0].Key)
	assert.Equal(t, "c", docs[1].Key)
}

func TestMemoryAppendVersionIsMonotonicUnderConcurrency(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	versions := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.AppendVersion(ctx, CollectionWorkspaceVersions, "default", map[string]int{"n": i})
			assert.NoError(t, err)
			versions <- v
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := map[int]bool{}
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	for v := 1; v <= writers; v++ {
		assert.True(t, seen[v], "missing version %d", v)
	}

	docs, err := m.Select(ctx, CollectionWorkspaceVersions, Query{Parent: "default", OrderBy: OrderVersion})
	require.NoError(t, err)
	require.Len(t, docs, writers)
	for i, doc := range docs {
		assert.Equal(t, i+1, doc.Version)
		assert.Equal(t, VersionKey("default", i+1), doc.Key)
	}
}

func TestMemoryOfflineFailsEveryCall(t *testing.T) {
	m := NewMemory()
	m.SetUser(&User{ID: "u1"})
	m.SetOffline(true)
	ctx := context.Background()

	_, err := m.Upsert(ctx, CollectionWorkspaces, "w", map[string]int{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsUnavailable(err))
	_, err = m.Select(ctx, CollectionJobs, Query{})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, ok := m.CurrentUser(ctx)
	assert.False(t, ok)

	m.SetOffline(false)
	user, ok := m.CurrentUser(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", user.ID)
}

func TestMatchFieldsNormalizesNumbers(t *testing.T) {
	ok, err := MatchFields([]byte(`{"retries":2,"error":null}`), map[string]any{"retries": 2, "error": nil})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchFields([]byte(`{"retries":2}`), map[string]any{"retries": int64(3)})
	require.NoError(t, err)
	assert.False(t, ok)
}
