package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type brokenTier struct {
	name   string
	loads  int
	stores int
}

func (t *brokenTier) Name() string { return t.name }

func (t *brokenTier) Load(context.Context, string) (Entry, bool, error) {
	t.loads++
	return Entry{}, false, errors.New("quota exceeded")
}

func (t *brokenTier) Store(context.Context, string, Entry, time.Duration) error {
	t.stores++
	return errors.New("quota exceeded")
}

func (t *brokenTier) Delete(context.Context, string) error { return errors.New("quota exceeded") }
func (t *brokenTier) Close() error { return nil }

func TestCacheTTLExpiresLazily(t *testing.T) {
	clock := newFakeClock()
	c := New([]Tier{NewMemoryTier()}, Options{Now: clock.Now})
	ctx := context.Background()

	require.True(t, c.Put(ctx, "k", json.RawMessage(`"v"`), time.Minute))

	clock.Advance(59 * time.Second)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.JSONEq(t, `"v"`, string(got))

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "entry must be a miss once now >= expiresAt")
}

func TestCacheZeroTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	c := New([]Tier{NewMemoryTier()}, Options{Now: clock.Now})
	ctx := context.Background()

	require.True(t, c.PutJSON(ctx, "forever", map[string]int{"n": 1}, 0))
	clock.Advance(24 * 365 * time.Hour)

	var out map[string]int
	require.True(t, c.GetJSON(ctx, "forever", &out))
	assert.Equal(t, 1, out["n"])
}

func TestCacheFallsBackWhenPrimaryFails(t *testing.T) {
	primary := &brokenTier{name: "primary"}
	fallback := NewMemoryTier()
	c := New([]Tier{primary, fallback}, Options{})
	ctx := context.Background()

	require.True(t, c.PutJSON(ctx, "workspace:a", "state", time.Hour))
	assert.Equal(t, 1, primary.stores)

	var out string
	require.True(t, c.GetJSON(ctx, "workspace:a", &out))
	assert.Equal(t, "state", out)
	assert.Equal(t, 1, primary.loads)
}

func TestCacheAllTiersBrokenDegradesToMiss(t *testing.T) {
	c := New([]Tier{&brokenTier{name: "a"}, &brokenTier{name: "b"}}, Options{})
	ctx := context.Background()

	assert.False(t, c.Put(ctx, "k", json.RawMessage(`1`), time.Minute))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCacheNilIsAMiss(t *testing.T) {
	var c *Cache
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.False(t, c.Put(context.Background(), "k", json.RawMessage(`1`), 0))
}

func TestFileTierPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	tier, err := NewFileTier(path)
	require.NoError(t, err)
	c := New([]Tier{tier}, Options{})
	ctx := context.Background()
	require.True(t, c.PutJSON(ctx, "offline:queue", []string{"a", "b"}, 0))

	reopened, err := NewFileTier(path)
	require.NoError(t, err)
	var out []string
	require.True(t, New([]Tier{reopened}, Options{}).GetJSON(ctx, "offline:queue", &out))
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestFileTierDeleteRemovesEntry(t *testing.T) {
	tier, err := NewFileTier(filepath.Join(t.TempDir(), "nested", "cache.json"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, tier.Store(ctx, "k", Entry{Value: json.RawMessage(`1`)}, 0))
	require.NoError(t, tier.Delete(ctx, "k"))
	_, ok, err := tier.Load(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadThroughCachesSuccessOnly(t *testing.T) {
	c := New([]Tier{NewMemoryTier()}, Options{})
	ctx := context.Background()
	calls := 0
	fetch := func(context.Context) ([]int, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("upstream down")
		}
		return []int{1, 2, 3}, nil
	}

	_, err := ReadThrough(ctx, c, "geom:x", time.Minute, fetch)
	require.Error(t, err)

	got, err := ReadThrough(ctx, c, "geom:x", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)

	got, err = ReadThrough(ctx, c, "geom:x", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 2, calls)
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("geom", []float64{-80.3, 36.6, -80.2, 36.7}, 10)
	b := Fingerprint("geom", []float64{-80.30000001, 36.6, -80.2, 36.7}, 10)
	assert.Equal(t, a, b)
	assert.Equal(t, "geom:-80.300000,36.600000,-80.200000,36.700000:10", a)
}
