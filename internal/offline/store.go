package offline

import (
	"context"
	"errors"
	"sync"

	"github.com/agentworkforce/mapsync/internal/cache"
)

// CacheKey is where CacheStore keeps the serialized queue.
const CacheKey = "offline:queue"

// Store persists the whole pending list as one snapshot.
type Store interface {
	Load(ctx context.Context) ([]Task, error)
	Save(ctx context.Context, tasks []Task) error
	Close() error
}

type MemoryStore struct {
	mu    sync.Mutex
	tasks []Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Task(nil), s.tasks...), nil
}

func (s *MemoryStore) Save(_ context.Context, tasks []Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append([]Task(nil), tasks...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// CacheStore keeps the queue under CacheKey in the tiered cache with no
// expiry, so it lands in whichever tier currently accepts writes.
type CacheStore struct {
	cache *cache.Cache
	key   string
}

func NewCacheStore(c *cache.Cache) *CacheStore {
	return &CacheStore{cache: c, key: CacheKey}
}

func (s *CacheStore) Load(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if !s.cache.GetJSON(ctx, s.key, &tasks) {
		return nil, nil
	}
	return tasks, nil
}

func (s *CacheStore) Save(ctx context.Context, tasks []Task) error {
	if tasks == nil {
		tasks = []Task{}
	}
	if !s.cache.PutJSON(ctx, s.key, tasks, 0) {
		return errors.New("no cache tier accepted the offline queue")
	}
	return nil
}

// Close is a no-op; the cache is owned by the caller.
func (s *CacheStore) Close() error { return nil }
