package offline

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/mapsync/internal/cache"
)

type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildStoreFromDSN picks the queue backend. An empty DSN or cache:// keeps
// the queue inside the tiered cache c.
func BuildStoreFromDSN(dsn string, c *cache.Cache) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return cacheStoreOrError(c)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "cache":
		return cacheStoreOrError(c)
	case "", "file":
		path, pathErr := cache.DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		query := parsed.Query()
		queueKey := query.Get("queue")
		query.Del("queue")
		parsed.RawQuery = query.Encode()
		return NewPostgresStore(parsed.String(), queueKey)
	default:
		return nil, fmt.Errorf("%w: offline store scheme %s", ErrNotImplemented, scheme)
	}
}

func cacheStoreOrError(c *cache.Cache) (Store, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: cache-backed offline store needs a cache", ErrInvalidInput)
	}
	return NewCacheStore(c), nil
}
