package cache

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type TierFactory func(dsn string) (Tier, error)

var tierFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]TierFactory
}{
	factories: map[string]TierFactory{},
}

func RegisterTierFactory(scheme string, factory TierFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	tierFactoryRegistry.mu.Lock()
	defer tierFactoryRegistry.mu.Unlock()
	tierFactoryRegistry.factories[scheme] = factory
}

func lookupTierFactory(scheme string) (TierFactory, bool) {
	scheme = normalizeScheme(scheme)
	tierFactoryRegistry.mu.RLock()
	defer tierFactoryRegistry.mu.RUnlock()
	factory, ok := tierFactoryRegistry.factories[scheme]
	return factory, ok
}

func BuildTierFromDSN(dsn string) (Tier, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupTierFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileTier(path)
	case "memory", "mem", "inmem":
		return NewMemoryTier(), nil
	case "redis", "rediss":
		return NewRedisTier(dsn)
	case "indexeddb", "localstorage":
		return nil, fmt.Errorf("%w: cache tier %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache tier scheme: %s", scheme)
	}
}

// BuildTiersFromDSNs builds a fallback chain in the given order. A tier that
// cannot be opened is skipped as long as at least one tier remains, which is
// how an unavailable primary degrades to the simpler store.
func BuildTiersFromDSNs(dsns []string) ([]Tier, error) {
	tiers := make([]Tier, 0, len(dsns))
	var errs []error
	for _, dsn := range dsns {
		if strings.TrimSpace(dsn) == "" {
			continue
		}
		tier, err := BuildTierFromDSN(dsn)
		if err != nil {
			errs = append(errs, fmt.Errorf("cache tier %s: %w", redactDSN(dsn), err))
			continue
		}
		tiers = append(tiers, tier)
	}
	if len(tiers) == 0 {
		if len(errs) == 0 {
			return []Tier{NewMemoryTier()}, nil
		}
		return nil, errors.Join(errs...)
	}
	return tiers, nil
}

// DSNPath extracts a filesystem path from file:// style DSNs or bare paths.
func DSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	return parsed.Redacted()
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
