// Package geometry fetches boundary geometry for the visible map extent
// through a short-lived cache. A newer request supersedes the one in flight.
package geometry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/mapsync/internal/cache"
	"github.com/agentworkforce/mapsync/internal/logger"
)

// ErrSuperseded is returned to a caller whose request was overtaken by a
// newer one on the same Fetcher.
var ErrSuperseded = errors.New("geometry request superseded")

const DefaultTTL = 2 * time.Minute

// BBox is [minLng, minLat, maxLng, maxLat].
type BBox [4]float64

func (b BBox) Valid() bool {
	return b[0] < b[2] && b[1] < b[3] &&
		b[0] >= -180 && b[2] <= 180 && b[1] >= -90 && b[3] <= 90
}

type Source interface {
	Boundaries(ctx context.Context, bbox BBox, zoom int) (json.RawMessage, error)
}

type Options struct {
	TTL    time.Duration
	Logger logger.Logger
}

type Fetcher struct {
	source Source
	cache  *cache.Cache
	ttl    time.Duration
	log    logger.Logger

	mu       sync.Mutex
	seq      uint64
	inflight context.CancelFunc
}

func NewFetcher(source Source, c *cache.Cache, opts Options) *Fetcher {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Fetcher{
		source: source,
		cache:  c,
		ttl:    ttl,
		log:    logger.OrNop(opts.Logger).With(logger.String("component", "geometry")),
	}
}

func CacheKey(bbox BBox, zoom int) string {
	return cache.Fingerprint("geom", bbox[:], zoom)
}

// Boundaries returns the geometry for bbox at zoom. Calling it again before
// an earlier call finishes cancels the earlier one, which then returns
// ErrSuperseded.
func (f *Fetcher) Boundaries(ctx context.Context, bbox BBox, zoom int) (json.RawMessage, error) {
	if !bbox.Valid() || zoom < 0 {
		return nil, fmt.Errorf("invalid geometry request bbox=%v zoom=%d", bbox, zoom)
	}
	reqCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	if f.inflight != nil {
		f.inflight()
	}
	f.seq++
	id := f.seq
	f.inflight = cancel
	f.mu.Unlock()
	defer f.finish(id, cancel)

	raw, err := cache.ReadThrough(reqCtx, f.cache, CacheKey(bbox, zoom), f.ttl, func(ctx context.Context) (json.RawMessage, error) {
		return f.source.Boundaries(ctx, bbox, zoom)
	})
	if f.superseded(id) {
		f.log.Debug("geometry request superseded", logger.Int("zoom", zoom))
		return nil, ErrSuperseded
	}
	return raw, err
}

func (f *Fetcher) superseded(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq != id
}

func (f *Fetcher) finish(id uint64, cancel context.CancelFunc) {
	f.mu.Lock()
	if f.seq == id {
		f.inflight = nil
	}
	f.mu.Unlock()
	cancel()
}

// HTTPSource queries a feature service that takes bbox and zoom as query
// parameters and answers with GeoJSON.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

func (s HTTPSource) Boundaries(ctx context.Context, bbox BBox, zoom int) (json.RawMessage, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, err
	}
	parts := make([]string, len(bbox))
	for i, v := range bbox {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	q := u.Query()
	q.Set("bbox", strings.Join(parts, ","))
	q.Set("zoom", strconv.Itoa(zoom))
	q.Set("f", "geojson")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/geo+json, application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geometry source returned %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, errors.New("geometry source returned invalid json")
	}
	return body, nil
}
