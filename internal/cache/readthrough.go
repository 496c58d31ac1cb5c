package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ReadThrough returns the cached value for key, or calls fetch and caches its
// result for ttl. Fetch errors are returned and never cached.
func ReadThrough[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var cached T
	if c.GetJSON(ctx, key, &cached) {
		return cached, nil
	}
	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.PutJSON(ctx, key, value, ttl)
	return value, nil
}

// Fingerprint joins query parts into a stable cache key. Floats are rounded
// to six decimals so equivalent bounding boxes share a key.
func Fingerprint(prefix string, parts ...any) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, part := range parts {
		b.WriteByte(':')
		switch v := part.(type) {
		case float64:
			b.WriteString(strconv.FormatFloat(v, 'f', 6, 64))
		case []float64:
			for i, f := range v {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteString(strconv.FormatFloat(f, 'f', 6, 64))
			}
		case string:
			b.WriteString(v)
		case fmt.Stringer:
			b.WriteString(v.String())
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				b.WriteString(fmt.Sprint(v))
				continue
			}
			b.Write(raw)
		}
	}
	return b.String()
}
