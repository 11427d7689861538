package cache

import (
	"encoding/json"
	"strings"
	"time"
)

// Entry is one cached response body. Entries are replaced wholesale, never
// mutated in place apart from the hit counter.
type Entry struct {
	Data         json.RawMessage
	Timestamp    time.Time
	ResourceType string
	Hits         int
}

// Policy bounds staleness for one resource type. Reads are served while
// age < TTL; entries older than MaxAge are evicted.
type Policy struct {
	TTL    time.Duration
	MaxAge time.Duration
}

const (
	DefaultTTL    = 5 * time.Minute
	defaultMaxAge = 10 * time.Minute
)

// DefaultPolicies is the per-resource TTL table used by the console.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"characters":  {TTL: 5 * time.Minute, MaxAge: 10 * time.Minute},
		"render_jobs": {TTL: time.Minute, MaxAge: 2 * time.Minute},
		"live":        {TTL: 30 * time.Second, MaxAge: time.Minute},
		"api_keys":    {TTL: 10 * time.Minute, MaxAge: 20 * time.Minute},
		"files":       {TTL: 2 * time.Minute, MaxAge: 4 * time.Minute},
		"billing":     {TTL: 10 * time.Minute, MaxAge: 20 * time.Minute},
	}
}

// Key is the exact cache key for a resource path and query. Queries are not
// normalized: "a=1&b=2" and "b=2&a=1" are distinct keys.
func Key(resourcePath, query string) string {
	query = strings.TrimPrefix(query, "?")
	if query == "" {
		return resourcePath
	}
	return resourcePath + "?" + query
}

// ResourceType is the first path segment, e.g. "live" for "live/sess-1".
func ResourceType(resourcePath string) string {
	p := strings.TrimPrefix(resourcePath, "/")
	if i := strings.IndexAny(p, "/?"); i >= 0 {
		p = p[:i]
	}
	return p
}
