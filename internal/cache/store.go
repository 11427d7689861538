package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/avatarconsole/internal/observability"
)

// FetchFunc performs the network read for a resource path and query.
type FetchFunc func(ctx context.Context, resourcePath, query string) (json.RawMessage, error)

// Options control a single Fetch call.
type Options struct {
	ForceRefresh bool
	Query        string
	// TTL overrides the resource type's TTL when positive.
	TTL time.Duration
}

// Config configures a Store. Zero values fall back to package defaults.
type Config struct {
	DefaultTTL time.Duration
	Policies   map[string]Policy
	Now        func() time.Time
	Metrics    *observability.Metrics
}

// Store is an in-memory TTL cache keyed by resource path + query that
// coalesces concurrent misses for the same key into one fetch.
type Store struct {
	fetch      FetchFunc
	now        func() time.Time
	defaultTTL time.Duration
	policies   map[string]Policy
	metrics    *observability.Metrics

	mu       sync.Mutex
	entries  map[string]*Entry
	inflight map[string]uint64
	epoch    uint64

	group singleflight.Group
}

func New(fetch FetchFunc, cfg Config) *Store {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		fetch:      fetch,
		now:        cfg.Now,
		defaultTTL: cfg.DefaultTTL,
		policies:   cfg.Policies,
		metrics:    cfg.Metrics,
		entries:    make(map[string]*Entry),
		inflight:   make(map[string]uint64),
	}
}

// Fetch returns the cached body for resourcePath+query while it is younger
// than the effective TTL. Otherwise it joins an in-flight fetch for the same
// key or starts one. Failed fetches are never cached.
//
// The returned slice is shared between callers and must not be modified.
func (s *Store) Fetch(ctx context.Context, resourcePath string, opts Options) (json.RawMessage, error) {
	key := Key(resourcePath, opts.Query)
	rtype := ResourceType(resourcePath)
	ttl := s.ttlFor(rtype, opts.TTL)

	// The TTL check and the in-flight registration share one critical
	// section, so a fetch finishing in between cannot be missed.
	s.mu.Lock()
	if !opts.ForceRefresh {
		if data, ok := s.lookupLocked(key, ttl); ok {
			s.mu.Unlock()
			s.metrics.ObserveCache(rtype, "hit")
			return data, nil
		}
	}
	epoch := s.epoch
	_, joining := s.inflight[key]
	if !joining {
		s.inflight[key] = epoch
	}
	s.mu.Unlock()

	if joining {
		s.metrics.ObserveCache(rtype, "dedup")
	} else {
		s.metrics.ObserveCache(rtype, "miss")
	}

	// The shared call outlives any single caller; each caller can still walk
	// away through its own ctx.
	callCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		defer s.clearInflight(key, epoch)
		// A flight that ended between our miss and DoChan may have
		// stored a fresh body already.
		if !opts.ForceRefresh {
			if data, ok := s.lookup(key, ttl); ok {
				return data, nil
			}
		}
		data, err := s.fetch(callCtx, resourcePath, opts.Query)
		if err != nil {
			return nil, err
		}
		s.store(key, rtype, data, epoch)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	}
}

// Prime stores data for a key as if it had just been fetched.
func (s *Store) Prime(resourcePath, query string, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[Key(resourcePath, query)] = &Entry{
		Data:         data,
		Timestamp:    s.now(),
		ResourceType: ResourceType(resourcePath),
	}
}

// Invalidate removes every entry whose key starts with resourcePath and then
// evicts anything older than its resource type's max age.
func (s *Store) Invalidate(resourcePath string) int {
	s.mu.Lock()
	removed := 0
	for key := range s.entries {
		if strings.HasPrefix(key, resourcePath) {
			delete(s.entries, key)
			removed++
		}
	}
	s.mu.Unlock()
	return removed + s.EvictExpired()
}

// InvalidateAll drops every entry and forgets all in-flight fetches, so the
// next read goes to the network. Results of fetches already in flight are
// still delivered to their waiters but are not cached.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	keys := make([]string, 0, len(s.inflight))
	for key := range s.inflight {
		keys = append(keys, key)
	}
	s.inflight = make(map[string]uint64)
	s.epoch++
	s.mu.Unlock()

	for _, key := range keys {
		s.group.Forget(key)
	}
}

// EvictExpired removes entries older than their resource type's max age.
func (s *Store) EvictExpired() int {
	now := s.now()
	evicted := make(map[string]int)

	s.mu.Lock()
	for key, e := range s.entries {
		if now.Sub(e.Timestamp) >= s.maxAgeFor(e.ResourceType) {
			delete(s.entries, key)
			evicted[e.ResourceType]++
		}
	}
	s.mu.Unlock()

	total := 0
	for rtype, n := range evicted {
		s.metrics.ObserveCacheEvictions(rtype, n)
		total += n
	}
	return total
}

// StartJanitor evicts expired entries on an interval until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.EvictExpired()
			}
		}
	}()
}

// Entry returns a copy of the entry for a key, if present.
func (s *Store) Entry(resourcePath, query string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[Key(resourcePath, query)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len reports the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) lookup(key string, ttl time.Duration) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(key, ttl)
}

func (s *Store) lookupLocked(key string, ttl time.Duration) (json.RawMessage, bool) {
	e, ok := s.entries[key]
	if !ok || s.now().Sub(e.Timestamp) >= ttl {
		return nil, false
	}
	e.Hits++
	return e.Data, true
}

func (s *Store) store(key, rtype string, data json.RawMessage, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return
	}
	s.entries[key] = &Entry{
		Data:         data,
		Timestamp:    s.now(),
		ResourceType: rtype,
	}
	if e, ok := s.inflight[key]; ok && e == epoch {
		delete(s.inflight, key)
	}
}

func (s *Store) clearInflight(key string, epoch uint64) {
	s.mu.Lock()
	if e, ok := s.inflight[key]; ok && e == epoch {
		delete(s.inflight, key)
	}
	s.mu.Unlock()
}

func (s *Store) ttlFor(rtype string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if p, ok := s.policies[rtype]; ok && p.TTL > 0 {
		return p.TTL
	}
	return s.defaultTTL
}

func (s *Store) maxAgeFor(rtype string) time.Duration {
	p, ok := s.policies[rtype]
	if !ok {
		if s.defaultTTL*2 > defaultMaxAge {
			return s.defaultTTL * 2
		}
		return defaultMaxAge
	}
	if p.MaxAge > 0 {
		return p.MaxAge
	}
	if p.TTL > 0 {
		return 2 * p.TTL
	}
	return 2 * s.defaultTTL
}
