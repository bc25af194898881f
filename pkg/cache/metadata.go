package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beam-cloud/soundfs/pkg/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultMaxEntries = 20000
	defaultDirTTL     = 60 * time.Second
	defaultTrackTTL   = 30 * time.Minute
)

// Freshness of a cached value relative to its kind's TTL.
type Freshness int

const (
	Missing Freshness = iota
	Fresh
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "missing"
	}
}

// Entry wraps a cached directory listing or track facts value.
type Entry struct {
	Value     any
	FetchedAt time.Time
	TTL       time.Duration
}

func (e *Entry) freshness(now time.Time) Freshness {
	if now.Sub(e.FetchedAt) < e.TTL {
		return Fresh
	}
	return Stale
}

// MetadataConfig configures the metadata cache
type MetadataConfig struct {
	DirTTL     time.Duration
	TrackTTL   time.Duration
	MaxEntries int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// MetadataCache holds directory listings and track facts. Expired entries are
// kept and reported Stale; only capacity pressure or Invalidate removes them.
type MetadataCache struct {
	entries  *lru.Cache[string, *Entry]
	dirTTL   time.Duration
	trackTTL time.Duration
	now      func() time.Time
	// writeMu orders Put, Update and Invalidate so Update never resurrects
	// or clobbers a concurrent write.
	writeMu sync.Mutex

	hits      atomic.Uint64
	stale     atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// MetadataStats is a point-in-time view of cache counters
type MetadataStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	StaleHits uint64 `json:"stale_hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

func NewMetadataCache(cfg MetadataConfig) (*MetadataCache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.DirTTL <= 0 {
		cfg.DirTTL = defaultDirTTL
	}
	if cfg.TrackTTL <= 0 {
		cfg.TrackTTL = defaultTrackTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &MetadataCache{
		dirTTL:   cfg.DirTTL,
		trackTTL: cfg.TrackTTL,
		now:      cfg.Now,
	}

	entries, err := lru.New[string, *Entry](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// ttlFor picks the TTL from the key's namespace: track facts live longer
// than directory listings.
func (c *MetadataCache) ttlFor(key string) time.Duration {
	if strings.HasPrefix(key, common.Keys.TrackPrefix()) {
		return c.trackTTL
	}
	return c.dirTTL
}

// Get returns the cached value and its freshness. Missing means no entry.
func (c *MetadataCache) Get(key string) (any, Freshness) {
	e, f := c.GetEntry(key)
	if f == Missing {
		return nil, Missing
	}
	return e.Value, f
}

// GetEntry is Get returning the entry itself. Put and Update always store a
// new entry, so callers can compare pointers to detect a changed value.
func (c *MetadataCache) GetEntry(key string) (*Entry, Freshness) {
	e, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, Missing
	}

	f := e.freshness(c.now())
	if f == Fresh {
		c.hits.Add(1)
	} else {
		c.stale.Add(1)
	}
	return e, f
}

// Entry returns the raw entry without touching recency or counters.
func (c *MetadataCache) Entry(key string) (*Entry, bool) {
	return c.entries.Peek(key)
}

// FreshEntry returns the entry only while it is fresh, without touching
// recency or counters.
func (c *MetadataCache) FreshEntry(key string) (*Entry, bool) {
	e, ok := c.entries.Peek(key)
	if !ok || e.freshness(c.now()) != Fresh {
		return nil, false
	}
	return e, true
}

// Put stores value under key with a fresh timestamp.
func (c *MetadataCache) Put(key string, value any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	evicted := c.entries.Add(key, &Entry{
		Value:     value,
		FetchedAt: c.now(),
		TTL:       c.ttlFor(key),
	})
	if evicted {
		c.evictions.Add(1)
	}
}

// Update replaces the value of an existing entry, keeping its fetch time.
// It reports false when the key is not cached.
func (c *MetadataCache) Update(key string, fn func(any) any) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	e, ok := c.entries.Peek(key)
	if !ok {
		return false
	}
	c.entries.Add(key, &Entry{Value: fn(e.Value), FetchedAt: e.FetchedAt, TTL: e.TTL})
	return true
}

// Invalidate removes key. It serializes with Update so a concurrent update
// cannot bring the entry back.
func (c *MetadataCache) Invalidate(key string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.entries.Remove(key)
}

func (c *MetadataCache) Len() int {
	return c.entries.Len()
}

// Purge drops every entry; used at unmount.
func (c *MetadataCache) Purge() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.entries.Purge()
}

func (c *MetadataCache) Stats() MetadataStats {
	return MetadataStats{
		Entries:   c.entries.Len(),
		Hits:      c.hits.Load(),
		StaleHits: c.stale.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Lookup is a typed Get. A value of the wrong type is reported Missing.
func Lookup[V any](c *MetadataCache, key string) (V, Freshness) {
	var zero V
	v, f := c.Get(key)
	if f == Missing {
		return zero, Missing
	}
	typed, ok := v.(V)
	if !ok {
		return zero, Missing
	}
	return typed, f
}
