package cache

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxRangeBytes = 256 << 20

// Range is a half-open byte interval [Off, End).
type Range struct {
	Off int64
	End int64
}

func (r Range) Len() int64 { return r.End - r.Off }

// Piece is cached data for [Off, Off+len(Data)). Data is never mutated after
// insertion, so pieces stay valid after the cache changes.
type Piece struct {
	Off  int64
	Data []byte
}

func (p Piece) end() int64 { return p.Off + int64(len(p.Data)) }

// Plan describes how to serve a read: the cached pieces it overlaps and one
// fetch per uncovered gap, each possibly widened to the minimum chunk size.
type Plan struct {
	Pieces  []Piece
	Gaps    []Range
	Fetches []Range
}

// trackRanges is the sorted, disjoint, non-touching span set of one track.
type trackRanges struct {
	mu      sync.RWMutex
	spans   []Piece
	bytes   int64
	evicted bool
}

// insert merges data at off into the span set and returns the change in
// cached bytes plus the merged span.
func (t *trackRanges) insert(off int64, data []byte) (int64, Piece) {
	end := off + int64(len(data))

	// First span that ends at or after off (touching counts).
	i := sort.Search(len(t.spans), func(i int) bool { return t.spans[i].end() >= off })
	j := i
	for j < len(t.spans) && t.spans[j].Off <= end {
		j++
	}

	mergedOff, mergedEnd := off, end
	var removed int64
	for _, s := range t.spans[i:j] {
		mergedOff = min(mergedOff, s.Off)
		mergedEnd = max(mergedEnd, s.end())
		removed += int64(len(s.Data))
	}

	buf := make([]byte, mergedEnd-mergedOff)
	for _, s := range t.spans[i:j] {
		copy(buf[s.Off-mergedOff:], s.Data)
	}
	copy(buf[off-mergedOff:], data)

	merged := Piece{Off: mergedOff, Data: buf}
	spans := make([]Piece, 0, len(t.spans)-(j-i)+1)
	spans = append(spans, t.spans[:i]...)
	spans = append(spans, merged)
	spans = append(spans, t.spans[j:]...)
	t.spans = spans

	delta := int64(len(buf)) - removed
	t.bytes += delta
	return delta, merged
}

// overlap returns the pieces intersecting [off, end), clipped, and the gaps.
func (t *trackRanges) overlap(off, end int64) ([]Piece, []Range) {
	var pieces []Piece
	var gaps []Range

	cursor := off
	i := sort.Search(len(t.spans), func(i int) bool { return t.spans[i].end() > off })
	for ; i < len(t.spans) && t.spans[i].Off < end; i++ {
		s := t.spans[i]
		if s.Off > cursor {
			gaps = append(gaps, Range{Off: cursor, End: s.Off})
		}
		from := max(s.Off, off)
		to := min(s.end(), end)
		pieces = append(pieces, Piece{Off: from, Data: s.Data[from-s.Off : to-s.Off]})
		cursor = to
	}
	if cursor < end {
		gaps = append(gaps, Range{Off: cursor, End: end})
	}
	return pieces, gaps
}

// nextStart is the offset of the first span starting at or after off.
func (t *trackRanges) nextStart(off int64) int64 {
	i := sort.Search(len(t.spans), func(i int) bool { return t.spans[i].Off >= off })
	if i == len(t.spans) {
		return math.MaxInt64
	}
	return t.spans[i].Off
}

// RangeConfig configures the range cache
type RangeConfig struct {
	MaxBytes int64
}

// RangeCache stores fetched audio bytes per track. Tracks are evicted whole,
// least recently used first, when the byte budget is exceeded.
type RangeCache struct {
	maxBytes int64
	total    atomic.Int64

	mu     sync.Mutex
	tracks *lru.Cache[string, *trackRanges]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// RangeStats is a point-in-time view of the range cache
type RangeStats struct {
	Tracks int    `json:"tracks"`
	Bytes  int64  `json:"bytes"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

func NewRangeCache(cfg RangeConfig) (*RangeCache, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxRangeBytes
	}

	c := &RangeCache{maxBytes: cfg.MaxBytes}
	tracks, err := lru.NewWithEvict[string, *trackRanges](math.MaxInt32, func(_ string, t *trackRanges) {
		t.mu.Lock()
		c.total.Add(-t.bytes)
		t.spans = nil
		t.bytes = 0
		t.evicted = true
		t.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	c.tracks = tracks
	return c, nil
}

func (c *RangeCache) track(trackID string, create bool) *trackRanges {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tracks.Get(trackID); ok {
		return t
	}
	if !create {
		return nil
	}
	t := &trackRanges{}
	c.tracks.Add(trackID, t)
	return t
}

// Insert merges data fetched at off into the track's cached spans.
func (c *RangeCache) Insert(trackID string, off int64, data []byte) {
	if len(data) == 0 {
		return
	}

	for {
		t := c.track(trackID, true)
		t.mu.Lock()
		if t.evicted {
			// Lost a race with eviction; retry against a fresh entry.
			t.mu.Unlock()
			continue
		}
		delta, merged := t.insert(off, data)
		c.total.Add(delta)
		t.mu.Unlock()

		c.enforce(trackID, t, merged)
		return
	}
}

// enforce evicts least recently used tracks until the budget is met. When
// the inserting track alone exceeds it, only its newest merged span is kept.
func (c *RangeCache) enforce(trackID string, current *trackRanges, keep Piece) {
	c.mu.Lock()
	for c.total.Load() > c.maxBytes && c.tracks.Len() > 1 {
		oldestID, _, ok := c.tracks.GetOldest()
		if !ok || oldestID == trackID {
			// The current track is the oldest; push it to the front and
			// evict the next one.
			c.tracks.Get(trackID)
			oldestID, _, ok = c.tracks.GetOldest()
			if !ok || oldestID == trackID {
				break
			}
		}
		c.tracks.Remove(oldestID)
	}
	c.mu.Unlock()

	if c.total.Load() <= c.maxBytes {
		return
	}

	current.mu.Lock()
	defer current.mu.Unlock()
	if current.evicted {
		return
	}
	var dropped int64
	spans := make([]Piece, 0, 1)
	for _, s := range current.spans {
		if s.Off == keep.Off {
			spans = append(spans, s)
			continue
		}
		dropped += int64(len(s.Data))
	}
	current.spans = spans
	current.bytes -= dropped
	c.total.Add(-dropped)
}

// Get returns [off, off+length) if it is fully cached.
func (c *RangeCache) Get(trackID string, off, length int64) ([]byte, bool) {
	t := c.track(trackID, false)
	if t == nil || length <= 0 {
		c.misses.Add(1)
		return nil, false
	}

	t.mu.RLock()
	pieces, gaps := t.overlap(off, off+length)
	t.mu.RUnlock()

	if len(gaps) > 0 || len(pieces) != 1 {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return pieces[0].Data, true
}

// Plan splits [off, end) into cached pieces and gaps. Each gap becomes one
// fetch, widened to at least minChunk bytes without running into the next
// cached span or past limit (when limit > 0).
func (c *RangeCache) Plan(trackID string, off, end, minChunk, limit int64) Plan {
	if end <= off {
		return Plan{}
	}

	t := c.track(trackID, false)
	if t == nil {
		c.misses.Add(1)
		gap := Range{Off: off, End: end}
		return Plan{Gaps: []Range{gap}, Fetches: []Range{widen(gap, minChunk, math.MaxInt64, limit)}}
	}

	t.mu.RLock()
	pieces, gaps := t.overlap(off, end)
	fetches := make([]Range, 0, len(gaps))
	for _, g := range gaps {
		fetches = append(fetches, widen(g, minChunk, t.nextStart(g.End), limit))
	}
	t.mu.RUnlock()

	if len(gaps) == 0 {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return Plan{Pieces: pieces, Gaps: gaps, Fetches: fetches}
}

func widen(g Range, minChunk, next, limit int64) Range {
	if g.Len() >= minChunk {
		return g
	}
	end := g.Off + minChunk
	end = min(end, next)
	if limit > 0 {
		end = min(end, limit)
	}
	return Range{Off: g.Off, End: max(end, g.End)}
}

// Spans returns the cached intervals of a track.
func (c *RangeCache) Spans(trackID string) []Range {
	t := c.track(trackID, false)
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Range, len(t.spans))
	for i, s := range t.spans {
		out[i] = Range{Off: s.Off, End: s.end()}
	}
	return out
}

// Head returns the cached prefix of a track starting at offset zero.
func (c *RangeCache) Head(trackID string) []byte {
	t := c.track(trackID, false)
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.spans) == 0 || t.spans[0].Off != 0 {
		return nil
	}
	return t.spans[0].Data
}

// Drop forgets every cached byte of a track.
func (c *RangeCache) Drop(trackID string) {
	c.mu.Lock()
	c.tracks.Remove(trackID)
	c.mu.Unlock()
}

// Purge drops everything; used at unmount.
func (c *RangeCache) Purge() {
	c.mu.Lock()
	c.tracks.Purge()
	c.mu.Unlock()
}

func (c *RangeCache) Bytes() int64 {
	return c.total.Load()
}

func (c *RangeCache) Stats() RangeStats {
	c.mu.Lock()
	n := c.tracks.Len()
	c.mu.Unlock()
	return RangeStats{
		Tracks: n,
		Bytes:  c.total.Load(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
