package stream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beam-cloud/soundfs/pkg/cache"
	"github.com/beam-cloud/soundfs/pkg/catalog"
	"github.com/beam-cloud/soundfs/pkg/common"
	"github.com/beam-cloud/soundfs/pkg/namespace"
	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMinFetchChunk   = 256 << 10
	defaultFetchTimeout    = 20 * time.Second
	defaultMaxParallelGaps = 4
	defaultURLSafetyMargin = 30 * time.Second
	maxCachedURLs          = 4096
)

// Tracks is what the reader needs from the catalog resolver.
type Tracks interface {
	ResolveTrackFacts(ctx context.Context, h namespace.Handle) (types.TrackFacts, error)
	PinSize(trackID string, size int64) int64
	Gone(res types.ResourceID)
}

// Config configures a Reader
type Config struct {
	MinFetchChunk   int64
	FetchTimeout    time.Duration
	MaxParallelGaps int
	URLSafetyMargin time.Duration
	Retry           catalog.RetryPolicy
	Now             func() time.Time
}

// Reader serves random-access reads of track audio. Bytes come from the range
// cache when present; each uncovered gap costs exactly one remote fetch.
type Reader struct {
	client catalog.Client
	tracks Tracks
	tree   *namespace.Tree
	ranges *cache.RangeCache
	cfg    Config

	group singleflight.Group
	urls  *lru.Cache[string, types.StreamURL]

	mu       sync.Mutex
	sessions map[string]*Session

	fetches      atomic.Uint64
	fetchedBytes atomic.Int64
	served       atomic.Int64
}

// ReaderStats is a point-in-time view of the reader
type ReaderStats struct {
	Sessions     int    `json:"sessions"`
	Fetches      uint64 `json:"fetches"`
	FetchedBytes int64  `json:"fetched_bytes"`
	ServedBytes  int64  `json:"served_bytes"`
}

func NewReader(client catalog.Client, tracks Tracks, tree *namespace.Tree, ranges *cache.RangeCache, cfg Config) (*Reader, error) {
	if cfg.MinFetchChunk <= 0 {
		cfg.MinFetchChunk = defaultMinFetchChunk
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.MaxParallelGaps <= 0 {
		cfg.MaxParallelGaps = defaultMaxParallelGaps
	}
	if cfg.URLSafetyMargin <= 0 {
		cfg.URLSafetyMargin = defaultURLSafetyMargin
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Retry.Timeout = cfg.FetchTimeout

	urls, err := lru.New[string, types.StreamURL](maxCachedURLs)
	if err != nil {
		return nil, err
	}

	return &Reader{
		client:   client,
		tracks:   tracks,
		tree:     tree,
		ranges:   ranges,
		cfg:      cfg,
		urls:     urls,
		sessions: make(map[string]*Session),
	}, nil
}

// Open starts a session on a track file. It fails when the track's facts no
// longer resolve. A stream URL that cannot be resolved yet is retried by the
// first read; one confirmed gone leaves the session Failed.
func (r *Reader) Open(ctx context.Context, h namespace.Handle) (*Session, error) {
	n, err := r.tree.Acquire(h)
	if err != nil {
		return nil, err
	}
	if n.Kind != types.NodeFile || n.Resource.Kind != types.ResourceTrack {
		r.tree.Release(h)
		return nil, types.NewError(types.KindNotFound, "open", n.Resource.Key(), errors.New("not a track"))
	}

	s := &Session{
		ID:       uuid.New().String(),
		Handle:   h,
		TrackID:  n.Resource.ID,
		OpenedAt: r.cfg.Now(),
		state:    Opening,
	}

	facts, err := r.tracks.ResolveTrackFacts(ctx, h)
	if err != nil {
		s.transition(Closed)
		r.tree.Release(h)
		return nil, err
	}
	s.facts = facts

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	u, err := r.streamURL(ctx, s.TrackID, "")
	switch {
	case err == nil:
		s.setURL(u)
		s.transition(Open)
	case types.KindOf(err) == types.KindPermanent:
		s.transition(Open)
		r.permanent(s, err)
	default:
		log.Warn().Str("session", s.ID).Str("track", s.TrackID).Err(err).Msg("stream url deferred to first read")
		s.transition(Open)
	}

	log.Debug().Str("session", s.ID).Str("track", s.TrackID).Str("state", s.State().String()).Msg("session opened")
	return s, nil
}

// Close releases session state. Cached bytes of the track are kept.
func (r *Reader) Close(s *Session) {
	if !s.transition(Closing) {
		return
	}
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	r.tree.Release(s.Handle)
	s.transition(Closed)
	log.Debug().Str("session", s.ID).Msg("session closed")
}

// Read returns up to length bytes at offset. Reads at or past the end of the
// track return no bytes; reads crossing it are truncated.
func (r *Reader) Read(ctx context.Context, s *Session, offset int64, length int) ([]byte, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}
	if length <= 0 || offset < 0 {
		return nil, nil
	}

	end := offset + int64(length)
	var limit int64
	if size, ok := r.tree.TrackSize(s.TrackID); ok {
		if offset >= size {
			return nil, nil
		}
		end = min(end, size)
		limit = size
	}

	plan := r.ranges.Plan(s.TrackID, offset, end, r.cfg.MinFetchChunk, limit)
	pieces := plan.Pieces

	if len(plan.Fetches) > 0 {
		fetched, err := r.fetchAll(ctx, s, plan.Fetches)
		if err != nil {
			if types.KindOf(err) == types.KindPermanent {
				r.permanent(s, err)
			}
			return nil, err
		}
		pieces = append(pieces, fetched...)
	}

	if err := s.readable(); err != nil {
		// Released while the fetch was in flight; the cache keeps the bytes.
		return nil, err
	}

	data := assemble(pieces, offset, end)
	r.served.Add(int64(len(data)))
	return data, nil
}

// fetchAll fetches every range concurrently, bounded by MaxParallelGaps.
func (r *Reader) fetchAll(ctx context.Context, s *Session, ranges []cache.Range) ([]cache.Piece, error) {
	out := make([]cache.Piece, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallelGaps)
	for i, rng := range ranges {
		i, rng := i, rng
		g.Go(func() error {
			key := common.Keys.RangeFetch(s.TrackID, rng.Off, rng.Len())
			v, err, _ := r.group.Do(key, func() (any, error) {
				return r.fetch(context.WithoutCancel(gctx), s, rng)
			})
			if err != nil {
				return err
			}
			out[i] = cache.Piece{Off: rng.Off, Data: v.([]byte)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fetch pulls one range, fills the range cache and pins the track size on a
// short read. An expired URL is re-resolved once within the attempt.
func (r *Reader) fetch(ctx context.Context, s *Session, rng cache.Range) ([]byte, error) {
	data, err := catalog.Retry(ctx, r.cfg.Retry, "read", s.TrackID, func(ctx context.Context) ([]byte, error) {
		u, err := r.streamURL(ctx, s.TrackID, "")
		if err != nil {
			return nil, err
		}
		data, err := r.client.RangeFetch(ctx, u.URL, rng.Off, rng.Len())
		if !errors.Is(err, catalog.ErrURLExpired) {
			return data, err
		}

		log.Debug().Str("track", s.TrackID).Msg("stream url expired, re-resolving")
		u, err = r.streamURL(ctx, s.TrackID, u.URL)
		if err != nil {
			return nil, err
		}
		s.setURL(u)
		data, err = r.client.RangeFetch(ctx, u.URL, rng.Off, rng.Len())
		if errors.Is(err, catalog.ErrURLExpired) {
			r.urls.Remove(s.TrackID)
		}
		return data, err
	})
	if err != nil {
		return nil, types.Wrap("read", s.TrackID, err)
	}

	r.fetches.Add(1)
	r.fetchedBytes.Add(int64(len(data)))
	r.ranges.Insert(s.TrackID, rng.Off, data)

	if int64(len(data)) < rng.Len() && (len(data) > 0 || rng.Off == 0) {
		r.pin(s.TrackID, rng.Off+int64(len(data)))
	}
	return data, nil
}

// streamURL returns an unexpired stream URL for a track, resolving it when
// needed. A URL equal to stale is treated as expired. Concurrent resolutions
// for the same track share one remote call.
func (r *Reader) streamURL(ctx context.Context, trackID, stale string) (types.StreamURL, error) {
	if u, ok := r.cachedURL(trackID, stale); ok {
		return u, nil
	}

	v, err, _ := r.group.Do(common.Keys.StreamURL(trackID), func() (any, error) {
		if u, ok := r.cachedURL(trackID, stale); ok {
			return u, nil
		}
		u, err := catalog.Retry(context.WithoutCancel(ctx), r.cfg.Retry, "stream-url", trackID, func(ctx context.Context) (types.StreamURL, error) {
			return r.client.ResolveStreamURL(ctx, trackID)
		})
		if err != nil {
			return nil, err
		}
		r.urls.Add(trackID, u)
		return u, nil
	})
	if err != nil {
		return types.StreamURL{}, types.Wrap("stream-url", trackID, err)
	}
	return v.(types.StreamURL), nil
}

func (r *Reader) cachedURL(trackID, stale string) (types.StreamURL, bool) {
	u, ok := r.urls.Get(trackID)
	if !ok || u.URL == stale || u.Expired(r.cfg.Now(), r.cfg.URLSafetyMargin) {
		return types.StreamURL{}, false
	}
	return u, true
}

// permanent fails the session and forgets the track everywhere.
func (r *Reader) permanent(s *Session, err error) {
	s.fail(err)
	r.urls.Remove(s.TrackID)
	r.ranges.Drop(s.TrackID)
	r.tracks.Gone(types.ResourceID{Kind: types.ResourceTrack, ID: s.TrackID})
	log.Warn().Str("session", s.ID).Str("track", s.TrackID).Err(err).Msg("track failed permanently")
}

func (r *Reader) pin(trackID string, size int64) {
	if _, ok := r.tree.TrackSize(trackID); ok {
		return
	}
	size = r.tracks.PinSize(trackID, size)
	log.Debug().Str("track", trackID).Int64("size", size).Msg("track size pinned")
}

// Session returns an open session by id.
func (r *Reader) Session(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// CloseAll releases every session; used at unmount.
func (r *Reader) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		r.Close(s)
	}
}

func (r *Reader) Stats() ReaderStats {
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	return ReaderStats{
		Sessions:     n,
		Fetches:      r.fetches.Load(),
		FetchedBytes: r.fetchedBytes.Load(),
		ServedBytes:  r.served.Load(),
	}
}

// assemble copies the contiguous data available from off, stopping at the
// first hole (end of data) or at end.
func assemble(pieces []cache.Piece, off, end int64) []byte {
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].Off < pieces[j].Off })

	buf := make([]byte, 0, end-off)
	cursor := off
	for _, p := range pieces {
		pEnd := p.Off + int64(len(p.Data))
		if p.Off > cursor || pEnd <= cursor {
			if p.Off > cursor {
				break
			}
			continue
		}
		to := min(pEnd, end)
		buf = append(buf, p.Data[cursor-p.Off:to-p.Off]...)
		cursor = to
		if cursor >= end {
			break
		}
	}
	return buf
}
