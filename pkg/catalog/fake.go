package catalog

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beam-cloud/soundfs/pkg/types"
)

// Operation names reported by Fake.Calls.
const (
	OpListLikes          = "ListLikes"
	OpListPlaylists      = "ListPlaylists"
	OpListPlaylistTracks = "ListPlaylistTracks"
	OpListUserTracks     = "ListUserTracks"
	OpListFollowing      = "ListFollowing"
	OpResolveUser        = "ResolveUser"
	OpGetTrackFacts      = "GetTrackFacts"
	OpResolveStreamURL   = "ResolveStreamURL"
	OpRangeFetch         = "RangeFetch"
)

// FetchRecord is one RangeFetch issued against a Fake.
type FetchRecord struct {
	TrackID string
	Offset  int64
	Length  int64
}

// Fake is an in-memory Client for tests. It counts calls per operation,
// paginates listings, injects failures and can hold calls at a gate to
// observe coalescing.
type Fake struct {
	PageSize int
	URLTTL   time.Duration

	mu             sync.Mutex
	likes          map[string][]types.TrackEntry
	userTracks     map[string][]types.TrackEntry
	playlists      map[string][]types.PlaylistEntry
	playlistTracks map[string][]types.TrackEntry
	following      map[string][]types.UserEntry
	users          map[string]types.UserEntry
	tracks         map[string]types.TrackFacts
	audio          map[string][]byte
	removed        map[string]bool

	calls    map[string]int
	fetches  []FetchRecord
	failures map[string]error
	gates    map[string]chan struct{}
	inflight map[string]int
	urlGen   int
	minGen   int
}

func NewFake() *Fake {
	return &Fake{
		PageSize:       2,
		URLTTL:         time.Hour,
		likes:          make(map[string][]types.TrackEntry),
		userTracks:     make(map[string][]types.TrackEntry),
		playlists:      make(map[string][]types.PlaylistEntry),
		playlistTracks: make(map[string][]types.TrackEntry),
		following:      make(map[string][]types.UserEntry),
		users:          make(map[string]types.UserEntry),
		tracks:         make(map[string]types.TrackFacts),
		audio:          make(map[string][]byte),
		removed:        make(map[string]bool),
		calls:          make(map[string]int),
		failures:       make(map[string]error),
		gates:          make(map[string]chan struct{}),
		inflight:       make(map[string]int),
	}
}

// ----------------------------------------------------------------------------
// Seeding
// ----------------------------------------------------------------------------

// AddTrack registers a track and its audio bytes. A zero Size in facts is
// left as reported so size estimation can be exercised.
func (f *Fake) AddTrack(facts types.TrackFacts, audio []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks[facts.ID] = facts
	f.audio[facts.ID] = audio
	delete(f.removed, facts.ID)
}

func (f *Fake) AddLike(account string, facts types.TrackFacts, likedAt time.Time, audio []byte) {
	f.AddTrack(facts, audio)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.likes[account] = append(f.likes[account], types.TrackEntry{Facts: facts, AddedAt: likedAt})
}

func (f *Fake) AddUserTrack(account string, facts types.TrackFacts, audio []byte) {
	f.AddTrack(facts, audio)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userTracks[account] = append(f.userTracks[account], types.TrackEntry{Facts: facts, AddedAt: facts.CreatedAt})
}

func (f *Fake) AddPlaylist(account string, p types.PlaylistEntry, tracks ...types.TrackFacts) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playlists[account] = append(f.playlists[account], p)
	for _, t := range tracks {
		f.tracks[t.ID] = t
		f.playlistTracks[p.ID] = append(f.playlistTracks[p.ID], types.TrackEntry{Facts: t, AddedAt: p.CreatedAt})
	}
}

func (f *Fake) AddUser(u types.UserEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.Permalink] = u
}

func (f *Fake) AddFollowing(account string, u types.UserEntry) {
	f.AddUser(u)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.following[account] = append(f.following[account], u)
}

// RemoveTrack deletes a track remotely: it disappears from every listing and
// all per-track calls fail with 404.
func (f *Fake) RemoveTrack(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[id] = true
	for k, entries := range f.likes {
		f.likes[k] = withoutTrack(entries, id)
	}
	for k, entries := range f.userTracks {
		f.userTracks[k] = withoutTrack(entries, id)
	}
	for k, entries := range f.playlistTracks {
		f.playlistTracks[k] = withoutTrack(entries, id)
	}
}

func withoutTrack(entries []types.TrackEntry, id string) []types.TrackEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.Facts.ID != id {
			out = append(out, e)
		}
	}
	return out
}

// ExpireURLs invalidates every stream URL handed out so far.
func (f *Fake) ExpireURLs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minGen = f.urlGen + 1
}

// ----------------------------------------------------------------------------
// Instrumentation
// ----------------------------------------------------------------------------

// Fail makes calls to op fail with err. An empty key matches every key.
// A nil err clears the failure.
func (f *Fake) Fail(op, key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := op + "|" + key
	if err == nil {
		delete(f.failures, k)
		return
	}
	f.failures[k] = err
}

// Hold blocks every call to op until the returned release func is called.
func (f *Fake) Hold(op string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[op] = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, op)
			f.mu.Unlock()
			close(gate)
		})
	}
}

// InFlight is the number of calls to op currently blocked at a gate.
func (f *Fake) InFlight(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[op]
}

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *Fake) Fetches() []FetchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FetchRecord(nil), f.fetches...)
}

func (f *Fake) ResetCounts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
	f.fetches = nil
}

// enter records a call, waits at any gate and returns an injected failure.
func (f *Fake) enter(ctx context.Context, op, key string) error {
	f.mu.Lock()
	f.calls[op]++
	gate := f.gates[op]
	if gate != nil {
		f.inflight[op]++
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		f.mu.Lock()
		f.inflight[op]--
		f.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[op+"|"+key]; ok {
		return err
	}
	if err, ok := f.failures[op+"|"]; ok {
		return err
	}
	return nil
}

func notFound(what string) error {
	return &StatusError{Code: http.StatusNotFound, Body: what + " not found"}
}

func paginate[T any](all []T, cursor string, size int) (types.Page[T], error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(all) {
			return types.Page[T]{}, &StatusError{Code: http.StatusBadRequest, Body: "bad cursor"}
		}
		start = n
	}
	if size <= 0 {
		size = len(all)
	}
	end := min(start+size, len(all))
	page := types.Page[T]{Entries: append([]T(nil), all[start:end]...)}
	if end < len(all) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

// ----------------------------------------------------------------------------
// Client
// ----------------------------------------------------------------------------

func (f *Fake) ListLikes(ctx context.Context, account, cursor string) (types.Page[types.TrackEntry], error) {
	if err := f.enter(ctx, OpListLikes, account); err != nil {
		return types.Page[types.TrackEntry]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.likes[account], cursor, f.PageSize)
}

func (f *Fake) ListPlaylists(ctx context.Context, account, cursor string) (types.Page[types.PlaylistEntry], error) {
	if err := f.enter(ctx, OpListPlaylists, account); err != nil {
		return types.Page[types.PlaylistEntry]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.playlists[account], cursor, f.PageSize)
}

func (f *Fake) ListPlaylistTracks(ctx context.Context, playlistID, cursor string) (types.Page[types.TrackEntry], error) {
	if err := f.enter(ctx, OpListPlaylistTracks, playlistID); err != nil {
		return types.Page[types.TrackEntry]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tracks, ok := f.playlistTracks[playlistID]
	if !ok && !f.hasPlaylist(playlistID) {
		return types.Page[types.TrackEntry]{}, notFound("playlist")
	}
	return paginate(tracks, cursor, f.PageSize)
}

func (f *Fake) hasPlaylist(id string) bool {
	for _, ps := range f.playlists {
		for _, p := range ps {
			if p.ID == id {
				return true
			}
		}
	}
	return false
}

func (f *Fake) ListUserTracks(ctx context.Context, account, cursor string) (types.Page[types.TrackEntry], error) {
	if err := f.enter(ctx, OpListUserTracks, account); err != nil {
		return types.Page[types.TrackEntry]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.userTracks[account], cursor, f.PageSize)
}

func (f *Fake) ListFollowing(ctx context.Context, account, cursor string) (types.Page[types.UserEntry], error) {
	if err := f.enter(ctx, OpListFollowing, account); err != nil {
		return types.Page[types.UserEntry]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.following[account], cursor, f.PageSize)
}

func (f *Fake) ResolveUser(ctx context.Context, permalink string) (types.UserEntry, error) {
	if err := f.enter(ctx, OpResolveUser, permalink); err != nil {
		return types.UserEntry{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[permalink]
	if !ok {
		return types.UserEntry{}, notFound("user")
	}
	return u, nil
}

func (f *Fake) GetTrackFacts(ctx context.Context, trackID string) (types.TrackFacts, error) {
	if err := f.enter(ctx, OpGetTrackFacts, trackID); err != nil {
		return types.TrackFacts{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tracks[trackID]
	if !ok || f.removed[trackID] {
		return types.TrackFacts{}, notFound("track")
	}
	return t, nil
}

func (f *Fake) ResolveStreamURL(ctx context.Context, trackID string) (types.StreamURL, error) {
	if err := f.enter(ctx, OpResolveStreamURL, trackID); err != nil {
		return types.StreamURL{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tracks[trackID]; !ok || f.removed[trackID] {
		return types.StreamURL{}, notFound("track")
	}
	f.urlGen++
	return types.StreamURL{
		URL:       fmt.Sprintf("fake://%s?gen=%d", trackID, f.urlGen),
		ExpiresAt: time.Now().Add(f.URLTTL),
	}, nil
}

func (f *Fake) RangeFetch(ctx context.Context, url string, offset, length int64) ([]byte, error) {
	trackID, gen, err := parseFakeURL(url)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.fetches = append(f.fetches, FetchRecord{TrackID: trackID, Offset: offset, Length: length})
	f.mu.Unlock()

	if err := f.enter(ctx, OpRangeFetch, trackID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed[trackID] {
		return nil, notFound("track")
	}
	if gen < f.minGen {
		return nil, fmt.Errorf("%w: gen %d", ErrURLExpired, gen)
	}
	data := f.audio[trackID]
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := min(offset+length, int64(len(data)))
	return append([]byte(nil), data[offset:end]...), nil
}

func parseFakeURL(url string) (string, int, error) {
	rest, ok := strings.CutPrefix(url, "fake://")
	if !ok {
		return "", 0, &StatusError{Code: http.StatusBadRequest, Body: "not a fake url"}
	}
	id, genStr, _ := strings.Cut(rest, "?gen=")
	gen, _ := strconv.Atoi(genStr)
	return id, gen, nil
}
