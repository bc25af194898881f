package resolver

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/beam-cloud/soundfs/pkg/cache"
	"github.com/beam-cloud/soundfs/pkg/catalog"
	"github.com/beam-cloud/soundfs/pkg/common"
	"github.com/beam-cloud/soundfs/pkg/namespace"
	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	fake     *catalog.Fake
	resolver *Resolver
	tree     *namespace.Tree
	metadata *cache.MetadataCache
	clock    *testClock
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, layout types.LayoutConfig) *harness {
	t.Helper()
	clock := &testClock{t: base}
	metadata, err := cache.NewMetadataCache(cache.MetadataConfig{
		DirTTL:     time.Minute,
		TrackTTL:   30 * time.Minute,
		MaxEntries: 1000,
		Now:        clock.Now,
	})
	require.NoError(t, err)

	if layout.Categories == nil {
		layout.Categories = []types.CategoryConfig{
			{Name: "likes", Kind: types.CategoryLikes},
			{Name: "playlists", Kind: types.CategoryPlaylists},
		}
	}

	fake := catalog.NewFake()
	tree := namespace.NewTree(base)
	r, err := New(fake, metadata, tree, Config{
		Layout:  layout,
		Account: "me",
		Retry: catalog.RetryPolicy{
			MaxAttempts:    3,
			BaseDelay:      time.Millisecond,
			MaxDelay:       2 * time.Millisecond,
			RateLimitDelay: time.Millisecond,
			Timeout:        time.Second,
		},
		Now: clock.Now,
	})
	require.NoError(t, err)
	return &harness{fake: fake, resolver: r, tree: tree, metadata: metadata, clock: clock}
}

func (h *harness) lookup(t *testing.T, path ...string) namespace.Node {
	t.Helper()
	n, ok := h.tree.Get(namespace.RootHandle)
	require.True(t, ok)
	for _, name := range path {
		var err error
		n, err = h.resolver.Lookup(context.Background(), n.Handle, name)
		require.NoError(t, err, "lookup %q", name)
	}
	return n
}

func (h *harness) names(t *testing.T, dir namespace.Handle) []string {
	t.Helper()
	children, err := h.resolver.ResolveChildren(context.Background(), dir)
	require.NoError(t, err)
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.Name
	}
	return names
}

func facts(id, artist, title string) types.TrackFacts {
	return types.TrackFacts{ID: id, Artist: artist, Title: title, Size: 1000, ContentType: "audio/mpeg"}
}

func TestRootIsStatic(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{UsersDir: "users"})

	assert.Equal(t, []string{"likes", "playlists", "users"}, h.names(t, namespace.RootHandle))
	assert.Zero(t, h.fake.TotalCalls())
}

func TestReadDirTwiceIsIdenticalAndCached(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddLike("me", facts("1", "A", "First"), base.Add(-3*time.Hour), nil)
	h.fake.AddLike("me", facts("2", "B", "Second"), base.Add(-1*time.Hour), nil)
	h.fake.AddLike("me", facts("3", "C", "Third"), base.Add(-2*time.Hour), nil)

	likes := h.lookup(t, "likes")
	first := h.names(t, likes.Handle)
	assert.Equal(t, []string{"B - Second.mp3", "C - Third.mp3", "A - First.mp3"}, first)
	assert.Equal(t, 2, h.fake.Calls(catalog.OpListLikes), "three likes over two pages")

	h.fake.ResetCounts()
	h.clock.Advance(30 * time.Second)
	second := h.names(t, likes.Handle)
	assert.Equal(t, first, second)
	assert.Zero(t, h.fake.TotalCalls())
}

func TestLikesOrderedByLikeTime(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddLike("me", facts("b", "Band", "B"), base.Add(-time.Hour), nil)
	h.fake.AddLike("me", facts("a", "Band", "A"), base, nil)

	likes := h.lookup(t, "likes")
	assert.Equal(t, []string{"Band - A.mp3", "Band - B.mp3"}, h.names(t, likes.Handle))

	a := h.lookup(t, "likes", "Band - A.mp3")
	assert.Equal(t, base, a.Attr.ModTime)
	assert.Equal(t, int64(1000), a.Attr.Size)
}

func TestConcurrentReadDirIssuesOneFetch(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.PageSize = 100
	h.fake.AddLike("me", facts("1", "A", "One"), base, nil)
	likes := h.lookup(t, "likes")

	release := h.fake.Hold(catalog.OpListLikes)

	const n = 16
	var wg sync.WaitGroup
	results := make([][]namespace.Node, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.resolver.ResolveChildren(context.Background(), likes.Handle)
		}(i)
	}

	require.Eventually(t, func() bool { return h.fake.InFlight(catalog.OpListLikes) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, h.fake.Calls(catalog.OpListLikes))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 1)
		assert.Equal(t, results[0][0].Handle, results[i][0].Handle)
	}
}

func TestStaleListingServedWhenRefreshFails(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddLike("me", facts("1", "A", "One"), base, nil)
	likes := h.lookup(t, "likes")
	first := h.names(t, likes.Handle)

	h.clock.Advance(2 * time.Minute)
	h.fake.ResetCounts()
	h.fake.Fail(catalog.OpListLikes, "", context.DeadlineExceeded)

	assert.Equal(t, first, h.names(t, likes.Handle))
	assert.Equal(t, 3, h.fake.Calls(catalog.OpListLikes), "retried before falling back")
}

func TestListingFailureWithoutCache(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	likes := h.lookup(t, "likes")

	h.fake.Fail(catalog.OpListLikes, "", &catalog.StatusError{Code: http.StatusBadGateway})
	_, err := h.resolver.ResolveChildren(context.Background(), likes.Handle)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.Equal(t, 3, h.fake.Calls(catalog.OpListLikes))

	h.fake.ResetCounts()
	h.fake.Fail(catalog.OpListLikes, "", &catalog.StatusError{Code: http.StatusForbidden})
	_, err = h.resolver.ResolveChildren(context.Background(), likes.Handle)
	assert.ErrorIs(t, err, types.ErrPermanent)
	assert.Equal(t, 1, h.fake.Calls(catalog.OpListLikes), "permanent failures are not retried")
}

func TestPaginationDeduplicates(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddLike("me", facts("1", "A", "One"), base, nil)
	h.fake.AddLike("me", facts("2", "B", "Two"), base.Add(-time.Minute), nil)
	h.fake.AddLike("me", facts("1", "A", "One"), base.Add(-2*time.Minute), nil)

	likes := h.lookup(t, "likes")
	assert.Equal(t, []string{"A - One.mp3", "B - Two.mp3"}, h.names(t, likes.Handle))
}

func TestCollidingNamesAreDisambiguated(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddLike("me", facts("10", "A", "Same"), base, nil)
	h.fake.AddLike("me", facts("11", "A", "Same"), base.Add(-time.Minute), nil)

	likes := h.lookup(t, "likes")
	assert.Equal(t, []string{"A - Same [10].mp3", "A - Same [11].mp3"}, h.names(t, likes.Handle))
}

func TestPlaylists(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddPlaylist("me", types.PlaylistEntry{ID: "p1", Title: "Older", CreatedAt: base.Add(-time.Hour)})
	h.fake.AddPlaylist("me", types.PlaylistEntry{ID: "p2", Title: "Newer", CreatedAt: base},
		facts("3", "Z", "Last"), facts("1", "A", "First"), facts("2", "M", "Middle"))

	playlists := h.lookup(t, "playlists")
	assert.Equal(t, []string{"Newer", "Older"}, h.names(t, playlists.Handle))

	newer := h.lookup(t, "playlists", "Newer")
	assert.True(t, newer.IsDir())
	assert.Equal(t, []string{"Z - Last.mp3", "A - First.mp3", "M - Middle.mp3"}, h.names(t, newer.Handle))
	assert.Empty(t, h.names(t, h.lookup(t, "playlists", "Older").Handle))
}

func TestUsersLayout(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{UsersDir: "users", Users: []string{"alice"}})
	h.fake.AddUser(types.UserEntry{ID: "1", Permalink: "alice"})
	h.fake.AddFollowing("alice", types.UserEntry{ID: "2", Permalink: "bob"})
	h.fake.AddUserTrack("alice", types.TrackFacts{ID: "t1", Artist: "alice", Title: "Demo", CreatedAt: base}, nil)

	users := h.lookup(t, "users")
	assert.Equal(t, []string{"alice"}, h.names(t, users.Handle))
	assert.Zero(t, h.fake.TotalCalls())

	alice := h.lookup(t, "users", "alice")
	assert.Equal(t, []string{"tracks", "likes", "playlists", "following"}, h.names(t, alice.Handle))
	assert.Equal(t, []string{"alice - Demo.mp3"}, h.names(t, h.lookup(t, "users", "alice", "tracks").Handle))

	bob := h.lookup(t, "users", "alice", "following", "bob")
	assert.Equal(t, types.NodeSymlink, bob.Kind)
	assert.Equal(t, "../../bob", bob.Target)

	resolved := h.lookup(t, "users", "bob")
	assert.True(t, resolved.IsDir())
	assert.Contains(t, h.names(t, users.Handle), "bob")
}

func TestUsersLookupFiltersProbes(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{UsersDir: "users"})
	users := h.lookup(t, "users")

	for _, name := range []string{".DS_Store", "autorun.inf", "BDMV"} {
		_, err := h.resolver.Lookup(context.Background(), users.Handle, name)
		assert.ErrorIs(t, err, types.ErrNotFound, name)
	}
	assert.Zero(t, h.fake.TotalCalls())

	_, err := h.resolver.Lookup(context.Background(), users.Handle, "nobody")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, 1, h.fake.Calls(catalog.OpResolveUser))
}

func TestGoneTrackIsOmittedFromNextListing(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddLike("me", facts("1", "A", "One"), base, nil)
	h.fake.AddLike("me", facts("2", "B", "Two"), base.Add(-time.Minute), nil)
	likes := h.lookup(t, "likes")
	h.names(t, likes.Handle)

	h.fake.ResetCounts()
	h.resolver.Gone(types.ResourceID{Kind: types.ResourceTrack, ID: "1"})

	assert.Equal(t, []string{"B - Two.mp3"}, h.names(t, likes.Handle))
	_, err := h.resolver.Lookup(context.Background(), likes.Handle, "A - One.mp3")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Zero(t, h.fake.TotalCalls())
}

func TestResolveTrackFacts(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddLike("me", facts("1", "A", "One"), base, nil)
	one := h.lookup(t, "likes", "A - One.mp3")
	h.fake.ResetCounts()

	f, err := h.resolver.ResolveTrackFacts(context.Background(), one.Handle)
	require.NoError(t, err)
	assert.Equal(t, "One", f.Title)
	assert.Zero(t, h.fake.TotalCalls(), "facts cached by the listing")

	h.clock.Advance(time.Hour)
	_, err = h.resolver.ResolveTrackFacts(context.Background(), one.Handle)
	require.NoError(t, err)
	assert.Equal(t, 1, h.fake.Calls(catalog.OpGetTrackFacts))

	h.clock.Advance(time.Hour)
	h.fake.Fail(catalog.OpGetTrackFacts, "1", &catalog.StatusError{Code: http.StatusServiceUnavailable})
	f, err = h.resolver.ResolveTrackFacts(context.Background(), one.Handle)
	require.NoError(t, err, "stale facts are served")
	assert.Equal(t, "One", f.Title)
}

func TestResolveTrackFactsPermanentMarksGone(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddLike("me", facts("1", "A", "One"), base, nil)
	likes := h.lookup(t, "likes")
	one := h.lookup(t, "likes", "A - One.mp3")

	h.metadata.Invalidate("track:1")
	h.fake.RemoveTrack("1")

	_, err := h.resolver.ResolveTrackFacts(context.Background(), one.Handle)
	assert.ErrorIs(t, err, types.ErrPermanent)
	assert.Empty(t, h.names(t, likes.Handle))
}

func TestPinnedSizeSurvivesRelisting(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddLike("me", types.TrackFacts{ID: "1", Artist: "A", Title: "One", DurationMs: 60000}, base, nil)
	likes := h.lookup(t, "likes")
	one := h.lookup(t, "likes", "A - One.mp3")
	assert.Equal(t, types.EstimateSize(60000), one.Attr.Size)

	h.resolver.PinSize("1", 777)
	h.clock.Advance(2 * time.Hour)
	h.names(t, likes.Handle)

	one = h.lookup(t, "likes", "A - One.mp3")
	assert.Equal(t, int64(777), one.Attr.Size)
	f, err := h.resolver.ResolveTrackFacts(context.Background(), one.Handle)
	require.NoError(t, err)
	assert.Equal(t, int64(777), f.Size)
	assert.True(t, f.SizeExact)
}

func TestReportedSizeHoldsAcrossRefresh(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddLike("me", facts("1", "A", "One"), base, nil)
	one := h.lookup(t, "likes", "A - One.mp3")

	f, err := h.resolver.ResolveTrackFacts(context.Background(), one.Handle)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), f.Size)

	grown := facts("1", "A", "One")
	grown.Size = 1500
	h.fake.AddTrack(grown, nil)
	h.clock.Advance(time.Hour)

	f, err = h.resolver.ResolveTrackFacts(context.Background(), one.Handle)
	require.NoError(t, err)
	assert.Equal(t, 1, h.fake.Calls(catalog.OpGetTrackFacts), "expired facts were refetched")
	assert.Equal(t, int64(1000), f.Size)
	assert.True(t, f.SizeExact)

	n, ok := h.tree.Get(one.Handle)
	require.True(t, ok)
	assert.Equal(t, int64(1000), n.Attr.Size)

	assert.Equal(t, int64(1000), h.resolver.PinSize("1", 1200), "a streamed size does not replace a reported one")
	size, ok := h.tree.TrackSize("1")
	require.True(t, ok)
	assert.Equal(t, int64(1000), size)
}

func TestLoadReusesEntryFromFinishedFlight(t *testing.T) {
	h := newHarness(t, types.LayoutConfig{})
	h.fake.AddLike("me", facts("1", "A", "One"), base, nil)
	likes := h.lookup(t, "likes")
	h.names(t, likes.Handle)
	h.fake.ResetCounts()

	l, ok := listingOf(likes.Resource)
	require.True(t, ok)
	key := common.Keys.DirListing(l.key())
	ctx := context.Background()

	// Callers that saw a miss before an earlier flight stored its result
	// reach the load functions; they must not go remote again.
	e, err := h.resolver.loadListing(ctx, l, key)
	require.NoError(t, err)
	require.NotNil(t, e)
	f, err := h.resolver.loadTrackFacts(ctx, "1", common.Keys.TrackFacts("1"))
	require.NoError(t, err)
	assert.Equal(t, "One", f.Title)
	assert.Zero(t, h.fake.TotalCalls())

	h.clock.Advance(2 * time.Hour)
	_, err = h.resolver.loadTrackFacts(ctx, "1", common.Keys.TrackFacts("1"))
	require.NoError(t, err)
	_, err = h.resolver.loadListing(ctx, l, key)
	require.NoError(t, err)
	assert.Equal(t, 1, h.fake.Calls(catalog.OpListLikes))
	assert.Equal(t, 1, h.fake.Calls(catalog.OpGetTrackFacts))
}

func TestNewRejectsBadLayout(t *testing.T) {
	tree := namespace.NewTree(base)
	metadata, err := cache.NewMetadataCache(cache.MetadataConfig{})
	require.NoError(t, err)

	_, err = New(catalog.NewFake(), metadata, tree, Config{
		Layout:  types.LayoutConfig{Categories: []types.CategoryConfig{{Name: "x", Kind: "bogus"}}},
		Account: "me",
	})
	assert.Error(t, err)

	_, err = New(catalog.NewFake(), metadata, tree, Config{
		Layout: types.LayoutConfig{Categories: []types.CategoryConfig{{Name: "likes", Kind: types.CategoryLikes}}},
	})
	assert.Error(t, err)

	_, err = New(catalog.NewFake(), metadata, tree, Config{
		Layout:  types.LayoutConfig{Categories: []types.CategoryConfig{{Name: "f", Kind: types.CategoryFollowing}}},
		Account: "me",
	})
	assert.Error(t, err)
}
