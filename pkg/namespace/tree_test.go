package namespace

import (
	"sync"
	"testing"
	"time"

	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dir(kind types.ResourceKind, id, sub, name string) types.Descriptor {
	return types.Descriptor{
		Resource: types.ResourceID{Kind: kind, ID: id, Sub: sub},
		Kind:     types.NodeDir,
		Base:     name,
	}
}

func sized(d types.Descriptor, size int64) types.Descriptor {
	d.Facts.Size = size
	return d
}

func newTestTree(t *testing.T) (*Tree, Handle) {
	t.Helper()
	tree := NewTree(time.Unix(1700000000, 0))
	hs, ok := tree.SetChildren(RootHandle, []types.Descriptor{dir(types.ResourceCategory, "me", "likes", "likes")})
	require.True(t, ok)
	require.Len(t, hs, 1)
	return tree, hs[0]
}

func TestTreeSetChildrenKeepsHandles(t *testing.T) {
	tree, likes := newTestTree(t)

	first, ok := tree.SetChildren(likes, []types.Descriptor{
		sized(track("1", "A", "One"), 100),
		sized(track("2", "B", "Two"), 200),
	})
	require.True(t, ok)

	second, ok := tree.SetChildren(likes, []types.Descriptor{
		sized(track("2", "B", "Two"), 200),
		sized(track("1", "A", "One"), 100),
	})
	require.True(t, ok)
	assert.Equal(t, []Handle{first[1], first[0]}, second)

	n, ok := tree.Child(likes, "A - One.mp3")
	require.True(t, ok)
	assert.Equal(t, first[0], n.Handle)
	assert.Equal(t, int64(100), n.Attr.Size)
	assert.Equal(t, types.NodeFile, n.Kind)
	assert.Equal(t, likes, n.Parent)
}

func TestTreeHandlesAreMonotonic(t *testing.T) {
	tree, likes := newTestTree(t)

	hs, _ := tree.SetChildren(likes, []types.Descriptor{track("1", "A", "One")})
	tree.SetChildren(likes, nil)
	_, ok := tree.Get(hs[0])
	assert.False(t, ok, "detached unreferenced node should be dropped")

	again, _ := tree.SetChildren(likes, []types.Descriptor{track("1", "A", "One")})
	assert.Greater(t, again[0], hs[0])
}

func TestTreeDetachedNodeSurvivesWhileAcquired(t *testing.T) {
	tree, likes := newTestTree(t)

	hs, _ := tree.SetChildren(likes, []types.Descriptor{track("1", "A", "One")})
	_, err := tree.Acquire(hs[0])
	require.NoError(t, err)

	tree.SetChildren(likes, nil)
	n, ok := tree.Get(hs[0])
	require.True(t, ok)
	assert.Equal(t, "A - One.mp3", n.Name)
	_, ok = tree.Child(likes, "A - One.mp3")
	assert.False(t, ok)

	tree.Release(hs[0])
	_, ok = tree.Get(hs[0])
	assert.False(t, ok)
}

func TestTreeMarkGone(t *testing.T) {
	tree, likes := newTestTree(t)

	hs, _ := tree.SetChildren(likes, []types.Descriptor{track("1", "A", "One"), track("2", "B", "Two")})
	_, err := tree.Acquire(hs[0])
	require.NoError(t, err)

	parents := tree.MarkGone(types.ResourceID{Kind: types.ResourceTrack, ID: "1"}.Key())
	assert.Equal(t, []Handle{likes}, parents)

	_, ok := tree.Child(likes, "A - One.mp3")
	assert.False(t, ok)
	children, _ := tree.Children(likes)
	require.Len(t, children, 1)
	assert.Equal(t, hs[1], children[0].Handle)

	n, ok := tree.Get(hs[0])
	require.True(t, ok)
	assert.True(t, n.Gone)
	_, err = tree.Acquire(hs[0])
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTreePinnedSizeSticks(t *testing.T) {
	tree, likes := newTestTree(t)

	d := track("1", "A", "One")
	d.Facts.DurationMs = 1000
	hs, _ := tree.SetChildren(likes, []types.Descriptor{d})

	n, _ := tree.Get(hs[0])
	assert.Equal(t, types.EstimateSize(1000), n.Attr.Size)
	assert.False(t, n.Attr.SizeExact)

	tree.PinSize("1", 12345)
	tree.SetChildren(likes, []types.Descriptor{d})
	tree.SetFacts("1", *d.Facts)

	n, _ = tree.Get(hs[0])
	assert.Equal(t, int64(12345), n.Attr.Size)
	assert.True(t, n.Attr.SizeExact)
	assert.Equal(t, int64(12345), n.Facts.Size)
}

func TestTreeFirstReportedSizeIsEstablished(t *testing.T) {
	tree, likes := newTestTree(t)

	d := track("1", "A", "One")
	d.Facts.Size = 1000
	hs, _ := tree.SetChildren(likes, []types.Descriptor{d})

	size, ok := tree.TrackSize("1")
	require.True(t, ok)
	assert.Equal(t, int64(1000), size)

	grown := *d.Facts
	grown.Size = 1500
	tree.SetFacts("1", grown)
	assert.Equal(t, int64(1000), tree.PinSize("1", 900))

	n, _ := tree.Get(hs[0])
	assert.Equal(t, int64(1000), n.Attr.Size)
	assert.True(t, n.Attr.SizeExact)
	assert.Equal(t, int64(1000), n.Facts.Size)

	_, ok = tree.TrackSize("2")
	assert.False(t, ok)
}

func TestTreeSameTrackInTwoDirectories(t *testing.T) {
	tree := NewTree(time.Now())
	dirs, _ := tree.SetChildren(RootHandle, []types.Descriptor{
		dir(types.ResourceCategory, "me", "likes", "likes"),
		dir(types.ResourcePlaylist, "p1", "", "Mix"),
	})

	a, _ := tree.SetChildren(dirs[0], []types.Descriptor{track("1", "A", "One")})
	b, _ := tree.SetChildren(dirs[1], []types.Descriptor{track("1", "A", "One")})
	assert.NotEqual(t, a[0], b[0])
	assert.ElementsMatch(t, []Handle{a[0], b[0]}, tree.HandlesOf(types.ResourceID{Kind: types.ResourceTrack, ID: "1"}.Key()))

	tree.PinSize("1", 42)
	na, _ := tree.Get(a[0])
	nb, _ := tree.Get(b[0])
	assert.Equal(t, int64(42), na.Attr.Size)
	assert.Equal(t, int64(42), nb.Attr.Size)

	assert.Equal(t, "/Mix/A - One.mp3", tree.Path(b[0]))
	st := tree.Stats()
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, int64(42), st.KnownBytes)
}

func TestTreeAddChild(t *testing.T) {
	tree := NewTree(time.Now())
	users, _ := tree.SetChildren(RootHandle, []types.Descriptor{dir(types.ResourceUsersRoot, "", "", "users")})

	n, ok := tree.AddChild(users[0], dir(types.ResourceUser, "alice", "", "alice"))
	require.True(t, ok)
	again, ok := tree.AddChild(users[0], dir(types.ResourceUser, "alice", "", "alice"))
	require.True(t, ok)
	assert.Equal(t, n.Handle, again.Handle)

	_, ok = tree.AddChild(users[0], dir(types.ResourceUser, "other", "", "alice"))
	assert.False(t, ok, "name already taken by a different resource")

	c, ok := tree.Child(users[0], "alice")
	require.True(t, ok)
	assert.True(t, c.IsDir())
}

func TestTreeSymlink(t *testing.T) {
	tree := NewTree(time.Now())
	hs, _ := tree.SetChildren(RootHandle, []types.Descriptor{{
		Resource: types.ResourceID{Kind: types.ResourceUserLink, ID: "bob"},
		Kind:     types.NodeSymlink,
		Base:     "bob",
		Target:   "../../bob",
	}})
	n, _ := tree.Get(hs[0])
	assert.Equal(t, "../../bob", n.Target)
	assert.Equal(t, int64(len("../../bob")), n.Attr.Size)
}

func TestTreeConcurrentAccess(t *testing.T) {
	tree, likes := newTestTree(t)
	descs := []types.Descriptor{track("1", "A", "One"), track("2", "B", "Two")}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tree.SetChildren(likes, descs)
				tree.Children(likes)
				tree.PinSize("1", 10)
			}
		}()
	}
	wg.Wait()

	children, _ := tree.Children(likes)
	assert.Len(t, children, 2)
}
