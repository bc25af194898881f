package namespace

import (
	"strings"
	"testing"

	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Artist - Title", "Artist - Title"},
		{"AC/DC - Back In Black", "AC_DC - Back In Black"},
		{"what?*", "what__"},
		{".hidden", "_hidden"},
		{"   ", "unnamed"},
		{"tab\there", "tab_here"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), "input %q", tt.in)
	}

	long := strings.Repeat("é", 150)
	got := SanitizeName(long)
	assert.LessOrEqual(t, len(got), maxNameBytes)
	assert.True(t, strings.HasPrefix(long, got))
}

func track(id, artist, title string) types.Descriptor {
	f := &types.TrackFacts{ID: id, Artist: artist, Title: title}
	return types.Descriptor{
		Resource: types.ResourceID{Kind: types.ResourceTrack, ID: id},
		Kind:     types.NodeFile,
		Base:     TrackBase(f),
		Ext:      f.Ext(),
		Facts:    f,
	}
}

func TestAssignNames(t *testing.T) {
	descs := []types.Descriptor{
		track("1", "A", "Song"),
		track("2", "B", "Other"),
		track("3", "a", "song"),
	}
	names := AssignNames(descs)
	assert.Equal(t, []string{"A - Song [1].mp3", "B - Other.mp3", "a - song [3].mp3"}, names)
}

func TestAssignNamesIndependentOfOrder(t *testing.T) {
	a := []types.Descriptor{track("1", "X", "Y"), track("2", "X", "Y")}
	b := []types.Descriptor{a[1], a[0]}

	na := AssignNames(a)
	nb := AssignNames(b)
	assert.Equal(t, na[0], nb[1])
	assert.Equal(t, na[1], nb[0])
}

func TestTrackBase(t *testing.T) {
	assert.Equal(t, "Artist - Title", TrackBase(&types.TrackFacts{Artist: "Artist", Title: "Title"}))
	assert.Equal(t, "Title", TrackBase(&types.TrackFacts{Title: "Title"}))
	assert.Equal(t, "Artist", TrackBase(&types.TrackFacts{Artist: "Artist"}))
}

func TestIsProbeName(t *testing.T) {
	for _, name := range []string{".DS_Store", "._A - One.mp3", "autorun.inf", "BDMV", "desktop.ini", "Icon\r"} {
		assert.True(t, IsProbeName(name), name)
	}
	for _, name := range []string{"A - One.mp3", "likes", "_hidden"} {
		assert.False(t, IsProbeName(name), name)
	}
}
