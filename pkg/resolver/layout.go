package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/beam-cloud/soundfs/pkg/catalog"
	"github.com/beam-cloud/soundfs/pkg/namespace"
	"github.com/beam-cloud/soundfs/pkg/types"
)

// userSubdirs are the listings every user directory exposes, in order.
var userSubdirs = []string{
	types.CategoryTracks,
	types.CategoryLikes,
	types.CategoryPlaylists,
	types.CategoryFollowing,
}

// listing identifies one paginated remote collection.
type listing struct {
	kind  string // category kind, or "playlist"
	owner string // account permalink or playlist id
}

const listingPlaylist = "playlist"

func (l listing) key() string {
	return l.kind + ":" + l.owner
}

// listingOf maps a directory resource onto the remote collection backing it.
// Category and user directories of the same account share a listing.
func listingOf(res types.ResourceID) (listing, bool) {
	switch res.Kind {
	case types.ResourceCategory, types.ResourceUserDir:
		return listing{kind: res.Sub, owner: res.ID}, true
	case types.ResourcePlaylist:
		return listing{kind: listingPlaylist, owner: res.ID}, true
	default:
		return listing{}, false
	}
}

func validKind(kind string) bool {
	switch kind {
	case types.CategoryLikes, types.CategoryPlaylists, types.CategoryTracks, types.CategoryFollowing:
		return true
	default:
		return false
	}
}

// fetchAll exhausts a paginated listing. Each page is retried on its own.
func fetchAll[T any](ctx context.Context, p catalog.RetryPolicy, op, key string, page func(ctx context.Context, cursor string) (types.Page[T], error)) ([]T, error) {
	var all []T
	seen := make(map[string]bool)
	cursor := ""
	for {
		pg, err := catalog.Retry(ctx, p, op, key, func(ctx context.Context) (types.Page[T], error) {
			return page(ctx, cursor)
		})
		if err != nil {
			return nil, err
		}
		all = append(all, pg.Entries...)
		if pg.Next == "" {
			return all, nil
		}
		if seen[pg.Next] {
			return nil, types.NewError(types.KindTransient, op, key, fmt.Errorf("pagination loop at cursor %q", pg.Next))
		}
		seen[pg.Next] = true
		cursor = pg.Next
	}
}

// dedupe keeps the first occurrence of each id.
func dedupe[T any](entries []T, id func(T) string) []T {
	seen := make(map[string]bool, len(entries))
	out := entries[:0:0]
	for _, e := range entries {
		k := id(e)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}

// trackDescriptor builds a file entry. Likes are dated by when they were
// liked; other tracks by their own modification time.
func trackDescriptor(e types.TrackEntry, likedAt bool) types.Descriptor {
	f := e.Facts
	d := types.Descriptor{
		Resource: types.ResourceID{Kind: types.ResourceTrack, ID: f.ID},
		Kind:     types.NodeFile,
		Base:     namespace.TrackBase(&f),
		Ext:      f.Ext(),
		Facts:    &f,
	}
	if likedAt && !e.AddedAt.IsZero() {
		d.ModTime = e.AddedAt
	}
	return d
}

// sortTracks orders a track listing. Likes and uploads are newest first with
// the id as tiebreak; playlist tracks keep their remote position.
func sortTracks(kind string, entries []types.TrackEntry) {
	switch kind {
	case types.CategoryLikes:
		sort.SliceStable(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			if !a.AddedAt.Equal(b.AddedAt) {
				return a.AddedAt.After(b.AddedAt)
			}
			return a.Facts.ID < b.Facts.ID
		})
	case types.CategoryTracks:
		sort.SliceStable(entries, func(i, j int) bool {
			a, b := entries[i].Facts, entries[j].Facts
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID < b.ID
		})
	}
}

func sortPlaylists(entries []types.PlaylistEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func sortUsers(entries []types.UserEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Permalink) < strings.ToLower(entries[j].Permalink)
	})
}

// linkTarget is where a followed user's symlink points, relative to the
// directory holding it.
func (r *Resolver) linkTarget(parent types.ResourceID, permalink string) string {
	if parent.Kind == types.ResourceUserDir {
		return "../../" + permalink
	}
	return "../" + r.layout.UsersDir + "/" + permalink
}

// staticChildren returns the children of synthetic directories, which need
// no remote call.
func (r *Resolver) staticChildren(n namespace.Node) ([]types.Descriptor, bool) {
	switch n.Resource.Kind {
	case types.ResourceRoot:
		descs := make([]types.Descriptor, 0, len(r.layout.Categories)+1)
		for _, c := range r.layout.Categories {
			descs = append(descs, types.Descriptor{
				Resource: types.ResourceID{Kind: types.ResourceCategory, ID: c.Account, Sub: c.Kind},
				Kind:     types.NodeDir,
				Base:     c.Name,
				ModTime:  r.started,
			})
		}
		if r.layout.UsersDir != "" {
			descs = append(descs, types.Descriptor{
				Resource: types.ResourceID{Kind: types.ResourceUsersRoot},
				Kind:     types.NodeDir,
				Base:     r.layout.UsersDir,
				ModTime:  r.started,
			})
		}
		return descs, true

	case types.ResourceUsersRoot:
		users := r.knownUsers()
		descs := make([]types.Descriptor, 0, len(users))
		for _, u := range users {
			descs = append(descs, userDescriptor(u, r.started))
		}
		return descs, true

	case types.ResourceUser:
		descs := make([]types.Descriptor, 0, len(userSubdirs))
		for _, kind := range userSubdirs {
			descs = append(descs, types.Descriptor{
				Resource: types.ResourceID{Kind: types.ResourceUserDir, ID: n.Resource.ID, Sub: kind},
				Kind:     types.NodeDir,
				Base:     kind,
				ModTime:  n.Attr.ModTime,
			})
		}
		return descs, true
	}
	return nil, false
}

func userDescriptor(u types.UserEntry, fallback time.Time) types.Descriptor {
	mtime := u.ModifiedAt
	if mtime.IsZero() {
		mtime = fallback
	}
	return types.Descriptor{
		Resource: types.ResourceID{Kind: types.ResourceUser, ID: u.Permalink},
		Kind:     types.NodeDir,
		Base:     u.Permalink,
		ModTime:  mtime,
	}
}
