package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beam-cloud/soundfs/pkg/cache"
	"github.com/beam-cloud/soundfs/pkg/catalog"
	"github.com/beam-cloud/soundfs/pkg/common"
	"github.com/beam-cloud/soundfs/pkg/namespace"
	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Config configures a Resolver
type Config struct {
	Layout types.LayoutConfig
	// Account is used by categories that do not name their own.
	Account string
	Retry   catalog.RetryPolicy
	Now     func() time.Time
}

// Resolver materializes the remote catalog into the namespace tree. Listings
// are fetched whole, ordered deterministically and cached; concurrent
// resolutions of the same listing share one remote fetch.
type Resolver struct {
	client  catalog.Client
	cache   *cache.MetadataCache
	tree    *namespace.Tree
	retry   catalog.RetryPolicy
	layout  types.LayoutConfig
	started time.Time

	group singleflight.Group

	mu sync.Mutex
	// applied remembers which cache entry each directory was last built
	// from, so unchanged listings are not reconciled again.
	applied map[namespace.Handle]*cache.Entry
	users   map[string]types.UserEntry
}

func New(client catalog.Client, metadata *cache.MetadataCache, tree *namespace.Tree, cfg Config) (*Resolver, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	layout := cfg.Layout
	layout.Categories = append([]types.CategoryConfig(nil), cfg.Layout.Categories...)
	for i, c := range layout.Categories {
		if !validKind(c.Kind) {
			return nil, fmt.Errorf("category %q: unknown kind %q", c.Name, c.Kind)
		}
		if c.Name == "" {
			layout.Categories[i].Name = c.Kind
		}
		if c.Account == "" {
			if cfg.Account == "" {
				return nil, fmt.Errorf("category %q: no account configured", c.Name)
			}
			layout.Categories[i].Account = cfg.Account
		}
		if c.Kind == types.CategoryFollowing && layout.UsersDir == "" {
			return nil, fmt.Errorf("category %q: following requires a users directory", c.Name)
		}
	}

	r := &Resolver{
		client:  client,
		cache:   metadata,
		tree:    tree,
		retry:   cfg.Retry,
		layout:  layout,
		started: cfg.Now(),
		applied: make(map[namespace.Handle]*cache.Entry),
		users:   make(map[string]types.UserEntry),
	}
	for _, u := range layout.Users {
		r.users[u] = types.UserEntry{Permalink: u}
	}
	return r, nil
}

// ResolveChildren returns the children of a directory in listing order,
// refreshing the listing when it is missing or expired.
func (r *Resolver) ResolveChildren(ctx context.Context, h namespace.Handle) ([]namespace.Node, error) {
	n, err := r.dir(h)
	if err != nil {
		return nil, err
	}
	if err := r.refresh(ctx, n); err != nil {
		return nil, err
	}
	children, ok := r.tree.Children(h)
	if !ok {
		return nil, types.NewError(types.KindNotFound, "readdir", r.tree.Path(h), nil)
	}
	return children, nil
}

// Lookup resolves one name in a directory. Unknown names under the users
// directory are resolved as user permalinks on demand.
func (r *Resolver) Lookup(ctx context.Context, parent namespace.Handle, name string) (namespace.Node, error) {
	n, err := r.dir(parent)
	if err != nil {
		return namespace.Node{}, err
	}
	if namespace.IsProbeName(name) {
		return namespace.Node{}, types.NewError(types.KindNotFound, "lookup", name, nil)
	}

	if c, ok := r.tree.Child(parent, name); ok && r.isFresh(n) {
		return c, nil
	}
	if err := r.refresh(ctx, n); err != nil {
		return namespace.Node{}, err
	}
	if c, ok := r.tree.Child(parent, name); ok {
		return c, nil
	}

	if n.Resource.Kind == types.ResourceUsersRoot {
		return r.lookupUser(ctx, parent, name)
	}
	return namespace.Node{}, types.NewError(types.KindNotFound, "lookup", name, nil)
}

// ResolveTrackFacts returns the facts of a track file, fetching them when
// the cached copy is missing or expired. Expired facts are served when the
// refresh fails.
func (r *Resolver) ResolveTrackFacts(ctx context.Context, h namespace.Handle) (types.TrackFacts, error) {
	n, ok := r.tree.Get(h)
	if !ok || n.Gone {
		return types.TrackFacts{}, types.NewError(types.KindNotFound, "facts", "", nil)
	}
	if n.Resource.Kind != types.ResourceTrack {
		return types.TrackFacts{}, types.NewError(types.KindNotFound, "facts", n.Resource.Key(), fmt.Errorf("not a track"))
	}

	id := n.Resource.ID
	key := common.Keys.TrackFacts(id)
	cached, freshness := cache.Lookup[types.TrackFacts](r.cache, key)
	if freshness == cache.Fresh {
		return cached, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.loadTrackFacts(context.WithoutCancel(ctx), id, key)
	})
	if err == nil {
		return v.(types.TrackFacts), nil
	}

	err = types.Wrap("facts", id, err)
	if freshness == cache.Stale {
		log.Warn().Str("track", id).Err(err).Msg("serving stale track facts")
		return cached, nil
	}
	if types.KindOf(err) == types.KindPermanent {
		r.Gone(n.Resource)
	} else if n.Facts != nil {
		// Listed but never fetched on its own; the listing facts stand in.
		log.Warn().Str("track", id).Err(err).Msg("serving listing facts")
		return *n.Facts, nil
	}
	return types.TrackFacts{}, err
}

// loadTrackFacts fetches a track's facts and records them in the cache and
// the tree. Facts stored fresh by a flight that completed after the caller's
// cache read are used as is.
func (r *Resolver) loadTrackFacts(ctx context.Context, id, key string) (types.TrackFacts, error) {
	if e, ok := r.cache.FreshEntry(key); ok {
		if f, ok := e.Value.(types.TrackFacts); ok {
			return f, nil
		}
	}
	facts, err := catalog.Retry(ctx, r.retry, "facts", id, func(ctx context.Context) (types.TrackFacts, error) {
		return r.client.GetTrackFacts(ctx, id)
	})
	if err != nil {
		return types.TrackFacts{}, err
	}
	facts = r.keepPinnedSize(facts)
	r.cache.Put(key, facts)
	r.tree.SetFacts(id, facts)
	return facts, nil
}

// CachedFacts returns the facts of a track without any remote call.
func (r *Resolver) CachedFacts(trackID string) (types.TrackFacts, bool) {
	f, freshness := cache.Lookup[types.TrackFacts](r.cache, common.Keys.TrackFacts(trackID))
	return f, freshness != cache.Missing
}

// PinSize records a size observed while streaming unless one is already
// established. The size in effect sticks to the track's nodes and cached
// facts for the rest of the session.
func (r *Resolver) PinSize(trackID string, size int64) int64 {
	size = r.tree.PinSize(trackID, size)
	r.cache.Update(common.Keys.TrackFacts(trackID), func(v any) any {
		f, ok := v.(types.TrackFacts)
		if !ok {
			return v
		}
		f.Size, f.SizeExact = size, true
		return f
	})
	return size
}

// Gone handles a resource confirmed removed remotely: its nodes are marked
// gone and it is dropped from every cached listing that contained it, so the
// next listing omits it without a remote call.
func (r *Resolver) Gone(res types.ResourceID) {
	resKey := res.Key()
	parents := r.tree.MarkGone(resKey)
	if res.Kind == types.ResourceTrack {
		r.cache.Invalidate(common.Keys.TrackFacts(res.ID))
	}
	if l, ok := listingOf(res); ok {
		r.cache.Invalidate(common.Keys.DirListing(l.key()))
	}

	for _, p := range parents {
		pn, ok := r.tree.Get(p)
		if !ok {
			continue
		}
		l, ok := listingOf(pn.Resource)
		if !ok {
			continue
		}
		r.cache.Update(common.Keys.DirListing(l.key()), func(v any) any {
			descs, ok := v.([]types.Descriptor)
			if !ok {
				return v
			}
			out := make([]types.Descriptor, 0, len(descs))
			for _, d := range descs {
				if d.Resource.Key() != resKey {
					out = append(out, d)
				}
			}
			return out
		})
	}
	log.Warn().Str("resource", resKey).Int("parents", len(parents)).Msg("remote resource gone")
}

func (r *Resolver) dir(h namespace.Handle) (namespace.Node, error) {
	n, ok := r.tree.Get(h)
	if !ok || n.Gone {
		return namespace.Node{}, types.NewError(types.KindNotFound, "dir", "", nil)
	}
	if !n.IsDir() {
		return namespace.Node{}, types.NewError(types.KindNotFound, "dir", n.Resource.Key(), fmt.Errorf("not a directory"))
	}
	return n, nil
}

// isFresh reports whether a directory's children can be used as they are.
func (r *Resolver) isFresh(n namespace.Node) bool {
	if !n.Listed {
		return false
	}
	l, ok := listingOf(n.Resource)
	if !ok {
		return true
	}
	e, f := r.cache.GetEntry(common.Keys.DirListing(l.key()))
	if f != cache.Fresh {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied[n.Handle] == e
}

// refresh brings a directory's children up to date with its listing.
func (r *Resolver) refresh(ctx context.Context, n namespace.Node) error {
	if descs, ok := r.staticChildren(n); ok {
		if !n.Listed || n.Resource.Kind == types.ResourceUsersRoot {
			r.tree.SetChildren(n.Handle, descs)
		}
		return nil
	}

	l, ok := listingOf(n.Resource)
	if !ok {
		return types.NewError(types.KindNotFound, "readdir", n.Resource.Key(), fmt.Errorf("not listable"))
	}
	key := common.Keys.DirListing(l.key())

	entry, freshness := r.cache.GetEntry(key)
	if freshness == cache.Fresh {
		r.apply(n, entry)
		return nil
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		return r.loadListing(context.WithoutCancel(ctx), l, key)
	})
	if err == nil {
		if shared {
			log.Debug().Str("listing", l.key()).Msg("joined in-flight listing")
		}
		r.apply(n, v.(*cache.Entry))
		return nil
	}

	err = types.Wrap("readdir", l.key(), err)
	if freshness == cache.Stale {
		log.Warn().Str("listing", l.key()).Err(err).Msg("serving stale listing")
		r.apply(n, entry)
		return nil
	}
	if types.KindOf(err) == types.KindPermanent && n.Resource.Kind == types.ResourcePlaylist {
		r.Gone(n.Resource)
	}
	return err
}

// loadListing fetches a listing and caches it. A fresh entry stored by a
// flight that completed after the caller's cache read is used as is.
func (r *Resolver) loadListing(ctx context.Context, l listing, key string) (*cache.Entry, error) {
	if e, ok := r.cache.FreshEntry(key); ok {
		return e, nil
	}
	descs, err := r.fetchListing(ctx, l)
	if err != nil {
		return nil, err
	}
	r.cache.Put(key, descs)
	if e, ok := r.cache.Entry(key); ok {
		return e, nil
	}
	return &cache.Entry{Value: descs}, nil
}

// apply reconciles a directory with a cached listing.
func (r *Resolver) apply(n namespace.Node, e *cache.Entry) {
	r.mu.Lock()
	same := r.applied[n.Handle] == e
	r.mu.Unlock()
	if same && n.Listed {
		return
	}

	descs, _ := e.Value.([]types.Descriptor)
	descs = r.placeLinks(n.Resource, descs)
	if _, ok := r.tree.SetChildren(n.Handle, descs); !ok {
		return
	}

	r.mu.Lock()
	r.applied[n.Handle] = e
	r.mu.Unlock()
}

// placeLinks fills in symlink targets, which depend on where the listing is
// shown.
func (r *Resolver) placeLinks(parent types.ResourceID, descs []types.Descriptor) []types.Descriptor {
	var out []types.Descriptor
	for i, d := range descs {
		if d.Kind != types.NodeSymlink {
			continue
		}
		if out == nil {
			out = append([]types.Descriptor(nil), descs...)
		}
		out[i].Target = r.linkTarget(parent, d.Resource.ID)
	}
	if out == nil {
		return descs
	}
	return out
}

// fetchListing pulls a whole remote collection and turns it into ordered
// descriptors. Track facts seen along the way are cached.
func (r *Resolver) fetchListing(ctx context.Context, l listing) ([]types.Descriptor, error) {
	switch l.kind {
	case types.CategoryLikes, types.CategoryTracks, listingPlaylist:
		var page func(ctx context.Context, cursor string) (types.Page[types.TrackEntry], error)
		switch l.kind {
		case types.CategoryLikes:
			page = func(ctx context.Context, cursor string) (types.Page[types.TrackEntry], error) {
				return r.client.ListLikes(ctx, l.owner, cursor)
			}
		case types.CategoryTracks:
			page = func(ctx context.Context, cursor string) (types.Page[types.TrackEntry], error) {
				return r.client.ListUserTracks(ctx, l.owner, cursor)
			}
		default:
			page = func(ctx context.Context, cursor string) (types.Page[types.TrackEntry], error) {
				return r.client.ListPlaylistTracks(ctx, l.owner, cursor)
			}
		}

		entries, err := fetchAll(ctx, r.retry, "list:"+l.kind, l.owner, page)
		if err != nil {
			return nil, err
		}
		entries = dedupe(entries, func(e types.TrackEntry) string { return e.Facts.ID })
		sortTracks(l.kind, entries)

		descs := make([]types.Descriptor, 0, len(entries))
		for _, e := range entries {
			e.Facts = r.keepPinnedSize(e.Facts)
			r.cache.Put(common.Keys.TrackFacts(e.Facts.ID), e.Facts)
			descs = append(descs, trackDescriptor(e, l.kind == types.CategoryLikes))
		}
		return descs, nil

	case types.CategoryPlaylists:
		entries, err := fetchAll(ctx, r.retry, "list:"+l.kind, l.owner,
			func(ctx context.Context, cursor string) (types.Page[types.PlaylistEntry], error) {
				return r.client.ListPlaylists(ctx, l.owner, cursor)
			})
		if err != nil {
			return nil, err
		}
		entries = dedupe(entries, func(p types.PlaylistEntry) string { return p.ID })
		sortPlaylists(entries)

		descs := make([]types.Descriptor, 0, len(entries))
		for _, p := range entries {
			mtime := p.ModifiedAt
			if mtime.IsZero() {
				mtime = p.CreatedAt
			}
			descs = append(descs, types.Descriptor{
				Resource: types.ResourceID{Kind: types.ResourcePlaylist, ID: p.ID},
				Kind:     types.NodeDir,
				Base:     p.Title,
				ModTime:  mtime,
			})
		}
		return descs, nil

	case types.CategoryFollowing:
		entries, err := fetchAll(ctx, r.retry, "list:"+l.kind, l.owner,
			func(ctx context.Context, cursor string) (types.Page[types.UserEntry], error) {
				return r.client.ListFollowing(ctx, l.owner, cursor)
			})
		if err != nil {
			return nil, err
		}
		entries = dedupe(entries, func(u types.UserEntry) string { return u.Permalink })
		sortUsers(entries)

		descs := make([]types.Descriptor, 0, len(entries))
		for _, u := range entries {
			r.rememberUser(u)
			descs = append(descs, types.Descriptor{
				Resource: types.ResourceID{Kind: types.ResourceUserLink, ID: u.Permalink},
				Kind:     types.NodeSymlink,
				Base:     u.Permalink,
				ModTime:  u.ModifiedAt,
			})
		}
		return descs, nil
	}
	return nil, types.NewError(types.KindPermanent, "list", l.key(), fmt.Errorf("unknown listing kind"))
}

// keepPinnedSize carries the size established for a track this session over
// whatever a refresh reports.
func (r *Resolver) keepPinnedSize(facts types.TrackFacts) types.TrackFacts {
	if size, ok := r.tree.TrackSize(facts.ID); ok {
		facts.Size, facts.SizeExact = size, true
	}
	return facts
}

func (r *Resolver) lookupUser(ctx context.Context, parent namespace.Handle, name string) (namespace.Node, error) {
	key := common.Keys.UserLookup(name)
	v, err, _ := r.group.Do(key, func() (any, error) {
		if u, f := cache.Lookup[types.UserEntry](r.cache, key); f == cache.Fresh {
			return u, nil
		}
		return catalog.Retry(context.WithoutCancel(ctx), r.retry, "user", name, func(ctx context.Context) (types.UserEntry, error) {
			return r.client.ResolveUser(ctx, name)
		})
	})
	if err != nil {
		err = types.Wrap("lookup", name, err)
		if types.KindOf(err) == types.KindPermanent {
			return namespace.Node{}, types.NewError(types.KindNotFound, "lookup", name, err)
		}
		return namespace.Node{}, err
	}

	u := v.(types.UserEntry)
	if u.Permalink != name {
		// The remote resolved an alias; only the canonical name is exposed.
		return namespace.Node{}, types.NewError(types.KindNotFound, "lookup", name, nil)
	}
	r.cache.Put(key, u)
	r.rememberUser(u)

	n, ok := r.tree.AddChild(parent, userDescriptor(u, r.started))
	if !ok {
		return namespace.Node{}, types.NewError(types.KindNotFound, "lookup", name, nil)
	}
	return n, nil
}

func (r *Resolver) rememberUser(u types.UserEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.Permalink]; !ok || !u.ModifiedAt.IsZero() {
		r.users[u.Permalink] = u
	}
}

func (r *Resolver) knownUsers() []types.UserEntry {
	r.mu.Lock()
	users := make([]types.UserEntry, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	r.mu.Unlock()
	sortUsers(users)
	return users
}
