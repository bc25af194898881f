package namespace

import (
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/beam-cloud/soundfs/pkg/types"
)

// Handle is the stable numeric identity of a node for the life of a mount.
// Handles are allocated monotonically and never reused.
type Handle uint64

const RootHandle Handle = 1

const (
	dirMode     = syscall.S_IFDIR | 0555
	fileMode    = syscall.S_IFREG | 0444
	symlinkMode = syscall.S_IFLNK | 0444
)

// Node is a snapshot of one filesystem object.
type Node struct {
	Handle   Handle
	Parent   Handle
	Kind     types.NodeKind
	Resource types.ResourceID
	Name     string
	Attr     types.Attr
	Facts    *types.TrackFacts
	Target   string
	Children []Handle
	// Listed is set once the children of a directory have been resolved.
	Listed bool
	Gone   bool
}

func (n *Node) IsDir() bool { return n.Kind == types.NodeDir }

type node struct {
	Node
	childNames map[string]Handle
	attached   bool
	refs       int
}

func (n *node) snapshot() Node {
	s := n.Node
	s.Children = append([]Handle(nil), n.Children...)
	if n.Facts != nil {
		f := *n.Facts
		s.Facts = &f
	}
	return s
}

type childKey struct {
	parent   Handle
	resource string
}

// Tree maps hierarchical names, handles and remote resource identifiers onto
// each other. Every method is safe for concurrent use.
type Tree struct {
	mu         sync.RWMutex
	next       Handle
	nodes      map[Handle]*node
	byParent   map[childKey]Handle
	byResource map[string]map[Handle]struct{}
	// sizes holds the size first established for each track, by track id.
	sizes map[string]int64
}

func NewTree(rootMtime time.Time) *Tree {
	t := &Tree{
		next:       RootHandle + 1,
		nodes:      make(map[Handle]*node),
		byParent:   make(map[childKey]Handle),
		byResource: make(map[string]map[Handle]struct{}),
		sizes:      make(map[string]int64),
	}
	root := &node{
		Node: Node{
			Handle:   RootHandle,
			Parent:   RootHandle,
			Kind:     types.NodeDir,
			Resource: types.ResourceID{Kind: types.ResourceRoot},
			Attr:     types.Attr{Mode: dirMode, ModTime: rootMtime},
		},
		childNames: make(map[string]Handle),
		attached:   true,
	}
	t.nodes[RootHandle] = root
	t.index(root)
	return t
}

func (t *Tree) index(n *node) {
	key := n.Resource.Key()
	set, ok := t.byResource[key]
	if !ok {
		set = make(map[Handle]struct{})
		t.byResource[key] = set
	}
	set[n.Handle] = struct{}{}
}

func (t *Tree) unindex(n *node) {
	key := n.Resource.Key()
	if set, ok := t.byResource[key]; ok {
		delete(set, n.Handle)
		if len(set) == 0 {
			delete(t.byResource, key)
		}
	}
}

// Get returns a snapshot of the node.
func (t *Tree) Get(h Handle) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[h]
	if !ok {
		return Node{}, false
	}
	return n.snapshot(), true
}

// Child looks up a child by display name.
func (t *Tree) Child(parent Handle, name string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.nodes[parent]
	if !ok || p.childNames == nil {
		return Node{}, false
	}
	h, ok := p.childNames[name]
	if !ok {
		return Node{}, false
	}
	c := t.nodes[h]
	if c.Gone {
		return Node{}, false
	}
	return c.snapshot(), true
}

// Children returns snapshots of a directory's children in listing order.
func (t *Tree) Children(parent Handle) ([]Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.nodes[parent]
	if !ok || !p.IsDir() {
		return nil, false
	}
	out := make([]Node, 0, len(p.Children))
	for _, h := range p.Children {
		if c, ok := t.nodes[h]; ok && !c.Gone {
			out = append(out, c.snapshot())
		}
	}
	return out, true
}

// HandlesOf returns every live handle projecting a remote resource.
func (t *Tree) HandlesOf(resourceKey string) []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.byResource[resourceKey]
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// SetChildren reconciles a directory with a resolved listing. Existing
// children keep their handles; entries no longer listed are detached and
// dropped once nothing references them. It returns the child handles in
// listing order.
func (t *Tree) SetChildren(parent Handle, descs []types.Descriptor) ([]Handle, bool) {
	names := AssignNames(descs)

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.nodes[parent]
	if !ok || !p.IsDir() || p.Gone {
		return nil, false
	}

	keep := make(map[Handle]struct{}, len(descs))
	children := make([]Handle, 0, len(descs))
	childNames := make(map[string]Handle, len(descs))
	for i, d := range descs {
		c := t.upsert(p, d, names[i])
		keep[c.Handle] = struct{}{}
		children = append(children, c.Handle)
		childNames[c.Name] = c.Handle
	}

	for _, h := range p.Children {
		if _, ok := keep[h]; !ok {
			t.detach(h)
		}
	}

	p.Children = children
	p.childNames = childNames
	p.Listed = true
	return append([]Handle(nil), children...), true
}

// AddChild attaches a single resolved entry without relisting the parent,
// e.g. for names resolved on demand. The existing handle is reused when the
// resource is already a child.
func (t *Tree) AddChild(parent Handle, d types.Descriptor) (Node, bool) {
	name := join(SanitizeName(d.Base), d.Ext)

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.nodes[parent]
	if !ok || !p.IsDir() || p.Gone {
		return Node{}, false
	}
	if h, ok := p.childNames[name]; ok && t.nodes[h].Resource.Key() != d.Resource.Key() {
		return Node{}, false
	}

	c := t.upsert(p, d, name)
	if _, ok := p.childNames[name]; !ok {
		p.Children = append(p.Children, c.Handle)
		p.childNames[name] = c.Handle
	}
	return c.snapshot(), true
}

func (t *Tree) upsert(p *node, d types.Descriptor, name string) *node {
	key := childKey{parent: p.Handle, resource: d.Resource.Key()}
	if h, ok := t.byParent[key]; ok {
		c := t.nodes[h]
		c.Name = name
		c.Target = d.Target
		c.Gone = false
		t.applyFacts(c, d.Facts, d.ModTime)
		return c
	}

	c := &node{
		Node: Node{
			Handle:   t.next,
			Parent:   p.Handle,
			Kind:     d.Kind,
			Resource: d.Resource,
			Name:     name,
			Target:   d.Target,
		},
		attached: true,
	}
	t.next++

	switch d.Kind {
	case types.NodeDir:
		c.Attr.Mode = dirMode
		c.childNames = make(map[string]Handle)
	case types.NodeSymlink:
		c.Attr.Mode = symlinkMode
		c.Attr.Size = int64(len(d.Target))
		c.Attr.SizeExact = true
	default:
		c.Attr.Mode = fileMode
	}
	t.applyFacts(c, d.Facts, d.ModTime)

	t.nodes[c.Handle] = c
	t.byParent[key] = c.Handle
	t.index(c)
	return c
}

// applyFacts refreshes attributes from new facts. The first reported size of
// a track becomes its established size; later reports and estimates never
// replace it.
func (t *Tree) applyFacts(c *node, facts *types.TrackFacts, mtime time.Time) {
	if !mtime.IsZero() {
		c.Attr.ModTime = mtime
	}
	if facts == nil {
		return
	}
	f := *facts
	if c.Resource.Kind == types.ResourceTrack {
		if size, ok := t.sizes[c.Resource.ID]; ok {
			f.Size, f.SizeExact = size, true
		} else if f.Size > 0 || f.SizeExact {
			t.sizes[c.Resource.ID] = f.Size
			f.SizeExact = true
		}
	}
	c.Facts = &f
	c.Attr.Size = f.EffectiveSize()
	c.Attr.SizeExact = f.SizeExact
	if mtime.IsZero() && !f.ModifiedAt.IsZero() {
		c.Attr.ModTime = f.ModifiedAt
	}
}

// TrackSize returns the established size of a track, if any.
func (t *Tree) TrackSize(trackID string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	size, ok := t.sizes[trackID]
	return size, ok
}

// SetFacts updates the facts of every node projecting a track.
func (t *Tree) SetFacts(trackID string, facts types.TrackFacts) {
	key := types.ResourceID{Kind: types.ResourceTrack, ID: trackID}.Key()

	t.mu.Lock()
	defer t.mu.Unlock()
	for h := range t.byResource[key] {
		t.applyFacts(t.nodes[h], &facts, time.Time{})
	}
}

// PinSize establishes the size of a track learned from streaming and returns
// the size in effect. A size established earlier wins; once set, it is what
// GetAttr reports for the rest of the mount.
func (t *Tree) PinSize(trackID string, size int64) int64 {
	key := types.ResourceID{Kind: types.ResourceTrack, ID: trackID}.Key()

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.sizes[trackID]; ok {
		return prev
	}
	t.sizes[trackID] = size
	for h := range t.byResource[key] {
		c := t.nodes[h]
		c.Attr.Size = size
		c.Attr.SizeExact = true
		if c.Facts != nil {
			c.Facts.Size = size
			c.Facts.SizeExact = true
		}
	}
	return size
}

// MarkGone flags every node of a resource as removed remotely. Future
// lookups fail, and nodes are dropped once unreferenced. It returns the
// parents whose listings are now out of date.
func (t *Tree) MarkGone(resourceKey string) []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var parents []Handle
	for h := range t.byResource[resourceKey] {
		c := t.nodes[h]
		if c.Handle == RootHandle {
			continue
		}
		c.Gone = true
		parents = append(parents, c.Parent)
		if p, ok := t.nodes[c.Parent]; ok {
			p.Children = removeHandle(p.Children, h)
			if p.childNames[c.Name] == h {
				delete(p.childNames, c.Name)
			}
		}
		t.detach(h)
	}
	return parents
}

// detach unlinks a node from its parent and frees it, and its unreferenced
// descendants, unless an open session still holds it.
func (t *Tree) detach(h Handle) {
	c, ok := t.nodes[h]
	if !ok {
		return
	}
	if c.attached {
		delete(t.byParent, childKey{parent: c.Parent, resource: c.Resource.Key()})
		c.attached = false
	}
	if c.refs > 0 {
		return
	}
	for _, child := range c.Children {
		t.detach(child)
	}
	t.unindex(c)
	delete(t.nodes, h)
}

func removeHandle(hs []Handle, h Handle) []Handle {
	out := hs[:0:0]
	for _, x := range hs {
		if x != h {
			out = append(out, x)
		}
	}
	return out
}

// Acquire pins a node for an open session. Gone nodes cannot be acquired.
func (t *Tree) Acquire(h Handle) (Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.nodes[h]
	if !ok || c.Gone {
		return Node{}, types.NewError(types.KindNotFound, "acquire", "", nil)
	}
	c.refs++
	return c.snapshot(), nil
}

// Release drops a session reference, freeing detached nodes.
func (t *Tree) Release(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.nodes[h]
	if !ok {
		return
	}
	if c.refs > 0 {
		c.refs--
	}
	if c.refs == 0 && !c.attached {
		t.detach(h)
	}
}

// Path returns the slash-separated path of a node, for logging.
func (t *Tree) Path(h Handle) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var parts []string
	for h != RootHandle {
		c, ok := t.nodes[h]
		if !ok {
			break
		}
		parts = append(parts, c.Name)
		h = c.Parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// TreeStats summarises the namespace for statfs and the status endpoint.
type TreeStats struct {
	Nodes      int    `json:"nodes"`
	Files      int    `json:"files"`
	KnownBytes int64  `json:"known_bytes"`
	NextHandle uint64 `json:"next_handle"`
}

func (t *Tree) Stats() TreeStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := TreeStats{Nodes: len(t.nodes), NextHandle: uint64(t.next)}
	seen := make(map[string]bool)
	for _, n := range t.nodes {
		if n.Kind != types.NodeFile {
			continue
		}
		s.Files++
		if key := n.Resource.Key(); !seen[key] {
			seen[key] = true
			s.KnownBytes += n.Attr.Size
		}
	}
	return s
}
