package filesystem

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/beam-cloud/soundfs/pkg/namespace"
	"github.com/beam-cloud/soundfs/pkg/stream"
	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

const (
	// negativeCacheSize is the max number of "name does not exist" entries.
	negativeCacheSize = 10000
	// defaultNegativeTTL is how long a negative lookup result is cached.
	defaultNegativeTTL = 30 * time.Second

	blockSize = 4096
	nameMax   = 255

	xattrPrefix    = "user.soundfs."
	xattrTagPrefix = xattrPrefix + "tag."
)

// Catalog is the part of the resolver the adapter delegates to.
type Catalog interface {
	ResolveChildren(ctx context.Context, h namespace.Handle) ([]namespace.Node, error)
	Lookup(ctx context.Context, parent namespace.Handle, name string) (namespace.Node, error)
	ResolveTrackFacts(ctx context.Context, h namespace.Handle) (types.TrackFacts, error)
}

// Streams is the part of the stream reader the adapter delegates to.
type Streams interface {
	Open(ctx context.Context, h namespace.Handle) (*stream.Session, error)
	Read(ctx context.Context, s *stream.Session, offset int64, length int) ([]byte, error)
	Close(s *stream.Session)
	ProbeTags(trackID string) (stream.Tags, bool)
}

// Config configures the filesystem mount
type Config struct {
	MountPoint   string
	Backend      string
	AllowOther   bool
	EntryTimeout time.Duration
	AttrTimeout  time.Duration
	NegativeTTL  time.Duration
	Verbose      bool
	Trace        types.TraceConfig
	Uid          *uint32 // File owner uid (nil = use current user)
	Gid          *uint32 // File owner gid (nil = use current user)
}

// Filesystem projects the namespace tree as a read-only filesystem. Every
// operation is keyed by node handle; the FUSE bindings translate inode
// numbers or paths into handles.
type Filesystem struct {
	config  Config
	tree    *namespace.Tree
	catalog Catalog
	streams Streams
	uid     uint32
	gid     uint32
	trace   *FuseTrace

	// negativeCache short-circuits repeat lookups of names that did not
	// resolve. ReadDir clears entries for names it returns.
	negativeCache *expirable.LRU[negativeKey, struct{}]

	handlesMu sync.Mutex
	handles   map[FileHandle]*stream.Session
	nextFh    atomic.Uint64

	unmount   func() error
	ready     func()
	mounted   bool
	destroyed bool
	mu        sync.Mutex
}

type negativeKey struct {
	parent namespace.Handle
	name   string
}

func NewFilesystem(cfg Config, tree *namespace.Tree, catalog Catalog, streams Streams) (*Filesystem, error) {
	if tree == nil || catalog == nil || streams == nil {
		return nil, fmt.Errorf("filesystem requires a tree, a catalog and a stream reader")
	}
	if cfg.Backend == "" {
		cfg.Backend = types.BackendGoFuse
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = defaultNegativeTTL
	}

	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	if cfg.Uid != nil {
		uid = *cfg.Uid
	}
	if cfg.Gid != nil {
		gid = *cfg.Gid
	}

	return &Filesystem{
		config:        cfg,
		tree:          tree,
		catalog:       catalog,
		streams:       streams,
		uid:           uid,
		gid:           gid,
		trace:         newFuseTrace(cfg.Trace),
		negativeCache: expirable.NewLRU[negativeKey, struct{}](negativeCacheSize, nil, cfg.NegativeTTL),
		handles:       make(map[FileHandle]*stream.Session),
	}, nil
}

// Mount serves the filesystem until it is unmounted. ready, if set, is
// called once when the kernel mount is live; it is never called when the
// mount fails.
func (f *Filesystem) Mount(ready func()) error {
	var once sync.Once
	f.mu.Lock()
	if f.mounted {
		f.mu.Unlock()
		return fmt.Errorf("already mounted")
	}
	f.mounted = true
	f.destroyed = false
	f.ready = func() {
		if ready != nil {
			once.Do(ready)
		}
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.mounted = false
		f.unmount = nil
		f.ready = nil
		f.mu.Unlock()
	}()

	if err := os.MkdirAll(f.config.MountPoint, 0755); err != nil {
		return err
	}

	stopTrace := make(chan struct{})
	if f.trace != nil {
		log.Info().Str("mount", f.config.MountPoint).Dur("interval", f.trace.interval).Msg("fuse op trace enabled")
		go f.trace.run(stopTrace, f.config.MountPoint)
	}
	defer close(stopTrace)

	if f.config.Verbose {
		log.Debug().Str("path", f.config.MountPoint).Str("backend", f.config.Backend).Msg("mounting filesystem")
	}

	switch f.config.Backend {
	case types.BackendGoFuse:
		return f.mountGoFuse()
	case types.BackendCgoFuse:
		return f.mountCgoFuse()
	default:
		return fmt.Errorf("unknown fuse backend %q", f.config.Backend)
	}
}

// setUnmount records how to stop the running mount.
func (f *Filesystem) setUnmount(fn func() error) {
	f.mu.Lock()
	f.unmount = fn
	f.mu.Unlock()
}

// markReady is called by the bindings once the kernel accepted the mount.
func (f *Filesystem) markReady() {
	f.mu.Lock()
	ready := f.ready
	f.mu.Unlock()
	if ready != nil {
		ready()
	}
}

func (f *Filesystem) Unmount() error {
	f.mu.Lock()
	unmount := f.unmount
	destroyed := f.destroyed
	f.mu.Unlock()

	if destroyed || unmount == nil {
		return nil
	}

	// Note: unmount may block depending on the FUSE backend.
	// Callers that need a hard timeout should enforce it at a higher level (e.g., CLI).
	return unmount()
}

func (f *Filesystem) IsMounted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted
}

func (f *Filesystem) IsDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Destroy releases every open session. Bindings call it once the kernel has
// let go of the mount.
func (f *Filesystem) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()

	f.handlesMu.Lock()
	sessions := make([]*stream.Session, 0, len(f.handles))
	for fh, s := range f.handles {
		sessions = append(sessions, s)
		delete(f.handles, fh)
	}
	f.handlesMu.Unlock()

	for _, s := range sessions {
		f.streams.Close(s)
	}
}

func (f *Filesystem) logDebug(msg string) {
	if f.config.Verbose {
		log.Debug().Msg(msg)
	}
}

func (f *Filesystem) observe(op traceOp, key string, start time.Time, err error) {
	f.trace.record(op, key, time.Since(start), err)
	if err != nil && f.config.Verbose && types.KindOf(err) != types.KindNotFound {
		log.Debug().Str("op", op.String()).Str("key", key).Err(err).Msg("fuse op failed")
	}
}

// Lookup resolves name in the parent directory.
func (f *Filesystem) Lookup(ctx context.Context, parent namespace.Handle, name string) (info *FileInfo, err error) {
	defer func(start time.Time) { f.observe(opLookup, name, start, err) }(time.Now())

	p, ok := f.tree.Get(parent)
	if !ok || p.Gone {
		return nil, types.NewError(types.KindNotFound, "lookup", name, nil)
	}
	if !p.IsDir() {
		return nil, ErrNotDir
	}

	key := negativeKey{parent: parent, name: name}
	if _, ok := f.negativeCache.Get(key); ok {
		return nil, types.NewError(types.KindNotFound, "lookup", name, nil)
	}

	n, err := f.catalog.Lookup(ctx, parent, name)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			f.negativeCache.Add(key, struct{}{})
		}
		return nil, err
	}
	return f.infoOf(n), nil
}

// GetAttr reports the attribute snapshot of a node. A track whose facts
// were never resolved is resolved first.
func (f *Filesystem) GetAttr(ctx context.Context, h namespace.Handle) (info *FileInfo, err error) {
	defer func(start time.Time) { f.observe(opGetattr, strconv.FormatUint(uint64(h), 10), start, err) }(time.Now())

	n, ok := f.tree.Get(h)
	if !ok || n.Gone {
		return nil, types.NewError(types.KindNotFound, "getattr", "", nil)
	}
	if n.Kind == types.NodeFile && n.Facts == nil {
		if _, err := f.catalog.ResolveTrackFacts(ctx, h); err != nil {
			return nil, err
		}
		if n, ok = f.tree.Get(h); !ok || n.Gone {
			return nil, types.NewError(types.KindNotFound, "getattr", "", nil)
		}
	}
	return f.infoOf(n), nil
}

// ReadDir lists a directory in its stable listing order.
func (f *Filesystem) ReadDir(ctx context.Context, h namespace.Handle) (entries []DirEntry, err error) {
	start := time.Now()
	defer func() { f.observe(opReaddir, f.tree.Path(h), start, err) }()

	n, ok := f.tree.Get(h)
	if !ok || n.Gone {
		return nil, types.NewError(types.KindNotFound, "readdir", "", nil)
	}
	if !n.IsDir() {
		return nil, ErrNotDir
	}

	children, err := f.catalog.ResolveChildren(ctx, h)
	if err != nil {
		return nil, err
	}

	entries = make([]DirEntry, 0, len(children))
	for _, c := range children {
		f.negativeCache.Remove(negativeKey{parent: h, name: c.Name})
		entries = append(entries, DirEntry{Name: c.Name, Info: *f.infoOf(c)})
	}
	return entries, nil
}

// OpenDir checks that h is a directory.
func (f *Filesystem) OpenDir(h namespace.Handle) error {
	n, ok := f.tree.Get(h)
	if !ok || n.Gone {
		return types.NewError(types.KindNotFound, "opendir", "", nil)
	}
	if !n.IsDir() {
		return ErrNotDir
	}
	return nil
}

// Open starts a read session on a track file. Any write intent is refused.
func (f *Filesystem) Open(ctx context.Context, h namespace.Handle, flags int) (fh FileHandle, err error) {
	start := time.Now()
	defer func() { f.observe(opOpen, f.tree.Path(h), start, err) }()

	if flags&syscall.O_ACCMODE != syscall.O_RDONLY || flags&(syscall.O_TRUNC|syscall.O_APPEND|syscall.O_CREAT) != 0 {
		return 0, readOnly("open", f.tree.Path(h))
	}

	n, ok := f.tree.Get(h)
	if !ok || n.Gone {
		return 0, types.NewError(types.KindNotFound, "open", "", nil)
	}
	if n.IsDir() {
		return 0, ErrIsDir
	}

	s, err := f.streams.Open(ctx, h)
	if err != nil {
		return 0, err
	}

	fh = FileHandle(f.nextFh.Add(1))
	f.handlesMu.Lock()
	f.handles[fh] = s
	f.handlesMu.Unlock()

	f.logDebug("opened " + f.tree.Path(h) + " session " + s.ID)
	return fh, nil
}

func (f *Filesystem) session(fh FileHandle) (*stream.Session, bool) {
	f.handlesMu.Lock()
	defer f.handlesMu.Unlock()
	s, ok := f.handles[fh]
	return s, ok
}

// Read fills buf from offset off of an open file and returns the byte count.
// Zero means end of file.
func (f *Filesystem) Read(ctx context.Context, fh FileHandle, buf []byte, off int64) (n int, err error) {
	defer func(start time.Time) { f.observe(opRead, strconv.FormatUint(uint64(fh), 10), start, err) }(time.Now())

	s, ok := f.session(fh)
	if !ok {
		return 0, ErrBadFd
	}
	data, err := f.streams.Read(ctx, s, off, len(buf))
	if err != nil {
		return 0, err
	}
	return copy(buf, data), nil
}

// Release ends the session behind fh.
func (f *Filesystem) Release(fh FileHandle) (err error) {
	defer func(start time.Time) { f.observe(opRelease, strconv.FormatUint(uint64(fh), 10), start, err) }(time.Now())

	f.handlesMu.Lock()
	s, ok := f.handles[fh]
	delete(f.handles, fh)
	f.handlesMu.Unlock()

	if !ok {
		return ErrBadFd
	}
	f.streams.Close(s)
	return nil
}

// OpenHandles is the number of file handles not yet released.
func (f *Filesystem) OpenHandles() int {
	f.handlesMu.Lock()
	defer f.handlesMu.Unlock()
	return len(f.handles)
}

func (f *Filesystem) Readlink(h namespace.Handle) (target string, err error) {
	defer func(start time.Time) { f.observe(opReadlink, strconv.FormatUint(uint64(h), 10), start, err) }(time.Now())

	n, ok := f.tree.Get(h)
	if !ok || n.Gone {
		return "", types.NewError(types.KindNotFound, "readlink", "", nil)
	}
	if n.Kind != types.NodeSymlink {
		return "", syscall.EINVAL
	}
	return n.Target, nil
}

// Statfs reports the known catalog size. Free space is always zero.
func (f *Filesystem) Statfs() *StatInfo {
	s := f.tree.Stats()
	return &StatInfo{
		Bsize:   blockSize,
		Blocks:  uint64((s.KnownBytes + blockSize - 1) / blockSize),
		Files:   uint64(s.Nodes),
		Namemax: nameMax,
	}
}

// Walk resolves a slash-separated path to a handle, one Lookup per component.
func (f *Filesystem) Walk(ctx context.Context, path string) (namespace.Handle, error) {
	h := namespace.RootHandle
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." {
			continue
		}
		info, err := f.Lookup(ctx, h, part)
		if err != nil {
			return 0, err
		}
		h = namespace.Handle(info.Ino)
	}
	return h, nil
}

func (f *Filesystem) infoOf(n namespace.Node) *FileInfo {
	info := &FileInfo{
		Ino:   uint64(n.Handle),
		Size:  n.Attr.Size,
		Mode:  n.Attr.Mode,
		Nlink: 1,
		Uid:   f.uid,
		Gid:   f.gid,
		Atime: n.Attr.ModTime,
		Mtime: n.Attr.ModTime,
		Ctime: n.Attr.ModTime,
	}
	switch n.Kind {
	case types.NodeDir:
		info.Nlink = 2
	case types.NodeSymlink:
		info.Size = int64(len(n.Target))
	}
	return info
}

// Listxattr names the extended attributes of a node.
func (f *Filesystem) Listxattr(ctx context.Context, h namespace.Handle) ([]string, error) {
	attrs, err := f.xattrs(ctx, h)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(attrs))
	for _, a := range attrs {
		names = append(names, a.name)
	}
	return names, nil
}

func (f *Filesystem) Getxattr(ctx context.Context, h namespace.Handle, name string) ([]byte, error) {
	if !strings.HasPrefix(name, xattrPrefix) {
		return nil, ErrNoAttr
	}
	attrs, err := f.xattrs(ctx, h)
	if err != nil {
		return nil, err
	}
	for _, a := range attrs {
		if a.name == name {
			return []byte(a.value), nil
		}
	}
	return nil, ErrNoAttr
}

type xattr struct {
	name, value string
}

func (f *Filesystem) xattrs(ctx context.Context, h namespace.Handle) (attrs []xattr, err error) {
	defer func(start time.Time) { f.observe(opXattr, strconv.FormatUint(uint64(h), 10), start, err) }(time.Now())

	n, ok := f.tree.Get(h)
	if !ok || n.Gone {
		return nil, types.NewError(types.KindNotFound, "xattr", "", nil)
	}

	add := func(name, value string) {
		if value != "" {
			attrs = append(attrs, xattr{name: xattrPrefix + name, value: value})
		}
	}
	add("kind", string(n.Resource.Kind))
	add("id", n.Resource.ID)
	if n.Resource.Kind != types.ResourceTrack {
		return attrs, nil
	}

	facts := n.Facts
	if facts == nil {
		fetched, err := f.catalog.ResolveTrackFacts(ctx, h)
		if err != nil {
			return nil, err
		}
		facts = &fetched
	}
	add("title", facts.Title)
	add("artist", facts.Artist)
	add("duration_ms", strconv.FormatInt(facts.DurationMs, 10))
	add("content_type", facts.ContentType)
	add("permalink", facts.Permalink)

	if tags, ok := f.streams.ProbeTags(n.Resource.ID); ok {
		fields := tags.Fields()
		for _, k := range []string{"format", "title", "artist", "album", "genre", "year", "track"} {
			if v, ok := fields[k]; ok {
				attrs = append(attrs, xattr{name: xattrTagPrefix + k, value: v})
			}
		}
	}
	return attrs, nil
}

// Mutating operations. The namespace is a projection of the remote catalog
// and is never written through.

func (f *Filesystem) reject(op, key string) error {
	err := readOnly(op, key)
	f.trace.record(opRejected, key, 0, err)
	return err
}

func (f *Filesystem) Create(parent namespace.Handle, name string) error {
	return f.reject("create", name)
}

func (f *Filesystem) Write(h namespace.Handle, off int64, data []byte) error {
	return f.reject("write", f.tree.Path(h))
}

func (f *Filesystem) Truncate(h namespace.Handle, size int64) error {
	return f.reject("truncate", f.tree.Path(h))
}

func (f *Filesystem) Mkdir(parent namespace.Handle, name string) error {
	return f.reject("mkdir", name)
}

func (f *Filesystem) Rmdir(parent namespace.Handle, name string) error {
	return f.reject("rmdir", name)
}

func (f *Filesystem) Unlink(parent namespace.Handle, name string) error {
	return f.reject("unlink", name)
}

func (f *Filesystem) Rename(parent namespace.Handle, name string, newParent namespace.Handle, newName string) error {
	return f.reject("rename", name)
}

func (f *Filesystem) Symlink(parent namespace.Handle, name, target string) error {
	return f.reject("symlink", name)
}

func (f *Filesystem) Link(h namespace.Handle, newParent namespace.Handle, name string) error {
	return f.reject("link", name)
}

func (f *Filesystem) Setattr(h namespace.Handle) error {
	return f.reject("setattr", f.tree.Path(h))
}

func (f *Filesystem) Setxattr(h namespace.Handle, name string) error {
	return f.reject("setxattr", name)
}

func (f *Filesystem) Removexattr(h namespace.Handle, name string) error {
	return f.reject("removexattr", name)
}
