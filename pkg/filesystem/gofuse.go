package filesystem

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/beam-cloud/soundfs/pkg/namespace"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fuseNode binds one namespace handle to the go-fuse node API. The inode
// number is the handle itself, so the kernel sees stable inode numbers.
type fuseNode struct {
	fs.Inode
	fsys *Filesystem
	h    namespace.Handle
}

type fuseFile struct {
	fh FileHandle
}

var _ fs.InodeEmbedder = (*fuseNode)(nil)
var _ fs.NodeGetattrer = (*fuseNode)(nil)
var _ fs.NodeLookuper = (*fuseNode)(nil)
var _ fs.NodeOpendirer = (*fuseNode)(nil)
var _ fs.NodeReaddirer = (*fuseNode)(nil)
var _ fs.NodeOpener = (*fuseNode)(nil)
var _ fs.NodeReader = (*fuseNode)(nil)
var _ fs.NodeReleaser = (*fuseNode)(nil)
var _ fs.NodeReadlinker = (*fuseNode)(nil)
var _ fs.NodeStatfser = (*fuseNode)(nil)
var _ fs.NodeGetxattrer = (*fuseNode)(nil)
var _ fs.NodeListxattrer = (*fuseNode)(nil)
var _ fs.NodeSetxattrer = (*fuseNode)(nil)
var _ fs.NodeRemovexattrer = (*fuseNode)(nil)
var _ fs.NodeSetattrer = (*fuseNode)(nil)
var _ fs.NodeWriter = (*fuseNode)(nil)
var _ fs.NodeCreater = (*fuseNode)(nil)
var _ fs.NodeMknoder = (*fuseNode)(nil)
var _ fs.NodeMkdirer = (*fuseNode)(nil)
var _ fs.NodeUnlinker = (*fuseNode)(nil)
var _ fs.NodeRmdirer = (*fuseNode)(nil)
var _ fs.NodeRenamer = (*fuseNode)(nil)
var _ fs.NodeSymlinker = (*fuseNode)(nil)
var _ fs.NodeLinker = (*fuseNode)(nil)

func (f *Filesystem) mountGoFuse() error {
	root := &fuseNode{fsys: f, h: namespace.RootHandle}
	negative := time.Second

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: f.config.AllowOther,
			FsName:     "soundfs",
			Name:       "soundfs",
			Options:    []string{"ro"},
			Debug:      f.config.Verbose,
		},
		EntryTimeout:    durationPtr(f.config.EntryTimeout),
		AttrTimeout:     durationPtr(f.config.AttrTimeout),
		NegativeTimeout: &negative,
		UID:             f.uid,
		GID:             f.gid,
	}

	server, err := fs.Mount(f.config.MountPoint, root, opts)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	f.setUnmount(server.Unmount)
	f.markReady()

	server.Wait()
	f.Destroy()
	return nil
}

func durationPtr(d time.Duration) *time.Duration {
	if d <= 0 {
		return nil
	}
	return &d
}

func fillAttr(out *fuse.Attr, info *FileInfo) {
	out.Ino = info.Ino
	out.Size = uint64(info.Size)
	out.Blocks = uint64((info.Size + 511) / 512)
	out.Blksize = blockSize
	out.Mode = info.Mode
	out.Nlink = info.Nlink
	out.Uid = info.Uid
	out.Gid = info.Gid
	out.SetTimes(&info.Atime, &info.Mtime, &info.Ctime)
}

func (n *fuseNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := n.fsys.GetAttr(ctx, n.h)
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(&out.Attr, info)
	return 0
}

func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	info, err := n.fsys.Lookup(ctx, n.h, name)
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(&out.Attr, info)

	child := &fuseNode{fsys: n.fsys, h: namespace.Handle(info.Ino)}
	stable := fs.StableAttr{Mode: info.Mode & syscall.S_IFMT, Ino: info.Ino}
	return n.NewInode(ctx, child, stable), 0
}

func (n *fuseNode) Opendir(ctx context.Context) syscall.Errno {
	return errnoOf(n.fsys.OpenDir(n.h))
}

func (n *fuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.ReadDir(ctx, n.h)
	if err != nil {
		return nil, errnoOf(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{
			Name: e.Name,
			Mode: e.Info.Mode & syscall.S_IFMT,
			Ino:  e.Info.Ino,
		})
	}
	return fs.NewListDirStream(out), 0
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	fh, err := n.fsys.Open(ctx, n.h, int(flags))
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	// Track bytes never change under a handle, so the page cache stays valid.
	return &fuseFile{fh: fh}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *fuseNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	file, ok := f.(*fuseFile)
	if !ok {
		return nil, syscall.EBADF
	}
	read, err := n.fsys.Read(ctx, file.fh, dest, off)
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:read]), 0
}

func (n *fuseNode) Release(ctx context.Context, f fs.FileHandle) syscall.Errno {
	file, ok := f.(*fuseFile)
	if !ok {
		return syscall.EBADF
	}
	return errnoOf(n.fsys.Release(file.fh))
}

func (n *fuseNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.Readlink(n.h)
	if err != nil {
		return nil, errnoOf(err)
	}
	return []byte(target), 0
}

func (n *fuseNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	info := n.fsys.Statfs()
	out.Bsize = uint32(info.Bsize)
	out.Frsize = uint32(info.Bsize)
	out.Blocks = info.Blocks
	out.Bfree = info.Bfree
	out.Bavail = info.Bavail
	out.Files = info.Files
	out.Ffree = info.Ffree
	out.NameLen = uint32(info.Namemax)
	return 0
}

func (n *fuseNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := n.fsys.Getxattr(ctx, n.h, attr)
	if err != nil {
		return 0, errnoOf(err)
	}
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	return uint32(copy(dest, value)), 0
}

func (n *fuseNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.fsys.Listxattr(ctx, n.h)
	if err != nil {
		return 0, errnoOf(err)
	}

	var total int
	for _, name := range names {
		total += len(name) + 1
	}
	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}

	offset := 0
	for _, name := range names {
		copy(dest[offset:], name)
		offset += len(name)
		dest[offset] = 0
		offset++
	}
	return uint32(total), 0
}

// Write-class operations.

func (n *fuseNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return errnoOf(n.fsys.Setxattr(n.h, attr))
}

func (n *fuseNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return errnoOf(n.fsys.Removexattr(n.h, attr))
}

func (n *fuseNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return errnoOf(n.fsys.Setattr(n.h))
}

func (n *fuseNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	return 0, errnoOf(n.fsys.Write(n.h, off, data))
}

func (n *fuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, errnoOf(n.fsys.Create(n.h, name))
}

func (n *fuseNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, errnoOf(n.fsys.Create(n.h, name))
}

func (n *fuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, errnoOf(n.fsys.Mkdir(n.h, name))
}

func (n *fuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.fsys.Unlink(n.h, name))
}

func (n *fuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.fsys.Rmdir(n.h, name))
}

func (n *fuseNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	var to namespace.Handle
	if p, ok := newParent.(*fuseNode); ok {
		to = p.h
	}
	return errnoOf(n.fsys.Rename(n.h, name, to, newName))
}

func (n *fuseNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, errnoOf(n.fsys.Symlink(n.h, name, target))
}

func (n *fuseNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	var from namespace.Handle
	if t, ok := target.(*fuseNode); ok {
		from = t.h
	}
	return nil, errnoOf(n.fsys.Link(from, n.h, name))
}
