package filesystem

import (
	"context"
	"errors"
	"path"

	"github.com/beam-cloud/soundfs/pkg/namespace"
	"github.com/winfsp/cgofuse/fuse"
)

const badHandle = ^uint64(0)

// pathFS serves the cgofuse path API. cgofuse hands over full paths, so
// each call resolves its path against the namespace tree before handing the
// resulting handle to the core filesystem.
type pathFS struct {
	fuse.FileSystemBase
	core *Filesystem
}

func (f *Filesystem) mountCgoFuse() error {
	host := fuse.NewFileSystemHost(&pathFS{core: f})
	host.SetCapReaddirPlus(true)
	f.setUnmount(func() error {
		if host.Unmount() {
			return nil
		}
		return errors.New("cgofuse: unmount refused")
	})

	if !host.Mount(f.config.MountPoint, f.mountOptions()) {
		return errors.New("cgofuse: mount failed")
	}
	return nil
}

// at resolves p and runs fn on its handle, returning the negative errno on
// a failed walk.
func (p *pathFS) at(name string, fn func(ctx context.Context, h namespace.Handle) error) int {
	ctx := context.Background()
	h, err := p.core.Walk(ctx, name)
	if err == nil {
		err = fn(ctx, h)
	}
	return toErrno(err)
}

// Init runs once the host has mounted the filesystem.
func (p *pathFS) Init() { p.core.markReady() }

func (p *pathFS) Destroy() { p.core.Destroy() }

func (p *pathFS) Statfs(_ string, st *fuse.Statfs_t) int {
	info := p.core.Statfs()
	*st = fuse.Statfs_t{
		Bsize:   info.Bsize,
		Frsize:  info.Bsize,
		Blocks:  info.Blocks,
		Bfree:   info.Bfree,
		Bavail:  info.Bavail,
		Files:   info.Files,
		Ffree:   info.Ffree,
		Favail:  info.Ffree,
		Namemax: info.Namemax,
	}
	return 0
}

func (p *pathFS) Getattr(name string, st *fuse.Stat_t, _ uint64) int {
	return p.at(name, func(ctx context.Context, h namespace.Handle) error {
		info, err := p.core.GetAttr(ctx, h)
		if err == nil {
			statFromInfo(st, info)
		}
		return err
	})
}

func (p *pathFS) Readlink(name string) (int, string) {
	var target string
	errc := p.at(name, func(_ context.Context, h namespace.Handle) (err error) {
		target, err = p.core.Readlink(h)
		return err
	})
	return errc, target
}

func (p *pathFS) Open(name string, flags int) (int, uint64) {
	fh := badHandle
	errc := p.at(name, func(ctx context.Context, h namespace.Handle) error {
		opened, err := p.core.Open(ctx, h, flags)
		if err == nil {
			fh = uint64(opened)
		}
		return err
	})
	return errc, fh
}

func (p *pathFS) Read(_ string, buf []byte, off int64, fh uint64) int {
	n, err := p.core.Read(context.Background(), FileHandle(fh), buf, off)
	if err != nil {
		return toErrno(err)
	}
	return n
}

func (p *pathFS) Release(_ string, fh uint64) int {
	return toErrno(p.core.Release(FileHandle(fh)))
}

// Opendir returns the directory's namespace handle as its file handle.
func (p *pathFS) Opendir(name string) (int, uint64) {
	fh := badHandle
	errc := p.at(name, func(_ context.Context, h namespace.Handle) error {
		if err := p.core.OpenDir(h); err != nil {
			return err
		}
		fh = uint64(h)
		return nil
	})
	return errc, fh
}

func (p *pathFS) Readdir(name string, fill func(string, *fuse.Stat_t, int64) bool, _ int64, fh uint64) int {
	ctx := context.Background()
	dir := namespace.Handle(fh)
	entries, err := p.core.ReadDir(ctx, dir)
	if err != nil {
		return toErrno(err)
	}

	fill(".", p.statOf(ctx, dir), 0)
	parent, err := p.core.Walk(ctx, path.Dir(name))
	if err != nil {
		parent = dir
	}
	fill("..", p.statOf(ctx, parent), 0)

	for i := range entries {
		var st fuse.Stat_t
		statFromInfo(&st, &entries[i].Info)
		if !fill(entries[i].Name, &st, 0) {
			break
		}
	}
	return 0
}

// statOf is best effort; dot entries are listed even when attributes fail.
func (p *pathFS) statOf(ctx context.Context, h namespace.Handle) *fuse.Stat_t {
	st := &fuse.Stat_t{}
	if info, err := p.core.GetAttr(ctx, h); err == nil {
		statFromInfo(st, info)
	}
	return st
}

func (p *pathFS) Getxattr(name, attr string) (int, []byte) {
	var value []byte
	errc := p.at(name, func(ctx context.Context, h namespace.Handle) (err error) {
		value, err = p.core.Getxattr(ctx, h, attr)
		return err
	})
	return errc, value
}

func (p *pathFS) Listxattr(name string, fill func(string) bool) int {
	return p.at(name, func(ctx context.Context, h namespace.Handle) error {
		names, err := p.core.Listxattr(ctx, h)
		for _, n := range names {
			if !fill(n) {
				break
			}
		}
		return err
	})
}

// Mutations are refused. Paths only reach the trace log.

func (p *pathFS) Mknod(name string, _ uint32, _ uint64) int {
	return toErrno(p.core.Create(0, name))
}

func (p *pathFS) Create(name string, _ int, _ uint32) (int, uint64) {
	return toErrno(p.core.Create(0, name)), badHandle
}

// handleOf ignores walk failures so mutations on missing paths still
// report EROFS.
func (p *pathFS) handleOf(name string) namespace.Handle {
	h, _ := p.core.Walk(context.Background(), name)
	return h
}

func (p *pathFS) Write(name string, buf []byte, off int64, _ uint64) int {
	return toErrno(p.core.Write(p.handleOf(name), off, buf))
}

func (p *pathFS) Truncate(name string, size int64, _ uint64) int {
	return toErrno(p.core.Truncate(p.handleOf(name), size))
}

func (p *pathFS) Mkdir(name string, _ uint32) int { return toErrno(p.core.Mkdir(0, name)) }
func (p *pathFS) Rmdir(name string) int           { return toErrno(p.core.Rmdir(0, name)) }
func (p *pathFS) Unlink(name string) int          { return toErrno(p.core.Unlink(0, name)) }

func (p *pathFS) Rename(from, to string) int { return toErrno(p.core.Rename(0, from, 0, to)) }
func (p *pathFS) Link(_, to string) int      { return toErrno(p.core.Link(0, 0, to)) }

func (p *pathFS) Symlink(target, name string) int {
	return toErrno(p.core.Symlink(0, name, target))
}

func (p *pathFS) setattr(name string) int {
	return toErrno(p.core.Setattr(p.handleOf(name)))
}

func (p *pathFS) Chmod(name string, _ uint32) int            { return p.setattr(name) }
func (p *pathFS) Chown(name string, _, _ uint32) int         { return p.setattr(name) }
func (p *pathFS) Utimens(name string, _ []fuse.Timespec) int { return p.setattr(name) }
func (p *pathFS) Setxattr(_, attr string, _ []byte, _ int) int {
	return toErrno(p.core.Setxattr(0, attr))
}
func (p *pathFS) Removexattr(_, attr string) int { return toErrno(p.core.Removexattr(0, attr)) }

func statFromInfo(st *fuse.Stat_t, info *FileInfo) {
	ctime := fuse.NewTimespec(info.Ctime)
	*st = fuse.Stat_t{
		Dev:      1,
		Ino:      info.Ino,
		Mode:     info.Mode,
		Nlink:    info.Nlink,
		Uid:      info.Uid,
		Gid:      info.Gid,
		Size:     info.Size,
		Atim:     fuse.NewTimespec(info.Atime),
		Mtim:     fuse.NewTimespec(info.Mtime),
		Ctim:     ctime,
		Birthtim: ctime,
		Blksize:  blockSize,
		Blocks:   (info.Size + 511) / 512,
	}
}
