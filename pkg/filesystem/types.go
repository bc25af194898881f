package filesystem

import (
	"errors"
	"syscall"
	"time"

	"github.com/beam-cloud/soundfs/pkg/stream"
	"github.com/beam-cloud/soundfs/pkg/types"
)

type FileInfo struct {
	Ino   uint64
	Size  int64
	Mode  uint32
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

func (fi *FileInfo) IsDir() bool     { return fi.Mode&syscall.S_IFMT == syscall.S_IFDIR }
func (fi *FileInfo) IsRegular() bool { return fi.Mode&syscall.S_IFMT == syscall.S_IFREG }
func (fi *FileInfo) IsSymlink() bool { return fi.Mode&syscall.S_IFMT == syscall.S_IFLNK }

// DirEntry is one child returned by ReadDir, with its attributes so bindings
// can fill stat buffers without another lookup.
type DirEntry struct {
	Name string
	Info FileInfo
}

type StatInfo struct {
	Bsize   uint64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Namemax uint64
}

// FileHandle identifies an open track session.
type FileHandle uint64

var (
	ErrNotDir = syscall.ENOTDIR
	ErrIsDir  = syscall.EISDIR
	ErrBadFd  = syscall.EBADF
	ErrNoAttr = syscall.ENODATA // ENOATTR on macOS maps to ENODATA
)

// errnoOf maps a failure to the errno returned to the kernel. Remote
// failures of every kind surface as EIO.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, stream.ErrSessionClosed) {
		return syscall.EBADF
	}

	switch types.KindOf(err) {
	case types.KindNotFound:
		return syscall.ENOENT
	case types.KindReadOnly:
		return syscall.EROFS
	default:
		return syscall.EIO
	}
}

// toErrno is the negative errno convention of the cgofuse binding.
func toErrno(err error) int {
	return -int(errnoOf(err))
}

func readOnly(op, key string) error {
	return types.NewError(types.KindReadOnly, op, key, nil)
}
