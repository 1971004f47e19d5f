package cmdfs

import (
	"context"
	"errors"
	"io/fs"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gwangyi/cmdfs/internal/cache"
	"github.com/gwangyi/cmdfs/internal/command"
	"github.com/gwangyi/cmdfs/internal/engine"
)

// toErrno converts an error of the engine or its collaborators into a
// syscall.Errno.
//
// Failures of the view itself come first: a failed command or cache
// access is EIO even when it wraps a more specific cause, a source that
// vanished during generation is ENOENT and Readlink on anything but a
// link-through symlink is EINVAL. Otherwise, if the error can be
// unwrapped to a syscall.Errno, it is returned directly, and the fs.Err*
// errors are mapped to their usual codes. Unknown errors become EIO.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, command.ErrExecution), errors.Is(err, cache.ErrCacheIO):
		return syscall.EIO
	case errors.Is(err, engine.ErrSourceRace):
		return syscall.ENOENT
	case errors.Is(err, engine.ErrNotSymlink):
		return syscall.EINVAL
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, fs.ErrNotExist) {
		return syscall.ENOENT
	}
	if errors.Is(err, fs.ErrPermission) {
		return syscall.EPERM
	}
	if errors.Is(err, fs.ErrInvalid) {
		return syscall.EINVAL
	}
	if errors.Is(err, fs.ErrExist) {
		return syscall.EEXIST
	}
	if errors.Is(err, errors.ErrUnsupported) {
		return syscall.ENOSYS
	}
	return syscall.EIO
}

// fillFromStat populates the FUSE attributes from a syscall.Stat_t structure.
// This is used when the source file info provides raw system stats.
// It copies Link count, UID, GID, Device ID, Block size, Blocks, and timestamps.
// The inode number is left to go-fuse, which numbers the nodes of the view.
func fillFromStat(st *syscall.Stat_t, out *fuse.Attr) {
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Rdev = uint32(st.Rdev)
	out.Blksize = uint32(st.Blksize)
	out.Blocks = uint64(st.Blocks)

	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
}

// attrToFuse converts the attributes of a path of the view into FUSE
// attributes.
// Size, Mode and Mtime come from a; the remaining metadata is taken from
// the source file's raw stat when available.
// Generated files and symlinks get a block count matching their own size
// rather than the source's.
func attrToFuse(a engine.Attr, out *fuse.Attr) {
	out.Size = uint64(a.Size)
	out.Mode = toFuseMode(a.Mode)
	out.Mtime = uint64(a.ModTime.Unix())
	out.Mtimensec = uint32(a.ModTime.Nanosecond())
	// Defaults
	out.Atime = out.Mtime
	out.Atimensec = out.Mtimensec
	out.Ctime = out.Mtime
	out.Ctimensec = out.Mtimensec
	out.Blksize = 4096
	out.Nlink = 1

	if a.Info != nil {
		if st, ok := a.Info.Sys().(*syscall.Stat_t); ok {
			fillFromStat(st, out)
		}
	}

	switch a.Kind {
	case engine.Generated, engine.SymlinkThrough:
		out.Blocks = (out.Size + 511) / 512
		out.Nlink = 1
	case engine.Directory:
		// Directories must have at least 2 links (. and parent)
		if out.Nlink < 2 {
			out.Nlink = 2
		}
	}
	if out.Nlink == 0 {
		out.Nlink = 1
	}
}

// toFuseMode converts a Go fs.FileMode to a FUSE mode (uint32).
func toFuseMode(mode fs.FileMode) uint32 {
	m := uint32(mode & 0777)
	switch {
	case mode&fs.ModeDir != 0:
		m |= syscall.S_IFDIR
	case mode&fs.ModeSymlink != 0:
		m |= syscall.S_IFLNK
	case mode&fs.ModeNamedPipe != 0:
		m |= syscall.S_IFIFO
	case mode&fs.ModeSocket != 0:
		m |= syscall.S_IFSOCK
	case mode&fs.ModeDevice != 0:
		if mode&fs.ModeCharDevice != 0 {
			m |= syscall.S_IFCHR
		} else {
			m |= syscall.S_IFBLK
		}
	default:
		m |= syscall.S_IFREG
	}
	if mode&fs.ModeSetuid != 0 {
		m |= syscall.S_ISUID
	}
	if mode&fs.ModeSetgid != 0 {
		m |= syscall.S_ISGID
	}
	if mode&fs.ModeSticky != 0 {
		m |= syscall.S_ISVTX
	}
	return m
}
