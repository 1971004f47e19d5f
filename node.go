package cmdfs

import (
	"context"
	"iter"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/gwangyi/cmdfs/internal/engine"
)

type node struct {
	fs.Inode
	fs   *FS
	path string
	uid  func(context.Context) (uint32, bool)
	gid  func(context.Context) (uint32, bool)
}

// Ensure node implements various FUSE node interfaces.
var _ fs.NodeGetattrer = &node{}
var _ fs.NodeLookuper = &node{}
var _ fs.NodeReaddirer = &node{}
var _ fs.NodeOpener = &node{}
var _ fs.NodeReadlinker = &node{}
var _ fs.NodeUnlinker = &node{}
var _ fs.NodeCreater = &node{}
var _ fs.NodeMkdirer = &node{}
var _ fs.NodeRmdirer = &node{}
var _ fs.NodeSymlinker = &node{}
var _ fs.NodeRenamer = &node{}
var _ fs.NodeSetattrer = &node{}

// fail converts err for the kernel, logging and counting it. A missing
// path is the normal answer to most lookups and is not logged.
func (n *node) fail(op, p string, err error) syscall.Errno {
	errno := toErrno(err)
	if errno != syscall.ENOENT {
		n.fs.logger.Error(op+" failed", zap.String("path", p), zap.Error(err))
	}
	n.fs.metrics.RecordError(op, errno.Error())
	return errno
}

func (n *node) child(name string) *node {
	return &node{
		fs:   n.fs,
		path: path.Join(n.path, name),
		uid:  n.uid,
		gid:  n.gid,
	}
}

// mirror reports the caller as owner when mirroring is enabled.
func (n *node) mirror(ctx context.Context, out *fuse.Attr) {
	if n.uid != nil {
		if uid, ok := n.uid(ctx); ok {
			out.Uid = uid
		}
	}
	if n.gid != nil {
		if gid, ok := n.gid(ctx); ok {
			out.Gid = gid
		}
	}
}

// Getattr retrieves the attributes of the node.
// With an open file handle, the attributes of the content it reads are
// returned, so the size matches what can be read. Otherwise the engine
// resolves the path again.
func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fh, ok := f.(*fileHandle); ok {
		attrToFuse(fh.h.Attr, &out.Attr)
		n.mirror(ctx, &out.Attr)
		return 0
	}

	a, err := n.fs.engine.Attr(ctx, n.path)
	if err != nil {
		return n.fail("Getattr", n.path, err)
	}
	attrToFuse(a, &out.Attr)
	n.mirror(ctx, &out.Attr)
	return 0
}

// Lookup finds a visible child with the given name within the current
// directory. It returns a new node representing the child.
func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.child(name)
	a, err := n.fs.engine.Attr(ctx, child.path)
	if err != nil {
		return nil, n.fail("Lookup", child.path, err)
	}

	attrToFuse(a, &out.Attr)
	n.mirror(ctx, &out.Attr)

	id := fs.StableAttr{
		Mode: toFuseMode(a.Mode),
	}

	return n.NewInode(ctx, child, id), 0
}

// Readdir lists the visible entries of the directory.
// Entries are read from the source as the kernel consumes the stream,
// which outlives the request that opened it.
func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	next, stop := iter.Pull2(n.fs.engine.Children(context.WithoutCancel(ctx), n.path))
	s := &dirStream{next: next, stop: stop}
	if s.HasNext() && s.err != nil {
		err := s.err
		s.Close()
		return nil, n.fail("Readdir", n.path, err)
	}
	return s, 0
}

// Open opens the file associated with this node for reading.
// Generated content is produced before Open returns; the handle keeps
// reading the same content for its whole lifetime.
func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY || flags&syscall.O_TRUNC != 0 {
		return nil, 0, syscall.EROFS
	}
	h, err := n.fs.engine.Open(ctx, n.path)
	if err != nil {
		return nil, 0, n.fail("Open", n.path, err)
	}
	fh := &fileHandle{h: h, path: n.path, node: n}
	if h.Attr.Kind == engine.Generated {
		return fh, fuse.FOPEN_DIRECT_IO, 0
	}
	return fh, fuse.FOPEN_KEEP_CACHE, 0
}

// Readlink reads the target of a link-through symlink.
func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	link, err := n.fs.engine.Readlink(ctx, n.path)
	if err != nil {
		return nil, n.fail("Readlink", n.path, err)
	}
	return []byte(link), 0
}

// Unlink removes a file from the view by deleting its source file.
func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	target := path.Join(n.path, name)
	if err := n.fs.engine.Remove(ctx, target); err != nil {
		return n.fail("Unlink", target, err)
	}
	return 0
}

// Create is refused; the view is read-only.
func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

// Mkdir is refused; the view is read-only.
func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

// Rmdir is refused; the view is read-only.
func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

// Symlink is refused; the view is read-only.
func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

// Rename is refused; the view is read-only.
func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}

// Setattr is refused; the view is read-only.
func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return syscall.EROFS
}

// dirStream serves a directory listing pulled from the engine one entry
// at a time.
type dirStream struct {
	next func() (engine.Child, error, bool)
	stop func()

	// The entry fetched by HasNext and not yet returned by Next.
	cur     engine.Child
	err     error
	ok      bool
	fetched bool
}

var _ fs.DirStream = &dirStream{}

func (s *dirStream) fetch() {
	if !s.fetched {
		s.cur, s.err, s.ok = s.next()
		s.fetched = true
	}
}

func (s *dirStream) HasNext() bool {
	s.fetch()
	return s.ok
}

func (s *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	s.fetch()
	s.fetched = false
	if !s.ok {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	if s.err != nil {
		return fuse.DirEntry{}, toErrno(s.err)
	}
	return fuse.DirEntry{
		Name: s.cur.Name,
		Mode: toFuseMode(s.cur.Mode),
	}, 0
}

func (s *dirStream) Close() {
	s.stop()
}
