package cmdfs

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gwangyi/cmdfs/internal/engine"
)

// fileHandle serves FUSE read requests from an engine.Handle.
// Reads are serialized: not every source file supports concurrent
// ReadAt calls.
type fileHandle struct {
	h    *engine.Handle
	path string
	node *node
	mu   sync.Mutex
}

var _ fs.FileReader = &fileHandle{}
var _ fs.FileReleaser = &fileHandle{}
var _ fs.FileGetattrer = &fileHandle{}

// Read reads data from the file at the given offset.
// Reading at or past the end returns no data.
func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	n, err := fh.h.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fh.node.fail("Read", fh.path, err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Getattr returns the attributes of the content the handle reads.
func (fh *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	attrToFuse(fh.h.Attr, &out.Attr)
	fh.node.mirror(ctx, &out.Attr)
	return 0
}

// Release closes the file handle.
func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.h.Close(); err != nil {
		return fh.node.fail("Release", fh.path, err)
	}
	return 0
}
