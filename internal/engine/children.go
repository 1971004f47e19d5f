package engine

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"path"
	"syscall"

	"go.uber.org/zap"

	"github.com/gwangyi/cmdfs/internal/filter"
)

// readdirBatch is how many source entries are read at a time.
const readdirBatch = 128

// Child is one entry of a directory listing.
type Child struct {
	Name string
	Kind Kind
	Mode fs.FileMode
}

// Children lists the visible entries of the directory dir. The sequence
// reads the source directory lazily and can be iterated more than once;
// every iteration reflects the source tree at that time. An error ends
// the sequence. Entries whose visibility cannot be decided are left out
// and logged.
func (e *Engine) Children(ctx context.Context, dir string) iter.Seq2[Child, error] {
	return func(yield func(Child, error) bool) {
		d, err := e.Resolve(ctx, dir)
		if err != nil {
			yield(Child{}, err)
			return
		}
		if d.Kind != Directory {
			yield(Child{}, &fs.PathError{Op: "readdir", Path: d.Rel, Err: syscall.ENOTDIR})
			return
		}

		f, err := e.fsys.Open(filter.SourcePath(d.Rel))
		if err != nil {
			yield(Child{}, err)
			return
		}
		defer f.Close()

		for {
			infos, err := f.Readdir(readdirBatch)
			for _, fi := range infos {
				if ctxErr := ctx.Err(); ctxErr != nil {
					yield(Child{}, ctxErr)
					return
				}
				child, ok := e.child(d.Rel, fi)
				if ok && !yield(child, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) || (err == nil && len(infos) == 0) {
				return
			}
			if err != nil {
				yield(Child{}, err)
				return
			}
		}
	}
}

func (e *Engine) child(dir string, fi fs.FileInfo) (Child, bool) {
	rel := path.Join(dir, fi.Name())
	if fi.Mode()&fs.ModeSymlink != 0 {
		target, err := e.fsys.Stat(filter.SourcePath(rel))
		if err != nil {
			return Child{}, false
		}
		fi = target
	}

	d, err := e.classify(rel, fi)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("deciding visibility failed", zap.String("path", rel), zap.Error(err))
		}
		return Child{}, false
	}

	mode := fi.Mode().Type()
	if d.Kind == SymlinkThrough {
		mode = fs.ModeSymlink
	}
	return Child{Name: fi.Name(), Kind: d.Kind, Mode: mode}, true
}
