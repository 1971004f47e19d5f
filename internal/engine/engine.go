// Package engine answers, for any path of the mounted view, whether it
// exists and what its attributes and content are.
//
// Each visible path is delivered in one of four ways. Directories are
// listed from the source tree. Files that pass the filter are either
// read straight from the source or, when a command is configured,
// generated by running it and cached. With link-through, files that do
// not pass the filter appear as symlinks to the source file. Everything
// else is hidden.
//
// Generation is single-flight per path: concurrent readers of a path
// whose cache entry is missing or stale share one command run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gwangyi/cmdfs/internal/cache"
	"github.com/gwangyi/cmdfs/internal/command"
	"github.com/gwangyi/cmdfs/internal/config"
	"github.com/gwangyi/cmdfs/internal/filter"
	"github.com/gwangyi/cmdfs/internal/metrics"
)

var (
	// ErrSourceRace reports a source file that disappeared or kept
	// changing while its content was being generated.
	ErrSourceRace = fmt.Errorf("source changed during generation: %w", fs.ErrNotExist)

	// ErrNotSymlink is returned by Readlink for paths that are not
	// link-through symlinks.
	ErrNotSymlink = errors.New("not a symlink")
)

// Kind is the way a path is delivered.
type Kind int

const (
	Hidden Kind = iota
	Directory
	SymlinkThrough
	DirectPassthrough
	Generated
)

func (k Kind) String() string {
	switch k {
	case Hidden:
		return "hidden"
	case Directory:
		return "directory"
	case SymlinkThrough:
		return "symlink-through"
	case DirectPassthrough:
		return "direct-passthrough"
	case Generated:
		return "generated"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Delivery is the resolution of one path.
type Delivery struct {
	Kind Kind
	Rel  string
	// Info describes the source entry, with symlinks followed. It is
	// nil for Hidden.
	Info fs.FileInfo
	// Target is the absolute source path a SymlinkThrough points to.
	Target string
}

// Attr holds the attributes reported for a path. Info carries the
// source attributes not overridden by Mode, Size and ModTime (owner,
// inode, access and change times).
type Attr struct {
	Kind    Kind
	Mode    fs.FileMode
	Size    int64
	ModTime time.Time
	Info    fs.FileInfo
}

// Options holds the collaborators of an Engine.
type Options struct {
	// Source is the source tree, rooted at the mount's source
	// directory.
	Source afero.Fs
	// Store and Runner are required when the mount has a command.
	Store  *cache.Store
	Runner command.Runner

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Engine resolves paths of a mounted view. It is safe for concurrent
// use.
type Engine struct {
	mount   *config.Mount
	fsys    afero.Fs
	filter  *filter.Filter
	store   *cache.Store
	runner  command.Runner
	logger  *zap.Logger
	metrics *metrics.Metrics

	group singleflight.Group

	// ctx bounds command runs; it is cancelled by Close. Runs are shared
	// between callers, so they never use a caller's context.
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an Engine for m.
func New(m *config.Mount, o Options) (*Engine, error) {
	if o.Source == nil {
		return nil, errors.New("engine: no source filesystem")
	}
	if m.HasCommand() && (o.Store == nil || o.Runner == nil) {
		return nil, errors.New("engine: a command needs a cache store and a runner")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		mount:   m,
		fsys:    o.Source,
		filter:  filter.New(o.Source, m),
		store:   o.Store,
		runner:  o.Runner,
		logger:  o.Logger,
		metrics: o.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Close cancels commands in flight. Calls made afterwards that need a
// command fail.
func (e *Engine) Close() error {
	e.cancel()
	return nil
}

func clean(rel string) string {
	rel = path.Clean("/" + rel)
	if rel == "/" {
		return "."
	}
	return rel[1:]
}

func notExist(op, rel string) error {
	return &fs.PathError{Op: op, Path: rel, Err: fs.ErrNotExist}
}

// absolute returns the path of rel on the local filesystem.
func (e *Engine) absolute(rel string) string {
	return filepath.Join(e.mount.Source, filepath.FromSlash(rel))
}

// Resolve decides how rel is delivered. A Hidden delivery comes with an
// error matching fs.ErrNotExist.
func (e *Engine) Resolve(ctx context.Context, rel string) (Delivery, error) {
	rel = clean(rel)
	fi, err := e.fsys.Stat(filter.SourcePath(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && e.store != nil && e.store.Has(rel) {
			e.OnDelete(rel)
		}
		return Delivery{Kind: Hidden, Rel: rel}, err
	}
	return e.classify(rel, fi)
}

// SourceGone reports whether the source file of rel no longer exists.
func (e *Engine) SourceGone(rel string) bool {
	_, err := e.fsys.Stat(filter.SourcePath(clean(rel)))
	return errors.Is(err, fs.ErrNotExist)
}

func (e *Engine) classify(rel string, fi fs.FileInfo) (Delivery, error) {
	hidden := Delivery{Kind: Hidden, Rel: rel}
	switch {
	case fi.IsDir():
		ok, err := e.filter.VisibleDir(rel)
		if err != nil {
			return hidden, err
		}
		if !ok {
			return hidden, notExist("resolve", rel)
		}
		return Delivery{Kind: Directory, Rel: rel, Info: fi}, nil

	case fi.Mode().IsRegular():
		ok, err := e.filter.VisibleFile(rel)
		if err != nil {
			return hidden, err
		}
		switch {
		case !ok && e.mount.LinkThrough:
			return Delivery{Kind: SymlinkThrough, Rel: rel, Info: fi, Target: e.absolute(rel)}, nil
		case !ok:
			return hidden, notExist("resolve", rel)
		case e.mount.HasCommand():
			return Delivery{Kind: Generated, Rel: rel, Info: fi}, nil
		default:
			return Delivery{Kind: DirectPassthrough, Rel: rel, Info: fi}, nil
		}
	}
	return hidden, notExist("resolve", rel)
}

// Attr returns the attributes of rel. Without stat-passthrough, the
// first Attr of a generated file runs the command so the reported size
// is the generated one. With stat-passthrough, the source attributes
// are reported until a cache entry for the current source exists.
func (e *Engine) Attr(ctx context.Context, rel string) (Attr, error) {
	d, err := e.Resolve(ctx, rel)
	if err != nil {
		return Attr{}, err
	}
	switch d.Kind {
	case SymlinkThrough:
		return Attr{
			Kind:    d.Kind,
			Mode:    fs.ModeSymlink | 0o777,
			Size:    int64(len(d.Target)),
			ModTime: d.Info.ModTime(),
			Info:    d.Info,
		}, nil
	case Generated:
		if e.mount.StatPassthrough {
			if entry, ok := e.store.Get(d.Rel); ok && e.store.Matches(entry, d.Info) {
				return generatedAttr(d, entry.Size, entry.Generated), nil
			}
			a := sourceAttr(d)
			a.Mode &^= 0o222
			return a, nil
		}
		g, err := e.ensure(d)
		if err != nil {
			return Attr{}, err
		}
		return g.attr(d), nil
	}
	return sourceAttr(d), nil
}

func sourceAttr(d Delivery) Attr {
	return Attr{
		Kind:    d.Kind,
		Mode:    d.Info.Mode(),
		Size:    d.Info.Size(),
		ModTime: d.Info.ModTime(),
		Info:    d.Info,
	}
}

// generatedAttr reports a generated file read-only, sized and dated
// after its payload.
func generatedAttr(d Delivery, size int64, generated time.Time) Attr {
	return Attr{
		Kind:    Generated,
		Mode:    d.Info.Mode().Perm() &^ 0o222,
		Size:    size,
		ModTime: generated,
		Info:    d.Info,
	}
}

// Readlink returns the target of a link-through symlink.
func (e *Engine) Readlink(ctx context.Context, rel string) (string, error) {
	d, err := e.Resolve(ctx, rel)
	if err != nil {
		return "", err
	}
	if d.Kind != SymlinkThrough {
		return "", &fs.PathError{Op: "readlink", Path: d.Rel, Err: ErrNotSymlink}
	}
	return d.Target, nil
}

// OnDelete drops the cache entries of a source file or directory that
// was removed.
func (e *Engine) OnDelete(rel string) {
	rel = clean(rel)
	e.group.Forget(rel)
	e.metrics.RecordDeletion()
	if e.store == nil {
		return
	}
	n, err := e.store.InvalidateTree(rel)
	if err != nil {
		e.logger.Warn("dropping cache entry failed", zap.String("path", rel), zap.Error(err))
		return
	}
	e.logger.Debug("cache entry dropped", zap.String("path", rel), zap.Int("below", n))
}

// Remove deletes the source file behind a visible file of the view.
func (e *Engine) Remove(ctx context.Context, rel string) error {
	d, err := e.Resolve(ctx, rel)
	if err != nil {
		return err
	}
	if d.Kind == Directory {
		return &fs.PathError{Op: "remove", Path: d.Rel, Err: syscall.EISDIR}
	}
	if err := e.fsys.Remove(filter.SourcePath(d.Rel)); err != nil {
		return err
	}
	e.OnDelete(d.Rel)
	return nil
}

// Prime generates the content of rel ahead of its first read. It does
// nothing for paths that are not generated.
func (e *Engine) Prime(ctx context.Context, rel string) error {
	d, err := e.Resolve(ctx, rel)
	if err != nil || d.Kind != Generated {
		return err
	}
	_, err = e.ensure(d)
	return err
}
